// Package commandqueue runs tasks on named lanes, one task at a time per lane.
//
// Each tutoring session owns a lane keyed by its session ID, so inputs from one
// learner are processed strictly in arrival order while different sessions run
// in parallel.
//
// Invariants:
// - Tasks in the same lane execute in FIFO order, never concurrently.
// - Tasks in different lanes may execute concurrently.
// - A lane holds at most MaxDepth queued plus running tasks; Submit beyond that fails with ErrLaneFull.
// - Resetting or removing a lane rejects its queued tasks; removing it also cancels the running one.
// - Queue activity is observable through enqueued/completed/rejected events and metrics.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.Config{MaxDepth: 2})
//	defer queue.Close()
//	done, err := queue.Submit(ctx, sessionID, func(ctx context.Context) (interface{}, error) {
//		return nil, pipeline.ProcessInput(ctx, sess, input)
//	}, nil)
package commandqueue
