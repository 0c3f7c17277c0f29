package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/tutorline/internal/observability"
	"github.com/harun/tutorline/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrLaneFull is returned by Submit when the lane already holds MaxDepth tasks
	ErrLaneFull = errors.New("lane is full")
	// ErrLaneReset is delivered to queued tasks dropped by ResetLane or RemoveLane
	ErrLaneReset = errors.New("lane reset")
	// ErrQueueClosed is returned once Close has been called
	ErrQueueClosed = errors.New("queue closed")
)

// Event types
const (
	EventEnqueued  = "enqueued"
	EventCompleted = "completed"
	EventRejected  = "rejected"
)

const tracerName = "tutorline.commandqueue"

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions provides configuration for task execution
type TaskOptions struct {
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

// Result is the outcome of a task
type Result struct {
	Value interface{}
	Err   error
}

// Config holds queue settings
type Config struct {
	// MaxDepth bounds queued plus running tasks per lane. Zero means unbounded.
	MaxDepth int
}

// LaneStats is a point-in-time view of one lane
type LaneStats struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

// taskRecord tracks a task's execution state
type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	options    TaskOptions
	result     chan Result
}

// laneState manages execution state for a single lane
type laneState struct {
	mu         sync.Mutex
	generation int
	queue      []*taskRecord
	running    int
	activeIDs  map[string]bool
	removed    bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Event represents a queue event
type Event struct {
	Type   string                 // EventEnqueued, EventCompleted or EventRejected
	Lane   string                 // Lane name
	TaskID string                 // Task ID
	Data   map[string]interface{} // Additional event data
}

// CommandQueue provides lane-based task serialization
type CommandQueue struct {
	maxDepth int

	mu        sync.RWMutex
	lanes     map[string]*laneState
	closed    bool
	taskIDSeq uint64
	depth     int64

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// New creates a new CommandQueue
func New(cfg Config) *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())

	return &CommandQueue{
		maxDepth:      cfg.MaxDepth,
		lanes:         make(map[string]*laneState),
		ctx:           ctx,
		cancel:        cancel,
		eventHandlers: make(map[string][]EventHandler),
	}
}

// ensureLane returns the lane, creating it if needed
func (cq *CommandQueue) ensureLane(lane string) (*laneState, error) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if cq.closed {
		return nil, ErrQueueClosed
	}
	if ls, exists := cq.lanes[lane]; exists {
		return ls, nil
	}

	laneCtx, laneCancel := context.WithCancel(cq.ctx)
	ls := &laneState{
		queue:     make([]*taskRecord, 0),
		activeIDs: make(map[string]bool),
		ctx:       laneCtx,
		cancel:    laneCancel,
	}
	cq.lanes[lane] = ls
	log.Debug().Str("lane", lane).Msg("Lane initialized")
	return ls, nil
}

func (cq *CommandQueue) getLane(lane string) (*laneState, bool) {
	cq.mu.RLock()
	defer cq.mu.RUnlock()
	ls, exists := cq.lanes[lane]
	return ls, exists
}

// Submit adds a task to the lane without waiting for it to run. The returned
// channel receives exactly one Result.
func (cq *CommandQueue) Submit(ctx context.Context, lane string, task Task, options *TaskOptions) (<-chan Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if tracing.GetSessionID(ctx) == "" {
		ctx = tracing.WithSessionID(ctx, lane)
	}
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	ls, err := cq.ensureLane(lane)
	if err != nil {
		return nil, err
	}

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, atomic.AddUint64(&cq.taskIDSeq, 1)),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan Result, 1),
	}

	ls.mu.Lock()
	if ls.removed {
		ls.mu.Unlock()
		return nil, ErrLaneReset
	}
	if cq.maxDepth > 0 && len(ls.queue)+ls.running >= cq.maxDepth {
		pending := len(ls.queue) + ls.running
		ls.mu.Unlock()

		logger.Debug().
			Str("lane", lane).
			Int("pending", pending).
			Msg("Task rejected, lane full")
		observability.RecordQueueRejected()
		cq.emit(Event{
			Type:   EventRejected,
			Lane:   lane,
			TaskID: record.id,
			Data:   map[string]interface{}{"pending": pending},
		})
		return nil, ErrLaneFull
	}
	record.generation = ls.generation
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	depth := atomic.AddInt64(&cq.depth, 1)

	logger.Debug().
		Str("lane", lane).
		Str("taskId", record.id).
		Int("queueSize", queueSize).
		Msg("Task enqueued")

	observability.RecordQueueEnqueue(int(depth))

	cq.emit(Event{
		Type:   EventEnqueued,
		Lane:   lane,
		TaskID: record.id,
		Data: map[string]interface{}{
			"queueSize": queueSize,
		},
	})

	if opts.WarnAfter > 0 {
		go cq.startWarnTimer(record, lane, ls)
	}

	go cq.processLane(lane, ls)

	return record.result, nil
}

// Enqueue adds a task to the lane and waits for its result
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(
		ctx,
		tracerName,
		"commandqueue.enqueue",
		attribute.String("lane", lane),
	)
	defer span.End()

	done, err := cq.Submit(ctx, lane, task, options)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result := <-done
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
	}
	return result.Value, result.Err
}

// processLane starts the next queued task if the lane is idle
func (cq *CommandQueue) processLane(lane string, ls *laneState) {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running == 0 && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if cq.closed {
			cq.reject(record, ErrQueueClosed)
			continue
		}
		if record.generation != ls.generation {
			cq.reject(record, ErrLaneReset)
			continue
		}

		ls.running++
		ls.activeIDs[record.id] = true

		logger := tracing.LoggerFromContext(record.ctx, log.Logger)
		logger.Debug().
			Str("lane", lane).
			Str("taskId", record.id).
			Msg("Task started")

		cq.wg.Add(1)
		go cq.executeTask(lane, ls, record)
	}
}

// executeTask executes a single task
func (cq *CommandQueue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(
		record.ctx,
		tracerName,
		"commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, log.Logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(ls.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(startTime)

	ls.mu.Lock()
	ls.running--
	delete(ls.activeIDs, record.id)
	ls.mu.Unlock()

	record.result <- Result{Value: value, Err: err}
	close(record.result)
	depth := atomic.AddInt64(&cq.depth, -1)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordQueueCompletion(duration, err == nil, int(depth))

	cq.emit(Event{
		Type:   EventCompleted,
		Lane:   lane,
		TaskID: record.id,
		Data: map[string]interface{}{
			"duration": duration.Milliseconds(),
			"success":  err == nil,
		},
	})

	go cq.processLane(lane, ls)
}

// reject delivers err to a task that will never run
func (cq *CommandQueue) reject(record *taskRecord, err error) {
	record.result <- Result{Err: err}
	close(record.result)
	depth := atomic.AddInt64(&cq.depth, -1)
	observability.SetQueueDepth(int(depth))
}

// startWarnTimer starts a timer to warn about long wait times
func (cq *CommandQueue) startWarnTimer(record *taskRecord, lane string, ls *laneState) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
		ls.mu.Lock()
		queuePos := -1
		for i, r := range ls.queue {
			if r.id == record.id {
				queuePos = i
				break
			}
		}
		ls.mu.Unlock()

		if queuePos >= 0 {
			wait := time.Since(record.enqueuedAt)
			log.Warn().
				Str("lane", lane).
				Str("taskId", record.id).
				Dur("wait", wait).
				Int("queuePos", queuePos).
				Msg("Task waiting longer than expected")

			if record.options.OnWait != nil {
				record.options.OnWait(wait, queuePos)
			}
		}
	case <-ls.ctx.Done():
		return
	}
}

// Stats returns statistics for all lanes
func (cq *CommandQueue) Stats() map[string]LaneStats {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	stats := make(map[string]LaneStats, len(cq.lanes))
	for lane, ls := range cq.lanes {
		ls.mu.Lock()
		stats[lane] = LaneStats{Queued: len(ls.queue), Running: ls.running}
		ls.mu.Unlock()
	}
	return stats
}

// Pending returns queued plus running tasks for a lane
func (cq *CommandQueue) Pending(lane string) int {
	ls, exists := cq.getLane(lane)
	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue) + ls.running
}

// ResetLane drops every queued task of a lane and returns how many were dropped.
// A running task is left to finish.
func (cq *CommandQueue) ResetLane(lane string) int {
	ls, exists := cq.getLane(lane)
	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.generation++
	dropped := cq.drainLocked(ls)

	log.Info().Str("lane", lane).Int("generation", ls.generation).Int("dropped", dropped).Msg("Lane reset")
	return dropped
}

// RemoveLane drops queued tasks, cancels the running one and forgets the lane
func (cq *CommandQueue) RemoveLane(lane string) {
	cq.mu.Lock()
	ls, exists := cq.lanes[lane]
	if exists {
		delete(cq.lanes, lane)
	}
	cq.mu.Unlock()

	if !exists {
		return
	}

	ls.mu.Lock()
	ls.removed = true
	ls.generation++
	dropped := cq.drainLocked(ls)
	ls.mu.Unlock()

	ls.cancel()
	log.Debug().Str("lane", lane).Int("dropped", dropped).Msg("Lane removed")
}

func (cq *CommandQueue) drainLocked(ls *laneState) int {
	count := len(ls.queue)
	for _, record := range ls.queue {
		cq.reject(record, ErrLaneReset)
	}
	ls.queue = make([]*taskRecord, 0)
	return count
}

// WaitForActive waits for all running tasks to complete with timeout
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		allDrained := true

		cq.mu.RLock()
		for _, ls := range cq.lanes {
			ls.mu.Lock()
			if len(ls.activeIDs) > 0 {
				allDrained = false
			}
			ls.mu.Unlock()
		}
		cq.mu.RUnlock()

		if allDrained {
			log.Info().Msg("All active tasks completed")
			return true
		}

		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}

		<-ticker.C
	}
}

// Close rejects queued tasks, cancels running ones and waits for them to return
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	lanes := make([]*laneState, 0, len(cq.lanes))
	for _, ls := range cq.lanes {
		lanes = append(lanes, ls)
	}
	cq.mu.Unlock()

	for _, ls := range lanes {
		ls.mu.Lock()
		ls.generation++
		cq.drainLocked(ls)
		ls.mu.Unlock()
	}

	cq.cancel()
	cq.wg.Wait()
	return nil
}

// On registers an event handler for a specific event type
func (cq *CommandQueue) On(eventType string, handler EventHandler) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()

	cq.eventHandlers[eventType] = append(cq.eventHandlers[eventType], handler)
}

// Off removes all handlers for the event type
func (cq *CommandQueue) Off(eventType string) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()

	delete(cq.eventHandlers, eventType)
}

// emit emits an event synchronously to all registered handlers
func (cq *CommandQueue) emit(event Event) {
	cq.eventMu.RLock()
	handlers := cq.eventHandlers[event.Type]
	cq.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
