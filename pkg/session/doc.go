// Package session tracks the live tutoring sessions of the process.
//
// A Session owns its conversation history, its turn state machine and the
// handles of the avatar video jobs it started. The Registry is the only place
// sessions are created and torn down.
//
// Invariants:
// - State moves Greeting -> AwaitingInput <-> Processing -> Closed, and reaches Closed exactly once.
// - Only one turn is in Processing at a time; BeginTurn fails with ErrBusy otherwise.
// - History is append-only; snapshots handed out are copies.
// - After Closed no Send succeeds and every pending job has been cancelled.
//
// Usage:
//
//	reg := session.NewRegistry(session.Config{MaxHistory: 20})
//	sess, err := reg.Open(ctx, id, ch)
//	if errors.Is(err, session.ErrDuplicateSession) {
//		// reject the connection
//	}
//	defer reg.Close(sess.ID)
package session
