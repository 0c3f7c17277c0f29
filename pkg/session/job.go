package session

import "context"

// JobStatus is the lifecycle state of an avatar video job
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobDone      JobStatus = "done"
	JobError     JobStatus = "error"
	JobTimedOut  JobStatus = "timedOut"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job will not change status again
func (s JobStatus) Terminal() bool {
	return s != JobPending
}

// JobRef is the handle of one in-flight avatar render
type JobRef struct {
	JobID string
	// TurnID is the in-memory assistant turn the video belongs to
	TurnID string
	// StoredTurnID is the persisted turn id; empty when persisting failed
	StoredTurnID string
	Text         string
	Status       JobStatus
}

type jobHandle struct {
	ref    JobRef
	cancel context.CancelFunc
}
