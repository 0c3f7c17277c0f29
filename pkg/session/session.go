package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harun/tutorline/pkg/protocol"
	"github.com/harun/tutorline/pkg/tutor"
)

var (
	// ErrDuplicateSession is returned by Open when the id is already active
	ErrDuplicateSession = errors.New("session already active")
	// ErrSessionNotFound is returned by Get for unknown ids
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned by operations on a closed session
	ErrSessionClosed = errors.New("session closed")
	// ErrBusy is returned by BeginTurn while another turn is being produced
	ErrBusy = errors.New("session is busy")
	// ErrInvalidSessionID is returned by Open for unusable ids
	ErrInvalidSessionID = errors.New("invalid session id")
)

// State is the turn-taking state of a session
type State int

const (
	StateGreeting State = iota
	StateAwaitingInput
	StateProcessing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateGreeting:
		return "greeting"
	case StateAwaitingInput:
		return "awaiting_input"
	case StateProcessing:
		return "processing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sender delivers outbound frames to the session's client
type Sender interface {
	Send(msg protocol.Outbound) error
}

// Session is one learner's live conversation
type Session struct {
	ID        string
	CreatedAt time.Time

	sender     Sender
	maxHistory int

	ctx    context.Context
	cancel context.CancelFunc

	// sendMu is held shared for the duration of every Send and exclusively by close
	sendMu sync.RWMutex

	mu      sync.Mutex
	state   State
	history []tutor.Turn
	jobs    map[string]*jobHandle
}

func newSession(parent context.Context, id string, sender Sender, maxHistory int) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:         id,
		CreatedAt:  time.Now(),
		sender:     sender,
		maxHistory: maxHistory,
		ctx:        ctx,
		cancel:     cancel,
		state:      StateGreeting,
		history:    make([]tutor.Turn, 0),
		jobs:       make(map[string]*jobHandle),
	}
}

// Context is cancelled when the session closes
func (s *Session) Context() context.Context {
	return s.ctx
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Closed reports whether the session has been closed
func (s *Session) Closed() bool {
	return s.State() == StateClosed
}

// FinishGreeting moves a greeting session to AwaitingInput
func (s *Session) FinishGreeting() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return ErrSessionClosed
	case StateGreeting:
		s.state = StateAwaitingInput
	}
	return nil
}

// BeginTurn moves the session into Processing
func (s *Session) BeginTurn() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return ErrSessionClosed
	case StateAwaitingInput:
		s.state = StateProcessing
		return nil
	default:
		return ErrBusy
	}
}

// EndTurn returns a processing session to AwaitingInput. A closed session stays closed.
func (s *Session) EndTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateProcessing {
		s.state = StateAwaitingInput
	}
}

// AppendTurn adds a turn to the end of the history
func (s *Session) AppendTurn(turn tutor.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, turn)
}

// History returns a copy of the full history, oldest first
func (s *Session) History() []tutor.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]tutor.Turn, len(s.history))
	copy(out, s.history)
	return out
}

// RecentHistory returns a copy of at most the configured number of newest turns, oldest first
func (s *Session) RecentHistory() []tutor.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := 0
	if s.maxHistory > 0 && len(s.history) > s.maxHistory {
		start = len(s.history) - s.maxHistory
	}
	out := make([]tutor.Turn, len(s.history)-start)
	copy(out, s.history[start:])
	return out
}

// AttachAudio sets the audio reference of a turn
func (s *Session) AttachAudio(turnID, audioRef string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.history {
		if s.history[i].ID == turnID {
			s.history[i].AudioRef = audioRef
			return true
		}
	}
	return false
}

// AttachVideo sets the video reference of a turn
func (s *Session) AttachVideo(turnID, videoRef string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.history {
		if s.history[i].ID == turnID {
			s.history[i].VideoRef = videoRef
			return true
		}
	}
	return false
}

// Send delivers a frame unless the session is closed
func (s *Session) Send(msg protocol.Outbound) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()

	if s.Closed() {
		return ErrSessionClosed
	}
	return s.sender.Send(msg)
}

// TrackJob registers a pending video job and the cancel func of its watcher.
// On a closed session the job is refused and cancel is called at once.
func (s *Session) TrackJob(ref JobRef, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		cancel()
		return ErrSessionClosed
	}
	ref.Status = JobPending
	s.jobs[ref.JobID] = &jobHandle{ref: ref, cancel: cancel}
	return nil
}

// FinishJob records a terminal status and forgets the job
func (s *Session) FinishJob(jobID string, status JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.jobs[jobID]; ok {
		h.ref.Status = status
		delete(s.jobs, jobID)
	}
}

// PendingJobs returns the jobs still being watched
func (s *Session) PendingJobs() []JobRef {
	s.mu.Lock()
	defer s.mu.Unlock()

	refs := make([]JobRef, 0, len(s.jobs))
	for _, h := range s.jobs {
		refs = append(refs, h.ref)
	}
	return refs
}

// close transitions to Closed and cancels every pending job. It returns false
// if the session was already closed.
func (s *Session) close() (cancelled int, ok bool) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return 0, false
	}
	s.state = StateClosed

	for id, h := range s.jobs {
		h.ref.Status = JobCancelled
		h.cancel()
		delete(s.jobs, id)
		cancelled++
	}
	s.cancel()
	return cancelled, true
}
