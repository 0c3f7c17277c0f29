package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/harun/tutorline/internal/observability"
	"github.com/harun/tutorline/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
)

const maxSessionIDLength = 128

// Close reasons
const (
	ReasonStop      = "stop"
	ReasonTransport = "transport"
	ReasonShutdown  = "shutdown"
	ReasonClosed    = "closed"
)

// Config holds per-session settings
type Config struct {
	// MaxHistory bounds the turns handed to reply generation. Zero means unbounded.
	MaxHistory int
}

// CloseHook runs after a session has been closed and removed from the registry
type CloseHook func(sess *Session, reason string)

// Registry is the table of active sessions
type Registry struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*Session

	hooksMu sync.RWMutex
	hooks   []CloseHook
}

// NewRegistry creates an empty registry
func NewRegistry(cfg Config) *Registry {
	observability.EnsureRegistered()
	return &Registry{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// NewID generates a session id
func NewID() string {
	id, _ := gonanoid.New()
	return id
}

// validateSessionID rejects ids that are unsafe to use in paths and logs
func validateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSessionID)
	}
	if len(id) > maxSessionIDLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidSessionID, maxSessionIDLength)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("%w: cannot contain '..'", ErrInvalidSessionID)
	}
	if strings.ContainsAny(id, "/\\\x00") {
		return fmt.Errorf("%w: cannot contain path separators or null bytes", ErrInvalidSessionID)
	}
	return nil
}

// OnClose registers a hook run on every close
func (r *Registry) OnClose(hook CloseHook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Open creates and registers a session in state Greeting. An empty id gets a
// generated one. The session context is derived from ctx.
func (r *Registry) Open(ctx context.Context, id string, sender Sender) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if id == "" {
		id = NewID()
	}
	if err := validateSessionID(id); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	sess := newSession(tracing.WithSessionID(ctx, id), id, sender, r.cfg.MaxHistory)
	r.sessions[id] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	observability.SetActiveSessions(count)
	observability.RecordSessionAudit(sess.ctx, "session_opened", id, "success", nil)
	logger := tracing.LoggerFromContext(sess.ctx, log.Logger)
	logger.Info().Int("active", count).Msg("Session opened")

	return sess, nil
}

// Get returns an active session
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, exists := r.sessions[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// Close closes a session. Unknown or already closed ids are a no-op.
func (r *Registry) Close(id string) {
	r.CloseWithReason(id, ReasonClosed)
}

// CloseWithReason closes a session and records why
func (r *Registry) CloseWithReason(id, reason string) {
	r.mu.RLock()
	sess, exists := r.sessions[id]
	r.mu.RUnlock()
	if !exists {
		return
	}

	cancelled, ok := sess.close()
	if !ok {
		return
	}

	r.mu.Lock()
	if r.sessions[id] == sess {
		delete(r.sessions, id)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	r.hooksMu.RLock()
	hooks := append([]CloseHook(nil), r.hooks...)
	r.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(sess, reason)
	}

	observability.SetActiveSessions(count)
	observability.RecordSessionClosed(reason)
	observability.RecordSessionAudit(sess.ctx, "session_closed", id, "success", map[string]interface{}{
		"reason":         reason,
		"cancelled_jobs": cancelled,
	})
	logger := tracing.LoggerFromContext(sess.ctx, log.Logger)
	logger.Info().
		Str("reason", reason).
		Int("cancelled_jobs", cancelled).
		Int("active", count).
		Msg("Session closed")
}

// CloseAll closes every active session
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.CloseWithReason(id, reason)
	}
}

// Count returns the number of active sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Info is a point-in-time summary of a session
type Info struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	Turns       int    `json:"turns"`
	PendingJobs int    `json:"pendingJobs"`
}

// List summarizes active sessions
func (r *Registry) List() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, sess := range sessions {
		sess.mu.Lock()
		infos = append(infos, Info{
			ID:          sess.ID,
			State:       sess.state.String(),
			Turns:       len(sess.history),
			PendingJobs: len(sess.jobs),
		})
		sess.mu.Unlock()
	}
	return infos
}
