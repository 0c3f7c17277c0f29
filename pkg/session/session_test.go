package session

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/tutorline/pkg/protocol"
	"github.com/harun/tutorline/pkg/tutor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu     sync.Mutex
	frames []protocol.Outbound
	sent   int64
}

func (s *recordingSender) Send(msg protocol.Outbound) error {
	s.mu.Lock()
	s.frames = append(s.frames, msg)
	s.mu.Unlock()
	atomic.AddInt64(&s.sent, 1)
	return nil
}

func (s *recordingSender) count() int64 {
	return atomic.LoadInt64(&s.sent)
}

func openSession(t *testing.T, reg *Registry, id string) (*Session, *recordingSender) {
	t.Helper()
	sender := &recordingSender{}
	sess, err := reg.Open(context.Background(), id, sender)
	require.NoError(t, err)
	return sess, sender
}

func TestRegistry_OpenAndGet(t *testing.T) {
	reg := NewRegistry(Config{})

	sess, _ := openSession(t, reg, "s1")
	assert.Equal(t, "s1", sess.ID)
	assert.Equal(t, StateGreeting, sess.State())
	assert.Empty(t, sess.History())

	got, err := reg.Get("s1")
	require.NoError(t, err)
	assert.Same(t, sess, got)

	_, err = reg.Open(context.Background(), "s1", &recordingSender{})
	assert.ErrorIs(t, err, ErrDuplicateSession)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, 1, reg.Count())
}

func TestRegistry_LogsLifecycleWithSessionID(t *testing.T) {
	var buf bytes.Buffer
	original := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = original })

	reg := NewRegistry(Config{})
	openSession(t, reg, "logged")
	reg.CloseWithReason("logged", ReasonStop)

	out := buf.String()
	assert.Contains(t, out, `"message":"Session opened"`)
	assert.Contains(t, out, `"message":"Session closed"`)
	assert.Contains(t, out, `"session_id":"logged"`)
	assert.Contains(t, out, `"reason":"stop"`)
}

func TestRegistry_OpenGeneratesID(t *testing.T) {
	reg := NewRegistry(Config{})

	sess, _ := openSession(t, reg, "")
	assert.NotEmpty(t, sess.ID)
}

func TestRegistry_OpenRejectsInvalidID(t *testing.T) {
	reg := NewRegistry(Config{})

	for _, id := range []string{"../etc", "a/b", "a\\b", "a\x00b", string(make([]byte, 200))} {
		_, err := reg.Open(context.Background(), id, &recordingSender{})
		assert.ErrorIs(t, err, ErrInvalidSessionID, "id %q", id)
	}
}

func TestRegistry_CloseIsIdempotent(t *testing.T) {
	reg := NewRegistry(Config{})

	var hookCalls int32
	var reasons []string
	reg.OnClose(func(sess *Session, reason string) {
		atomic.AddInt32(&hookCalls, 1)
		reasons = append(reasons, reason)
	})

	sess, _ := openSession(t, reg, "s1")

	reg.CloseWithReason("s1", ReasonStop)
	reg.Close("s1")
	reg.Close("unknown")

	assert.Equal(t, int32(1), atomic.LoadInt32(&hookCalls))
	assert.Equal(t, []string{ReasonStop}, reasons)
	assert.Equal(t, StateClosed, sess.State())
	assert.Error(t, sess.Context().Err())
	assert.Zero(t, reg.Count())

	_, err := reg.Get("s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// the id is free again
	_, _ = openSession(t, reg, "s1")
}

func TestRegistry_ConcurrentCloseRunsHooksOnce(t *testing.T) {
	reg := NewRegistry(Config{})

	var hookCalls int32
	reg.OnClose(func(sess *Session, reason string) {
		atomic.AddInt32(&hookCalls, 1)
	})
	openSession(t, reg, "s1")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.Close("s1")
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&hookCalls))
}

func TestRegistry_CloseAll(t *testing.T) {
	reg := NewRegistry(Config{})
	a, _ := openSession(t, reg, "a")
	b, _ := openSession(t, reg, "b")

	reg.CloseAll(ReasonShutdown)

	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
	assert.Zero(t, reg.Count())
}

func TestRegistry_List(t *testing.T) {
	reg := NewRegistry(Config{})
	sess, _ := openSession(t, reg, "s1")
	sess.AppendTurn(tutor.NewTurn(tutor.RoleAssistant, "Hi!"))

	infos := reg.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "s1", infos[0].ID)
	assert.Equal(t, "greeting", infos[0].State)
	assert.Equal(t, 1, infos[0].Turns)
}

func TestSession_StateMachine(t *testing.T) {
	reg := NewRegistry(Config{})
	sess, _ := openSession(t, reg, "s1")

	assert.ErrorIs(t, sess.BeginTurn(), ErrBusy, "input is not accepted while greeting")

	require.NoError(t, sess.FinishGreeting())
	assert.Equal(t, StateAwaitingInput, sess.State())

	require.NoError(t, sess.BeginTurn())
	assert.Equal(t, StateProcessing, sess.State())
	assert.ErrorIs(t, sess.BeginTurn(), ErrBusy)

	sess.EndTurn()
	assert.Equal(t, StateAwaitingInput, sess.State())

	require.NoError(t, sess.BeginTurn())
	reg.Close("s1")
	sess.EndTurn()
	assert.Equal(t, StateClosed, sess.State())
	assert.ErrorIs(t, sess.BeginTurn(), ErrSessionClosed)
	assert.ErrorIs(t, sess.FinishGreeting(), ErrSessionClosed)
}

func TestSession_SendAfterCloseFails(t *testing.T) {
	reg := NewRegistry(Config{})
	sess, sender := openSession(t, reg, "s1")

	require.NoError(t, sess.Send(protocol.Transcription("hello")))
	reg.Close("s1")

	assert.ErrorIs(t, sess.Send(protocol.Transcription("late")), ErrSessionClosed)
	assert.Equal(t, int64(1), sender.count())
}

func TestSession_NoSendSucceedsAfterClose(t *testing.T) {
	reg := NewRegistry(Config{})
	sess, sender := openSession(t, reg, "s1")

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = sess.Send(protocol.Transcription("spam"))
				}
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	reg.Close("s1")
	afterClose := sender.count()
	time.Sleep(5 * time.Millisecond)
	close(stop)
	wg.Wait()

	assert.Equal(t, afterClose, sender.count())
}

func TestSession_CloseCancelsPendingJobs(t *testing.T) {
	reg := NewRegistry(Config{})
	sess, _ := openSession(t, reg, "s1")

	var cancelled int32
	for i := 0; i < 3; i++ {
		err := sess.TrackJob(JobRef{JobID: fmt.Sprintf("job-%d", i), TurnID: "t"}, func() {
			atomic.AddInt32(&cancelled, 1)
		})
		require.NoError(t, err)
	}
	sess.FinishJob("job-0", JobDone)
	require.Len(t, sess.PendingJobs(), 2)
	for _, ref := range sess.PendingJobs() {
		assert.Equal(t, JobPending, ref.Status)
	}

	reg.Close("s1")

	assert.Equal(t, int32(2), atomic.LoadInt32(&cancelled))
	assert.Empty(t, sess.PendingJobs())

	var lateCancelled bool
	err := sess.TrackJob(JobRef{JobID: "late"}, func() { lateCancelled = true })
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.True(t, lateCancelled)
}

func TestSession_HistoryIsAppendOnlySnapshot(t *testing.T) {
	reg := NewRegistry(Config{MaxHistory: 2})
	sess, _ := openSession(t, reg, "s1")

	first := tutor.NewTurn(tutor.RoleAssistant, "Hello!")
	second := tutor.NewTurn(tutor.RoleUser, "Hi")
	third := tutor.NewTurn(tutor.RoleAssistant, "How are you?")
	sess.AppendTurn(first)
	sess.AppendTurn(second)

	snapshot := sess.History()
	snapshot[0].Content = "mutated"
	sess.AppendTurn(third)

	history := sess.History()
	require.Len(t, history, 3)
	assert.Equal(t, []string{first.ID, second.ID, third.ID}, []string{history[0].ID, history[1].ID, history[2].ID})
	assert.Equal(t, "Hello!", history[0].Content)

	recent := sess.RecentHistory()
	require.Len(t, recent, 2)
	assert.Equal(t, second.ID, recent[0].ID)
	assert.Equal(t, third.ID, recent[1].ID)
}

func TestSession_AttachRefs(t *testing.T) {
	reg := NewRegistry(Config{})
	sess, _ := openSession(t, reg, "s1")

	turn := tutor.NewTurn(tutor.RoleAssistant, "Hello!")
	sess.AppendTurn(turn)

	assert.True(t, sess.AttachAudio(turn.ID, "/static/audio/a.mp3"))
	assert.True(t, sess.AttachVideo(turn.ID, "https://cdn/v.mp4"))
	assert.False(t, sess.AttachVideo("unknown", "x"))

	history := sess.History()
	assert.Equal(t, "/static/audio/a.mp3", history[0].AudioRef)
	assert.Equal(t, "https://cdn/v.mp4", history[0].VideoRef)
	assert.Equal(t, "Hello!", history[0].Content)
}
