package video

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harun/tutorline/pkg/protocol"
	"github.com/harun/tutorline/pkg/provider"
	"github.com/harun/tutorline/pkg/session"
	"github.com/harun/tutorline/pkg/tutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu     sync.Mutex
	frames []protocol.Outbound
}

func (s *recordingSender) Send(msg protocol.Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, msg)
	return nil
}

func (s *recordingSender) videoUpdates() []protocol.VideoUpdateData {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.VideoUpdateData
	for _, f := range s.frames {
		if f.Type == protocol.TypeVideoUpdate {
			out = append(out, f.Data.(protocol.VideoUpdateData))
		}
	}
	return out
}

// scriptedRenderer answers polls for a job from a fixed script, repeating the last entry
type scriptedRenderer struct {
	mu     sync.Mutex
	script map[string][]provider.RenderResult
	errs   map[string]error
	polls  map[string]int
}

func newScriptedRenderer() *scriptedRenderer {
	return &scriptedRenderer{
		script: map[string][]provider.RenderResult{},
		errs:   map[string]error{},
		polls:  map[string]int{},
	}
}

func (r *scriptedRenderer) StartRender(context.Context, string) (string, error) {
	return "", errors.New("not used")
}

func (r *scriptedRenderer) PollStatus(_ context.Context, jobID string) (provider.RenderResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.polls[jobID]
	r.polls[jobID] = n + 1
	if err := r.errs[jobID]; err != nil && n == 0 {
		return provider.RenderResult{}, err
	}
	steps := r.script[jobID]
	if len(steps) == 0 {
		return provider.RenderResult{Status: provider.RenderPending}, nil
	}
	if n >= len(steps) {
		n = len(steps) - 1
	}
	return steps[n], nil
}

func (r *scriptedRenderer) pollCount(jobID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.polls[jobID]
}

type fakeStore struct {
	mu     sync.Mutex
	videos map[string]string
	err    error
}

func (s *fakeStore) CreateTurn(context.Context, string, tutor.Turn) (string, error) {
	return "", nil
}

func (s *fakeStore) CreateCorrection(context.Context, string, tutor.Correction) error {
	return nil
}

func (s *fakeStore) UpdateTurnVideo(_ context.Context, turnID, videoRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.videos == nil {
		s.videos = map[string]string{}
	}
	s.videos[turnID] = videoRef
	return nil
}

func setup(t *testing.T, renderer provider.AvatarRenderer, st *fakeStore, maxWait time.Duration) (*Supervisor, *session.Registry, *session.Session, *recordingSender) {
	t.Helper()
	sup := NewSupervisor(Config{
		Renderer:     renderer,
		Store:        st,
		PollInterval: 5 * time.Millisecond,
		MaxWait:      maxWait,
		Logger:       zerolog.Nop(),
	})
	reg := session.NewRegistry(session.Config{})
	sender := &recordingSender{}
	sess, err := reg.Open(context.Background(), "", sender)
	require.NoError(t, err)
	require.NoError(t, sess.FinishGreeting())
	return sup, reg, sess, sender
}

func assistantTurn(sess *session.Session, text string) tutor.Turn {
	turn := tutor.NewTurn(tutor.RoleAssistant, text)
	sess.AppendTurn(turn)
	return turn
}

func TestSupervisor_DeliversVideo(t *testing.T) {
	renderer := newScriptedRenderer()
	renderer.script["job-1"] = []provider.RenderResult{
		{Status: provider.RenderPending},
		{Status: provider.RenderPending},
		{Status: provider.RenderDone, VideoRef: "https://cdn/v1.mp4"},
	}
	st := &fakeStore{}
	sup, _, sess, sender := setup(t, renderer, st, time.Second)

	turn := assistantTurn(sess, "Hello!")
	require.NoError(t, sup.Watch(sess, session.JobRef{JobID: "job-1", TurnID: turn.ID, StoredTurnID: "stored-1", Text: "Hello!"}))
	sup.Wait()

	updates := sender.videoUpdates()
	require.Len(t, updates, 1)
	assert.Equal(t, turn.ID, updates[0].TurnID)
	assert.Equal(t, "Hello!", updates[0].Text)
	assert.Equal(t, "https://cdn/v1.mp4", updates[0].VideoRef)

	assert.Equal(t, "https://cdn/v1.mp4", sess.History()[0].VideoRef)
	assert.Equal(t, "https://cdn/v1.mp4", st.videos["stored-1"])
	assert.Empty(t, sess.PendingJobs())
	assert.Equal(t, 0, sup.Active())
}

func TestSupervisor_RetriesTransientPollErrors(t *testing.T) {
	renderer := newScriptedRenderer()
	renderer.errs["job-1"] = errors.New("503")
	renderer.script["job-1"] = []provider.RenderResult{{Status: provider.RenderDone, VideoRef: "https://cdn/v1.mp4"}}
	sup, _, sess, sender := setup(t, renderer, &fakeStore{}, time.Second)

	turn := assistantTurn(sess, "Hi")
	require.NoError(t, sup.Watch(sess, session.JobRef{JobID: "job-1", TurnID: turn.ID, Text: "Hi"}))
	sup.Wait()

	assert.Len(t, sender.videoUpdates(), 1)
	assert.GreaterOrEqual(t, renderer.pollCount("job-1"), 2)
}

func TestSupervisor_RenderErrorIsSilent(t *testing.T) {
	renderer := newScriptedRenderer()
	renderer.script["job-1"] = []provider.RenderResult{{Status: provider.RenderError, Reason: "no face"}}
	sup, _, sess, sender := setup(t, renderer, &fakeStore{}, time.Second)

	turn := assistantTurn(sess, "Hi")
	require.NoError(t, sup.Watch(sess, session.JobRef{JobID: "job-1", TurnID: turn.ID, Text: "Hi"}))
	sup.Wait()

	assert.Empty(t, sender.videoUpdates())
	assert.Equal(t, 1, renderer.pollCount("job-1"))
	assert.Empty(t, sess.History()[0].VideoRef)
}

func TestSupervisor_TimeoutIsSilent(t *testing.T) {
	renderer := newScriptedRenderer()
	sup, _, sess, sender := setup(t, renderer, &fakeStore{}, 40*time.Millisecond)

	turn := assistantTurn(sess, "Hi")
	start := time.Now()
	require.NoError(t, sup.Watch(sess, session.JobRef{JobID: "job-1", TurnID: turn.ID, Text: "Hi"}))
	sup.Wait()

	assert.Empty(t, sender.videoUpdates())
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, sess.PendingJobs())
}

func TestSupervisor_CloseCancelsWatchers(t *testing.T) {
	renderer := newScriptedRenderer()
	sup, reg, sess, sender := setup(t, renderer, &fakeStore{}, time.Minute)

	for _, id := range []string{"job-1", "job-2", "job-3"} {
		turn := assistantTurn(sess, id)
		require.NoError(t, sup.Watch(sess, session.JobRef{JobID: id, TurnID: turn.ID, Text: id}))
	}
	require.Eventually(t, func() bool { return renderer.pollCount("job-3") > 0 }, time.Second, time.Millisecond)
	assert.Len(t, sess.PendingJobs(), 3)

	reg.Close(sess.ID)

	done := make(chan struct{})
	go func() {
		sup.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchers did not stop after close")
	}

	polls := renderer.pollCount("job-1")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, polls, renderer.pollCount("job-1"))
	assert.Empty(t, sender.videoUpdates())
}

func TestSupervisor_WatchOnClosedSession(t *testing.T) {
	renderer := newScriptedRenderer()
	sup, reg, sess, _ := setup(t, renderer, &fakeStore{}, time.Second)
	reg.Close(sess.ID)

	err := sup.Watch(sess, session.JobRef{JobID: "job-1", TurnID: "t"})
	assert.ErrorIs(t, err, session.ErrSessionClosed)
	sup.Wait()
	assert.Zero(t, renderer.pollCount("job-1"))
}

func TestSupervisor_PersistFailureStillDelivers(t *testing.T) {
	renderer := newScriptedRenderer()
	renderer.script["job-1"] = []provider.RenderResult{{Status: provider.RenderDone, VideoRef: "https://cdn/v.mp4"}}
	sup, _, sess, sender := setup(t, renderer, &fakeStore{err: errors.New("disk full")}, time.Second)

	turn := assistantTurn(sess, "Hi")
	require.NoError(t, sup.Watch(sess, session.JobRef{JobID: "job-1", TurnID: turn.ID, StoredTurnID: "stored", Text: "Hi"}))
	sup.Wait()

	assert.Len(t, sender.videoUpdates(), 1)
}

func TestSupervisor_TwoJobsCorrelateByTurn(t *testing.T) {
	renderer := newScriptedRenderer()
	// the second job finishes first
	renderer.script["job-a"] = []provider.RenderResult{
		{Status: provider.RenderPending}, {Status: provider.RenderPending}, {Status: provider.RenderPending},
		{Status: provider.RenderDone, VideoRef: "https://cdn/a.mp4"},
	}
	renderer.script["job-b"] = []provider.RenderResult{{Status: provider.RenderDone, VideoRef: "https://cdn/b.mp4"}}
	sup, _, sess, sender := setup(t, renderer, &fakeStore{}, time.Second)

	turnA := assistantTurn(sess, "A")
	turnB := assistantTurn(sess, "B")
	require.NoError(t, sup.Watch(sess, session.JobRef{JobID: "job-a", TurnID: turnA.ID, Text: "A"}))
	require.NoError(t, sup.Watch(sess, session.JobRef{JobID: "job-b", TurnID: turnB.ID, Text: "B"}))
	sup.Wait()

	updates := sender.videoUpdates()
	require.Len(t, updates, 2)
	byTurn := map[string]string{}
	for _, u := range updates {
		byTurn[u.TurnID] = u.VideoRef
	}
	assert.Equal(t, "https://cdn/a.mp4", byTurn[turnA.ID])
	assert.Equal(t, "https://cdn/b.mp4", byTurn[turnB.ID])

	history := sess.History()
	assert.Equal(t, "https://cdn/a.mp4", history[0].VideoRef)
	assert.Equal(t, "https://cdn/b.mp4", history[1].VideoRef)
}
