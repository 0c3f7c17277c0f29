package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/harun/tutorline/pkg/protocol"
	"github.com/harun/tutorline/pkg/provider"
	"github.com/harun/tutorline/pkg/tutor"
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

func (s *recordingSender) types() []protocol.FrameType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.FrameType, 0, len(s.frames))
	for _, f := range s.frames {
		out = append(out, f.Type)
	}
	return out
}

func (s *recordingSender) ofType(t protocol.FrameType) []protocol.Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Outbound
	for _, f := range s.frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(context.Context, []byte) (string, error) {
	return f.text, f.err
}

type fakeCorrector struct {
	result tutor.CorrectionResult
	err    error
}

func (f *fakeCorrector) Analyze(context.Context, string) (tutor.CorrectionResult, error) {
	return f.result, f.err
}

type fakeResponder struct {
	mu         sync.Mutex
	reply      string
	starter    string
	err        error
	starterErr error
	histories  [][]tutor.Turn
	active     int
	overlaps   int
	block      chan struct{}
}

func (f *fakeResponder) Generate(_ context.Context, text string, history []tutor.Turn) (string, error) {
	f.mu.Lock()
	f.active++
	if f.active > 1 {
		f.overlaps++
	}
	f.histories = append(f.histories, history)
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.active--
	if f.err != nil {
		return "", f.err
	}
	if f.reply != "" {
		return f.reply, nil
	}
	return "You said: " + text, nil
}

func (f *fakeResponder) Starter(context.Context, string) (string, error) {
	if f.starterErr != nil {
		return "", f.starterErr
	}
	if f.starter == "" {
		return "What did you do today?", nil
	}
	return f.starter, nil
}

type fakeSynthesizer struct {
	audio []byte
	err   error
}

func (f *fakeSynthesizer) Synthesize(context.Context, string) ([]byte, error) {
	return f.audio, f.err
}

// gatedRenderer completes a job only after release(jobID) is called
type gatedRenderer struct {
	mu       sync.Mutex
	startErr error
	next     int
	texts    map[string]string
	released map[string]bool
}

func newGatedRenderer() *gatedRenderer {
	return &gatedRenderer{texts: map[string]string{}, released: map[string]bool{}}
}

func (r *gatedRenderer) StartRender(_ context.Context, text string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return "", r.startErr
	}
	r.next++
	id := fmt.Sprintf("job-%d", r.next)
	r.texts[id] = text
	return id, nil
}

func (r *gatedRenderer) PollStatus(_ context.Context, jobID string) (provider.RenderResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released[jobID] {
		return provider.RenderResult{Status: provider.RenderDone, VideoRef: "https://cdn/" + jobID + ".mp4"}, nil
	}
	return provider.RenderResult{Status: provider.RenderPending}, nil
}

func (r *gatedRenderer) release(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released[jobID] = true
}

func (r *gatedRenderer) started() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

type memoryStore struct {
	mu          sync.Mutex
	turns       []storedTurn
	corrections map[string][]tutor.Correction
	videos      map[string]string
	failTurns   bool
}

type storedTurn struct {
	id        string
	sessionID string
	turn      tutor.Turn
}

func newMemoryStore() *memoryStore {
	return &memoryStore{corrections: map[string][]tutor.Correction{}, videos: map[string]string{}}
}

func (s *memoryStore) CreateTurn(_ context.Context, sessionID string, turn tutor.Turn) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTurns {
		return "", errors.New("database is locked")
	}
	id := fmt.Sprintf("db-%d", len(s.turns)+1)
	s.turns = append(s.turns, storedTurn{id: id, sessionID: sessionID, turn: turn})
	return id, nil
}

func (s *memoryStore) CreateCorrection(_ context.Context, turnID string, c tutor.Correction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrections[turnID] = append(s.corrections[turnID], c)
	return nil
}

func (s *memoryStore) UpdateTurnVideo(_ context.Context, turnID, videoRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videos[turnID] = videoRef
	return nil
}

func (s *memoryStore) snapshot() ([]storedTurn, map[string][]tutor.Correction, map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := append([]storedTurn(nil), s.turns...)
	corrections := map[string][]tutor.Correction{}
	for k, v := range s.corrections {
		corrections[k] = append([]tutor.Correction(nil), v...)
	}
	videos := map[string]string{}
	for k, v := range s.videos {
		videos[k] = v
	}
	return turns, corrections, videos
}

type memoryAudio struct {
	mu    sync.Mutex
	saved int
	err   error
}

func (a *memoryAudio) Save(context.Context, []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	a.saved++
	return fmt.Sprintf("/static/audio/%d.mp3", a.saved), nil
}
