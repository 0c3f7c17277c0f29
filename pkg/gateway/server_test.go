package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tutorline/pkg/commandqueue"
	"github.com/harun/tutorline/pkg/pipeline"
	"github.com/harun/tutorline/pkg/protocol"
	"github.com/harun/tutorline/pkg/session"
	"github.com/harun/tutorline/pkg/store"
	"github.com/harun/tutorline/pkg/tutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRunner echoes inputs. When block is set, ProcessInput waits on it;
// when greetGate is set, Greet waits on it.
type stubRunner struct {
	mu        sync.Mutex
	block     chan struct{}
	greetGate chan struct{}
	inputs    []pipeline.Input
	active    int
	overlaps  int
	ctxDone   chan struct{}
}

func (r *stubRunner) Greet(ctx context.Context, sess *session.Session) error {
	defer sess.FinishGreeting()
	r.mu.Lock()
	gate := r.greetGate
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return sess.Send(protocol.Response("welcome", "Hello!", nil))
}

func (r *stubRunner) ProcessInput(ctx context.Context, sess *session.Session, in pipeline.Input) error {
	if err := sess.BeginTurn(); err != nil {
		return err
	}
	defer sess.EndTurn()

	r.mu.Lock()
	r.active++
	if r.active > 1 {
		r.overlaps++
	}
	r.inputs = append(r.inputs, in)
	block := r.block
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
	}()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			if r.ctxDone != nil {
				close(r.ctxDone)
			}
			return ctx.Err()
		}
	}

	text := in.Text
	if in.Kind() == "audio" {
		text = string(in.Audio)
	}
	if err := sess.Send(protocol.Transcription(text)); err != nil {
		return err
	}
	return sess.Send(protocol.Response("turn-"+text, "echo: "+text, nil))
}

func (r *stubRunner) inputCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inputs)
}

type stubHistory struct {
	turns map[string][]store.StoredTurn
	err   error
}

func (h *stubHistory) ListTurns(_ context.Context, id string) ([]store.StoredTurn, error) {
	if h.err != nil {
		return nil, h.err
	}
	return h.turns[id], nil
}

type testServer struct {
	server   *Server
	http     *httptest.Server
	registry *session.Registry
	queue    *commandqueue.CommandQueue
	runner   *stubRunner
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	ts := &testServer{
		registry: session.NewRegistry(session.Config{}),
		queue:    commandqueue.New(commandqueue.Config{MaxDepth: 2}),
		runner:   &stubRunner{},
	}
	cfg := Config{
		Addr:     "127.0.0.1:0",
		Registry: ts.registry,
		Queue:    ts.queue,
		Runner:   ts.runner,
		History: &stubHistory{turns: map[string][]store.StoredTurn{
			"past": {{SessionID: "past", Turn: tutor.Turn{ID: "t1", Role: tutor.RoleUser, Content: "hi"}}},
		}},
		Audio:        http.NotFoundHandler(),
		WriteTimeout: time.Second,
		Logger:       zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := NewServer(cfg)
	require.NoError(t, err)
	ts.server = s
	ts.http = httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.registry.CloseAll(session.ReasonShutdown)
		ts.http.Close()
		_ = ts.queue.Close()
	})
	return ts
}

func (ts *testServer) dial(t *testing.T, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws/conversation/" + id
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

type frame struct {
	Type protocol.FrameType `json:"type"`
	Data json.RawMessage    `json:"data"`
}

func readFrame(t *testing.T, ws *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

func errorCode(t *testing.T, f frame) string {
	t.Helper()
	require.Equal(t, protocol.TypeError, f.Type)
	var data protocol.ErrorData
	require.NoError(t, json.Unmarshal(f.Data, &data))
	return data.Code
}

func send(t *testing.T, ws *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func TestNewServer_Validation(t *testing.T) {
	reg := session.NewRegistry(session.Config{})
	q := commandqueue.New(commandqueue.Config{})
	defer q.Close()

	_, err := NewServer(Config{})
	assert.Error(t, err)
	_, err = NewServer(Config{Addr: ":0"})
	assert.Error(t, err)
	_, err = NewServer(Config{Addr: ":0", Registry: reg})
	assert.Error(t, err)
	_, err = NewServer(Config{Addr: ":0", Registry: reg, Queue: q})
	assert.Error(t, err)
	_, err = NewServer(Config{Addr: ":0", Registry: reg, Queue: q, Runner: &stubRunner{}})
	assert.NoError(t, err)
}

func TestConversation_GreetingThenTurn(t *testing.T) {
	ts := newTestServer(t, nil)
	ws := ts.dial(t, "learner-1")

	greeting := readFrame(t, ws)
	assert.Equal(t, protocol.TypeResponse, greeting.Type)

	send(t, ws, `{"type":"text","data":{"text":"I go to school yesterday"}}`)
	assert.Equal(t, protocol.TypeTranscription, readFrame(t, ws).Type)
	resp := readFrame(t, ws)
	require.Equal(t, protocol.TypeResponse, resp.Type)
	var data protocol.ResponseData
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "echo: I go to school yesterday", data.Text)

	sess, err := ts.registry.Get("learner-1")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return sess.State() == session.StateAwaitingInput }, time.Second, time.Millisecond)
}

func TestConversation_InputDuringGreetingWaitsForIt(t *testing.T) {
	ts := newTestServer(t, nil)
	gate := make(chan struct{})
	ts.runner.mu.Lock()
	ts.runner.greetGate = gate
	ts.runner.mu.Unlock()
	ws := ts.dial(t, "learner-early")

	send(t, ws, `{"type":"text","data":{"text":"hello there"}}`)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, ts.runner.inputCount())
	close(gate)

	greeting := readFrame(t, ws)
	require.Equal(t, protocol.TypeResponse, greeting.Type)
	assert.JSONEq(t, `{"turnId":"welcome","text":"Hello!","audio":null,"videoRef":null}`, string(greeting.Data))

	assert.Equal(t, protocol.TypeTranscription, readFrame(t, ws).Type)
	resp := readFrame(t, ws)
	require.Equal(t, protocol.TypeResponse, resp.Type)
	var data protocol.ResponseData
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "echo: hello there", data.Text)
}

func TestConversation_BusySessionAnswersBusy(t *testing.T) {
	ts := newTestServer(t, nil)
	ws := ts.dial(t, "learner-held")
	readFrame(t, ws)

	sess, err := ts.registry.Get("learner-held")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sess.State() == session.StateAwaitingInput }, time.Second, time.Millisecond)
	require.NoError(t, sess.BeginTurn())

	send(t, ws, `{"type":"text","data":{"text":"are you there"}}`)
	assert.Equal(t, protocol.CodeBusy, errorCode(t, readFrame(t, ws)))

	sess.EndTurn()
	send(t, ws, `{"type":"text","data":{"text":"again"}}`)
	assert.Equal(t, protocol.TypeTranscription, readFrame(t, ws).Type)
	assert.Equal(t, protocol.TypeResponse, readFrame(t, ws).Type)
}

func TestConversation_AudioFrame(t *testing.T) {
	ts := newTestServer(t, nil)
	ws := ts.dial(t, "learner-audio")
	readFrame(t, ws)

	// base64 of "spoken"
	send(t, ws, `{"type":"audio","data":{"audio":"c3Bva2Vu"}}`)
	f := readFrame(t, ws)
	require.Equal(t, protocol.TypeTranscription, f.Type)
	assert.JSONEq(t, `{"text":"spoken"}`, string(f.Data))
}

func TestConversation_AssignsSessionID(t *testing.T) {
	ts := newTestServer(t, nil)

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws/conversation"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	id := resp.Header.Get(SessionIDHeader)
	require.NotEmpty(t, id)
	assert.Equal(t, protocol.TypeResponse, readFrame(t, ws).Type)

	_, err = ts.registry.Get(id)
	assert.NoError(t, err)
}

func TestConversation_DuplicateSessionRejected(t *testing.T) {
	ts := newTestServer(t, nil)
	ws := ts.dial(t, "dup")
	readFrame(t, ws)

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws/conversation/dup"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// the first connection is unaffected
	send(t, ws, `{"type":"text","data":{"text":"still here"}}`)
	assert.Equal(t, protocol.TypeTranscription, readFrame(t, ws).Type)
}

func TestConversation_InvalidFrames(t *testing.T) {
	ts := newTestServer(t, nil)
	ws := ts.dial(t, "invalid")
	readFrame(t, ws)

	send(t, ws, `{"type":"video","data":{}}`)
	assert.Equal(t, protocol.CodeInvalidFrame, errorCode(t, readFrame(t, ws)))

	send(t, ws, `not json`)
	assert.Equal(t, protocol.CodeInvalidFrame, errorCode(t, readFrame(t, ws)))

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{0x01}))
	assert.Equal(t, protocol.CodeInvalidFrame, errorCode(t, readFrame(t, ws)))

	_, err := ts.registry.Get("invalid")
	assert.NoError(t, err)
	assert.Zero(t, ts.runner.inputCount())
}

func TestConversation_BusyWhenLaneFull(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.runner.block = make(chan struct{})
	ws := ts.dial(t, "busy")
	readFrame(t, ws)

	// first runs, second queues, third overflows the lane
	send(t, ws, `{"type":"text","data":{"text":"one"}}`)
	require.Eventually(t, func() bool { return ts.runner.inputCount() == 1 }, time.Second, time.Millisecond)
	send(t, ws, `{"type":"text","data":{"text":"two"}}`)
	send(t, ws, `{"type":"text","data":{"text":"three"}}`)

	assert.Equal(t, protocol.CodeBusy, errorCode(t, readFrame(t, ws)))

	close(ts.runner.block)
	var types []protocol.FrameType
	for i := 0; i < 4; i++ {
		types = append(types, readFrame(t, ws).Type)
	}
	assert.Equal(t, []protocol.FrameType{
		protocol.TypeTranscription, protocol.TypeResponse,
		protocol.TypeTranscription, protocol.TypeResponse,
	}, types)
	assert.Equal(t, 2, ts.runner.inputCount())
	assert.Zero(t, ts.runner.overlaps)
}

func TestConversation_StopClosesSession(t *testing.T) {
	ts := newTestServer(t, nil)
	ws := ts.dial(t, "stopper")
	readFrame(t, ws)

	send(t, ws, `{"type":"control","data":{"command":"start"}}`)
	send(t, ws, `{"type":"control","data":{"command":"stop"}}`)

	require.Eventually(t, func() bool { return ts.registry.Count() == 0 }, time.Second, time.Millisecond)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)

	// the id can be reused once closed
	ws2 := ts.dial(t, "stopper")
	assert.Equal(t, protocol.TypeResponse, readFrame(t, ws2).Type)
}

func TestConversation_TransportDropCancelsTurn(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.runner.block = make(chan struct{})
	ts.runner.ctxDone = make(chan struct{})
	ws := ts.dial(t, "dropper")
	readFrame(t, ws)

	send(t, ws, `{"type":"text","data":{"text":"one"}}`)
	require.Eventually(t, func() bool { return ts.runner.inputCount() == 1 }, time.Second, time.Millisecond)
	sess, err := ts.registry.Get("dropper")
	require.NoError(t, err)

	require.NoError(t, ws.Close())

	select {
	case <-ts.runner.ctxDone:
	case <-time.After(2 * time.Second):
		t.Fatal("running turn was not cancelled after disconnect")
	}
	assert.True(t, sess.Closed())
	assert.Zero(t, ts.registry.Count())
}

func TestConversation_RateLimited(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) { cfg.FramesPerMinute = 1 })
	ws := ts.dial(t, "chatty")
	readFrame(t, ws)

	send(t, ws, `{"type":"text","data":{"text":"one"}}`)
	send(t, ws, `{"type":"text","data":{"text":"two"}}`)

	var codes []string
	for i := 0; i < 3; i++ {
		f := readFrame(t, ws)
		if f.Type == protocol.TypeError {
			codes = append(codes, errorCode(t, f))
		}
	}
	assert.Equal(t, []string{protocol.CodeRateLimited}, codes)
}

func TestHistoryEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.http.URL + "/api/sessions/past/turns")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body historyResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "past", body.SessionID)
	assert.False(t, body.Active)
	require.Len(t, body.Turns, 1)
	assert.Equal(t, "hi", body.Turns[0].Content)

	missing, err := http.Get(ts.http.URL + "/api/sessions/nobody/turns")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestHistoryEndpoint_StoreError(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) { cfg.History = &stubHistory{err: errors.New("db closed")} })

	resp, err := http.Get(ts.http.URL + "/api/sessions/past/turns")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestListSessionsAndHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	ws := ts.dial(t, "listed")
	readFrame(t, ws)

	resp, err := http.Get(ts.http.URL + "/api/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body sessionsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, "listed", body.Sessions[0].ID)

	health, err := http.Get(ts.http.URL + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)

	metrics, err := http.Get(ts.http.URL + "/metrics")
	require.NoError(t, err)
	metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}

func TestServer_StartStop(t *testing.T) {
	reg := session.NewRegistry(session.Config{})
	q := commandqueue.New(commandqueue.Config{MaxDepth: 1})
	s, err := NewServer(Config{Addr: "127.0.0.1:0", Registry: reg, Queue: q, Runner: &stubRunner{}, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, s.Start())

	url := "ws://" + s.Addr() + "/ws/conversation/live"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer ws.Close()
	readFrame(t, ws)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Zero(t, reg.Count())

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = ws.ReadMessage()
	assert.Error(t, err)
}
