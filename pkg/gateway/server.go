package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tutorline/internal/observability"
	"github.com/harun/tutorline/pkg/channel"
	"github.com/harun/tutorline/pkg/commandqueue"
	"github.com/harun/tutorline/pkg/pipeline"
	"github.com/harun/tutorline/pkg/session"
	"github.com/harun/tutorline/pkg/store"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// TurnRunner produces a session's turns
type TurnRunner interface {
	Greet(ctx context.Context, sess *session.Session) error
	ProcessInput(ctx context.Context, sess *session.Session, in pipeline.Input) error
}

// HistoryStore lists persisted turns for replay
type HistoryStore interface {
	ListTurns(ctx context.Context, sessionID string) ([]store.StoredTurn, error)
}

// Server accepts tutoring connections and routes their frames into session lanes
type Server struct {
	addr            string
	registry        *session.Registry
	queue           *commandqueue.CommandQueue
	runner          TurnRunner
	history         HistoryStore
	audio           http.Handler
	audioPrefix     string
	upgrader        websocket.Upgrader
	readLimit       int64
	pongWait        time.Duration
	pingInterval    time.Duration
	writeTimeout    time.Duration
	framesPerMinute int
	turnWarnAfter   time.Duration
	logger          zerolog.Logger

	server   *http.Server
	listener net.Listener

	channelsMu sync.Mutex
	channels   map[string]*channel.Channel

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	connWG         sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	// Addr is the listen address, e.g. ":8000"
	Addr     string
	Registry *session.Registry
	Queue    *commandqueue.CommandQueue
	Runner   TurnRunner
	// History serves GET /api/sessions/{id}/turns when set
	History HistoryStore
	// Audio serves stored reply audio under AudioPrefix when set
	Audio       http.Handler
	AudioPrefix string
	// AllowedOrigins restricts websocket origins; empty allows all
	AllowedOrigins []string
	// ReadLimit caps a single inbound frame in bytes
	ReadLimit       int64
	PongWait        time.Duration
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	FramesPerMinute int
	// TurnWarnAfter logs turns that wait longer than this in their lane
	TurnWarnAfter time.Duration
	Logger        zerolog.Logger
}

// NewServer creates a server and hooks it into the registry's close path
func NewServer(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("command queue is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("turn runner is required")
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 10 << 20
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.AudioPrefix == "" {
		cfg.AudioPrefix = "/static/audio/"
	}

	s := &Server{
		addr:            cfg.Addr,
		registry:        cfg.Registry,
		queue:           cfg.Queue,
		runner:          cfg.Runner,
		history:         cfg.History,
		audio:           cfg.Audio,
		audioPrefix:     cfg.AudioPrefix,
		readLimit:       cfg.ReadLimit,
		pongWait:        cfg.PongWait,
		pingInterval:    cfg.PingInterval,
		writeTimeout:    cfg.WriteTimeout,
		framesPerMinute: cfg.FramesPerMinute,
		turnWarnAfter:   cfg.TurnWarnAfter,
		logger:          cfg.Logger,
		channels:        make(map[string]*channel.Channel),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}

	cfg.Registry.OnClose(s.onSessionClosed)
	return s, nil
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		set[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Handler returns the server's HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/conversation/{sessionID}", s.handleConversation)
	mux.HandleFunc("GET /ws/conversation", s.handleConversation)
	mux.Handle("GET /api/sessions", otelhttp.NewHandler(http.HandlerFunc(s.handleListSessions), "sessions.list"))
	if s.history != nil {
		mux.Handle("GET /api/sessions/{sessionID}/turns", otelhttp.NewHandler(http.HandlerFunc(s.handleHistory), "sessions.turns"))
	}
	if s.audio != nil {
		mux.Handle("GET "+s.audioPrefix, s.audio)
	}
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Start listens and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting tutoring server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Tutoring server error")
		}
	}()
	return nil
}

// Addr returns the bound listen address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop closes every session, drains the lanes and shuts the HTTP server down
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Int("sessions", s.registry.Count()).Msg("Shutting down tutoring server")

	s.registry.CloseAll(session.ReasonShutdown)

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached before connections drained")
	}

	if err := s.queue.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to close command queue")
	}

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Tutoring server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// onSessionClosed releases the lane and the connection of a closed session
func (s *Server) onSessionClosed(sess *session.Session, reason string) {
	s.queue.RemoveLane(sess.ID)

	s.channelsMu.Lock()
	ch, ok := s.channels[sess.ID]
	delete(s.channels, sess.ID)
	s.channelsMu.Unlock()

	if ok {
		if err := ch.Close(); err != nil {
			s.logger.Debug().Err(err).Str("session_id", sess.ID).Str("reason", reason).Msg("Connection close returned error")
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	body := fmt.Sprintf(`{"status":"ok","sessions":%d}`, s.registry.Count())
	if s.shuttingDown() {
		status = http.StatusServiceUnavailable
		body = `{"status":"shutting_down"}`
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
