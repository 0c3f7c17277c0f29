package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tutorline/internal/observability"
	"github.com/harun/tutorline/internal/tracing"
	"github.com/harun/tutorline/pkg/channel"
	"github.com/harun/tutorline/pkg/commandqueue"
	"github.com/harun/tutorline/pkg/pipeline"
	"github.com/harun/tutorline/pkg/protocol"
	"github.com/harun/tutorline/pkg/session"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// CloseSessionActive is sent when a second connection claims an active session id
const CloseSessionActive = 4409

const busyMessage = "still working on your last message, please wait"

// SessionIDHeader carries the server-assigned id when the client connects without one
const SessionIDHeader = "X-Session-Id"

// conn is one upgraded websocket connection bound to a session
type conn struct {
	server  *Server
	ws      *websocket.Conn
	ch      *channel.Channel
	sess    *session.Session
	limiter *FrameRateLimiter
	logger  zerolog.Logger
}

// handleConversation upgrades the request and runs the session until it closes
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	sessionID := r.PathValue("sessionID")
	if sessionID == "" {
		sessionID = session.NewID()
	}
	if _, err := s.registry.Get(sessionID); err == nil {
		observability.RecordFrameRejected("duplicate_session")
		http.Error(w, session.ErrDuplicateSession.Error(), http.StatusConflict)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, http.Header{SessionIDHeader: []string{sessionID}})
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to upgrade connection")
		return
	}

	connID, _ := gonanoid.New()
	ch := channel.New(ws, channel.Config{WriteTimeout: s.writeTimeout})

	ctx := tracing.WithConnID(context.Background(), connID)
	sess, err := s.registry.Open(ctx, sessionID, ch)
	if err != nil {
		code := websocket.ClosePolicyViolation
		if errors.Is(err, session.ErrDuplicateSession) {
			code = CloseSessionActive
		}
		deadline := time.Now().Add(s.writeTimeout)
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, err.Error()), deadline)
		_ = ws.Close()
		s.logger.Info().Err(err).Str("session_id", sessionID).Msg("Connection rejected")
		return
	}

	s.channelsMu.Lock()
	s.channels[sess.ID] = ch
	s.channelsMu.Unlock()

	// the registry may have closed the session before the channel was tracked
	if sess.Closed() {
		s.onSessionClosed(sess, session.ReasonClosed)
		return
	}

	c := &conn{
		server:  s,
		ws:      ws,
		ch:      ch,
		sess:    sess,
		limiter: NewFrameRateLimiter(s.framesPerMinute),
		logger: tracing.LoggerFromContext(sess.Context(), s.logger).With().
			Str("conn_id", connID).
			Str("remote_addr", r.RemoteAddr).
			Logger(),
	}

	c.logger.Info().Msg("Client connected")

	// The greeting takes the lane's first slot so no input can run ahead of it
	c.submit("greet", func(ctx context.Context) (interface{}, error) {
		return nil, s.runner.Greet(ctx, sess)
	})

	s.connWG.Add(2)
	go func() {
		defer s.connWG.Done()
		c.pingLoop()
	}()
	go func() {
		defer s.connWG.Done()
		c.readLoop()
	}()
}

// readLoop decodes inbound frames until the connection or the session ends
func (c *conn) readLoop() {
	reason := session.ReasonTransport
	defer func() {
		c.server.registry.CloseWithReason(c.sess.ID, reason)
		c.logger.Info().Str("reason", reason).Msg("Client disconnected")
	}()

	c.ws.SetReadLimit(c.server.readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.server.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.server.pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.sess.Closed() {
				reason = session.ReasonClosed
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.server.pongWait))

		if messageType != websocket.TextMessage {
			c.reject(protocol.CodeInvalidFrame, "frames must be JSON text")
			continue
		}
		if !c.limiter.Allow() {
			c.reject(protocol.CodeRateLimited, "too many messages, slow down")
			continue
		}

		in, err := protocol.Decode(data)
		if err != nil {
			c.logger.Debug().Err(err).Msg("Invalid frame")
			c.reject(protocol.CodeInvalidFrame, err.Error())
			continue
		}

		if stop := c.dispatch(in); stop {
			reason = session.ReasonStop
			return
		}
	}
}

// dispatch routes a decoded frame. It returns true when the session should end.
func (c *conn) dispatch(in *protocol.Inbound) bool {
	switch in.Type {
	case protocol.TypeControl:
		if in.Command == protocol.CommandStop {
			return true
		}
		c.logger.Debug().Str("command", string(in.Command)).Msg("Control command ignored")
		return false
	case protocol.TypeAudio:
		input := pipeline.AudioInput(in.Audio)
		c.submit("audio", c.turnTask(input))
	case protocol.TypeText:
		input := pipeline.TextInput(in.Text)
		c.submit("text", c.turnTask(input))
	}
	return false
}

func (c *conn) turnTask(in pipeline.Input) commandqueue.Task {
	return func(ctx context.Context) (interface{}, error) {
		err := c.server.runner.ProcessInput(ctx, c.sess, in)
		if errors.Is(err, session.ErrBusy) {
			c.reject(protocol.CodeBusy, busyMessage)
		}
		return nil, err
	}
}

// submit queues work on the session's lane, answering busy when the lane is full
func (c *conn) submit(kind string, task commandqueue.Task) {
	opts := &commandqueue.TaskOptions{}
	if c.server.turnWarnAfter > 0 {
		opts.WarnAfter = c.server.turnWarnAfter
		opts.OnWait = func(wait time.Duration, queuePos int) {
			c.logger.Warn().Str("kind", kind).Dur("wait", wait).Int("queue_pos", queuePos).Msg("Input waiting for earlier turn")
		}
	}

	_, err := c.server.queue.Submit(tracing.NewTurnContext(c.sess.Context(), c.sess.ID), c.sess.ID, task, opts)
	switch {
	case err == nil:
	case errors.Is(err, commandqueue.ErrLaneFull):
		c.reject(protocol.CodeBusy, busyMessage)
	default:
		c.logger.Debug().Err(err).Str("kind", kind).Msg("Input dropped, session is closing")
	}
}

// reject answers a frame with a transient error
func (c *conn) reject(code, message string) {
	observability.RecordFrameRejected(code)
	if err := c.sess.Send(protocol.Error(code, message)); err != nil {
		c.logger.Debug().Err(err).Str("code", code).Msg("Failed to send error frame")
	}
}

// pingLoop keeps the connection alive until the session closes
func (c *conn) pingLoop() {
	ticker := time.NewTicker(c.server.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.sess.Context().Done():
			return
		case <-ticker.C:
			if err := c.ch.Ping(); err != nil {
				c.logger.Debug().Err(err).Msg("Ping failed")
				c.server.registry.CloseWithReason(c.sess.ID, session.ReasonTransport)
				return
			}
		}
	}
}
