package channel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tutorline/pkg/protocol"
)

// ErrChannelClosed is returned by Send once the underlying connection is gone
var ErrChannelClosed = errors.New("channel closed")

// Conn is the subset of *websocket.Conn the channel writes through
type Conn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Config holds channel settings
type Config struct {
	WriteTimeout time.Duration
}

// Channel is the outbound half of one session's websocket connection.
// Each Send writes exactly one text frame; concurrent callers never interleave.
type Channel struct {
	conn         Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// New wraps a connection
func New(conn Conn, cfg Config) *Channel {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Channel{
		conn:         conn,
		writeTimeout: cfg.WriteTimeout,
	}
}

// Send encodes and writes one frame
func (c *Channel) Send(msg protocol.Outbound) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		c.breakLocked()
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// A failed or timed-out write leaves the frame stream in an unknown state
		c.breakLocked()
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

// Ping writes a keepalive control frame
func (c *Channel) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}
	if err := c.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.writeTimeout)); err != nil {
		c.breakLocked()
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

// Close sends a normal close frame and releases the connection. Safe to call repeatedly.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	deadline := time.Now().Add(c.writeTimeout)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.conn.Close()
}

// Closed reports whether the channel can no longer send
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) breakLocked() {
	c.closed = true
	_ = c.conn.Close()
}
