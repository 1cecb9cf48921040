package wire

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/CADMonkey21/stratum-engine/logging"
	"github.com/CADMonkey21/stratum-engine/metrics"
)

var (
	ErrClosed    = errors.New("connection closed")
	ErrQueueFull = errors.New("send queue full")
)

// Frame is one decode step: either a message or a per-line decode error.
type Frame struct {
	Msg *Message
	Err *FrameError
}

type ConnConfig struct {
	MaxLineSize  int
	QueueSize    int
	WriteTimeout time.Duration
}

func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		MaxLineSize:  DefaultMaxLineSize,
		QueueSize:    256,
		WriteTimeout: 10 * time.Second,
	}
}

// Conn carries framed JSON-RPC messages over a net.Conn. A read goroutine
// feeds Frames in arrival order and a write goroutine drains the outgoing
// queue, so a slow peer never blocks the caller of Send.
type Conn struct {
	Connection net.Conn

	cfg      ConnConfig
	frames   chan Frame
	outgoing chan *Message
	done     chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func NewConn(conn net.Conn, cfg ConnConfig) *Conn {
	def := DefaultConnConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	c := &Conn{
		Connection: conn,
		cfg:        cfg,
		frames:     make(chan Frame),
		outgoing:   make(chan *Message, cfg.QueueSize),
		done:       make(chan struct{}),
	}
	go c.readMessages()
	go c.writeMessages()
	return c
}

// Frames yields decoded messages and decode errors. It is never closed; use
// Done to learn about the end of the connection.
func (c *Conn) Frames() <-chan Frame {
	return c.frames
}

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended, nil while it is open or after a
// clean Close.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.Connection.RemoteAddr()
}

// Send queues m for writing.
func (c *Conn) Send(m *Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- m:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		c.handleError(ErrQueueFull)
		return ErrQueueFull
	}
}

func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Conn) handleError(err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		c.shutdown(nil)
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	logging.Debugf("Connection %s: %v", c.RemoteAddr(), err)
	c.shutdown(err)
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		c.Connection.Close()
	})
}

func (c *Conn) readMessages() {
	dec := NewDecoder(c.Connection, c.cfg.MaxLineSize)
	for {
		msg, err := dec.Decode()
		var frame Frame
		if err != nil {
			var ferr *FrameError
			if !errors.As(err, &ferr) {
				c.handleError(err)
				return
			}
			metrics.DecodeErrors.Inc()
			frame.Err = ferr
		} else {
			metrics.Frames.WithLabelValues("in", methodLabel(msg)).Inc()
			frame.Msg = msg
		}
		select {
		case c.frames <- frame:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writeMessages() {
	for {
		select {
		case m := <-c.outgoing:
			frame, err := Marshal(m)
			if err != nil {
				logging.Warnf("Connection %s: dropping unencodable message: %v", c.RemoteAddr(), err)
				continue
			}
			c.Connection.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if _, err := c.Connection.Write(frame); err != nil {
				c.handleError(err)
				return
			}
			metrics.Frames.WithLabelValues("out", methodLabel(m)).Inc()
		case <-c.done:
			return
		}
	}
}

func methodLabel(m *Message) string {
	if m.Method == "" {
		return "response"
	}
	return m.Method
}
