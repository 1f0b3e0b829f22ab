// Package sessiontest provides an in-memory session transport for tests.
package sessiontest

import (
	"errors"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// ErrConnClosed is returned by writes after Close.
var ErrConnClosed = errors.New("conn closed")

// Frame is a decoded outbound frame.
type Frame struct {
	Event string                 `json:"event"`
	Data  sonic.NoCopyRawMessage `json:"data"`
}

// Conn records every frame written to it.
type Conn struct {
	mu       sync.Mutex
	frames   [][]byte
	closed   bool
	failNext error
	block    chan struct{}
	notify   chan struct{}
}

func NewConn() *Conn {
	return &Conn{notify: make(chan struct{}, 1)}
}

// FailWrites makes every subsequent write return err.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	c.failNext = err
	c.mu.Unlock()
}

// Block makes writes wait until Unblock is called.
func (c *Conn) Block() {
	c.mu.Lock()
	c.block = make(chan struct{})
	c.mu.Unlock()
}

func (c *Conn) Unblock() {
	c.mu.Lock()
	if c.block != nil {
		close(c.block)
		c.block = nil
	}
	c.mu.Unlock()
}

func (c *Conn) WriteFrame(frame []byte) error {
	c.mu.Lock()
	block := c.block
	c.mu.Unlock()
	if block != nil {
		<-block
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.failNext != nil {
		return c.failNext
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	c.frames = append(c.frames, cp)
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Frames returns the raw frames written so far.
func (c *Conn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

// Events returns the decoded frames written so far.
func (c *Conn) Events() []Frame {
	raw := c.Frames()
	out := make([]Frame, 0, len(raw))
	for _, f := range raw {
		var fr Frame
		if err := sonic.Unmarshal(f, &fr); err == nil {
			out = append(out, fr)
		}
	}
	return out
}

// WaitFrames blocks until at least n frames were written or timeout elapses and
// returns what was written.
func (c *Conn) WaitFrames(n int, timeout time.Duration) []Frame {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if ev := c.Events(); len(ev) >= n {
			return ev
		}
		select {
		case <-c.notify:
		case <-deadline.C:
			return c.Events()
		}
	}
}
