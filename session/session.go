package session

import (
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrSessionClosed is returned when sending to a session whose transport is gone.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionSaturated is returned when the outbound queue stayed full for the
	// whole hand-off window.
	ErrSessionSaturated = errors.New("session outbound queue is saturated")
)

// Conn is the transport handle of a connected client.
type Conn interface {
	WriteFrame(frame []byte) error
	Close() error
}

// Options configures the outbound queue of a session.
type Options struct {
	Buffer         int
	HandoffTimeout time.Duration
}

const defaultBuffer = 256

// Session is a single client's live connection. Frames queued with Send are
// written in order by one writer goroutine.
type Session struct {
	id      string
	conn    Conn
	logger  *log.Logger
	handoff time.Duration

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
	writerWG  sync.WaitGroup
}

// New wraps conn. Call Start to begin delivering queued frames.
func New(id string, conn Conn, opts Options, logger *log.Logger) *Session {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Session{
		id:      id,
		conn:    conn,
		logger:  logger,
		handoff: opts.HandoffTimeout,
		out:     make(chan []byte, opts.Buffer),
		done:    make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start launches the writer goroutine. Subsequent calls are no-ops.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		s.writerWG.Add(1)
		go s.writeLoop()
	})
}

func (s *Session) writeLoop() {
	defer s.writerWG.Done()
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.out:
			if err := s.conn.WriteFrame(frame); err != nil {
				s.logger.WithFields(log.Fields{"session": s.id, "error": err}).Warn("session write failed; closing")
				s.Close()
				return
			}
		}
	}
}

// Send queues frame without waiting for it to be written. When the queue is full
// it waits at most the configured hand-off timeout for space.
func (s *Session) Send(frame []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.out <- frame:
		return nil
	default:
	}

	if s.handoff <= 0 {
		return ErrSessionSaturated
	}

	timer := time.NewTimer(s.handoff)
	defer timer.Stop()

	select {
	case s.out <- frame:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-timer.C:
		return ErrSessionSaturated
	}
}

// Close stops the writer and closes the transport. Frames still queued are
// dropped. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.conn.Close(); err != nil {
			s.logger.WithFields(log.Fields{"session": s.id, "error": err}).Debug("session transport close")
		}
	})
}

// Wait blocks until the writer goroutine has exited.
func (s *Session) Wait() {
	s.writerWG.Wait()
}
