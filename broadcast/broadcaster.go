package broadcast

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"taskboard-sync/domain"
	"taskboard-sync/session"
)

// Relay receives a copy of every broadcast frame.
type Relay interface {
	Publish(event string, frame []byte) bool
}

// Broadcaster fans events out to the sessions of a registry. A session that can
// not accept a frame is treated as a transport failure: it is unregistered and
// closed without affecting anybody else.
type Broadcaster struct {
	sessions *session.Registry
	relay    Relay
	logger   *log.Logger
}

// New creates a Broadcaster. relay may be nil.
func New(sessions *session.Registry, relay Relay, logger *log.Logger) *Broadcaster {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Broadcaster{sessions: sessions, relay: relay, logger: logger}
}

// SendSnapshot delivers the full task list to s only.
func (b *Broadcaster) SendSnapshot(s *session.Session, tasks []domain.Task) error {
	frame, err := domain.EncodeEvent(domain.SyncTasks{Tasks: tasks})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.Send(frame); err != nil {
		b.drop(s, err)
		return err
	}
	return nil
}

// Broadcast delivers ev to every registered session and returns how many
// accepted it.
func (b *Broadcaster) Broadcast(ev domain.Event) (int, error) {
	frame, err := domain.EncodeEvent(ev)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", ev.EventName(), err)
	}
	delivered := 0
	b.sessions.Each(func(s *session.Session) {
		if err := s.Send(frame); err != nil {
			b.drop(s, err)
			return
		}
		delivered++
	})
	if b.relay != nil {
		b.relay.Publish(ev.EventName(), frame)
	}
	return delivered, nil
}

func (b *Broadcaster) drop(s *session.Session, cause error) {
	b.sessions.Remove(s.ID())
	s.Close()
	b.logger.WithFields(log.Fields{"session": s.ID(), "error": cause}).Warn("dropping session after delivery failure")
}
