package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"realtime-service/broker"
	"realtime-service/domain"
)

const (
	transportSSE = "sse"
	transportWS  = "ws"

	frameEvent     = "event"
	frameKeepAlive = "keepalive"
)

// Registry is the part of the broker a session needs.
type Registry interface {
	Register(sub *broker.Subscription) bool
	Unregister(id string)
	Len() int
}

type SessionObserver interface {
	SessionOpened(transport string)
	SessionClosed(transport string, err error)
	FrameWritten(transport, kind string)
}

type nopSessionObserver struct{}

func (nopSessionObserver) SessionOpened(string)        {}
func (nopSessionObserver) SessionClosed(string, error) {}
func (nopSessionObserver) FrameWritten(string, string) {}

// frameWriter encodes frames for one transport.
type frameWriter interface {
	WriteEvent(ev domain.ChangeEvent) error
	WriteKeepAlive() error
}

// Session pumps one subscription's outbox to one client connection. It
// never retries; any write error ends it.
type Session struct {
	sub       *broker.Subscription
	registry  Registry
	writer    frameWriter
	transport string
	keepAlive time.Duration
	observer  SessionObserver
	logger    *log.Entry
}

// Run registers the subscription and writes frames until ctx is cancelled,
// the subscription is closed by the broker, or a write fails. The
// subscription is always unregistered on return.
func (s *Session) Run(ctx context.Context) (err error) {
	s.registry.Register(s.sub)
	s.observer.SessionOpened(s.transport)
	s.logger.Info("streaming session opened")
	defer func() {
		s.registry.Unregister(s.sub.ID())
		s.observer.SessionClosed(s.transport, err)
		entry := s.logger.WithField("dropped", s.sub.Dropped())
		if err != nil {
			entry.WithError(err).Warn("streaming session write failed")
			return
		}
		entry.Info("streaming session closed")
	}()

	timer := time.NewTimer(s.keepAlive)
	defer timer.Stop()
	var batch []domain.ChangeEvent
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.sub.Done():
			return nil
		case <-s.sub.Ready():
			batch = s.sub.Drain(batch[:0])
			for _, ev := range batch {
				if err := s.writer.WriteEvent(ev); err != nil {
					return err
				}
				s.observer.FrameWritten(s.transport, frameEvent)
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.keepAlive)
		case <-timer.C:
			if err := s.writer.WriteKeepAlive(); err != nil {
				return err
			}
			s.observer.FrameWritten(s.transport, frameKeepAlive)
			timer.Reset(s.keepAlive)
		}
	}
}
