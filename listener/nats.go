package listener

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"realtime-service/domain"
)

// NATSSource subscribes to <prefix>.<signal> subjects. The client's own
// reconnect is disabled; the listener owns backoff.
type NATSSource struct {
	url    string
	prefix string
	buffer int
	logger *log.Logger
}

func NewNATSSource(url, prefix string, buffer int, logger *log.Logger) *NATSSource {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &NATSSource{url: url, prefix: strings.TrimSuffix(prefix, "."), buffer: buffer, logger: logger}
}

func (s *NATSSource) subject(signal string) string {
	if s.prefix == "" {
		return signal
	}
	return s.prefix + "." + signal
}

func (s *NATSSource) signalFromSubject(subject string) string {
	if s.prefix == "" {
		return subject
	}
	return strings.TrimPrefix(subject, s.prefix+".")
}

func (s *NATSSource) Open(ctx context.Context, signals []string) (Feed, error) {
	lost := make(chan error, 1)
	notify := func(err error) {
		select {
		case lost <- err:
		default:
		}
	}
	opts := []nats.Option{
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err == nil {
				err = errors.New("nats disconnected")
			}
			s.logger.Warnf("NATS disconnected: %v", err)
			notify(err)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			notify(errors.New("nats connection closed"))
		}),
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}
	conn, err := nats.Connect(s.url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	msgs := make(chan *nats.Msg, s.buffer)
	subs := make([]*nats.Subscription, 0, len(signals))
	for _, sig := range signals {
		sub, err := conn.ChanSubscribe(s.subject(sig), msgs)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", s.subject(sig), err)
		}
		subs = append(subs, sub)
	}
	if err := conn.FlushWithContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to flush NATS subscriptions: %w", err)
	}
	s.logger.Infof("Connected to NATS at %s", conn.ConnectedUrl())
	return &natsFeed{src: s, conn: conn, subs: subs, msgs: msgs, lost: lost}, nil
}

type natsFeed struct {
	src  *NATSSource
	conn *nats.Conn
	subs []*nats.Subscription
	msgs chan *nats.Msg
	lost chan error
}

func (f *natsFeed) Next(ctx context.Context) (domain.Signal, error) {
	select {
	case <-ctx.Done():
		return domain.Signal{}, ctx.Err()
	case err := <-f.lost:
		return domain.Signal{}, err
	case msg := <-f.msgs:
		return domain.Signal{
			Name:       f.src.signalFromSubject(msg.Subject),
			Payload:    msg.Data,
			ReceivedAt: time.Now(),
		}, nil
	}
}

func (f *natsFeed) Close() error {
	for _, sub := range f.subs {
		_ = sub.Unsubscribe()
	}
	f.conn.Close()
	return nil
}
