package listener

import (
	"context"
	"errors"
	"time"

	"realtime-service/domain"
)

var ErrBacklogFull = errors.New("signal backlog full")

// WebhookSource is fed by the HTTP signal ingress. Push never blocks; when the
// backlog is full the signal is rejected and the caller is expected to retry.
type WebhookSource struct {
	signals chan domain.Signal
}

func NewWebhookSource(backlog int) *WebhookSource {
	if backlog <= 0 {
		backlog = 1024
	}
	return &WebhookSource{signals: make(chan domain.Signal, backlog)}
}

// Push hands a signal to the listener.
func (s *WebhookSource) Push(sig domain.Signal) error {
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = time.Now()
	}
	select {
	case s.signals <- sig:
		return nil
	default:
		return ErrBacklogFull
	}
}

func (s *WebhookSource) Open(context.Context, []string) (Feed, error) {
	return webhookFeed{signals: s.signals}, nil
}

type webhookFeed struct {
	signals <-chan domain.Signal
}

func (f webhookFeed) Next(ctx context.Context) (domain.Signal, error) {
	select {
	case <-ctx.Done():
		return domain.Signal{}, ctx.Err()
	case sig := <-f.signals:
		return sig, nil
	}
}

func (webhookFeed) Close() error { return nil }
