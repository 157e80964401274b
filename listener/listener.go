package listener

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"realtime-service/domain"
	"realtime-service/internal/backoff"
)

// Source establishes the upstream subscription to the change signal source.
type Source interface {
	Open(ctx context.Context, signals []string) (Feed, error)
}

// Feed is one established subscription. Next blocks until a signal arrives;
// any error means the subscription is gone and must be re-opened.
type Feed interface {
	Next(ctx context.Context) (domain.Signal, error)
	Close() error
}

// Publisher receives decoded events. The broker implements it.
type Publisher interface {
	Publish(ev domain.ChangeEvent) int
}

type Observer interface {
	SignalReceived(ch domain.Channel, status string)
	ListenerReconnecting()
	ListenerConnected()
}

type nopObserver struct{}

func (nopObserver) SignalReceived(domain.Channel, string) {}
func (nopObserver) ListenerReconnecting()                 {}
func (nopObserver) ListenerConnected()                    {}

// Listener owns the single persistent subscription to the signal source for
// the lifetime of the process and is the only place raw signals are decoded.
type Listener struct {
	source   Source
	pub      Publisher
	logger   *log.Logger
	observer Observer
	backoff  backoff.Config
	tracer   trace.Tracer
	now      func() time.Time
	// stableAfter is how long a feed must stay up without signals before the
	// backoff resets.
	stableAfter time.Duration

	seq atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Listener)

func WithLogger(l *log.Logger) Option {
	return func(ln *Listener) {
		if l != nil {
			ln.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(ln *Listener) {
		if o != nil {
			ln.observer = o
		}
	}
}

func WithBackoff(cfg backoff.Config) Option {
	return func(ln *Listener) { ln.backoff = cfg }
}

func WithClock(now func() time.Time) Option {
	return func(ln *Listener) {
		if now != nil {
			ln.now = now
		}
	}
}

func New(source Source, pub Publisher, opts ...Option) *Listener {
	ln := &Listener{
		source:      source,
		pub:         pub,
		logger:      log.StandardLogger(),
		observer:    nopObserver{},
		backoff:     backoff.Default,
		tracer:      otel.Tracer("realtime-service/listener"),
		now:         time.Now,
		stableAfter: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(ln)
	}
	return ln
}

// Start runs the listener in the background until Stop is called or ctx ends.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		l.Run(ctx)
	}(l.done)
}

// Stop cancels a listener started with Start and waits for it to exit.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run blocks until ctx is cancelled. Establishment failures and dropped
// subscriptions are retried with exponential backoff, forever.
func (l *Listener) Run(ctx context.Context) error {
	bo := backoff.New(l.backoff)
	signals := append(domain.SignalNames(), domain.EnvelopeSignal)
	for {
		if ctx.Err() != nil {
			return nil
		}
		feed, err := l.source.Open(ctx, signals)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := bo.Next()
			l.observer.ListenerReconnecting()
			l.logger.WithError(err).WithFields(log.Fields{
				"attempt": bo.Attempt(),
				"retry":   delay.String(),
			}).Error("unable to subscribe to change source")
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}
		opened := l.now()
		l.observer.ListenerConnected()
		l.logger.WithField("signals", signals).Info("subscribed to change source")

		received, err := l.consume(ctx, feed)
		if cerr := feed.Close(); cerr != nil {
			l.logger.WithError(cerr).Debug("closing feed")
		}
		if ctx.Err() != nil {
			return nil
		}
		// an upstream that accepts and drops at once must not reset the backoff
		if received || l.now().Sub(opened) >= l.stableAfter {
			bo.Reset()
		}
		delay := bo.Next()
		l.observer.ListenerReconnecting()
		l.logger.WithError(err).WithField("retry", delay.String()).Warn("change source subscription dropped, reconnecting")
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

// consume handles signals until the feed fails. received reports whether any
// signal arrived.
func (l *Listener) consume(ctx context.Context, feed Feed) (received bool, err error) {
	for {
		sig, err := feed.Next(ctx)
		if err != nil {
			return received, err
		}
		received = true
		l.Handle(ctx, sig)
	}
}

// Handle decodes one signal and forwards it to the publisher. Malformed or
// unknown signals are dropped.
func (l *Listener) Handle(ctx context.Context, sig domain.Signal) {
	ch, payload, err := domain.Decode(sig)
	switch {
	case errors.Is(err, domain.ErrUnknownChannel):
		l.observer.SignalReceived("", "unknown")
		l.logger.WithField("signal", sig.Name).Debug("ignoring signal for unknown channel")
		return
	case err != nil:
		l.observer.SignalReceived(ch, "invalid")
		l.logger.WithError(err).WithFields(log.Fields{
			"signal":  sig.Name,
			"payload": truncate(sig.Payload, 256),
		}).Error("unable to decode change signal")
		return
	}

	emitted := sig.ReceivedAt
	if emitted.IsZero() {
		emitted = l.now()
	}
	ev := domain.ChangeEvent{
		Channel:   ch,
		Payload:   payload,
		Sequence:  l.seq.Add(1),
		EmittedAt: emitted.UTC(),
	}

	_, span := l.tracer.Start(ctx, "realtime.dispatch", trace.WithAttributes(
		attribute.String("realtime.channel", string(ch)),
		attribute.Int64("realtime.sequence", int64(ev.Sequence)),
	))
	delivered := l.pub.Publish(ev)
	span.SetAttributes(attribute.Int("realtime.delivered", delivered))
	span.End()

	l.observer.SignalReceived(ch, "ok")
	l.logger.WithFields(log.Fields{
		"channel":   ch,
		"sequence":  ev.Sequence,
		"delivered": delivered,
	}).Debug("change event published")
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
