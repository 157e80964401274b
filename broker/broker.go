package broker

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"realtime-service/domain"
)

// Observer receives broker activity. metrics.Registry implements it.
type Observer interface {
	SubscriptionRegistered(active int)
	SubscriptionUnregistered(active int)
	EventPublished(ch domain.Channel, delivered int)
	EventDropped(ch domain.Channel)
}

type nopObserver struct{}

func (nopObserver) SubscriptionRegistered(int)         {}
func (nopObserver) SubscriptionUnregistered(int)       {}
func (nopObserver) EventPublished(domain.Channel, int) {}
func (nopObserver) EventDropped(domain.Channel)        {}

// Broker keeps the registry of live subscriptions and fans change events out
// to them. Publishing never waits on a subscriber.
type Broker struct {
	logger   *log.Logger
	observer Observer

	mu        sync.RWMutex
	subs      map[string]*Subscription
	byChannel map[domain.Channel]map[string]*Subscription
}

type Option func(*Broker)

func WithLogger(l *log.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(b *Broker) {
		if o != nil {
			b.observer = o
		}
	}
}

func New(opts ...Option) *Broker {
	b := &Broker{
		logger:    log.StandardLogger(),
		observer:  nopObserver{},
		subs:      make(map[string]*Subscription),
		byChannel: make(map[domain.Channel]map[string]*Subscription),
	}
	for _, ch := range domain.Channels() {
		b.byChannel[ch] = make(map[string]*Subscription)
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register adds sub to the registry. Registering an id that is already present
// is a no-op and returns false.
func (b *Broker) Register(sub *Subscription) bool {
	b.mu.Lock()
	if _, ok := b.subs[sub.id]; ok {
		b.mu.Unlock()
		return false
	}
	b.subs[sub.id] = sub
	for _, ch := range sub.channels.Channels() {
		b.byChannel[ch][sub.id] = sub
	}
	active := len(b.subs)
	b.mu.Unlock()

	b.observer.SubscriptionRegistered(active)
	b.logger.WithFields(log.Fields{
		"subscription": sub.id,
		"user":         sub.userID,
		"channels":     sub.channels.String(),
		"active":       active,
	}).Debug("subscription registered")
	return true
}

// Unregister removes the subscription with the given id. Unknown ids and
// repeated calls are no-ops.
func (b *Broker) Unregister(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subs, id)
	for _, ch := range sub.channels.Channels() {
		delete(b.byChannel[ch], id)
	}
	active := len(b.subs)
	b.mu.Unlock()

	sub.close()
	b.observer.SubscriptionUnregistered(active)
	b.logger.WithFields(log.Fields{
		"subscription": id,
		"dropped":      sub.Dropped(),
		"active":       active,
	}).Debug("subscription unregistered")
}

// Publish offers ev to every subscription interested in its channel and
// returns how many received it. Full outboxes evict their oldest event.
func (b *Broker) Publish(ev domain.ChangeEvent) int {
	b.mu.RLock()
	targets, ok := b.byChannel[ev.Channel]
	if !ok {
		b.mu.RUnlock()
		return 0
	}
	delivered := 0
	dropped := 0
	for _, sub := range targets {
		accepted, evicted := sub.offer(ev)
		if accepted {
			delivered++
		}
		if evicted {
			dropped++
		}
	}
	b.mu.RUnlock()

	for i := 0; i < dropped; i++ {
		b.observer.EventDropped(ev.Channel)
	}
	b.observer.EventPublished(ev.Channel, delivered)
	return delivered
}

// Len returns the number of registered subscriptions.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unregisters every subscription.
func (b *Broker) Close() {
	b.mu.RLock()
	ids := make([]string, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	for _, id := range ids {
		b.Unregister(id)
	}
}
