package broker

import (
	"sync"

	"github.com/google/uuid"

	"realtime-service/domain"
)

const DefaultOutboxSize = 256

// Subscription is the registration of one live connection. Its outbox is a
// bounded FIFO; when full the oldest event is evicted.
type Subscription struct {
	id       string
	channels domain.ChannelSet
	userID   string

	mu      sync.Mutex
	buf     []domain.ChangeEvent
	head    int
	size    int
	dropped uint64
	closed  bool

	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type SubscriptionOption func(*Subscription)

// WithID overrides the generated subscription id.
func WithID(id string) SubscriptionOption {
	return func(s *Subscription) {
		if id != "" {
			s.id = id
		}
	}
}

// WithUser tags the subscription with the authenticated identity.
func WithUser(userID string) SubscriptionOption {
	return func(s *Subscription) { s.userID = userID }
}

// NewSubscription creates a subscription for the given channels with an outbox
// of the given capacity. An empty set subscribes to every channel.
func NewSubscription(channels domain.ChannelSet, capacity int, opts ...SubscriptionOption) *Subscription {
	if capacity <= 0 {
		capacity = DefaultOutboxSize
	}
	if channels == 0 {
		channels = domain.AllChannels
	}
	s := &Subscription{
		id:       uuid.NewString(),
		channels: channels,
		buf:      make([]domain.ChangeEvent, capacity),
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Subscription) ID() string                  { return s.id }
func (s *Subscription) Channels() domain.ChannelSet { return s.channels }
func (s *Subscription) UserID() string              { return s.userID }

// Ready fires whenever events are pending.
func (s *Subscription) Ready() <-chan struct{} { return s.ready }

// Done is closed once the subscription is unregistered.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Dropped reports how many events were evicted from a full outbox.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Len reports the number of queued events.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// offer enqueues ev, evicting the oldest event when full. It reports whether
// the event was accepted and whether an eviction happened.
func (s *Subscription) offer(ev domain.ChangeEvent) (accepted, evicted bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, false
	}
	capacity := len(s.buf)
	if s.size == capacity {
		s.buf[s.head] = domain.ChangeEvent{}
		s.head = (s.head + 1) % capacity
		s.size--
		s.dropped++
		evicted = true
	}
	s.buf[(s.head+s.size)%capacity] = ev
	s.size++
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return true, evicted
}

// Drain appends every queued event to dst in FIFO order and empties the outbox.
func (s *Subscription) Drain(dst []domain.ChangeEvent) []domain.ChangeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	capacity := len(s.buf)
	for s.size > 0 {
		dst = append(dst, s.buf[s.head])
		s.buf[s.head] = domain.ChangeEvent{}
		s.head = (s.head + 1) % capacity
		s.size--
	}
	s.head = 0
	return dst
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
}
