package client

import (
	"sync"

	"realtime-service/domain"
)

const DefaultMaxEvents = 50

// Buffer keeps the most recent events, oldest evicted first. It hydrates
// late subscribers and is not a durability mechanism.
type Buffer struct {
	mu   sync.Mutex
	buf  []domain.ChangeEvent
	head int
	size int
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultMaxEvents
	}
	return &Buffer{buf: make([]domain.ChangeEvent, capacity)}
}

func (b *Buffer) Push(ev domain.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	capacity := len(b.buf)
	if b.size == capacity {
		b.buf[b.head] = ev
		b.head = (b.head + 1) % capacity
		return
	}
	b.buf[(b.head+b.size)%capacity] = ev
	b.size++
}

// Events returns a copy of the buffered events, oldest first.
func (b *Buffer) Events() []domain.ChangeEvent {
	return b.collect(func(domain.ChangeEvent) bool { return true })
}

// EventsFor returns the buffered events of one channel, oldest first.
func (b *Buffer) EventsFor(ch domain.Channel) []domain.ChangeEvent {
	return b.collect(func(ev domain.ChangeEvent) bool { return ev.Channel == ch })
}

func (b *Buffer) collect(keep func(domain.ChangeEvent) bool) []domain.ChangeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.ChangeEvent, 0, b.size)
	for i := 0; i < b.size; i++ {
		ev := b.buf[(b.head+i)%len(b.buf)]
		if keep(ev) {
			out = append(out, ev)
		}
	}
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *Buffer) Cap() int { return len(b.buf) }
