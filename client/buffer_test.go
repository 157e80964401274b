package client

import (
	"testing"

	"realtime-service/domain"
)

func TestBufferKeepsLastEvents(t *testing.T) {
	b := NewBuffer(5)
	for i := uint64(1); i <= 7; i++ {
		ch := domain.Orders
		if i%2 == 0 {
			ch = domain.Trades
		}
		b.Push(domain.ChangeEvent{Channel: ch, Sequence: i})
	}
	evs := b.Events()
	if len(evs) != 5 {
		t.Fatalf("expected 5 events, got %d", len(evs))
	}
	for i, ev := range evs {
		if ev.Sequence != uint64(i+3) {
			t.Fatalf("expected sequence %d at %d, got %d", i+3, i, ev.Sequence)
		}
	}
	trades := b.EventsFor(domain.Trades)
	if len(trades) != 2 || trades[0].Sequence != 4 || trades[1].Sequence != 6 {
		t.Fatalf("unexpected trades %+v", trades)
	}
}

func TestBufferReturnsCopies(t *testing.T) {
	b := NewBuffer(0)
	if b.Cap() != DefaultMaxEvents {
		t.Fatalf("expected default capacity, got %d", b.Cap())
	}
	b.Push(domain.ChangeEvent{Channel: domain.Orders, Sequence: 1})
	evs := b.Events()
	evs[0].Sequence = 99
	if b.Events()[0].Sequence != 1 {
		t.Fatal("buffer must hand out copies")
	}
}

func TestStateString(t *testing.T) {
	if Reconnecting.String() != "reconnecting" || Closed.String() != "closed" {
		t.Fatalf("unexpected names %s %s", Reconnecting, Closed)
	}
}
