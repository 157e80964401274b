package client

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"realtime-service/domain"
	"realtime-service/internal/backoff"
)

var testBackoff = backoff.Config{Base: time.Second, Max: 30 * time.Second, Multiplier: 2}

func newTestConsumer(t *testing.T, d Dialer, clock Clock, autoConnect bool) (*Consumer, *stateLog) {
	t.Helper()
	states := &stateLog{}
	c := New(d, Options{Backoff: testBackoff, Clock: clock, Logger: quietLogger()})
	c.OnStateChange(states.record)
	if autoConnect {
		c.Connect()
	}
	t.Cleanup(c.Disconnect)
	return c, states
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) func(domain.ChangeEvent) {
	return func(ev domain.ChangeEvent) {
		l.mu.Lock()
		l.calls = append(l.calls, fmt.Sprintf("%s:%d", name, ev.Sequence))
		l.mu.Unlock()
	}
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	copy(out, l.calls)
	return out
}

func TestConsumerStartsClosed(t *testing.T) {
	d := newFakeDialer()
	c, _ := newTestConsumer(t, d, newFakeClock(), false)
	if c.State() != Closed {
		t.Fatalf("expected closed, got %s", c.State())
	}
	time.Sleep(10 * time.Millisecond)
	if d.count() != 0 {
		t.Fatal("consumer without AutoConnect must not dial")
	}
}

func TestAutoConnect(t *testing.T) {
	d := newFakeDialer()
	c := New(d, Options{AutoConnect: true, Clock: newFakeClock(), Logger: quietLogger()})
	defer c.Disconnect()
	waitFor(t, "open", func() bool { return c.State() == Open })
}

func TestConnectOpensAndIsIdempotent(t *testing.T) {
	d := newFakeDialer()
	c, states := newTestConsumer(t, d, newFakeClock(), true)
	d.next(t)
	waitFor(t, "open", func() bool { return c.State() == Open })
	c.Connect()
	c.Connect()
	time.Sleep(10 * time.Millisecond)
	if d.count() != 1 {
		t.Fatalf("expected a single dial, got %d", d.count())
	}
	if got := states.snapshot(); !reflect.DeepEqual(got, []State{Connecting, Open}) {
		t.Fatalf("unexpected transitions %v", got)
	}
}

func TestDispatchOrderBufferAndDuplicates(t *testing.T) {
	d := newFakeDialer()
	c, _ := newTestConsumer(t, d, newFakeClock(), false)
	calls := &callLog{}
	c.Subscribe(domain.Orders, calls.add("a"))
	c.Subscribe(domain.Orders, calls.add("b"))
	c.Subscribe(domain.Trades, calls.add("t"))
	c.Connect()

	s := d.next(t)
	s.send(domain.Orders, 1)
	s.send(domain.Trades, 2)
	s.send(domain.Orders, 2)
	s.keepAlive()
	s.send(domain.Orders, 3)
	waitFor(t, "buffer", func() bool { return len(c.RecentEvents()) == 3 })

	want := []string{"a:1", "b:1", "t:2", "a:3", "b:3"}
	if got := calls.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected calls %v", got)
	}
	orders := c.RecentEventsFor(domain.Orders)
	if len(orders) != 2 || orders[0].Sequence != 1 || orders[1].Sequence != 3 {
		t.Fatalf("unexpected buffered orders %+v", orders)
	}
}

func TestUnsubscribeAndResubscribe(t *testing.T) {
	d := newFakeDialer()
	c, _ := newTestConsumer(t, d, newFakeClock(), true)
	calls := &callLog{}
	unsubA := c.Subscribe(domain.Orders, calls.add("a"))
	c.Subscribe(domain.Orders, calls.add("b"))
	s := d.next(t)

	unsubA()
	unsubA()
	s.send(domain.Orders, 1)
	waitFor(t, "first event", func() bool { return len(c.RecentEvents()) == 1 })

	c.Subscribe(domain.Orders, calls.add("a"))
	s.send(domain.Orders, 2)
	waitFor(t, "second event", func() bool { return len(c.RecentEvents()) == 2 })

	want := []string{"b:1", "b:2", "a:2"}
	if got := calls.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected calls %v", got)
	}
}

func TestReconnectWithBackoff(t *testing.T) {
	d := newFakeDialer(nil, errors.New("connection refused"))
	clock := newFakeClock()
	c, states := newTestConsumer(t, d, clock, true)

	first := d.next(t)
	waitFor(t, "open", func() bool { return c.State() == Open })
	first.fail(errors.New("stream reset"))
	waitFor(t, "reconnecting", func() bool { return c.State() == Reconnecting })
	if !first.isClosed() {
		t.Fatal("failed stream should be closed")
	}

	waitFor(t, "1s backoff", func() bool { return clock.pending(time.Second) == 1 })
	clock.Advance(time.Second)
	waitFor(t, "2s backoff after failed dial", func() bool { return clock.pending(2*time.Second) == 1 })
	if c.State() != Reconnecting {
		t.Fatalf("expected reconnecting, got %s", c.State())
	}
	clock.Advance(2 * time.Second)
	second := d.next(t)
	waitFor(t, "reopen", func() bool { return c.State() == Open })

	// backoff starts over once the stream delivered an event
	second.send(domain.Orders, 1)
	waitFor(t, "event", func() bool { return len(c.RecentEvents()) == 1 })
	second.fail(errors.New("stream reset"))
	waitFor(t, "1s backoff again", func() bool { return clock.pending(time.Second) == 1 })

	want := []State{Connecting, Open, Reconnecting, Open, Reconnecting}
	if got := states.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected transitions %v", got)
	}
}

func TestDisconnectCancelsBackoff(t *testing.T) {
	d := newFakeDialer()
	clock := newFakeClock()
	c, states := newTestConsumer(t, d, clock, true)
	calls := &callLog{}
	c.Subscribe(domain.Orders, calls.add("a"))

	d.next(t).fail(errors.New("stream reset"))
	waitFor(t, "backoff", func() bool { return clock.pending(time.Second) == 1 })

	c.Disconnect()
	if c.State() != Closed {
		t.Fatalf("expected closed, got %s", c.State())
	}
	waitFor(t, "timer stopped", func() bool { return clock.pending(time.Second) == 0 })
	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	if d.count() != 1 {
		t.Fatalf("no dial expected after disconnect, got %d", d.count())
	}
	got := states.snapshot()
	if got[len(got)-1] != Closed {
		t.Fatalf("expected closed last, got %v", got)
	}
	if len(calls.snapshot()) != 0 {
		t.Fatal("no callbacks expected")
	}
}

func TestIdleTimeoutReconnects(t *testing.T) {
	d := newFakeDialer()
	clock := newFakeClock()
	c, _ := newTestConsumer(t, d, clock, true)

	s := d.next(t)
	waitFor(t, "idle timer", func() bool { return clock.pending(DefaultIdleTimeout) == 1 })
	s.keepAlive()
	// the keep-alive re-arms the idle timer
	waitFor(t, "idle timer re-armed", func() bool { return clock.pending(DefaultIdleTimeout) == 1 })
	clock.Advance(DefaultIdleTimeout)
	waitFor(t, "reconnecting", func() bool { return c.State() == Reconnecting })
	if !s.isClosed() {
		t.Fatal("idle stream should be closed")
	}
	waitFor(t, "backoff", func() bool { return clock.pending(time.Second) == 1 })
	clock.Advance(time.Second)
	d.next(t)
	waitFor(t, "open", func() bool { return c.State() == Open })
}

func TestDisconnectFromCallback(t *testing.T) {
	d := newFakeDialer()
	c, _ := newTestConsumer(t, d, newFakeClock(), true)
	calls := &callLog{}
	record := calls.add("a")
	c.Subscribe(domain.Orders, func(ev domain.ChangeEvent) {
		record(ev)
		c.Disconnect()
	})
	c.Subscribe(domain.Orders, calls.add("b"))

	s := d.next(t)
	s.send(domain.Orders, 1)
	s.send(domain.Orders, 2)
	waitFor(t, "closed", func() bool { return c.State() == Closed })
	time.Sleep(20 * time.Millisecond)
	if got := calls.snapshot(); !reflect.DeepEqual(got, []string{"a:1"}) {
		t.Fatalf("unexpected calls %v", got)
	}
	if !s.isClosed() {
		t.Fatal("stream should be released")
	}
}

func TestSequenceTrackingResetsOnReconnect(t *testing.T) {
	d := newFakeDialer()
	clock := newFakeClock()
	c, _ := newTestConsumer(t, d, clock, true)

	first := d.next(t)
	first.send(domain.Orders, 5)
	waitFor(t, "first event", func() bool { return len(c.RecentEvents()) == 1 })
	first.fail(errors.New("server restarted"))
	waitFor(t, "backoff", func() bool { return clock.pending(time.Second) == 1 })
	clock.Advance(time.Second)

	second := d.next(t)
	second.send(domain.Orders, 1)
	waitFor(t, "event after reconnect", func() bool { return len(c.RecentEvents()) == 2 })
	evs := c.RecentEvents()
	if evs[0].Sequence != 5 || evs[1].Sequence != 1 {
		t.Fatalf("buffer should keep accumulating across reconnects, got %+v", evs)
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	d := newFakeDialer()
	c, _ := newTestConsumer(t, d, newFakeClock(), true)
	s := d.next(t)
	s.results <- readResult{err: fmt.Errorf("%w: bad json", ErrMalformedFrame)}
	s.send(domain.Markets, 1)
	waitFor(t, "event", func() bool { return len(c.RecentEvents()) == 1 })
	if c.State() != Open {
		t.Fatalf("expected open, got %s", c.State())
	}
	if d.count() != 1 {
		t.Fatalf("malformed frame must not reconnect, dials %d", d.count())
	}
}

func TestReconnectAfterDisconnect(t *testing.T) {
	d := newFakeDialer()
	c, _ := newTestConsumer(t, d, newFakeClock(), true)
	d.next(t)
	waitFor(t, "open", func() bool { return c.State() == Open })
	c.Disconnect()
	c.Disconnect()
	c.Connect()
	d.next(t)
	waitFor(t, "open again", func() bool { return c.State() == Open })
}

func TestBackoffGrowsWhenStreamDropsAtOnce(t *testing.T) {
	d := newFakeDialer()
	clock := newFakeClock()
	c, _ := newTestConsumer(t, d, clock, true)

	for _, delay := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		d.next(t).fail(errors.New("accepted then dropped"))
		waitFor(t, delay.String()+" backoff", func() bool { return clock.pending(delay) == 1 })
		clock.Advance(delay)
	}

	// a stream that stayed up for the idle timeout counts as healthy
	d.next(t)
	waitFor(t, "idle timer", func() bool { return clock.pending(DefaultIdleTimeout) == 1 })
	clock.Advance(DefaultIdleTimeout)
	waitFor(t, "1s backoff after a long lived stream", func() bool { return clock.pending(time.Second) == 1 })
	if c.State() != Reconnecting {
		t.Fatalf("expected reconnecting, got %s", c.State())
	}
}

func TestCallbacksNeverOverlapDisconnect(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := newFakeDialer()
		c := New(d, Options{Clock: newFakeClock(), Logger: quietLogger()})

		var running atomic.Int32
		var overlapped atomic.Bool
		var mu sync.Mutex
		var seen []string
		enter := func(name string) {
			if running.Add(1) > 1 {
				overlapped.Store(true)
			}
			mu.Lock()
			seen = append(seen, name)
			mu.Unlock()
			running.Add(-1)
		}
		c.OnStateChange(func(s State) { enter(s.String()) })
		c.Subscribe(domain.Orders, func(domain.ChangeEvent) { enter("event") })
		c.Connect()

		s := d.next(t)
		for seq := uint64(1); seq <= 8; seq++ {
			s.send(domain.Orders, seq)
		}
		c.Disconnect()

		last := func() string {
			mu.Lock()
			defer mu.Unlock()
			return seen[len(seen)-1]
		}
		waitFor(t, "closed notification", func() bool { return last() == Closed.String() })
		time.Sleep(time.Millisecond)
		if last() != Closed.String() {
			t.Fatalf("callback after closed notification: %v", seen)
		}
		if overlapped.Load() {
			t.Fatal("callbacks ran concurrently")
		}
	}
}
