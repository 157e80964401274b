package client

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"
	log "github.com/sirupsen/logrus"

	"realtime-service/domain"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	d       time.Duration
	ch      chan time.Time
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTimer(d time.Duration) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), d: d, ch: make(chan time.Time, 1)}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and fires every due timer.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	for _, t := range c.timers {
		if t.stopped || t.fired || t.at.After(c.now) {
			continue
		}
		t.fired = true
		t.ch <- c.now
	}
}

// pending counts armed timers created with duration d.
func (c *fakeClock) pending(d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if t.d == d && !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (t *fakeTimer) Chan() <-chan time.Time { return t.ch }

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.at, t.d = t.clock.now.Add(d), d
	t.stopped, t.fired = false, false
	return active
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeStream struct {
	results   chan readResult
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{results: make(chan readResult, 16), closed: make(chan struct{})}
}

func (s *fakeStream) Next() (Frame, error) {
	select {
	case r := <-s.results:
		return r.frame, r.err
	case <-s.closed:
		return Frame{}, io.EOF
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeStream) send(ch domain.Channel, seq uint64) {
	s.results <- readResult{frame: Frame{Event: domain.ChangeEvent{
		Channel:  ch,
		Payload:  json.RawMessage(`{"n":1}`),
		Sequence: seq,
	}}}
}

func (s *fakeStream) keepAlive()     { s.results <- readResult{frame: Frame{KeepAlive: true}} }
func (s *fakeStream) fail(err error) { s.results <- readResult{err: err} }

type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	plan    []error
	streams chan *fakeStream
}

func newFakeDialer(plan ...error) *fakeDialer {
	return &fakeDialer{plan: plan, streams: make(chan *fakeStream, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, _ domain.ChannelSet) (Stream, error) {
	d.mu.Lock()
	n := d.dials
	d.dials++
	var err error
	if n < len(d.plan) {
		err = d.plan[n]
	}
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	s := newFakeStream()
	d.streams <- s
	return s, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) next(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case s := <-d.streams:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("no stream dialed")
		return nil
	}
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) snapshot() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, len(l.states))
	copy(out, l.states)
	return out
}

func quietLogger() *log.Logger {
	l := log.New()
	l.SetLevel(log.PanicLevel)
	return l
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
