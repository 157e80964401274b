package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/juju/clock"
	log "github.com/sirupsen/logrus"

	"realtime-service/domain"
	"realtime-service/internal/backoff"
)

// ErrMalformedFrame is returned by a Stream for a frame that could not be
// decoded. The stream stays usable.
var ErrMalformedFrame = errors.New("malformed frame")

var errIdleTimeout = errors.New("no frame within idle timeout")

// Frame is one message read from the server stream.
type Frame struct {
	Event     domain.ChangeEvent
	KeepAlive bool
}

// Stream is one open server stream. Close unblocks a pending Next.
type Stream interface {
	Next() (Frame, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, channels domain.ChannelSet) (Stream, error)
}

// DefaultBackoff spreads reconnects of many clients over time.
var DefaultBackoff = backoff.Config{Base: time.Second, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.2}

// DefaultIdleTimeout is two server keep-alive intervals.
const DefaultIdleTimeout = 30 * time.Second

type Options struct {
	// AutoConnect calls Connect from New.
	AutoConnect bool
	// MaxEvents is the capacity of the recent events buffer.
	MaxEvents   int
	Channels    domain.ChannelSet
	Backoff     backoff.Config
	IdleTimeout time.Duration
	Clock       Clock
	Logger      *log.Logger
}

type subscriber struct {
	ch     domain.Channel
	fn     func(domain.ChangeEvent)
	active bool
}

type stateListener struct {
	fn     func(State)
	active bool
}

// lifecycle is one Connect..Disconnect span. Every callback of a lifecycle
// runs under dispatch. The fields below dispatch are guarded by Consumer.mu.
type lifecycle struct {
	ctx      context.Context
	cancel   context.CancelFunc
	dispatch sync.Mutex

	stopped bool
	// dispatching is set while a callback runs; a Disconnect seen meanwhile
	// leaves its Closed notification to the dispatcher via closedPending.
	dispatching   bool
	closedPending bool
	stream        Stream
}

// Consumer keeps a stream to the realtime endpoint open, reconnecting with
// backoff, and dispatches events to per-channel callbacks. All callbacks of a
// connection run on one goroutine, one event at a time.
type Consumer struct {
	dialer Dialer
	opts   Options
	buffer *Buffer
	logger *log.Entry

	mu        sync.Mutex
	state     State
	lc        *lifecycle
	subs      []*subscriber
	listeners []*stateListener
}

func New(dialer Dialer, opts Options) *Consumer {
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = DefaultMaxEvents
	}
	if opts.Channels == 0 {
		opts.Channels = domain.AllChannels
	}
	if opts.Backoff == (backoff.Config{}) {
		opts.Backoff = DefaultBackoff
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	c := &Consumer{
		dialer: dialer,
		opts:   opts,
		buffer: NewBuffer(opts.MaxEvents),
		logger: opts.Logger.WithFields(log.Fields{"component": "realtime-client", "channels": opts.Channels.String()}),
		state:  Closed,
	}
	if opts.AutoConnect {
		c.Connect()
	}
	return c
}

func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts connecting. It is a no-op unless the consumer is closed.
func (c *Consumer) Connect() {
	c.mu.Lock()
	if c.lc != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	lc := &lifecycle{ctx: ctx, cancel: cancel}
	c.lc = lc
	c.state = Connecting
	listeners := c.activeListenersLocked()
	c.mu.Unlock()

	lc.dispatch.Lock()
	for _, l := range listeners {
		if !c.call(lc, &l.active, func() { l.fn(Connecting) }) {
			break
		}
	}
	lc.dispatch.Unlock()
	go c.run(lc)
}

// Disconnect closes the stream and cancels any pending reconnect. No event
// callback starts after it returns and the Closed notification is not
// interleaved with other callbacks. It may be called from a callback, in which
// case Closed is delivered once that callback returns.
func (c *Consumer) Disconnect() {
	c.mu.Lock()
	lc := c.lc
	if lc == nil {
		c.mu.Unlock()
		return
	}
	c.lc = nil
	lc.stopped = true
	lc.cancel()
	stream := lc.stream
	lc.stream = nil
	c.state = Closed
	deferred := lc.dispatching
	lc.closedPending = deferred
	c.mu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			c.logger.WithError(err).Debug("closing stream")
		}
	}
	if !deferred {
		lc.dispatch.Lock()
		c.notifyClosed()
		lc.dispatch.Unlock()
	}
	c.logger.Info("realtime stream disconnected")
}

// Subscribe registers fn for events of ch. Callbacks of one channel run in
// subscription order. The returned func unsubscribes and is idempotent.
func (c *Consumer) Subscribe(ch domain.Channel, fn func(domain.ChangeEvent)) func() {
	s := &subscriber{ch: ch, fn: fn, active: true}
	c.mu.Lock()
	c.subs = append(c.subs, s)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !s.active {
			return
		}
		s.active = false
		for i, cur := range c.subs {
			if cur == s {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				break
			}
		}
	}
}

// OnStateChange registers fn for state transitions.
func (c *Consumer) OnStateChange(fn func(State)) func() {
	l := &stateListener{fn: fn, active: true}
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !l.active {
			return
		}
		l.active = false
		for i, cur := range c.listeners {
			if cur == l {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				break
			}
		}
	}
}

// RecentEvents returns the buffered events, oldest first.
func (c *Consumer) RecentEvents() []domain.ChangeEvent {
	return c.buffer.Events()
}

func (c *Consumer) RecentEventsFor(ch domain.Channel) []domain.ChangeEvent {
	return c.buffer.EventsFor(ch)
}

func (c *Consumer) activeListenersLocked() []*stateListener {
	out := make([]*stateListener, len(c.listeners))
	copy(out, c.listeners)
	return out
}

// call runs fn unless lc has stopped. A nil active means fn is not tied to
// a registration. The caller holds lc.dispatch. It reports whether lc is still
// live afterwards.
func (c *Consumer) call(lc *lifecycle, active *bool, fn func()) bool {
	c.mu.Lock()
	if lc.stopped {
		c.mu.Unlock()
		return false
	}
	if active != nil && !*active {
		c.mu.Unlock()
		return true
	}
	lc.dispatching = true
	c.mu.Unlock()

	fn()

	c.mu.Lock()
	lc.dispatching = false
	pending := lc.closedPending
	lc.closedPending = false
	stopped := lc.stopped
	c.mu.Unlock()
	if pending {
		c.notifyClosed()
	}
	return !stopped
}

func (c *Consumer) notifyClosed() {
	c.mu.Lock()
	listeners := c.activeListenersLocked()
	c.mu.Unlock()
	for _, l := range listeners {
		c.mu.Lock()
		active := l.active
		c.mu.Unlock()
		if active {
			l.fn(Closed)
		}
	}
}

func (c *Consumer) transition(lc *lifecycle, s State) bool {
	lc.dispatch.Lock()
	defer lc.dispatch.Unlock()

	c.mu.Lock()
	if lc.stopped {
		c.mu.Unlock()
		return false
	}
	changed := c.state != s
	c.state = s
	listeners := c.activeListenersLocked()
	c.mu.Unlock()

	if !changed {
		return true
	}
	for _, l := range listeners {
		if !c.call(lc, &l.active, func() { l.fn(s) }) {
			return false
		}
	}
	return true
}

func (c *Consumer) attach(lc *lifecycle, stream Stream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lc.stopped {
		return false
	}
	lc.stream = stream
	return true
}

func (c *Consumer) detach(lc *lifecycle) {
	c.mu.Lock()
	lc.stream = nil
	c.mu.Unlock()
}

func (c *Consumer) run(lc *lifecycle) {
	bo := backoff.New(c.opts.Backoff)
	for {
		stream, err := c.dialer.Dial(lc.ctx, c.opts.Channels)
		if err == nil {
			if !c.attach(lc, stream) {
				stream.Close()
				return
			}
			opened := c.opts.Clock.Now()
			c.logger.Info("realtime stream open")
			if !c.transition(lc, Open) {
				return
			}
			var delivered bool
			delivered, err = c.consume(lc, stream)
			c.detach(lc)
			stream.Close()
			// a server that accepts and drops at once must not reset the backoff
			if delivered || c.opts.Clock.Now().Sub(opened) >= c.opts.IdleTimeout {
				bo.Reset()
			}
		}
		if lc.ctx.Err() != nil {
			return
		}
		if !c.transition(lc, Reconnecting) {
			return
		}
		delay := bo.Next()
		c.logger.WithError(err).WithFields(log.Fields{
			"attempt": bo.Attempt(),
			"retry":   delay.String(),
		}).Warn("realtime stream lost, reconnecting")

		timer := c.opts.Clock.NewTimer(delay)
		select {
		case <-lc.ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
	}
}

type readResult struct {
	frame Frame
	err   error
}

// consume dispatches frames until the stream fails, goes idle or the
// lifecycle ends. delivered reports whether any event arrived.
func (c *Consumer) consume(lc *lifecycle, stream Stream) (delivered bool, err error) {
	results := make(chan readResult)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			f, err := stream.Next()
			if errors.Is(err, ErrMalformedFrame) {
				c.logger.WithError(err).Warn("skipping malformed frame")
				f, err = Frame{KeepAlive: true}, nil
			}
			select {
			case results <- readResult{frame: f, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var last uint64
	idle := c.opts.Clock.NewTimer(c.opts.IdleTimeout)
	defer func() { idle.Stop() }()
	for {
		select {
		case <-lc.ctx.Done():
			return delivered, lc.ctx.Err()
		case <-idle.Chan():
			return delivered, errIdleTimeout
		case r := <-results:
			if r.err != nil {
				return delivered, r.err
			}
			idle.Stop()
			idle = c.opts.Clock.NewTimer(c.opts.IdleTimeout)
			if r.frame.KeepAlive {
				continue
			}
			ev := r.frame.Event
			// sequences restart with the server, so only compare within one connection
			if last != 0 && ev.Sequence <= last {
				continue
			}
			last = ev.Sequence
			delivered = true
			if !c.dispatch(lc, ev) {
				return delivered, lc.ctx.Err()
			}
		}
	}
}

func (c *Consumer) dispatch(lc *lifecycle, ev domain.ChangeEvent) bool {
	lc.dispatch.Lock()
	defer lc.dispatch.Unlock()

	c.mu.Lock()
	if lc.stopped {
		c.mu.Unlock()
		return false
	}
	var targets []*subscriber
	for _, s := range c.subs {
		if s.ch == ev.Channel {
			targets = append(targets, s)
		}
	}
	c.mu.Unlock()

	c.buffer.Push(ev)
	for _, s := range targets {
		if !c.call(lc, &s.active, func() { s.fn(ev) }) {
			return false
		}
	}
	return true
}
