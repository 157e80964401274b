package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrInvalidPayload = errors.New("payload is not a json object")
)

// Channel is a named category of change events.
type Channel string

const (
	Orders   Channel = "orders"
	Trades   Channel = "trades"
	Balances Channel = "balances"
	Markets  Channel = "markets"
)

// Signal names emitted by the database triggers.
const (
	OrdersSignal   = "orders_changes"
	TradesSignal   = "trades_changes"
	BalancesSignal = "user_balances_changes"
	MarketsSignal  = "markets_changes"

	// EnvelopeSignal carries {"channel": ..., "payload": ...} for sources that
	// multiplex every table onto a single name.
	EnvelopeSignal = "realtime_changes"
)

var channels = [...]Channel{Orders, Trades, Balances, Markets}

var signalNames = map[Channel]string{
	Orders:   OrdersSignal,
	Trades:   TradesSignal,
	Balances: BalancesSignal,
	Markets:  MarketsSignal,
}

// Channels returns every known channel in a stable order.
func Channels() []Channel {
	out := make([]Channel, len(channels))
	copy(out, channels[:])
	return out
}

// SignalNames returns the inbound signal names for all known channels.
func SignalNames() []string {
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		out = append(out, signalNames[ch])
	}
	return out
}

// Signal returns the inbound signal name of the channel.
func (c Channel) Signal() string {
	return signalNames[c]
}

// Valid reports whether c is one of the enumerated channels.
func (c Channel) Valid() bool {
	_, ok := signalNames[c]
	return ok
}

func (c Channel) bit() ChannelSet {
	for i, ch := range channels {
		if ch == c {
			return 1 << uint(i)
		}
	}
	return 0
}

// ChannelFromSignal maps a trigger signal name to its channel.
func ChannelFromSignal(name string) (Channel, bool) {
	for ch, sig := range signalNames {
		if sig == name {
			return ch, true
		}
	}
	return "", false
}

// ParseChannel accepts either a channel name or its signal name.
func ParseChannel(s string) (Channel, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if ch := Channel(s); ch.Valid() {
		return ch, nil
	}
	if ch, ok := ChannelFromSignal(s); ok {
		return ch, nil
	}
	return "", ErrUnknownChannel
}

// ChannelSet is a set of channels.
type ChannelSet uint8

const AllChannels ChannelSet = 1<<len(channels) - 1

// NewChannelSet builds a set from the given channels. Invalid ones are ignored.
func NewChannelSet(chs ...Channel) ChannelSet {
	var s ChannelSet
	for _, ch := range chs {
		s |= ch.bit()
	}
	return s
}

// ParseChannelSet parses a comma separated list. Empty input means all channels.
func ParseChannelSet(raw string) (ChannelSet, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return AllChannels, nil
	}
	var s ChannelSet
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		ch, err := ParseChannel(part)
		if err != nil {
			return 0, err
		}
		s |= ch.bit()
	}
	if s == 0 {
		return AllChannels, nil
	}
	return s, nil
}

func (s ChannelSet) Has(c Channel) bool {
	b := c.bit()
	return b != 0 && s&b != 0
}

func (s ChannelSet) Channels() []Channel {
	var out []Channel
	for _, ch := range channels {
		if s.Has(ch) {
			out = append(out, ch)
		}
	}
	return out
}

func (s ChannelSet) String() string {
	chs := s.Channels()
	parts := make([]string, len(chs))
	for i, ch := range chs {
		parts[i] = string(ch)
	}
	return strings.Join(parts, ",")
}

// Signal is a raw notification as delivered by a change signal source.
type Signal struct {
	Name       string
	Payload    []byte
	ReceivedAt time.Time
}

// ChangeEvent is the unit moved through the pipeline. It is never mutated
// after the listener creates it.
type ChangeEvent struct {
	Channel   Channel         `json:"channel"`
	Payload   json.RawMessage `json:"payload"`
	Sequence  uint64          `json:"sequence"`
	EmittedAt time.Time       `json:"emittedAt"`
}

type envelope struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// Decode resolves the channel of a signal and validates its payload.
// Envelope signals are unwrapped first.
func Decode(sig Signal) (Channel, json.RawMessage, error) {
	name, payload := sig.Name, sig.Payload
	if name == EnvelopeSignal {
		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return "", nil, errors.Join(ErrInvalidPayload, err)
		}
		name, payload = env.Channel, env.Payload
	}
	ch, err := ParseChannel(name)
	if err != nil {
		return "", nil, err
	}
	if !isObject(payload) {
		return "", nil, ErrInvalidPayload
	}
	return ch, json.RawMessage(payload), nil
}

func isObject(b []byte) bool {
	b = bytes.TrimSpace(b)
	if len(b) < 2 || b[0] != '{' {
		return false
	}
	return json.Valid(b)
}
