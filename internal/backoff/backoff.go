package backoff

import (
	"math/rand"
	"time"
)

// Config describes an exponential backoff schedule.
type Config struct {
	Base       time.Duration `yaml:"base" env:"BASE"`
	Max        time.Duration `yaml:"max" env:"MAX"`
	Multiplier float64       `yaml:"multiplier" env:"MULTIPLIER"`
	// Jitter is the fraction of each delay that is randomized, in [0,1].
	Jitter float64 `yaml:"jitter" env:"JITTER"`
}

// Default is base 1s, multiplier 2, cap 30s, no jitter.
var Default = Config{Base: time.Second, Max: 30 * time.Second, Multiplier: 2}

// Backoff hands out successive delays. It is not safe for concurrent use.
type Backoff struct {
	cfg     Config
	attempt int
	rand    func() float64
}

func New(cfg Config) *Backoff {
	if cfg.Base <= 0 {
		cfg.Base = Default.Base
	}
	if cfg.Max < cfg.Base {
		cfg.Max = cfg.Base
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = Default.Multiplier
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Jitter > 1 {
		cfg.Jitter = 1
	}
	return &Backoff{cfg: cfg, rand: rand.Float64}
}

// WithRand replaces the jitter source.
func (b *Backoff) WithRand(fn func() float64) *Backoff {
	b.rand = fn
	return b
}

// Next returns the delay before the next attempt. It never exceeds Max.
func (b *Backoff) Next() time.Duration {
	d := float64(b.cfg.Base)
	for i := 0; i < b.attempt && d < float64(b.cfg.Max); i++ {
		d *= b.cfg.Multiplier
	}
	if d > float64(b.cfg.Max) {
		d = float64(b.cfg.Max)
	}
	b.attempt++
	if b.cfg.Jitter > 0 {
		d = d*(1-b.cfg.Jitter) + d*b.cfg.Jitter*b.rand()
	}
	return time.Duration(d)
}

// Attempt is the number of delays handed out since the last reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
