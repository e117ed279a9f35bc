package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// State is a breaker state.
type State int

const (
	// Closed passes every call through.
	Closed State = iota
	// Open rejects calls until the cooldown ends.
	Open
	// HalfOpen lets a single probe through.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrOpen is returned without calling the backend while its breaker is open.
var ErrOpen = eris.New("resilience: breaker open")

// BreakerConfig controls when a backend breaker opens and recovers.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration

	// Trips decides whether err counts as a failure. The default counts
	// everything except caller cancellation.
	Trips func(err error) bool
	// OnStateChange observes transitions.
	OnStateChange func(backend string, from, to State)
}

// DefaultBreakerConfig returns the breaker policy used when nothing is configured.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Cooldown: 30 * time.Second}
}

func trips(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Breaker is a circuit breaker for one backend.
type Breaker struct {
	backend string
	cfg     BreakerConfig
	now     func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker for backend.
func NewBreaker(backend string, cfg BreakerConfig) *Breaker {
	d := DefaultBreakerConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = d.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = d.Cooldown
	}
	if cfg.Trips == nil {
		cfg.Trips = trips
	}
	return &Breaker{backend: backend, cfg: cfg, now: time.Now}
}

// Backend returns the backend name.
func (b *Breaker) Backend() string { return b.backend }

// State returns the current state. An open breaker whose cooldown has passed
// reports HalfOpen.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return HalfOpen
	}
	return b.state
}

// Guard runs fn through b. While b is open, or a half-open probe is already
// in flight, it returns ErrOpen without calling fn.
func Guard[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if b == nil {
		return fn(ctx)
	}
	if err := b.admit(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	b.record(err)
	return val, err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return eris.Wrapf(ErrOpen, "backend %s", b.backend)
		}
		b.setState(HalfOpen)
		b.probing = true
	case HalfOpen:
		if b.probing {
			return eris.Wrapf(ErrOpen, "backend %s probing", b.backend)
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	failed := err != nil && b.cfg.Trips(err)
	if b.state == HalfOpen {
		b.probing = false
		switch {
		case failed:
			b.openedAt = b.now()
			b.setState(Open)
		case err == nil:
			b.failures = 0
			b.setState(Closed)
		}
		// A cancelled probe leaves the breaker half-open for the next caller.
		return
	}

	if !failed {
		b.failures = 0
		return
	}
	b.failures++
	if b.state == Closed && b.failures >= b.cfg.Threshold {
		b.openedAt = b.now()
		b.setState(Open)
	}
}

// setState must be called with mu held.
func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	zap.L().Info("resilience: breaker state change",
		zap.String("backend", b.backend),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.backend, from, to)
	}
}

// Breakers hands out one breaker per backend, all sharing a config.
type Breakers struct {
	cfg BreakerConfig

	mu sync.Mutex
	m  map[string]*Breaker
}

// NewBreakers creates an empty breaker set.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, m: make(map[string]*Breaker)}
}

// For returns the breaker for backend, creating it on first use.
func (s *Breakers) For(backend string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.m[backend]
	if !ok {
		b = NewBreaker(backend, s.cfg)
		s.m[backend] = b
	}
	return b
}

// Snapshot returns the state of every breaker created so far.
func (s *Breakers) Snapshot() map[string]State {
	s.mu.Lock()
	bs := make([]*Breaker, 0, len(s.m))
	for _, b := range s.m {
		bs = append(bs, b)
	}
	s.mu.Unlock()

	out := make(map[string]State, len(bs))
	for _, b := range bs {
		out[b.backend] = b.State()
	}
	return out
}
