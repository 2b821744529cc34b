package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	// BreakerClosed lets calls through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen lets a probe call through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrBreakerOpen is returned for calls rejected by an open breaker.
var ErrBreakerOpen = eris.New("resilience: circuit open")

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// Threshold is the number of consecutive counted failures that opens
	// the breaker. Default 5.
	Threshold int

	// Cooldown is how long the breaker stays open. Default 30s.
	Cooldown time.Duration

	// Counts decides which errors count as failures. Defaults to IsTransient.
	Counts func(err error) bool

	// OnChange runs on every state transition.
	OnChange func(from, to BreakerState)
}

// Breaker is a consecutive-failure circuit breaker guarding one service.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time

	now func() time.Time
}

// NewBreaker creates a closed Breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Counts == nil {
		cfg.Counts = IsTransient
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Guard runs fn unless b is open.
func Guard[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.allow(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	b.record(err)
	return val, err
}

// State returns the current state, reporting half-open once the cooldown
// of an open breaker has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		return nil
	}
	if b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.setState(BreakerHalfOpen)
		return nil
	}
	return ErrBreakerOpen
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !b.cfg.Counts(err) {
		b.failures = 0
		if b.state == BreakerHalfOpen {
			b.setState(BreakerClosed)
		}
		return
	}

	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.cfg.Threshold {
		b.openedAt = b.now()
		if b.state != BreakerOpen {
			b.setState(BreakerOpen)
		}
	}
}

func (b *Breaker) setState(to BreakerState) {
	from := b.state
	b.state = to
	if b.cfg.OnChange != nil {
		b.cfg.OnChange(from, to)
	}
}
