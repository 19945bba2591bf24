// Package circuit implements a circuit breaker used to isolate the
// broker's validation tiers and expert channel from cascading failure.
package circuit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/lighthouse/broker/internal/errs"
)

// State is the breaker state.
type State int

const (
	StateClosed   State = iota // normal operation, requests pass
	StateOpen                  // failure threshold tripped, requests refused
	StateHalfOpen              // probing whether the dependency recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned while the breaker refuses requests.
var ErrOpen = errs.New(errs.KindTransient, "circuit breaker open")

// ErrTooManyProbes is returned when the half-open probe quota is spent.
var ErrTooManyProbes = errs.New(errs.KindTransient, "circuit breaker half-open, probe quota exhausted")

// Config tunes one breaker.
type Config struct {
	Name string

	// MaxProbes is the number of requests admitted in half-open state.
	MaxProbes uint32

	// Interval clears closed-state counts periodically so that old
	// failures cannot trip the breaker long after they happened.
	Interval time.Duration

	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration

	// ReadyToTrip decides, from a snapshot of the counts, whether a
	// failure in closed state opens the breaker.
	ReadyToTrip func(c Counts) bool

	// OnStateChange, if set, observes every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig trips after 5 consecutive failures and probes again
// after a 30s cooldown.
func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		MaxProbes:   3,
		Interval:    60 * time.Second,
		Cooldown:    30 * time.Second,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 5 },
	}
}

// Counts holds request outcomes for the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

func (c *Counts) clear() { *c = Counts{} }

func (c *Counts) onSuccess() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Breaker is a single circuit breaker. Generations distinguish requests
// admitted before a state change from those admitted after it, so a
// stale completion cannot corrupt the new generation's counts.
type Breaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New builds a breaker from cfg, filling unset fields from defaults.
func New(cfg Config) *Breaker {
	def := DefaultConfig(cfg.Name)
	if cfg.MaxProbes == 0 {
		cfg.MaxProbes = def.MaxProbes
	}
	if cfg.Interval == 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.ReadyToTrip == nil {
		cfg.ReadyToTrip = def.ReadyToTrip
	}
	b := &Breaker{cfg: cfg}
	b.toNewGeneration(time.Now())
	return b
}

func (b *Breaker) Name() string { return b.cfg.Name }

// State returns the current state, advancing open→half-open if the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.currentState(time.Now())
	return s
}

// Counts returns a snapshot of the current generation's counts.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Execute runs fn under the breaker. When the breaker is open the
// function is not called and ErrOpen is returned.
func (b *Breaker) Execute(fn func() error) error {
	generation, err := b.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.afterRequest(generation, false)
			panic(r)
		}
	}()

	err = fn()
	b.afterRequest(generation, err == nil)
	return err
}

func (b *Breaker) beforeRequest() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	switch state {
	case StateOpen:
		return generation, ErrOpen
	case StateHalfOpen:
		if b.counts.Requests >= b.cfg.MaxProbes {
			return generation, ErrTooManyProbes
		}
	}
	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) afterRequest(before uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)
	if generation != before {
		return
	}
	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
	case StateHalfOpen:
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if b.counts.ConsecutiveSuccesses >= b.cfg.MaxProbes {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.TotalFailures++
		b.counts.ConsecutiveFailures++
		b.counts.ConsecutiveSuccesses = 0
		if b.cfg.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		// A failed probe reopens immediately.
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.toNewGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.toNewGeneration(now)

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, prev, state)
	} else {
		slog.Info("circuit breaker state change",
			"breaker", b.cfg.Name, "from", prev.String(), "to", state.String())
	}
}

// toNewGeneration resets counts and arms the next expiry for the new
// state. Counts from the previous generation are discarded.
func (b *Breaker) toNewGeneration(now time.Time) {
	b.generation++
	b.counts.clear()

	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 {
			b.expiry = now.Add(b.cfg.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.cfg.Cooldown)
	default: // half-open has no timer, it resolves by probe outcomes
		b.expiry = time.Time{}
	}
}
