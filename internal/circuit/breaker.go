package circuit

import (
	"context"
	"sync"
	"time"

	cerrors "github.com/restopos/datacache/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets every call through
	StateClosed State = iota
	// StateOpen rejects calls until the open timeout passes
	StateOpen
	// StateHalfOpen lets a limited number of trial calls through
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	// FailureThreshold consecutive failures open the breaker
	FailureThreshold uint32

	// OpenTimeout is how long the breaker stays open before trying again
	OpenTimeout time.Duration

	// HalfOpenRequests is the number of trial calls allowed while half-open
	HalfOpenRequests uint32

	// IsFailure decides whether an error counts against the breaker.
	// Defaults to every non-nil error.
	IsFailure func(err error) bool

	// OnStateChange is called with the breaker lock held; it must not call back
	OnStateChange func(name string, from, to State)
}

// Counts holds the calls seen in the current state
type Counts struct {
	Requests             uint32 `json:"requests"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
}

// Breaker stops calling a failing dependency for a while so callers fail
// fast instead of waiting on timeouts
type Breaker struct {
	name   string
	config Config
	now    func() time.Time

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
}

// New creates a closed breaker
func New(name string, config Config) *Breaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = 1
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool { return err != nil }
	}
	return &Breaker{name: name, config: config, now: time.Now}
}

// Execute runs fn unless the breaker is open. A rejected call returns a
// STORAGE_UNAVAILABLE error without running fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}
	err := fn(ctx)
	b.afterCall(err)
	return err
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateOpen:
		return b.rejected("circuit breaker is open")
	case StateHalfOpen:
		if b.counts.Requests >= b.config.HalfOpenRequests {
			return b.rejected("circuit breaker is half-open and trial calls are in flight")
		}
	}
	b.counts.Requests++
	return nil
}

func (b *Breaker) afterCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState()
	if err == nil || !b.config.IsFailure(err) {
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.config.HalfOpenRequests {
			b.setState(StateClosed)
		}
		return
	}

	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	}
}

// currentState moves an expired open breaker to half-open; lock held
func (b *Breaker) currentState() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.config.OpenTimeout {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(state State) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.counts = Counts{}
	if state == StateOpen {
		b.openedAt = b.now()
	}
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

func (b *Breaker) rejected(message string) error {
	return cerrors.NewError(cerrors.ErrCodeUnavailable, message).
		WithComponent("circuit").
		WithContext("breaker", b.name)
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// Counts returns a copy of the counts for the current state
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.counts = Counts{}
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.name
}
