// Package circuit stops calling a dependency that keeps failing. The archive
// uses it so that an unreachable object store is probed once per cooldown
// instead of on every rotated file.
package circuit

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/stickypool/stickypool/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets every call through
	StateClosed State = iota
	// StateOpen rejects calls until the cooldown has passed
	StateOpen
	// StateHalfOpen lets a single probe through
	StateHalfOpen
)

// String returns string representation of state
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

// ErrOpen is returned for calls rejected without running.
var ErrOpen = stderrors.New("circuit breaker is open")

// Config contains circuit breaker configuration
type Config struct {
	// MaxFailures is the number of consecutive failures that opens the circuit
	MaxFailures int `yaml:"max_failures"`

	// Cooldown is how long the circuit stays open before a probe
	Cooldown time.Duration `yaml:"cooldown"`

	// OnStateChange is called with the breaker's lock released
	OnStateChange func(name string, from, to State) `yaml:"-"`
}

// Counts holds call outcomes since the last state change
type Counts struct {
	Calls               int       `json:"calls"`
	Failures            int       `json:"failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Rejected            int       `json:"rejected"`
	LastFailure         time.Time `json:"last_failure"`
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	name   string
	config Config
	now    func() time.Time

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker
func NewBreaker(name string, config Config) *Breaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = time.Minute
	}
	return &Breaker{name: name, config: config, now: time.Now}
}

// Execute runs fn unless the circuit is open. A canceled context is not
// counted as a failure of the dependency.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn(ctx)
	b.after(err, ctx.Err() != nil)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	from := b.state
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.config.Cooldown {
		b.state = StateHalfOpen
	}

	switch {
	case b.state == StateOpen, b.state == StateHalfOpen && b.probing:
		b.counts.Rejected++
		b.mu.Unlock()
		return errors.Wrap(errors.ErrCodeArchiveFailed, ErrOpen, "call rejected").
			WithComponent("circuit").
			WithDetail("breaker", b.name)
	case b.state == StateHalfOpen:
		b.probing = true
	}
	b.counts.Calls++
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return nil
}

func (b *Breaker) after(err error, canceled bool) {
	b.mu.Lock()
	from := b.state
	b.probing = false

	switch {
	case err == nil:
		b.counts.ConsecutiveFailures = 0
		if b.state == StateHalfOpen {
			b.reset(StateClosed)
		}
	case canceled:
		if b.state == StateHalfOpen {
			b.state = StateOpen
		}
	default:
		b.counts.Failures++
		b.counts.ConsecutiveFailures++
		b.counts.LastFailure = b.now()
		if b.state == StateHalfOpen || b.counts.ConsecutiveFailures >= b.config.MaxFailures {
			b.reset(StateOpen)
			b.openedAt = b.now()
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// reset must be called with b.mu held.
func (b *Breaker) reset(state State) {
	b.state = state
	b.counts = Counts{}
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, from, to)
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.config.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Counts returns a copy of the current counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Name returns the name of the breaker
func (b *Breaker) Name() string {
	return b.name
}
