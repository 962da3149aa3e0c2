// Package breaker provides a circuit breaker for calls into degradable
// dependencies (the database and the outbound messaging client).
//
// The breaker trips open after a run of consecutive failures, fails fast while
// open, and half-opens after a cooldown to probe recovery with a single trial
// call. Each protected resource gets its own Breaker instance, created by the
// application container so tests can run isolated instances.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the current circuit breaker state.
type State string

const (
	// StateClosed allows all calls through.
	StateClosed State = "CLOSED"
	// StateOpen fails all calls fast without invoking the operation.
	StateOpen State = "OPEN"
	// StateHalfOpen admits a single trial call after the cooldown.
	StateHalfOpen State = "HALF_OPEN"
)

// Default configuration values.
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
)

// OpenError is returned when a call is rejected because the breaker is open.
// It is a distinct error kind so callers can skip-and-report instead of
// retrying into a degraded dependency.
type OpenError struct {
	Name       string
	OpenedAt   time.Time
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (retry after %s)", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// IsOpen reports whether err is a breaker-open rejection.
func IsOpen(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe)
}

// Status is a point-in-time snapshot of the breaker state.
type Status struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	FailureThreshold    int       `json:"failure_threshold"`
	CooldownMs          int64     `json:"cooldown_ms"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

// Opts holds configuration options for a Breaker.
type Opts struct {
	FailureThreshold int
	Cooldown         time.Duration
	Now              func() time.Time
}

// Option defines a configuration option for a Breaker.
type Option func(*Opts)

// WithFailureThreshold sets the consecutive-failure count that trips the breaker.
func WithFailureThreshold(n int) Option {
	return func(o *Opts) {
		o.FailureThreshold = n
	}
}

// WithCooldown sets how long the breaker stays open before half-opening.
func WithCooldown(d time.Duration) Option {
	return func(o *Opts) {
		o.Cooldown = d
	}
}

// WithClock overrides the time source (used by tests).
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Breaker wraps calls to a single protected resource. All state transitions
// are atomic with respect to concurrent callers.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu           sync.Mutex
	state        State
	failures     int
	openedAt     time.Time
	lastError    string
	trialPending bool
}

// New creates a closed Breaker for the named resource.
func New(name string, opts ...Option) *Breaker {
	cfg := Opts{
		FailureThreshold: DefaultFailureThreshold,
		Cooldown:         DefaultCooldown,
		Now:              time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	return &Breaker{
		name:      name,
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.Cooldown,
		now:       cfg.Now,
		state:     StateClosed,
	}
}

// Execute runs op through the breaker. While open and before the cooldown
// elapses it returns an *OpenError without invoking op. In half-open state
// exactly one trial call is admitted; concurrent calls during the trial are
// rejected as open.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := op(ctx)
	if err != nil {
		b.recordFailure(err)
		return err
	}
	b.recordSuccess()
	return nil
}

// admit decides whether a call may proceed, transitioning OPEN to HALF_OPEN
// once the cooldown has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.cooldown {
			return &OpenError{Name: b.name, OpenedAt: b.openedAt, RetryAfter: b.cooldown - elapsed}
		}
		b.state = StateHalfOpen
		b.trialPending = true
		slog.Info("Breaker.admit: cooldown elapsed, half-opening", "name", b.name)
		return nil
	case StateHalfOpen:
		if b.trialPending {
			return &OpenError{Name: b.name, OpenedAt: b.openedAt, RetryAfter: 0}
		}
		b.trialPending = true
		return nil
	}
	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		slog.Info("Breaker.recordSuccess: trial call succeeded, closing", "name", b.name)
	}
	b.state = StateClosed
	b.failures = 0
	b.lastError = ""
	b.trialPending = false
}

func (b *Breaker) recordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastError = err.Error()
	b.trialPending = false

	if b.state == StateHalfOpen || b.failures >= b.threshold {
		if b.state != StateOpen {
			slog.Warn("Breaker.recordFailure: tripping open", "name", b.name, "consecutiveFailures", b.failures, "error", err)
		}
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// Status returns a snapshot of the breaker state.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Status{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		FailureThreshold:    b.threshold,
		CooldownMs:          b.cooldown.Milliseconds(),
		OpenedAt:            b.openedAt,
		LastError:           b.lastError,
	}
}

// Reset forces the breaker closed and zeroes the failure count. This is the
// administrative escape hatch exposed through the API for manual recovery.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	slog.Info("Breaker.Reset: manual reset", "name", b.name, "previousState", b.state)
	b.state = StateClosed
	b.failures = 0
	b.lastError = ""
	b.trialPending = false
	b.openedAt = time.Time{}
}
