// Package breaker isolates calls to dependencies that fail independently of
// the caller, such as a remote policy backend or an audit sink.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
)

// ErrOpen is matched by every *OpenError.
var ErrOpen = errors.New("circuit breaker open")

type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q open, retry after %s", e.Name, e.RetryAfter)
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

type Config struct {
	Name             string
	FailureThreshold int
	RecoveryTimeout  time.Duration
	// Timeout bounds each protected call. A call that overruns counts as
	// a failure.
	Timeout time.Duration
	Now     func() time.Time
	// OnStateChange runs with the breaker locked and must not call back
	// into it.
	OnStateChange func(name string, from, to State)
}

type Snapshot struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

type Breaker struct {
	cfg Config

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	return &Breaker{cfg: cfg}
}

func (b *Breaker) Name() string { return b.cfg.Name }

// Execute runs fn unless the breaker is open. Errors from fn are returned
// unchanged; an open breaker returns an *OpenError. A panic in fn is
// recorded as a failure and then propagates to the caller.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	callCtx := ctx
	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}
	released := false
	defer func() {
		if !released {
			b.release(ctx, fmt.Errorf("breaker %s: call did not return", b.cfg.Name))
		}
	}()
	err := fn(callCtx)
	if err == nil && callCtx.Err() == context.DeadlineExceeded {
		err = callCtx.Err()
	}
	released = true
	b.release(ctx, err)
	return err
}

// Call is Execute for functions that produce a value.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		elapsed := b.cfg.Now().Sub(b.openedAt)
		if elapsed < b.cfg.RecoveryTimeout {
			return &OpenError{Name: b.cfg.Name, RetryAfter: b.cfg.RecoveryTimeout - elapsed}
		}
		b.transitionLocked(HalfOpen)
		b.trial = true
		return nil
	case HalfOpen:
		if b.trial {
			return &OpenError{Name: b.cfg.Name}
		}
		b.trial = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) release(parent context.Context, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// The caller gave up; that says nothing about the dependency.
	if err != nil && parent.Err() == context.Canceled {
		if b.state == HalfOpen {
			b.trial = false
		}
		return
	}
	if err == nil {
		b.failures = 0
		if b.state == HalfOpen {
			b.trial = false
			b.transitionLocked(Closed)
		}
		return
	}
	switch b.state {
	case HalfOpen:
		b.trial = false
		b.openedAt = b.cfg.Now()
		b.transitionLocked(Open)
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = b.cfg.Now()
			b.transitionLocked(Open)
		}
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == Closed {
		b.failures = 0
		b.openedAt = time.Time{}
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State reports the current state. An open breaker whose recovery timeout
// has elapsed still reports Open until the next call probes it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:                b.cfg.Name,
		State:               b.state.String(),
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
	}
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trial = false
	b.failures = 0
	b.transitionLocked(Closed)
}
