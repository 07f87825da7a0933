package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned without calling the wrapped function while the circuit is open.
var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

type Options struct {
	// FailureThreshold failures inside MonitoringPeriod open the circuit.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before a probe is allowed.
	Timeout time.Duration
	// MonitoringPeriod bounds how old a counted failure may be.
	MonitoringPeriod time.Duration
	// CallTimeout, when set, bounds each call; exceeding it counts as a failure.
	CallTimeout time.Duration

	// OnStateChange is called outside the lock after every transition.
	OnStateChange func(name string, from, to State)
	Now           func() time.Time
}

func DefaultOptions() Options {
	return Options{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
		MonitoringPeriod: 2 * time.Minute,
	}
}

// Breaker guards one dependency. Safe for concurrent use.
type Breaker struct {
	name string
	opts Options

	mu          sync.Mutex
	state       State
	failures    []time.Time
	successes   int
	nextAttempt time.Time
}

func New(name string, opts Options) *Breaker {
	def := DefaultOptions()
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = def.FailureThreshold
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = def.SuccessThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.MonitoringPeriod <= 0 {
		opts.MonitoringPeriod = def.MonitoringPeriod
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breaker{name: name, opts: opts, state: Closed}
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// NextAttempt is the earliest instant an open circuit admits a probe.
func (b *Breaker) NextAttempt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextAttempt
}

// Execute runs fn unless the circuit is open. The error from fn is returned
// unchanged; a rejected call returns an error wrapping ErrOpen.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	callCtx := ctx
	if b.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.opts.CallTimeout)
		defer cancel()
	}

	err := fn(callCtx)
	if err == nil && callCtx.Err() != nil {
		// fn ignored its deadline
		err = callCtx.Err()
	}
	if err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	if b.state != Open {
		b.mu.Unlock()
		return nil
	}
	now := b.opts.Now()
	if now.Before(b.nextAttempt) {
		next := b.nextAttempt
		b.mu.Unlock()
		return fmt.Errorf("%s: %w until %s", b.name, ErrOpen, next.Format(time.RFC3339))
	}
	from := b.transition(HalfOpen)
	b.mu.Unlock()
	b.notify(from, HalfOpen)
	return nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	if b.state != HalfOpen {
		b.mu.Unlock()
		return
	}
	b.successes++
	if b.successes < b.opts.SuccessThreshold {
		b.mu.Unlock()
		return
	}
	from := b.transition(Closed)
	b.mu.Unlock()
	b.notify(from, Closed)
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	now := b.opts.Now()

	switch b.state {
	case HalfOpen:
		b.nextAttempt = now.Add(b.opts.Timeout)
		from := b.transition(Open)
		b.mu.Unlock()
		b.notify(from, Open)
		return

	case Closed:
		b.failures = append(b.failures, now)
		b.prune(now)
		if len(b.failures) >= b.opts.FailureThreshold {
			b.nextAttempt = now.Add(b.opts.Timeout)
			from := b.transition(Open)
			b.mu.Unlock()
			b.notify(from, Open)
			return
		}
	}
	b.mu.Unlock()
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.opts.MonitoringPeriod)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) State {
	from := b.state
	b.state = to
	b.successes = 0
	if to == Closed || to == HalfOpen {
		b.failures = b.failures[:0]
	}
	return from
}

func (b *Breaker) notify(from, to State) {
	if b.opts.OnStateChange != nil && from != to {
		b.opts.OnStateChange(b.name, from, to)
	}
}

// Reset forces the circuit closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.transition(Closed)
	b.nextAttempt = time.Time{}
	b.mu.Unlock()
	b.notify(from, Closed)
}
