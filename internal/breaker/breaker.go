// Package breaker implements a consecutive-failure circuit breaker that gates
// calls to a single external dependency.
//
// The breaker never returns errors. Callers ask Allow before an attempt and
// report the attempt's result with RecordSuccess or RecordFailure.
package breaker

import (
	"sync"
	"time"
)

// State represents circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// StateChangeListener is notified after the breaker changes state.
// It is invoked outside the breaker's lock.
type StateChangeListener func(from, to State)

// Breaker is safe for concurrent use.
type Breaker struct {
	mu          sync.Mutex
	failCount   int
	state       State
	lastFailure time.Time

	threshold    int
	resetTimeout time.Duration
	now          func() time.Time
	listeners    []StateChangeListener
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(b *Breaker) { b.now = now } }

// WithStateChangeListener registers fn for every state transition.
func WithStateChangeListener(fn StateChangeListener) Option {
	return func(b *Breaker) {
		if fn != nil {
			b.listeners = append(b.listeners, fn)
		}
	}
}

// New returns a closed breaker that opens after threshold consecutive
// failures and permits a trial call once resetTimeout has elapsed since the
// last failure.
func New(threshold int, resetTimeout time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	b := &Breaker{
		state:        StateClosed,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a new attempt may be made. An open breaker whose
// reset timeout has elapsed moves to half-open and allows the call.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	if b.state != StateOpen {
		b.mu.Unlock()
		return true
	}
	if b.now().Sub(b.lastFailure) <= b.resetTimeout {
		b.mu.Unlock()
		return false
	}
	from := b.transition(StateHalfOpen)
	b.mu.Unlock()

	b.notify(from, StateHalfOpen)
	return true
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failCount = 0
	from := b.transition(StateClosed)
	b.mu.Unlock()

	b.notify(from, StateClosed)
}

// RecordFailure counts a failed attempt and opens the breaker once the
// threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.failCount++
	b.lastFailure = b.now()
	from, to := b.state, b.state
	if b.failCount >= b.threshold {
		to = StateOpen
		from = b.transition(StateOpen)
	}
	b.mu.Unlock()

	b.notify(from, to)
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the number of consecutive failures since the last success.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failCount
}

// Snapshot is a point-in-time copy of the breaker's fields.
type Snapshot struct {
	State        State         `json:"state"`
	FailCount    int           `json:"failCount"`
	LastFailure  time.Time     `json:"lastFailureTime"`
	Threshold    int           `json:"failThreshold"`
	ResetTimeout time.Duration `json:"resetTimeout"`
}

// Snapshot returns a consistent copy of the breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:        b.state,
		FailCount:    b.failCount,
		LastFailure:  b.lastFailure,
		Threshold:    b.threshold,
		ResetTimeout: b.resetTimeout,
	}
}

// transition must be called with mu held. It returns the previous state.
func (b *Breaker) transition(to State) State {
	from := b.state
	b.state = to
	return from
}

func (b *Breaker) notify(from, to State) {
	if from == to {
		return
	}
	for _, fn := range b.listeners {
		fn(from, to)
	}
}
