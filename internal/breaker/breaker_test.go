package breaker_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-honeypot/relay/internal/breaker"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 28, 17, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBreaker_StartsClosed(t *testing.T) {
	b := breaker.New(3, time.Second)
	assert.Equal(t, breaker.StateClosed, b.State())
	assert.True(t, b.Allow())
	assert.Equal(t, 0, b.Failures())
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	clock := newFakeClock()
	b := breaker.New(3, 30*time.Second, breaker.WithClock(clock.Now))

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, breaker.StateClosed, b.State(), "below threshold stays closed")
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, breaker.StateOpen, b.State())
	assert.False(t, b.Allow(), "open breaker must reject")
	assert.GreaterOrEqual(t, b.Failures(), 3)
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	clock := newFakeClock()
	b := breaker.New(2, 30*time.Second, breaker.WithClock(clock.Now))
	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, breaker.StateOpen, b.State())

	clock.Advance(30 * time.Second)
	assert.False(t, b.Allow(), "elapsed must strictly exceed the reset timeout")
	assert.Equal(t, breaker.StateOpen, b.State())

	clock.Advance(time.Millisecond)
	assert.True(t, b.Allow())
	assert.Equal(t, breaker.StateHalfOpen, b.State())
	assert.True(t, b.Allow(), "half-open keeps allowing until a result is recorded")
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := breaker.New(2, time.Second, breaker.WithClock(clock.Now))
	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(2 * time.Second)
	require.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, breaker.StateOpen, b.State())
	assert.False(t, b.Allow(), "reset window restarts from the latest failure")
}

func TestBreaker_SuccessCloses(t *testing.T) {
	clock := newFakeClock()
	b := breaker.New(1, time.Second, breaker.WithClock(clock.Now))
	b.RecordFailure()
	require.Equal(t, breaker.StateOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, breaker.StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())
	assert.True(t, b.Allow())
}

func TestBreaker_StateChangeListener(t *testing.T) {
	clock := newFakeClock()
	var transitions [][2]breaker.State
	b := breaker.New(1, time.Second,
		breaker.WithClock(clock.Now),
		breaker.WithStateChangeListener(func(from, to breaker.State) {
			transitions = append(transitions, [2]breaker.State{from, to})
		}),
	)

	b.RecordFailure()
	b.RecordFailure() // already open, no transition
	clock.Advance(2 * time.Second)
	b.Allow()
	b.RecordSuccess()
	b.RecordSuccess() // already closed, no transition

	assert.Equal(t, [][2]breaker.State{
		{breaker.StateClosed, breaker.StateOpen},
		{breaker.StateOpen, breaker.StateHalfOpen},
		{breaker.StateHalfOpen, breaker.StateClosed},
	}, transitions)
}

func TestBreaker_ConcurrentFailuresAreNotLost(t *testing.T) {
	b := breaker.New(1_000_000, time.Minute)

	const goroutines, perG = 16, 500
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				b.Allow()
				b.RecordFailure()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, goroutines*perG, b.Failures())
}

func TestBreaker_ZeroThresholdDefaultsToOne(t *testing.T) {
	b := breaker.New(0, time.Minute)
	b.RecordFailure()
	assert.Equal(t, breaker.StateOpen, b.State())
}

func TestBreaker_Snapshot(t *testing.T) {
	clock := newFakeClock()
	b := breaker.New(5, 30*time.Second, breaker.WithClock(clock.Now))
	b.RecordFailure()

	snap := b.Snapshot()
	assert.Equal(t, breaker.StateClosed, snap.State)
	assert.Equal(t, 1, snap.FailCount)
	assert.Equal(t, clock.Now(), snap.LastFailure)
	assert.Equal(t, 5, snap.Threshold)
	assert.Equal(t, 30*time.Second, snap.ResetTimeout)
}
