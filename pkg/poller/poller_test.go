package poller_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-honeypot/relay/pkg/poller"
)

func TestLoop_RunsFirstPassImmediately(t *testing.T) {
	var calls atomic.Int32
	loop := poller.New("test", time.Hour, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	loop.Start(context.Background())
	defer loop.Stop()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestLoop_KeepsRunningAfterErrorsAndPanics(t *testing.T) {
	var calls atomic.Int32
	var mu sync.Mutex
	var failures []error

	loop := poller.New("test", 5*time.Millisecond, func(context.Context) error {
		n := calls.Add(1)
		switch n {
		case 1:
			return errors.New("store outage")
		case 2:
			panic("bad payload")
		}
		return nil
	}, poller.WithErrorHandler(func(_ context.Context, err error) {
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
	}))

	loop.Start(context.Background())
	require.Eventually(t, func() bool { return calls.Load() >= 4 }, 2*time.Second, 5*time.Millisecond)
	loop.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failures, 2)
	assert.Contains(t, failures[0].Error(), "store outage")
	assert.Contains(t, failures[1].Error(), "panic")
}

func TestLoop_StopWaitsAndHaltsPasses(t *testing.T) {
	var calls atomic.Int32
	loop := poller.New("test", 2*time.Millisecond, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	loop.Start(context.Background())
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
	loop.Stop()

	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, calls.Load(), "no passes after Stop returns")
}

func TestLoop_StartTwiceIsNoop(t *testing.T) {
	var calls atomic.Int32
	loop := poller.New("test", time.Hour, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	assert.True(t, loop.Start(context.Background()))
	assert.False(t, loop.Start(context.Background()))
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, time.Millisecond)
	loop.Stop()
	loop.Stop()

	assert.Equal(t, int32(1), calls.Load())
}

func TestLoop_DefaultInterval(t *testing.T) {
	loop := poller.New("test", 0, func(context.Context) error { return nil })
	assert.Equal(t, time.Second, loop.Interval())
}
