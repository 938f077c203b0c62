// Package poller runs a function on a fixed interval for the life of a
// process, isolating each pass so that one failure never stops the loop.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// PassFunc is one iteration of a background loop.
type PassFunc func(ctx context.Context) error

// ErrorFunc receives the error (or recovered panic) of a failed pass.
type ErrorFunc func(ctx context.Context, err error)

// Loop runs Pass every Interval until stopped. The first pass runs
// immediately.
type Loop struct {
	name     string
	interval time.Duration
	pass     PassFunc
	onError  ErrorFunc
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Loop.
type Option func(*Loop)

func WithLogger(l *slog.Logger) Option    { return func(p *Loop) { p.logger = l } }
func WithErrorHandler(fn ErrorFunc) Option { return func(p *Loop) { p.onError = fn } }

// New builds a Loop. A non-positive interval falls back to one second.
func New(name string, interval time.Duration, pass PassFunc, opts ...Option) *Loop {
	if interval <= 0 {
		interval = time.Second
	}
	p := &Loop{
		name:     name,
		interval: interval,
		pass:     pass,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run blocks, executing passes until ctx is cancelled.
func (p *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.runPass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runPass(ctx)
		}
	}
}

// Start runs the loop in a background goroutine and reports whether it was
// started. Calling Start on a running loop is a no-op that returns false.
func (p *Loop) Start(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		return false
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done

	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	return true
}

// Stop cancels the context of the in-flight pass and waits for it to return.
func (p *Loop) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Interval returns the configured pass interval.
func (p *Loop) Interval() time.Duration { return p.interval }

func (p *Loop) runPass(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			p.fail(ctx, fmt.Errorf("%s: panic in pass: %v", p.name, rec))
		}
	}()

	if err := p.pass(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.fail(ctx, fmt.Errorf("%s: %w", p.name, err))
	}
}

func (p *Loop) fail(ctx context.Context, err error) {
	p.logger.Error("background pass failed",
		slog.String("loop", p.name),
		slog.String("error", err.Error()),
	)
	if p.onError != nil {
		p.onError(ctx, err)
	}
}
