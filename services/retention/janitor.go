// Package retention purges rotated log archives on a cron schedule.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultSchedule = "@daily"
	DefaultMaxAge   = 90 * 24 * time.Hour
)

// PurgeResult summarises one purge pass.
type PurgeResult struct {
	Scanned int `json:"scanned"`
	Removed int `json:"removed"`
}

// Janitor deletes files older than maxAge from a set of archive directories.
type Janitor struct {
	dirs     []string
	maxAge   time.Duration
	schedule string
	now      func() time.Time
	logger   *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// Option configures a Janitor.
type Option func(*Janitor)

func WithSchedule(spec string) Option       { return func(j *Janitor) { j.schedule = spec } }
func WithLogger(l *slog.Logger) Option      { return func(j *Janitor) { j.logger = l } }
func WithClock(now func() time.Time) Option { return func(j *Janitor) { j.now = now } }

// NewJanitor creates a Janitor for dirs. Missing directories are skipped on each pass.
func NewJanitor(dirs []string, maxAge time.Duration, opts ...Option) *Janitor {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	j := &Janitor{
		dirs:     dirs,
		maxAge:   maxAge,
		schedule: DefaultSchedule,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// RunOnce removes every regular file whose modification time is older than
// maxAge. Errors on individual files are logged and the pass continues.
func (j *Janitor) RunOnce(ctx context.Context) (PurgeResult, error) {
	var res PurgeResult
	cutoff := j.now().Add(-j.maxAge)

	for _, dir := range j.dirs {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return res, fmt.Errorf("read archive dir %s: %w", dir, err)
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if !e.Type().IsRegular() {
				continue
			}
			res.Scanned++
			info, err := e.Info()
			if err != nil {
				continue
			}
			if !info.ModTime().Before(cutoff) {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				j.logger.Warn("remove archived log failed", slog.String("file", path), slog.String("error", err.Error()))
				continue
			}
			res.Removed++
		}
	}

	j.logger.Info("retention pass complete",
		slog.Int("scanned", res.Scanned),
		slog.Int("removed", res.Removed),
		slog.Duration("max_age", j.maxAge),
	)
	return res, nil
}

// Start schedules RunOnce with the configured cron spec.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(j.schedule, func() {
		if _, err := j.RunOnce(ctx); err != nil {
			j.logger.Error("retention pass failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("parse retention schedule %q: %w", j.schedule, err)
	}
	c.Start()
	j.cron = c
	j.logger.Info("retention scheduled", slog.String("schedule", j.schedule), slog.Int("dirs", len(j.dirs)))
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
