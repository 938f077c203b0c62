// Package filequeue is a durable, directory-backed queue of callback payloads
// that exhausted their in-process retries.
//
// Each payload is one file named by a zero-padded millisecond timestamp, so
// lexical order is enqueue order. Files are deleted only after a successful
// delivery; a failed delivery leaves the file for the next drain.
package filequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sentinel-honeypot/relay/internal/domain"
	"github.com/sentinel-honeypot/relay/internal/events"
	"github.com/sentinel-honeypot/relay/pkg/poller"
	"github.com/sentinel-honeypot/relay/pkg/telemetry"
)

const fileExt = ".json"

// Deliverer makes a single delivery attempt for a queued payload and returns
// the HTTP status code, if any.
type Deliverer interface {
	Deliver(ctx context.Context, payload []byte) (int, error)
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, payload []byte) (int, error)

func (f DelivererFunc) Deliver(ctx context.Context, payload []byte) (int, error) { return f(ctx, payload) }

// DrainResult summarises one drain pass.
type DrainResult struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

// Queue is safe for concurrent Enqueue calls within one process. Drains must
// not overlap across processes; no file locking is done.
type Queue struct {
	dir       string
	deliverer Deliverer
	events    events.Emitter
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	lastKey int64
	drainMu sync.Mutex
	loop    *poller.Loop
}

// Option configures a Queue.
type Option func(*Queue)

func WithInterval(d time.Duration) Option   { return func(q *Queue) { q.interval = d } }
func WithLogger(l *slog.Logger) Option      { return func(q *Queue) { q.logger = l } }
func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

// New returns a Queue rooted at dir. The directory is created on first
// enqueue. Default drain interval is 30s.
func New(dir string, d Deliverer, emitter events.Emitter, opts ...Option) *Queue {
	if emitter == nil {
		emitter = events.Discard
	}
	q := &Queue{
		dir:       dir,
		deliverer: d,
		events:    emitter,
		interval:  30 * time.Second,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.loop = poller.New("callback-queue", q.interval, q.pass,
		poller.WithLogger(q.logger),
		poller.WithErrorHandler(func(ctx context.Context, err error) {
			q.events.Emit(ctx, events.CallbackQueueWorkerErr, map[string]any{"error": err.Error()})
		}),
	)
	return q
}

// Dir returns the queue directory.
func (q *Queue) Dir() string { return q.dir }

// Enqueue writes payload to a new file and returns its path. The write goes
// through a temp file and a rename so a drain never sees a partial payload.
func (q *Queue) Enqueue(ctx context.Context, payload []byte) (string, error) {
	if !json.Valid(payload) {
		return "", &domain.InvalidPayloadError{Reason: "queued payload is not valid JSON"}
	}
	if err := os.MkdirAll(q.dir, 0o755); err != nil {
		return "", fmt.Errorf("create queue directory: %w", err)
	}

	q.mu.Lock()
	path, err := q.write(payload)
	q.mu.Unlock()
	if err != nil {
		return "", err
	}

	telemetry.CallbackQueueDepth.Inc()
	q.events.Emit(ctx, events.CallbackEnqueued, map[string]any{
		"file":      path,
		"sessionId": domain.SessionIDOf(payload),
	})
	q.logger.Info("callback enqueued", slog.String("file", path))
	return path, nil
}

// write must be called with mu held.
func (q *Queue) write(payload []byte) (string, error) {
	key := q.now().UnixMilli()
	if key <= q.lastKey {
		key = q.lastKey + 1
	}
	path := q.pathFor(key)
	for {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			break
		}
		key++
		path = q.pathFor(key)
	}

	tmp, err := os.CreateTemp(q.dir, ".enqueue-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(payload); err != nil {
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("rename queue file: %w", err)
	}

	q.lastKey = key
	return path, nil
}

func (q *Queue) pathFor(key int64) string {
	return filepath.Join(q.dir, fmt.Sprintf("%013d%s", key, fileExt))
}

// Files lists queued payload paths in enqueue order. A missing directory is
// an empty queue.
func (q *Queue) Files() ([]string, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list queue directory: %w", err)
	}
	// ReadDir returns entries sorted by name.
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
			continue
		}
		out = append(out, filepath.Join(q.dir, name))
	}
	return out, nil
}

// Depth returns the number of queued payloads.
func (q *Queue) Depth() (int, error) {
	files, err := q.Files()
	return len(files), err
}

// DrainOnce attempts every queued file once, oldest first. A failed file is
// left in place and the drain moves on. Draining an empty queue emits nothing.
func (q *Queue) DrainOnce(ctx context.Context) (DrainResult, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	var res DrainResult
	files, err := q.Files()
	if err != nil {
		return res, err
	}

	for i, path := range files {
		if ctx.Err() != nil {
			res.Remaining = len(files) - i + res.Failed
			telemetry.CallbackQueueDepth.Set(float64(res.Remaining))
			return res, ctx.Err()
		}
		res.Processed++
		if q.drainFile(ctx, path) {
			res.Sent++
		} else {
			res.Failed++
		}
	}

	res.Remaining = res.Failed
	telemetry.CallbackQueueDepth.Set(float64(res.Remaining))
	if res.Processed > 0 {
		q.logger.Info("callback queue drained",
			slog.Int("processed", res.Processed),
			slog.Int("sent", res.Sent),
			slog.Int("failed", res.Failed),
		)
	}
	return res, nil
}

func (q *Queue) drainFile(ctx context.Context, path string) bool {
	payload, err := os.ReadFile(path)
	if err != nil {
		q.fail(ctx, path, "", 0, fmt.Errorf("read queue file: %w", err))
		return false
	}
	sessionID := domain.SessionIDOf(payload)
	if !json.Valid(payload) {
		q.fail(ctx, path, sessionID, 0, &domain.InvalidPayloadError{Reason: "queued payload is not valid JSON"})
		return false
	}
	if q.deliverer == nil {
		q.fail(ctx, path, sessionID, 0, errors.New("no deliverer configured"))
		return false
	}

	status, err := q.deliverer.Deliver(ctx, payload)
	if err != nil {
		q.fail(ctx, path, sessionID, status, err)
		return false
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		// Delivered but still on disk: the next drain will send it again.
		q.logger.Error("failed to remove delivered queue file",
			slog.String("file", path),
			slog.String("error", err.Error()),
		)
	}
	q.events.Emit(ctx, events.CallbackSentFromQueue, map[string]any{
		"file":      path,
		"sessionId": sessionID,
		"status":    status,
	})
	return true
}

func (q *Queue) fail(ctx context.Context, path, sessionID string, status int, err error) {
	q.logger.Warn("queued callback delivery failed",
		slog.String("file", path),
		slog.String("error", err.Error()),
	)
	payload := map[string]any{
		"file":      path,
		"sessionId": sessionID,
		"error":     err.Error(),
	}
	if status != 0 {
		payload["status"] = status
	}
	q.events.Emit(ctx, events.CallbackQueueError, payload)
}

func (q *Queue) pass(ctx context.Context) error {
	_, err := q.DrainOnce(ctx)
	return err
}

// Run drains on the configured interval until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	q.started(ctx)
	q.loop.Run(ctx)
}

// Start runs the drain loop in the background. Stop ends it. Starting a
// running queue is a no-op.
func (q *Queue) Start(ctx context.Context) {
	if q.loop.Start(ctx) {
		q.started(ctx)
	}
}

// Stop halts the background loop and waits for an in-flight pass.
func (q *Queue) Stop() { q.loop.Stop() }

func (q *Queue) started(ctx context.Context) {
	q.events.Emit(ctx, events.CallbackWorkerStarted, map[string]any{
		"interval": q.interval.Seconds(),
		"dir":      q.dir,
	})
	q.logger.Info("callback queue worker started",
		slog.String("dir", q.dir),
		slog.Duration("interval", q.interval),
	)
}
