// Package outgoing delivers queued outgoing_messages rows to the configured
// endpoint on a fixed polling interval.
package outgoing

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sentinel-honeypot/relay/internal/domain"
	"github.com/sentinel-honeypot/relay/internal/events"
	"github.com/sentinel-honeypot/relay/internal/postgres"
	"github.com/sentinel-honeypot/relay/internal/webhook"
	"github.com/sentinel-honeypot/relay/pkg/poller"
	"github.com/sentinel-honeypot/relay/pkg/telemetry"
)

// HTTP transaction log entry types.
const (
	logRequest   = "request"
	logResponse  = "response"
	logError     = "error"
	logSimulated = "simulated_sent"
)

const commitTimeout = 5 * time.Second

// BatchResult summarises one ProcessBatch pass.
type BatchResult struct {
	Processed    int `json:"processed"`
	Sent         int `json:"sent"`
	Failed       int `json:"failed"`
	CommitFailed int `json:"commitFailed"`
	Interrupted  int `json:"interrupted,omitempty"`
}

// Worker drains queued rows. It assumes it is the only worker for the table:
// rows are not claimed, so two instances would deliver the same row twice.
type Worker struct {
	repo      postgres.OutgoingRepository
	poster    webhook.Poster
	events    events.Emitter
	httpLog   events.Sink
	endpoint  string
	apiKey    string
	timeout   time.Duration
	batchSize int
	interval  time.Duration
	logger    *slog.Logger
	loop      *poller.Loop
}

// Option configures a Worker.
type Option func(*Worker)

func WithEndpoint(u string) Option        { return func(w *Worker) { w.endpoint = u } }
func WithAPIKey(k string) Option          { return func(w *Worker) { w.apiKey = k } }
func WithTimeout(d time.Duration) Option  { return func(w *Worker) { w.timeout = d } }
func WithBatchSize(n int) Option          { return func(w *Worker) { w.batchSize = n } }
func WithInterval(d time.Duration) Option { return func(w *Worker) { w.interval = d } }
func WithLogger(l *slog.Logger) Option    { return func(w *Worker) { w.logger = l } }
func WithHTTPLog(s events.Sink) Option    { return func(w *Worker) { w.httpLog = s } }

// NewWorker constructs a Worker. Without an endpoint every row is marked
// sent without a network call.
func NewWorker(repo postgres.OutgoingRepository, poster webhook.Poster, emitter events.Emitter, opts ...Option) *Worker {
	if emitter == nil {
		emitter = events.Discard
	}
	w := &Worker{
		repo:      repo,
		poster:    poster,
		events:    emitter,
		timeout:   8 * time.Second,
		batchSize: 10,
		interval:  5 * time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.batchSize <= 0 {
		w.batchSize = 10
	}
	w.loop = poller.New("outgoing-worker", w.interval, w.pass,
		poller.WithLogger(w.logger),
		poller.WithErrorHandler(func(ctx context.Context, err error) {
			w.events.Emit(ctx, events.OutgoingWorkerError, map[string]any{"error": err.Error()})
		}),
	)
	return w
}

// ProcessBatch delivers up to limit queued rows, oldest first, committing
// each row's status before moving to the next. A non-positive limit uses the
// configured batch size. Only a failure to read the batch is returned.
func (w *Worker) ProcessBatch(ctx context.Context, limit int) (BatchResult, error) {
	if limit <= 0 {
		limit = w.batchSize
	}
	start := time.Now()
	defer func() {
		telemetry.OutgoingBatchDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	var res BatchResult
	rows, err := w.repo.ListQueued(ctx, limit)
	if err != nil {
		return res, err
	}

	for _, msg := range rows {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Processed++
		w.processRow(ctx, msg, &res)
	}

	if res.Processed > 0 {
		w.logger.Info("outgoing batch processed",
			slog.Int("processed", res.Processed),
			slog.Int("sent", res.Sent),
			slog.Int("failed", res.Failed),
			slog.Int("commit_failed", res.CommitFailed),
		)
	}
	return res, nil
}

func (w *Worker) processRow(ctx context.Context, msg *domain.OutgoingMessage, res *BatchResult) {
	ctx, span := otel.Tracer("outgoing").Start(ctx, "outgoing.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("outgoing.id", msg.ID),
		attribute.String("session.id", msg.SessionID),
	)

	base := func() map[string]any {
		return map[string]any{"id": msg.ID, "sessionId": msg.SessionID}
	}

	if w.endpoint == "" {
		telemetry.OutgoingAttempts.Inc()
		w.logHTTP(ctx, logSimulated, base())
		res.Sent++
		if w.commit(ctx, msg, domain.StatusSent, res) {
			w.events.Emit(ctx, events.OutgoingSentSimulated, base())
		}
		return
	}

	body, _ := json.Marshal(domain.OutgoingRequest{SessionID: msg.SessionID, Content: msg.Content})

	telemetry.OutgoingAttempts.Inc()
	attempt := base()
	attempt["endpoint"] = w.endpoint
	w.events.Emit(ctx, events.OutgoingAttempt, attempt)

	reqLog := base()
	reqLog["endpoint"] = w.endpoint
	reqLog["body"] = string(body)
	w.logHTTP(ctx, logRequest, reqLog)

	resp, err := w.poster.Post(ctx, webhook.Request{
		URL:     w.endpoint,
		APIKey:  w.apiKey,
		Body:    body,
		Timeout: w.timeout,
	})
	if resp.StatusCode != 0 {
		respLog := base()
		respLog["status"] = resp.StatusCode
		respLog["body"] = resp.Body
		w.logHTTP(ctx, logResponse, respLog)
	}
	if err != nil && ctx.Err() != nil {
		// Interrupted by shutdown: the row stays queued for the next run.
		w.logger.Info("outgoing delivery interrupted, row left queued",
			slog.Int64("id", msg.ID),
			slog.String("error", err.Error()),
		)
		span.SetStatus(codes.Error, "outgoing delivery interrupted")
		res.Interrupted++
		return
	}
	if err != nil {
		if resp.StatusCode == 0 {
			errLog := base()
			errLog["error"] = err.Error()
			w.logHTTP(ctx, logError, errLog)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "outgoing delivery failed")
		w.fail(ctx, msg, resp.StatusCode, err, res)
		return
	}

	res.Sent++
	telemetry.OutgoingSuccess.Inc()
	if w.commit(ctx, msg, domain.StatusSent, res) {
		ev := base()
		ev["status"] = resp.StatusCode
		w.events.Emit(ctx, events.OutgoingSent, ev)
	}
}

func (w *Worker) fail(ctx context.Context, msg *domain.OutgoingMessage, status int, err error, res *BatchResult) {
	res.Failed++
	telemetry.OutgoingFailure.Inc()
	w.logger.Warn("outgoing delivery failed",
		slog.Int64("id", msg.ID),
		slog.String("session_id", msg.SessionID),
		slog.String("error", err.Error()),
	)
	w.commit(ctx, msg, domain.StatusFailed, res)

	ev := map[string]any{"id": msg.ID, "sessionId": msg.SessionID, "error": err.Error()}
	if status != 0 {
		ev["status"] = status
	}
	w.events.Emit(ctx, events.OutgoingSendError, ev)
}

// commit persists the row's new status. The delivery already happened, so the
// write is detached from ctx cancellation.
func (w *Worker) commit(ctx context.Context, msg *domain.OutgoingMessage, status domain.OutgoingStatus, res *BatchResult) bool {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	if err := w.repo.UpdateStatus(cctx, msg.ID, status); err != nil {
		res.CommitFailed++
		w.logger.Error("failed to commit outgoing status",
			slog.Int64("id", msg.ID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
		w.events.Emit(ctx, events.OutgoingStatusCommitErr, map[string]any{
			"id":        msg.ID,
			"sessionId": msg.SessionID,
			"status":    string(status),
			"error":     err.Error(),
		})
		return false
	}
	msg.Status = status
	return true
}

func (w *Worker) logHTTP(ctx context.Context, kind string, payload map[string]any) {
	if w.httpLog == nil {
		return
	}
	if err := w.httpLog.Write(ctx, events.Event{Type: kind, Timestamp: time.Now().UTC(), Payload: payload}); err != nil {
		w.logger.Warn("http transaction log write failed", slog.String("error", err.Error()))
	}
}

func (w *Worker) pass(ctx context.Context) error {
	_, err := w.ProcessBatch(ctx, w.batchSize)
	return err
}

// Run processes batches on the configured interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.started(ctx)
	w.loop.Run(ctx)
}

// Start runs the loop in the background. Stop ends it. Starting a running
// worker is a no-op.
func (w *Worker) Start(ctx context.Context) {
	if w.loop.Start(ctx) {
		w.started(ctx)
	}
}

// Stop halts the background loop and waits for the in-flight batch to
// return. A row whose HTTP call is cut short stays queued.
func (w *Worker) Stop() { w.loop.Stop() }

func (w *Worker) started(ctx context.Context) {
	w.events.Emit(ctx, events.OutgoingWorkerStarted, map[string]any{
		"interval":           w.interval.Seconds(),
		"batchSize":          w.batchSize,
		"endpointConfigured": w.endpoint != "",
	})
	w.logger.Info("outgoing worker started",
		slog.Duration("interval", w.interval),
		slog.Int("batch_size", w.batchSize),
		slog.Bool("simulated", w.endpoint == ""),
	)
}
