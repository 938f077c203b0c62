// Package callback delivers final-result payloads to the configured callback
// endpoint, gated by a circuit breaker and backed by a persistent queue.
package callback

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sentinel-honeypot/relay/internal/domain"
	"github.com/sentinel-honeypot/relay/internal/events"
	"github.com/sentinel-honeypot/relay/internal/webhook"
	"github.com/sentinel-honeypot/relay/pkg/retry"
	"github.com/sentinel-honeypot/relay/pkg/telemetry"
)

// Gate is the circuit breaker as seen by the sender.
type Gate interface {
	Allow() bool
	RecordSuccess()
	RecordFailure()
}

// Enqueuer durably stores a payload that could not be delivered.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload []byte) (string, error)
}

// Result describes what Send did with a payload.
type Result struct {
	Outcome    domain.DeliveryOutcome `json:"status"`
	DeliveryID string                 `json:"deliveryId"`
	Attempts   int                    `json:"attempts"`
	StatusCode int                    `json:"code,omitempty"`
	QueueFile  string                 `json:"queueFile,omitempty"`
}

// Sender posts payloads with bounded retries.
type Sender struct {
	poster      webhook.Poster
	gate        Gate
	queue       Enqueuer
	events      events.Emitter
	url         string
	apiKey      string
	timeout     time.Duration
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// Option configures a Sender.
type Option func(*Sender)

func WithURL(u string) Option              { return func(s *Sender) { s.url = u } }
func WithAPIKey(k string) Option           { return func(s *Sender) { s.apiKey = k } }
func WithTimeout(d time.Duration) Option   { return func(s *Sender) { s.timeout = d } }
func WithMaxAttempts(n int) Option         { return func(s *Sender) { s.maxAttempts = n } }
func WithBaseDelay(d time.Duration) Option { return func(s *Sender) { s.baseDelay = d } }
func WithLogger(l *slog.Logger) Option     { return func(s *Sender) { s.logger = l } }

// NewSender wires a Sender. Defaults: 5s timeout, 3 attempts, 1s base delay.
func NewSender(poster webhook.Poster, gate Gate, queue Enqueuer, emitter events.Emitter, opts ...Option) *Sender {
	if emitter == nil {
		emitter = events.Discard
	}
	s := &Sender{
		poster:      poster,
		gate:        gate,
		queue:       queue,
		events:      emitter,
		timeout:     5 * time.Second,
		maxAttempts: 3,
		baseDelay:   time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = 1
	}
	return s
}

// URL returns the configured destination.
func (s *Sender) URL() string { return s.url }

// Send delivers payload, retrying with exponential backoff. When every
// attempt fails the payload is handed to the queue. Send never returns an
// error: every failure is reported through events and the Result.
func (s *Sender) Send(ctx context.Context, payload []byte) Result {
	res := Result{DeliveryID: uuid.NewString()}
	sessionID := domain.SessionIDOf(payload)

	ctx, span := otel.Tracer("callback").Start(ctx, "callback.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("delivery.id", res.DeliveryID),
		attribute.String("session.id", sessionID),
	)

	log := s.logger.With(
		slog.String("delivery_id", res.DeliveryID),
		slog.String("session_id", sessionID),
	)
	base := func() map[string]any {
		return map[string]any{
			"destination": s.url,
			"deliveryId":  res.DeliveryID,
			"sessionId":   sessionID,
		}
	}

	if !s.gate.Allow() {
		log.Warn("callback short-circuited by open breaker")
		s.events.Emit(ctx, events.CallbackShortCircuited, base())
		telemetry.CallbackOutcomes.WithLabelValues(string(domain.OutcomeShortCircuited)).Inc()
		res.Outcome = domain.OutcomeShortCircuited
		span.SetAttributes(attribute.String("callback.outcome", string(res.Outcome)))
		return res
	}

	err := retry.Do(ctx, retry.Config{
		MaxAttempts: s.maxAttempts,
		BaseDelay:   s.baseDelay,
	}, func() error {
		res.Attempts++
		resp, err := s.post(ctx, payload)
		res.StatusCode = resp.StatusCode
		if err != nil {
			// A call cut short by our own cancellation says nothing about the endpoint.
			if ctx.Err() == nil {
				s.gate.RecordFailure()
			}
			telemetry.CallbackAttempts.WithLabelValues("direct", "failure").Inc()
			log.Warn("callback attempt failed",
				slog.Int("attempt", res.Attempts),
				slog.String("error", err.Error()),
			)
			ev := base()
			ev["attempt"] = res.Attempts
			ev["error"] = err.Error()
			if resp.StatusCode != 0 {
				ev["status"] = resp.StatusCode
			}
			s.events.Emit(ctx, events.CallbackError, ev)
			return err
		}
		s.gate.RecordSuccess()
		telemetry.CallbackAttempts.WithLabelValues("direct", "success").Inc()
		ev := base()
		ev["attempt"] = res.Attempts
		ev["status"] = resp.StatusCode
		s.events.Emit(ctx, events.CallbackSent, ev)
		return nil
	})

	if err == nil {
		log.Info("callback sent", slog.Int("attempts", res.Attempts), slog.Int("status", res.StatusCode))
		telemetry.CallbackOutcomes.WithLabelValues(string(domain.OutcomeSent)).Inc()
		res.Outcome = domain.OutcomeSent
		span.SetAttributes(attribute.String("callback.outcome", string(res.Outcome)))
		return res
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "callback attempts exhausted")

	// The caller may have gone away mid-backoff; the payload must still land on disk.
	qctx := context.WithoutCancel(ctx)
	file, qerr := s.queue.Enqueue(qctx, payload)
	if qerr != nil {
		log.Error("failed to enqueue callback", slog.String("error", qerr.Error()))
		ev := base()
		ev["error"] = qerr.Error()
		s.events.Emit(qctx, events.EnqueueFailed, ev)
	} else {
		log.Warn("callback queued for retry",
			slog.Int("attempts", res.Attempts),
			slog.String("file", file),
		)
		ev := base()
		ev["file"] = file
		ev["attempts"] = res.Attempts
		s.events.Emit(qctx, events.CallbackFailedEnqueued, ev)
	}
	res.QueueFile = file
	res.Outcome = domain.OutcomeFailedEnqueued
	telemetry.CallbackOutcomes.WithLabelValues(string(domain.OutcomeFailedEnqueued)).Inc()
	span.SetAttributes(attribute.String("callback.outcome", string(res.Outcome)))
	return res
}

// Deliver makes a single attempt and reports the result to the breaker. It
// is the delivery used when draining the persistent queue. An attempt cut
// short by ctx is not counted against the breaker.
func (s *Sender) Deliver(ctx context.Context, payload []byte) (int, error) {
	resp, err := s.post(ctx, payload)
	if err != nil {
		if ctx.Err() == nil {
			s.gate.RecordFailure()
		}
		telemetry.CallbackAttempts.WithLabelValues("queue", "failure").Inc()
		return resp.StatusCode, err
	}
	s.gate.RecordSuccess()
	telemetry.CallbackAttempts.WithLabelValues("queue", "success").Inc()
	return resp.StatusCode, nil
}

var errNoURL = errors.New("callback url is not configured")

func (s *Sender) post(ctx context.Context, payload []byte) (webhook.Response, error) {
	if s.url == "" {
		return webhook.Response{}, errNoURL
	}
	return s.poster.Post(ctx, webhook.Request{
		URL:     s.url,
		APIKey:  s.apiKey,
		Body:    payload,
		Timeout: s.timeout,
	})
}
