// Package intake consumes relay envelopes from Kafka and routes them to the
// handler registered for their kind.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sentinel-honeypot/relay/internal/domain"
	"github.com/sentinel-honeypot/relay/internal/handlers"
	"github.com/sentinel-honeypot/relay/internal/kafka"
	"github.com/sentinel-honeypot/relay/pkg/retry"
	"github.com/sentinel-honeypot/relay/pkg/telemetry"
)

// DLQTopic is where rejected envelopes for topic are parked.
func DLQTopic(topic string) string { return topic + ".dlq" }

// Dispatcher consumes the intake topic.
type Dispatcher struct {
	consumer kafka.Consumer
	producer kafka.Producer // nil = rejected envelopes are only logged
	registry *handlers.Registry
	dlqTopic string
	logger   *slog.Logger

	retryBase time.Duration
	retryMax  time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRetryBackoff sets the backoff used while a transient failure is
// retried in place: base doubles per attempt up to maxDelay.
func WithRetryBackoff(base, maxDelay time.Duration) Option {
	return func(d *Dispatcher) {
		d.retryBase = base
		d.retryMax = maxDelay
	}
}

func NewDispatcher(
	consumer kafka.Consumer,
	producer kafka.Producer,
	registry *handlers.Registry,
	topic string,
	logger *slog.Logger,
	opts ...Option,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		consumer:  consumer,
		producer:  producer,
		registry:  registry,
		dlqTopic:  DLQTopic(topic),
		logger:    logger,
		retryBase: 500 * time.Millisecond,
		retryMax:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run starts consuming. Blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.consumer.Subscribe(ctx, d.handle)
}

// handle routes msg, retrying transient failures in place until they clear
// or ctx ends. The partition does not advance past an envelope that has not
// been handled, parked on the DLQ, or dropped as permanent.
func (d *Dispatcher) handle(ctx context.Context, msg kafka.Message) error {
	for attempt := 0; ; attempt++ {
		err := d.route(ctx, msg)
		if err == nil || kafka.IsPermanent(err) {
			return err
		}

		delay := min(retry.Exponential(d.retryBase, attempt), d.retryMax)
		d.logger.Warn("intake envelope failed, retrying",
			slog.Int64("offset", msg.Offset),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return err
		}
	}
}

func (d *Dispatcher) route(ctx context.Context, msg kafka.Message) error {
	ctx, span := otel.Tracer("intake").Start(ctx, "intake.route")
	defer span.End()

	var env domain.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		d.logger.Error("malformed envelope", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed envelope")
		return d.reject(ctx, "unknown", msg, err)
	}

	span.SetAttributes(
		attribute.String("envelope.kind", env.Kind),
		attribute.String("session.id", env.SessionID),
	)
	log := d.logger.With(
		slog.String("kind", env.Kind),
		slog.String("session_id", env.SessionID),
	)

	h, err := d.registry.Get(env.Kind)
	if err != nil {
		log.Error("no handler for envelope kind", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "no handler registered")
		return d.reject(ctx, "unknown", msg, err)
	}

	if err := h.Handle(ctx, &env); err != nil {
		span.RecordError(err)
		var invalid *domain.InvalidPayloadError
		if errors.As(err, &invalid) {
			log.Error("invalid envelope payload", slog.String("error", err.Error()))
			span.SetStatus(codes.Error, "invalid payload")
			return d.reject(ctx, env.Kind, msg, err)
		}
		// Transient: handle retries it before the offset is committed.
		span.SetStatus(codes.Error, "handler failed")
		telemetry.IntakeEnvelopes.WithLabelValues(env.Kind, "error").Inc()
		return fmt.Errorf("handle %s envelope: %w", env.Kind, err)
	}

	telemetry.IntakeEnvelopes.WithLabelValues(env.Kind, "handled").Inc()
	log.Debug("envelope handled", slog.Int64("offset", msg.Offset))
	return nil
}

// reject parks the raw message on the DLQ and commits it.
func (d *Dispatcher) reject(ctx context.Context, kind string, msg kafka.Message, cause error) error {
	telemetry.IntakeEnvelopes.WithLabelValues(kind, "rejected").Inc()
	if d.producer == nil {
		return kafka.Permanent(cause)
	}
	if err := d.producer.Publish(ctx, d.dlqTopic, string(msg.Key), msg.Value); err != nil {
		d.logger.Error("failed to publish to DLQ", slog.String("error", err.Error()))
		return err
	}
	return nil
}
