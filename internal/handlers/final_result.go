package handlers

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sentinel-honeypot/relay/internal/callback"
	"github.com/sentinel-honeypot/relay/internal/domain"
)

// CallbackSender is the part of callback.Sender the handler needs.
type CallbackSender interface {
	Send(ctx context.Context, payload []byte) callback.Result
}

// FinalResultHandler forwards a session's final result to the callback endpoint.
type FinalResultHandler struct {
	sender CallbackSender
	logger *slog.Logger
}

// NewFinalResultHandler creates a FinalResultHandler.
func NewFinalResultHandler(sender CallbackSender, logger *slog.Logger) *FinalResultHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FinalResultHandler{sender: sender, logger: logger}
}

func (h *FinalResultHandler) Kind() string { return domain.KindFinalResult }

// Handle validates the payload and hands it to the sender. Delivery failures
// are absorbed by the sender, so only malformed payloads return an error.
func (h *FinalResultHandler) Handle(ctx context.Context, env *domain.Envelope) error {
	ctx, span := otel.Tracer("intake").Start(ctx, "handler.final_result")
	defer span.End()

	payload, err := normalizeFinalResult(env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return err
	}

	res := h.sender.Send(ctx, payload)
	span.SetAttributes(
		attribute.String("delivery.id", res.DeliveryID),
		attribute.String("callback.outcome", string(res.Outcome)),
	)
	h.logger.Info("final result handed to callback sender",
		slog.String("session_id", domain.SessionIDOf(payload)),
		slog.String("delivery_id", res.DeliveryID),
		slog.String("outcome", string(res.Outcome)),
	)
	return nil
}

// normalizeFinalResult checks the payload is a final-result object and fills
// sessionId from the envelope when the payload omits it.
func normalizeFinalResult(env *domain.Envelope) ([]byte, error) {
	if len(env.Payload) == 0 {
		return nil, &domain.InvalidPayloadError{Reason: "final_result envelope has no payload"}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.Payload, &fields); err != nil {
		return nil, &domain.InvalidPayloadError{Reason: "final_result payload is not a JSON object"}
	}
	var fr domain.FinalResult
	if err := json.Unmarshal(env.Payload, &fr); err != nil {
		return nil, &domain.InvalidPayloadError{Reason: "final_result payload: " + err.Error()}
	}

	if fr.SessionID == "" {
		if env.SessionID == "" {
			return nil, &domain.InvalidPayloadError{Reason: "final_result is missing sessionId"}
		}
		sid, _ := json.Marshal(env.SessionID)
		fields["sessionId"] = sid
		return json.Marshal(fields)
	}
	if env.SessionID != "" && env.SessionID != fr.SessionID {
		return nil, &domain.InvalidPayloadError{Reason: "envelope and payload sessionId disagree"}
	}
	return env.Payload, nil
}
