package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sentinel-honeypot/relay/internal/domain"
)

// OutgoingStore is the part of the outgoing repository the handler needs.
type OutgoingStore interface {
	Enqueue(ctx context.Context, sessionID, content string) (*domain.OutgoingMessage, error)
}

// OutgoingMessageHandler queues a reply row for the outgoing worker.
type OutgoingMessageHandler struct {
	store  OutgoingStore
	logger *slog.Logger
}

// NewOutgoingMessageHandler creates an OutgoingMessageHandler.
func NewOutgoingMessageHandler(store OutgoingStore, logger *slog.Logger) *OutgoingMessageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutgoingMessageHandler{store: store, logger: logger}
}

func (h *OutgoingMessageHandler) Kind() string { return domain.KindOutgoingMessage }

func (h *OutgoingMessageHandler) Handle(ctx context.Context, env *domain.Envelope) error {
	if strings.TrimSpace(env.SessionID) == "" {
		return &domain.InvalidPayloadError{Reason: "outgoing_message is missing sessionId"}
	}
	if env.Content == "" {
		return &domain.InvalidPayloadError{Reason: "outgoing_message has empty content"}
	}

	msg, err := h.store.Enqueue(ctx, env.SessionID, env.Content)
	if err != nil {
		return fmt.Errorf("queue outgoing message: %w", err)
	}
	h.logger.Info("outgoing message queued",
		slog.Int64("id", msg.ID),
		slog.String("session_id", msg.SessionID),
	)
	return nil
}
