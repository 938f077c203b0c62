package domain

import "fmt"

// OutgoingNotFoundError is returned when an outgoing message ID does not exist.
type OutgoingNotFoundError struct {
	ID int64
}

func (e *OutgoingNotFoundError) Error() string {
	return fmt.Sprintf("outgoing message not found: %d", e.ID)
}

// InvalidStatusError is returned for an unknown outgoing status string.
type InvalidStatusError struct {
	Status string
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("invalid outgoing status %q: want queued, sent or failed", e.Status)
}

// UnknownEnvelopeKindError is returned when no intake handler is registered for a kind.
type UnknownEnvelopeKindError struct {
	Kind string
}

func (e *UnknownEnvelopeKindError) Error() string {
	return fmt.Sprintf("no handler registered for envelope kind %q", e.Kind)
}

// InvalidPayloadError is returned when an envelope or callback payload fails validation.
type InvalidPayloadError struct {
	Reason string
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("invalid payload: %s", e.Reason)
}
