package domain

import "time"

// OutgoingStatus represents the delivery states of an outgoing message row.
type OutgoingStatus string

const (
	StatusQueued OutgoingStatus = "queued"
	StatusSent   OutgoingStatus = "sent"
	StatusFailed OutgoingStatus = "failed"
)

// IsTerminal returns true once the worker has finished with the row.
// Only an admin retry moves a terminal row back to queued.
func (s OutgoingStatus) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed
}

// ParseOutgoingStatus validates a raw status string, e.g. from a query parameter.
func ParseOutgoingStatus(raw string) (OutgoingStatus, error) {
	s := OutgoingStatus(raw)
	switch s {
	case StatusQueued, StatusSent, StatusFailed:
		return s, nil
	default:
		return "", &InvalidStatusError{Status: raw}
	}
}

// OutgoingMessage is a row in the outgoing_messages table.
type OutgoingMessage struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"sessionId"`
	Content   string         `json:"content"`
	Status    OutgoingStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt *time.Time     `json:"updated_at,omitempty"`
}

// OutgoingFilter narrows an admin listing of outgoing messages.
type OutgoingFilter struct {
	Status   OutgoingStatus // empty = any
	Query    string         // substring match on session id or content
	Page     int            // 1-indexed
	PageSize int
}

// Normalize clamps paging to sane values.
func (f OutgoingFilter) Normalize() OutgoingFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = 50
	}
	if f.PageSize > 1000 {
		f.PageSize = 1000
	}
	return f
}

// Offset returns the row offset for the current page.
func (f OutgoingFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

// OutgoingRequest is the JSON body POSTed to the outgoing endpoint.
type OutgoingRequest struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}
