// Package events records structured state-transition events
// ({type, timestamp, payload}) and fans them out to audit sinks.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event types emitted by the delivery pipeline.
const (
	CallbackShortCircuited  = "callback_shortcircuited"
	CallbackSent            = "callback_sent"
	CallbackError           = "callback_error"
	CallbackEnqueued        = "callback_enqueued"
	CallbackFailedEnqueued  = "callback_failed_enqueued"
	EnqueueFailed           = "enqueue_failed"
	CallbackSentFromQueue   = "callback_sent_from_queue"
	CallbackQueueError      = "callback_queue_error"
	CallbackQueueWorkerErr  = "callback_queue_worker_error"
	CallbackWorkerStarted   = "callback_worker_started"
	OutgoingAttempt         = "outgoing_attempt"
	OutgoingSent            = "outgoing_sent"
	OutgoingSentSimulated   = "outgoing_sent_simulated"
	OutgoingSendError       = "outgoing_send_error"
	OutgoingStatusCommitErr = "outgoing_status_commit_error"
	OutgoingWorkerError     = "outgoing_worker_error"
	OutgoingWorkerStarted   = "outgoing_worker_started"
	OutgoingRetry           = "outgoing_retry"
	OutgoingDeleted         = "outgoing_deleted"
	BreakerStateChanged     = "breaker_state_changed"
)

// Event is a single audit record.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// Sink persists or forwards events.
type Sink interface {
	Write(ctx context.Context, ev Event) error
}

// Emitter is what pipeline components depend on. Emit never fails; sink
// errors are the emitter's concern.
type Emitter interface {
	Emit(ctx context.Context, eventType string, payload map[string]any)
}

// Recorder fans each event out to every registered sink. A failing sink is
// logged and skipped so that it cannot abort the operation being audited.
type Recorder struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder builds a Recorder over the given sinks.
func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sinks: sinks, logger: logger, now: time.Now}
}

// Add registers another sink.
func (r *Recorder) Add(s Sink) {
	if s == nil {
		return
	}
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

func (r *Recorder) Emit(ctx context.Context, eventType string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	ev := Event{Type: eventType, Timestamp: r.now().UTC(), Payload: payload}

	r.mu.RLock()
	sinks := r.sinks
	r.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Write(ctx, ev); err != nil {
			r.logger.Warn("event sink write failed",
				slog.String("event_type", eventType),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Discard is an Emitter that drops every event.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(context.Context, string, map[string]any) {}
