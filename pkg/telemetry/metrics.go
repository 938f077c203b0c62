package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Outgoing message queue ──────────────────────────────────────────────────

	OutgoingAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "outgoing",
		Name:      "attempts_total",
		Help:      "Total outgoing message delivery attempts.",
	})

	OutgoingSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "outgoing",
		Name:      "success_total",
		Help:      "Outgoing messages marked sent.",
	})

	OutgoingFailure = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "outgoing",
		Name:      "failure_total",
		Help:      "Outgoing messages marked failed.",
	})

	OutgoingBatchDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sentinel",
		Subsystem: "outgoing",
		Name:      "batch_duration_seconds",
		Help:      "Time spent processing one batch of queued rows.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 90},
	})

	// ─── Callback sender ─────────────────────────────────────────────────────────

	CallbackAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "callback",
		Name:      "attempts_total",
		Help:      "Callback delivery attempts, labelled by path (direct|queue) and result (success|failure).",
	}, []string{"path", "result"})

	CallbackOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "callback",
		Name:      "outcomes_total",
		Help:      "Send outcomes: sent, shortcircuited or failed_enqueued.",
	}, []string{"outcome"})

	CallbackQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel",
		Subsystem: "callback",
		Name:      "queue_depth",
		Help:      "Files left in the persistent callback queue after the last drain.",
	})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sentinel",
		Subsystem: "callback",
		Name:      "breaker_state",
		Help:      "1 for the breaker's current state, 0 for the others.",
	}, []string{"state"})

	// ─── Intake ──────────────────────────────────────────────────────────────────

	IntakeEnvelopes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "intake",
		Name:      "envelopes_total",
		Help:      "Intake envelopes consumed, labelled by kind and result.",
	}, []string{"kind", "result"})
)

// SetBreakerState flips the breaker state gauge to state.
func SetBreakerState(state string) {
	for _, s := range []string{"closed", "open", "half-open"} {
		v := 0.0
		if s == state {
			v = 1
		}
		BreakerState.WithLabelValues(s).Set(v)
	}
}
