package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "recipe_jobs_submitted_total", Help: "Jobs created by type"}, []string{"job_type"})
	PreflightRejects    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "recipe_preflight_rejects_total", Help: "Synchronous preflight rejections by error code"}, []string{"code"})
	TierAttempts        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "recipe_tier_attempts_total", Help: "Cascade strategy and tier attempts by outcome"}, []string{"tier", "outcome"})
	TierDuration        = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "recipe_tier_duration_seconds", Help: "Cascade tier latency", Buckets: prometheus.ExponentialBuckets(0.05, 2, 13)}, []string{"tier"})
	GateDecisions       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "recipe_gate_decisions_total", Help: "Quality gate decisions per OCR tier"}, []string{"tier", "decision"})
	TerminalTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "recipe_jobs_terminal_total", Help: "Jobs reaching a terminal or settled status"}, []string{"status"})
	TransitionConflicts = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "recipe_transition_conflicts_total", Help: "Conditional updates that matched zero rows"}, []string{"to"})
	EnvelopeRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "recipe_envelope_rejects_total", Help: "Envelopes failing schema validation"})
	EnvelopesRetried    = prometheus.NewCounter(prometheus.CounterOpts{Name: "recipe_envelopes_retried_total", Help: "Envelopes rescheduled with attempt+1"})
	EnvelopesDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "recipe_envelopes_dead_letter_total", Help: "Envelopes moved to the DLQ"})
	QueueDepthGauge     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "recipe_queue_depth", Help: "Ready messages per queue"}, []string{"queue"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "recipe_jobs_inflight", Help: "Jobs currently being processed by this worker"})
	SweeperAbandoned    = prometheus.NewCounter(prometheus.CounterOpts{Name: "recipe_sweeper_abandoned_total", Help: "COMPLETE jobs moved to ABANDONED"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "recipe_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			PreflightRejects,
			TierAttempts,
			TierDuration,
			GateDecisions,
			TerminalTransitions,
			TransitionConflicts,
			EnvelopeRejects,
			EnvelopesRetried,
			EnvelopesDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
			SweeperAbandoned,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
