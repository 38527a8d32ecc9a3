package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ═══════════════════════════════════════════════════════════════════════════
// Prometheus Metrics
// ═══════════════════════════════════════════════════════════════════════════

const namespace = "oracle"

// ─── Challenge Metrics ──────────────────────────────────────────────────────

// ChallengesIssued counts generated challenges by task type and horizon.
var ChallengesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "challenges",
	Name:      "issued_total",
	Help:      "Total challenges issued by task type and horizon.",
}, []string{"task_type", "horizon"})

// ─── Dispatch Metrics ───────────────────────────────────────────────────────

// DispatchOutcomes counts per-worker dispatch results.
var DispatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "dispatch",
	Name:      "outcomes_total",
	Help:      "Total worker responses by outcome (ok, timeout, rejected, missing_metric).",
}, []string{"outcome"})

// ResponseLatency tracks worker response latency.
var ResponseLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "dispatch",
	Name:      "response_seconds",
	Help:      "Worker response latency in seconds.",
	Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 6, 8},
})

// ─── Scoring Metrics ────────────────────────────────────────────────────────

// Scores tracks final scores by horizon.
var Scores = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "scoring",
	Name:      "final_score",
	Help:      "Distribution of final scores.",
	Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
}, []string{"horizon"})

// ExtremeBonuses counts scores that earned the extreme-event bonus.
var ExtremeBonuses = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "scoring",
	Name:      "extreme_bonus_total",
	Help:      "Total scores that earned the extreme-event bonus.",
})

// PendingDepth tracks near-term challenges awaiting ground truth.
var PendingDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "scoring",
	Name:      "pending_depth",
	Help:      "Near-term challenges awaiting ground truth.",
})

// GroundTruthDiscards counts challenges dropped for lack of ground truth.
var GroundTruthDiscards = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "scoring",
	Name:      "ground_truth_discards_total",
	Help:      "Total challenges discarded because ground truth never resolved.",
})

// ─── Consensus Metrics ──────────────────────────────────────────────────────

// FraudRejections counts reveals that did not match their commitment.
var FraudRejections = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "consensus",
	Name:      "fraud_rejections_total",
	Help:      "Total weight vectors rejected for reputation fraud.",
})

// ClippedWeights counts weights clipped toward the median.
var ClippedWeights = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "consensus",
	Name:      "clipped_weights_total",
	Help:      "Total scorer weights clipped to the consensus band.",
})

// MonopolyDecays counts epochs in which anti-monopoly decay applied.
var MonopolyDecays = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "consensus",
	Name:      "monopoly_decays_total",
	Help:      "Total epochs in which the top worker's weight was decayed.",
})

// TopWorkerStreak tracks the current top-worker streak length.
var TopWorkerStreak = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "consensus",
	Name:      "top_worker_streak",
	Help:      "Consecutive aggregated epochs with the same top worker.",
})

// ─── Epoch Metrics ──────────────────────────────────────────────────────────

// EpochsCompleted counts committed epochs.
var EpochsCompleted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "epoch",
	Name:      "completed_total",
	Help:      "Total epochs committed.",
})

// EpochAborts counts rolled-back epochs.
var EpochAborts = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "epoch",
	Name:      "aborts_total",
	Help:      "Total epochs aborted and rolled back.",
})

// EpochDuration tracks wall time of a full epoch.
var EpochDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "epoch",
	Name:      "duration_seconds",
	Help:      "Wall time of one epoch run.",
	Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
})

// PhaseDuration tracks wall time per epoch phase.
var PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "epoch",
	Name:      "phase_seconds",
	Help:      "Wall time per epoch phase.",
	Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
}, []string{"phase"})

// ─── Audit Metrics ──────────────────────────────────────────────────────────

// AuditEvents counts audit events by kind.
var AuditEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "audit",
	Name:      "events_total",
	Help:      "Total audit events by kind.",
}, []string{"kind"})

// ─── Trace Metrics ──────────────────────────────────────────────────────────

// TracesRecorded tracks total spans recorded.
var TracesRecorded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "traces",
	Name:      "spans_recorded_total",
	Help:      "Total trace spans recorded.",
})

// TraceErrors tracks error spans.
var TraceErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "traces",
	Name:      "error_spans_total",
	Help:      "Total trace spans with error status.",
})
