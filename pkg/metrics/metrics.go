package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	RiskAssessments         *prometheus.CounterVec
	TurnsCompleted          *prometheus.CounterVec
	TurnDuration            prometheus.Histogram
	EscalationsTotal        *prometheus.CounterVec
	DispatchResults         *prometheus.CounterVec
	WellnessChecks          prometheus.Counter
	ActiveLiveSessions      prometheus.Gauge
	FramesDropped           *prometheus.CounterVec
	FramesSent              *prometheus.CounterVec
	SessionFailures         prometheus.Counter
	SafetyMarkersDetected   prometheus.Counter
	RedisOperationDuration  *prometheus.HistogramVec
	AlertMessagesProcessed  *prometheus.CounterVec
	AlertProcessingDuration prometheus.Histogram
	RelayLeaderChanges      prometheus.Counter
}

// NewMetrics registers collectors with the default prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers collectors with reg. Tests pass a fresh registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RiskAssessments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_assessments_total",
			Help: "Total number of scored texts by resulting risk level",
		}, []string{"level", "source"}),
		TurnsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dialogue_turns_total",
			Help: "Total number of dialogue turns by outcome",
		}, []string{"outcome"}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dialogue_turn_duration_seconds",
			Help:    "Time taken to drive one turn to DONE",
			Buckets: prometheus.DefBuckets,
		}),
		EscalationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crisis_escalations_total",
			Help: "Total number of crisis entries by severity",
		}, []string{"level"}),
		DispatchResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "alert_dispatch_results_total",
			Help: "Alert dispatch outcomes per channel",
		}, []string{"channel", "status"}),
		WellnessChecks: factory.NewCounter(prometheus.CounterOpts{
			Name: "wellness_checks_triggered_total",
			Help: "Total number of wellness check-ins emitted",
		}),
		ActiveLiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "live_sessions_active",
			Help: "Current number of registered live media sessions",
		}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "live_frames_dropped_total",
			Help: "Captured frames dropped because the outbound queue was full",
		}, []string{"stream"}),
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "live_frames_sent_total",
			Help: "Frames forwarded to the remote streaming connection",
		}, []string{"mime_type"}),
		SessionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "live_session_failures_total",
			Help: "Live sessions torn down after a task failure",
		}),
		SafetyMarkersDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "live_safety_markers_total",
			Help: "In-band visual safety markers received from the live model",
		}),
		RedisOperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Time taken for Redis operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		AlertMessagesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "internal_alert_messages_processed_total",
			Help: "Total number of internal alert stream messages relayed",
		}, []string{"status"}),
		AlertProcessingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "internal_alert_processing_duration_seconds",
			Help:    "Time taken to relay a batch of internal alerts",
			Buckets: prometheus.DefBuckets,
		}),
		RelayLeaderChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_leader_changes_total",
			Help: "Number of times this pod gained or lost relay leadership",
		}),
	}
}
