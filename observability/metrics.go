// Package observability provides Prometheus metrics and OpenTelemetry
// tracing instrumentation for the engine, packaged as interceptors so the
// core stays free of metric concerns.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/staale/gomats/engine"
)

// =============================================================================
// STAGE METRICS
// =============================================================================

var (
	stageExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gomats_stage_executions_total",
			Help: "Total number of stage executions",
		},
		[]string{"stage", "result"}, // result: committed, rollback
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gomats_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"stage"},
	)

	stageRedeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gomats_stage_redeliveries_total",
			Help: "Total number of redelivered messages entering stages",
		},
		[]string{"stage"},
	)
)

// =============================================================================
// MESSAGE METRICS
// =============================================================================

var (
	messagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gomats_messages_sent_total",
			Help: "Total number of produced wire messages",
		},
		[]string{"message_type"},
	)

	envelopeSizeBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gomats_envelope_size_bytes",
			Help:    "Envelope wire sizes in bytes",
			Buckets: prometheus.ExponentialBuckets(128, 4, 8),
		},
		[]string{"form"}, // form: raw, compressed
	)
)

// =============================================================================
// INITIATION METRICS
// =============================================================================

var (
	initiationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gomats_initiations_total",
			Help: "Total number of initiations",
		},
		[]string{"initiator", "result"},
	)

	initiationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gomats_initiation_duration_seconds",
			Help:    "Initiation duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"initiator"},
	)
)

// =============================================================================
// METRICS INTERCEPTOR
// =============================================================================

// MetricsInterceptor records stage, initiation and outgoing-message metrics.
// Register it on the factory:
//
//	mi := observability.NewMetricsInterceptor()
//	f.AddStageInterceptor(mi)
//	f.AddInitiateInterceptor(mi)
type MetricsInterceptor struct{}

// NewMetricsInterceptor creates a MetricsInterceptor.
func NewMetricsInterceptor() *MetricsInterceptor {
	return &MetricsInterceptor{}
}

func (m *MetricsInterceptor) StageReceived(sc *engine.StageReceivedContext) {
	if sc.DeliveryCount > 1 {
		stageRedeliveriesTotal.WithLabelValues(sc.StageID).Inc()
	}
}

func (m *MetricsInterceptor) StageCompleted(sc *engine.StageCompletedContext) {
	stageExecutionsTotal.WithLabelValues(sc.StageID, string(sc.Result)).Inc()
	stageDurationSeconds.WithLabelValues(sc.StageID).Observe(sc.Duration.Seconds())
}

func (m *MetricsInterceptor) InitiateCompleted(ic *engine.InitiateCompletedContext) {
	initiationsTotal.WithLabelValues(ic.InitiatorName, string(ic.Result)).Inc()
	initiationDurationSeconds.WithLabelValues(ic.InitiatorName).Observe(ic.Duration.Seconds())
}

func (m *MetricsInterceptor) MessageSent(mc *engine.OutgoingMessageContext) {
	messagesSentTotal.WithLabelValues(string(mc.MessageType)).Inc()
	envelopeSizeBytes.WithLabelValues("raw").Observe(float64(mc.SizeUncompressed))
	envelopeSizeBytes.WithLabelValues("compressed").Observe(float64(mc.SizeCompressed))
}

// Ensure interface compliance.
var (
	_ engine.StageInterceptor    = (*MetricsInterceptor)(nil)
	_ engine.InitiateInterceptor = (*MetricsInterceptor)(nil)
	_ engine.OutgoingObserver    = (*MetricsInterceptor)(nil)
)
