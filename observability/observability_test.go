package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/staale/gomats/engine"
	"github.com/staale/gomats/matstrace"
)

func receivedContext(stageID string) *engine.StageReceivedContext {
	return &engine.StageReceivedContext{
		EndpointID:    "Obs",
		StageID:       stageID,
		Trace:         matstrace.NewMatsTrace("obs-trace", "Test.obs", "App", "1"),
		ReceivedAt:    time.Now(),
		DeliveryCount: 1,
	}
}

func TestMetricsInterceptorCountsExecutions(t *testing.T) {
	mi := NewMetricsInterceptor()
	sc := receivedContext("Obs.metrics")

	before := testutil.ToFloat64(stageExecutionsTotal.WithLabelValues("Obs.metrics", "committed"))
	mi.StageReceived(sc)
	mi.StageCompleted(&engine.StageCompletedContext{
		StageReceivedContext: *sc,
		Result:               engine.ResultCommitted,
		Duration:             3 * time.Millisecond,
		OutgoingCount:        1,
	})
	after := testutil.ToFloat64(stageExecutionsTotal.WithLabelValues("Obs.metrics", "committed"))
	assert.Equal(t, before+1, after)
}

func TestMetricsInterceptorCountsRedeliveries(t *testing.T) {
	mi := NewMetricsInterceptor()
	sc := receivedContext("Obs.redelivered")
	sc.DeliveryCount = 2

	before := testutil.ToFloat64(stageRedeliveriesTotal.WithLabelValues("Obs.redelivered"))
	mi.StageReceived(sc)
	after := testutil.ToFloat64(stageRedeliveriesTotal.WithLabelValues("Obs.redelivered"))
	assert.Equal(t, before+1, after)
}

func TestMetricsInterceptorCountsMessagesAndInitiations(t *testing.T) {
	mi := NewMetricsInterceptor()

	before := testutil.ToFloat64(messagesSentTotal.WithLabelValues("PUBLISH"))
	mi.MessageSent(&engine.OutgoingMessageContext{
		MessageType:      matstrace.MessageTypePublish,
		To:               matstrace.Topic("Obs.topic"),
		SizeUncompressed: 1024,
		SizeCompressed:   256,
	})
	assert.Equal(t, before+1, testutil.ToFloat64(messagesSentTotal.WithLabelValues("PUBLISH")))

	beforeInit := testutil.ToFloat64(initiationsTotal.WithLabelValues("obs-init", "rollback"))
	mi.InitiateCompleted(&engine.InitiateCompletedContext{
		InitiatorName: "obs-init",
		Result:        engine.ResultRollback,
		Err:           errors.New("boom"),
		Duration:      time.Millisecond,
	})
	assert.Equal(t, beforeInit+1, testutil.ToFloat64(initiationsTotal.WithLabelValues("obs-init", "rollback")))
}

// The tracing interceptor runs against the global provider; without an
// InitTracer call that is the no-op provider, which must still pair spans
// cleanly.
func TestTracingInterceptorPairsSpans(t *testing.T) {
	ti := NewTracingInterceptor()
	sc := receivedContext("Obs.traced")

	ti.StageReceived(sc)
	ti.StageCompleted(&engine.StageCompletedContext{
		StageReceivedContext: *sc,
		Result:               engine.ResultCommitted,
		Duration:             time.Millisecond,
	})

	ti.mu.Lock()
	defer ti.mu.Unlock()
	assert.Empty(t, ti.spans, "completed stages must not leak spans")
}

func TestTracingInterceptorUnmatchedCompletion(t *testing.T) {
	ti := NewTracingInterceptor()
	sc := receivedContext("Obs.unmatched")

	// Completion without a received span is tolerated.
	ti.StageCompleted(&engine.StageCompletedContext{
		StageReceivedContext: *sc,
		Result:               engine.ResultRollback,
		Err:                  errors.New("rolled back"),
	})
}
