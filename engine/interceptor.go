package engine

import (
	"time"

	"github.com/staale/gomats/matstrace"
)

// =============================================================================
// INTERCEPTION POINTS
// =============================================================================

// ProcessResult is the outcome of one message processing cycle.
type ProcessResult string

const (
	// ResultCommitted means user code and both commits succeeded.
	ResultCommitted ProcessResult = "committed"
	// ResultRollback means the transaction rolled back; the broker will
	// redeliver (and eventually dead-letter) the message.
	ResultRollback ProcessResult = "rollback"
)

// StageReceivedContext describes a message entering a stage, after envelope
// deserialization and before the user lambda runs.
type StageReceivedContext struct {
	EndpointID string
	StageID    string
	Trace      *matstrace.MatsTrace
	ReceivedAt time.Time

	// DeliveryCount is 1 on first delivery.
	DeliveryCount int
}

// StageCompletedContext describes a finished processing cycle.
type StageCompletedContext struct {
	StageReceivedContext

	Result        ProcessResult
	Err           error
	Duration      time.Duration
	OutgoingCount int
}

// StageInterceptor observes stage processing. Implementations are
// side-effect-only: they must not mutate the envelope.
type StageInterceptor interface {
	StageReceived(sc *StageReceivedContext)
	StageCompleted(sc *StageCompletedContext)
}

// InitiateCompletedContext describes a finished initiation.
type InitiateCompletedContext struct {
	InitiatorName string
	Result        ProcessResult
	Err           error
	Duration      time.Duration
	MessageCount  int
}

// InitiateInterceptor observes initiations.
type InitiateInterceptor interface {
	InitiateCompleted(ic *InitiateCompletedContext)
}

// OutgoingMessageContext describes one produced wire message, with the sizing
// figures the serializer recorded.
type OutgoingMessageContext struct {
	MessageType matstrace.MessageType
	To          matstrace.Channel
	From        string
	FlowID      string
	TraceID     string

	SizeUncompressed   int
	SizeCompressed     int
	NanosSerialization int64
	NanosCompression   int64
}

// OutgoingObserver is an optional extension of StageInterceptor and
// InitiateInterceptor: implementations are notified per produced message.
type OutgoingObserver interface {
	MessageSent(mc *OutgoingMessageContext)
}
