// Package broker provides the transactional messaging capability the engine
// consumes: send/receive on named queues and topics, session-scoped
// commit/rollback, and dead-lettering of poison messages.
//
// The engine never depends on a concrete broker. MemoryBroker in this package
// is the in-process implementation used by tests and single-node setups;
// adapters for external brokers implement the same interfaces.
package broker

import (
	"context"
	"time"

	"github.com/staale/gomats/matstrace"
)

// Message is one unit on the wire: the serialized envelope, its meta tag,
// broker-visible headers, and out-of-envelope sideloads.
type Message struct {
	Envelope []byte
	Meta     string

	// Headers are broker-visible strings for inspection and filtering
	// (traceId, flowId, messageType, ...). They duplicate envelope fields;
	// the envelope is authoritative.
	Headers map[string]string

	// Sideloads: named attachments carried outside the envelope since they
	// are typically bulky and do not benefit from envelope compression.
	Bytes   map[string][]byte
	Strings map[string]string

	// Delivery flags.
	Persistent  bool
	Interactive bool
	TTL         time.Duration
}

// Delivery is a received message plus its broker-side identity.
type Delivery struct {
	Message *Message

	// SystemMessageID is the broker's id for this delivery.
	SystemMessageID string

	// DeliveryCount is 1 on first delivery, increasing per redelivery.
	DeliveryCount int
}

// ReceiveOptions select which messages a receive call competes for.
type ReceiveOptions struct {
	// InteractiveOnly restricts the consumer to interactive-flagged messages.
	InteractiveOnly bool

	// Subscriber names this process's subscription on a topic. Required for
	// topic receives; ignored for queues.
	Subscriber string
}

// Session is a transactional scope over one receive plus any number of sends.
// Sends buffer in the session; Commit atomically acks the in-flight delivery
// and publishes the buffered sends, Rollback requeues the delivery (counting
// a redelivery) and drops the sends.
type Session interface {
	// Send buffers a message for the channel until Commit.
	Send(ch matstrace.Channel, msg *Message) error

	// Receive blocks for the next message on the channel. At most one
	// delivery may be in flight per session; it stays in flight until
	// Commit or Rollback.
	Receive(ctx context.Context, ch matstrace.Channel, opts ReceiveOptions) (*Delivery, error)

	Commit() error
	Rollback() error
	Close()
}

// Connection creates sessions against one broker.
type Connection interface {
	Session() (Session, error)
	Close()
}

// DLQName returns the dead-letter queue id for a queue id.
func DLQName(queueID string) string {
	return "DLQ." + queueID
}
