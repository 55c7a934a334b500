package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/staale/gomats/matstrace"
)

// Logger is the minimal structured logger the broker uses. It matches the
// engine's logger so one implementation serves both.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(msg string, keysAndValues ...any) {}
func (noopLogger) Info(msg string, keysAndValues ...any)  {}
func (noopLogger) Warn(msg string, keysAndValues ...any)  {}
func (noopLogger) Error(msg string, keysAndValues ...any) {}

// =============================================================================
// MEMORY BROKER
// =============================================================================

// DefaultMaxDeliveries is how many delivery attempts a message gets before it
// is moved to the queue's DLQ.
const DefaultMaxDeliveries = 6

// MemoryBroker is the in-process broker: per-queue FIFO with competing
// consumers, per-subscriber topic fan-out, transactional sessions and
// dead-lettering after redelivery exhaustion.
//
// Usage:
//
//	brk := NewMemoryBroker(MemoryBrokerOptions{})
//	sess, _ := brk.Session()
//	d, _ := sess.Receive(ctx, matstrace.Queue("my.endpoint"), broker.ReceiveOptions{})
//	... process, sess.Send(...), then sess.Commit() or sess.Rollback()
type MemoryBroker struct {
	maxDeliveries int
	logger        Logger

	mu     sync.Mutex
	queues map[string]*memQueue
	topics map[string]*memTopic
	closed bool

	nextSystemID atomic.Uint64
}

// MemoryBrokerOptions configures a MemoryBroker. Zero values select defaults.
type MemoryBrokerOptions struct {
	// MaxDeliveries before dead-lettering. Zero means DefaultMaxDeliveries.
	MaxDeliveries int
	Logger        Logger
}

// NewMemoryBroker creates a MemoryBroker.
func NewMemoryBroker(opts MemoryBrokerOptions) *MemoryBroker {
	maxDeliveries := opts.MaxDeliveries
	if maxDeliveries <= 0 {
		maxDeliveries = DefaultMaxDeliveries
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &MemoryBroker{
		maxDeliveries: maxDeliveries,
		logger:        logger,
		queues:        make(map[string]*memQueue),
		topics:        make(map[string]*memTopic),
	}
}

// Session creates a new transactional session.
func (b *MemoryBroker) Session() (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, NewClosedError("broker connection")
	}
	return &memSession{broker: b}, nil
}

// Close closes the connection. Blocked receives return ClosedError.
func (b *MemoryBroker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	queues := make([]*memQueue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	topics := make([]*memTopic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	for _, q := range queues {
		q.close()
	}
	for _, t := range topics {
		t.close()
	}
}

// EnsureSubscription establishes a topic subscription before any receive, so
// a publish racing the first receive is not lost. The engine calls this (via
// interface assertion) before announcing a topic processor as receiving.
func (b *MemoryBroker) EnsureSubscription(topicID, subscriber string) {
	b.topic(topicID).subscriberQueue(subscriber)
}

// DLQMessage receives and removes one message from the queue's DLQ. It is the
// test-collaborator surface for observing dead-lettered flows; block with a
// context deadline.
func (b *MemoryBroker) DLQMessage(ctx context.Context, queueID string) (*Delivery, error) {
	sess, err := b.Session()
	if err != nil {
		return nil, err
	}
	defer sess.Close()
	d, err := sess.Receive(ctx, matstrace.Queue(DLQName(queueID)), ReceiveOptions{})
	if err != nil {
		return nil, err
	}
	if err := sess.Commit(); err != nil {
		return nil, err
	}
	return d, nil
}

// QueueDepth returns the number of pending (not in-flight) messages on a
// queue. Test and introspection use only.
func (b *MemoryBroker) QueueDepth(queueID string) int {
	b.mu.Lock()
	q, ok := b.queues[queueID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, m := range q.messages {
		if !m.inflight {
			n++
		}
	}
	return n
}

func (b *MemoryBroker) queue(id string) *memQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[id]
	if !ok {
		q = newMemQueue(id)
		b.queues[id] = q
	}
	return q
}

func (b *MemoryBroker) topic(id string) *memTopic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[id]
	if !ok {
		t = &memTopic{id: id, subscribers: make(map[string]*memQueue)}
		b.topics[id] = t
	}
	return t
}

func (b *MemoryBroker) systemID() string {
	return fmt.Sprintf("mem_%d", b.nextSystemID.Add(1))
}

// =============================================================================
// QUEUE
// =============================================================================

type queuedMessage struct {
	msg           *Message
	systemID      string
	deliveryCount int
	enqueuedAt    time.Time
	inflight      bool
}

type memQueue struct {
	id string

	mu       sync.Mutex
	messages []*queuedMessage
	notify   chan struct{}
	closed   bool
}

func newMemQueue(id string) *memQueue {
	return &memQueue{id: id, notify: make(chan struct{})}
}

// enqueue appends and wakes waiting consumers.
func (q *memQueue) enqueue(m *queuedMessage) {
	q.mu.Lock()
	q.messages = append(q.messages, m)
	q.broadcastLocked()
	q.mu.Unlock()
}

func (q *memQueue) broadcastLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

func (q *memQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.broadcastLocked()
	q.mu.Unlock()
}

// take claims the first available message matching the filter, expiring
// messages whose TTL has passed. Returns nil when none is available.
func (q *memQueue) take(interactiveOnly bool, now time.Time) *queuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.messages[:0]
	var taken *queuedMessage
	for _, m := range q.messages {
		if !m.inflight && m.msg.TTL > 0 && now.Sub(m.enqueuedAt) > m.msg.TTL {
			// Expired; dropped on the floor per the TTL contract.
			continue
		}
		if taken == nil && !m.inflight && (!interactiveOnly || m.msg.Interactive) {
			m.inflight = true
			m.deliveryCount++
			taken = m
		}
		kept = append(kept, m)
	}
	q.messages = kept
	return taken
}

// settle removes (ack) or requeues (nack) an in-flight message. On nack the
// message stays with its incremented delivery count; the caller decides on
// dead-lettering before requeueing.
func (q *memQueue) settle(m *queuedMessage, ack bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ack {
		kept := q.messages[:0]
		for _, qm := range q.messages {
			if qm != m {
				kept = append(kept, qm)
			}
		}
		q.messages = kept
		return
	}
	m.inflight = false
	q.broadcastLocked()
}

// remove deletes an in-flight message outright (used when dead-lettering).
func (q *memQueue) remove(m *queuedMessage) {
	q.settle(m, true)
}

// awaitChan returns the channel closed on the next enqueue or close.
func (q *memQueue) awaitChan() (<-chan struct{}, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.notify, q.closed
}

// =============================================================================
// TOPIC
// =============================================================================

type memTopic struct {
	id string

	mu          sync.Mutex
	subscribers map[string]*memQueue
	closed      bool
}

// subscriberQueue returns the per-subscriber buffer, creating it on first
// receive. One buffer per subscriber name gives fan-out across processes and
// single-consumer semantics within one.
func (t *memTopic) subscriberQueue(subscriber string) *memQueue {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.subscribers[subscriber]
	if !ok {
		q = newMemQueue(t.id + "@" + subscriber)
		t.subscribers[subscriber] = q
	}
	return q
}

// publish fans out to every current subscriber. No subscribers means the
// message is dropped, per topic semantics.
func (t *memTopic) publish(m *Message, systemID func() string, now time.Time) {
	t.mu.Lock()
	subs := make([]*memQueue, 0, len(t.subscribers))
	for _, q := range t.subscribers {
		subs = append(subs, q)
	}
	t.mu.Unlock()
	for _, q := range subs {
		q.enqueue(&queuedMessage{msg: m, systemID: systemID(), enqueuedAt: now})
	}
}

func (t *memTopic) close() {
	t.mu.Lock()
	subs := make([]*memQueue, 0, len(t.subscribers))
	for _, q := range t.subscribers {
		subs = append(subs, q)
	}
	t.closed = true
	t.mu.Unlock()
	for _, q := range subs {
		q.close()
	}
}

// =============================================================================
// SESSION
// =============================================================================

type pendingSend struct {
	ch  matstrace.Channel
	msg *Message
}

type memSession struct {
	broker *MemoryBroker

	mu       sync.Mutex
	sends    []pendingSend
	inflight *queuedMessage
	source   *memQueue
	closed   bool
}

func (s *memSession) Send(ch matstrace.Channel, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return NewClosedError("session")
	}
	s.sends = append(s.sends, pendingSend{ch: ch, msg: msg})
	return nil
}

func (s *memSession) Receive(ctx context.Context, ch matstrace.Channel, opts ReceiveOptions) (*Delivery, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, NewClosedError("session")
	}
	if s.inflight != nil {
		s.mu.Unlock()
		return nil, NewSessionBusyError()
	}
	s.mu.Unlock()

	var q *memQueue
	if ch.Model == matstrace.ModelTopic {
		q = s.broker.topic(ch.ID).subscriberQueue(opts.Subscriber)
	} else {
		q = s.broker.queue(ch.ID)
	}

	for {
		if m := q.take(opts.InteractiveOnly, time.Now()); m != nil {
			s.mu.Lock()
			s.inflight = m
			s.source = q
			s.mu.Unlock()
			return &Delivery{Message: m.msg, SystemMessageID: m.systemID, DeliveryCount: m.deliveryCount}, nil
		}
		wait, closed := q.awaitChan()
		if closed {
			return nil, NewClosedError("queue " + q.id)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (s *memSession) Commit() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return NewClosedError("session")
	}
	sends := s.sends
	inflight := s.inflight
	source := s.source
	s.sends = nil
	s.inflight = nil
	s.source = nil
	s.mu.Unlock()

	now := time.Now()
	for _, ps := range sends {
		if ps.ch.Model == matstrace.ModelTopic {
			s.broker.topic(ps.ch.ID).publish(ps.msg, s.broker.systemID, now)
		} else {
			s.broker.queue(ps.ch.ID).enqueue(&queuedMessage{
				msg:        ps.msg,
				systemID:   s.broker.systemID(),
				enqueuedAt: now,
			})
		}
	}
	if inflight != nil {
		source.settle(inflight, true)
	}
	return nil
}

func (s *memSession) Rollback() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return NewClosedError("session")
	}
	inflight := s.inflight
	source := s.source
	s.sends = nil
	s.inflight = nil
	s.source = nil
	s.mu.Unlock()

	if inflight == nil {
		return nil
	}
	if inflight.deliveryCount >= s.broker.maxDeliveries {
		// Redelivery exhausted: dead-letter with the full envelope intact.
		source.remove(inflight)
		s.broker.logger.Warn("message moved to DLQ",
			"queue", source.id, "system_message_id", inflight.systemID,
			"delivery_count", inflight.deliveryCount)
		s.broker.queue(DLQName(source.id)).enqueue(&queuedMessage{
			msg:        inflight.msg,
			systemID:   inflight.systemID,
			enqueuedAt: time.Now(),
		})
		return nil
	}
	source.settle(inflight, false)
	return nil
}

func (s *memSession) Close() {
	// Rollback any in-flight work, then mark closed.
	_ = s.Rollback()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Ensure interface compliance.
var (
	_ Connection = (*MemoryBroker)(nil)
	_ Session    = (*memSession)(nil)
)
