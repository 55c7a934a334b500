package engine

import (
	"context"
	"time"

	"github.com/staale/gomats/matstrace"
	"github.com/staale/gomats/tx"
)

// =============================================================================
// INITIATE CONTEXT
// =============================================================================

// InitiateContext is the capability surface for injecting new flows. Setters
// chain; each Request/Send/Publish builds a fresh flow from the settings in
// effect at that point, so one initiation block can pipeline many messages
// that commit atomically.
//
// Usage:
//
//	initiator.Initiate(ctx, func(ic *engine.InitiateContext) error {
//	    return ic.TraceID("order-4711").
//	        From("OrderService.placeOrder").
//	        To("WarehouseService.reserve").
//	        ReplyTo("OrderService.reserved", &OrderState{OrderID: "4711"}).
//	        Request(&ReserveDto{Sku: "widget", Count: 3})
//	})
type InitiateContext struct {
	factory *Factory
	ctx     context.Context
	res     *tx.Resources
	logger  Logger

	// nested is set for initiations made from within a stage.
	nested bool
	parent *ProcessContext

	from          string
	traceID       string
	keepTrace     matstrace.KeepTrace
	nonPersistent bool
	ttl           time.Duration
	interactive   bool
	noAudit       bool

	to           string
	replyToID    string
	replyToState any
	hasReplyTo   bool

	props          map[string]string
	pendingBytes   map[string][]byte
	pendingStrings map[string]string

	messages []*bufferedMessage
}

func newInitiateContext(f *Factory, ctx context.Context, res *tx.Resources, logger Logger) *InitiateContext {
	return &InitiateContext{
		factory:   f,
		ctx:       ctx,
		res:       res,
		logger:    logger,
		keepTrace: matstrace.KeepTraceCompact,
	}
}

func newNestedInitiateContext(parent *ProcessContext) *InitiateContext {
	ic := newInitiateContext(parent.factory(), parent.ctx, parent.res, parent.logger)
	ic.nested = true
	ic.parent = parent
	ic.from = parent.stage.stageID
	// Initiations from a stage inherit the flow's flags.
	ic.interactive = parent.trace.Interactive
	ic.nonPersistent = parent.trace.NonPersistent
	return ic
}

// Context returns the context of the enclosing transaction.
func (ic *InitiateContext) Context() context.Context { return ic.ctx }

// Attribute returns a transactionally scoped resource by name.
func (ic *InitiateContext) Attribute(name string) any {
	if ic.res == nil {
		return nil
	}
	return ic.res.Attribute(name)
}

// =============================================================================
// CHAINABLE SETTERS
// =============================================================================

// TraceID sets the caller-supplied trace id. In a stage-nested initiation it
// is appended as a suffix to the incoming trace id instead.
func (ic *InitiateContext) TraceID(traceID string) *InitiateContext {
	ic.traceID = traceID
	return ic
}

// From sets the initiator id recorded on the flow.
func (ic *InitiateContext) From(initiatorID string) *InitiateContext {
	ic.from = initiatorID
	return ic
}

// To sets the target endpoint id.
func (ic *InitiateContext) To(endpointID string) *InitiateContext {
	ic.to = endpointID
	return ic
}

// ReplyTo sets the terminator endpoint a Request's final reply goes to, with
// the state object handed to it.
func (ic *InitiateContext) ReplyTo(endpointID string, replyState any) *InitiateContext {
	ic.replyToID = endpointID
	ic.replyToState = replyState
	ic.hasReplyTo = true
	return ic
}

// KeepTrace sets how much call history outgoing envelopes retain.
func (ic *InitiateContext) KeepTrace(kt matstrace.KeepTrace) *InitiateContext {
	ic.keepTrace = kt
	return ic
}

// NonPersistent marks the flow droppable on broker crash, with an optional
// time-to-live (0 = no expiry).
func (ic *InitiateContext) NonPersistent(ttl time.Duration) *InitiateContext {
	ic.nonPersistent = true
	ic.ttl = ttl
	return ic
}

// Interactive marks the flow latency-sensitive, eligible for the dedicated
// interactive processor pool.
func (ic *InitiateContext) Interactive() *InitiateContext {
	ic.interactive = true
	return ic
}

// NoAudit hints observability that the flow's payloads need no audit trail.
func (ic *InitiateContext) NoAudit() *InitiateContext {
	ic.noAudit = true
	return ic
}

// SetTraceProperty sets a property sticking to the new flow's envelope.
func (ic *InitiateContext) SetTraceProperty(key string, value any) error {
	data, err := ic.factory.serializer.SerializeObject(value)
	if err != nil {
		return err
	}
	if ic.props == nil {
		ic.props = make(map[string]string)
	}
	ic.props[key] = data
	return nil
}

// AddBytes attaches a binary sideload to the next message, then clears.
func (ic *InitiateContext) AddBytes(key string, value []byte) *InitiateContext {
	if ic.pendingBytes == nil {
		ic.pendingBytes = make(map[string][]byte)
	}
	ic.pendingBytes[key] = value
	return ic
}

// AddString attaches a string sideload to the next message, then clears.
func (ic *InitiateContext) AddString(key, value string) *InitiateContext {
	if ic.pendingStrings == nil {
		ic.pendingStrings = make(map[string]string)
	}
	ic.pendingStrings[key] = value
	return ic
}

// =============================================================================
// MESSAGE OPERATIONS
// =============================================================================

// Request initiates a request flow to the To endpoint; the final reply goes
// to the ReplyTo terminator with its state object.
func (ic *InitiateContext) Request(requestDto any) error {
	if err := ic.requireFromTo("request"); err != nil {
		return err
	}
	if !ic.hasReplyTo {
		return NewConfigError("initiate request to '%s' without replyTo terminator", ic.to)
	}
	ser := ic.factory.serializer
	data, err := ser.SerializeObject(requestDto)
	if err != nil {
		return err
	}
	replyState, err := ser.SerializeObject(ic.replyToState)
	if err != nil {
		return err
	}
	trace, err := ic.newTrace()
	if err != nil {
		return err
	}
	out := trace.AddRequestCall(ic.from,
		matstrace.Queue(ic.to), matstrace.Queue(ic.replyToID),
		data, replyState, nil)
	ic.buffer(out)
	return nil
}

// Send initiates a fire-and-forget flow to the To endpoint's queue.
func (ic *InitiateContext) Send(messageDto any) error {
	return ic.send(messageDto, nil, matstrace.ModelQueue)
}

// SendWithState is Send handing the target an initial state object, the
// pattern for stateful fire-and-forget targets.
func (ic *InitiateContext) SendWithState(messageDto, initialTargetState any) error {
	return ic.send(messageDto, initialTargetState, matstrace.ModelQueue)
}

// Publish initiates a fire-and-forget flow to the To endpoint's topic,
// fanning out to all subscribers.
func (ic *InitiateContext) Publish(messageDto any) error {
	return ic.send(messageDto, nil, matstrace.ModelTopic)
}

// PublishWithState is Publish handing the subscribers an initial state.
func (ic *InitiateContext) PublishWithState(messageDto, initialTargetState any) error {
	return ic.send(messageDto, initialTargetState, matstrace.ModelTopic)
}

func (ic *InitiateContext) send(messageDto, initialTargetState any, model matstrace.MessagingModel) error {
	op := "send"
	if model == matstrace.ModelTopic {
		op = "publish"
	}
	if err := ic.requireFromTo(op); err != nil {
		return err
	}
	ser := ic.factory.serializer
	data, err := ser.SerializeObject(messageDto)
	if err != nil {
		return err
	}
	var initialState *string
	if initialTargetState != nil {
		state, err := ser.SerializeObject(initialTargetState)
		if err != nil {
			return err
		}
		initialState = &state
	}
	trace, err := ic.newTrace()
	if err != nil {
		return err
	}
	out := trace.AddSendCall(ic.from, matstrace.Channel{ID: ic.to, Model: model}, data, initialState)
	ic.buffer(out)
	return nil
}

// =============================================================================
// INTERNALS
// =============================================================================

func (ic *InitiateContext) requireFromTo(op string) error {
	if ic.from == "" {
		return NewConfigError("initiate %s without from", op)
	}
	if ic.to == "" {
		return NewConfigError("initiate %s without to", op)
	}
	return nil
}

// newTrace builds the envelope of one new flow from the settings in effect.
// Trace-id discipline: the factory modifier applies exactly once per
// outermost initiation, always to the original caller-supplied id. Nested
// initiations inherit the incoming trace id, with any explicit id appended
// as a suffix, and are never passed through the modifier.
func (ic *InitiateContext) newTrace() (*matstrace.MatsTrace, error) {
	cfg := ic.factory.config

	var traceID string
	if ic.nested {
		traceID = ic.parent.trace.TraceID
		if ic.traceID != "" {
			traceID = traceID + "|" + ic.traceID
		}
	} else {
		if ic.traceID == "" {
			return nil, NewConfigError("initiate without traceId")
		}
		traceID = ic.traceID
		if cfg.InitiateTraceIDModifier != nil {
			traceID = cfg.InitiateTraceIDModifier(ic.traceID)
		}
	}

	trace := matstrace.NewMatsTrace(traceID, ic.from, cfg.AppName, cfg.AppVersion)
	trace.KeepTrace = ic.keepTrace
	trace.NonPersistent = ic.nonPersistent
	trace.Interactive = ic.interactive
	trace.NoAudit = ic.noAudit
	trace.TimeToLiveMillis = ic.ttl.Milliseconds()

	// Property inheritance: a nested initiation carries the stage's
	// properties as they are at this moment; properties the stage sets
	// later do not appear on it.
	if ic.nested {
		for k, v := range ic.parent.effectiveProps() {
			trace.SetTraceProperty(k, v)
		}
	}
	for k, v := range ic.props {
		trace.SetTraceProperty(k, v)
	}
	return trace, nil
}

func (ic *InitiateContext) buffer(out *matstrace.MatsTrace) {
	bytes, strings := ic.pendingBytes, ic.pendingStrings
	ic.pendingBytes, ic.pendingStrings = nil, nil
	ic.messages = append(ic.messages, &bufferedMessage{
		trace:   out,
		bytes:   bytes,
		strings: strings,
	})
}
