package engine

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"

	"github.com/staale/gomats/broker"
	"github.com/staale/gomats/matstrace"
	"github.com/staale/gomats/tx"
)

// =============================================================================
// STAGE LAMBDAS
// =============================================================================

// StageFunc is the user lambda of a stage. state is a pointer to the
// endpoint's state object (nil when the flow carries no state for this
// frame), msg a pointer to the stage's incoming payload. Returning an error
// rolls back the message transaction.
type StageFunc func(pctx *ProcessContext, state any, msg any) error

// LastStageFunc is the user lambda of an endpoint's last stage: the returned
// value is replied up the call stack.
type LastStageFunc func(pctx *ProcessContext, state any, msg any) (reply any, err error)

// SingleFunc is the user lambda of a single-stage (stateless) endpoint.
type SingleFunc func(pctx *ProcessContext, msg any) (reply any, err error)

// =============================================================================
// OUTGOING BUFFER
// =============================================================================

// bufferedMessage is one fully-formed outgoing envelope awaiting the commit
// batch, with its sideloads.
type bufferedMessage struct {
	trace   *matstrace.MatsTrace
	bytes   map[string][]byte
	strings map[string]string

	// fromInitiation marks messages buffered via a nested initiation: they
	// are new flows with their own snapshotted trace properties, so the
	// stage's pending properties are not merged into them at produce time.
	fromInitiation bool
}

// flowViolation records a legal-flow breach with the stack traces of the
// first outgoing call and of the violating call.
type flowViolation struct {
	description string
	firstStack  []byte
	secondStack []byte
}

// =============================================================================
// PROCESS CONTEXT
// =============================================================================

// ProcessContext is the capability surface handed to a stage lambda. It
// buffers all outgoing messages until the enclosing transaction commits,
// enforces the legal-flow rules, and exposes the transactionally scoped
// resources. One instance per message; never shared across goroutines.
type ProcessContext struct {
	stage *Stage
	ctx   context.Context

	trace           *matstrace.MatsTrace
	systemMessageID string
	deliveryCount   int
	incoming        *broker.Message

	state  any
	res    *tx.Resources
	logger Logger

	outgoing []*bufferedMessage

	pendingBytes   map[string][]byte
	pendingStrings map[string]string

	// props are trace properties set during this stage, merged into
	// non-initiation outgoing envelopes at produce time.
	props map[string]string

	// extraState accumulated via SetExtraStateForReplyOrNext, applied to the
	// caller frame of buffered and future REQUEST/NEXT calls.
	extraState map[string]string

	replyCount     int
	reqOrNextCount int
	firstCallStack []byte
	violations     []flowViolation

	afterCommit []func()
}

func newProcessContext(stage *Stage, ctx context.Context, trace *matstrace.MatsTrace,
	systemMessageID string, deliveryCount int, incoming *broker.Message,
	state any, res *tx.Resources, logger Logger) *ProcessContext {
	return &ProcessContext{
		stage:           stage,
		ctx:             ctx,
		trace:           trace,
		systemMessageID: systemMessageID,
		deliveryCount:   deliveryCount,
		incoming:        incoming,
		state:           state,
		res:             res,
		logger:          logger,
	}
}

// =============================================================================
// ACCESSORS
// =============================================================================

// Context returns the context of the enclosing message transaction.
func (c *ProcessContext) Context() context.Context { return c.ctx }

// TraceID returns the flow's human-meaningful trace id.
func (c *ProcessContext) TraceID() string { return c.trace.TraceID }

// FlowID returns the flow's unique id.
func (c *ProcessContext) FlowID() string { return c.trace.FlowID }

// EndpointID returns the id of the endpoint this stage belongs to.
func (c *ProcessContext) EndpointID() string { return c.stage.endpoint.id }

// StageID returns this stage's id.
func (c *ProcessContext) StageID() string { return c.stage.stageID }

// SystemMessageID returns the broker's id for the incoming delivery.
func (c *ProcessContext) SystemMessageID() string { return c.systemMessageID }

// MatsMessageID returns the protocol-level id of the incoming message.
func (c *ProcessContext) MatsMessageID() string {
	if cur := c.trace.CurrentCall(); cur != nil {
		return cur.MatsMessageID
	}
	return ""
}

// DeliveryCount is 1 on first delivery, higher on redeliveries.
func (c *ProcessContext) DeliveryCount() int { return c.deliveryCount }

// Interactive reports whether the flow is interactive-flagged.
func (c *ProcessContext) Interactive() bool { return c.trace.Interactive }

// NonPersistent reports whether the flow is non-persistent.
func (c *ProcessContext) NonPersistent() bool { return c.trace.NonPersistent }

// Logger returns the per-message bound logger.
func (c *ProcessContext) Logger() Logger { return c.logger }

// Attribute returns a transactionally scoped resource by name (e.g.
// tx.AttributeSQLTx), nil if the transaction manager binds none.
func (c *ProcessContext) Attribute(name string) any {
	if c.res == nil {
		return nil
	}
	return c.res.Attribute(name)
}

// =============================================================================
// SIDELOADS
// =============================================================================

// GetBytes returns a named binary sideload of the incoming message.
func (c *ProcessContext) GetBytes(key string) ([]byte, bool) {
	if c.incoming == nil || c.incoming.Bytes == nil {
		return nil, false
	}
	b, ok := c.incoming.Bytes[key]
	return b, ok
}

// GetString returns a named string sideload of the incoming message.
func (c *ProcessContext) GetString(key string) (string, bool) {
	if c.incoming == nil || c.incoming.Strings == nil {
		return "", false
	}
	s, ok := c.incoming.Strings[key]
	return s, ok
}

// AddBytes attaches a binary sideload to the next outgoing message, after
// which the pending set clears.
func (c *ProcessContext) AddBytes(key string, value []byte) {
	if c.pendingBytes == nil {
		c.pendingBytes = make(map[string][]byte)
	}
	c.pendingBytes[key] = value
}

// AddString attaches a string sideload to the next outgoing message, after
// which the pending set clears.
func (c *ProcessContext) AddString(key, value string) {
	if c.pendingStrings == nil {
		c.pendingStrings = make(map[string]string)
	}
	c.pendingStrings[key] = value
}

func (c *ProcessContext) takePendingSideloads() (map[string][]byte, map[string]string) {
	b, s := c.pendingBytes, c.pendingStrings
	c.pendingBytes, c.pendingStrings = nil, nil
	return b, s
}

// =============================================================================
// TRACE PROPERTIES
// =============================================================================

// SetTraceProperty sets a property that sticks to the envelope for the
// remainder of the flow, and is inherited by initiations made from this
// stage after this point.
func (c *ProcessContext) SetTraceProperty(key string, value any) error {
	data, err := c.factory().serializer.SerializeObject(value)
	if err != nil {
		return err
	}
	if c.props == nil {
		c.props = make(map[string]string)
	}
	c.props[key] = data
	return nil
}

// TraceProperty deserializes the named property into target (a pointer).
// Returns false when the property is unset.
func (c *ProcessContext) TraceProperty(key string, target any) (bool, error) {
	data, ok := c.props[key]
	if !ok {
		data = c.trace.TraceProperty(key)
		if data == "" {
			return false, nil
		}
	}
	return true, deserializeInto(c.factory().serializer, data, target)
}

// effectiveProps merges the incoming envelope's properties with those set
// during this stage, the latter winning.
func (c *ProcessContext) effectiveProps() map[string]string {
	merged := make(map[string]string, len(c.trace.TraceProps)+len(c.props))
	for k, v := range c.trace.TraceProps {
		merged[k] = v
	}
	for k, v := range c.props {
		merged[k] = v
	}
	return merged
}

// =============================================================================
// EXTRA STATE
// =============================================================================

// SetExtraStateForReplyOrNext attaches a key/value to the state frame the
// next REPLY or NEXT restores for this endpoint, on already-buffered and
// future REQUEST/NEXT calls from this stage.
func (c *ProcessContext) SetExtraStateForReplyOrNext(key string, value any) error {
	data, err := c.factory().serializer.SerializeObject(value)
	if err != nil {
		return err
	}
	if c.extraState == nil {
		c.extraState = make(map[string]string)
	}
	c.extraState[key] = data

	height := c.trace.StackHeight()
	for _, bm := range c.outgoing {
		if bm.fromInitiation {
			continue
		}
		if t := bm.trace.CurrentCall().Type; t == matstrace.CallTypeRequest || t == matstrace.CallTypeNext {
			bm.trace.AddExtraStateForHeight(height, key, data)
		}
	}
	return nil
}

// IncomingExtraState deserializes a key of the incoming frame's extra-state
// map into target. Returns false when unset.
func (c *ProcessContext) IncomingExtraState(key string, target any) (bool, error) {
	frame, ok := c.trace.CurrentState()
	if !ok || frame.ExtraState == nil {
		return false, nil
	}
	data, ok := frame.ExtraState[key]
	if !ok {
		return false, nil
	}
	return true, deserializeInto(c.factory().serializer, data, target)
}

// =============================================================================
// OUTGOING OPERATIONS
// =============================================================================

// Request sends a request to the given endpoint; its reply arrives at this
// endpoint's next stage, which also receives the state object as it was when
// this call was made.
func (c *ProcessContext) Request(endpointID string, requestDto any) error {
	if c.stage.nextStageID == "" {
		return NewConfigError("stage '%s': request from the last stage of an endpoint: there is no next stage to receive the reply", c.stage.stageID)
	}
	c.noteRequestOrNext("request")

	ser := c.factory().serializer
	data, err := ser.SerializeObject(requestDto)
	if err != nil {
		return err
	}
	callerState, err := ser.SerializeObject(c.state)
	if err != nil {
		return err
	}
	out := c.trace.AddRequestCall(c.stage.stageID,
		matstrace.Queue(endpointID), matstrace.Queue(c.stage.nextStageID),
		data, callerState, nil)
	c.applyExtraState(out)
	c.buffer(out, false)
	return nil
}

// Reply replies up the call stack with the given object. With an empty reply
// stack (a fire-and-forget target replying into the void) this is an
// info-logged no-op.
func (c *ProcessContext) Reply(replyDto any) error {
	c.noteReply()

	cur := c.trace.CurrentCall()
	if cur == nil || len(cur.ReplyStack) == 0 {
		c.logger.Info("reply with empty reply stack; dropping",
			"stage_id", c.stage.stageID)
		return nil
	}
	data, err := c.factory().serializer.SerializeObject(replyDto)
	if err != nil {
		return err
	}
	out, err := c.trace.AddReplyCall(c.stage.stageID, data)
	if err != nil {
		return err
	}
	c.buffer(out, false)
	return nil
}

// Next passes the flow to this endpoint's next stage, carrying the state
// object as it is now.
func (c *ProcessContext) Next(nextDto any) error {
	if c.stage.nextStageID == "" {
		return NewConfigError("stage '%s': next from the last stage of an endpoint", c.stage.stageID)
	}
	c.noteRequestOrNext("next")

	ser := c.factory().serializer
	data, err := ser.SerializeObject(nextDto)
	if err != nil {
		return err
	}
	state, err := ser.SerializeObject(c.state)
	if err != nil {
		return err
	}
	out := c.trace.AddNextCall(c.stage.stageID, c.stage.nextStageID, data, state)
	c.applyExtraState(out)
	c.buffer(out, false)
	return nil
}

// Initiate starts new flows from within this stage. The initiation joins the
// stage's commit batch, inherits the incoming trace id (plus any explicit
// suffix) and the trace properties set so far; the factory's trace-id
// modifier is not applied.
func (c *ProcessContext) Initiate(fn func(ic *InitiateContext) error) error {
	ic := newNestedInitiateContext(c)
	if err := fn(ic); err != nil {
		return err
	}
	for _, bm := range ic.messages {
		bm.fromInitiation = true
		c.outgoing = append(c.outgoing, bm)
	}
	return nil
}

// Stash freezes this stage's incoming execution point into opaque bytes for
// later resumption via Initiator.Unstash. Idempotent: repeated calls in the
// same stage yield equal bytes.
func (c *ProcessContext) Stash() ([]byte, error) {
	ser := c.factory().serializer
	s, err := ser.SerializeEnvelope(c.trace)
	if err != nil {
		return nil, err
	}
	return encodeStash(&stashInfo{
		SerializerID:    ser.ID(),
		EndpointID:      c.stage.endpoint.id,
		StageID:         c.stage.stageID,
		NextStageID:     c.stage.nextStageID,
		Meta:            s.Meta,
		SystemMessageID: c.systemMessageID,
		Envelope:        s.Data,
	})
}

// DoAfterCommit registers a callback run after - and only after - both the
// broker and any external resource have committed. Panics in the callback
// are logged and swallowed.
func (c *ProcessContext) DoAfterCommit(fn func()) {
	c.afterCommit = append(c.afterCommit, fn)
}

// =============================================================================
// INTERNALS
// =============================================================================

func (c *ProcessContext) factory() *Factory {
	return c.stage.endpoint.factory
}

func (c *ProcessContext) buffer(out *matstrace.MatsTrace, fromInitiation bool) {
	bytes, strings := c.takePendingSideloads()
	c.outgoing = append(c.outgoing, &bufferedMessage{
		trace:          out,
		bytes:          bytes,
		strings:        strings,
		fromInitiation: fromInitiation,
	})
}

func (c *ProcessContext) applyExtraState(out *matstrace.MatsTrace) {
	height := c.trace.StackHeight()
	for k, v := range c.extraState {
		out.AddExtraStateForHeight(height, k, v)
	}
}

func (c *ProcessContext) noteReply() {
	stack := debug.Stack()
	if c.replyCount > 0 {
		c.violations = append(c.violations, flowViolation{
			description: "second reply from one stage",
			firstStack:  c.firstCallStack,
			secondStack: stack,
		})
	} else if c.reqOrNextCount > 0 {
		c.violations = append(c.violations, flowViolation{
			description: "reply after request/next from one stage",
			firstStack:  c.firstCallStack,
			secondStack: stack,
		})
	}
	if c.firstCallStack == nil {
		c.firstCallStack = stack
	}
	c.replyCount++
}

func (c *ProcessContext) noteRequestOrNext(op string) {
	stack := debug.Stack()
	if c.replyCount > 0 {
		c.violations = append(c.violations, flowViolation{
			description: op + " after reply from one stage",
			firstStack:  c.firstCallStack,
			secondStack: stack,
		})
	}
	if c.firstCallStack == nil {
		c.firstCallStack = stack
	}
	c.reqOrNextCount++
}

// checkLegalFlow resolves recorded violations per the configured strictness:
// Warn logs each with both stack traces and proceeds, Fail fails the message.
func (c *ProcessContext) checkLegalFlow() error {
	if len(c.violations) == 0 {
		return nil
	}
	for _, v := range c.violations {
		c.logger.Error("illegal message flow",
			"stage_id", c.stage.stageID,
			"violation", v.description,
			"first_call_stack", string(v.firstStack),
			"violating_call_stack", string(v.secondStack))
	}
	if c.factory().config.FlowStrictness == FlowStrictnessFail {
		return NewIllegalFlowError(c.stage.stageID, c.violations[0].description)
	}
	return nil
}

// invoke runs the user lambda, converting panics into errors so they roll
// back like any other user-code failure.
func (c *ProcessContext) invoke(fn StageFunc, state, msg any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage '%s' panicked: %v\n%s", c.stage.stageID, r, debug.Stack())
		}
	}()
	return fn(c, state, msg)
}

// runAfterCommit runs registered callbacks, logging and swallowing failures.
func (c *ProcessContext) runAfterCommit() {
	for _, fn := range c.afterCommit {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("doAfterCommit callback panicked", "panic", r)
				}
			}()
			fn()
		}()
	}
}

// deserializeInto materializes serialized data into target, which must be a
// non-nil pointer.
func deserializeInto(ser interface {
	DeserializeObject(data string, target reflect.Type) (any, error)
}, data string, target any) error {
	tv := reflect.ValueOf(target)
	if tv.Kind() != reflect.Ptr || tv.IsNil() {
		return NewConfigError("target must be a non-nil pointer, got %T", target)
	}
	val, err := ser.DeserializeObject(data, tv.Type().Elem())
	if err != nil {
		return err
	}
	if val != nil {
		tv.Elem().Set(reflect.ValueOf(val).Elem())
	}
	return nil
}
