package matstrace

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CHANNEL
// =============================================================================

// Channel is a destination: an id plus how messages on it are distributed.
type Channel struct {
	ID    string         `json:"id"`
	Model MessagingModel `json:"model"`
}

// Queue returns a queue channel for the given id.
func Queue(id string) Channel {
	return Channel{ID: id, Model: ModelQueue}
}

// Topic returns a topic channel for the given id.
func Topic(id string) Channel {
	return Channel{ID: id, Model: ModelTopic}
}

// =============================================================================
// CALL
// =============================================================================

// CallDebug carries optional per-call debug metadata. It is informational
// only and is dropped by trace compaction.
type CallDebug struct {
	CallingAppName    string `json:"calling_app_name,omitempty"`
	CallingAppVersion string `json:"calling_app_version,omitempty"`
	CallingNode       string `json:"calling_node,omitempty"`
	CalledTimestamp   int64  `json:"called_timestamp,omitempty"`
}

// Call is a single hop of a flow. The last element of MatsTrace.Calls is the
// current call - the one the receiving stage is processing.
type Call struct {
	Type CallType `json:"type"`
	From string   `json:"from"`
	To   Channel  `json:"to"`

	// ReplyStack holds the channels a REPLY unwinds to, innermost last.
	// Its length is the call's stack height.
	ReplyStack []Channel `json:"reply_stack"`

	// Data is the serialized user payload. Nulled on non-current calls
	// under KeepTraceCompact.
	Data string `json:"data"`

	MatsMessageID string     `json:"mats_message_id"`
	Debug         *CallDebug `json:"debug,omitempty"`
}

// StackHeight returns the call's position in the flow's call stack.
func (c *Call) StackHeight() int {
	return len(c.ReplyStack)
}

// Clone creates a deep copy of the call.
func (c *Call) Clone() *Call {
	clone := &Call{
		Type:          c.Type,
		From:          c.From,
		To:            c.To,
		ReplyStack:    copyChannels(c.ReplyStack),
		Data:          c.Data,
		MatsMessageID: c.MatsMessageID,
	}
	if c.Debug != nil {
		debug := *c.Debug
		clone.Debug = &debug
	}
	return clone
}

// =============================================================================
// STACK STATE
// =============================================================================

// StackState is a serialized state frame bound to a stack height. On receive,
// the incoming state is the most recently added frame whose height equals the
// incoming call's stack height.
type StackState struct {
	Height int    `json:"height"`
	State  string `json:"state"`

	// ExtraState is a side map accumulated alongside the frame, available to
	// the stage the frame is restored for.
	ExtraState map[string]string `json:"extra_state,omitempty"`
}

// =============================================================================
// MATS TRACE
// =============================================================================

// ErrEmptyReplyStack is returned by AddReplyCall when the current call has no
// reply frame to pop.
var ErrEmptyReplyStack = errors.New("reply requested but the reply stack is empty")

// MatsTrace is the on-wire envelope: flow identity, flags, the call stack and
// the state flow. All Add*Call operations are pure with respect to the
// receiver - they deep-clone first - so a single incoming envelope can fan
// out into several independent outgoing envelopes.
type MatsTrace struct {
	// Flow identity
	FlowID  string `json:"flow_id"`
	TraceID string `json:"trace_id"`

	// Initiation metadata
	InitializingAppName    string `json:"initializing_app_name"`
	InitializingAppVersion string `json:"initializing_app_version"`
	InitiatorID            string `json:"initiator_id"`
	InitializedTimestamp   int64  `json:"initialized_timestamp"`

	// Flags
	KeepTrace        KeepTrace `json:"keep_trace"`
	NonPersistent    bool      `json:"non_persistent"`
	Interactive      bool      `json:"interactive"`
	NoAudit          bool      `json:"no_audit"`
	TimeToLiveMillis int64     `json:"time_to_live_millis"`

	// Call counters. Both increase monotonically per added call;
	// TotalCallNumber survives stash/unstash since the envelope is carried
	// verbatim through the stash bytes.
	CallNumber      int `json:"call_number"`
	TotalCallNumber int `json:"total_call_number"`

	// The call stack. The last call is the current one; older calls are
	// compacted or dropped per KeepTrace.
	Calls []*Call `json:"calls"`

	// The state flow: state frames keyed by stack height.
	StateFlow []StackState `json:"state_flow"`

	// TraceProps are sticky key/value properties visible for the remainder
	// of the flow. Values are serialized with the payload serializer.
	TraceProps map[string]string `json:"trace_props,omitempty"`
}

// NewMatsTrace creates a fresh envelope for a new flow. The flow id is
// generated; the trace id is caller-supplied.
func NewMatsTrace(traceID, initiatorID, appName, appVersion string) *MatsTrace {
	return &MatsTrace{
		FlowID:                 "flow_" + uuid.New().String(),
		TraceID:                traceID,
		InitializingAppName:    appName,
		InitializingAppVersion: appVersion,
		InitiatorID:            initiatorID,
		InitializedTimestamp:   time.Now().UnixMilli(),
		KeepTrace:              KeepTraceCompact,
		Calls:                  []*Call{},
		StateFlow:              []StackState{},
	}
}

// NewMatsMessageID generates the per-message id carried on each call.
func NewMatsMessageID() string {
	return "mats_" + uuid.New().String()
}

// =============================================================================
// CALL ALGEBRA
// =============================================================================

// CurrentCall returns the call the receiving stage is processing, or nil on a
// freshly initiated trace.
func (t *MatsTrace) CurrentCall() *Call {
	if len(t.Calls) == 0 {
		return nil
	}
	return t.Calls[len(t.Calls)-1]
}

// StackHeight returns the current call's stack height, 0 for a fresh trace.
func (t *MatsTrace) StackHeight() int {
	cur := t.CurrentCall()
	if cur == nil {
		return 0
	}
	return cur.StackHeight()
}

// CurrentState resolves the incoming state for the current call: the most
// recently added frame whose height equals the current stack height. The
// second return is false when no frame matches (the stage starts blank).
func (t *MatsTrace) CurrentState() (StackState, bool) {
	height := t.StackHeight()
	for i := len(t.StateFlow) - 1; i >= 0; i-- {
		if t.StateFlow[i].Height == height {
			return t.StateFlow[i], true
		}
	}
	return StackState{}, false
}

// AddRequestCall clones the trace and appends a REQUEST: replyTo is pushed
// onto the reply stack, the caller's state is recorded at the current height
// (restored when the reply unwinds) and, if non-nil, an initial state for the
// callee is recorded at height+1.
func (t *MatsTrace) AddRequestCall(from string, to, replyTo Channel, data, callerState string, initialCalleeState *string) *MatsTrace {
	clone := t.Clone()
	stack := clone.currentStackCopy()
	height := len(stack)

	clone.StateFlow = append(clone.StateFlow, StackState{Height: height, State: callerState})
	if initialCalleeState != nil {
		clone.StateFlow = append(clone.StateFlow, StackState{Height: height + 1, State: *initialCalleeState})
	}
	clone.appendCall(&Call{
		Type:       CallTypeRequest,
		From:       from,
		To:         to,
		ReplyStack: append(stack, replyTo),
		Data:       data,
	})
	return clone
}

// AddReplyCall clones the trace and appends a REPLY: the top reply frame is
// popped and becomes the target. State frames above the popped height are
// pruned - they belonged to the returning sub-flow.
func (t *MatsTrace) AddReplyCall(from, data string) (*MatsTrace, error) {
	cur := t.CurrentCall()
	if cur == nil || len(cur.ReplyStack) == 0 {
		return nil, ErrEmptyReplyStack
	}
	clone := t.Clone()
	stack := clone.currentStackCopy()
	to := stack[len(stack)-1]
	stack = stack[:len(stack)-1]

	pruned := clone.StateFlow[:0]
	for _, s := range clone.StateFlow {
		if s.Height <= len(stack) {
			pruned = append(pruned, s)
		}
	}
	clone.StateFlow = pruned
	clone.appendCall(&Call{
		Type:       CallTypeReply,
		From:       from,
		To:         to,
		ReplyStack: stack,
		Data:       data,
	})
	return clone, nil
}

// AddNextCall clones the trace and appends a NEXT to the given stage id:
// the stack is unchanged and exactly one state frame is added for the
// receiving stage.
func (t *MatsTrace) AddNextCall(from, nextStageID, data, state string) *MatsTrace {
	clone := t.Clone()
	stack := clone.currentStackCopy()

	clone.StateFlow = append(clone.StateFlow, StackState{Height: len(stack), State: state})
	clone.appendCall(&Call{
		Type:       CallTypeNext,
		From:       from,
		To:         Queue(nextStageID),
		ReplyStack: stack,
		Data:       data,
	})
	return clone
}

// AddSendCall clones the trace and appends a SEND: like a request but without
// pushing a reply frame. Used for fire-and-forget and publish.
func (t *MatsTrace) AddSendCall(from string, to Channel, data string, initialTargetState *string) *MatsTrace {
	clone := t.Clone()
	stack := clone.currentStackCopy()

	if initialTargetState != nil {
		clone.StateFlow = append(clone.StateFlow, StackState{Height: len(stack), State: *initialTargetState})
	}
	clone.appendCall(&Call{
		Type:       CallTypeSend,
		From:       from,
		To:         to,
		ReplyStack: stack,
		Data:       data,
	})
	return clone
}

func (t *MatsTrace) appendCall(call *Call) {
	call.MatsMessageID = NewMatsMessageID()
	call.Debug = &CallDebug{
		CallingAppName:    t.InitializingAppName,
		CallingAppVersion: t.InitializingAppVersion,
		CalledTimestamp:   time.Now().UnixMilli(),
	}
	t.Calls = append(t.Calls, call)
	t.CallNumber++
	t.TotalCallNumber++
}

// SetCallDebug replaces the current call's debug info, typically with the
// actual calling app/node of a relaying stage.
func (t *MatsTrace) SetCallDebug(appName, appVersion, node string) {
	cur := t.CurrentCall()
	if cur == nil {
		return
	}
	cur.Debug = &CallDebug{
		CallingAppName:    appName,
		CallingAppVersion: appVersion,
		CallingNode:       node,
		CalledTimestamp:   time.Now().UnixMilli(),
	}
}

// =============================================================================
// TRACE PROPERTIES
// =============================================================================

// SetTraceProperty sets a sticky property visible for the rest of the flow.
// The value is a serialized representation.
func (t *MatsTrace) SetTraceProperty(key, value string) {
	if t.TraceProps == nil {
		t.TraceProps = make(map[string]string)
	}
	t.TraceProps[key] = value
}

// TraceProperty returns the serialized property value, empty if unset.
func (t *MatsTrace) TraceProperty(key string) string {
	return t.TraceProps[key]
}

// =============================================================================
// EXTRA STATE
// =============================================================================

// AddExtraStateForHeight attaches a key/value to the most recent state frame
// at the given height. Returns false if no frame matches.
func (t *MatsTrace) AddExtraStateForHeight(height int, key, value string) bool {
	for i := len(t.StateFlow) - 1; i >= 0; i-- {
		if t.StateFlow[i].Height == height {
			if t.StateFlow[i].ExtraState == nil {
				t.StateFlow[i].ExtraState = make(map[string]string)
			}
			t.StateFlow[i].ExtraState[key] = value
			return true
		}
	}
	return false
}

// =============================================================================
// COMPACTION
// =============================================================================

// CompactForKeepTrace applies the envelope's KeepTrace mode to the call
// history. Invoked before serialize-and-send. The state flow is never
// compacted - it is protocol, not history.
func (t *MatsTrace) CompactForKeepTrace() {
	switch t.KeepTrace {
	case KeepTraceFull:
		// Nothing dropped.
	case KeepTraceCompact:
		for i := 0; i < len(t.Calls)-1; i++ {
			t.Calls[i].Data = ""
			t.Calls[i].Debug = nil
		}
	case KeepTraceMinimal:
		if len(t.Calls) > 1 {
			t.Calls = []*Call{t.Calls[len(t.Calls)-1]}
		}
	}
}

// =============================================================================
// CLONE
// =============================================================================

// Clone creates a deep copy of the trace.
func (t *MatsTrace) Clone() *MatsTrace {
	clone := &MatsTrace{
		FlowID:                 t.FlowID,
		TraceID:                t.TraceID,
		InitializingAppName:    t.InitializingAppName,
		InitializingAppVersion: t.InitializingAppVersion,
		InitiatorID:            t.InitiatorID,
		InitializedTimestamp:   t.InitializedTimestamp,
		KeepTrace:              t.KeepTrace,
		NonPersistent:          t.NonPersistent,
		Interactive:            t.Interactive,
		NoAudit:                t.NoAudit,
		TimeToLiveMillis:       t.TimeToLiveMillis,
		CallNumber:             t.CallNumber,
		TotalCallNumber:        t.TotalCallNumber,
	}

	clone.Calls = make([]*Call, len(t.Calls))
	for i, c := range t.Calls {
		clone.Calls[i] = c.Clone()
	}

	clone.StateFlow = make([]StackState, len(t.StateFlow))
	for i, s := range t.StateFlow {
		clone.StateFlow[i] = StackState{Height: s.Height, State: s.State}
		if s.ExtraState != nil {
			extra := make(map[string]string, len(s.ExtraState))
			for k, v := range s.ExtraState {
				extra[k] = v
			}
			clone.StateFlow[i].ExtraState = extra
		}
	}

	if t.TraceProps != nil {
		clone.TraceProps = make(map[string]string, len(t.TraceProps))
		for k, v := range t.TraceProps {
			clone.TraceProps[k] = v
		}
	}
	return clone
}

// currentStackCopy returns a copy of the current call's reply stack, empty
// for a fresh trace. The copy has spare capacity for one push.
func (t *MatsTrace) currentStackCopy() []Channel {
	cur := t.CurrentCall()
	if cur == nil {
		return make([]Channel, 0, 1)
	}
	stack := make([]Channel, len(cur.ReplyStack), len(cur.ReplyStack)+1)
	copy(stack, cur.ReplyStack)
	return stack
}

func copyChannels(s []Channel) []Channel {
	if s == nil {
		return nil
	}
	result := make([]Channel, len(s))
	copy(result, s)
	return result
}
