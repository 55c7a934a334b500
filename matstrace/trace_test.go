package matstrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestTrace() *MatsTrace {
	return NewMatsTrace("test-trace", "Test.init", "TestApp", "0.0.1")
}

func str(s string) *string {
	return &s
}

// =============================================================================
// CALL ALGEBRA
// =============================================================================

func TestNewMatsTrace(t *testing.T) {
	trace := newTestTrace()

	assert.NotEmpty(t, trace.FlowID)
	assert.Equal(t, "test-trace", trace.TraceID)
	assert.Equal(t, KeepTraceCompact, trace.KeepTrace)
	assert.Nil(t, trace.CurrentCall())
	assert.Equal(t, 0, trace.StackHeight())
	_, ok := trace.CurrentState()
	assert.False(t, ok)
}

func TestAddRequestCallPushesReplyFrame(t *testing.T) {
	trace := newTestTrace()

	out := trace.AddRequestCall("Init", Queue("Svc"), Queue("Term"), `{"n":1}`, `{"s":"caller"}`, nil)

	// Original untouched.
	assert.Empty(t, trace.Calls)
	assert.Equal(t, 0, trace.CallNumber)

	cur := out.CurrentCall()
	require.NotNil(t, cur)
	assert.Equal(t, CallTypeRequest, cur.Type)
	assert.Equal(t, "Svc", cur.To.ID)
	assert.Equal(t, []Channel{Queue("Term")}, cur.ReplyStack)
	assert.Equal(t, 1, out.StackHeight())
	assert.Equal(t, 1, out.CallNumber)
	assert.Equal(t, 1, out.TotalCallNumber)
	assert.NotEmpty(t, cur.MatsMessageID)

	// Caller state recorded at the pre-push height.
	require.Len(t, out.StateFlow, 1)
	assert.Equal(t, 0, out.StateFlow[0].Height)
	assert.Equal(t, `{"s":"caller"}`, out.StateFlow[0].State)
}

func TestAddRequestCallWithInitialCalleeState(t *testing.T) {
	trace := newTestTrace()

	out := trace.AddRequestCall("Init", Queue("Svc"), Queue("Term"), "{}", `{"caller":1}`, str(`{"callee":2}`))

	require.Len(t, out.StateFlow, 2)
	assert.Equal(t, 0, out.StateFlow[0].Height)
	assert.Equal(t, 1, out.StateFlow[1].Height)

	// The callee (at height 1) resolves its initial state.
	state, ok := out.CurrentState()
	require.True(t, ok)
	assert.Equal(t, `{"callee":2}`, state.State)
}

func TestRequestThenReplyRestoresHeightAndState(t *testing.T) {
	trace := newTestTrace()
	requested := trace.AddRequestCall("Init", Queue("Svc"), Queue("Term"), "{}", `{"caller":1}`, nil)
	require.Equal(t, 1, requested.StackHeight())

	replied, err := requested.AddReplyCall("Svc", `{"result":42}`)
	require.NoError(t, err)

	cur := replied.CurrentCall()
	assert.Equal(t, CallTypeReply, cur.Type)
	assert.Equal(t, "Term", cur.To.ID)
	assert.Equal(t, 0, replied.StackHeight())
	assert.Equal(t, 2, replied.TotalCallNumber)

	// The receiver at the popped height sees the caller's state.
	state, ok := replied.CurrentState()
	require.True(t, ok)
	assert.Equal(t, `{"caller":1}`, state.State)
}

func TestAddReplyCallPrunesHigherStates(t *testing.T) {
	trace := newTestTrace()
	requested := trace.AddRequestCall("Init", Queue("Svc"), Queue("Term"), "{}", `{"caller":1}`, str(`{"callee":2}`))

	replied, err := requested.AddReplyCall("Svc", "{}")
	require.NoError(t, err)

	require.Len(t, replied.StateFlow, 1)
	assert.Equal(t, 0, replied.StateFlow[0].Height)
	assert.Equal(t, `{"caller":1}`, replied.StateFlow[0].State)
}

func TestAddReplyCallOnEmptyStack(t *testing.T) {
	trace := newTestTrace()
	sent := trace.AddSendCall("Init", Queue("Term"), "{}", nil)

	_, err := sent.AddReplyCall("Term", "{}")
	assert.ErrorIs(t, err, ErrEmptyReplyStack)
}

func TestAddNextCallKeepsHeight(t *testing.T) {
	trace := newTestTrace()
	requested := trace.AddRequestCall("Init", Queue("Svc"), Queue("Term"), "{}", "{}", str(`{"s":0}`))

	next := requested.AddNextCall("Svc", "Svc.stage1", `{"n":1}`, `{"s":1}`)

	assert.Equal(t, requested.StackHeight(), next.StackHeight())
	assert.Equal(t, CallTypeNext, next.CurrentCall().Type)
	assert.Equal(t, "Svc.stage1", next.CurrentCall().To.ID)

	// The latest frame at the same height wins.
	state, ok := next.CurrentState()
	require.True(t, ok)
	assert.Equal(t, `{"s":1}`, state.State)
}

func TestAddSendCallDoesNotPushFrame(t *testing.T) {
	trace := newTestTrace()

	out := trace.AddSendCall("Init", Topic("Broadcast"), "{}", str(`{"s":9}`))

	assert.Equal(t, 0, out.StackHeight())
	assert.Equal(t, CallTypeSend, out.CurrentCall().Type)
	assert.Equal(t, ModelTopic, out.CurrentCall().To.Model)

	state, ok := out.CurrentState()
	require.True(t, ok)
	assert.Equal(t, `{"s":9}`, state.State)
}

func TestCallNumbersStrictlyIncrease(t *testing.T) {
	trace := newTestTrace()

	a := trace.AddRequestCall("Init", Queue("A"), Queue("T"), "{}", "{}", nil)
	b := a.AddRequestCall("A", Queue("B"), Queue("A.stage1"), "{}", "{}", nil)
	c, err := b.AddReplyCall("B", "{}")
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3}, []int{a.TotalCallNumber, b.TotalCallNumber, c.TotalCallNumber})
	assert.Equal(t, 3, c.CallNumber)
}

// =============================================================================
// STATE RESOLUTION
// =============================================================================

func TestStateResolutionLatestWins(t *testing.T) {
	trace := newTestTrace()
	trace.StateFlow = []StackState{
		{Height: 0, State: "old"},
		{Height: 1, State: "other"},
		{Height: 0, State: "new"},
	}
	trace.Calls = []*Call{{Type: CallTypeReply, To: Queue("T"), ReplyStack: []Channel{}}}

	state, ok := trace.CurrentState()
	require.True(t, ok)
	assert.Equal(t, "new", state.State)
}

func TestAddExtraStateForHeight(t *testing.T) {
	trace := newTestTrace()
	out := trace.AddRequestCall("Init", Queue("Svc"), Queue("Term"), "{}", "{}", nil)

	require.True(t, out.AddExtraStateForHeight(0, "k", "v"))
	assert.Equal(t, "v", out.StateFlow[0].ExtraState["k"])
	assert.False(t, out.AddExtraStateForHeight(7, "k", "v"))
}

// =============================================================================
// TRACE PROPERTIES
// =============================================================================

func TestTraceProperties(t *testing.T) {
	trace := newTestTrace()
	trace.SetTraceProperty("tenant", `"acme"`)

	assert.Equal(t, `"acme"`, trace.TraceProperty("tenant"))
	assert.Empty(t, trace.TraceProperty("missing"))

	// Properties survive call operations.
	out := trace.AddSendCall("Init", Queue("T"), "{}", nil)
	assert.Equal(t, `"acme"`, out.TraceProperty("tenant"))
}

// =============================================================================
// COMPACTION
// =============================================================================

func buildThreeCallTrace(t *testing.T) *MatsTrace {
	t.Helper()
	trace := newTestTrace()
	a := trace.AddRequestCall("Init", Queue("A"), Queue("T"), `{"d":1}`, "{}", nil)
	b := a.AddRequestCall("A", Queue("B"), Queue("A.stage1"), `{"d":2}`, "{}", nil)
	c, err := b.AddReplyCall("B", `{"d":3}`)
	require.NoError(t, err)
	return c
}

func TestCompactForKeepTraceFull(t *testing.T) {
	trace := buildThreeCallTrace(t)
	trace.KeepTrace = KeepTraceFull
	trace.CompactForKeepTrace()

	require.Len(t, trace.Calls, 3)
	assert.Equal(t, `{"d":1}`, trace.Calls[0].Data)
	assert.NotNil(t, trace.Calls[0].Debug)
}

func TestCompactForKeepTraceCompact(t *testing.T) {
	trace := buildThreeCallTrace(t)
	trace.KeepTrace = KeepTraceCompact
	trace.CompactForKeepTrace()

	require.Len(t, trace.Calls, 3)
	assert.Empty(t, trace.Calls[0].Data)
	assert.Empty(t, trace.Calls[1].Data)
	assert.Nil(t, trace.Calls[0].Debug)
	// Current call untouched.
	assert.Equal(t, `{"d":3}`, trace.Calls[2].Data)
}

func TestCompactForKeepTraceMinimal(t *testing.T) {
	trace := buildThreeCallTrace(t)
	trace.KeepTrace = KeepTraceMinimal
	trace.CompactForKeepTrace()

	require.Len(t, trace.Calls, 1)
	assert.Equal(t, `{"d":3}`, trace.Calls[0].Data)
	// Counters and state flow survive compaction.
	assert.Equal(t, 3, trace.TotalCallNumber)
	assert.NotEmpty(t, trace.StateFlow)
}

// =============================================================================
// CLONE
// =============================================================================

func TestCloneIsDeep(t *testing.T) {
	trace := newTestTrace()
	trace.SetTraceProperty("p", "1")
	out := trace.AddRequestCall("Init", Queue("Svc"), Queue("Term"), "{}", "{}", nil)

	clone := out.Clone()
	clone.Calls[0].Data = "mutated"
	clone.StateFlow[0].State = "mutated"
	clone.SetTraceProperty("p", "2")
	clone.Calls[0].ReplyStack[0] = Queue("Other")

	assert.Equal(t, "{}", out.Calls[0].Data)
	assert.Equal(t, "{}", out.StateFlow[0].State)
	assert.Equal(t, "1", out.TraceProperty("p"))
	assert.Equal(t, "Term", out.Calls[0].ReplyStack[0].ID)
}

// Scatter-gather: two requests cloned from one incoming trace diverge.
func TestFanOutProducesIndependentTraces(t *testing.T) {
	trace := newTestTrace()
	incoming := trace.AddRequestCall("Init", Queue("Svc"), Queue("Term"), "{}", "{}", nil)

	out1 := incoming.AddRequestCall("Svc", Queue("Leaf"), Queue("Svc.stage1"), "{}", `{"v":1}`, nil)
	out2 := incoming.AddRequestCall("Svc", Queue("Leaf"), Queue("Svc.stage1"), "{}", `{"v":2}`, nil)

	s1 := out1.StateFlow[len(out1.StateFlow)-1]
	s2 := out2.StateFlow[len(out2.StateFlow)-1]
	assert.Equal(t, `{"v":1}`, s1.State)
	assert.Equal(t, `{"v":2}`, s2.State)
	assert.Equal(t, out1.TotalCallNumber, out2.TotalCallNumber)
}
