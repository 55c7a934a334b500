package serial

import (
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/staale/gomats/matstrace"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testDto struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

func buildTrace() *matstrace.MatsTrace {
	trace := matstrace.NewMatsTrace("round-trip", "Test.init", "TestApp", "0.0.1")
	trace.SetTraceProperty("tenant", `"acme"`)
	out := trace.AddRequestCall("Test.init",
		matstrace.Queue("Svc"), matstrace.Queue("Term"),
		`{"number":7}`, `{"accum":1}`, nil)
	return out
}

// =============================================================================
// ENVELOPE ROUND-TRIP
// =============================================================================

func TestEnvelopeRoundTripPlain(t *testing.T) {
	// Threshold far above the envelope size so the wire stays plain.
	ser := &JSONSerializer{CompressionThreshold: 1 << 20}
	trace := buildTrace()

	s, err := ser.SerializeEnvelope(trace)
	require.NoError(t, err)
	assert.Equal(t, "json:v1:plain", s.Meta)
	assert.Equal(t, s.SizeUncompressed, s.SizeCompressed)

	back, err := ser.DeserializeEnvelope(s.Data, s.Meta)
	require.NoError(t, err)
	assert.Equal(t, trace, back)
}

func TestEnvelopeRoundTripGzip(t *testing.T) {
	ser := &JSONSerializer{CompressionThreshold: 1}
	trace := buildTrace()
	// Fat payload so compression pays off.
	trace.Calls[0].Data = `{"blob":"` + strings.Repeat("x", 4096) + `"}`

	s, err := ser.SerializeEnvelope(trace)
	require.NoError(t, err)
	assert.Equal(t, "json:v1:gzip", s.Meta)
	assert.Less(t, s.SizeCompressed, s.SizeUncompressed)

	back, err := ser.DeserializeEnvelope(s.Data, s.Meta)
	require.NoError(t, err)
	assert.Equal(t, trace, back)
}

func TestSerializeEnvelopeDeterministic(t *testing.T) {
	ser := NewJSONSerializer()
	trace := buildTrace()

	a, err := ser.SerializeEnvelope(trace)
	require.NoError(t, err)
	b, err := ser.SerializeEnvelope(trace)
	require.NoError(t, err)
	assert.Equal(t, a.Data, b.Data)
}

func TestCompressionDisabled(t *testing.T) {
	ser := &JSONSerializer{CompressionThreshold: -1}
	trace := buildTrace()
	trace.Calls[0].Data = strings.Repeat("y", 8192)

	s, err := ser.SerializeEnvelope(trace)
	require.NoError(t, err)
	assert.Equal(t, "json:v1:plain", s.Meta)
}

func TestDeserializeEnvelopeRejectsUnknownMeta(t *testing.T) {
	ser := NewJSONSerializer()

	for _, meta := range []string{"", "json", "cbor:v1:plain", "json:v2:plain", "json:v1:zstd"} {
		_, err := ser.DeserializeEnvelope([]byte("{}"), meta)
		var umErr *UnsupportedMetaError
		assert.ErrorAs(t, err, &umErr, "meta %q", meta)
	}
}

// =============================================================================
// OBJECT SERIALIZATION
// =============================================================================

func TestSerializeObjectNil(t *testing.T) {
	ser := NewJSONSerializer()

	data, err := ser.SerializeObject(nil)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestObjectRoundTrip(t *testing.T) {
	ser := NewJSONSerializer()

	data, err := ser.SerializeObject(&testDto{Number: 42, Text: "A"})
	require.NoError(t, err)

	back, err := ser.DeserializeObject(data, reflect.TypeOf(testDto{}))
	require.NoError(t, err)
	assert.Equal(t, &testDto{Number: 42, Text: "A"}, back)
}

func TestDeserializeObjectEmptyYieldsNil(t *testing.T) {
	ser := NewJSONSerializer()

	back, err := ser.DeserializeObject("", reflect.TypeOf(testDto{}))
	require.NoError(t, err)
	assert.Nil(t, back)

	back, err = ser.DeserializeObject(`{"number":1}`, nil)
	require.NoError(t, err)
	assert.Nil(t, back)
}

func TestDeserializeObjectPointerType(t *testing.T) {
	ser := NewJSONSerializer()

	back, err := ser.DeserializeObject(`{"number":3,"text":"z"}`, reflect.TypeOf(&testDto{}))
	require.NoError(t, err)
	assert.Equal(t, &testDto{Number: 3, Text: "z"}, back)
}

func TestSerializerID(t *testing.T) {
	assert.Len(t, NewJSONSerializer().ID(), 4)
}
