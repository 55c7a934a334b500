package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStashRoundTrip(t *testing.T) {
	info := &stashInfo{
		SerializerID:    "json",
		EndpointID:      "OrderService.validate",
		StageID:         "OrderService.validate.stage1",
		NextStageID:     "OrderService.validate.stage2",
		Meta:            "json:v1:gzip",
		SystemMessageID: "mem_42",
		Envelope:        []byte{0x1f, 0x8b, 0x00, 0xff},
	}
	data, err := encodeStash(info)
	require.NoError(t, err)
	assert.Equal(t, "MATS", string(data[0:4]))
	assert.Equal(t, "json", string(data[4:8]))

	back, err := parseStash(data)
	require.NoError(t, err)
	assert.Equal(t, info, back)
}

func TestStashEmptyNextStage(t *testing.T) {
	info := &stashInfo{
		SerializerID:    "json",
		EndpointID:      "Terminator",
		StageID:         "Terminator",
		NextStageID:     "",
		Meta:            "json:v1:plain",
		SystemMessageID: "mem_1",
		Envelope:        []byte("{}"),
	}
	data, err := encodeStash(info)
	require.NoError(t, err)

	back, err := parseStash(data)
	require.NoError(t, err)
	assert.Empty(t, back.NextStageID)
}

func TestEncodeStashRejectsBadSerializerID(t *testing.T) {
	_, err := encodeStash(&stashInfo{SerializerID: "toolong"})
	var inv *InvalidStashError
	assert.ErrorAs(t, err, &inv)
}

func TestParseStashErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"too short", []byte("MAT")},
		{"bad magic", []byte("XATSjson\x01\x05aaaaaaaaaaaaaaa")},
		{"bad version", []byte("MATSjson\x02\x05a\x00b\x00c\x00d\x00e\x00")},
		{"bad field count", []byte("MATSjson\x01\x03a\x00b\x00c\x00")},
		{"truncated fields", []byte("MATSjson\x01\x05a\x00b\x00")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseStash(tt.data)
			var inv *InvalidStashError
			assert.ErrorAs(t, err, &inv)
		})
	}
}

func TestStashEnvelopeMayContainZeroBytes(t *testing.T) {
	info := &stashInfo{
		SerializerID:    "json",
		EndpointID:      "E",
		StageID:         "E",
		Meta:            "json:v1:plain",
		SystemMessageID: "m",
		Envelope:        []byte{0x00, 0x01, 0x00, 0x02},
	}
	data, err := encodeStash(info)
	require.NoError(t, err)
	back, err := parseStash(data)
	require.NoError(t, err)
	assert.Equal(t, info.Envelope, back.Envelope)
}
