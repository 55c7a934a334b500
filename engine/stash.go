package engine

import (
	"bytes"
)

// =============================================================================
// STASH CODEC
// =============================================================================
//
// A stash is the opaque freeze of a stage's incoming execution point, for
// later resumption by an unrelated thread on an unrelated node. Layout:
//
//	"MATS"                          4 bytes, ASCII magic
//	codec tag                       4 bytes, ASCII serializer id
//	version                         1 byte  (currently 1)
//	field count                     1 byte  (currently 5)
//	fields                          UTF-8, each zero-terminated:
//	    endpointId, stageId, nextStageId-or-"-", serializer meta,
//	    systemMessageId
//	envelope                        remaining bytes, raw serialized envelope

const (
	stashMagic      = "MATS"
	stashVersion    = byte(1)
	stashFieldCount = byte(5)

	// stashNoNextStage marks the absence of a next stage in the stash.
	stashNoNextStage = "-"
)

// stashInfo is the decoded content of a stash blob.
type stashInfo struct {
	SerializerID    string
	EndpointID      string
	StageID         string
	NextStageID     string // empty when the stashing stage was the last
	Meta            string
	SystemMessageID string
	Envelope        []byte
}

// encodeStash writes the stash wire format.
func encodeStash(info *stashInfo) ([]byte, error) {
	if len(info.SerializerID) != 4 {
		return nil, NewInvalidStashError("serializer id '%s' is not 4 characters", info.SerializerID)
	}
	nextStageID := info.NextStageID
	if nextStageID == "" {
		nextStageID = stashNoNextStage
	}

	var buf bytes.Buffer
	buf.WriteString(stashMagic)
	buf.WriteString(info.SerializerID)
	buf.WriteByte(stashVersion)
	buf.WriteByte(stashFieldCount)
	for _, field := range []string{info.EndpointID, info.StageID, nextStageID, info.Meta, info.SystemMessageID} {
		buf.WriteString(field)
		buf.WriteByte(0)
	}
	buf.Write(info.Envelope)
	return buf.Bytes(), nil
}

// parseStash reads the stash wire format, failing fast on anything it does
// not recognize.
func parseStash(data []byte) (*stashInfo, error) {
	// Magic + codec + version + field count.
	if len(data) < 10 {
		return nil, NewInvalidStashError("too short (%d bytes)", len(data))
	}
	if string(data[0:4]) != stashMagic {
		return nil, NewInvalidStashError("bad magic %q", string(data[0:4]))
	}
	info := &stashInfo{SerializerID: string(data[4:8])}
	if data[8] != stashVersion {
		return nil, NewInvalidStashError("unsupported version %d", data[8])
	}
	fieldCount := int(data[9])
	if fieldCount != int(stashFieldCount) {
		return nil, NewInvalidStashError("unexpected field count %d", fieldCount)
	}

	rest := data[10:]
	fields := make([]string, 0, fieldCount)
	for i := 0; i < fieldCount; i++ {
		idx := bytes.IndexByte(rest, 0)
		if idx < 0 {
			return nil, NewInvalidStashError("truncated field %d", i)
		}
		fields = append(fields, string(rest[:idx]))
		rest = rest[idx+1:]
	}

	info.EndpointID = fields[0]
	info.StageID = fields[1]
	if fields[2] != stashNoNextStage {
		info.NextStageID = fields[2]
	}
	info.Meta = fields[3]
	info.SystemMessageID = fields[4]
	info.Envelope = rest
	return info, nil
}
