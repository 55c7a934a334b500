package serial

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/staale/gomats/matstrace"
)

// =============================================================================
// JSON SERIALIZER
// =============================================================================

const (
	// JSONSerializerID is the 4-char codec tag of the JSON serializer.
	JSONSerializerID = "json"

	jsonFormatVersion = "v1"

	compressionNone = "plain"
	compressionGzip = "gzip"

	// DefaultCompressionThreshold is the envelope size in bytes at or above
	// which the wire representation is gzipped.
	DefaultCompressionThreshold = 900
)

// JSONSerializer serializes envelopes and payloads as JSON, gzipping
// envelopes above a size threshold. Meta format:
// "json:v1:plain" or "json:v1:gzip".
type JSONSerializer struct {
	// CompressionThreshold is the envelope byte size at or above which the
	// wire bytes are gzipped. Zero means DefaultCompressionThreshold;
	// negative disables compression.
	CompressionThreshold int
}

// NewJSONSerializer creates a JSONSerializer with the default compression
// threshold.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{CompressionThreshold: DefaultCompressionThreshold}
}

// ID returns the serializer's 4-char codec tag.
func (s *JSONSerializer) ID() string {
	return JSONSerializerID
}

// SerializeEnvelope encodes the trace as JSON, gzipping when at or above the
// threshold, and records sizes and timings.
func (s *JSONSerializer) SerializeEnvelope(trace *matstrace.MatsTrace) (Serialized, error) {
	startSerialize := time.Now()
	raw, err := json.Marshal(trace)
	if err != nil {
		return Serialized{}, fmt.Errorf("serializing envelope: %w", err)
	}
	nanosSerialize := time.Since(startSerialize).Nanoseconds()

	threshold := s.CompressionThreshold
	if threshold == 0 {
		threshold = DefaultCompressionThreshold
	}

	if threshold < 0 || len(raw) < threshold {
		return Serialized{
			Data:               raw,
			Meta:               metaTag(compressionNone),
			SizeUncompressed:   len(raw),
			SizeCompressed:     len(raw),
			NanosSerialization: nanosSerialize,
		}, nil
	}

	startCompress := time.Now()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return Serialized{}, fmt.Errorf("compressing envelope: %w", err)
	}
	if err := gz.Close(); err != nil {
		return Serialized{}, fmt.Errorf("compressing envelope: %w", err)
	}

	return Serialized{
		Data:               buf.Bytes(),
		Meta:               metaTag(compressionGzip),
		SizeUncompressed:   len(raw),
		SizeCompressed:     buf.Len(),
		NanosSerialization: nanosSerialize,
		NanosCompression:   time.Since(startCompress).Nanoseconds(),
	}, nil
}

// DeserializeEnvelope decodes wire bytes per the meta tag, rejecting ids,
// versions and compression schemes it does not understand.
func (s *JSONSerializer) DeserializeEnvelope(data []byte, meta string) (*matstrace.MatsTrace, error) {
	parts := strings.Split(meta, ":")
	if len(parts) != 3 || parts[0] != JSONSerializerID || parts[1] != jsonFormatVersion {
		return nil, NewUnsupportedMetaError(meta)
	}

	raw := data
	switch parts[2] {
	case compressionNone:
	case compressionGzip:
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decompressing envelope: %w", err)
		}
		raw, err = io.ReadAll(gz)
		if err != nil {
			return nil, fmt.Errorf("decompressing envelope: %w", err)
		}
		if err := gz.Close(); err != nil {
			return nil, fmt.Errorf("decompressing envelope: %w", err)
		}
	default:
		return nil, NewUnsupportedMetaError(meta)
	}

	var trace matstrace.MatsTrace
	if err := json.Unmarshal(raw, &trace); err != nil {
		return nil, fmt.Errorf("deserializing envelope: %w", err)
	}
	return &trace, nil
}

// SerializeObject encodes a payload or state object as JSON text. Nil
// serializes to the empty string.
func (s *JSONSerializer) SerializeObject(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("serializing object of type %T: %w", v, err)
	}
	return string(raw), nil
}

// DeserializeObject materializes JSON text into a new instance of the target
// type, returned as a pointer. Empty data yields nil (blank state).
func (s *JSONSerializer) DeserializeObject(data string, target reflect.Type) (any, error) {
	if data == "" || target == nil {
		return nil, nil
	}
	if target.Kind() == reflect.Ptr {
		target = target.Elem()
	}
	instance := reflect.New(target).Interface()
	if err := json.Unmarshal([]byte(data), instance); err != nil {
		return nil, fmt.Errorf("deserializing object into %s: %w", target, err)
	}
	return instance, nil
}

func metaTag(compression string) string {
	return JSONSerializerID + ":" + jsonFormatVersion + ":" + compression
}

// Ensure JSONSerializer implements the Serializer capability.
var _ Serializer = (*JSONSerializer)(nil)
