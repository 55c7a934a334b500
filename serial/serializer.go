// Package serial provides the serializer capability: bytes <-> MatsTrace and
// bytes <-> user payload. The engine only ever moves opaque serialized data;
// the concrete representation is pluggable behind the Serializer interface.
package serial

import (
	"fmt"
	"reflect"

	"github.com/staale/gomats/matstrace"
)

// Serialized is the result of serializing an envelope, with the sizing and
// timing figures interceptors record.
type Serialized struct {
	// Data is the (possibly compressed) wire bytes.
	Data []byte
	// Meta is the self-describing tag a reader needs to deserialize Data:
	// serializer id, format version and compression scheme.
	Meta string

	SizeUncompressed   int
	SizeCompressed     int
	NanosSerialization int64
	NanosCompression   int64
}

// Serializer is the capability the engine consumes for envelopes and user
// payloads. Implementations must be deterministic: identical envelopes
// serialize identically, modulo explicitly timestamped fields.
type Serializer interface {
	// ID identifies the serializer; exactly 4 ASCII characters, used in the
	// stash header.
	ID() string

	SerializeEnvelope(trace *matstrace.MatsTrace) (Serialized, error)
	DeserializeEnvelope(data []byte, meta string) (*matstrace.MatsTrace, error)

	// SerializeObject serializes a user payload or state object to its
	// string representation carried inside the envelope. A nil object
	// serializes to the empty string.
	SerializeObject(v any) (string, error)

	// DeserializeObject materializes a serialized object into a new instance
	// of the target type, returned as a pointer to it. Empty data yields nil.
	DeserializeObject(data string, target reflect.Type) (any, error)
}

// UnsupportedMetaError is returned when an envelope's meta tag names a
// serializer id, version or compression scheme the reader does not support.
type UnsupportedMetaError struct {
	Meta string
}

func (e *UnsupportedMetaError) Error() string {
	return fmt.Sprintf("unsupported envelope meta '%s'", e.Meta)
}

// NewUnsupportedMetaError creates a new UnsupportedMetaError.
func NewUnsupportedMetaError(meta string) *UnsupportedMetaError {
	return &UnsupportedMetaError{Meta: meta}
}
