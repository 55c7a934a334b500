// Package matstrace provides the MatsTrace envelope - the self-contained
// in-flight record of a message flow's call stack, state stack and metadata.
//
// Every message on the wire carries a MatsTrace. The trace is the protocol:
// a stage never needs anything beyond the incoming envelope to know where it
// is in the flow, what its state is, and where a reply should go.
package matstrace

import (
	"fmt"
	"strings"
)

// =============================================================================
// CALL TYPES
// =============================================================================

// CallType represents the kind of a single call (hop) in a flow.
type CallType string

const (
	// CallTypeRequest pushes a reply frame; the callee is expected to reply.
	CallTypeRequest CallType = "REQUEST"
	// CallTypeReply pops the top reply frame and targets it.
	CallTypeReply CallType = "REPLY"
	// CallTypeNext passes to the following stage of the same endpoint.
	CallTypeNext CallType = "NEXT"
	// CallTypeSend starts or continues a flow without a reply frame.
	CallTypeSend CallType = "SEND"
)

// CallTypeFromString parses a call type string.
func CallTypeFromString(value string) (CallType, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "REQUEST":
		return CallTypeRequest, nil
	case "REPLY":
		return CallTypeReply, nil
	case "NEXT":
		return CallTypeNext, nil
	case "SEND":
		return CallTypeSend, nil
	default:
		return "", fmt.Errorf("invalid call type '%s'. Must be one of: REQUEST, REPLY, NEXT, SEND", value)
	}
}

// =============================================================================
// MESSAGING MODEL
// =============================================================================

// MessagingModel represents how a channel distributes messages.
type MessagingModel string

const (
	// ModelQueue is competing-consumer point-to-point delivery.
	ModelQueue MessagingModel = "QUEUE"
	// ModelTopic is fan-out delivery to every subscriber.
	ModelTopic MessagingModel = "TOPIC"
)

// MessagingModelFromString parses a messaging model string.
func MessagingModelFromString(value string) (MessagingModel, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "QUEUE":
		return ModelQueue, nil
	case "TOPIC":
		return ModelTopic, nil
	default:
		return "", fmt.Errorf("invalid messaging model '%s'. Must be one of: QUEUE, TOPIC", value)
	}
}

// =============================================================================
// KEEP TRACE
// =============================================================================

// KeepTrace controls how much call history the envelope retains on the wire.
type KeepTrace string

const (
	// KeepTraceFull retains every call with data and debug info.
	KeepTraceFull KeepTrace = "FULL"
	// KeepTraceCompact retains all call frames but nulls the data of
	// non-current calls.
	KeepTraceCompact KeepTrace = "COMPACT"
	// KeepTraceMinimal retains only the current call and its reply stack.
	KeepTraceMinimal KeepTrace = "MINIMAL"
)

// KeepTraceFromString parses a keep-trace string.
func KeepTraceFromString(value string) (KeepTrace, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "FULL":
		return KeepTraceFull, nil
	case "COMPACT":
		return KeepTraceCompact, nil
	case "MINIMAL":
		return KeepTraceMinimal, nil
	default:
		return "", fmt.Errorf("invalid keep-trace '%s'. Must be one of: FULL, COMPACT, MINIMAL", value)
	}
}

// =============================================================================
// WIRE MESSAGE TYPE
// =============================================================================

// MessageType is the broker-visible type of an outgoing message. It is a
// function of the envelope's current call and the target's messaging model.
type MessageType string

const (
	MessageTypeRequest MessageType = "REQUEST"
	MessageTypeReply   MessageType = "REPLY"
	MessageTypeNext    MessageType = "NEXT"
	MessageTypeSend    MessageType = "SEND"
	MessageTypePublish MessageType = "PUBLISH"
)

// MessageTypeFromString parses a wire message type string.
func MessageTypeFromString(value string) (MessageType, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "REQUEST":
		return MessageTypeRequest, nil
	case "REPLY":
		return MessageTypeReply, nil
	case "NEXT":
		return MessageTypeNext, nil
	case "SEND":
		return MessageTypeSend, nil
	case "PUBLISH":
		return MessageTypePublish, nil
	default:
		return "", fmt.Errorf("invalid message type '%s'. Must be one of: REQUEST, REPLY, NEXT, SEND, PUBLISH", value)
	}
}

// MessageTypeForCall resolves the wire message type for a call per the
// protocol's mapping: SEND to a topic is PUBLISH, everything else maps
// one-to-one onto the call type.
func MessageTypeForCall(callType CallType, targetModel MessagingModel) MessageType {
	if callType == CallTypeSend && targetModel == ModelTopic {
		return MessageTypePublish
	}
	return MessageType(callType)
}
