package engine

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// =============================================================================
// FLOW STRICTNESS
// =============================================================================

// FlowStrictness controls how legal-flow violations (double reply, reply
// mixed with request/next) are handled.
type FlowStrictness string

const (
	// FlowStrictnessWarn logs the violation as an error with both stack
	// traces and lets processing proceed. Transitional default.
	FlowStrictnessWarn FlowStrictness = "warn"
	// FlowStrictnessFail fails the message: the transaction rolls back.
	FlowStrictnessFail FlowStrictness = "fail"
)

// FlowStrictnessFromString parses a flow strictness string.
func FlowStrictnessFromString(value string) (FlowStrictness, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "warn":
		return FlowStrictnessWarn, nil
	case "fail":
		return FlowStrictnessFail, nil
	default:
		return "", fmt.Errorf("invalid flow strictness '%s'. Must be one of: warn, fail", value)
	}
}

// =============================================================================
// FACTORY CONFIGURATION
// =============================================================================

// Defaults for the protocol ceilings and lifecycle timing.
const (
	// DefaultMaxStackHeight bounds request nesting depth per flow.
	DefaultMaxStackHeight = 25
	// DefaultMaxTotalCallNumber bounds the envelope's total call number. Every
	// call counts toward it, replies included; once it is exceeded, non-REPLY
	// calls are refused while replies are still admitted.
	DefaultMaxTotalCallNumber = 100
	// DefaultStopGraceful is a 30-second graceful window. The engine does not
	// apply it itself: Stop and Remove always take their window as an
	// explicit argument.
	DefaultStopGraceful = 30 * time.Second
)

// FactoryConfig holds the factory-wide configuration: app identity,
// concurrency defaults, protocol ceilings and behavior knobs. It is read
// often and written never after NewFactory, so readers take no lock.
type FactoryConfig struct {
	// Identity. Name distinguishes factories within one process; AppName,
	// AppVersion and Nodename appear in the debug info of every outgoing
	// call.
	Name       string `json:"name"`
	AppName    string `json:"app_name"`
	AppVersion string `json:"app_version"`
	Nodename   string `json:"nodename"`

	// DestinationPrefix is prepended to every broker channel name.
	DestinationPrefix string `json:"destination_prefix"`

	// Concurrency is the default processor count per queue stage. An
	// additional max(1, Concurrency/2) processors serve interactive-flagged
	// messages only.
	Concurrency int `json:"concurrency"`

	// InitiateTraceIDModifier, when set, is applied exactly once per
	// outermost initiation to the caller-supplied trace id. It is never
	// applied to initiations made from within a stage.
	InitiateTraceIDModifier func(traceID string) string `json:"-"`

	// FlowStrictness for legal-flow violations.
	FlowStrictness FlowStrictness `json:"flow_strictness"`

	// HoldEndpointsUntilFactoryIsStarted defers endpoint start from
	// FinishSetup to Factory.Start, for cache warm-up scenarios.
	HoldEndpointsUntilFactoryIsStarted bool `json:"hold_endpoints_until_factory_is_started"`

	// Protocol ceilings.
	MaxStackHeight     int `json:"max_stack_height"`
	MaxTotalCallNumber int `json:"max_total_call_number"`
}

// DefaultFactoryConfig returns a FactoryConfig with default values for the
// given application identity.
func DefaultFactoryConfig(appName, appVersion string) *FactoryConfig {
	concurrency := runtime.NumCPU() * 2
	if concurrency > 8 {
		concurrency = 8
	}
	return &FactoryConfig{
		Name:               "default",
		AppName:            appName,
		AppVersion:         appVersion,
		Nodename:           "localhost",
		Concurrency:        concurrency,
		FlowStrictness:     FlowStrictnessWarn,
		MaxStackHeight:     DefaultMaxStackHeight,
		MaxTotalCallNumber: DefaultMaxTotalCallNumber,
	}
}

// Validate checks the configuration for setup errors.
func (c *FactoryConfig) Validate() error {
	if c.Name == "" {
		return NewConfigError("factory name must not be empty")
	}
	if c.AppName == "" {
		return NewConfigError("app name must not be empty")
	}
	if c.Concurrency < 1 {
		return NewConfigError("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.MaxStackHeight < 1 {
		return NewConfigError("max stack height must be at least 1, got %d", c.MaxStackHeight)
	}
	if c.MaxTotalCallNumber < 1 {
		return NewConfigError("max total call number must be at least 1, got %d", c.MaxTotalCallNumber)
	}
	if c.FlowStrictness != FlowStrictnessWarn && c.FlowStrictness != FlowStrictnessFail {
		return NewConfigError("invalid flow strictness '%s'", c.FlowStrictness)
	}
	return nil
}

// InteractiveConcurrency returns the size of the interactive carve-out pool
// for the given ordinary concurrency.
func InteractiveConcurrency(concurrency int) int {
	n := concurrency / 2
	if n < 1 {
		n = 1
	}
	return n
}
