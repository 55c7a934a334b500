// Package testutil provides shared test utilities: an in-memory harness
// wiring broker, serializer and factory, and a latch for capturing
// terminator deliveries without polling.
package testutil

import (
	"time"

	"github.com/staale/gomats/broker"
	"github.com/staale/gomats/engine"
	"github.com/staale/gomats/serial"
)

// =============================================================================
// HARNESS
// =============================================================================

// Harness wires a MemoryBroker, the JSON serializer and a factory with small
// concurrency for fast, isolated tests.
type Harness struct {
	Broker  *broker.MemoryBroker
	Factory *engine.Factory
}

// NewHarness creates a harness with default test configuration.
func NewHarness() *Harness {
	return NewHarnessWithConfig(nil)
}

// NewHarnessWithConfig creates a harness, letting the mutator adjust the
// factory configuration before construction.
func NewHarnessWithConfig(mutate func(cfg *engine.FactoryConfig)) *Harness {
	cfg := engine.DefaultFactoryConfig("TestApp", "0.0.1-test")
	cfg.Name = "testfactory"
	cfg.Nodename = "testnode"
	cfg.Concurrency = 2
	if mutate != nil {
		mutate(cfg)
	}
	brk := broker.NewMemoryBroker(broker.MemoryBrokerOptions{MaxDeliveries: 3})
	f := engine.NewFactory(cfg, brk, serial.NewJSONSerializer(), nil, engine.NoopLogger())
	return &Harness{Broker: brk, Factory: f}
}

// Stop stops the factory and closes the broker.
func (h *Harness) Stop() {
	h.Factory.Stop(5 * time.Second)
	h.Broker.Close()
}

// =============================================================================
// LATCH
// =============================================================================

// Result is one captured terminator delivery.
type Result struct {
	State   any
	Msg     any
	TraceID string
	FlowID  string
}

// Latch captures terminator deliveries for assertions.
//
// Usage:
//
//	latch := testutil.NewLatch()
//	h.Factory.Terminator("Test.terminator", StateDto{}, DataDto{}, latch.Terminator())
//	... initiate ...
//	res, ok := latch.Wait(2 * time.Second)
type Latch struct {
	ch chan Result
}

// NewLatch creates a latch buffering up to 64 deliveries.
func NewLatch() *Latch {
	return &Latch{ch: make(chan Result, 64)}
}

// Terminator returns the stage lambda that feeds the latch.
func (l *Latch) Terminator() engine.StageFunc {
	return func(pctx *engine.ProcessContext, state any, msg any) error {
		l.ch <- Result{
			State:   state,
			Msg:     msg,
			TraceID: pctx.TraceID(),
			FlowID:  pctx.FlowID(),
		}
		return nil
	}
}

// Wait blocks for one delivery, false on timeout.
func (l *Latch) Wait(timeout time.Duration) (Result, bool) {
	select {
	case r := <-l.ch:
		return r, true
	case <-time.After(timeout):
		return Result{}, false
	}
}

// WaitN blocks for n deliveries, returning those captured before timeout.
func (l *Latch) WaitN(n int, timeout time.Duration) []Result {
	deadline := time.After(timeout)
	results := make([]Result, 0, n)
	for len(results) < n {
		select {
		case r := <-l.ch:
			results = append(results, r)
		case <-deadline:
			return results
		}
	}
	return results
}
