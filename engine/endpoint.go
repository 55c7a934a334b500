package engine

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/staale/gomats/matstrace"
)

// =============================================================================
// ENDPOINT LIFECYCLE
// =============================================================================

// EndpointState is the lifecycle state of an endpoint.
// State transitions:
//
//	DECLARED -> FINISHED -> STARTED -> STOPPED -> (REMOVED | STARTED)
type EndpointState string

const (
	// EndpointStateDeclared means stages may still be added.
	EndpointStateDeclared EndpointState = "declared"
	// EndpointStateFinished means the stage list is sealed, not yet running.
	EndpointStateFinished EndpointState = "finished"
	// EndpointStateStarted means processors are running.
	EndpointStateStarted EndpointState = "started"
	// EndpointStateStopped means processors have exited; restartable.
	EndpointStateStopped EndpointState = "stopped"
	// EndpointStateRemoved means the endpoint is unregistered.
	EndpointStateRemoved EndpointState = "removed"
)

// =============================================================================
// ENDPOINT
// =============================================================================

// Endpoint is an ordered list of stages consuming from one logical id.
// Metadata is append-then-seal: mutable until FinishSetup, read-only after,
// so post-seal readers take no lock.
type Endpoint struct {
	factory *Factory
	id      string

	stateType reflect.Type // nil for stateless endpoints
	replyType reflect.Type // nil for terminators

	// subscription selects topic (fan-out) over queue semantics.
	subscription bool

	stages []*Stage

	mu    sync.Mutex
	state EndpointState
}

// ID returns the endpoint id.
func (e *Endpoint) ID() string { return e.id }

// State returns the current lifecycle state.
func (e *Endpoint) State() EndpointState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Subscription reports whether the endpoint consumes a topic.
func (e *Endpoint) Subscription() bool { return e.subscription }

// StateType returns the endpoint's state type, nil for stateless endpoints.
func (e *Endpoint) StateType() reflect.Type { return e.stateType }

// ReplyType returns the endpoint's reply type, nil for terminators.
func (e *Endpoint) ReplyType() reflect.Type { return e.replyType }

// Stages returns the sealed stage list. Only valid after FinishSetup.
func (e *Endpoint) Stages() []*Stage { return e.stages }

// Stage appends a stage consuming messages of the incoming prototype's type.
// Panics with ConfigError when invoked after FinishSetup.
func (e *Endpoint) Stage(incomingProto any, fn StageFunc) *Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != EndpointStateDeclared {
		panic(NewConfigError("endpoint '%s': stage added after finishSetup", e.id))
	}
	if e.subscription && len(e.stages) > 0 {
		panic(NewConfigError("endpoint '%s': subscription endpoints have exactly one stage", e.id))
	}

	index := len(e.stages)
	stageID := e.id
	if index > 0 {
		stageID = fmt.Sprintf("%s.stage%d", e.id, index)
	}
	s := &Stage{
		endpoint:     e,
		stageID:      stageID,
		index:        index,
		incomingType: protoType(incomingProto),
		fn:           fn,
		concurrency:  e.factory.config.Concurrency,
	}
	// The previous stage gets its back-pointer so replies and nexts know
	// where to land.
	if index > 0 {
		e.stages[index-1].nextStageID = stageID
	}
	e.stages = append(e.stages, s)
	return s
}

// LastStage appends the final stage wrapping a return-valued lambda into a
// reply, then seals the endpoint.
func (e *Endpoint) LastStage(incomingProto any, fn LastStageFunc) {
	e.Stage(incomingProto, func(pctx *ProcessContext, state any, msg any) error {
		reply, err := fn(pctx, state, msg)
		if err != nil {
			return err
		}
		return pctx.Reply(reply)
	})
	e.FinishSetup()
}

// FinishSetup seals the stage list and, unless the factory holds endpoints
// until its own start, starts the endpoint.
func (e *Endpoint) FinishSetup() {
	e.mu.Lock()
	if e.state != EndpointStateDeclared {
		e.mu.Unlock()
		return
	}
	if len(e.stages) == 0 {
		e.mu.Unlock()
		panic(NewConfigError("endpoint '%s': finishSetup with no stages", e.id))
	}
	e.state = EndpointStateFinished
	e.mu.Unlock()

	if !e.factory.holdingEndpoints() {
		e.Start()
	}
}

// Start starts all stages' processors. No-op unless finished or stopped.
func (e *Endpoint) Start() {
	e.mu.Lock()
	if e.state != EndpointStateFinished && e.state != EndpointStateStopped {
		e.mu.Unlock()
		return
	}
	e.state = EndpointStateStarted
	e.mu.Unlock()

	for _, s := range e.stages {
		s.start()
	}
	e.factory.logger.Info("endpoint started", "endpoint_id", e.id, "stages", len(e.stages))
}

// Stop signals all stages and waits up to graceful for in-flight messages to
// settle. Returns true when every processor exited within the window. A
// processor still busy when the window ends is not interrupted: Stop returns
// false and that processor exits after its message commits or rolls back.
func (e *Endpoint) Stop(graceful time.Duration) bool {
	e.mu.Lock()
	if state := e.state; state != EndpointStateStarted {
		e.mu.Unlock()
		return state == EndpointStateStopped || state == EndpointStateFinished
	}
	e.mu.Unlock()

	// Signal everything first so stages drain concurrently, then await.
	for _, s := range e.stages {
		s.signalStop()
	}
	deadline := time.Now().Add(graceful)
	ok := true
	for _, s := range e.stages {
		if !s.awaitStopped(deadline) {
			ok = false
		}
	}

	e.mu.Lock()
	e.state = EndpointStateStopped
	e.mu.Unlock()
	e.factory.logger.Info("endpoint stopped", "endpoint_id", e.id, "clean", ok)
	return ok
}

// Remove stops the endpoint if needed and unregisters it from the factory.
// Returns false when the endpoint did not stop cleanly; it stays registered.
func (e *Endpoint) Remove(graceful time.Duration) bool {
	if e.State() == EndpointStateStarted {
		if !e.Stop(graceful) {
			return false
		}
	}
	e.mu.Lock()
	e.state = EndpointStateRemoved
	e.mu.Unlock()
	e.factory.removeEndpoint(e.id)
	return true
}

// WaitForReceiving blocks until every processor of every stage has entered
// its receive loop, or the timeout passes. Subscription endpoints are
// guaranteed no missed messages only after this returns true.
func (e *Endpoint) WaitForReceiving(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		all := true
		for _, s := range e.stages {
			if !s.allReceiving() {
				all = false
				break
			}
		}
		if all {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// channel returns the consumption channel of stage 0.
func (e *Endpoint) channel() matstrace.Channel {
	if e.subscription {
		return matstrace.Topic(e.id)
	}
	return matstrace.Queue(e.id)
}

// protoType resolves a prototype value to its non-pointer type; nil proto
// means "no type" (stateless / no reply).
func protoType(proto any) reflect.Type {
	if proto == nil {
		return nil
	}
	t := reflect.TypeOf(proto)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}
