package engine

import (
	"reflect"
	"sync"
	"time"

	"github.com/staale/gomats/matstrace"
)

// =============================================================================
// STAGE
// =============================================================================

// Stage is one processing step of an endpoint: a lambda plus the processor
// pool competing on the stage's channel. Queue stages run an ordinary pool
// of `concurrency` processors and an interactive carve-out of
// max(1, concurrency/2) processors consuming interactive-flagged messages
// only, so small high-priority flows are not starved by a saturated ordinary
// pool. Topic stages run exactly one processor per process - more would
// duplicate work within the node.
type Stage struct {
	endpoint *Endpoint
	stageID  string
	index    int

	incomingType reflect.Type
	fn           StageFunc

	// nextStageID is set when the following stage is declared; empty on the
	// last stage.
	nextStageID string

	// concurrency may be tuned per stage until FinishSetup seals the endpoint.
	concurrency int

	mu         sync.Mutex
	processors []*stageProcessor
	stopping   []*stageProcessor
	running    bool
}

// ID returns the stage id: the endpoint id for stage 0, else
// "<endpointID>.stageN".
func (s *Stage) ID() string { return s.stageID }

// NextStageID returns the id of the following stage, empty on the last.
func (s *Stage) NextStageID() string { return s.nextStageID }

// SetConcurrency tunes this stage's ordinary processor count. Panics with
// ConfigError once the endpoint is sealed.
func (s *Stage) SetConcurrency(n int) *Stage {
	if s.endpoint.State() != EndpointStateDeclared {
		panic(NewConfigError("stage '%s': concurrency changed after finishSetup", s.stageID))
	}
	if n < 1 {
		panic(NewConfigError("stage '%s': concurrency must be at least 1, got %d", s.stageID, n))
	}
	s.concurrency = n
	return s
}

// channel returns the channel this stage consumes from.
func (s *Stage) channel() matstrace.Channel {
	if s.index == 0 {
		return s.endpoint.channel()
	}
	return matstrace.Queue(s.stageID)
}

// start spins up the processor pool. The processor set is mutated under the
// stage's own lock; readers snapshot.
func (s *Stage) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	var procs []*stageProcessor
	if s.endpoint.subscription {
		procs = append(procs, newStageProcessor(s, 0, false))
	} else {
		for i := 0; i < s.concurrency; i++ {
			procs = append(procs, newStageProcessor(s, i, false))
		}
		for i := 0; i < InteractiveConcurrency(s.concurrency); i++ {
			procs = append(procs, newStageProcessor(s, i, true))
		}
	}
	s.processors = procs
	for _, p := range procs {
		go p.run()
	}
}

func (s *Stage) snapshotProcessors() []*stageProcessor {
	s.mu.Lock()
	defer s.mu.Unlock()
	procs := make([]*stageProcessor, len(s.processors))
	copy(procs, s.processors)
	return procs
}

// signalStop asks every processor to finish its in-flight message and exit.
func (s *Stage) signalStop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	procs := s.processors
	s.processors = nil
	s.mu.Unlock()

	for _, p := range procs {
		p.signalStop()
	}
	s.mu.Lock()
	s.stopping = procs
	s.mu.Unlock()
}

// awaitStopped waits until every signalled processor has exited or the
// deadline passes.
func (s *Stage) awaitStopped(deadline time.Time) bool {
	s.mu.Lock()
	procs := s.stopping
	s.stopping = nil
	s.mu.Unlock()

	ok := true
	for _, p := range procs {
		if !p.awaitDone(deadline) {
			ok = false
		}
	}
	return ok
}

// allReceiving reports whether every processor has entered its receive loop.
// False when the stage is not running.
func (s *Stage) allReceiving() bool {
	procs := s.snapshotProcessors()
	if len(procs) == 0 {
		return false
	}
	for _, p := range procs {
		if !p.receiving.Load() {
			return false
		}
	}
	return true
}
