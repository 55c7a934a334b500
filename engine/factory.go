// Package engine implements the staged messaging core: factories register
// endpoints built of stages, stage processors consume envelopes from the
// broker under transactional demarcation, and initiators inject new flows.
//
// The engine composes four capabilities it never implements itself: the
// broker (transactional send/receive, DLQ), the serializer (bytes <->
// envelope/payload), the transaction manager (broker + external resource
// commit) and the logger.
package engine

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/staale/gomats/broker"
	"github.com/staale/gomats/matstrace"
	"github.com/staale/gomats/serial"
	"github.com/staale/gomats/tx"
)

// =============================================================================
// FACTORY
// =============================================================================

// Factory is the registry and lifecycle root: it exclusively owns endpoints
// and initiators and carries the process-wide configuration. Typically a
// singleton per app; it holds no running state after Stop returns true.
//
// Usage:
//
//	f := engine.NewFactory(cfg, brokerConn, serial.NewJSONSerializer(), nil, logger)
//
//	f.Single("CalcService.double", ResultDto{}, CalcDto{},
//	    func(pctx *engine.ProcessContext, msg any) (any, error) {
//	        calc := msg.(*CalcDto)
//	        return &ResultDto{Number: calc.Number * 2}, nil
//	    })
//
//	f.DefaultInitiator().Initiate(ctx, func(ic *engine.InitiateContext) error {
//	    return ic.TraceID("calc-1").From("Main").To("CalcService.double").
//	        ReplyTo("Main.result", nil).Request(&CalcDto{Number: 21})
//	})
type Factory struct {
	config     *FactoryConfig
	connection broker.Connection
	serializer serial.Serializer
	txManager  tx.Manager
	logger     Logger

	mu         sync.RWMutex
	endpoints  map[string]*Endpoint
	initiators map[string]*Initiator
	started    bool

	intMu             sync.RWMutex
	stageInterceptors []StageInterceptor
	initInterceptors  []InitiateInterceptor
}

// NewFactory creates a factory over the given capabilities. A nil txManager
// defaults to broker-only demarcation; a nil logger to the standard log
// package. Panics with ConfigError on invalid configuration.
func NewFactory(cfg *FactoryConfig, conn broker.Connection, ser serial.Serializer, txm tx.Manager, logger Logger) *Factory {
	if cfg == nil {
		panic(NewConfigError("factory config must not be nil"))
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	if conn == nil {
		panic(NewConfigError("broker connection must not be nil"))
	}
	if ser == nil {
		panic(NewConfigError("serializer must not be nil"))
	}
	if len(ser.ID()) != 4 {
		panic(NewConfigError("serializer id '%s' is not 4 characters", ser.ID()))
	}
	if txm == nil {
		txm = tx.NewBrokerOnlyManager()
	}
	if logger == nil {
		logger = &defaultLogger{}
	}
	return &Factory{
		config:     cfg,
		connection: conn,
		serializer: ser,
		txManager:  txm,
		logger:     logger.With("factory", cfg.Name),
		endpoints:  make(map[string]*Endpoint),
		initiators: make(map[string]*Initiator),
	}
}

// Config returns the factory configuration. Read-only after NewFactory.
func (f *Factory) Config() *FactoryConfig { return f.config }

// Serializer returns the configured serializer.
func (f *Factory) Serializer() serial.Serializer { return f.serializer }

// =============================================================================
// ENDPOINT REGISTRATION
// =============================================================================

// Staged registers a multi-stage endpoint with the given state and reply
// prototypes. Stages are added with Stage/LastStage; the endpoint must be
// sealed with FinishSetup (or LastStage). Panics with ConfigError on
// duplicate or empty ids.
func (f *Factory) Staged(endpointID string, stateProto, replyProto any) *Endpoint {
	return f.register(endpointID, stateProto, replyProto, false)
}

// Single registers a stateless single-stage endpoint whose lambda returns
// the reply. Sealed and started (per hold-start) on return.
func (f *Factory) Single(endpointID string, replyProto, incomingProto any, fn SingleFunc) *Endpoint {
	ep := f.register(endpointID, nil, replyProto, false)
	ep.LastStage(incomingProto, func(pctx *ProcessContext, state any, msg any) (any, error) {
		return fn(pctx, msg)
	})
	return ep
}

// Terminator registers a single-stage endpoint that ends flows: it receives
// replies (with the state handed along at initiation) and produces nothing.
func (f *Factory) Terminator(endpointID string, stateProto, incomingProto any, fn StageFunc) *Endpoint {
	ep := f.register(endpointID, stateProto, nil, false)
	ep.Stage(incomingProto, fn)
	ep.FinishSetup()
	return ep
}

// SubscriptionTerminator registers a terminator on a topic: every subscribing
// process receives each published message. Exactly one processor per process.
func (f *Factory) SubscriptionTerminator(endpointID string, stateProto, incomingProto any, fn StageFunc) *Endpoint {
	ep := f.register(endpointID, stateProto, nil, true)
	ep.Stage(incomingProto, fn)
	ep.FinishSetup()
	return ep
}

func (f *Factory) register(endpointID string, stateProto, replyProto any, subscription bool) *Endpoint {
	if endpointID == "" {
		panic(NewConfigError("endpoint id must not be empty"))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.endpoints[endpointID]; exists {
		panic(NewConfigError("endpoint '%s' is already registered", endpointID))
	}
	ep := &Endpoint{
		factory:      f,
		id:           endpointID,
		stateType:    protoType(stateProto),
		replyType:    protoType(replyProto),
		subscription: subscription,
		state:        EndpointStateDeclared,
	}
	f.endpoints[endpointID] = ep
	return ep
}

// EndpointByID returns a registered endpoint, nil when unknown.
func (f *Factory) EndpointByID(endpointID string) *Endpoint {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.endpoints[endpointID]
}

// Endpoints returns a snapshot of the registered endpoints.
func (f *Factory) Endpoints() []*Endpoint {
	f.mu.RLock()
	defer f.mu.RUnlock()
	eps := make([]*Endpoint, 0, len(f.endpoints))
	for _, ep := range f.endpoints {
		eps = append(eps, ep)
	}
	return eps
}

func (f *Factory) removeEndpoint(endpointID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.endpoints, endpointID)
}

// =============================================================================
// INITIATORS
// =============================================================================

// Initiator returns the named initiator, creating it on first use.
func (f *Factory) Initiator(name string) *Initiator {
	if name == "" {
		panic(NewConfigError("initiator name must not be empty"))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	init, ok := f.initiators[name]
	if !ok {
		init = &Initiator{factory: f, name: name}
		f.initiators[name] = init
	}
	return init
}

// DefaultInitiator returns the initiator named "default".
func (f *Factory) DefaultInitiator() *Initiator {
	return f.Initiator("default")
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start starts every finished endpoint and releases the hold-start gate, so
// endpoints registered later start at their FinishSetup.
func (f *Factory) Start() {
	f.mu.Lock()
	f.started = true
	eps := make([]*Endpoint, 0, len(f.endpoints))
	for _, ep := range f.endpoints {
		eps = append(eps, ep)
	}
	f.mu.Unlock()

	for _, ep := range eps {
		ep.Start()
	}
	f.logger.Info("factory started", "endpoints", len(eps))
}

// Stop stops every endpoint, waiting up to graceful for in-flight messages.
// Returns true when everything exited within the window; the factory then
// holds no running state.
func (f *Factory) Stop(graceful time.Duration) bool {
	f.mu.Lock()
	f.started = false
	eps := make([]*Endpoint, 0, len(f.endpoints))
	for _, ep := range f.endpoints {
		eps = append(eps, ep)
	}
	f.mu.Unlock()

	ok := true
	for _, ep := range eps {
		if !ep.Stop(graceful) {
			ok = false
		}
	}
	f.logger.Info("factory stopped", "clean", ok)
	return ok
}

// WaitForReceiving blocks until every endpoint's processors are receiving.
func (f *Factory) WaitForReceiving(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for _, ep := range f.Endpoints() {
		remaining := time.Until(deadline)
		if remaining <= 0 || !ep.WaitForReceiving(remaining) {
			return false
		}
	}
	return true
}

// holdingEndpoints reports whether FinishSetup should defer starting.
func (f *Factory) holdingEndpoints() bool {
	if !f.config.HoldEndpointsUntilFactoryIsStarted {
		return false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return !f.started
}

// subscriberName identifies this process's topic subscriptions.
func (f *Factory) subscriberName() string {
	return f.config.Name + "@" + f.config.Nodename
}

// channelName maps a logical id to its broker channel name.
func (f *Factory) channelName(id string) string {
	return f.config.DestinationPrefix + id
}

// =============================================================================
// INTERCEPTORS
// =============================================================================

// AddStageInterceptor registers a stage interceptor; invoked in registration
// order.
func (f *Factory) AddStageInterceptor(si StageInterceptor) {
	f.intMu.Lock()
	defer f.intMu.Unlock()
	f.stageInterceptors = append(f.stageInterceptors, si)
}

// AddInitiateInterceptor registers an initiation interceptor.
func (f *Factory) AddInitiateInterceptor(ii InitiateInterceptor) {
	f.intMu.Lock()
	defer f.intMu.Unlock()
	f.initInterceptors = append(f.initInterceptors, ii)
}

func (f *Factory) interceptStageReceived(sc *StageReceivedContext) {
	f.intMu.RLock()
	interceptors := f.stageInterceptors
	f.intMu.RUnlock()
	for _, si := range interceptors {
		si.StageReceived(sc)
	}
}

func (f *Factory) interceptStageCompleted(sc *StageCompletedContext) {
	f.intMu.RLock()
	interceptors := f.stageInterceptors
	f.intMu.RUnlock()
	for _, si := range interceptors {
		si.StageCompleted(sc)
	}
}

func (f *Factory) interceptInitiateCompleted(ic *InitiateCompletedContext) {
	f.intMu.RLock()
	interceptors := f.initInterceptors
	f.intMu.RUnlock()
	for _, ii := range interceptors {
		ii.InitiateCompleted(ic)
	}
}

func (f *Factory) notifyMessageSent(mc *OutgoingMessageContext) {
	f.intMu.RLock()
	stage := f.stageInterceptors
	inits := f.initInterceptors
	f.intMu.RUnlock()
	for _, si := range stage {
		if o, ok := si.(OutgoingObserver); ok {
			o.MessageSent(mc)
		}
	}
	for _, ii := range inits {
		if o, ok := ii.(OutgoingObserver); ok {
			o.MessageSent(mc)
		}
	}
}

// =============================================================================
// OUTGOING MESSAGE PRODUCTION
// =============================================================================

// produceStageMessages turns a stage's buffered messages into broker sends
// inside the current transaction. Trace properties set during the stage are
// merged into stage-continuation envelopes; nested-initiation envelopes
// carry their own snapshot.
func (f *Factory) produceStageMessages(sess broker.Session, pctx *ProcessContext) (int, error) {
	for _, bm := range pctx.outgoing {
		if !bm.fromInitiation {
			for k, v := range pctx.props {
				bm.trace.SetTraceProperty(k, v)
			}
		}
		if err := f.sendMessage(sess, bm); err != nil {
			return 0, err
		}
	}
	return len(pctx.outgoing), nil
}

// sendMessage finalizes one outgoing envelope (debug info, compaction,
// overflow ceilings), serializes it and buffers the broker send. Overflow
// violations refuse the incoming message: the oversized envelope must never
// propagate.
func (f *Factory) sendMessage(sess broker.Session, bm *bufferedMessage) error {
	trace := bm.trace
	cur := trace.CurrentCall()

	if cur.Type != matstrace.CallTypeReply && trace.TotalCallNumber > f.config.MaxTotalCallNumber {
		return &RefuseMessageError{
			Reason: "call overflow",
			Cause:  NewCallOverflowError(cur.From, trace.TotalCallNumber, f.config.MaxTotalCallNumber),
		}
	}
	if cur.StackHeight() > f.config.MaxStackHeight {
		return &RefuseMessageError{
			Reason: "stack overflow",
			Cause:  NewStackOverflowError(cur.From, cur.StackHeight(), f.config.MaxStackHeight),
		}
	}

	trace.SetCallDebug(f.config.AppName, f.config.AppVersion, f.config.Nodename)
	trace.CompactForKeepTrace()

	s, err := f.serializer.SerializeEnvelope(trace)
	if err != nil {
		return fmt.Errorf("serializing outgoing envelope: %w", err)
	}

	messageType := matstrace.MessageTypeForCall(cur.Type, cur.To.Model)
	ttl := time.Duration(trace.TimeToLiveMillis) * time.Millisecond
	msg := &broker.Message{
		Envelope: s.Data,
		Meta:     s.Meta,
		Headers: map[string]string{
			"traceId":       trace.TraceID,
			"flowId":        trace.FlowID,
			"messageType":   string(messageType),
			"matsMessageId": cur.MatsMessageID,
			"from":          cur.From,
			"to":            cur.To.ID,
			"persistent":    strconv.FormatBool(!trace.NonPersistent),
			"interactive":   strconv.FormatBool(trace.Interactive),
			"ttl":           strconv.FormatInt(trace.TimeToLiveMillis, 10),
		},
		Bytes:       bm.bytes,
		Strings:     bm.strings,
		Persistent:  !trace.NonPersistent,
		Interactive: trace.Interactive,
		TTL:         ttl,
	}

	ch := matstrace.Channel{ID: f.channelName(cur.To.ID), Model: cur.To.Model}
	if err := sess.Send(ch, msg); err != nil {
		return fmt.Errorf("sending to '%s': %w", ch.ID, err)
	}

	f.notifyMessageSent(&OutgoingMessageContext{
		MessageType:        messageType,
		To:                 cur.To,
		From:               cur.From,
		FlowID:             trace.FlowID,
		TraceID:            trace.TraceID,
		SizeUncompressed:   s.SizeUncompressed,
		SizeCompressed:     s.SizeCompressed,
		NanosSerialization: s.NanosSerialization,
		NanosCompression:   s.NanosCompression,
	})
	return nil
}
