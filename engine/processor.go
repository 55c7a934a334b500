package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/staale/gomats/broker"
	"github.com/staale/gomats/matstrace"
	"github.com/staale/gomats/tx"
)

// =============================================================================
// STAGE PROCESSOR
// =============================================================================

// stageProcessor is one long-running consumer slot of a stage: it blocks on
// broker receive, brackets each message in the transaction manager, runs the
// user lambda and produces the buffered outgoing messages into the commit.
//
// Stop is cooperative: the receive context is cancelled so a blocked receive
// returns, while an in-flight message finishes its commit or rollback before
// the loop exits.
type stageProcessor struct {
	stage           *Stage
	name            string
	interactiveOnly bool

	receiveCtx    context.Context
	cancelReceive context.CancelFunc
	stopFlag      atomic.Bool
	receiving     atomic.Bool
	done          chan struct{}
}

func newStageProcessor(s *Stage, index int, interactiveOnly bool) *stageProcessor {
	kind := "ord"
	if interactiveOnly {
		kind = "int"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &stageProcessor{
		stage:           s,
		name:            fmt.Sprintf("%s:%s%d", s.stageID, kind, index),
		interactiveOnly: interactiveOnly,
		receiveCtx:      ctx,
		cancelReceive:   cancel,
		done:            make(chan struct{}),
	}
}

func (p *stageProcessor) signalStop() {
	p.stopFlag.Store(true)
	p.cancelReceive()
}

func (p *stageProcessor) awaitDone(deadline time.Time) bool {
	select {
	case <-p.done:
		return true
	case <-time.After(time.Until(deadline)):
		return false
	}
}

func (p *stageProcessor) factory() *Factory {
	return p.stage.endpoint.factory
}

// run is the processor's goroutine: create a session, consume until a
// failure or stop, and on transient broker failures reconnect under capped
// exponential backoff.
func (p *stageProcessor) run() {
	defer close(p.done)
	f := p.factory()
	log := f.logger.With("processor", p.name)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0 // retry until stopped

	for !p.stopFlag.Load() {
		sess, err := f.connection.Session()
		if err != nil {
			var closed *broker.ClosedError
			if errors.As(err, &closed) {
				return
			}
			log.Warn("creating broker session failed; backing off", "error", err)
			if !p.sleep(bo.NextBackOff()) {
				return
			}
			continue
		}
		p.consumeLoop(sess, log, bo)
		sess.Close()
		if p.stopFlag.Load() {
			return
		}
		if !p.sleep(bo.NextBackOff()) {
			return
		}
	}
}

// consumeLoop receives and processes messages on one session until the
// session fails or the processor is stopped.
func (p *stageProcessor) consumeLoop(sess broker.Session, log Logger, bo *backoff.ExponentialBackOff) {
	// Consume on the broker-side (prefixed) channel name; envelopes carry
	// logical ids only.
	logical := p.stage.channel()
	channel := matstrace.Channel{ID: p.factory().channelName(logical.ID), Model: logical.Model}
	opts := broker.ReceiveOptions{
		InteractiveOnly: p.interactiveOnly,
		Subscriber:      p.factory().subscriberName(),
	}
	// Topic subscriptions must exist before this processor counts as
	// receiving, or a publish racing the first receive is lost.
	if channel.Model == matstrace.ModelTopic {
		if se, ok := p.factory().connection.(interface {
			EnsureSubscription(topicID, subscriber string)
		}); ok {
			se.EnsureSubscription(channel.ID, opts.Subscriber)
		}
	}
	for {
		p.receiving.Store(true)
		d, err := sess.Receive(p.receiveCtx, channel, opts)
		if err != nil {
			if p.stopFlag.Load() || errors.Is(err, context.Canceled) {
				return
			}
			var closed *broker.ClosedError
			if errors.As(err, &closed) {
				return
			}
			log.Warn("receive failed; recycling session", "channel", channel.ID, "error", err)
			return
		}
		bo.Reset()
		p.processDelivery(sess, d)
		if p.stopFlag.Load() {
			return
		}
	}
}

func (p *stageProcessor) sleep(d time.Duration) bool {
	select {
	case <-p.receiveCtx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// =============================================================================
// PER-MESSAGE PROCESSING
// =============================================================================

// processDelivery runs the full per-message algorithm: deserialize, bind
// logging context, run the lambda, enforce legal flows, produce outgoing
// envelopes, commit - or roll back so the broker redelivers.
func (p *stageProcessor) processDelivery(sess broker.Session, d *broker.Delivery) {
	f := p.factory()
	stage := p.stage
	start := time.Now()

	var pctx *ProcessContext
	var received *StageReceivedContext
	outCount := 0

	err := f.txManager.Transact(context.Background(), sess, func(ctx context.Context, res *tx.Resources) error {
		trace, err := f.serializer.DeserializeEnvelope(d.Message.Envelope, d.Message.Meta)
		if err != nil {
			// Protocol mismatch: retrying cannot help, refuse toward DLQ.
			return &RefuseMessageError{Reason: "envelope deserialization failed", Cause: err}
		}
		cur := trace.CurrentCall()
		if cur == nil {
			return &RefuseMessageError{Reason: "envelope carries no current call"}
		}

		msgLog := f.logger.With(
			"trace_id", trace.TraceID,
			"flow_id", trace.FlowID,
			"stage_id", stage.stageID,
			"mats_message_id", cur.MatsMessageID,
			"system_message_id", d.SystemMessageID)

		received = &StageReceivedContext{
			EndpointID:    stage.endpoint.id,
			StageID:       stage.stageID,
			Trace:         trace,
			ReceivedAt:    start,
			DeliveryCount: d.DeliveryCount,
		}
		f.interceptStageReceived(received)

		state, err := p.resolveState(trace)
		if err != nil {
			return &RefuseMessageError{Reason: "state deserialization failed", Cause: err}
		}
		msg, err := f.serializer.DeserializeObject(cur.Data, stage.incomingType)
		if err != nil {
			return &RefuseMessageError{Reason: "payload deserialization failed", Cause: err}
		}

		pctx = newProcessContext(stage, ctx, trace, d.SystemMessageID, d.DeliveryCount, d.Message, state, res, msgLog)

		if err := pctx.invoke(stage.fn, state, msg); err != nil {
			return err
		}
		if err := pctx.checkLegalFlow(); err != nil {
			return err
		}
		n, err := f.produceStageMessages(sess, pctx)
		outCount = n
		return err
	})

	result := ResultCommitted
	if err != nil {
		result = ResultRollback
		p.logProcessingFailure(d, err)
	} else if pctx != nil {
		pctx.runAfterCommit()
	}

	if received != nil {
		f.interceptStageCompleted(&StageCompletedContext{
			StageReceivedContext: *received,
			Result:               result,
			Err:                  err,
			Duration:             time.Since(start),
			OutgoingCount:        outCount,
		})
	}
}

// resolveState materializes the incoming state per the state-flow rules: the
// most recent frame at the current stack height, nil when the flow carries
// none (the stage starts blank).
func (p *stageProcessor) resolveState(trace *matstrace.MatsTrace) (any, error) {
	stateType := p.stage.endpoint.stateType
	if stateType == nil {
		return nil, nil
	}
	frame, ok := trace.CurrentState()
	if !ok {
		return nil, nil
	}
	return p.factory().serializer.DeserializeObject(frame.State, stateType)
}

func (p *stageProcessor) logProcessingFailure(d *broker.Delivery, err error) {
	log := p.factory().logger.With(
		"processor", p.name,
		"system_message_id", d.SystemMessageID,
		"delivery_count", d.DeliveryCount)
	if IsRefuseMessage(err) {
		log.Warn("message refused; rolled back toward DLQ", "error", err)
		return
	}
	log.Error("message processing failed; rolled back for redelivery", "error", err)
}
