package engine

import (
	"context"
	"time"

	"github.com/staale/gomats/tx"
)

// =============================================================================
// INITIATOR
// =============================================================================

// Initiator injects new flows and resumes stashes, with the same
// transactional discipline as a stage processor: everything produced within
// one Initiate invocation commits atomically or not at all.
type Initiator struct {
	factory *Factory
	name    string
}

// Name returns the initiator's name.
func (i *Initiator) Name() string { return i.name }

// Initiate runs fn against a fresh InitiateContext under its own broker
// session and transaction. All messages fn pipelines commit together.
func (i *Initiator) Initiate(ctx context.Context, fn func(ic *InitiateContext) error) error {
	f := i.factory
	start := time.Now()

	sess, err := f.connection.Session()
	if err != nil {
		return err
	}
	defer sess.Close()

	msgCount := 0
	err = f.txManager.Transact(ctx, sess, func(ctx context.Context, res *tx.Resources) error {
		ic := newInitiateContext(f, ctx, res, f.logger.With("initiator", i.name))
		ic.from = "" // explicit From is required for standalone initiations
		if err := fn(ic); err != nil {
			return err
		}
		msgCount = len(ic.messages)
		for _, bm := range ic.messages {
			if err := f.sendMessage(sess, bm); err != nil {
				return err
			}
		}
		return nil
	})

	result := ResultCommitted
	if err != nil {
		result = ResultRollback
	}
	f.interceptInitiateCompleted(&InitiateCompletedContext{
		InitiatorName: i.name,
		Result:        result,
		Err:           err,
		Duration:      time.Since(start),
		MessageCount:  msgCount,
	})
	return err
}

// =============================================================================
// UNSTASH
// =============================================================================

// Unstash thaws a stage execution point frozen by ProcessContext.Stash: it
// reconstructs the process context as if the message had just been received
// by the stashing stage and invokes fn with the restored state and payload.
// The prototypes declare the types to materialize, matching the stashing
// endpoint's registration.
//
// Unstashing is not deduplicated - thawing the same bytes twice runs fn
// twice, and downstream stages may observe duplicates. Sideloads are not
// part of the stash; anything else the continuation needs is the caller's
// responsibility.
func (i *Initiator) Unstash(ctx context.Context, stash []byte,
	incomingProto, stateProto, replyProto any, fn StageFunc) error {
	f := i.factory

	info, err := parseStash(stash)
	if err != nil {
		return err
	}
	if info.SerializerID != f.serializer.ID() {
		return NewInvalidStashError("stash written by serializer '%s', factory uses '%s'",
			info.SerializerID, f.serializer.ID())
	}

	trace, err := f.serializer.DeserializeEnvelope(info.Envelope, info.Meta)
	if err != nil {
		return NewInvalidStashError("envelope deserialization failed: %v", err)
	}
	cur := trace.CurrentCall()
	if cur == nil {
		return NewInvalidStashError("envelope carries no current call")
	}

	ep := f.EndpointByID(info.EndpointID)
	if ep == nil {
		return NewConfigError("unstash: endpoint '%s' is not registered", info.EndpointID)
	}
	var stage *Stage
	for _, s := range ep.Stages() {
		if s.stageID == info.StageID {
			stage = s
			break
		}
	}
	if stage == nil {
		return NewConfigError("unstash: stage '%s' not found on endpoint '%s'", info.StageID, info.EndpointID)
	}

	ser := f.serializer
	var state any
	if frame, ok := trace.CurrentState(); ok {
		state, err = ser.DeserializeObject(frame.State, protoType(stateProto))
		if err != nil {
			return err
		}
	}
	msg, err := ser.DeserializeObject(cur.Data, protoType(incomingProto))
	if err != nil {
		return err
	}

	sess, err := f.connection.Session()
	if err != nil {
		return err
	}
	defer sess.Close()

	var pctx *ProcessContext
	err = f.txManager.Transact(ctx, sess, func(ctx context.Context, res *tx.Resources) error {
		msgLog := f.logger.With(
			"trace_id", trace.TraceID,
			"flow_id", trace.FlowID,
			"stage_id", stage.stageID,
			"unstashed_by", i.name)
		pctx = newProcessContext(stage, ctx, trace, info.SystemMessageID, 1, nil, state, res, msgLog)
		if err := pctx.invoke(fn, state, msg); err != nil {
			return err
		}
		if err := pctx.checkLegalFlow(); err != nil {
			return err
		}
		_, err := f.produceStageMessages(sess, pctx)
		return err
	})
	if err == nil && pctx != nil {
		pctx.runAfterCommit()
	}
	return err
}
