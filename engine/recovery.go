package engine

import (
	"errors"
	"io"

	"github.com/google/uuid"
	"github.com/hupe1980/docengine/model"
	"github.com/hupe1980/docengine/seqno"
	"github.com/hupe1980/docengine/storage"
	"github.com/hupe1980/docengine/translog"
)

// bootstrap initializes a virgin shard: fresh history, empty translog
// and an initial commit binding the two together.
func (e *Engine) bootstrap() error {
	e.historyUUID = uuid.NewString()
	e.tracker = seqno.NewTracker(model.NoOpsPerformed, model.NoOpsPerformed)

	translogUUID, err := translog.CreateEmpty(e.fsys, e.translogDir, e.gcpSupplier())
	if err != nil {
		return &RecoveryError{Op: "create translog", Cause: err}
	}
	tl, err := translog.Open(translog.Config{
		Dir:                      e.translogDir,
		FS:                       e.fsys,
		ExpectedUUID:             translogUUID,
		Compress:                 e.compress,
		GlobalCheckpointSupplier: e.gcpSupplier,
	})
	if err != nil {
		return &RecoveryError{Op: "open translog", Cause: err}
	}
	e.translog = tl

	gen := tl.CurrentGeneration()
	if err := tl.DeletionPolicy().SetCheckpoints(gen, gen); err != nil {
		tl.Close()
		return &RecoveryError{Op: "init translog retention", Cause: err}
	}
	if _, err := e.backend.Commit(e.commitUserData(gen)); err != nil {
		tl.Close()
		return &RecoveryError{Op: "initial commit", Cause: err}
	}
	return nil
}

// openExisting resets the backend to its last safe commit and reopens
// the translog recorded there. Commits ahead of the global checkpoint
// were never confirmed safe and must not be resurrected.
func (e *Engine) openExisting() error {
	commits, err := e.backend.ListCommits()
	if err != nil {
		return &RecoveryError{Op: "list commits", Cause: err}
	}
	if len(commits) == 0 {
		return &RecoveryError{Op: "list commits", Cause: errors.New("backend reports a last commit but lists none")}
	}
	safe := findSafeCommit(commits, e.gcpSupplier())
	if last := commits[len(commits)-1]; safe.Generation != last.Generation {
		if err := e.backend.ResetToCommit(safe.Generation); err != nil {
			return &RecoveryError{Op: "reset to safe commit", Cause: err}
		}
	}

	ud := safe.UserData
	translogUUID := ud[storage.KeyTranslogUUID]
	if translogUUID == "" {
		return &RecoveryError{Op: "read commit metadata", Cause: errors.New("commit carries no translog uuid")}
	}
	e.historyUUID = ud[storage.KeyHistoryUUID]
	if e.historyUUID == "" {
		e.historyUUID = uuid.NewString()
	}
	e.minRetained.Store(userDataInt(ud, storage.KeyMinRetainedSeqNo, 0))
	e.tracker = seqno.NewTracker(
		userDataInt(ud, storage.KeyMaxSeqNo, model.NoOpsPerformed),
		userDataInt(ud, storage.KeyLocalCheckpoint, model.NoOpsPerformed),
	)

	tl, err := translog.Open(translog.Config{
		Dir:                      e.translogDir,
		FS:                       e.fsys,
		ExpectedUUID:             translogUUID,
		Compress:                 e.compress,
		GlobalCheckpointSupplier: e.gcpSupplier,
	})
	if err != nil {
		return &RecoveryError{Op: "open translog", Cause: err}
	}
	e.translog = tl

	gen := userDataInt(ud, storage.KeyTranslogGeneration, 1)
	if err := tl.DeletionPolicy().SetCheckpoints(gen, gen); err != nil {
		tl.Close()
		return &RecoveryError{Op: "init translog retention", Cause: err}
	}
	return nil
}

// RecoverFromTranslog replays every translog operation above the last
// committed checkpoint and at or below upToSeqNo through the regular
// write pipeline, fills remaining sequence number gaps with no-ops and
// transitions the engine to StateOpen. Afterwards the processed
// checkpoint equals the max sequence number.
func (e *Engine) RecoverFromTranslog(upToSeqNo int64) error {
	e.writeMu.RLock()
	defer e.writeMu.RUnlock()
	if err := e.errIfClosed(); err != nil {
		return err
	}
	if e.State() != StateRecovering {
		return errors.New("engine: recovery already completed")
	}

	from := e.tracker.ProcessedCheckpoint() + 1
	recovered, err := e.replayTranslog(from, upToSeqNo)
	if err != nil {
		return err
	}
	if err := e.fillSeqNoGaps(); err != nil {
		return &RecoveryError{Op: "fill sequence number gaps", Cause: err}
	}

	e.state.Store(int32(StateOpen))
	e.logger.Infof("recovered %d operations from translog, local checkpoint %d",
		recovered, e.tracker.ProcessedCheckpoint())

	if err := e.refreshScope(ScopeExternal); err != nil {
		return err
	}
	if recovered > 0 {
		return e.Flush(true, true)
	}
	return nil
}

func (e *Engine) replayTranslog(fromSeqNo, toSeqNo int64) (int, error) {
	snap, err := e.translog.NewSnapshot(fromSeqNo, toSeqNo)
	if err != nil {
		return 0, &RecoveryError{Op: "translog snapshot", Cause: err}
	}
	defer snap.Close()

	recovered := 0
	for {
		op, err := snap.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return recovered, &RecoveryError{Op: "translog read", Cause: err}
		}
		op.Origin = model.OriginLocalTranslogRecovery

		var res model.OperationResult
		var opErr error
		switch op.Kind {
		case model.KindIndex:
			release := e.vmap.Keys.Acquire(op.ID)
			res, opErr = e.indexUnderLock(op)
			release()
		case model.KindDelete:
			release := e.vmap.Keys.Acquire(op.ID)
			res, opErr = e.deleteUnderLock(op)
			release()
		case model.KindNoOp:
			res, opErr = e.innerNoOp(op)
		}
		if opErr != nil {
			return recovered, &RecoveryError{Op: "replay " + op.Kind.String(), Cause: opErr}
		}
		if res.Type == model.ResultFailure {
			return recovered, &RecoveryError{Op: "replay " + op.Kind.String(), Cause: res.Err}
		}
		recovered++
	}
	return recovered, nil
}

// fillSeqNoGaps writes a no-op for every sequence number between the
// checkpoint and the max that was never processed, so the checkpoint
// can advance to the true maximum.
func (e *Engine) fillSeqNoGaps() error {
	term := e.termSupplier()
	for _, seqNo := range e.tracker.PendingAbove() {
		op := model.NewNoOp(seqNo, term, model.OriginPrimary, "filling sequence number gap after translog recovery")
		if _, err := e.innerNoOp(&op); err != nil {
			return err
		}
	}
	return nil
}
