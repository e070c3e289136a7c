package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/hupe1980/docengine/model"
	"github.com/hupe1980/docengine/storage"
)

// Flush commits the index with the current checkpoint metadata attached
// and rolls the translog so committed generations become trimmable.
//
// Concurrent flushes are coalesced: with waitIfOngoing the second
// caller waits for the in-flight flush and then runs its own, otherwise
// it returns ErrFlushInProgress. Without force, a flush that would not
// advance the last commit is skipped.
func (e *Engine) Flush(force, waitIfOngoing bool) error {
	return e.flush(force, waitIfOngoing, nil)
}

// SyncFlush is a flush that stamps the given sync id into the commit,
// marking the shard copy as identical to others carrying the same id.
// It fails when uncommitted operations exist.
func (e *Engine) SyncFlush(syncID string) error {
	return e.flush(true, true, func() (map[string]string, error) {
		if stats := e.translog.Stats(); stats.UncommittedOps != 0 {
			return nil, fmt.Errorf("engine: cannot sync flush with %d uncommitted operations", stats.UncommittedOps)
		}
		return map[string]string{storage.KeySyncID: syncID}, nil
	})
}

func (e *Engine) flush(force, waitIfOngoing bool, extra func() (map[string]string, error)) error {
	switch e.State() {
	case StateClosed:
		return e.errIfClosed()
	case StateRecovering:
		return ErrEngineRecovering
	}

	if waitIfOngoing {
		e.flushMu.Lock()
	} else if !e.flushMu.TryLock() {
		return ErrFlushInProgress
	}
	defer e.flushMu.Unlock()

	if err := e.errIfClosed(); err != nil {
		return err
	}

	var extraUserData map[string]string
	if extra != nil {
		var err error
		if extraUserData, err = extra(); err != nil {
			return err
		}
	}

	if !force && e.translog.Stats().UncommittedOps == 0 {
		if _, ok := e.backend.LastCommit(); ok {
			return nil
		}
	}

	if err := e.translog.RollGeneration(); err != nil {
		e.failEngine("translog roll", err)
		return e.errIfClosed()
	}
	userData := e.commitUserData(e.translog.CurrentGeneration())
	for k, v := range extraUserData {
		userData[k] = v
	}
	commit, err := e.backend.Commit(userData)
	if err != nil {
		e.failEngine("commit", err)
		return e.errIfClosed()
	}
	// Operations processed before the sync starts were appended before
	// it; later appends are not covered and must not be credited.
	persistedUpTo := e.tracker.ProcessedCheckpoint()
	if err := e.translog.Sync(); err != nil {
		e.failEngine("translog sync", err)
		return e.errIfClosed()
	}
	e.tracker.AdvancePersistedCheckpoint(persistedUpTo)

	e.logger.Infof("committed generation %d: local checkpoint %s, max seq no %s",
		commit.Generation, userData[storage.KeyLocalCheckpoint], userData[storage.KeyMaxSeqNo])

	e.revisitRetention()
	return nil
}

// commitUserData builds the metadata stamped into every commit. A
// recovering engine reads these keys back to locate its translog and
// checkpoints.
func (e *Engine) commitUserData(translogGen int64) map[string]string {
	e.advanceMinRetained()
	st := e.tracker.Stats()
	return map[string]string{
		storage.KeyLocalCheckpoint:    strconv.FormatInt(st.ProcessedCheckpoint, 10),
		storage.KeyMaxSeqNo:           strconv.FormatInt(st.MaxSeqNo, 10),
		storage.KeyTranslogUUID:       e.translog.UUID(),
		storage.KeyTranslogGeneration: strconv.FormatInt(translogGen, 10),
		storage.KeyMinRetainedSeqNo:   strconv.FormatInt(e.minRetained.Load(), 10),
		storage.KeyHistoryUUID:        e.historyUUID,
	}
}

// advanceMinRetained moves the history retention floor forward based on
// the global checkpoint and the configured retention window. The floor
// never moves backwards, so a lagging supplier cannot resurrect already
// discarded history.
func (e *Engine) advanceMinRetained() {
	candidate := e.gcpSupplier() + 1 - e.config().SoftDeleteRetentionOps
	if candidate < 0 {
		candidate = 0
	}
	for {
		cur := e.minRetained.Load()
		if candidate <= cur {
			return
		}
		if e.minRetained.CompareAndSwap(cur, candidate) {
			return
		}
	}
}

// revisitRetention recomputes which commits and translog generations
// must be kept: the safe commit bounds recovery, acquired commit
// handles pin everything they reference, and the rest is released.
// Retention is driven by the externally supplied global checkpoint,
// never by local state alone.
func (e *Engine) revisitRetention() {
	e.commitsMu.Lock()
	defer e.commitsMu.Unlock()

	commits, err := e.backend.ListCommits()
	if err != nil {
		e.logger.Errorf("list commits: %v", err)
		return
	}
	if len(commits) == 0 {
		return
	}
	safe := findSafeCommit(commits, e.gcpSupplier())

	keep := safe.Generation
	for gen := range e.acquiredCommits {
		if gen < keep {
			keep = gen
		}
	}
	if err := e.backend.DeleteCommits(keep); err != nil {
		e.logger.Errorf("delete commits below %d: %v", keep, err)
		return
	}

	keepCommit := safe
	for _, c := range commits {
		if c.Generation == keep {
			keepCommit = c
			break
		}
	}
	last := commits[len(commits)-1]
	minGen := userDataInt(keepCommit.UserData, storage.KeyTranslogGeneration, 1)
	// Generations still holding operations above the kept commit's
	// local checkpoint stay replayable even when the commit itself
	// references a newer generation.
	localCkp := userDataInt(keepCommit.UserData, storage.KeyLocalCheckpoint, model.NoOpsPerformed)
	if required := e.translog.MinGenerationContaining(localCkp); required > 0 && required < minGen {
		minGen = required
	}
	lastGen := userDataInt(last.UserData, storage.KeyTranslogGeneration, minGen)
	if err := e.translog.DeletionPolicy().SetCheckpoints(minGen, lastGen); err != nil {
		e.logger.Errorf("advance translog retention: %v", err)
		return
	}
	if err := e.translog.TrimUnreferencedReaders(); err != nil {
		e.logger.Errorf("trim translog readers: %v", err)
	}
}

// findSafeCommit picks the newest commit whose max sequence number is
// at or below the global checkpoint; with none confirmed safe yet, the
// oldest commit is the only recovery point.
func findSafeCommit(commits []storage.CommitInfo, globalCheckpoint int64) storage.CommitInfo {
	safe := commits[0]
	for _, c := range commits {
		maxSeqNo := userDataInt(c.UserData, storage.KeyMaxSeqNo, 0)
		if maxSeqNo <= globalCheckpoint {
			safe = c
		}
	}
	return safe
}

func userDataInt(userData map[string]string, key string, fallback int64) int64 {
	v, ok := userData[key]
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

// maybeTriggerFlush kicks the background flusher once the uncommitted
// translog crosses a threshold. The trigger only fires when a flush
// would actually advance the commit, so an unchanged generation cannot
// cause a flush storm.
func (e *Engine) maybeTriggerFlush() {
	if e.State() != StateOpen || !e.shouldPeriodicallyFlush() {
		return
	}
	select {
	case e.flushCh <- struct{}{}:
	default:
	}
}

func (e *Engine) shouldPeriodicallyFlush() bool {
	cfg := e.config()
	stats := e.translog.Stats()
	if stats.UncommittedOps == 0 {
		return false
	}
	if stats.UncommittedBytes > cfg.FlushThresholdBytes {
		return true
	}
	return cfg.FlushThresholdOps > 0 && stats.UncommittedOps >= cfg.FlushThresholdOps
}

func (e *Engine) flushLoop() {
	for {
		select {
		case <-e.closeCh:
			return
		case <-e.flushCh:
			err := e.Flush(false, true)
			if err != nil && !errors.Is(err, ErrEngineClosed) && !errors.Is(err, ErrEngineRecovering) {
				e.logger.Errorf("periodic flush: %v", err)
			}
		}
	}
}

// ForceMerge consolidates committed segments down to maxSegments.
// expungeDeletes additionally drops tombstones outside the retained
// history window. With flushAfter set, a forced flush follows the
// merge.
func (e *Engine) ForceMerge(ctx context.Context, maxSegments int, expungeDeletes, flushAfter bool) error {
	e.writeMu.RLock()
	if err := e.errIfClosed(); err != nil {
		e.writeMu.RUnlock()
		return err
	}

	if e.resources != nil {
		if err := e.resources.AcquireMerge(ctx); err != nil {
			e.writeMu.RUnlock()
			return err
		}
		defer e.resources.ReleaseMerge()
	}

	// The merge writes a commit of its own; serialize with flush.
	e.flushMu.Lock()
	err := e.backend.ForceMerge(ctx, maxSegments, expungeDeletes)
	e.flushMu.Unlock()
	if err != nil {
		e.writeMu.RUnlock()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		e.failEngine("force merge", err)
		return e.errIfClosed()
	}

	e.internal.markDirty()
	e.external.markDirty()
	refreshErr := e.refreshScope(ScopeExternal)
	e.writeMu.RUnlock()
	if refreshErr != nil {
		return refreshErr
	}

	if flushAfter {
		return e.Flush(true, true)
	}
	return nil
}
