package engine

import (
	"fmt"
	"time"

	"github.com/hupe1980/docengine/model"
	"github.com/hupe1980/docengine/storage"
	"github.com/hupe1980/docengine/versions"
)

// currentDoc is the resolved latest state for an id: the version map
// answer when present, otherwise a point lookup against the backend.
type currentDoc struct {
	// found means some history for the id is known, live or tombstone.
	found   bool
	deleted bool
	// version is model.NotFoundVersion when absent or deleted.
	version int64
	seqNo   int64
	term    int64
}

func (e *Engine) resolveCurrent(id string) (currentDoc, error) {
	cur := currentDoc{version: model.NotFoundVersion, seqNo: model.UnassignedSeqNo}

	if v, ok := e.vmap.GetUnderLock(id); ok {
		cur.found = true
		cur.deleted = v.Delete
		cur.seqNo = v.SeqNo
		cur.term = v.Term
		if !v.Delete {
			cur.version = v.Version
		}
		return cur, nil
	}
	meta, ok, err := e.backend.Lookup(id)
	if err != nil {
		e.failEngine("storage lookup", err)
		return cur, e.errIfClosed()
	}
	if ok {
		cur.found = true
		cur.deleted = meta.Deleted
		cur.seqNo = meta.SeqNo
		cur.term = meta.PrimaryTerm
		if !meta.Deleted {
			cur.version = meta.Version
		}
	}
	return cur, nil
}

func (e *Engine) versionConflict(op *model.Operation, cur currentDoc) *VersionConflictError {
	return &VersionConflictError{
		ID:              op.ID,
		CurrentVersion:  cur.version,
		CurrentSeqNo:    cur.seqNo,
		CurrentTerm:     cur.term,
		ExpectedVersion: op.Version,
		ExpectedSeqNo:   model.MatchAnySeqNo,
		Deleted:         !cur.found || cur.deleted,
	}
}

func (e *Engine) casConflict(op *model.Operation, cur currentDoc) *VersionConflictError {
	return &VersionConflictError{
		ID:             op.ID,
		CurrentVersion: cur.version,
		CurrentSeqNo:   cur.seqNo,
		CurrentTerm:    cur.term,
		ExpectedSeqNo:  op.IfSeqNo,
		ExpectedTerm:   op.IfPrimaryTerm,
		Deleted:        !cur.found || cur.deleted,
	}
}

// appendToTranslog records the operation with its assigned sequence
// number and version. Operations replayed from the local translog are
// already recorded and are skipped.
func (e *Engine) appendToTranslog(op *model.Operation, seqNo, version int64) (model.Location, error) {
	if op.Origin.IsFromTranslog() {
		return model.Location{}, nil
	}
	rec := *op
	rec.SeqNo = seqNo
	rec.Version = version
	loc, err := e.translog.Add(&rec)
	if err != nil {
		e.failEngine("translog append", err)
		return model.Location{}, e.errIfClosed()
	}
	return loc, nil
}

// finishOp marks the sequence number processed and makes the write
// eligible for the next refresh and periodic flush check.
func (e *Engine) finishOp(seqNo int64) {
	e.tracker.MarkProcessed(seqNo)
	e.internal.markDirty()
	e.external.markDirty()
	e.maybeTriggerFlush()
}

// Index applies a single index operation. Version and compare-and-swap
// conflicts are reported inside the result, never as an error; an error
// means the engine itself is unusable.
func (e *Engine) Index(op *model.Operation) (model.OperationResult, error) {
	if op.Kind != model.KindIndex {
		return model.OperationResult{}, fmt.Errorf("engine: index called with %s operation", op.Kind)
	}
	if err := op.Validate(); err != nil {
		return model.OperationResult{}, err
	}

	e.writeMu.RLock()
	defer e.writeMu.RUnlock()
	if err := e.errIfClosed(); err != nil {
		return model.OperationResult{}, err
	}

	release := e.vmap.Keys.Acquire(op.ID)
	defer release()
	return e.indexUnderLock(op)
}

func (e *Engine) indexUnderLock(op *model.Operation) (model.OperationResult, error) {
	term := op.PrimaryTerm

	// Append-only fast path: a first-time write with an autogenerated
	// id needs neither a conflict check nor a lookup.
	if op.Origin == model.OriginPrimary && op.Autogenerated && !op.Retry && !e.vmap.IsSafeAccessRequired() {
		seqNo := e.tracker.Generate()
		doc := &storage.Document{
			DocMeta: storage.DocMeta{ID: op.ID, SeqNo: seqNo, PrimaryTerm: term, Version: 1},
			Routing: op.Doc.Routing,
			Source:  op.Doc.Source,
		}
		if err := e.backend.AddDocument(doc); err != nil {
			e.failEngine("index into storage", err)
			return model.OperationResult{}, e.errIfClosed()
		}
		loc, err := e.appendToTranslog(op, seqNo, 1)
		if err != nil {
			return model.OperationResult{}, err
		}
		e.vmap.MarkUnsafe()
		e.finishOp(seqNo)
		res := model.IndexSuccess(seqNo, term, 1, true)
		res.Location = loc
		return res, nil
	}
	if op.Origin == model.OriginPrimary && op.Autogenerated && op.Retry {
		// A redelivery may race its original; from here on every
		// append for any id must consult the version map.
		e.vmap.RequireSafeAccess()
	}

	cur, err := e.resolveCurrent(op.ID)
	if err != nil {
		return model.OperationResult{}, err
	}
	created := cur.version == model.NotFoundVersion

	var seqNo, version int64
	if op.Origin == model.OriginPrimary {
		if op.VersionType.IsConflict(cur.version, op.Version) {
			return model.Failure(e.versionConflict(op, cur), model.UnassignedSeqNo, term), nil
		}
		seqNo = e.tracker.Generate()
		if op.HasCAS() && (cur.seqNo != op.IfSeqNo || cur.term != op.IfPrimaryTerm) {
			// The generated number is an intentional gap: it stays
			// consumed and is never handed out again.
			e.tracker.MarkProcessed(seqNo)
			return model.Failure(e.casConflict(op, cur), seqNo, term), nil
		}
		version = op.VersionType.UpdatedVersion(cur.version, op.Version)
	} else {
		seqNo = op.SeqNo
		version = op.Version
		e.tracker.AdvanceMaxSeqNo(seqNo)
		if cur.found && cur.seqNo >= seqNo {
			// Stale or duplicate delivery: the index already reflects
			// this sequence number or a later one. Record it durably
			// but do not re-apply.
			loc, err := e.appendToTranslog(op, seqNo, version)
			if err != nil {
				return model.OperationResult{}, err
			}
			e.finishOp(seqNo)
			res := model.IndexSuccess(seqNo, term, version, false)
			res.Location = loc
			return res, nil
		}
	}

	doc := &storage.Document{
		DocMeta: storage.DocMeta{ID: op.ID, SeqNo: seqNo, PrimaryTerm: term, Version: version},
		Routing: op.Doc.Routing,
		Source:  op.Doc.Source,
	}
	if err := e.backend.UpdateDocument(doc); err != nil {
		e.failEngine("index into storage", err)
		return model.OperationResult{}, e.errIfClosed()
	}
	loc, err := e.appendToTranslog(op, seqNo, version)
	if err != nil {
		return model.OperationResult{}, err
	}
	e.vmap.PutIndexUnderLock(op.ID, versions.Value{
		Version: version,
		SeqNo:   seqNo,
		Term:    term,
		Time:    time.Now(),
	})
	e.finishOp(seqNo)

	res := model.IndexSuccess(seqNo, term, version, created)
	res.Location = loc
	return res, nil
}

// Delete applies a single delete operation by writing a soft-delete
// tombstone. Deleting a missing document succeeds with Found false and
// still consumes a sequence number.
func (e *Engine) Delete(op *model.Operation) (model.OperationResult, error) {
	if op.Kind != model.KindDelete {
		return model.OperationResult{}, fmt.Errorf("engine: delete called with %s operation", op.Kind)
	}
	if err := op.Validate(); err != nil {
		return model.OperationResult{}, err
	}

	e.writeMu.RLock()
	defer e.writeMu.RUnlock()
	if err := e.errIfClosed(); err != nil {
		return model.OperationResult{}, err
	}

	release := e.vmap.Keys.Acquire(op.ID)
	defer release()
	return e.deleteUnderLock(op)
}

func (e *Engine) deleteUnderLock(op *model.Operation) (model.OperationResult, error) {
	term := op.PrimaryTerm

	cur, err := e.resolveCurrent(op.ID)
	if err != nil {
		return model.OperationResult{}, err
	}
	found := cur.found && !cur.deleted

	var seqNo, version int64
	if op.Origin == model.OriginPrimary {
		if op.VersionType.IsConflict(cur.version, op.Version) {
			return model.Failure(e.versionConflict(op, cur), model.UnassignedSeqNo, term), nil
		}
		seqNo = e.tracker.Generate()
		if op.HasCAS() && (cur.seqNo != op.IfSeqNo || cur.term != op.IfPrimaryTerm) {
			e.tracker.MarkProcessed(seqNo)
			return model.Failure(e.casConflict(op, cur), seqNo, term), nil
		}
		version = op.VersionType.UpdatedVersion(cur.version, op.Version)
	} else {
		seqNo = op.SeqNo
		version = op.Version
		e.tracker.AdvanceMaxSeqNo(seqNo)
		if cur.found && cur.seqNo >= seqNo {
			loc, err := e.appendToTranslog(op, seqNo, version)
			if err != nil {
				return model.OperationResult{}, err
			}
			e.finishOp(seqNo)
			res := model.DeleteSuccess(seqNo, term, version, false)
			res.Location = loc
			return res, nil
		}
	}

	doc := &storage.Document{
		DocMeta: storage.DocMeta{ID: op.ID, SeqNo: seqNo, PrimaryTerm: term, Version: version, Deleted: true},
	}
	if err := e.backend.SoftDeleteDocument(doc); err != nil {
		e.failEngine("delete into storage", err)
		return model.OperationResult{}, e.errIfClosed()
	}
	loc, err := e.appendToTranslog(op, seqNo, version)
	if err != nil {
		return model.OperationResult{}, err
	}
	e.vmap.PutDeleteUnderLock(op.ID, versions.Value{
		Version: version,
		SeqNo:   seqNo,
		Term:    term,
		Time:    time.Now(),
	})
	e.finishOp(seqNo)

	res := model.DeleteSuccess(seqNo, term, version, found)
	res.Location = loc
	return res, nil
}

// NoOp records a no-op carrying an already assigned sequence number, as
// delivered by replication or recovery. It touches no document state;
// its only effect is letting the local checkpoint advance past the gap.
func (e *Engine) NoOp(op *model.Operation) (model.OperationResult, error) {
	if op.Kind != model.KindNoOp {
		return model.OperationResult{}, fmt.Errorf("engine: noop called with %s operation", op.Kind)
	}
	if err := op.Validate(); err != nil {
		return model.OperationResult{}, err
	}

	e.writeMu.RLock()
	defer e.writeMu.RUnlock()
	if err := e.errIfClosed(); err != nil {
		return model.OperationResult{}, err
	}
	return e.innerNoOp(op)
}

func (e *Engine) innerNoOp(op *model.Operation) (model.OperationResult, error) {
	seqNo := op.SeqNo
	if seqNo == model.UnassignedSeqNo {
		seqNo = e.tracker.Generate()
	} else {
		e.tracker.AdvanceMaxSeqNo(seqNo)
	}
	loc, err := e.appendToTranslog(op, seqNo, op.Version)
	if err != nil {
		return model.OperationResult{}, err
	}
	e.tracker.MarkProcessed(seqNo)
	e.maybeTriggerFlush()

	return model.OperationResult{
		Type:        model.ResultSuccess,
		SeqNo:       seqNo,
		PrimaryTerm: op.PrimaryTerm,
		Version:     model.NotFoundVersion,
		Location:    loc,
	}, nil
}

// EnsureTranslogSynced makes the translog record behind a completed
// operation durable, fsyncing only when the record is not already
// covered by an earlier sync. It reports whether an fsync ran. The
// operation's sequence number counts as persisted afterwards; callers
// must invoke this before acknowledging a write as durable.
func (e *Engine) EnsureTranslogSynced(res model.OperationResult) (bool, error) {
	e.writeMu.RLock()
	defer e.writeMu.RUnlock()
	if err := e.errIfClosed(); err != nil {
		return false, err
	}

	synced, err := e.translog.EnsureSynced(res.Location)
	if err != nil {
		e.failEngine("translog sync", err)
		return false, e.errIfClosed()
	}
	if res.SeqNo != model.UnassignedSeqNo {
		e.tracker.MarkPersisted(res.SeqNo)
	}
	return synced, nil
}

// Get returns the live document for id. With realtime set, writes not
// yet visible to searchers are surfaced by refreshing the internal view
// when the version map indicates the index alone is not sufficient.
func (e *Engine) Get(id string, realtime bool) (*storage.Document, bool, error) {
	e.writeMu.RLock()
	defer e.writeMu.RUnlock()
	if err := e.errIfClosed(); err != nil {
		return nil, false, err
	}

	if !realtime {
		return e.getFromManager(e.external, id)
	}

	release := e.vmap.Keys.Acquire(id)
	v, ok := e.vmap.GetUnderLock(id)
	unsafe := e.vmap.IsUnsafe()
	release()

	if ok && v.Delete {
		return nil, false, nil
	}
	if ok || unsafe {
		// A recent write is not index-visible yet.
		if err := e.refreshInternal(); err != nil {
			return nil, false, err
		}
	}
	return e.getFromManager(e.internal, id)
}

func (e *Engine) getFromManager(m *searcherManager, id string) (*storage.Document, bool, error) {
	s, err := m.acquire()
	if err != nil {
		return nil, false, err
	}
	defer s.DecRef()
	return s.Get(id)
}
