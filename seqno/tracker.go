package seqno

import (
	"context"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/hupe1980/docengine/model"
)

// windowSize is the number of sequence numbers covered by one completion
// bitset. Completed windows below the checkpoint are released eagerly, so
// memory stays proportional to the in-flight span, not to history.
const windowSize = 2048

// Stats is a point-in-time snapshot of the tracker state.
type Stats struct {
	MaxSeqNo            int64
	ProcessedCheckpoint int64
	PersistedCheckpoint int64
}

// Tracker assigns sequence numbers and computes the local checkpoints.
//
// "Processed" means the operation has been applied to the in-memory index
// state and appended to the translog; "persisted" means the translog
// record is known to be fsynced.
type Tracker struct {
	mu   sync.Mutex
	cond *sync.Cond

	nextSeqNo int64
	maxSeqNo  int64

	processed checkpointState
	persisted checkpointState
}

type checkpointState struct {
	checkpoint int64
	windows    map[int64]*bitset.BitSet
}

// NewTracker creates a tracker resuming from the given state, typically
// read from the last safe commit. Both values may be
// model.NoOpsPerformed for a fresh shard.
func NewTracker(maxSeqNo, localCheckpoint int64) *Tracker {
	t := &Tracker{
		nextSeqNo: maxSeqNo + 1,
		maxSeqNo:  maxSeqNo,
		processed: checkpointState{
			checkpoint: localCheckpoint,
			windows:    make(map[int64]*bitset.BitSet),
		},
		persisted: checkpointState{
			checkpoint: localCheckpoint,
			windows:    make(map[int64]*bitset.BitSet),
		},
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Generate issues the next sequence number. Only the primary path may
// call this; numbers are strictly increasing in real time.
func (t *Tracker) Generate() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	seqNo := t.nextSeqNo
	t.nextSeqNo++
	if seqNo > t.maxSeqNo {
		t.maxSeqNo = seqNo
	}
	return seqNo
}

// AdvanceMaxSeqNo records a sequence number assigned upstream (replica
// and recovery paths) so local generation never reissues it.
func (t *Tracker) AdvanceMaxSeqNo(seqNo int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if seqNo > t.maxSeqNo {
		t.maxSeqNo = seqNo
	}
	if seqNo >= t.nextSeqNo {
		t.nextSeqNo = seqNo + 1
	}
}

// MarkProcessed records that the operation with the given sequence number
// has been durably applied to in-memory state and the translog.
// Completion may arrive out of order.
func (t *Tracker) MarkProcessed(seqNo int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.markLocked(&t.processed, seqNo)
}

// MarkPersisted records that the translog record for the given sequence
// number has been fsynced.
func (t *Tracker) MarkPersisted(seqNo int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.markLocked(&t.persisted, seqNo)
}

// AdvancePersistedCheckpoint moves the persisted checkpoint to seqNo
// after a translog sync. Every processed operation at or below the
// processed checkpoint was appended before the sync, so the jump is
// safe up to that bound.
func (t *Tracker) AdvancePersistedCheckpoint(seqNo int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if seqNo > t.processed.checkpoint {
		seqNo = t.processed.checkpoint
	}
	if seqNo <= t.persisted.checkpoint {
		return
	}
	for s := t.persisted.checkpoint + 1; s <= seqNo; s++ {
		if bits, ok := t.persisted.windows[s/windowSize]; ok {
			bits.Clear(uint(s % windowSize))
			if bits.None() {
				delete(t.persisted.windows, s/windowSize)
			}
		}
	}
	t.persisted.checkpoint = seqNo
	t.cond.Broadcast()
}

func (t *Tracker) markLocked(cs *checkpointState, seqNo int64) {
	if seqNo == model.UnassignedSeqNo {
		panic("seqno: marking an unassigned sequence number")
	}
	if seqNo > t.maxSeqNo {
		t.maxSeqNo = seqNo
	}
	if seqNo >= t.nextSeqNo {
		t.nextSeqNo = seqNo + 1
	}
	if seqNo <= cs.checkpoint {
		// Duplicate completion of an already drained number (replica
		// retries do this); nothing to record.
		return
	}

	window := seqNo / windowSize
	bits, ok := cs.windows[window]
	if !ok {
		bits = bitset.New(windowSize)
		cs.windows[window] = bits
	}
	bits.Set(uint(seqNo % windowSize))

	// Drain the contiguous prefix above the checkpoint.
	for {
		next := cs.checkpoint + 1
		window := next / windowSize
		bits, ok := cs.windows[window]
		if !ok || !bits.Test(uint(next%windowSize)) {
			break
		}
		bits.Clear(uint(next % windowSize))
		cs.checkpoint = next
		if bits.None() {
			delete(cs.windows, window)
		}
	}
	t.cond.Broadcast()
}

// MaxSeqNo returns the highest sequence number seen so far.
func (t *Tracker) MaxSeqNo() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxSeqNo
}

// ProcessedCheckpoint returns the highest sequence number below which all
// operations have been processed.
func (t *Tracker) ProcessedCheckpoint() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.processed.checkpoint
}

// PersistedCheckpoint returns the highest sequence number below which all
// translog records have been fsynced.
func (t *Tracker) PersistedCheckpoint() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.persisted.checkpoint
}

// Stats returns a consistent snapshot of the tracker state.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		MaxSeqNo:            t.maxSeqNo,
		ProcessedCheckpoint: t.processed.checkpoint,
		PersistedCheckpoint: t.persisted.checkpoint,
	}
}

// WaitForProcessed blocks the calling goroutine until the processed
// checkpoint reaches upTo, or the context is done.
func (t *Tracker) WaitForProcessed(ctx context.Context, upTo int64) error {
	if upTo == model.UnassignedSeqNo {
		return nil
	}

	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.cond.Broadcast()
	})
	defer stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	for t.processed.checkpoint < upTo {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("waiting for processed checkpoint %d (at %d): %w", upTo, t.processed.checkpoint, err)
		}
		t.cond.Wait()
	}
	return nil
}

// PendingAbove returns the sequence numbers in (checkpoint, maxSeqNo]
// that have not been processed yet. Recovery uses this to fill gaps with
// no-ops.
func (t *Tracker) PendingAbove() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pending []int64
	for seqNo := t.processed.checkpoint + 1; seqNo <= t.maxSeqNo; seqNo++ {
		bits, ok := t.processed.windows[seqNo/windowSize]
		if !ok || !bits.Test(uint(seqNo%windowSize)) {
			pending = append(pending, seqNo)
		}
	}
	return pending
}
