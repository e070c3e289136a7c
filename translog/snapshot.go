package translog

import (
	"io"

	"github.com/hupe1980/docengine/model"
)

type snapshotGen struct {
	path   string
	numOps int64
}

// Snapshot iterates the operations of a seqno range, oldest generation
// first. Operations for the same document are not deduplicated; replay
// is expected to be idempotent. Close releases the retention lock that
// keeps the underlying generations on disk.
type Snapshot struct {
	t    *Translog
	gens []snapshotGen
	from int64
	to   int64

	totalOps int

	idx     int
	cur     *generationReader
	curRead int64

	release func()
	closed  bool
}

// NewSnapshot opens a snapshot over all operations with
// fromSeqNo <= seqNo <= toSeqNo that the translog still retains.
func (t *Translog) NewSnapshot(fromSeqNo, toSeqNo int64) (*Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.errIfClosedLocked(); err != nil {
		return nil, err
	}
	// Push buffered records into the file so a read handle sees them.
	if err := t.current.flush(); err != nil {
		return nil, t.closeOnTragicEventLocked(err)
	}

	overlaps := func(minSeqNo, maxSeqNo, numOps int64) bool {
		if numOps == 0 {
			return false
		}
		return maxSeqNo >= fromSeqNo && minSeqNo <= toSeqNo
	}

	s := &Snapshot{t: t, from: fromSeqNo, to: toSeqNo}
	minGen := t.current.generation
	for _, r := range t.readers {
		if !overlaps(r.checkpoint.MinSeqNo, r.checkpoint.MaxSeqNo, r.checkpoint.NumOps) {
			continue
		}
		s.gens = append(s.gens, snapshotGen{path: r.path, numOps: r.checkpoint.NumOps})
		s.totalOps += int(r.checkpoint.NumOps)
		if r.checkpoint.Generation < minGen {
			minGen = r.checkpoint.Generation
		}
	}
	if overlaps(t.current.minSeqNo, t.current.maxSeqNo, t.current.numOps) {
		s.gens = append(s.gens, snapshotGen{path: t.current.path, numOps: t.current.numOps})
		s.totalOps += int(t.current.numOps)
	}

	s.release = t.policy.acquireRetentionLock(minGen)
	return s, nil
}

// TotalOps returns an upper bound on the operations the snapshot will
// yield, before seqno filtering.
func (s *Snapshot) TotalOps() int { return s.totalOps }

// Next returns the next operation in the requested range. io.EOF
// signals exhaustion.
func (s *Snapshot) Next() (*model.Operation, error) {
	if s.closed {
		return nil, ErrClosed
	}
	for {
		if s.cur == nil {
			if s.idx >= len(s.gens) {
				return nil, io.EOF
			}
			gr, err := openGenerationReader(s.t.fsys, s.gens[s.idx].path, s.t.uuid)
			if err != nil {
				return nil, err
			}
			s.cur = gr
			s.curRead = 0
		}

		// A still-open generation has no stream footer; stop after the
		// record count captured at snapshot time instead of reading to
		// EOF.
		if s.curRead >= s.gens[s.idx].numOps {
			if err := s.cur.Close(); err != nil {
				return nil, err
			}
			s.cur = nil
			s.idx++
			continue
		}

		op, err := s.cur.next()
		if err != nil {
			s.cur.Close()
			s.cur = nil
			return nil, unexpectedEOF(err)
		}
		s.curRead++

		if op.SeqNo < s.from || op.SeqNo > s.to {
			continue
		}
		return &op, nil
	}
}

// Close releases the snapshot's retention lock. Idempotent.
func (s *Snapshot) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.cur != nil {
		err = s.cur.Close()
		s.cur = nil
	}
	s.release()
	return err
}
