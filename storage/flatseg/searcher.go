package flatseg

import (
	"fmt"
	"io"
	"sort"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/docengine/storage"
)

// snapshot is a frozen point-in-time view: the committed segments plus
// a copy of the live table taken at creation. It implements
// storage.Searcher.
type snapshot struct {
	refs atomic.Int64

	// byID resolves the latest record per id across all segments and
	// the frozen live table, tombstones included.
	byID map[string]*storage.Document
	// history holds every retained record sorted by seqno.
	history []*storage.Document
	seqnos  *roaring64.Bitmap

	liveDocs    int
	prunedBelow int64
}

// newSnapshot merges segments (oldest first) and the frozen live
// records into one resolved view.
func newSnapshot(segs []*segment, memRecords []*storage.Document, prunedBelow int64) *snapshot {
	s := &snapshot{
		byID:        make(map[string]*storage.Document),
		seqnos:      roaring64.New(),
		prunedBelow: prunedBelow,
	}
	s.refs.Store(1)

	add := func(rec *storage.Document) {
		if s.seqnos.Contains(uint64(rec.SeqNo)) {
			return
		}
		s.seqnos.Add(uint64(rec.SeqNo))
		s.history = append(s.history, rec)
		if prev, ok := s.byID[rec.ID]; !ok || rec.SeqNo > prev.SeqNo {
			s.byID[rec.ID] = rec
		}
	}
	for _, seg := range segs {
		for _, rec := range seg.records {
			add(rec)
		}
	}
	for _, rec := range memRecords {
		add(rec)
	}

	sort.Slice(s.history, func(i, j int) bool { return s.history[i].SeqNo < s.history[j].SeqNo })

	for _, rec := range s.byID {
		if !rec.Deleted {
			s.liveDocs++
		}
	}
	return s
}

func (s *snapshot) IncRef() { s.refs.Add(1) }

func (s *snapshot) DecRef() {
	if s.refs.Add(-1) == 0 {
		// Everything is heap-resident; dropping the references is
		// enough.
		s.byID = nil
		s.history = nil
		s.seqnos = nil
	}
}

func (s *snapshot) LiveDocCount() int { return s.liveDocs }

func (s *snapshot) Get(id string) (*storage.Document, bool, error) {
	rec, ok := s.byID[id]
	if !ok || rec.Deleted {
		return nil, false, nil
	}
	return rec, true, nil
}

func (s *snapshot) Changes(fromSeqNo, toSeqNo int64) (storage.ChangeIterator, error) {
	if fromSeqNo < s.prunedBelow {
		return nil, fmt.Errorf("%w: requested from seqno %d, history starts at %d",
			storage.ErrHistoryTrimmed, fromSeqNo, s.prunedBelow)
	}

	// history is seqno-sorted; narrow to the requested window.
	lo := sort.Search(len(s.history), func(i int) bool { return s.history[i].SeqNo >= fromSeqNo })
	hi := sort.Search(len(s.history), func(i int) bool { return s.history[i].SeqNo > toSeqNo })

	s.IncRef()
	return &changeIterator{snap: s, records: s.history[lo:hi]}, nil
}

type changeIterator struct {
	snap    *snapshot
	records []*storage.Document
	pos     int
	closed  bool
}

func (it *changeIterator) Next() (*storage.Document, error) {
	if it.closed {
		return nil, storage.ErrClosed
	}
	if it.pos >= len(it.records) {
		return nil, io.EOF
	}
	rec := it.records[it.pos]
	it.pos++
	return rec, nil
}

func (it *changeIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.snap.DecRef()
	return nil
}
