package flatseg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/docengine/internal/fs"
	"github.com/hupe1980/docengine/internal/resource"
	"github.com/hupe1980/docengine/storage"
)

// Options configures a Backend.
type Options struct {
	// FS defaults to the local filesystem.
	FS fs.FileSystem
	// Resources rate-limits segment writes. Nil means unlimited.
	Resources *resource.Controller
}

// Backend is the file-backed storage.Backend implementation.
type Backend struct {
	mu   sync.RWMutex
	fsys fs.FileSystem
	dir  string
	ctrl *resource.Controller

	store *manifestStore

	// mem is the live table of uncommitted records, latest per id.
	mem        map[string]*storage.Document
	memHistory []*storage.Document

	// segs holds the committed segments, oldest first.
	segs []*segment

	gen         int64
	nextSeg     int64
	prunedBelow int64
	lastCommit  *storage.CommitInfo

	closed bool
}

var _ storage.Backend = (*Backend)(nil)

// Open opens or creates a backend in dir, loading the commit CURRENT
// points at.
func Open(dir string, opts *Options) (*Backend, error) {
	if opts == nil {
		opts = &Options{}
	}
	fsys := opts.FS
	if fsys == nil {
		fsys = fs.Default
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	b := &Backend{
		fsys:    fsys,
		dir:     dir,
		ctrl:    opts.Resources,
		store:   &manifestStore{fsys: fsys, dir: dir},
		mem:     make(map[string]*storage.Document),
		nextSeg: 1,
	}

	m, err := b.store.loadCurrent()
	if err != nil {
		return nil, err
	}
	if m != nil {
		if err := b.loadManifestLocked(m); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// loadManifestLocked replaces the committed state with the manifest's.
func (b *Backend) loadManifestLocked(m *manifest) error {
	segs := make([]*segment, 0, len(m.Segments))
	for _, si := range m.Segments {
		seg, err := loadSegment(b.fsys, filepath.Join(b.dir, si.Path))
		if err != nil {
			return err
		}
		seg.file = si.Path
		segs = append(segs, seg)
	}

	b.segs = segs
	b.gen = m.Generation
	b.nextSeg = m.NextSegment
	b.prunedBelow = m.PrunedBelow
	b.lastCommit = &storage.CommitInfo{
		Generation: m.Generation,
		UserData:   cloneUserData(m.UserData),
		Segments:   len(m.Segments),
	}
	return nil
}

func cloneUserData(userData map[string]string) map[string]string {
	out := make(map[string]string, len(userData))
	for k, v := range userData {
		out[k] = v
	}
	return out
}

func (b *Backend) applyLocked(doc *storage.Document) {
	if prev, ok := b.mem[doc.ID]; !ok || doc.SeqNo > prev.SeqNo {
		b.mem[doc.ID] = doc
	}
	b.memHistory = append(b.memHistory, doc)
}

// AddDocument appends a first-time document without prior-version
// handling.
func (b *Backend) AddDocument(doc *storage.Document) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return storage.ErrClosed
	}
	b.mem[doc.ID] = doc
	b.memHistory = append(b.memHistory, doc)
	return nil
}

// UpdateDocument stores a new version of a document.
func (b *Backend) UpdateDocument(doc *storage.Document) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return storage.ErrClosed
	}
	b.applyLocked(doc)
	return nil
}

// SoftDeleteDocument records a tombstone.
func (b *Backend) SoftDeleteDocument(doc *storage.Document) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return storage.ErrClosed
	}
	tomb := *doc
	tomb.Deleted = true
	tomb.Source = nil
	b.applyLocked(&tomb)
	return nil
}

// Lookup resolves the latest stored metadata for id, newest record
// wins across the live table and all segments.
func (b *Backend) Lookup(id string) (storage.DocMeta, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return storage.DocMeta{}, false, storage.ErrClosed
	}

	best, ok := b.mem[id]
	for i := len(b.segs) - 1; i >= 0; i-- {
		if rec, found := b.segs[i].byID[id]; found && (!ok || rec.SeqNo > best.SeqNo) {
			best, ok = rec, true
		}
	}
	if !ok {
		return storage.DocMeta{}, false, nil
	}
	return best.DocMeta, true, nil
}

// NewSearcher freezes the current state into a refcounted view.
func (b *Backend) NewSearcher() (storage.Searcher, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, storage.ErrClosed
	}
	return newSnapshot(b.segs, slices.Clone(b.memHistory), b.prunedBelow), nil
}

// Commit seals the live table into a segment file and writes a new
// manifest carrying userData.
func (b *Backend) Commit(userData map[string]string) (storage.CommitInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return storage.CommitInfo{}, storage.ErrClosed
	}

	var newSeg *segment
	if len(b.memHistory) > 0 {
		records := slices.Clone(b.memHistory)
		sort.Slice(records, func(i, j int) bool { return records[i].SeqNo < records[j].SeqNo })

		file := segmentFileName(b.nextSeg)
		if err := writeSegment(context.Background(), b.fsys, filepath.Join(b.dir, file), records, b.ctrl); err != nil {
			return storage.CommitInfo{}, err
		}
		newSeg = newSegment(file, records)
	}

	gen := b.gen + 1
	segs := b.segs
	nextSeg := b.nextSeg
	if newSeg != nil {
		segs = append(slices.Clone(b.segs), newSeg)
		nextSeg++
	}

	m := &manifest{
		Generation:  gen,
		NextSegment: nextSeg,
		PrunedBelow: b.prunedBelow,
		Segments:    segmentInfos(segs),
		UserData:    cloneUserData(userData),
	}
	if err := b.store.save(m); err != nil {
		if newSeg != nil {
			b.fsys.Remove(filepath.Join(b.dir, newSeg.file))
		}
		return storage.CommitInfo{}, err
	}

	b.gen = gen
	b.nextSeg = nextSeg
	b.segs = segs
	if newSeg != nil {
		b.mem = make(map[string]*storage.Document)
		b.memHistory = nil
	}

	info := storage.CommitInfo{Generation: gen, UserData: cloneUserData(userData), Segments: len(segs)}
	b.lastCommit = &info
	return info, nil
}

func segmentInfos(segs []*segment) []segmentInfo {
	infos := make([]segmentInfo, 0, len(segs))
	for _, seg := range segs {
		infos = append(infos, segmentInfo{
			Path:       seg.file,
			NumRecords: int64(len(seg.records)),
			MinSeqNo:   seg.minSeqNo,
			MaxSeqNo:   seg.maxSeqNo,
		})
	}
	return infos
}

// LastCommit returns the most recent commit, or false on a virgin
// index.
func (b *Backend) LastCommit() (storage.CommitInfo, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.lastCommit == nil {
		return storage.CommitInfo{}, false
	}
	return *b.lastCommit, true
}

// ListCommits returns the on-disk commits, oldest first.
func (b *Backend) ListCommits() ([]storage.CommitInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, storage.ErrClosed
	}

	gens, err := b.store.listGenerations()
	if err != nil {
		return nil, err
	}

	commits := make([]storage.CommitInfo, 0, len(gens))
	for _, gen := range gens {
		m, err := b.store.loadAt(gen)
		if err != nil {
			return nil, err
		}
		commits = append(commits, storage.CommitInfo{
			Generation: m.Generation,
			UserData:   cloneUserData(m.UserData),
			Segments:   len(m.Segments),
		})
	}
	return commits, nil
}

// Dir returns the data directory of the backend.
func (b *Backend) Dir() string {
	return b.dir
}

// CommitFiles returns the files making up a commit, relative to the
// data dir: the manifest plus the segment files it references.
func (b *Backend) CommitFiles(generation int64) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, storage.ErrClosed
	}

	m, err := b.store.loadAt(generation)
	if err != nil {
		return nil, fmt.Errorf("flatseg: loading commit %d: %w", generation, err)
	}

	files := make([]string, 0, len(m.Segments)+1)
	files = append(files, manifestFileName(generation))
	for _, si := range m.Segments {
		files = append(files, si.Path)
	}
	return files, nil
}

// ResetToCommit discards everything after the given commit, reloads
// from its manifest and repoints CURRENT.
func (b *Backend) ResetToCommit(generation int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return storage.ErrClosed
	}

	m, err := b.store.loadAt(generation)
	if err != nil {
		return fmt.Errorf("flatseg: loading commit %d: %w", generation, err)
	}

	gens, err := b.store.listGenerations()
	if err != nil {
		return err
	}
	for _, gen := range gens {
		if gen > generation {
			if err := b.store.remove(gen); err != nil {
				return err
			}
		}
	}
	if err := b.store.writeAtomic(currentFileName, []byte(manifestFileName(generation))); err != nil {
		return err
	}

	if err := b.loadManifestLocked(m); err != nil {
		return err
	}
	b.mem = make(map[string]*storage.Document)
	b.memHistory = nil

	return b.gcSegmentFilesLocked()
}

// DeleteCommits removes commits older than the given generation and
// the segment files only they referenced.
func (b *Backend) DeleteCommits(olderThan int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return storage.ErrClosed
	}

	gens, err := b.store.listGenerations()
	if err != nil {
		return err
	}
	for _, gen := range gens {
		if gen < olderThan {
			if err := b.store.remove(gen); err != nil {
				return err
			}
		}
	}
	return b.gcSegmentFilesLocked()
}

// gcSegmentFilesLocked deletes segment files no manifest references.
func (b *Backend) gcSegmentFilesLocked() error {
	referenced := make(map[string]bool)
	for _, seg := range b.segs {
		referenced[seg.file] = true
	}

	gens, err := b.store.listGenerations()
	if err != nil {
		return err
	}
	for _, gen := range gens {
		m, err := b.store.loadAt(gen)
		if err != nil {
			return err
		}
		for _, si := range m.Segments {
			referenced[si.Path] = true
		}
	}

	entries, err := b.fsys.ReadDir(b.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, segmentFilePrefix) || !strings.HasSuffix(name, segmentFileSuffix) {
			continue
		}
		if referenced[name] {
			continue
		}
		if err := b.fsys.Remove(filepath.Join(b.dir, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// ForceMerge rewrites the committed segments into a single one,
// dropping history below the last commit's retained seqno. The merge
// holds the write lock; concurrency is bounded by the engine above.
func (b *Backend) ForceMerge(ctx context.Context, maxSegments int, expungeDeletes bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return storage.ErrClosed
	}
	if maxSegments < 1 {
		maxSegments = 1
	}
	if len(b.segs) <= maxSegments && !expungeDeletes {
		return nil
	}

	minRetained := b.prunedBelow
	if b.lastCommit != nil {
		if v, err := strconv.ParseInt(b.lastCommit.UserData[storage.KeyMinRetainedSeqNo], 10, 64); err == nil && v > minRetained {
			minRetained = v
		}
	}

	// Collect and resolve all committed records, dropping records whose
	// sequence number an earlier segment already carries.
	var all []*storage.Document
	seen := roaring64.New()
	latest := make(map[string]*storage.Document)
	for _, seg := range b.segs {
		for _, rec := range seg.records {
			if seen.Contains(uint64(rec.SeqNo)) {
				continue
			}
			all = append(all, rec)
			if prev, ok := latest[rec.ID]; !ok || rec.SeqNo > prev.SeqNo {
				latest[rec.ID] = rec
			}
		}
		seen.Or(seg.seqnos)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].SeqNo < all[j].SeqNo })

	// Below the retained history only the latest record per id
	// survives; tombstones among them go too when expunging.
	merged := all[:0]
	for _, rec := range all {
		if rec.SeqNo >= minRetained {
			merged = append(merged, rec)
			continue
		}
		if latest[rec.ID] != rec {
			continue
		}
		if rec.Deleted && expungeDeletes {
			continue
		}
		merged = append(merged, rec)
	}

	var segs []*segment
	nextSeg := b.nextSeg
	if len(merged) > 0 {
		file := segmentFileName(nextSeg)
		if err := writeSegment(ctx, b.fsys, filepath.Join(b.dir, file), merged, b.ctrl); err != nil {
			return err
		}
		segs = []*segment{newSegment(file, slices.Clone(merged))}
		nextSeg++
	}

	gen := b.gen + 1
	var userData map[string]string
	if b.lastCommit != nil {
		userData = b.lastCommit.UserData
	}
	m := &manifest{
		Generation:  gen,
		NextSegment: nextSeg,
		PrunedBelow: minRetained,
		Segments:    segmentInfos(segs),
		UserData:    cloneUserData(userData),
	}
	if err := b.store.save(m); err != nil {
		if len(segs) > 0 {
			b.fsys.Remove(filepath.Join(b.dir, segs[0].file))
		}
		return err
	}

	b.gen = gen
	b.nextSeg = nextSeg
	b.segs = segs
	b.prunedBelow = minRetained
	info := storage.CommitInfo{Generation: gen, UserData: cloneUserData(userData), Segments: len(segs)}
	b.lastCommit = &info

	return b.gcSegmentFilesLocked()
}

// SegmentCount reports the number of committed segments.
func (b *Backend) SegmentCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.segs)
}

// Close marks the backend closed. Uncommitted records are dropped; the
// engine replays them from its translog on the next open.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
