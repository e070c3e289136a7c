package translog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/hupe1980/docengine/internal/fs"
	"github.com/hupe1980/docengine/model"
)

// Config configures opening a translog.
type Config struct {
	// Dir is the translog directory.
	Dir string
	// FS defaults to the local filesystem.
	FS fs.FileSystem
	// ExpectedUUID is the translog uuid recorded by the last index
	// commit. Empty accepts any on-disk history.
	ExpectedUUID string
	// Compress enables zstd compression for newly written generations.
	Compress bool
	// GlobalCheckpointSupplier provides the externally replicated global
	// checkpoint stamped into every checkpoint file.
	GlobalCheckpointSupplier func() int64
	// Policy drives generation retention. A fresh policy is used when
	// nil.
	Policy *DeletionPolicy
}

// Stats describes the current translog footprint.
type Stats struct {
	NumOps           int64
	SizeBytes        int64
	UncommittedOps   int64
	UncommittedBytes int64
	Generations      int
}

type readerInfo struct {
	checkpoint Checkpoint
	path       string
}

// Translog is the generation-segmented write-ahead log.
//
// Add is safe for concurrent use; an internal lock serializes physical
// writes without constraining sequence number assignment, which happens
// upstream.
type Translog struct {
	mu sync.Mutex

	fsys     fs.FileSystem
	dir      string
	uuid     string
	compress bool

	gcpSupplier func() int64
	policy      *DeletionPolicy

	// readers lists closed generations in ascending order.
	readers []readerInfo
	current *generationWriter

	closed  bool
	tragedy *TragicError
}

func generationLogName(gen int64) string { return fmt.Sprintf("translog-%d.log", gen) }
func generationCkpName(gen int64) string { return fmt.Sprintf("translog-%d.ckp", gen) }

// CreateEmpty initializes a fresh translog directory with a single empty
// generation and returns its uuid.
func CreateEmpty(fsys fs.FileSystem, dir string, globalCheckpoint int64) (string, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	translogUUID := uuid.NewString()
	const gen = 1

	w, err := newGenerationWriter(fsys, filepath.Join(dir, generationLogName(gen)), gen, translogUUID, false)
	if err != nil {
		return "", err
	}
	ckp := w.checkpoint(translogUUID, globalCheckpoint, gen)
	if err := w.close(); err != nil {
		return "", err
	}
	if err := writeCheckpoint(fsys, filepath.Join(dir, CheckpointFileName), ckp); err != nil {
		return "", err
	}
	return translogUUID, nil
}

// Open opens an existing translog. The generation that was current on
// disk is sealed and writing continues in a fresh one, so interrupted
// tails never get appended to.
func Open(cfg Config) (*Translog, error) {
	fsys := cfg.FS
	if fsys == nil {
		fsys = fs.Default
	}
	gcpSupplier := cfg.GlobalCheckpointSupplier
	if gcpSupplier == nil {
		gcpSupplier = func() int64 { return model.UnassignedSeqNo }
	}
	policy := cfg.Policy
	if policy == nil {
		policy = NewDeletionPolicy()
	}

	ckp, err := readCheckpoint(fsys, filepath.Join(cfg.Dir, CheckpointFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: missing checkpoint file in %s", ErrCorrupted, cfg.Dir)
		}
		return nil, err
	}
	if cfg.ExpectedUUID != "" && ckp.TranslogUUID != cfg.ExpectedUUID {
		return nil, fmt.Errorf("%w: on-disk uuid %q, commit references %q", ErrUUIDMismatch, ckp.TranslogUUID, cfg.ExpectedUUID)
	}

	t := &Translog{
		fsys:        fsys,
		dir:         cfg.Dir,
		uuid:        ckp.TranslogUUID,
		compress:    cfg.Compress,
		gcpSupplier: gcpSupplier,
		policy:      policy,
	}

	// Collect the closed generations referenced by the live checkpoint.
	for gen := ckp.MinGeneration; gen < ckp.Generation; gen++ {
		genCkp, err := readCheckpoint(fsys, filepath.Join(cfg.Dir, generationCkpName(gen)))
		if err != nil {
			return nil, fmt.Errorf("reading checkpoint of generation %d: %w", gen, err)
		}
		if genCkp.Generation != gen {
			return nil, fmt.Errorf("%w: checkpoint file of generation %d names generation %d", ErrCorrupted, gen, genCkp.Generation)
		}
		if genCkp.TranslogUUID != ckp.TranslogUUID {
			return nil, fmt.Errorf("%w: generation %d carries uuid %q", ErrUUIDMismatch, gen, genCkp.TranslogUUID)
		}
		if _, err := fsys.Stat(filepath.Join(cfg.Dir, generationLogName(gen))); err != nil {
			return nil, fmt.Errorf("%w: generation %d log file: %v", ErrCorrupted, gen, err)
		}
		t.readers = append(t.readers, readerInfo{checkpoint: genCkp, path: filepath.Join(cfg.Dir, generationLogName(gen))})
	}

	// Seal the generation that was current, trusting only its durable
	// prefix as recorded in the live checkpoint.
	if _, err := fsys.Stat(filepath.Join(cfg.Dir, generationLogName(ckp.Generation))); err != nil {
		return nil, fmt.Errorf("%w: current generation %d log file: %v", ErrCorrupted, ckp.Generation, err)
	}
	if err := writeCheckpoint(fsys, filepath.Join(cfg.Dir, generationCkpName(ckp.Generation)), ckp); err != nil {
		return nil, err
	}
	t.readers = append(t.readers, readerInfo{checkpoint: ckp, path: filepath.Join(cfg.Dir, generationLogName(ckp.Generation))})

	if err := t.startNewGenerationLocked(ckp.Generation + 1); err != nil {
		return nil, err
	}
	return t, nil
}

// startNewGenerationLocked creates the writer for gen and publishes the
// live checkpoint pointing at it.
func (t *Translog) startNewGenerationLocked(gen int64) error {
	w, err := newGenerationWriter(t.fsys, filepath.Join(t.dir, generationLogName(gen)), gen, t.uuid, t.compress)
	if err != nil {
		return err
	}
	if err := writeCheckpoint(t.fsys, filepath.Join(t.dir, CheckpointFileName), w.checkpoint(t.uuid, t.gcpSupplier(), t.minGenerationLocked(gen))); err != nil {
		w.file.Close()
		return err
	}
	t.current = w
	return nil
}

func (t *Translog) minGenerationLocked(currentGen int64) int64 {
	if len(t.readers) > 0 {
		return t.readers[0].checkpoint.Generation
	}
	return currentGen
}

// UUID returns the translog uuid stamped into commits.
func (t *Translog) UUID() string { return t.uuid }

// CurrentGeneration returns the generation currently being written.
func (t *Translog) CurrentGeneration() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return 0
	}
	return t.current.generation
}

// DeletionPolicy exposes the retention policy the commit coordinator
// drives.
func (t *Translog) DeletionPolicy() *DeletionPolicy { return t.policy }

func (t *Translog) errIfClosedLocked() error {
	if !t.closed {
		return nil
	}
	if t.tragedy != nil {
		return fmt.Errorf("%w: %w", ErrClosed, t.tragedy)
	}
	return ErrClosed
}

// closeOnTragicEventLocked seals the translog after an I/O failure.
// Every later call observes the same cause.
func (t *Translog) closeOnTragicEventLocked(cause error) error {
	if t.tragedy == nil {
		t.tragedy = &TragicError{Cause: cause}
		t.closed = true
		if t.current != nil {
			_ = t.current.file.Close()
			t.current = nil
		}
	}
	return fmt.Errorf("%w: %w", ErrClosed, t.tragedy)
}

// Tragedy returns the fatal error that closed the translog, if any.
func (t *Translog) Tragedy() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tragedy == nil {
		return nil
	}
	return t.tragedy
}

// Add appends an accepted operation and returns its location. The
// record is buffered; callers needing durability must EnsureSynced the
// returned location (or Sync).
func (t *Translog) Add(op *model.Operation) (model.Location, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.errIfClosedLocked(); err != nil {
		return model.Location{}, err
	}

	loc, err := t.current.add(op)
	if err != nil {
		// Encoding rejections happen before any byte is written and are
		// not tragic; a failed write is.
		if errors.Is(err, errEncode) {
			return model.Location{}, err
		}
		return model.Location{}, t.closeOnTragicEventLocked(err)
	}
	return loc, nil
}

// Sync fsyncs all buffered records and publishes the live checkpoint.
func (t *Translog) Sync() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.errIfClosedLocked(); err != nil {
		return err
	}
	return t.syncLocked()
}

func (t *Translog) syncLocked() error {
	if err := t.current.sync(); err != nil {
		return t.closeOnTragicEventLocked(err)
	}
	ckp := t.current.checkpoint(t.uuid, t.gcpSupplier(), t.minGenerationLocked(t.current.generation))
	if err := writeCheckpoint(t.fsys, filepath.Join(t.dir, CheckpointFileName), ckp); err != nil {
		return t.closeOnTragicEventLocked(err)
	}
	return nil
}

// EnsureSynced makes the record at loc durable, reporting whether an
// fsync was needed.
func (t *Translog) EnsureSynced(loc model.Location) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.errIfClosedLocked(); err != nil {
		return false, err
	}
	if !t.current.needsSync(loc) {
		return false, nil
	}
	if err := t.syncLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// SyncNeeded reports whether loc is not durable yet.
func (t *Translog) SyncNeeded(loc model.Location) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current != nil && t.current.needsSync(loc)
}

// LastSyncedGlobalCheckpoint returns the global checkpoint stamped into
// the live checkpoint file at the last sync.
func (t *Translog) LastSyncedGlobalCheckpoint() (int64, error) {
	ckp, err := readCheckpoint(t.fsys, filepath.Join(t.dir, CheckpointFileName))
	if err != nil {
		return model.UnassignedSeqNo, err
	}
	return ckp.GlobalCheckpoint, nil
}

// RollGeneration seals the current generation and starts a new one.
func (t *Translog) RollGeneration() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.errIfClosedLocked(); err != nil {
		return err
	}

	if err := t.current.sync(); err != nil {
		return t.closeOnTragicEventLocked(err)
	}
	sealed := t.current.checkpoint(t.uuid, t.gcpSupplier(), t.minGenerationLocked(t.current.generation))
	if err := t.current.close(); err != nil {
		return t.closeOnTragicEventLocked(err)
	}
	if err := writeCheckpoint(t.fsys, filepath.Join(t.dir, generationCkpName(sealed.Generation)), sealed); err != nil {
		return t.closeOnTragicEventLocked(err)
	}
	t.readers = append(t.readers, readerInfo{checkpoint: sealed, path: filepath.Join(t.dir, generationLogName(sealed.Generation))})

	if err := t.startNewGenerationLocked(sealed.Generation + 1); err != nil {
		return t.closeOnTragicEventLocked(err)
	}
	return nil
}

// MinGenerationContaining returns the oldest generation holding any
// operation with seqNo above the given sequence number. The commit
// coordinator uses it to compute the recovery bound after a commit.
func (t *Translog) MinGenerationContaining(seqNo int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.readers {
		if r.checkpoint.NumOps == 0 {
			continue
		}
		if r.checkpoint.MaxSeqNo > seqNo {
			return r.checkpoint.Generation
		}
	}
	if t.current != nil && t.current.numOps > 0 && t.current.maxSeqNo > seqNo {
		return t.current.generation
	}
	if t.current != nil {
		return t.current.generation
	}
	return 0
}

// TrimUnreferencedReaders deletes generations no recovery or snapshot
// can need anymore. The raised lower bound is published to the live
// checkpoint before any file is removed, so a crash mid-trim never
// leaves the checkpoint naming a missing generation.
func (t *Translog) TrimUnreferencedReaders() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	minRetained := t.policy.minRetainedGeneration()
	var kept, trimmed []readerInfo
	for _, r := range t.readers {
		if r.checkpoint.Generation >= minRetained {
			kept = append(kept, r)
		} else {
			trimmed = append(trimmed, r)
		}
	}
	if len(trimmed) == 0 {
		return nil
	}

	t.readers = kept
	if err := t.syncLocked(); err != nil {
		return err
	}

	for _, r := range trimmed {
		if err := t.fsys.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		ckpPath := filepath.Join(t.dir, generationCkpName(r.checkpoint.Generation))
		if err := t.fsys.Remove(ckpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Stats returns the translog footprint. Uncommitted figures cover the
// generations after the last commit.
func (t *Translog) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	lastCommitGen := t.policy.TranslogGenerationOfLastCommit()

	var s Stats
	s.Generations = len(t.readers)
	for _, r := range t.readers {
		s.NumOps += r.checkpoint.NumOps
		s.SizeBytes += r.checkpoint.Offset
		if r.checkpoint.Generation > lastCommitGen {
			s.UncommittedOps += r.checkpoint.NumOps
			s.UncommittedBytes += r.checkpoint.Offset
		}
	}
	if t.current != nil {
		s.Generations++
		s.NumOps += t.current.numOps
		s.SizeBytes += t.current.offset
		if t.current.generation > lastCommitGen {
			s.UncommittedOps += t.current.numOps
			s.UncommittedBytes += t.current.offset
		}
	}
	return s
}

// Close seals the translog. A best-effort final sync is attempted on a
// healthy log. Close is idempotent and safe to race with a tragic
// close.
func (t *Translog) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if err := t.syncLocked(); err != nil {
		// The tragic path already released the file handle.
		return err
	}
	err := t.current.close()
	t.current = nil
	return err
}
