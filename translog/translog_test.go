package translog

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/docengine/internal/fs"
	"github.com/hupe1980/docengine/model"
)

func newTestTranslog(t *testing.T, dir string, compress bool) *Translog {
	t.Helper()

	translogUUID, err := CreateEmpty(fs.Default, dir, model.NoOpsPerformed)
	require.NoError(t, err)

	tl, err := Open(Config{Dir: dir, ExpectedUUID: translogUUID, Compress: compress})
	require.NoError(t, err)
	t.Cleanup(func() { tl.Close() })
	return tl
}

func indexOp(seqNo int64, id, source string) *model.Operation {
	op := model.NewIndex(&model.Document{ID: id, Source: []byte(source)}, 1)
	op.SeqNo = seqNo
	op.Version = 1
	return &op
}

func drain(t *testing.T, s *Snapshot) []*model.Operation {
	t.Helper()

	var ops []*model.Operation
	for {
		op, err := s.Next()
		if err == io.EOF {
			return ops
		}
		require.NoError(t, err)
		ops = append(ops, op)
	}
}

func TestCreateEmptyAndOpen(t *testing.T) {
	dir := t.TempDir()

	translogUUID, err := CreateEmpty(fs.Default, dir, model.NoOpsPerformed)
	require.NoError(t, err)
	require.NotEmpty(t, translogUUID)

	tl, err := Open(Config{Dir: dir, ExpectedUUID: translogUUID})
	require.NoError(t, err)
	defer tl.Close()

	assert.Equal(t, translogUUID, tl.UUID())
	// Opening rolls past the generation created by CreateEmpty.
	assert.Equal(t, int64(2), tl.CurrentGeneration())
	assert.Equal(t, int64(0), tl.Stats().NumOps)
}

func TestOpenMissingCheckpoint(t *testing.T) {
	_, err := Open(Config{Dir: t.TempDir()})
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestOpenUUIDMismatch(t *testing.T) {
	dir := t.TempDir()

	_, err := CreateEmpty(fs.Default, dir, model.NoOpsPerformed)
	require.NoError(t, err)

	_, err = Open(Config{Dir: dir, ExpectedUUID: "someone-elses-history"})
	require.ErrorIs(t, err, ErrUUIDMismatch)
}

func TestAddAndSnapshotRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "compressed"
		}
		t.Run(name, func(t *testing.T) {
			tl := newTestTranslog(t, t.TempDir(), compress)

			idx := indexOp(0, "doc-1", `{"f":1}`)
			idx.Doc.Routing = "shard-a"
			idx.Autogenerated = true
			_, err := tl.Add(idx)
			require.NoError(t, err)

			del := model.NewDelete("doc-2", 1)
			del.SeqNo = 1
			del.Version = 3
			_, err = tl.Add(&del)
			require.NoError(t, err)

			noop := model.NewNoOp(2, 1, model.OriginPrimary, "filling gap")
			_, err = tl.Add(&noop)
			require.NoError(t, err)

			require.NoError(t, tl.Sync())

			snap, err := tl.NewSnapshot(0, 2)
			require.NoError(t, err)
			defer snap.Close()

			ops := drain(t, snap)
			require.Len(t, ops, 3)

			assert.Equal(t, model.KindIndex, ops[0].Kind)
			assert.Equal(t, "doc-1", ops[0].ID)
			assert.Equal(t, "shard-a", ops[0].Doc.Routing)
			assert.Equal(t, []byte(`{"f":1}`), ops[0].Doc.Source)
			assert.True(t, ops[0].Autogenerated)
			assert.False(t, ops[0].Retry)

			assert.Equal(t, model.KindDelete, ops[1].Kind)
			assert.Equal(t, "doc-2", ops[1].ID)
			assert.Equal(t, int64(3), ops[1].Version)

			assert.Equal(t, model.KindNoOp, ops[2].Kind)
			assert.Equal(t, "filling gap", ops[2].Reason)
		})
	}
}

func TestSnapshotFiltersSeqNoRange(t *testing.T) {
	tl := newTestTranslog(t, t.TempDir(), false)

	for seqNo := int64(0); seqNo < 10; seqNo++ {
		_, err := tl.Add(indexOp(seqNo, "doc", "{}"))
		require.NoError(t, err)
	}

	snap, err := tl.NewSnapshot(3, 6)
	require.NoError(t, err)
	defer snap.Close()

	ops := drain(t, snap)
	require.Len(t, ops, 4)
	for i, op := range ops {
		assert.Equal(t, int64(3+i), op.SeqNo)
	}
}

func TestAddRejectsUnassignedSeqNo(t *testing.T) {
	tl := newTestTranslog(t, t.TempDir(), false)

	op := model.NewIndex(&model.Document{ID: "doc"}, 1)
	_, err := tl.Add(&op)
	require.Error(t, err)

	// Rejection happens before any byte is written and must not be
	// tragic.
	require.NoError(t, tl.Tragedy())
	_, err = tl.Add(indexOp(0, "doc", "{}"))
	require.NoError(t, err)
}

func TestEnsureSynced(t *testing.T) {
	tl := newTestTranslog(t, t.TempDir(), false)

	loc, err := tl.Add(indexOp(0, "doc", "{}"))
	require.NoError(t, err)
	assert.True(t, tl.SyncNeeded(loc))

	synced, err := tl.EnsureSynced(loc)
	require.NoError(t, err)
	assert.True(t, synced)
	assert.False(t, tl.SyncNeeded(loc))

	synced, err = tl.EnsureSynced(loc)
	require.NoError(t, err)
	assert.False(t, synced)
}

func TestSyncPublishesGlobalCheckpoint(t *testing.T) {
	dir := t.TempDir()

	translogUUID, err := CreateEmpty(fs.Default, dir, model.NoOpsPerformed)
	require.NoError(t, err)

	gcp := int64(model.NoOpsPerformed)
	tl, err := Open(Config{
		Dir:                      dir,
		ExpectedUUID:             translogUUID,
		GlobalCheckpointSupplier: func() int64 { return gcp },
	})
	require.NoError(t, err)
	defer tl.Close()

	_, err = tl.Add(indexOp(0, "doc", "{}"))
	require.NoError(t, err)
	gcp = 0
	require.NoError(t, tl.Sync())

	got, err := tl.LastSyncedGlobalCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}

func TestRollGeneration(t *testing.T) {
	tl := newTestTranslog(t, t.TempDir(), true)

	_, err := tl.Add(indexOp(0, "a", "{}"))
	require.NoError(t, err)
	gen := tl.CurrentGeneration()

	require.NoError(t, tl.RollGeneration())
	assert.Equal(t, gen+1, tl.CurrentGeneration())

	_, err = tl.Add(indexOp(1, "b", "{}"))
	require.NoError(t, err)

	snap, err := tl.NewSnapshot(0, 1)
	require.NoError(t, err)
	defer snap.Close()

	ops := drain(t, snap)
	require.Len(t, ops, 2)
	assert.Equal(t, "a", ops[0].ID)
	assert.Equal(t, "b", ops[1].ID)
}

func TestReopenYieldsDurablePrefixOnly(t *testing.T) {
	dir := t.TempDir()
	tl := newTestTranslog(t, dir, false)

	for seqNo := int64(0); seqNo < 3; seqNo++ {
		_, err := tl.Add(indexOp(seqNo, "doc", "{}"))
		require.NoError(t, err)
	}
	require.NoError(t, tl.Sync())

	// These never reach the checkpoint file; a crash loses them.
	_, err := tl.Add(indexOp(3, "doc", "{}"))
	require.NoError(t, err)
	_, err = tl.Add(indexOp(4, "doc", "{}"))
	require.NoError(t, err)

	reopened, err := Open(Config{Dir: dir, ExpectedUUID: tl.UUID()})
	require.NoError(t, err)
	defer reopened.Close()

	snap, err := reopened.NewSnapshot(0, 10)
	require.NoError(t, err)
	defer snap.Close()

	ops := drain(t, snap)
	require.Len(t, ops, 3)
	assert.Equal(t, int64(2), ops[len(ops)-1].SeqNo)
}

func TestReopenAcrossGenerations(t *testing.T) {
	dir := t.TempDir()
	tl := newTestTranslog(t, dir, true)

	_, err := tl.Add(indexOp(0, "a", "{}"))
	require.NoError(t, err)
	require.NoError(t, tl.RollGeneration())
	_, err = tl.Add(indexOp(1, "b", "{}"))
	require.NoError(t, err)
	require.NoError(t, tl.Sync())
	require.NoError(t, tl.Close())

	reopened, err := Open(Config{Dir: dir, ExpectedUUID: tl.UUID(), Compress: true})
	require.NoError(t, err)
	defer reopened.Close()

	snap, err := reopened.NewSnapshot(0, 1)
	require.NoError(t, err)
	defer snap.Close()

	ops := drain(t, snap)
	require.Len(t, ops, 2)
	assert.Equal(t, "a", ops[0].ID)
	assert.Equal(t, "b", ops[1].ID)
}

func TestCorruptedRecordDetected(t *testing.T) {
	dir := t.TempDir()
	tl := newTestTranslog(t, dir, false)

	loc, err := tl.Add(indexOp(0, "doc", `{"field":"value"}`))
	require.NoError(t, err)
	require.NoError(t, tl.Sync())
	require.NoError(t, tl.Close())

	// Flip a byte inside the record payload.
	path := filepath.Join(dir, generationLogName(loc.Generation))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	reopened, err := Open(Config{Dir: dir, ExpectedUUID: tl.UUID()})
	require.NoError(t, err)
	defer reopened.Close()

	snap, err := reopened.NewSnapshot(0, 0)
	require.NoError(t, err)
	defer snap.Close()

	_, err = snap.Next()
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestTragicEventSealsTranslog(t *testing.T) {
	dir := t.TempDir()

	translogUUID, err := CreateEmpty(fs.Default, dir, model.NoOpsPerformed)
	require.NoError(t, err)

	faulty := fs.NewFaultyFS(nil)
	// Let the generation header through, fail the first record flush.
	faulty.AddRule(generationLogName(2), fs.Fault{FailAfterBytes: 64})

	tl, err := Open(Config{Dir: dir, FS: faulty, ExpectedUUID: translogUUID})
	require.NoError(t, err)

	_, err = tl.Add(indexOp(0, "doc", `{"field":"value"}`))
	require.NoError(t, err)

	err = tl.Sync()
	require.ErrorIs(t, err, fs.ErrInjected)

	var tragic *TragicError
	require.ErrorAs(t, tl.Tragedy(), &tragic)

	// Sealed for good; every caller observes the original cause.
	_, err = tl.Add(indexOp(1, "doc", "{}"))
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, err, fs.ErrInjected)
	require.ErrorIs(t, tl.Sync(), ErrClosed)
}

func TestTrimUnreferencedReaders(t *testing.T) {
	dir := t.TempDir()
	tl := newTestTranslog(t, dir, false)

	for seqNo := int64(0); seqNo < 3; seqNo++ {
		_, err := tl.Add(indexOp(seqNo, "doc", "{}"))
		require.NoError(t, err)
		require.NoError(t, tl.RollGeneration())
	}

	gen := tl.CurrentGeneration()
	require.NoError(t, tl.DeletionPolicy().SetCheckpoints(gen, gen))
	require.NoError(t, tl.TrimUnreferencedReaders())

	for g := int64(1); g < gen; g++ {
		_, err := os.Stat(filepath.Join(dir, generationLogName(g)))
		assert.True(t, os.IsNotExist(err), "generation %d should be gone", g)
	}

	stats := tl.Stats()
	assert.Equal(t, int64(0), stats.NumOps)
}

func TestTrimPublishesCheckpointBeforeReopen(t *testing.T) {
	dir := t.TempDir()
	tl := newTestTranslog(t, dir, false)

	for seqNo := int64(0); seqNo < 3; seqNo++ {
		_, err := tl.Add(indexOp(seqNo, "doc", "{}"))
		require.NoError(t, err)
		require.NoError(t, tl.RollGeneration())
	}

	gen := tl.CurrentGeneration()
	require.NoError(t, tl.DeletionPolicy().SetCheckpoints(gen, gen))
	require.NoError(t, tl.TrimUnreferencedReaders())

	// The live checkpoint must not reference the deleted generations.
	ckp, err := readCheckpoint(fs.Default, filepath.Join(dir, CheckpointFileName))
	require.NoError(t, err)
	assert.Equal(t, gen, ckp.MinGeneration)

	// Reopen without a clean close, as after a crash.
	reopened, err := Open(Config{Dir: dir, ExpectedUUID: tl.UUID()})
	require.NoError(t, err)
	defer reopened.Close()

	snap, err := reopened.NewSnapshot(0, 10)
	require.NoError(t, err)
	defer snap.Close()
	assert.Empty(t, drain(t, snap))
}

func TestSnapshotPinsGenerations(t *testing.T) {
	dir := t.TempDir()
	tl := newTestTranslog(t, dir, false)

	_, err := tl.Add(indexOp(0, "doc", "{}"))
	require.NoError(t, err)
	require.NoError(t, tl.RollGeneration())

	snap, err := tl.NewSnapshot(0, 0)
	require.NoError(t, err)

	gen := tl.CurrentGeneration()
	require.NoError(t, tl.DeletionPolicy().SetCheckpoints(gen, gen))
	require.NoError(t, tl.TrimUnreferencedReaders())

	// The snapshot's retention lock keeps its generations readable.
	ops := drain(t, snap)
	require.Len(t, ops, 1)
	require.NoError(t, snap.Close())

	require.NoError(t, tl.TrimUnreferencedReaders())
	_, err = os.Stat(filepath.Join(dir, generationLogName(2)))
	assert.True(t, os.IsNotExist(err))
}

func TestStatsTracksUncommitted(t *testing.T) {
	tl := newTestTranslog(t, t.TempDir(), false)

	_, err := tl.Add(indexOp(0, "doc", "{}"))
	require.NoError(t, err)
	require.NoError(t, tl.RollGeneration())
	_, err = tl.Add(indexOp(1, "doc", "{}"))
	require.NoError(t, err)

	stats := tl.Stats()
	assert.Equal(t, int64(2), stats.NumOps)
	assert.Equal(t, int64(2), stats.UncommittedOps)

	// A commit taken at the previous generation leaves only the ops
	// after it uncommitted.
	lastCommitGen := tl.CurrentGeneration() - 1
	require.NoError(t, tl.DeletionPolicy().SetCheckpoints(lastCommitGen, lastCommitGen))

	stats = tl.Stats()
	assert.Equal(t, int64(2), stats.NumOps)
	assert.Equal(t, int64(1), stats.UncommittedOps)
}

func TestMinGenerationContaining(t *testing.T) {
	tl := newTestTranslog(t, t.TempDir(), false)

	firstGen := tl.CurrentGeneration()
	_, err := tl.Add(indexOp(0, "doc", "{}"))
	require.NoError(t, err)
	require.NoError(t, tl.RollGeneration())
	_, err = tl.Add(indexOp(1, "doc", "{}"))
	require.NoError(t, err)

	assert.Equal(t, firstGen, tl.MinGenerationContaining(model.NoOpsPerformed))
	assert.Equal(t, firstGen+1, tl.MinGenerationContaining(0))
	// Everything persisted: only the open generation remains relevant.
	assert.Equal(t, firstGen+1, tl.MinGenerationContaining(1))
}

func TestCloseIsIdempotent(t *testing.T) {
	tl := newTestTranslog(t, t.TempDir(), false)

	require.NoError(t, tl.Close())
	require.NoError(t, tl.Close())

	_, err := tl.Add(indexOp(0, "doc", "{}"))
	require.ErrorIs(t, err, ErrClosed)
}
