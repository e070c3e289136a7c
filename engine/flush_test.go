package engine

import (
	"context"
	"math"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/docengine/model"
	"github.com/hupe1980/docengine/storage"
	"github.com/hupe1980/docengine/storage/flatseg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlushCommitsCheckpointMetadata(t *testing.T) {
	e, _ := openTestEngine(t, t.TempDir(), newGCP())
	defer e.Close()

	indexDoc(t, e, "a", `{}`)
	indexDoc(t, e, "b", `{}`)
	indexDoc(t, e, "c", `{}`)
	assert.Equal(t, int64(3), e.TranslogStats().UncommittedOps)

	require.NoError(t, e.Flush(false, true))
	assert.Equal(t, int64(0), e.TranslogStats().UncommittedOps)

	ref, err := e.AcquireLastCommit(false)
	require.NoError(t, err)
	defer ref.Close()

	ud := ref.Info.UserData
	assert.Equal(t, "2", ud[storage.KeyMaxSeqNo])
	assert.Equal(t, "2", ud[storage.KeyLocalCheckpoint])
	assert.Equal(t, e.HistoryUUID(), ud[storage.KeyHistoryUUID])
	assert.NotEmpty(t, ud[storage.KeyTranslogUUID])
	assert.NotEmpty(t, ud[storage.KeyTranslogGeneration])
}

func TestFlushSkippedWithoutChanges(t *testing.T) {
	e, _ := openTestEngine(t, t.TempDir(), newGCP())
	defer e.Close()

	indexDoc(t, e, "a", `{}`)
	require.NoError(t, e.Flush(false, true))

	ref, err := e.AcquireLastCommit(false)
	require.NoError(t, err)
	gen := ref.Info.Generation
	require.NoError(t, ref.Close())

	// Nothing new to commit; the generation must not advance.
	require.NoError(t, e.Flush(false, true))
	ref, err = e.AcquireLastCommit(false)
	require.NoError(t, err)
	assert.Equal(t, gen, ref.Info.Generation)
	require.NoError(t, ref.Close())

	// A forced flush always commits.
	require.NoError(t, e.Flush(true, true))
	ref, err = e.AcquireLastCommit(false)
	require.NoError(t, err)
	assert.Greater(t, ref.Info.Generation, gen)
	require.NoError(t, ref.Close())
}

func TestFlushRejectedWhileRecovering(t *testing.T) {
	dir := t.TempDir()
	gcp := newGCP()
	backend, err := flatseg.Open(filepath.Join(dir, "index"), nil)
	require.NoError(t, err)

	e, err := Open(backend, filepath.Join(dir, "translog"), WithGlobalCheckpointSupplier(gcp.Load))
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, StateRecovering, e.State())
	assert.ErrorIs(t, e.Flush(true, true), ErrEngineRecovering)

	// Writes are still accepted while recovering.
	indexDoc(t, e, "a", `{}`)

	require.NoError(t, e.RecoverFromTranslog(math.MaxInt64))
	assert.Equal(t, StateOpen, e.State())
	require.NoError(t, e.Flush(true, true))
}

func TestSyncFlush(t *testing.T) {
	e, _ := openTestEngine(t, t.TempDir(), newGCP())
	defer e.Close()

	indexDoc(t, e, "a", `{}`)
	require.Error(t, e.SyncFlush("sync-1"))

	require.NoError(t, e.Flush(true, true))
	require.NoError(t, e.SyncFlush("sync-1"))

	ref, err := e.AcquireLastCommit(false)
	require.NoError(t, err)
	defer ref.Close()
	assert.Equal(t, "sync-1", ref.Info.UserData[storage.KeySyncID])
}

func TestSafeCommitRetention(t *testing.T) {
	gcp := newGCP()
	e, backend := openTestEngine(t, t.TempDir(), gcp)
	defer e.Close()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		indexDoc(t, e, id, `{}`)
	}
	require.NoError(t, e.Flush(true, true))

	// The new commit (max seq no 4) is not yet confirmed by the global
	// checkpoint; the safe commit stays behind.
	ref, err := e.AcquireSafeCommit()
	require.NoError(t, err)
	assert.NotEqual(t, "4", ref.Info.UserData[storage.KeyMaxSeqNo])
	require.NoError(t, ref.Close())

	gcp.Store(4)
	indexDoc(t, e, "f", `{}`)
	require.NoError(t, e.Flush(true, true))

	ref, err = e.AcquireSafeCommit()
	require.NoError(t, err)
	assert.Equal(t, "4", ref.Info.UserData[storage.KeyMaxSeqNo])
	safeGen := ref.Info.Generation
	require.NoError(t, ref.Close())

	// Commits behind the safe one are gone.
	commits, err := backend.ListCommits()
	require.NoError(t, err)
	for _, c := range commits {
		assert.GreaterOrEqual(t, c.Generation, safeGen)
	}

	// Once the global checkpoint covers everything, a flush retires the
	// older safe commit too.
	gcp.Store(5)
	require.NoError(t, e.Flush(true, true))
	ref, err = e.AcquireSafeCommit()
	require.NoError(t, err)
	assert.Equal(t, "5", ref.Info.UserData[storage.KeyMaxSeqNo])
	require.NoError(t, ref.Close())
}

func TestAcquiredCommitPinsRetention(t *testing.T) {
	gcp := newGCP()
	e, backend := openTestEngine(t, t.TempDir(), gcp)
	defer e.Close()

	indexDoc(t, e, "a", `{}`)
	require.NoError(t, e.Flush(true, true))

	ref, err := e.AcquireSafeCommit()
	require.NoError(t, err)
	pinnedGen := ref.Info.Generation

	gcp.Store(0)
	indexDoc(t, e, "b", `{}`)
	require.NoError(t, e.Flush(true, true))

	// The handle keeps the old commit alive past its retirement point.
	commits, err := backend.ListCommits()
	require.NoError(t, err)
	gens := make(map[int64]bool)
	for _, c := range commits {
		gens[c.Generation] = true
	}
	assert.True(t, gens[pinnedGen])

	require.NoError(t, ref.Close())
	require.NoError(t, e.Flush(true, true))
	commits, err = backend.ListCommits()
	require.NoError(t, err)
	for _, c := range commits {
		assert.NotEqual(t, pinnedGen, c.Generation)
	}
}

func TestRetentionKeepsGenerationsAboveCommitCheckpoint(t *testing.T) {
	gcp := newGCP()
	e, _ := openTestEngine(t, t.TempDir(), gcp)
	defer e.Close()

	indexDoc(t, e, "a", `{"v":1}`)
	// Sequence number 1 is held by an operation still in flight at
	// flush time, so the commit's local checkpoint stops at 0.
	e.tracker.Generate()
	indexDoc(t, e, "b", `{"v":1}`)

	gcp.Store(2)
	require.NoError(t, e.Flush(true, true))

	// The generation holding seqno 2 must survive trimming: replay
	// starts above the committed checkpoint, not at the commit's own
	// translog generation.
	snap, err := e.translog.NewSnapshot(2, 2)
	require.NoError(t, err)
	defer snap.Close()

	op, err := snap.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(2), op.SeqNo)
}

func TestFlushConcurrentWithWriters(t *testing.T) {
	e, _ := openTestEngine(t, t.TempDir(), newGCP())
	defer e.Close()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			op := model.NewIndex(&model.Document{ID: "doc-" + strconv.Itoa(i), Source: []byte(`{}`)}, 1)
			if _, err := e.Index(&op); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 20; i++ {
		require.NoError(t, e.Flush(true, true))
		st := e.SeqNoStats()
		assert.LessOrEqual(t, st.PersistedCheckpoint, st.ProcessedCheckpoint)
	}
	close(stop)
	wg.Wait()

	// With writers drained, one more flush covers everything.
	require.NoError(t, e.Flush(true, true))
	st := e.SeqNoStats()
	assert.Equal(t, st.ProcessedCheckpoint, st.PersistedCheckpoint)
}

func TestPeriodicFlush(t *testing.T) {
	e, _ := openTestEngine(t, t.TempDir(), newGCP(), WithConfig(Config{FlushThresholdOps: 2}))
	defer e.Close()

	indexDoc(t, e, "a", `{}`)
	indexDoc(t, e, "b", `{}`)
	indexDoc(t, e, "c", `{}`)

	require.Eventually(t, func() bool {
		return e.TranslogStats().UncommittedOps == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestForceMerge(t *testing.T) {
	e, backend := openTestEngine(t, t.TempDir(), newGCP())
	defer e.Close()

	indexDoc(t, e, "a", `{}`)
	indexDoc(t, e, "b", `{}`)
	require.NoError(t, e.Flush(true, true))
	indexDoc(t, e, "c", `{}`)
	indexDoc(t, e, "a", `{"v":2}`)
	require.NoError(t, e.Flush(true, true))
	require.Greater(t, backend.SegmentCount(), 1)

	require.NoError(t, e.ForceMerge(context.Background(), 1, false, true))
	assert.Equal(t, 1, backend.SegmentCount())

	// Merged content stays visible.
	doc, found, err := e.Get("a", false)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `{"v":2}`, string(doc.Source))
	s, err := e.AcquireSearcher(ScopeExternal)
	require.NoError(t, err)
	assert.Equal(t, 3, s.LiveDocCount())
	s.DecRef()
}
