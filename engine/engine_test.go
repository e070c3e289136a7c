package engine

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hupe1980/docengine/model"
	"github.com/hupe1980/docengine/storage/flatseg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGCP() *atomic.Int64 {
	gcp := &atomic.Int64{}
	gcp.Store(model.NoOpsPerformed)
	return gcp
}

func openTestEngine(t *testing.T, dir string, gcp *atomic.Int64, opts ...Option) (*Engine, *flatseg.Backend) {
	t.Helper()

	backend, err := flatseg.Open(filepath.Join(dir, "index"), nil)
	require.NoError(t, err)

	opts = append([]Option{WithGlobalCheckpointSupplier(gcp.Load)}, opts...)
	e, err := Open(backend, filepath.Join(dir, "translog"), opts...)
	require.NoError(t, err)
	require.NoError(t, e.RecoverFromTranslog(math.MaxInt64))
	return e, backend
}

func indexDoc(t *testing.T, e *Engine, id, source string) model.OperationResult {
	t.Helper()

	op := model.NewIndex(&model.Document{ID: id, Source: []byte(source)}, 1)
	res, err := e.Index(&op)
	require.NoError(t, err)
	require.Equal(t, model.ResultSuccess, res.Type, "index %q failed: %v", id, res.Err)
	return res
}

func deleteDoc(t *testing.T, e *Engine, id string) model.OperationResult {
	t.Helper()

	op := model.NewDelete(id, 1)
	res, err := e.Delete(&op)
	require.NoError(t, err)
	require.Equal(t, model.ResultSuccess, res.Type, "delete %q failed: %v", id, res.Err)
	return res
}

func TestIndexAndGet(t *testing.T) {
	e, _ := openTestEngine(t, t.TempDir(), newGCP())
	defer e.Close()

	res := indexDoc(t, e, "user-1", `{"name":"alice"}`)
	assert.Equal(t, int64(0), res.SeqNo)
	assert.Equal(t, int64(1), res.Version)
	assert.True(t, res.Created)
	assert.Positive(t, res.Location.Size)

	// Realtime get sees the write before any refresh.
	doc, found, err := e.Get("user-1", true)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `{"name":"alice"}`, string(doc.Source))

	// The external view moves only on an explicit refresh.
	_, found, err = e.Get("user-2", false)
	require.NoError(t, err)
	assert.False(t, found)

	indexDoc(t, e, "user-2", `{"name":"bob"}`)
	_, found, err = e.Get("user-2", false)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, e.Refresh(ScopeExternal))
	doc, found, err = e.Get("user-2", false)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `{"name":"bob"}`, string(doc.Source))
}

func TestUpdateDeleteRecoverLifecycle(t *testing.T) {
	dir := t.TempDir()
	gcp := newGCP()
	e, _ := openTestEngine(t, dir, gcp)

	res := indexDoc(t, e, "1", `{"v":1}`)
	assert.Equal(t, int64(0), res.SeqNo)
	assert.True(t, res.Created)

	res = indexDoc(t, e, "1", `{"v":2}`)
	assert.Equal(t, int64(1), res.SeqNo)
	assert.Equal(t, int64(2), res.Version)
	assert.False(t, res.Created)

	require.NoError(t, e.Refresh(ScopeExternal))
	s, err := e.AcquireSearcher(ScopeExternal)
	require.NoError(t, err)
	assert.Equal(t, 1, s.LiveDocCount())
	doc, found, err := s.Get("1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `{"v":2}`, string(doc.Source))
	s.DecRef()

	res = deleteDoc(t, e, "1")
	assert.Equal(t, int64(2), res.SeqNo)
	assert.True(t, res.Found)

	require.NoError(t, e.Refresh(ScopeExternal))
	s, err = e.AcquireSearcher(ScopeExternal)
	require.NoError(t, err)
	assert.Equal(t, 0, s.LiveDocCount())
	s.DecRef()

	// Close without flush; reopening must replay the translog.
	require.NoError(t, e.Close())
	e, _ = openTestEngine(t, dir, gcp)
	defer e.Close()

	_, found, err = e.Get("1", false)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, int64(2), e.SeqNoStats().MaxSeqNo)
	assert.Equal(t, int64(2), e.SeqNoStats().ProcessedCheckpoint)
}

func TestVersionConflictConsumesNoSeqNo(t *testing.T) {
	e, _ := openTestEngine(t, t.TempDir(), newGCP())
	defer e.Close()

	indexDoc(t, e, "a", `{}`)

	op := model.NewIndex(&model.Document{ID: "a", Source: []byte(`{}`)}, 1)
	op.Version = 5
	res, err := e.Index(&op)
	require.NoError(t, err)
	assert.Equal(t, model.ResultFailure, res.Type)
	assert.True(t, IsVersionConflict(res.Err))
	assert.Equal(t, model.UnassignedSeqNo, res.SeqNo)

	// The rejected attempt consumed nothing.
	assert.Equal(t, int64(0), e.SeqNoStats().MaxSeqNo)
	res = indexDoc(t, e, "a", `{}`)
	assert.Equal(t, int64(1), res.SeqNo)
}

func TestCASConflictLeavesSeqNoGap(t *testing.T) {
	e, _ := openTestEngine(t, t.TempDir(), newGCP())
	defer e.Close()

	indexDoc(t, e, "a", `{"v":1}`)

	op := model.NewIndex(&model.Document{ID: "a", Source: []byte(`{"v":9}`)}, 1)
	op.IfSeqNo = 5
	op.IfPrimaryTerm = 1
	res, err := e.Index(&op)
	require.NoError(t, err)
	assert.Equal(t, model.ResultFailure, res.Type)
	assert.True(t, IsVersionConflict(res.Err))
	// The generated sequence number stays consumed.
	assert.Equal(t, int64(1), res.SeqNo)
	assert.Equal(t, int64(1), e.SeqNoStats().MaxSeqNo)
	assert.Equal(t, int64(1), e.SeqNoStats().ProcessedCheckpoint)

	// Visible state is untouched by the failed attempt.
	doc, found, err := e.Get("a", true)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `{"v":1}`, string(doc.Source))

	op = model.NewIndex(&model.Document{ID: "a", Source: []byte(`{"v":2}`)}, 1)
	op.IfSeqNo = 0
	op.IfPrimaryTerm = 1
	res, err = e.Index(&op)
	require.NoError(t, err)
	require.Equal(t, model.ResultSuccess, res.Type)
	assert.Equal(t, int64(2), res.SeqNo)
	assert.Equal(t, int64(2), res.Version)
}

func TestExternalVersioning(t *testing.T) {
	e, _ := openTestEngine(t, t.TempDir(), newGCP())
	defer e.Close()

	op := model.NewIndex(&model.Document{ID: "a", Source: []byte(`{}`)}, 1)
	op.VersionType = model.VersionExternal
	op.Version = 5
	res, err := e.Index(&op)
	require.NoError(t, err)
	require.Equal(t, model.ResultSuccess, res.Type)
	assert.Equal(t, int64(5), res.Version)

	op = model.NewIndex(&model.Document{ID: "a", Source: []byte(`{}`)}, 1)
	op.VersionType = model.VersionExternal
	op.Version = 3
	res, err = e.Index(&op)
	require.NoError(t, err)
	assert.Equal(t, model.ResultFailure, res.Type)
	assert.True(t, IsVersionConflict(res.Err))

	op = model.NewIndex(&model.Document{ID: "a", Source: []byte(`{}`)}, 1)
	op.VersionType = model.VersionExternal
	op.Version = 7
	res, err = e.Index(&op)
	require.NoError(t, err)
	require.Equal(t, model.ResultSuccess, res.Type)
	assert.Equal(t, int64(7), res.Version)
}

func replicaIndex(t *testing.T, e *Engine, id, source string, seqNo, version int64) model.OperationResult {
	t.Helper()

	op := model.NewIndex(&model.Document{ID: id, Source: []byte(source)}, 1)
	op.Origin = model.OriginReplica
	op.SeqNo = seqNo
	op.Version = version
	res, err := e.Index(&op)
	require.NoError(t, err)
	require.Equal(t, model.ResultSuccess, res.Type, "replica index failed: %v", res.Err)
	return res
}

func TestReplicaIdempotency(t *testing.T) {
	e, _ := openTestEngine(t, t.TempDir(), newGCP())
	defer e.Close()

	replicaIndex(t, e, "a", `{"v":1}`, 0, 1)
	// Network-level redelivery of the same operation.
	replicaIndex(t, e, "a", `{"v":1}`, 0, 1)

	require.NoError(t, e.Refresh(ScopeExternal))
	s, err := e.AcquireSearcher(ScopeExternal)
	require.NoError(t, err)
	assert.Equal(t, 1, s.LiveDocCount())
	s.DecRef()
	assert.Equal(t, int64(0), e.SeqNoStats().MaxSeqNo)
}

func TestReplicaOutOfOrderDelivery(t *testing.T) {
	e, _ := openTestEngine(t, t.TempDir(), newGCP())
	defer e.Close()

	replicaIndex(t, e, "a", `{"v":2}`, 1, 2)
	// The older write arrives late; it must not shadow the newer one.
	replicaIndex(t, e, "a", `{"v":1}`, 0, 1)

	doc, found, err := e.Get("a", true)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `{"v":2}`, string(doc.Source))
	assert.Equal(t, int64(1), e.SeqNoStats().ProcessedCheckpoint)
}

func TestDeleteMissingDocument(t *testing.T) {
	e, _ := openTestEngine(t, t.TempDir(), newGCP())
	defer e.Close()

	res := deleteDoc(t, e, "ghost")
	assert.Equal(t, int64(0), res.SeqNo)
	assert.False(t, res.Found)

	_, found, err := e.Get("ghost", true)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAppendOnlyFastPath(t *testing.T) {
	e, _ := openTestEngine(t, t.TempDir(), newGCP())
	defer e.Close()

	op := model.NewIndex(&model.Document{ID: "auto-1", Source: []byte(`{"v":1}`)}, 1)
	op.Autogenerated = true
	res, err := e.Index(&op)
	require.NoError(t, err)
	require.Equal(t, model.ResultSuccess, res.Type)
	assert.True(t, res.Created)

	// The fast path bypasses the version map; a realtime get must still
	// surface the write.
	doc, found, err := e.Get("auto-1", true)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `{"v":1}`, string(doc.Source))

	// A retried delivery goes through the full pipeline and must not
	// produce a duplicate.
	op = model.NewIndex(&model.Document{ID: "auto-1", Source: []byte(`{"v":1}`)}, 1)
	op.Autogenerated = true
	op.Retry = true
	res, err = e.Index(&op)
	require.NoError(t, err)
	require.Equal(t, model.ResultSuccess, res.Type)
	assert.False(t, res.Created)

	require.NoError(t, e.Refresh(ScopeExternal))
	s, err := e.AcquireSearcher(ScopeExternal)
	require.NoError(t, err)
	assert.Equal(t, 1, s.LiveDocCount())
	s.DecRef()
}

func TestRealtimeGetSeesTombstone(t *testing.T) {
	e, _ := openTestEngine(t, t.TempDir(), newGCP())
	defer e.Close()

	indexDoc(t, e, "a", `{}`)
	deleteDoc(t, e, "a")

	_, found, err := e.Get("a", true)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestConcurrentWriters(t *testing.T) {
	e, _ := openTestEngine(t, t.TempDir(), newGCP())
	defer e.Close()

	const writers = 4
	const perWriter = 25

	seqNos := make(chan int64, writers*perWriter)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				op := model.NewIndex(&model.Document{
					ID:     string(rune('a'+w)) + "-" + string(rune('0'+i%10)),
					Source: []byte(`{}`),
				}, 1)
				res, err := e.Index(&op)
				if err == nil && res.Type == model.ResultSuccess {
					seqNos <- res.SeqNo
				}
			}
		}(w)
	}
	wg.Wait()
	close(seqNos)

	seen := make(map[int64]bool)
	for seqNo := range seqNos {
		assert.False(t, seen[seqNo], "sequence number %d issued twice", seqNo)
		seen[seqNo] = true
	}
	require.Len(t, seen, writers*perWriter)

	st := e.SeqNoStats()
	assert.Equal(t, int64(writers*perWriter-1), st.MaxSeqNo)
	assert.Equal(t, st.MaxSeqNo, st.ProcessedCheckpoint)
}

func TestEnsureTranslogSynced(t *testing.T) {
	e, _ := openTestEngine(t, t.TempDir(), newGCP())
	defer e.Close()

	res := indexDoc(t, e, "a", `{"v":1}`)
	assert.Equal(t, model.NoOpsPerformed, e.SeqNoStats().PersistedCheckpoint)

	synced, err := e.EnsureTranslogSynced(res)
	require.NoError(t, err)
	assert.True(t, synced)
	assert.Equal(t, res.SeqNo, e.SeqNoStats().PersistedCheckpoint)

	// Already durable: no second fsync.
	synced, err = e.EnsureTranslogSynced(res)
	require.NoError(t, err)
	assert.False(t, synced)
}

func TestChangesSnapshotWaitsForProcessed(t *testing.T) {
	e, _ := openTestEngine(t, t.TempDir(), newGCP())
	defer e.Close()

	indexDoc(t, e, "a", `{"v":1}`)
	// Sequence number 1 belongs to an operation still in flight.
	seqNo := e.tracker.Generate()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.NewChangesSnapshot(ctx, 0, seqNo)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	e.tracker.MarkProcessed(seqNo)
	snap, err := e.NewChangesSnapshot(context.Background(), 0, seqNo)
	require.NoError(t, err)
	require.NoError(t, snap.Close())
}

func TestChangesSnapshot(t *testing.T) {
	e, _ := openTestEngine(t, t.TempDir(), newGCP())
	defer e.Close()

	indexDoc(t, e, "a", `{"v":1}`)
	indexDoc(t, e, "b", `{"v":1}`)
	deleteDoc(t, e, "a")

	snap, err := e.NewChangesSnapshot(context.Background(), 0, 10)
	require.NoError(t, err)
	defer snap.Close()

	var seqNos []int64
	var lastDeleted bool
	for {
		doc, err := snap.Next()
		if err != nil {
			break
		}
		seqNos = append(seqNos, doc.SeqNo)
		lastDeleted = doc.Deleted
	}
	assert.Equal(t, []int64{0, 1, 2}, seqNos)
	assert.True(t, lastDeleted)
}

func TestClosedEngineFailsFast(t *testing.T) {
	e, _ := openTestEngine(t, t.TempDir(), newGCP())
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	op := model.NewIndex(&model.Document{ID: "a", Source: []byte(`{}`)}, 1)
	_, err := e.Index(&op)
	assert.ErrorIs(t, err, ErrEngineClosed)

	_, _, err = e.Get("a", true)
	assert.ErrorIs(t, err, ErrEngineClosed)

	assert.ErrorIs(t, e.Refresh(ScopeExternal), ErrEngineClosed)
	assert.ErrorIs(t, e.Flush(true, true), ErrEngineClosed)
}
