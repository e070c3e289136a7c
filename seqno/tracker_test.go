package seqno

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/docengine/model"
)

func TestTrackerGenerateMonotonic(t *testing.T) {
	tr := NewTracker(model.NoOpsPerformed, model.NoOpsPerformed)

	var mu sync.Mutex
	seen := make(map[int64]bool)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				seqNo := tr.Generate()
				mu.Lock()
				assert.False(t, seen[seqNo], "sequence number %d issued twice", seqNo)
				seen[seqNo] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(8*500-1), tr.MaxSeqNo())
	assert.Equal(t, model.NoOpsPerformed, tr.ProcessedCheckpoint())
}

func TestTrackerCheckpointAdvance(t *testing.T) {
	tr := NewTracker(model.NoOpsPerformed, model.NoOpsPerformed)

	for i := 0; i < 10; i++ {
		tr.Generate()
	}

	// Complete out of order; the checkpoint only moves past contiguous
	// prefixes.
	tr.MarkProcessed(1)
	assert.Equal(t, model.NoOpsPerformed, tr.ProcessedCheckpoint())

	tr.MarkProcessed(0)
	assert.Equal(t, int64(1), tr.ProcessedCheckpoint())

	for _, seqNo := range []int64{5, 3, 4, 2} {
		tr.MarkProcessed(seqNo)
	}
	assert.Equal(t, int64(5), tr.ProcessedCheckpoint())
	assert.LessOrEqual(t, tr.ProcessedCheckpoint(), tr.MaxSeqNo())
}

func TestTrackerCheckpointNeverExceedsMax(t *testing.T) {
	tr := NewTracker(model.NoOpsPerformed, model.NoOpsPerformed)

	rng := rand.New(rand.NewSource(42))
	total := int64(4 * windowSize)

	perm := rng.Perm(int(total))
	for i := int64(0); i < total; i++ {
		tr.Generate()
	}
	for _, p := range perm {
		tr.MarkProcessed(int64(p))
		assert.LessOrEqual(t, tr.ProcessedCheckpoint(), tr.MaxSeqNo())
	}
	assert.Equal(t, total-1, tr.ProcessedCheckpoint())
}

func TestTrackerResume(t *testing.T) {
	tr := NewTracker(41, 41)
	assert.Equal(t, int64(41), tr.MaxSeqNo())
	assert.Equal(t, int64(41), tr.ProcessedCheckpoint())
	assert.Equal(t, int64(42), tr.Generate())
}

func TestTrackerAdvanceMaxSeqNo(t *testing.T) {
	tr := NewTracker(model.NoOpsPerformed, model.NoOpsPerformed)

	// Replica path: numbers arrive preassigned and out of order.
	tr.AdvanceMaxSeqNo(7)
	tr.MarkProcessed(7)
	assert.Equal(t, int64(7), tr.MaxSeqNo())
	assert.Equal(t, model.NoOpsPerformed, tr.ProcessedCheckpoint())

	// Local generation must not reissue 0..7.
	assert.Equal(t, int64(8), tr.Generate())
}

func TestTrackerDuplicateCompletion(t *testing.T) {
	tr := NewTracker(model.NoOpsPerformed, model.NoOpsPerformed)
	tr.Generate()
	tr.MarkProcessed(0)
	require.Equal(t, int64(0), tr.ProcessedCheckpoint())

	// A replica retry completes the same number again.
	tr.MarkProcessed(0)
	assert.Equal(t, int64(0), tr.ProcessedCheckpoint())
}

func TestTrackerPersistedLagsProcessed(t *testing.T) {
	tr := NewTracker(model.NoOpsPerformed, model.NoOpsPerformed)
	for i := 0; i < 3; i++ {
		tr.Generate()
	}
	for i := int64(0); i < 3; i++ {
		tr.MarkProcessed(i)
	}
	tr.MarkPersisted(0)

	stats := tr.Stats()
	assert.Equal(t, int64(2), stats.ProcessedCheckpoint)
	assert.Equal(t, int64(0), stats.PersistedCheckpoint)
	assert.Equal(t, int64(2), stats.MaxSeqNo)
}

func TestTrackerWaitForProcessed(t *testing.T) {
	tr := NewTracker(model.NoOpsPerformed, model.NoOpsPerformed)
	for i := 0; i < 5; i++ {
		tr.Generate()
	}

	done := make(chan error, 1)
	go func() {
		done <- tr.WaitForProcessed(context.Background(), 4)
	}()

	for i := int64(0); i < 5; i++ {
		tr.MarkProcessed(i)
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not observe checkpoint advance")
	}
}

func TestTrackerWaitForProcessedContextCancel(t *testing.T) {
	tr := NewTracker(model.NoOpsPerformed, model.NoOpsPerformed)
	tr.Generate()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := tr.WaitForProcessed(ctx, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTrackerPendingAbove(t *testing.T) {
	tr := NewTracker(model.NoOpsPerformed, model.NoOpsPerformed)
	for i := 0; i < 6; i++ {
		tr.Generate()
	}
	for _, seqNo := range []int64{0, 1, 3, 5} {
		tr.MarkProcessed(seqNo)
	}

	assert.Equal(t, []int64{2, 4}, tr.PendingAbove())
}
