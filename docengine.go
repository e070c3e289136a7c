package docengine

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hupe1980/docengine/blobstore"
	"github.com/hupe1980/docengine/engine"
	"github.com/hupe1980/docengine/internal/fs"
	"github.com/hupe1980/docengine/internal/resource"
	"github.com/hupe1980/docengine/model"
	"github.com/hupe1980/docengine/storage"
	"github.com/hupe1980/docengine/storage/flatseg"
	"github.com/hupe1980/docengine/translog"
)

const (
	indexSubdir    = "index"
	translogSubdir = "translog"
)

// Shard is the facade over one shard's storage: a flatseg backend, a
// translog and the engine core tying them together.
type Shard struct {
	dir     string
	logger  *Logger
	metrics MetricsCollector
	backend *flatseg.Backend
	engine  *engine.Engine
}

// Open opens or creates a shard in dir and recovers it from its local
// translog, unless WithSkipTranslogRecovery is given.
func Open(dir string, opts ...Option) (*Shard, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	ctrl := resource.NewController(resource.Config{
		MaxMergeWorkers:    o.MaxMergeWorkers,
		IOLimitBytesPerSec: o.IOLimitBytesPerSec,
	})

	backend, err := flatseg.Open(filepath.Join(dir, indexSubdir), &flatseg.Options{
		FS:        o.fsys,
		Resources: ctrl,
	})
	if err != nil {
		return nil, fmt.Errorf("docengine: opening backend: %w", err)
	}

	engineOpts := []engine.Option{
		engine.WithLogger(o.Logger.WithShard(dir)),
		engine.WithConfig(o.EngineConfig),
		engine.WithTranslogCompression(o.TranslogCompression),
		engine.WithResourceController(ctrl),
	}
	if o.fsys != nil {
		engineOpts = append(engineOpts, engine.WithFS(o.fsys))
	}
	if o.GlobalCheckpointSupplier != nil {
		engineOpts = append(engineOpts, engine.WithGlobalCheckpointSupplier(o.GlobalCheckpointSupplier))
	}
	if o.PrimaryTermSupplier != nil {
		engineOpts = append(engineOpts, engine.WithPrimaryTermSupplier(o.PrimaryTermSupplier))
	}

	eng, err := engine.Open(backend, filepath.Join(dir, translogSubdir), engineOpts...)
	if err != nil {
		backend.Close()
		return nil, err
	}

	s := &Shard{
		dir:     dir,
		logger:  o.Logger,
		metrics: o.Metrics,
		backend: backend,
		engine:  eng,
	}

	if !o.SkipTranslogRecovery {
		if err := eng.RecoverFromTranslog(math.MaxInt64); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Engine exposes the engine core for replica traffic, custom
// versioning and recovery flows.
func (s *Shard) Engine() *engine.Engine {
	return s.engine
}

// Index indexes a document on the primary with internal versioning.
// The translog record is durable when the call returns without error.
func (s *Shard) Index(doc *model.Document) (model.OperationResult, error) {
	start := time.Now()
	op := model.NewIndex(doc, s.engine.PrimaryTerm())
	res, err := s.engine.Index(&op)
	if err == nil {
		_, err = s.engine.EnsureTranslogSynced(res)
	}
	s.metrics.RecordIndex(time.Since(start), err)
	return res, err
}

// Delete deletes a document on the primary with internal versioning.
// The translog record is durable when the call returns without error.
func (s *Shard) Delete(id string) (model.OperationResult, error) {
	start := time.Now()
	op := model.NewDelete(id, s.engine.PrimaryTerm())
	res, err := s.engine.Delete(&op)
	if err == nil {
		_, err = s.engine.EnsureTranslogSynced(res)
	}
	s.metrics.RecordDelete(time.Since(start), err)
	return res, err
}

// Apply runs an arbitrary operation through the engine pipeline and
// makes its translog record durable before acknowledging. This is the
// entry point for replica and recovery traffic.
func (s *Shard) Apply(op *model.Operation) (model.OperationResult, error) {
	switch op.Kind {
	case model.KindIndex:
		start := time.Now()
		res, err := s.engine.Index(op)
		if err == nil {
			_, err = s.engine.EnsureTranslogSynced(res)
		}
		s.metrics.RecordIndex(time.Since(start), err)
		return res, err
	case model.KindDelete:
		start := time.Now()
		res, err := s.engine.Delete(op)
		if err == nil {
			_, err = s.engine.EnsureTranslogSynced(res)
		}
		s.metrics.RecordDelete(time.Since(start), err)
		return res, err
	case model.KindNoOp:
		res, err := s.engine.NoOp(op)
		if err == nil {
			_, err = s.engine.EnsureTranslogSynced(res)
		}
		return res, err
	default:
		return model.OperationResult{}, fmt.Errorf("docengine: unknown operation kind %v", op.Kind)
	}
}

// Get fetches a document by id. With realtime true the result reflects
// every acknowledged write, refreshing the internal reader if needed.
func (s *Shard) Get(id string, realtime bool) (*storage.Document, bool, error) {
	start := time.Now()
	doc, found, err := s.engine.Get(id, realtime)
	s.metrics.RecordGet(realtime, time.Since(start), err)
	return doc, found, err
}

// Refresh opens a new point-in-time view for the given scope.
func (s *Shard) Refresh(scope engine.Scope) error {
	start := time.Now()
	err := s.engine.Refresh(scope)
	s.metrics.RecordRefresh(time.Since(start), err)
	return err
}

// AcquireSearcher returns a refcounted searcher. The caller must
// release it with DecRef.
func (s *Shard) AcquireSearcher(scope engine.Scope) (storage.Searcher, error) {
	return s.engine.AcquireSearcher(scope)
}

// Flush commits the current state and prunes the translog.
func (s *Shard) Flush(force, waitIfOngoing bool) error {
	start := time.Now()
	err := s.engine.Flush(force, waitIfOngoing)
	s.metrics.RecordFlush(time.Since(start), err)
	return err
}

// SyncFlush flushes and stamps the commit with syncID, failing when
// uncommitted operations remain.
func (s *Shard) SyncFlush(syncID string) error {
	start := time.Now()
	err := s.engine.SyncFlush(syncID)
	s.metrics.RecordFlush(time.Since(start), err)
	return err
}

// ForceMerge merges segments down to maxSegments.
func (s *Shard) ForceMerge(ctx context.Context, maxSegments int, expungeDeletes, flushAfter bool) error {
	return s.engine.ForceMerge(ctx, maxSegments, expungeDeletes, flushAfter)
}

// Stats returns a point-in-time snapshot of the shard's counters.
func (s *Shard) Stats() engine.Stats {
	return s.engine.Stats()
}

// UpdateConfig swaps the hot engine settings.
func (s *Shard) UpdateConfig(cfg engine.Config) {
	s.engine.UpdateConfig(cfg)
}

// HistoryUUID identifies the write history of this shard.
func (s *Shard) HistoryUUID() string {
	return s.engine.HistoryUUID()
}

// NewChangesSnapshot streams the retained operation history between
// two sequence numbers, inclusive. In-flight operations in the range
// are waited for, bounded by ctx.
func (s *Shard) NewChangesSnapshot(ctx context.Context, fromSeqNo, toSeqNo int64) (*engine.ChangesSnapshot, error) {
	return s.engine.NewChangesSnapshot(ctx, fromSeqNo, toSeqNo)
}

// Close shuts the shard down. Safe to call more than once.
func (s *Shard) Close() error {
	err := s.engine.Close()
	if berr := s.backend.Close(); err == nil {
		err = berr
	}
	return err
}

// ExportSnapshot archives the newest safe commit to the exporter's
// blob store. The commit stays pinned against deletion until the
// upload finished.
func (s *Shard) ExportSnapshot(ctx context.Context, exp *blobstore.Exporter) (*blobstore.Manifest, error) {
	ref, err := s.engine.AcquireSafeCommit()
	if err != nil {
		return nil, err
	}
	defer ref.Close()

	files, err := s.backend.CommitFiles(ref.Info.Generation)
	if err != nil {
		return nil, err
	}

	m, err := exp.Export(ctx, blobstore.Commit{
		HistoryUUID: s.engine.HistoryUUID(),
		Generation:  ref.Info.Generation,
		UserData:    ref.Info.UserData,
		Dir:         s.backend.Dir(),
		Files:       files,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("snapshot exported",
		"history_uuid", m.HistoryUUID,
		"generation", m.Generation,
		"files", len(m.Files),
	)
	return m, nil
}

// RestoreSnapshot downloads a snapshot into dir and opens a shard on
// it. The restored commit is bound to a fresh empty translog, so the
// shard resumes exactly at the snapshot's checkpoint.
func RestoreSnapshot(ctx context.Context, exp *blobstore.Exporter, historyUUID string, generation int64, dir string, opts ...Option) (*Shard, error) {
	indexDir := filepath.Join(dir, indexSubdir)
	m, err := exp.Restore(ctx, historyUUID, generation, indexDir)
	if err != nil {
		return nil, err
	}
	if err := bindRestoredTranslog(dir, m); err != nil {
		return nil, err
	}
	return Open(dir, opts...)
}

// bindRestoredTranslog creates an empty translog for the restored
// commit and rewrites the commit metadata to reference it. The
// exported translog uuid points at a log that was not archived.
func bindRestoredTranslog(dir string, m *blobstore.Manifest) error {
	checkpoint := int64(model.NoOpsPerformed)
	if v, err := strconv.ParseInt(m.UserData[storage.KeyLocalCheckpoint], 10, 64); err == nil {
		checkpoint = v
	}
	translogUUID, err := translog.CreateEmpty(fs.Default, filepath.Join(dir, translogSubdir), checkpoint)
	if err != nil {
		return fmt.Errorf("docengine: creating restored translog: %w", err)
	}

	userData := make(map[string]string, len(m.UserData)+2)
	for k, v := range m.UserData {
		userData[k] = v
	}
	userData[storage.KeyTranslogUUID] = translogUUID
	userData[storage.KeyTranslogGeneration] = "1"
	if err := flatseg.AdoptCommit(nil, filepath.Join(dir, indexSubdir), m.Generation, userData); err != nil {
		return fmt.Errorf("docengine: adopting restored commit: %w", err)
	}
	return nil
}
