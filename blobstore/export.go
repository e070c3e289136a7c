package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/docengine/internal/codec"
)

const (
	manifestBlobName = "manifest.json"
	filesBlobPrefix  = "files/"
)

// Commit describes a set of local commit files to export. Files are
// relative to Dir and must stay valid for the duration of the export,
// so callers hold a commit reference while exporting.
type Commit struct {
	HistoryUUID string
	Generation  int64
	UserData    map[string]string
	Dir         string
	Files       []string
}

// Manifest describes a completed export. It is written to the blob
// store last, so its presence marks the snapshot as complete.
type Manifest struct {
	HistoryUUID string            `json:"history_uuid"`
	Generation  int64             `json:"generation"`
	UserData    map[string]string `json:"user_data,omitempty"`
	Files       []ExportedFile    `json:"files"`
	Compressed  bool              `json:"compressed,omitempty"`
	ExportedAt  time.Time         `json:"exported_at"`
}

// ExportedFile records a single archived file.
type ExportedFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Prefix returns the blob name prefix of the snapshot.
func (m *Manifest) Prefix() string {
	return snapshotPrefix(m.HistoryUUID, m.Generation)
}

func snapshotPrefix(historyUUID string, generation int64) string {
	return fmt.Sprintf("snapshots/%s/%019d/", historyUUID, generation)
}

// ExporterOption configures an Exporter.
type ExporterOption func(*Exporter)

// WithParallelism sets the number of concurrent file transfers.
func WithParallelism(n int) ExporterOption {
	return func(e *Exporter) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// WithCompression enables zstd compression of archived files.
func WithCompression(enabled bool) ExporterOption {
	return func(e *Exporter) {
		e.compress = enabled
	}
}

// Exporter copies commit files into a BlobStore and restores them back.
type Exporter struct {
	store       BlobStore
	parallelism int
	compress    bool
}

// NewExporter creates an Exporter writing to the given store.
func NewExporter(store BlobStore, opts ...ExporterOption) *Exporter {
	e := &Exporter{
		store:       store,
		parallelism: 4,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Export uploads the commit files and finally the manifest. A snapshot
// without a manifest blob is incomplete and ignored by Restore.
func (e *Exporter) Export(ctx context.Context, c Commit) (*Manifest, error) {
	if c.HistoryUUID == "" {
		return nil, fmt.Errorf("blobstore: export requires a history uuid")
	}
	prefix := snapshotPrefix(c.HistoryUUID, c.Generation)

	exported := make([]ExportedFile, len(c.Files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, name := range c.Files {
		g.Go(func() error {
			size, err := e.uploadFile(gctx, filepath.Join(c.Dir, filepath.FromSlash(name)), prefix+filesBlobPrefix+name)
			if err != nil {
				return fmt.Errorf("blobstore: exporting %s: %w", name, err)
			}
			exported[i] = ExportedFile{Name: name, Size: size}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m := &Manifest{
		HistoryUUID: c.HistoryUUID,
		Generation:  c.Generation,
		UserData:    c.UserData,
		Files:       exported,
		Compressed:  e.compress,
		ExportedAt:  time.Now().UTC(),
	}
	data, err := codec.Default.Marshal(m)
	if err != nil {
		return nil, err
	}
	if err := e.store.Put(ctx, prefix+manifestBlobName, data); err != nil {
		return nil, fmt.Errorf("blobstore: writing manifest: %w", err)
	}
	return m, nil
}

func (e *Exporter) uploadFile(ctx context.Context, localPath, blobName string) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	w, err := e.store.Create(ctx, blobName)
	if err != nil {
		return 0, err
	}

	var dst io.Writer = w
	var zw *zstd.Encoder
	if e.compress {
		zw, err = zstd.NewWriter(w)
		if err != nil {
			_ = w.Close()
			return 0, err
		}
		dst = zw
	}

	if _, err := io.Copy(dst, f); err != nil {
		_ = w.Close()
		return 0, err
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			_ = w.Close()
			return 0, err
		}
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// ListSnapshots returns the manifests of all complete snapshots for a
// history, oldest generation first.
func (e *Exporter) ListSnapshots(ctx context.Context, historyUUID string) ([]*Manifest, error) {
	names, err := e.store.List(ctx, fmt.Sprintf("snapshots/%s/", historyUUID))
	if err != nil {
		return nil, err
	}

	var manifests []*Manifest
	for _, name := range names {
		if path.Base(name) != manifestBlobName {
			continue
		}
		m, err := e.readManifest(ctx, name)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

func (e *Exporter) readManifest(ctx context.Context, name string) (*Manifest, error) {
	b, err := e.store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	data, err := ReadAll(b)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := codec.Default.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("blobstore: decoding manifest %s: %w", name, err)
	}
	return &m, nil
}

// Restore downloads a snapshot into destDir and returns its manifest.
func (e *Exporter) Restore(ctx context.Context, historyUUID string, generation int64, destDir string) (*Manifest, error) {
	prefix := snapshotPrefix(historyUUID, generation)
	m, err := e.readManifest(ctx, prefix+manifestBlobName)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for _, f := range m.Files {
		g.Go(func() error {
			if err := e.downloadFile(gctx, prefix+filesBlobPrefix+f.Name, filepath.Join(destDir, filepath.FromSlash(f.Name)), m.Compressed); err != nil {
				return fmt.Errorf("blobstore: restoring %s: %w", f.Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return m, nil
}

func (e *Exporter) downloadFile(ctx context.Context, blobName, localPath string, compressed bool) error {
	b, err := e.store.Open(ctx, blobName)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}

	var src io.Reader = io.NewSectionReader(b, 0, b.Size())
	var zr *zstd.Decoder
	if compressed {
		zr, err = zstd.NewReader(src)
		if err != nil {
			_ = f.Close()
			return err
		}
		src = zr
	}

	_, copyErr := io.Copy(f, src)
	if zr != nil {
		zr.Close()
	}
	if copyErr != nil {
		_ = f.Close()
		return copyErr
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// DeleteSnapshot removes all blobs of a snapshot, manifest first so a
// partially deleted snapshot is never mistaken for a complete one.
func (e *Exporter) DeleteSnapshot(ctx context.Context, historyUUID string, generation int64) error {
	prefix := snapshotPrefix(historyUUID, generation)
	if err := e.store.Delete(ctx, prefix+manifestBlobName); err != nil {
		return err
	}
	names, err := e.store.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := e.store.Delete(ctx, name); err != nil {
			return err
		}
	}
	return nil
}
