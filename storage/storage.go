package storage

import (
	"context"
	"errors"
)

// Commit user-data keys. The engine stamps these into every commit; a
// recovering engine reads them back to locate its translog and
// checkpoints. The names are part of the on-disk format.
const (
	KeyLocalCheckpoint    = "local_checkpoint"
	KeyMaxSeqNo           = "max_seq_no"
	KeyTranslogUUID       = "translog_uuid"
	KeyTranslogGeneration = "translog_generation"
	KeyMinRetainedSeqNo   = "min_retained_seq_no"
	KeyHistoryUUID        = "history_uuid"
	KeySyncID             = "sync_id"
)

var (
	// ErrClosed is returned by backend operations after Close.
	ErrClosed = errors.New("storage backend is closed")

	// ErrHistoryTrimmed is returned by Changes when the requested range
	// reaches below the retained operation history.
	ErrHistoryTrimmed = errors.New("storage: operation history trimmed")
)

// DocMeta is the versioning header of a stored document.
type DocMeta struct {
	ID          string
	SeqNo       int64
	PrimaryTerm int64
	Version     int64
	// Deleted marks a soft-delete tombstone.
	Deleted bool
}

// Document is a stored document, or a tombstone when Deleted is set.
type Document struct {
	DocMeta
	Routing string
	Source  []byte
}

// CommitInfo describes one durable commit.
type CommitInfo struct {
	Generation int64
	UserData   map[string]string
	Segments   int
}

// ChangeIterator yields documents and tombstones in sequence number
// order. Next returns io.EOF when exhausted.
type ChangeIterator interface {
	Next() (*Document, error)
	Close() error
}

// Searcher is a refcounted point-in-time view over the index. The
// creator holds the initial reference; every additional holder pairs
// IncRef with DecRef. The view stays readable until the last reference
// is released.
type Searcher interface {
	IncRef()
	DecRef()

	// LiveDocCount counts documents visible in this view, tombstones
	// excluded.
	LiveDocCount() int

	// Get returns the live document with the given id, or false.
	Get(id string) (*Document, bool, error)

	// Changes iterates the retained operation history with
	// fromSeqNo <= seqNo <= toSeqNo. It fails when history below
	// fromSeqNo has already been discarded.
	Changes(fromSeqNo, toSeqNo int64) (ChangeIterator, error)
}

// Backend is the embedded segment index. Implementations must allow
// concurrent readers; the engine serializes writes per document id
// above this boundary.
type Backend interface {
	// AddDocument appends a document known not to exist yet. The
	// append-only fast path of the engine relies on it skipping any
	// prior-version handling.
	AddDocument(doc *Document) error

	// UpdateDocument stores a new version of a document, shadowing
	// older ones.
	UpdateDocument(doc *Document) error

	// SoftDeleteDocument records a tombstone for doc's id. The document
	// disappears from live views; the tombstone stays in history.
	SoftDeleteDocument(doc *Document) error

	// Lookup resolves the latest stored metadata for id, including
	// tombstones.
	Lookup(id string) (DocMeta, bool, error)

	// NewSearcher opens a point-in-time view over everything applied so
	// far. The caller owns the initial reference.
	NewSearcher() (Searcher, error)

	// Commit makes all applied operations durable under a new commit
	// generation carrying userData.
	Commit(userData map[string]string) (CommitInfo, error)

	// LastCommit returns the most recent commit, or false on a virgin
	// index.
	LastCommit() (CommitInfo, bool)

	// ListCommits returns the on-disk commits, oldest first.
	ListCommits() ([]CommitInfo, error)

	// ResetToCommit discards all state after the given commit and
	// reloads from it. Used at startup to drop commits that are ahead
	// of the global checkpoint.
	ResetToCommit(generation int64) error

	// DeleteCommits removes commits older than the given generation,
	// together with files no remaining commit references.
	DeleteCommits(olderThan int64) error

	// ForceMerge rewrites committed segments down to maxSegments.
	// expungeDeletes additionally drops tombstones whose history is no
	// longer retained.
	ForceMerge(ctx context.Context, maxSegments int, expungeDeletes bool) error

	// SegmentCount reports the number of committed segments.
	SegmentCount() int

	Close() error
}
