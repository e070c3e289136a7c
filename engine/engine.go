package engine

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/docengine/internal/fs"
	"github.com/hupe1980/docengine/internal/resource"
	"github.com/hupe1980/docengine/model"
	"github.com/hupe1980/docengine/seqno"
	"github.com/hupe1980/docengine/storage"
	"github.com/hupe1980/docengine/translog"
	"github.com/hupe1980/docengine/versions"
)

// Logger is a simple interface for logging.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// noopLogger is a default logger that does nothing.
type noopLogger struct{}

func (l *noopLogger) Infof(format string, args ...interface{})  {}
func (l *noopLogger) Errorf(format string, args ...interface{}) {}

// State is the engine lifecycle state.
type State int32

const (
	// StateRecovering accepts writes for translog replay but rejects
	// flush; a freshly opened engine starts here.
	StateRecovering State = iota
	// StateOpen is the normal serving state.
	StateOpen
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRecovering:
		return "recovering"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// Option defines a configuration option for the Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(l Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithFS overrides the filesystem used for the translog. Intended for
// fault injection in tests.
func WithFS(fsys fs.FileSystem) Option {
	return func(e *Engine) {
		e.fsys = fsys
	}
}

// WithGlobalCheckpointSupplier wires the replication layer's global
// checkpoint into commit retention and translog checkpoints.
func WithGlobalCheckpointSupplier(fn func() int64) Option {
	return func(e *Engine) {
		e.gcpSupplier = fn
	}
}

// WithPrimaryTermSupplier wires the current primary term, used when the
// engine issues operations of its own (gap-filling no-ops).
func WithPrimaryTermSupplier(fn func() int64) Option {
	return func(e *Engine) {
		e.termSupplier = fn
	}
}

// WithResourceController bounds force-merge concurrency and IO.
func WithResourceController(rc *resource.Controller) Option {
	return func(e *Engine) {
		e.resources = rc
	}
}

// WithTranslogCompression enables compression for newly written
// translog generations.
func WithTranslogCompression(enabled bool) Option {
	return func(e *Engine) {
		e.compress = enabled
	}
}

// WithConfig sets the initial runtime settings.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		c := cfg.withDefaults()
		e.cfg.Store(&c)
	}
}

// Engine owns the storage backend writer and the translog of one shard
// and coordinates every write, read view and commit between them.
type Engine struct {
	fsys    fs.FileSystem
	logger  Logger
	backend storage.Backend

	translogDir string
	compress    bool

	gcpSupplier  func() int64
	termSupplier func() int64
	resources    *resource.Controller

	cfg atomic.Pointer[Config]

	tracker  *seqno.Tracker
	vmap     *versions.Map
	translog *translog.Translog

	historyUUID string

	state   atomic.Int32
	tragedy atomic.Pointer[FatalError]

	// writeMu is held shared by every operation and exclusively during
	// teardown, so close waits for in-flight operations to drain.
	writeMu sync.RWMutex

	// flushMu serializes flushes with each other and with close.
	flushMu sync.Mutex

	// refreshMu serializes the version map generation swap with the
	// internal refresh it belongs to.
	refreshMu sync.Mutex

	internal *searcherManager
	external *searcherManager

	commitsMu       sync.Mutex
	acquiredCommits map[int64]int

	// minRetained is the floor of retained operation history; it only
	// ever advances.
	minRetained atomic.Int64

	flushCh   chan struct{}
	closeCh   chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Open creates an engine over the given backend and translog directory.
//
// A virgin backend is bootstrapped with a fresh translog and an initial
// commit; an existing one is reset to its last safe commit. The engine
// starts in StateRecovering either way: the caller must run
// [Engine.RecoverFromTranslog] before the engine serves flushes.
func Open(backend storage.Backend, translogDir string, opts ...Option) (*Engine, error) {
	e := &Engine{
		fsys:            fs.LocalFS{},
		logger:          &noopLogger{},
		backend:         backend,
		translogDir:     translogDir,
		gcpSupplier:     func() int64 { return model.NoOpsPerformed },
		termSupplier:    func() int64 { return 1 },
		vmap:            versions.NewMap(),
		acquiredCommits: make(map[int64]int),
		flushCh:         make(chan struct{}, 1),
		closeCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.Load() == nil {
		c := DefaultConfig()
		e.cfg.Store(&c)
	}

	var err error
	if _, ok := backend.LastCommit(); ok {
		err = e.openExisting()
	} else {
		err = e.bootstrap()
	}
	if err != nil {
		return nil, err
	}

	if e.internal, err = newSearcherManager(backend); err != nil {
		e.translog.Close()
		return nil, err
	}
	if e.external, err = newSearcherManager(backend); err != nil {
		e.internal.close()
		e.translog.Close()
		return nil, err
	}

	e.state.Store(int32(StateRecovering))
	e.goSafe("periodic flush", e.flushLoop)

	e.logger.Infof("engine opened: history uuid %s, translog uuid %s, max seq no %d, local checkpoint %d",
		e.historyUUID, e.translog.UUID(), e.tracker.MaxSeqNo(), e.tracker.ProcessedCheckpoint())
	return e, nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// PrimaryTerm returns the current primary term as reported by the
// term supplier.
func (e *Engine) PrimaryTerm() int64 {
	return e.termSupplier()
}

// HistoryUUID identifies the operation history of this shard copy.
func (e *Engine) HistoryUUID() string {
	return e.historyUUID
}

// Config returns the current runtime settings snapshot.
func (e *Engine) Config() Config {
	return *e.cfg.Load()
}

// UpdateConfig atomically swaps the runtime settings.
func (e *Engine) UpdateConfig(cfg Config) {
	c := cfg.withDefaults()
	e.cfg.Store(&c)
}

func (e *Engine) config() Config {
	return *e.cfg.Load()
}

func (e *Engine) errIfClosed() error {
	if State(e.state.Load()) != StateClosed {
		return nil
	}
	if t := e.tragedy.Load(); t != nil {
		return fmt.Errorf("%w: %w", ErrEngineClosed, t)
	}
	return ErrEngineClosed
}

// failEngine records the tragic event and tears the engine down. The
// first failure wins; every later call and every waiter observes the
// same cause through ErrEngineClosed.
func (e *Engine) failEngine(reason string, cause error) {
	fe := &FatalError{Reason: reason, Cause: cause}
	if !e.tragedy.CompareAndSwap(nil, fe) {
		return
	}
	e.logger.Errorf("engine failed: %s: %v", reason, cause)
	e.state.Store(int32(StateClosed))

	// Teardown happens off the failing goroutine: it may hold writeMu
	// or flushMu, which closeInternal acquires.
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Errorf("panic during failure teardown: %v", r)
			}
		}()
		_ = e.closeInternal()
	}()
}

// Tragedy returns the fatal failure that closed the engine, if any.
func (e *Engine) Tragedy() error {
	if t := e.tragedy.Load(); t != nil {
		return t
	}
	return nil
}

// Close shuts the engine down. It waits for in-flight operations and
// background work to drain, then releases searchers, the translog and
// the backend in reverse acquisition order. Safe to call concurrently
// with a fatal-failure teardown.
func (e *Engine) Close() error {
	return e.closeInternal()
}

func (e *Engine) closeInternal() error {
	e.closeOnce.Do(func() {
		e.state.Store(int32(StateClosed))
		close(e.closeCh)
		e.wg.Wait()

		e.writeMu.Lock()
		defer e.writeMu.Unlock()
		e.flushMu.Lock()
		defer e.flushMu.Unlock()

		if e.external != nil {
			e.external.close()
		}
		if e.internal != nil {
			e.internal.close()
		}
		if e.translog != nil {
			if err := e.translog.Close(); err != nil && e.closeErr == nil {
				e.closeErr = err
			}
		}
		if err := e.backend.Close(); err != nil && e.closeErr == nil {
			e.closeErr = err
		}
		e.logger.Infof("engine closed")
	})
	return e.closeErr
}
