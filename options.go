package docengine

import (
	"github.com/hupe1980/docengine/engine"
	"github.com/hupe1980/docengine/internal/fs"
)

// Options configures a Shard.
type Options struct {
	// Logger receives engine log output. Defaults to NoopLogger.
	Logger *Logger

	// Metrics collects per-operation metrics. Defaults to
	// NoopMetricsCollector.
	Metrics MetricsCollector

	// EngineConfig holds the hot engine settings. Zero values use
	// engine.DefaultConfig.
	EngineConfig engine.Config

	// GlobalCheckpointSupplier reports the externally tracked global
	// checkpoint. Defaults to a supplier pinned at NoOpsPerformed,
	// which keeps every commit and translog generation retained.
	GlobalCheckpointSupplier func() int64

	// PrimaryTermSupplier reports the current primary term. Defaults
	// to a constant 1.
	PrimaryTermSupplier func() int64

	// TranslogCompression enables zstd compression of translog
	// records.
	TranslogCompression bool

	// MaxMergeWorkers bounds concurrent force-merges. 0 means 1.
	MaxMergeWorkers int64

	// IOLimitBytesPerSec caps background write throughput. 0 means
	// unlimited.
	IOLimitBytesPerSec int64

	// SkipTranslogRecovery leaves the shard in the recovering state so
	// the caller can drive recovery through Engine(). Used for peer
	// recovery flows.
	SkipTranslogRecovery bool

	fsys fs.FileSystem
}

// DefaultOptions returns the default shard options.
func DefaultOptions() *Options {
	return &Options{
		Logger:  NoopLogger(),
		Metrics: NoopMetricsCollector{},
	}
}

// Option mutates Options.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(l *Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(o *Options) {
		if m != nil {
			o.Metrics = m
		}
	}
}

// WithEngineConfig sets the hot engine settings.
func WithEngineConfig(cfg engine.Config) Option {
	return func(o *Options) {
		o.EngineConfig = cfg
	}
}

// WithGlobalCheckpointSupplier sets the global checkpoint supplier.
func WithGlobalCheckpointSupplier(fn func() int64) Option {
	return func(o *Options) {
		o.GlobalCheckpointSupplier = fn
	}
}

// WithPrimaryTermSupplier sets the primary term supplier.
func WithPrimaryTermSupplier(fn func() int64) Option {
	return func(o *Options) {
		o.PrimaryTermSupplier = fn
	}
}

// WithTranslogCompression enables translog record compression.
func WithTranslogCompression(enabled bool) Option {
	return func(o *Options) {
		o.TranslogCompression = enabled
	}
}

// WithMergeLimits bounds force-merge concurrency and background write
// throughput.
func WithMergeLimits(maxWorkers, ioBytesPerSec int64) Option {
	return func(o *Options) {
		o.MaxMergeWorkers = maxWorkers
		o.IOLimitBytesPerSec = ioBytesPerSec
	}
}

// WithSkipTranslogRecovery leaves recovery to the caller.
func WithSkipTranslogRecovery() Option {
	return func(o *Options) {
		o.SkipTranslogRecovery = true
	}
}
