package engine

import "time"

// Config holds the runtime-mutable engine settings. The engine reads a
// Config snapshot at the start of each operation via an atomic pointer,
// so a concurrent UpdateConfig never exposes a half-updated view.
type Config struct {
	// EnableGCDeletes allows tombstone pruning from the version map on
	// refresh.
	EnableGCDeletes bool

	// TombstoneGCGrace is how long a delete tombstone is kept in the
	// version map after insertion.
	// If 0, defaults to 60s.
	TombstoneGCGrace time.Duration

	// SoftDeleteRetentionOps is the number of operations below the
	// global checkpoint whose history is retained for change replay.
	// If 0, defaults to 512.
	SoftDeleteRetentionOps int64

	// FlushThresholdBytes triggers a periodic flush once the uncommitted
	// translog exceeds this size.
	// If 0, defaults to 512MB.
	FlushThresholdBytes int64

	// FlushThresholdOps triggers a periodic flush once this many
	// uncommitted operations accumulate. 0 disables the op-count
	// trigger.
	FlushThresholdOps int64
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		EnableGCDeletes:        true,
		TombstoneGCGrace:       60 * time.Second,
		SoftDeleteRetentionOps: 512,
		FlushThresholdBytes:    512 << 20,
	}
}

func (c Config) withDefaults() Config {
	if c.TombstoneGCGrace == 0 {
		c.TombstoneGCGrace = 60 * time.Second
	}
	if c.SoftDeleteRetentionOps == 0 {
		c.SoftDeleteRetentionOps = 512
	}
	if c.FlushThresholdBytes == 0 {
		c.FlushThresholdBytes = 512 << 20
	}
	return c
}
