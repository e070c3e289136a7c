// Package resource bounds the background work of the engine: merge
// concurrency and the disk throughput merges and commits may consume.
package resource

import (
	"context"
	"io"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds resource limits.
type Config struct {
	// MaxMergeWorkers is the maximum number of concurrent force-merges.
	// If 0, defaults to 1.
	MaxMergeWorkers int64

	// IOLimitBytesPerSec caps background write throughput. If 0,
	// unlimited.
	IOLimitBytesPerSec int64
}

// Controller hands out merge slots and IO budget.
type Controller struct {
	mergeSem  *semaphore.Weighted
	ioLimiter *rate.Limiter
}

// NewController creates a controller with the given limits.
func NewController(cfg Config) *Controller {
	if cfg.MaxMergeWorkers <= 0 {
		cfg.MaxMergeWorkers = 1
	}

	c := &Controller{
		mergeSem: semaphore.NewWeighted(cfg.MaxMergeWorkers),
	}
	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}
	return c
}

// AcquireMerge blocks until a merge slot is free or ctx is canceled.
func (c *Controller) AcquireMerge(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.mergeSem.Acquire(ctx, 1)
}

// ReleaseMerge returns a merge slot.
func (c *Controller) ReleaseMerge() {
	if c == nil {
		return
	}
	c.mergeSem.Release(1)
}

// AcquireIO blocks until the IO budget covers n bytes.
func (c *Controller) AcquireIO(ctx context.Context, n int) error {
	if c == nil || c.ioLimiter == nil || n <= 0 {
		return nil
	}
	// Large writes are split so a single request never exceeds the
	// limiter's bucket.
	burst := c.ioLimiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := c.ioLimiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// RateLimitedWriter wraps an io.Writer with the controller's IO budget.
type RateLimitedWriter struct {
	w   io.Writer
	c   *Controller
	ctx context.Context
}

// NewRateLimitedWriter creates a writer charging every Write against
// the controller. A nil controller passes writes through.
func NewRateLimitedWriter(ctx context.Context, w io.Writer, c *Controller) *RateLimitedWriter {
	return &RateLimitedWriter{w: w, c: c, ctx: ctx}
}

func (w *RateLimitedWriter) Write(p []byte) (int, error) {
	if err := w.c.AcquireIO(w.ctx, len(p)); err != nil {
		return 0, err
	}
	return w.w.Write(p)
}
