package pipeline

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/fmueller/voxscribe/internal/inference"
	"go.uber.org/zap"
)

const defaultReclaimTimeout = 10 * time.Second

type CleanupOptions struct {
	Accelerator inference.Accelerator
	// OnAccelerator enables returning cached device memory on reclaim.
	OnAccelerator bool
	// Remove deletes a request's temporary audio file.
	Remove         func(path string) error
	ReclaimTimeout time.Duration
	Logger         *zap.Logger
}

// Cleanup returns memory after each request and removes its temporary
// audio. Every method is safe to call repeatedly.
type Cleanup struct {
	opts CleanupOptions
}

func NewCleanup(opts CleanupOptions) *Cleanup {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ReclaimTimeout <= 0 {
		opts.ReclaimTimeout = defaultReclaimTimeout
	}
	return &Cleanup{opts: opts}
}

// Reclaim runs a garbage collection and, on an accelerator, hands cached
// but unused device memory back to the allocator. Failures are logged.
func (c *Cleanup) Reclaim() {
	runtime.GC()
	debug.FreeOSMemory()

	if !c.opts.OnAccelerator || c.opts.Accelerator == nil {
		return
	}

	// The request context may already be expired here.
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ReclaimTimeout)
	defer cancel()
	if err := c.opts.Accelerator.EmptyCache(ctx); err != nil {
		c.opts.Logger.Warn("failed to release accelerator memory", zap.Error(err))
	}
}

// Finish is the end-of-request step: reclaim memory, then delete the audio
// file at path. Deletion is best effort.
func (c *Cleanup) Finish(path string) {
	c.Reclaim()

	if path == "" || c.opts.Remove == nil {
		return
	}
	if err := c.opts.Remove(path); err != nil {
		c.opts.Logger.Warn("failed to remove temporary audio", zap.String("path", path), zap.Error(err))
	}
}
