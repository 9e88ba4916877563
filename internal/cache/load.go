package cache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultLoadTimeout bounds a shared model load. The load no longer follows
// the context of the caller that started it.
const DefaultLoadTimeout = 10 * time.Minute

// loadContext detaches a shared load from the caller that triggered it, so a
// caller that gives up does not fail the others waiting on the same load.
func loadContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultLoadTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// wait blocks until a shared load finishes or the caller's own ctx is done.
func wait(ctx context.Context, ch <-chan singleflight.Result) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}
