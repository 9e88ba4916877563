// Package gate bounds how many requests run accelerator work at once.
package gate

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/fmueller/voxscribe/internal/metrics"
	"golang.org/x/sync/semaphore"
)

// Gate is a counting admission gate. Admission order among waiters is not
// guaranteed; only the capacity bound is.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int
	inFlight atomic.Int64
	metrics  *metrics.Metrics
}

func New(capacity int, m *metrics.Metrics) (*Gate, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("gate capacity must be greater than 0, got %d", capacity)
	}
	return &Gate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
		metrics:  m,
	}, nil
}

// Enter blocks until a slot is free or ctx is done. On success the caller
// owns one slot and must call the returned release; calls after the first
// are ignored.
func (g *Gate) Enter(ctx context.Context) (release func(), err error) {
	g.metrics.GateWaiting(1)
	err = g.sem.Acquire(ctx, 1)
	g.metrics.GateWaiting(-1)
	if err != nil {
		return nil, fmt.Errorf("wait for accelerator slot: %w", err)
	}
	return g.admit(), nil
}

// TryEnter takes a slot only if one is free right now.
func (g *Gate) TryEnter() (release func(), ok bool) {
	if !g.sem.TryAcquire(1) {
		return nil, false
	}
	return g.admit(), true
}

func (g *Gate) Capacity() int { return g.capacity }

func (g *Gate) InFlight() int { return int(g.inFlight.Load()) }

func (g *Gate) admit() func() {
	g.inFlight.Add(1)
	g.metrics.GateInFlight(1)

	var released atomic.Bool
	return func() {
		if !released.CompareAndSwap(false, true) {
			return
		}
		g.inFlight.Add(-1)
		g.metrics.GateInFlight(-1)
		g.sem.Release(1)
	}
}
