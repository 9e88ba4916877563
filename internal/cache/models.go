// Package cache owns the loaded model instances shared by all requests.
package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fmueller/voxscribe/internal/inference"
	"github.com/fmueller/voxscribe/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type ModelCacheOptions struct {
	Loader      inference.ModelLoader
	Tiers       inference.TierMap
	Default     inference.Tier
	Device      string
	ComputeType string
	// LoadTimeout bounds a shared load; zero means DefaultLoadTimeout.
	LoadTimeout time.Duration
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// ModelCache holds at most one transcription model per tier. Models are
// loaded on first use and kept for the life of the cache; failed loads are
// not remembered.
type ModelCache struct {
	opts  ModelCacheOptions
	group singleflight.Group

	mu     sync.Mutex
	models map[inference.Tier]inference.Model
}

func NewModelCache(opts ModelCacheOptions) *ModelCache {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tiers == nil {
		opts.Tiers, _ = inference.NewTierMap(nil)
	}
	if opts.Default == "" {
		opts.Default = inference.DefaultTier
	}
	return &ModelCache{
		opts:   opts,
		models: make(map[inference.Tier]inference.Model),
	}
}

// Resolve maps a requested quality to a tier, falling back to the default.
func (c *ModelCache) Resolve(quality string) inference.Tier {
	return inference.ResolveTier(quality, c.opts.Default)
}

// Acquire returns the model for tier, loading it if needed. Concurrent
// callers for the same tier share one load, and each waits on its own ctx.
// The load itself keeps going after a caller gives up.
func (c *ModelCache) Acquire(ctx context.Context, tier inference.Tier) (inference.Model, error) {
	if model, ok := c.lookup(tier); ok {
		return model, nil
	}

	ch := c.group.DoChan(string(tier), func() (any, error) {
		if model, ok := c.lookup(tier); ok {
			return model, nil
		}
		model, err := c.load(ctx, tier)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.models[tier] = model
		c.mu.Unlock()
		return model, nil
	})
	v, err := wait(ctx, ch)
	if err != nil {
		return nil, err
	}
	return v.(inference.Model), nil
}

// Loaded lists the tiers with a resident model, sorted by name.
func (c *ModelCache) Loaded() []inference.Tier {
	c.mu.Lock()
	defer c.mu.Unlock()

	tiers := make([]inference.Tier, 0, len(c.models))
	for tier := range c.models {
		tiers = append(tiers, tier)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })
	return tiers
}

func (c *ModelCache) lookup(tier inference.Tier) (inference.Model, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	model, ok := c.models[tier]
	return model, ok
}

func (c *ModelCache) load(ctx context.Context, tier inference.Tier) (inference.Model, error) {
	spec := inference.ModelSpec{
		Name:        c.opts.Tiers.ModelName(tier),
		Device:      c.opts.Device,
		ComputeType: c.opts.ComputeType,
	}
	log := c.opts.Logger.With(
		zap.String("tier", string(tier)),
		zap.String("model", spec.Name),
		zap.String("device", spec.Device),
		zap.String("compute_type", spec.ComputeType),
	)

	log.Info("loading transcription model")
	loadCtx, cancel := loadContext(ctx, c.opts.LoadTimeout)
	defer cancel()

	started := time.Now()
	model, err := c.opts.Loader.LoadModel(loadCtx, spec)
	c.opts.Metrics.ModelLoaded(string(tier), err)
	if err != nil {
		log.Warn("transcription model load failed", zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		return nil, fmt.Errorf("load %s model for tier %s: %w", spec.Name, tier, err)
	}
	log.Info("transcription model loaded", zap.Duration("elapsed", time.Since(started)))
	return model, nil
}
