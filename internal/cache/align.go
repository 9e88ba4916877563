package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fmueller/voxscribe/internal/inference"
	"github.com/fmueller/voxscribe/internal/metrics"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var ErrLanguageRequired = errors.New("alignment needs a language")

// AlignEntry pairs a loaded alignment model with its language metadata.
type AlignEntry struct {
	Model    inference.AlignModel
	Metadata inference.AlignMetadata
}

type AlignCacheOptions struct {
	Loader   inference.AlignLoader
	Capacity int
	Device   string
	// LoadTimeout bounds a shared load; zero means DefaultLoadTimeout.
	LoadTimeout time.Duration
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// AlignCache keeps the most recently used alignment models, one per
// language. An evicted model is closed once no request is still aligning
// with it.
type AlignCache struct {
	opts  AlignCacheOptions
	group singleflight.Group

	mu      sync.Mutex
	lru     *simplelru.LRU[string, *alignSlot]
	evicted []*alignSlot
}

// alignSlot is one cached model and the number of requests using it. All
// fields are guarded by AlignCache.mu.
type alignSlot struct {
	language string
	entry    AlignEntry
	refs     int
	evicted  bool
	closed   bool
}

func NewAlignCache(opts AlignCacheOptions) (*AlignCache, error) {
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("align cache capacity must be greater than 0, got %d", opts.Capacity)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	c := &AlignCache{opts: opts}
	lru, err := simplelru.NewLRU[string, *alignSlot](opts.Capacity, func(_ string, slot *alignSlot) {
		// Runs with c.mu held; closing happens after unlock.
		slot.evicted = true
		c.evicted = append(c.evicted, slot)
	})
	if err != nil {
		return nil, fmt.Errorf("create align cache: %w", err)
	}
	c.lru = lru
	return c, nil
}

// Acquire returns the entry for language, loading it on a miss. A hit marks
// the entry most recently used; a miss inserts it as most recently used and
// evicts the least recently used entry when the cache is over capacity.
//
// The caller must call release once it no longer uses the model. An entry
// evicted while in use stays open until its last user releases it.
func (c *AlignCache) Acquire(ctx context.Context, language string) (AlignEntry, func(), error) {
	language = strings.TrimSpace(language)
	if language == "" {
		return AlignEntry{}, nil, ErrLanguageRequired
	}

	slot, ok := c.checkout(language)
	c.opts.Metrics.AlignLookup(ok)
	for !ok {
		if err := ctx.Err(); err != nil {
			return AlignEntry{}, nil, err
		}
		ch := c.group.DoChan(language, func() (any, error) {
			return nil, c.load(ctx, language)
		})
		if _, err := wait(ctx, ch); err != nil {
			return AlignEntry{}, nil, err
		}
		// The loaded entry can be evicted again before we take it.
		slot, ok = c.checkout(language)
	}
	return slot.entry, c.releaser(slot), nil
}

func (c *AlignCache) checkout(language string) (*alignSlot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot, ok := c.lru.Get(language)
	if ok {
		slot.refs++
	}
	return slot, ok
}

func (c *AlignCache) releaser(slot *alignSlot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			slot.refs--
			closeNow := slot.evicted && slot.refs == 0 && !slot.closed
			if closeNow {
				slot.closed = true
			}
			c.mu.Unlock()

			if closeNow {
				if err := closeSlots([]*alignSlot{slot}); err != nil {
					c.opts.Logger.Warn("failed to release evicted alignment model", zap.Error(err))
				}
			}
		})
	}
}

// Languages lists cached languages from least to most recently used.
func (c *AlignCache) Languages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

func (c *AlignCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *AlignCache) Capacity() int { return c.opts.Capacity }

// Close drops every entry. Idle models are closed now; models still in use
// are closed when released.
func (c *AlignCache) Close() error {
	c.mu.Lock()
	c.lru.Purge()
	_, idle := c.takeEvicted()
	c.mu.Unlock()

	c.opts.Metrics.AlignEntries(0)
	return closeSlots(idle)
}

func (c *AlignCache) load(ctx context.Context, language string) error {
	log := c.opts.Logger.With(zap.String("language", language), zap.String("device", c.opts.Device))
	log.Info("loading alignment model")

	loadCtx, cancel := loadContext(ctx, c.opts.LoadTimeout)
	defer cancel()

	started := time.Now()
	model, err := c.opts.Loader.LoadAlignModel(loadCtx, language, c.opts.Device)
	if err != nil {
		log.Warn("alignment model load failed", zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		return fmt.Errorf("load alignment model for %q: %w", language, err)
	}
	log.Info("alignment model loaded", zap.Duration("elapsed", time.Since(started)))

	c.mu.Lock()
	if c.lru.Contains(language) {
		c.mu.Unlock()
		if err := model.Close(); err != nil {
			log.Warn("failed to release duplicate alignment model", zap.Error(err))
		}
		return nil
	}
	c.lru.Add(language, &alignSlot{
		language: language,
		entry:    AlignEntry{Model: model, Metadata: model.Metadata()},
	})
	evicted, idle := c.takeEvicted()
	size := c.lru.Len()
	c.mu.Unlock()

	c.opts.Metrics.AlignEntries(size)
	for _, language := range evicted {
		c.opts.Metrics.AlignEvicted()
		c.opts.Logger.Info("alignment model evicted", zap.String("language", language), zap.Int("capacity", c.opts.Capacity))
	}
	if err := closeSlots(idle); err != nil {
		c.opts.Logger.Warn("failed to release evicted alignment model", zap.Error(err))
	}
	return nil
}

// takeEvicted drains the slots evicted since the last call and returns their
// languages plus the slots nobody uses, marked closed. Must hold c.mu.
func (c *AlignCache) takeEvicted() ([]string, []*alignSlot) {
	var languages []string
	var idle []*alignSlot
	for _, slot := range c.evicted {
		languages = append(languages, slot.language)
		if slot.refs == 0 && !slot.closed {
			slot.closed = true
			idle = append(idle, slot)
		}
	}
	c.evicted = nil
	return languages, idle
}

func closeSlots(slots []*alignSlot) error {
	var errs []error
	for _, slot := range slots {
		if slot.entry.Model == nil {
			continue
		}
		if err := slot.entry.Model.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close alignment model %q: %w", slot.language, err))
		}
	}
	return errors.Join(errs...)
}
