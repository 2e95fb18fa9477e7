// Package engine wires the coalescing cacher, the tile loaders and the
// cache policies into the operations the HTTP surface exposes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/xyz-tile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/cacher"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/core/observability"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/hitevents"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/hotness"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/loader"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/task"
)

// Deleter removes keys from the lower cache tier during invalidation.
type Deleter interface {
	Del(ctx context.Context, keys ...string) (int, error)
}

type Config struct {
	// TTLForZoom decides the lower tier TTL per zoom level.
	TTLForZoom func(zoom int) time.Duration
	// HotThreshold is the hotness score above which a served tile gets
	// its lower tier TTL refreshed. Zero disables touching.
	HotThreshold float64
	// OpTimeout bounds background cache maintenance (touch, delete).
	OpTimeout time.Duration
}

type Options struct {
	Hotness hotness.Interface
	Hits    *hitevents.Publisher
	Deleter Deleter
}

type Engine struct {
	cacher  *cacher.Cacher
	loader  loader.Loader
	hot     hotness.Interface
	hits    *hitevents.Publisher
	deleter Deleter
	cfg     Config
	log     zerolog.Logger
}

func New(c *cacher.Cacher, l loader.Loader, cfg Config, opts Options, log zerolog.Logger) *Engine {
	if cfg.TTLForZoom == nil {
		cfg.TTLForZoom = func(int) time.Duration { return 6 * time.Hour }
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 250 * time.Millisecond
	}
	return &Engine{
		cacher:  c,
		loader:  l,
		hot:     opts.Hotness,
		hits:    opts.Hits,
		deleter: opts.Deleter,
		cfg:     cfg,
		log:     log.With().Str("component", "engine").Logger(),
	}
}

func (e *Engine) HasVersion(version string) bool {
	return e.loader != nil && e.loader.HasVersion(version)
}

// GetTile resolves one tile through the cache tiers. A nil tile with a
// nil error means the dataset has no tile at that address. When the
// caller's ctx ends first the handle is discarded; the in-flight fetch
// still completes and publishes for other waiters.
func (e *Engine) GetTile(ctx context.Context, ref keys.TileRef) (*model.Tile, error) {
	if err := ref.Validate(); err != nil {
		return nil, fmt.Errorf("get tile: %w", err)
	}
	key := ref.Key()
	start := time.Now()

	h := task.New[*model.Tile]()
	e.cacher.Get(key, h)
	t, err := h.Wait(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		h.Discard()
		return nil, err
	}

	e.noteResult(ref, key, t, err, time.Since(start))
	return t, err
}

func (e *Engine) noteResult(ref keys.TileRef, key string, t *model.Tile, err error, d time.Duration) {
	outcome := "ok"
	switch {
	case err != nil:
		outcome = task.KindOf(err)
	case t == nil:
		outcome = "absent"
	}

	if e.hits != nil {
		e.hits.Publish(hitevents.Event{
			Key:        key,
			Outcome:    outcome,
			DurationMS: d.Milliseconds(),
			TS:         time.Now().UTC(),
		})
	}

	if err == nil && t != nil && e.hot != nil {
		e.hot.Inc(key)
		if e.cfg.HotThreshold > 0 && e.hot.Score(key) >= e.cfg.HotThreshold {
			// reset so the next refresh needs another full threshold of heat
			e.hot.Reset(key)
			go e.touch(key, ref.Z)
		}
	}
}

func (e *Engine) touch(key string, zoom int) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.OpTimeout)
	defer cancel()
	if err := e.cacher.Touch(ctx, key, e.cfg.TTLForZoom(zoom)); err != nil {
		e.log.Debug().Err(err).Str("key", key).Msg("hot tile ttl refresh failed")
	}
}

// PublishTile stores one pre-rendered tile into both cache tiers. The
// call returns once the lower tier write settles.
func (e *Engine) PublishTile(ctx context.Context, ref keys.TileRef, data []byte, contentType string) error {
	if err := ref.Validate(); err != nil {
		return fmt.Errorf("publish tile: %w", err)
	}
	if len(data) == 0 {
		return errors.New("publish tile: empty body")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	tile := &model.Tile{
		Data:        data,
		ContentType: contentType,
		Version:     ref.Version,
		FetchedAt:   time.Now().UTC(),
	}

	setH := task.New[struct{}]()
	e.cacher.Set(ctx, ref.Key(), tile, e.cfg.TTLForZoom(ref.Z), setH)
	if _, err := setH.Wait(ctx); err != nil {
		return err
	}
	observability.IncTileResult("publish", "producer")
	return nil
}

// BatchItem is one tile of a locked batch publication.
type BatchItem struct {
	Z, X, Y     int
	Data        []byte
	ContentType string
}

type BatchResult struct {
	Ref keys.TileRef
	Err error
}

// PublishBatch publishes a set of tiles under a producer lock: readers
// asking for any of the batch keys park until that key's publish
// instead of fetching. Keys left unpublished when the batch finishes
// (validation failures, early errors) fail their parked readers as
// cancelled via the lock release.
func (e *Engine) PublishBatch(ctx context.Context, version string, items []BatchItem) []BatchResult {
	results := make([]BatchResult, len(items))
	lockKeys := make([]string, 0, len(items))
	for i, it := range items {
		ref := keys.TileRef{Version: version, Z: it.Z, X: it.X, Y: it.Y}
		results[i].Ref = ref
		if err := ref.Validate(); err != nil {
			results[i].Err = err
			continue
		}
		lockKeys = append(lockKeys, ref.Key())
	}

	lock := e.cacher.LockUntilSet(lockKeys)
	if lock != nil {
		defer lock.Release()
	}

	for i, it := range items {
		if results[i].Err != nil {
			continue
		}
		if ctx.Err() != nil {
			results[i].Err = ctx.Err()
			continue
		}
		results[i].Err = e.PublishTile(ctx, results[i].Ref, it.Data, it.ContentType)
	}
	return results
}

// Invalidate drops refs from the hot tier, the lower tier and the
// hotness model. Returns the number of cache entries removed across
// both tiers.
func (e *Engine) Invalidate(ctx context.Context, refs []keys.TileRef) (int, error) {
	if len(refs) == 0 {
		return 0, nil
	}
	ks := make([]string, 0, len(refs))
	for _, r := range refs {
		if err := r.Validate(); err != nil {
			e.log.Warn().Str("ref", r.String()).Err(err).Msg("skipping invalid ref in invalidation")
			continue
		}
		ks = append(ks, r.Key())
	}
	if len(ks) == 0 {
		return 0, nil
	}

	removed := e.cacher.Invalidate(ks...)
	if e.hot != nil {
		e.hot.Reset(ks...)
	}

	if e.deleter != nil {
		n, err := e.deleter.Del(ctx, ks...)
		removed += n
		if err != nil {
			observability.AddInvalidatedTiles(removed)
			return removed, fmt.Errorf("lower tier delete: %w", err)
		}
	}
	observability.AddInvalidatedTiles(removed)
	e.log.Info().Int("keys", len(ks)).Int("removed", removed).Msg("invalidated tiles")
	return removed, nil
}
