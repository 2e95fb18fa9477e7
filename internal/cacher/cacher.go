// Package cacher coalesces concurrent tile demand in front of the cache
// tiers. Concurrent gets for a cold key cost exactly one backend fetch,
// and producer locks park readers until a publish instead of letting
// them fetch independently.
package cacher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/xyz-tile-cache/internal/cache/hot"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/core/observability"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/task"
)

// Handle is the completion handle readers pass to Get. A nil tile is a
// successful resolution meaning the origin has no tile for the key.
type Handle = task.Handle[*model.Tile]

// RetrieveSink receives fetch completions from a Backend. The cacher
// itself is the production sink.
type RetrieveSink interface {
	OnTileRetrieved(key string, t *model.Tile)
	OnRetrieveError(key string, cause error)
}

// Backend is the tier seam behind the hot cache: Fetch answers misses,
// Store and Touch write through on publish and TTL refresh.
type Backend interface {
	// Fetch loads key asynchronously and reports through sink exactly once.
	Fetch(key string, sink RetrieveSink)
	Store(ctx context.Context, key string, t *model.Tile, ttl time.Duration) error
	Touch(ctx context.Context, key string, ttl time.Duration) error
}

type fetchEntry struct {
	handles []*Handle
	started time.Time
}

// Cacher guards the hot tier and both waiter maps with one mutex. A key
// lives in at most one waiter map at a time, waiter lists are non-empty
// while present, and no handle settles while the mutex is held: parked
// handles are always drained first and settled after unlock, so reader
// callbacks may re-enter the cacher.
type Cacher struct {
	backend Backend
	log     zerolog.Logger

	// Reserved extension points, run after the lower tier write of a
	// publish returns.
	OnTileSet  func(key string)
	OnSetError func(key string, err error)

	mu         sync.Mutex
	hot        *hot.Cache
	getWaiters map[string]*fetchEntry
	setWaiters map[string][]*Handle
}

func New(hotTier *hot.Cache, backend Backend, log zerolog.Logger) *Cacher {
	return &Cacher{
		backend:    backend,
		log:        log.With().Str("component", "cacher").Logger(),
		hot:        hotTier,
		getWaiters: make(map[string]*fetchEntry),
		setWaiters: make(map[string][]*Handle),
	}
}

// Get resolves key from the hot tier, or parks h behind the producer
// lock or in-flight fetch for key. The first reader of a cold unlocked
// key dispatches the backend fetch; everyone else coalesces onto it.
// Hot hits bypass producer locks, a stale read is acceptable there.
func (c *Cacher) Get(key string, h *Handle) {
	if key == "" {
		h.Fail(fmt.Errorf("get: empty key: %w", task.ErrInternal))
		return
	}

	c.mu.Lock()
	if t, ok := c.hot.Get(key); ok {
		c.mu.Unlock()
		observability.IncTileResult("hit", "hot")
		h.Resolve(t)
		return
	}
	if parked, ok := c.setWaiters[key]; ok {
		c.setWaiters[key] = append(parked, h)
		c.mu.Unlock()
		observability.IncCoalescedWaiter("lock")
		return
	}
	if e, ok := c.getWaiters[key]; ok {
		e.handles = append(e.handles, h)
		c.mu.Unlock()
		observability.IncCoalescedWaiter("fetch")
		return
	}
	c.getWaiters[key] = &fetchEntry{handles: []*Handle{h}, started: time.Now()}
	c.mu.Unlock()

	c.log.Debug().Str("key", key).Msg("dispatching backend fetch")
	c.backend.Fetch(key, c)
}

// Set publishes tile under key: installs it in the hot tier, resolves
// readers parked by LockUntilSet, then writes through to the lower tier.
// A Set with no parked readers is an ordinary unsolicited publication.
// setH, when non-nil, settles with the write-through outcome.
func (c *Cacher) Set(ctx context.Context, key string, t *model.Tile, ttl time.Duration, setH *task.Handle[struct{}]) {
	if key == "" || t == nil {
		if setH != nil {
			setH.Fail(fmt.Errorf("set: empty key or nil tile: %w", task.ErrInternal))
		}
		return
	}

	c.mu.Lock()
	c.hot.Set(key, t)
	parked := c.setWaiters[key]
	delete(c.setWaiters, key)
	c.mu.Unlock()

	for _, h := range parked {
		h.Resolve(t)
	}

	if err := c.backend.Store(ctx, key, t, ttl); err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("lower tier store failed")
		if c.OnSetError != nil {
			c.OnSetError(key, err)
		}
		if setH != nil {
			setH.Fail(fmt.Errorf("store %s: %w", key, err))
		}
		return
	}
	if c.OnTileSet != nil {
		c.OnTileSet(key)
	}
	if setH != nil {
		setH.Resolve(struct{}{})
	}
}

// Touch refreshes the lower tier TTL for key. Touching an absent key is
// a no-op, not an error.
func (c *Cacher) Touch(ctx context.Context, key string, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("touch: empty key: %w", task.ErrInternal)
	}
	return c.backend.Touch(ctx, key, ttl)
}

// Lock owns the keys claimed by one LockUntilSet call.
type Lock struct {
	c    *Cacher
	keys []string
	once sync.Once
}

// Keys returns the claimed keys.
func (l *Lock) Keys() []string {
	return append([]string(nil), l.keys...)
}

// Release unlocks every owned key that was not published in the
// meantime. Safe to call more than once.
func (l *Lock) Release() {
	l.once.Do(func() { l.c.Unlock(l.keys) })
}

// LockUntilSet claims keys for a producer that promises to publish
// them: readers arriving before the publish park instead of fetching.
// Keys already claimed by another producer, or with a fetch in flight,
// are skipped. Returns nil when no key could be claimed.
func (c *Cacher) LockUntilSet(lockKeys []string) *Lock {
	c.mu.Lock()
	var owned []string
	for _, k := range lockKeys {
		if k == "" {
			continue
		}
		if _, taken := c.setWaiters[k]; taken {
			continue
		}
		if _, fetching := c.getWaiters[k]; fetching {
			continue
		}
		c.setWaiters[k] = []*Handle{}
		owned = append(owned, k)
	}
	c.mu.Unlock()

	if len(owned) == 0 {
		return nil
	}
	return &Lock{c: c, keys: owned}
}

// Unlock drops the producer claim on each key and fails its parked
// readers with ErrCancelled. Unlocking an unclaimed key is a no-op, so
// the call is idempotent.
func (c *Cacher) Unlock(lockKeys []string) {
	var drained []*Handle
	c.mu.Lock()
	for _, k := range lockKeys {
		parked, ok := c.setWaiters[k]
		if !ok {
			continue
		}
		delete(c.setWaiters, k)
		drained = append(drained, parked...)
	}
	c.mu.Unlock()

	if len(drained) == 0 {
		return
	}
	err := fmt.Errorf("lock released without publish: %w", task.ErrCancelled)
	for _, h := range drained {
		h.Fail(err)
	}
}

// OnTileRetrieved completes the in-flight fetch for key. A non-nil tile
// is installed in the hot tier before any reader observes it. A nil
// tile resolves readers with nil: the origin has no such tile, which is
// an answer, not an error.
func (c *Cacher) OnTileRetrieved(key string, t *model.Tile) {
	c.mu.Lock()
	e, ok := c.getWaiters[key]
	if ok {
		delete(c.getWaiters, key)
	}
	if t != nil {
		c.hot.Set(key, t)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	outcome := "resolved"
	if t == nil {
		outcome = "absent"
	}
	observability.ObserveFetch(outcome, time.Since(e.started).Seconds())
	for _, h := range e.handles {
		h.Resolve(t)
	}
}

// OnRetrieveError fails the in-flight fetch for key: every parked reader
// fails with ErrFetch wrapping cause.
func (c *Cacher) OnRetrieveError(key string, cause error) {
	c.mu.Lock()
	e, ok := c.getWaiters[key]
	if ok {
		delete(c.getWaiters, key)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	observability.ObserveFetch("error", time.Since(e.started).Seconds())
	c.log.Warn().Err(cause).Str("key", key).Int("waiters", len(e.handles)).Msg("backend fetch failed")

	err := fmt.Errorf("fetch %s: %w", key, task.ErrFetch)
	if cause != nil {
		err = fmt.Errorf("fetch %s: %w: %w", key, task.ErrFetch, cause)
	}
	for _, h := range e.handles {
		h.Fail(err)
	}
}

// Invalidate drops keys from the hot tier, reporting how many were
// present. In-flight fetches are untouched and still publish to their
// parked readers.
func (c *Cacher) Invalidate(keys ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, k := range keys {
		if c.hot.Remove(k) {
			n++
		}
	}
	return n
}
