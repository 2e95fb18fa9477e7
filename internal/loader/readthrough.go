package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/xyz-tile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/cacher"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/core/observability"
)

// ReadThrough is the cacher backend: fetches check Redis first and fall
// through to the inner loader, resolved tiles are written back with the
// zoom TTL, and Store/Touch go straight to Redis.
type ReadThrough struct {
	redis     *redisstore.Client
	inner     Loader
	ttlByZoom func(zoom int) time.Duration
	opTimeout time.Duration
	log       zerolog.Logger
}

var _ cacher.Backend = (*ReadThrough)(nil)

func NewReadThrough(rc *redisstore.Client, inner Loader, ttlByZoom func(zoom int) time.Duration, opTimeout time.Duration, log zerolog.Logger) *ReadThrough {
	if opTimeout <= 0 {
		opTimeout = 250 * time.Millisecond
	}
	return &ReadThrough{
		redis:     rc,
		inner:     inner,
		ttlByZoom: ttlByZoom,
		opTimeout: opTimeout,
		log:       log.With().Str("component", "readthrough").Logger(),
	}
}

// Fetch never blocks the caller; the Redis probe and any origin fall
// through run on their own goroutine. A Redis error is logged and
// treated as a miss so an unavailable lower tier degrades to
// origin-only serving instead of failing every cold get.
func (r *ReadThrough) Fetch(key string, sink cacher.RetrieveSink) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
		defer cancel()

		if r.redis != nil {
			t, found, err := r.redis.GetTile(ctx, key)
			switch {
			case err != nil:
				r.log.Warn().Err(err).Str("key", key).Msg("lower tier read failed, trying origin")
			case found:
				observability.IncTileResult("hit", "redis")
				sink.OnTileRetrieved(key, t)
				return
			}
		}

		if r.inner == nil {
			sink.OnRetrieveError(key, errors.New("no origin loader configured"))
			return
		}
		// the origin fetch outlives the lower tier op timeout
		r.inner.Load(context.Background(), key, &writeBackSink{rt: r, next: sink})
	}()
}

func (r *ReadThrough) Store(ctx context.Context, key string, t *model.Tile, ttl time.Duration) error {
	if r.redis == nil {
		return nil
	}
	return r.redis.SetTile(ctx, key, t, ttl)
}

func (r *ReadThrough) Touch(ctx context.Context, key string, ttl time.Duration) error {
	if r.redis == nil {
		return nil
	}
	if _, err := r.redis.Touch(ctx, key, ttl); err != nil {
		return fmt.Errorf("touch %s: %w", key, err)
	}
	return nil
}

// writeBackSink stores origin tiles into Redis before forwarding the
// result. The write back is best effort; a failure never turns a
// resolved fetch into an error.
type writeBackSink struct {
	rt   *ReadThrough
	next cacher.RetrieveSink
}

func (s *writeBackSink) OnTileRetrieved(key string, t *model.Tile) {
	if t != nil && s.rt.redis != nil {
		ttl := time.Duration(0)
		if s.rt.ttlByZoom != nil {
			if ref, err := keys.Parse(key); err == nil {
				ttl = s.rt.ttlByZoom(ref.Z)
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.rt.opTimeout)
		if err := s.rt.redis.SetTile(ctx, key, t, ttl); err != nil {
			s.rt.log.Warn().Err(err).Str("key", key).Msg("write back failed")
		}
		cancel()
	}
	s.next.OnTileRetrieved(key, t)
}

func (s *writeBackSink) OnRetrieveError(key string, cause error) {
	s.next.OnRetrieveError(key, cause)
}
