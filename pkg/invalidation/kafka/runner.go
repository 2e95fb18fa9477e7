// Package kafka consumes tile invalidation events from a Kafka topic
// and applies them to the cache tiers through the serving engine.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/xyz-tile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/core/observability"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/invalidation"
)

// Invalidator drops tiles from every cache tier. The engine implements
// this.
type Invalidator interface {
	Invalidate(ctx context.Context, refs []keys.TileRef) (int, error)
}

// Mapper enumerates the tiles covering a bounding box across a zoom
// range.
type Mapper interface {
	CoveringTiles(bb model.BBox, minZoom, maxZoom int) ([]keys.TileRef, error)
}

type Runner struct {
	log      *slog.Logger
	cfg      InvalidationConfig
	inval    Invalidator
	mapper   Mapper
	ms       *metricSet
	seen     *eventDedupe
	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
}

func New(cfg InvalidationConfig, inval Invalidator, m Mapper, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		log:    opts.Logger,
		cfg:    cfg,
		inval:  inval,
		mapper: m,
		ms:     newMetricSet(opts.Register),
		seen:   newEventDedupe(8192),
		assign: map[int32]struct{}{},
	}
}

func (r *Runner) Start(ctx context.Context) error {
	if r.cfg.Driver != DriverKafka || !r.cfg.Enabled {
		r.log.Info("invalidation runner disabled", "driver", r.cfg.Driver, "enabled", r.cfg.Enabled)
		return nil
	}
	if r.inval == nil {
		return errors.New("kafka runner: invalidator dependency is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = r.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = r.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = r.cfg.RebalanceTimeout
	if r.cfg.InitialOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("consumer group: %w", err)
	}

	h := &groupHandler{
		setup: func(sess sarama.ConsumerGroupSession) {
			claims := sess.Claims()
			r.assignMu.Lock()
			r.assigned.Store(true)
			r.assign = map[int32]struct{}{}
			for _, parts := range claims {
				for _, p := range parts {
					r.assign[p] = struct{}{}
				}
			}
			r.assignMu.Unlock()
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(false)
			r.assign = map[int32]struct{}{}
			r.assignMu.Unlock()
		},
		process: r.handleMessage,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.log.Error("kafka consumer group close", "err", err)
			}
		}()

		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
				r.log.Error("kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			r.log.Error("kafka group error", "err", err)
		}
	}()

	r.log.Info("kafka invalidation runner started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)
	return nil
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("kafka invalidation runner stopped")
}

func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

func (r *Runner) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()

	if !msg.Timestamp.IsZero() {
		lag := time.Since(msg.Timestamp).Seconds()
		r.ms.lagGauge.Set(lag)
		observability.SetInvalidationLagSeconds(lag)
	}

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		r.ms.msgs.WithLabelValues("error").Inc()
		return fmt.Errorf("decode: %w", err)
	}
	if ev.TS.IsZero() {
		ev.TS = msg.Timestamp
	}
	if err := ev.Validate(); err != nil {
		r.ms.msgs.WithLabelValues("error").Inc()
		return fmt.Errorf("validate: %w", err)
	}

	err := r.apply(ctx, ev)
	r.observe(ev.Op, err, time.Since(start))
	return err
}

func (r *Runner) observe(op string, err error, dur time.Duration) {
	if op == "" {
		op = "invalidate"
	}
	if err != nil {
		r.ms.msgs.WithLabelValues("error").Inc()
	} else {
		r.ms.msgs.WithLabelValues("ok").Inc()
	}
	r.ms.proc.WithLabelValues(op).Observe(dur.Seconds())
}

func (r *Runner) apply(ctx context.Context, ev invalidation.Event) error {
	refs, err := r.expand(ev)
	if err != nil {
		return err
	}
	if limit := r.cfg.MaxTiles; limit > 0 && len(refs) > limit {
		r.ms.apply.WithLabelValues("reject_oversize").Inc()
		return fmt.Errorf("event %s expands to %d tiles, limit %d", ev.ID, len(refs), limit)
	}

	fresh := refs[:0]
	for _, ref := range refs {
		if !r.seen.shouldApply(ref.Key(), ev.ID) {
			r.ms.apply.WithLabelValues("skip_dup").Inc()
			continue
		}
		fresh = append(fresh, ref)
	}
	if len(fresh) == 0 {
		return nil
	}

	removed, err := r.inval.Invalidate(ctx, fresh)
	if err != nil {
		return fmt.Errorf("invalidate (%d tiles): %w", len(fresh), err)
	}
	r.ms.apply.WithLabelValues("delete").Add(float64(removed))

	r.log.Info("applied invalidation event",
		"event", ev.ID, "version", ev.Version, "tiles", len(fresh), "removed", removed)
	return nil
}

// expand turns one event into concrete tile refs, stamping the event's
// dataset version onto spatially addressed tiles.
func (r *Runner) expand(ev invalidation.Event) ([]keys.TileRef, error) {
	if len(ev.Keys) > 0 {
		refs := make([]keys.TileRef, 0, len(ev.Keys))
		for _, k := range ev.Keys {
			ref, err := keys.Parse(k)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			refs = append(refs, ref)
		}
		return refs, nil
	}

	if r.mapper == nil {
		return nil, errors.New("bbox event needs a tile mapper")
	}
	refs, err := r.mapper.CoveringTiles(*ev.BBox, ev.MinZoom, ev.MaxZoom)
	if err != nil {
		return nil, fmt.Errorf("covering tiles: %w", err)
	}
	for i := range refs {
		refs[i].Version = ev.Version
	}
	return refs, nil
}

type groupHandler struct {
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
