package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/xyz-tile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/invalidation"
	xyzmapper "github.com/mohammed-shakir/xyz-tile-cache/internal/mapper/xyz"
)

type fakeInvalidator struct {
	mu    sync.Mutex
	calls [][]keys.TileRef
}

func (f *fakeInvalidator) Invalidate(_ context.Context, refs []keys.TileRef) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, refs)
	return len(refs), nil
}

func (f *fakeInvalidator) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += len(c)
	}
	return n
}

func newRunner(inv Invalidator, maxTiles int) *Runner {
	return New(
		InvalidationConfig{Enabled: true, Driver: DriverKafka, MaxTiles: maxTiles},
		inv,
		xyzmapper.New(0),
		Options{},
	)
}

func msgFor(t *testing.T, ev invalidation.Event) *sarama.ConsumerMessage {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Value: b, Timestamp: time.Now().Add(-time.Second)}
}

func TestHandleMessage_ExplicitKeys(t *testing.T) {
	inv := &fakeInvalidator{}
	r := newRunner(inv, 0)

	ev := invalidation.Event{
		ID: "ev-keys", Version: "v1", TS: time.Now().UTC(),
		Keys: []string{"tile:v1:8:140:75", "tile:v1:8:141:75"},
	}
	if err := r.handleMessage(t.Context(), msgFor(t, ev)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if inv.total() != 2 {
		t.Fatalf("invalidated %d refs, want 2", inv.total())
	}
}

func TestHandleMessage_BBoxExpandsAndStampsVersion(t *testing.T) {
	inv := &fakeInvalidator{}
	r := newRunner(inv, 0)

	ev := invalidation.Event{
		ID: "ev-bbox", Version: "v2", TS: time.Now().UTC(),
		BBox:    &model.BBox{West: 17.9, South: 59.2, East: 18.2, North: 59.4},
		MinZoom: 8, MaxZoom: 9,
	}
	if err := r.handleMessage(t.Context(), msgFor(t, ev)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if inv.total() == 0 {
		t.Fatalf("bbox event expanded to no tiles")
	}
	for _, ref := range inv.calls[0] {
		if ref.Version != "v2" {
			t.Fatalf("ref %s missing event version", ref)
		}
		if ref.Z < 8 || ref.Z > 9 {
			t.Fatalf("ref %s outside zoom range", ref)
		}
	}
}

func TestHandleMessage_RedeliveryIsDeduped(t *testing.T) {
	inv := &fakeInvalidator{}
	r := newRunner(inv, 0)

	ev := invalidation.Event{
		ID: "ev-dup", Version: "v1", TS: time.Now().UTC(),
		Keys: []string{"tile:v1:4:2:3"},
	}
	for range 3 {
		if err := r.handleMessage(t.Context(), msgFor(t, ev)); err != nil {
			t.Fatalf("handleMessage: %v", err)
		}
	}
	if inv.total() != 1 {
		t.Fatalf("invalidated %d refs across redeliveries, want 1", inv.total())
	}

	// a different event id over the same key applies again
	ev.ID = "ev-dup-2"
	if err := r.handleMessage(t.Context(), msgFor(t, ev)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if inv.total() != 2 {
		t.Fatalf("invalidated %d refs, want 2", inv.total())
	}
}

func TestHandleMessage_RejectsOversizeExpansion(t *testing.T) {
	inv := &fakeInvalidator{}
	r := newRunner(inv, 4)

	ev := invalidation.Event{
		ID: "ev-big", Version: "v1", TS: time.Now().UTC(),
		BBox:    &model.BBox{West: -180, South: -85, East: 180, North: 85},
		MinZoom: 0, MaxZoom: 6,
	}
	if err := r.handleMessage(t.Context(), msgFor(t, ev)); err == nil {
		t.Fatalf("expected oversize rejection")
	}
	if inv.total() != 0 {
		t.Fatalf("oversize event still invalidated %d refs", inv.total())
	}
}

func TestHandleMessage_RejectsGarbage(t *testing.T) {
	r := newRunner(&fakeInvalidator{}, 0)

	bad := &sarama.ConsumerMessage{Value: []byte("{not json"), Timestamp: time.Now()}
	if err := r.handleMessage(t.Context(), bad); err == nil {
		t.Fatalf("expected decode error")
	}

	noTS := invalidation.Event{ID: "x", Version: "v1", Keys: []string{"tile:v1:1:0:0"}}
	b, _ := json.Marshal(noTS)
	// broker timestamp backfills a missing ts
	if err := r.handleMessage(t.Context(), &sarama.ConsumerMessage{Value: b, Timestamp: time.Now()}); err != nil {
		t.Fatalf("expected broker ts backfill, got: %v", err)
	}
}
