package cacher

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/xyz-tile-cache/internal/cache/hot"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/task"
)

type backendDouble struct {
	mu       sync.Mutex
	fetched  map[string]int
	stored   map[string][]byte
	touched  map[string]time.Duration
	storeErr error
}

func newBackendDouble() *backendDouble {
	return &backendDouble{
		fetched: map[string]int{},
		stored:  map[string][]byte{},
		touched: map[string]time.Duration{},
	}
}

func (b *backendDouble) Fetch(key string, _ RetrieveSink) {
	b.mu.Lock()
	b.fetched[key]++
	b.mu.Unlock()
}

func (b *backendDouble) Store(_ context.Context, key string, t *model.Tile, _ time.Duration) error {
	if b.storeErr != nil {
		return b.storeErr
	}
	b.mu.Lock()
	b.stored[key] = t.Data
	b.mu.Unlock()
	return nil
}

func (b *backendDouble) Touch(_ context.Context, key string, ttl time.Duration) error {
	b.mu.Lock()
	b.touched[key] = ttl
	b.mu.Unlock()
	return nil
}

func (b *backendDouble) fetchCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetched[key]
}

func newTestCacher(t *testing.T, b Backend) *Cacher {
	t.Helper()
	ht, err := hot.New(64)
	if err != nil {
		t.Fatalf("hot.New: %v", err)
	}
	return New(ht, b, zerolog.Nop())
}

func waitFor(t *testing.T, h *Handle) (*model.Tile, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := h.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("handle did not settle in time")
	}
	return v, err
}

func assertWaiterMapsDisjoint(t *testing.T, c *Cacher) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.getWaiters {
		if _, ok := c.setWaiters[k]; ok {
			t.Fatalf("key %s present in both waiter maps", k)
		}
	}
}

func TestColdStormCoalescesToOneFetch(t *testing.T) {
	b := newBackendDouble()
	c := newTestCacher(t, b)

	const readers = 100
	handles := make([]*Handle, readers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range readers {
		handles[i] = task.New[*model.Tile]()
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			<-start
			c.Get("k1", h)
		}(handles[i])
	}
	close(start)
	wg.Wait()

	if got := b.fetchCount("k1"); got != 1 {
		t.Fatalf("backend fetches = %d, want 1", got)
	}
	assertWaiterMapsDisjoint(t, c)

	want := &model.Tile{Data: []byte("payload"), ContentType: "image/png", Version: "v1"}
	c.OnTileRetrieved("k1", want)

	for i, h := range handles {
		v, err := waitFor(t, h)
		if err != nil {
			t.Fatalf("handle %d failed: %v", i, err)
		}
		if v != want {
			t.Fatalf("handle %d resolved with %v, want shared tile", i, v)
		}
	}

	c.mu.Lock()
	_, pending := c.getWaiters["k1"]
	c.mu.Unlock()
	if pending {
		t.Fatalf("getWaiters entry for k1 survived the publish")
	}
	if v, ok := c.hot.Get("k1"); !ok || v != want {
		t.Fatalf("hot tier missing published tile")
	}
}

func TestLockUntilSetParksReaderUntilPublish(t *testing.T) {
	b := newBackendDouble()
	c := newTestCacher(t, b)

	lock := c.LockUntilSet([]string{"k2"})
	if lock == nil {
		t.Fatalf("LockUntilSet returned nil on unclaimed key")
	}

	h := task.New[*model.Tile]()
	c.Get("k2", h)
	if h.Settled() {
		t.Fatalf("reader settled before publish")
	}
	if got := b.fetchCount("k2"); got != 0 {
		t.Fatalf("locked key dispatched %d fetches, want 0", got)
	}

	want := &model.Tile{Data: []byte("v2"), Version: "v1"}
	c.Set(context.Background(), "k2", want, time.Minute, nil)

	v, err := waitFor(t, h)
	if err != nil || v != want {
		t.Fatalf("reader got (%v, %v), want published tile", v, err)
	}

	c.mu.Lock()
	_, stillLocked := c.setWaiters["k2"]
	c.mu.Unlock()
	if stillLocked {
		t.Fatalf("setWaiters entry survived the publish")
	}
	if got := b.fetchCount("k2"); got != 0 {
		t.Fatalf("publish path dispatched %d fetches, want 0", got)
	}

	// release after publish has nothing left to cancel
	lock.Release()
	if _, err := waitFor(t, h); err != nil {
		t.Fatalf("release after publish disturbed settled handle: %v", err)
	}
}

func TestAbandonedLockCancelsParkedReaders(t *testing.T) {
	b := newBackendDouble()
	c := newTestCacher(t, b)

	lock := c.LockUntilSet([]string{"k3"})
	if lock == nil {
		t.Fatalf("LockUntilSet returned nil")
	}
	h := task.New[*model.Tile]()
	c.Get("k3", h)

	lock.Release()
	_, err := waitFor(t, h)
	if !errors.Is(err, task.ErrCancelled) {
		t.Fatalf("parked reader err = %v, want ErrCancelled", err)
	}
	if got := b.fetchCount("k3"); got != 0 {
		t.Fatalf("abandoned lock dispatched %d fetches, want 0", got)
	}
	lock.Release() // second release is a no-op

	// the key is claimable again
	if l := c.LockUntilSet([]string{"k3"}); l == nil {
		t.Fatalf("re-lock after release failed")
	} else {
		l.Release()
	}
}

func TestUnlockIdempotentOnUnclaimedKey(t *testing.T) {
	c := newTestCacher(t, newBackendDouble())
	c.Unlock([]string{"never-locked"})
	c.Unlock([]string{"never-locked"})
}

func TestLockSkipsClaimedAndFetchingKeys(t *testing.T) {
	b := newBackendDouble()
	c := newTestCacher(t, b)

	lock1 := c.LockUntilSet([]string{"a", "b"})
	if lock1 == nil {
		t.Fatalf("first lock failed")
	}
	if lock2 := c.LockUntilSet([]string{"a", "b"}); lock2 != nil {
		t.Fatalf("second lock claimed already claimed keys: %v", lock2.Keys())
	}

	// an in-flight fetch holds the key's barrier
	h := task.New[*model.Tile]()
	c.Get("c", h)
	if lock3 := c.LockUntilSet([]string{"c"}); lock3 != nil {
		t.Fatalf("lock claimed key with fetch in flight")
	}
	assertWaiterMapsDisjoint(t, c)

	lock4 := c.LockUntilSet([]string{"a", "d"})
	if lock4 == nil {
		t.Fatalf("partial lock failed")
	}
	if keys := lock4.Keys(); len(keys) != 1 || keys[0] != "d" {
		t.Fatalf("partial lock owns %v, want [d]", keys)
	}

	c.OnTileRetrieved("c", &model.Tile{Data: []byte("x")})
	if _, err := waitFor(t, h); err != nil {
		t.Fatalf("fetching reader failed: %v", err)
	}
	lock1.Release()
	lock4.Release()
}

func TestWaitersResolveInRegistrationOrder(t *testing.T) {
	b := newBackendDouble()
	c := newTestCacher(t, b)

	var mu sync.Mutex
	var order []int
	const n = 6
	handles := make([]*Handle, n)
	for i := range n {
		idx := i
		handles[i] = task.NewFunc(func(*model.Tile, error) {
			mu.Lock()
			order = append(order, idx)
			mu.Unlock()
		})
		c.Get("fifo", handles[i])
	}
	if got := b.fetchCount("fifo"); got != 1 {
		t.Fatalf("fetches = %d, want 1", got)
	}

	c.OnTileRetrieved("fifo", &model.Tile{Data: []byte("v")})
	for _, h := range handles {
		waitFor(t, h)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, idx := range order {
		if i != idx {
			t.Fatalf("settle order %v, want registration order", order)
		}
	}
}

func TestHotHitBypassesProducerLock(t *testing.T) {
	b := newBackendDouble()
	c := newTestCacher(t, b)

	published := &model.Tile{Data: []byte("warm")}
	c.Set(context.Background(), "k", published, time.Minute, nil)

	lock := c.LockUntilSet([]string{"k"})
	if lock == nil {
		t.Fatalf("lock on hot key failed; hot presence must not block claims")
	}
	defer lock.Release()

	h := task.New[*model.Tile]()
	c.Get("k", h)
	if !h.Settled() {
		t.Fatalf("hot hit parked behind producer lock")
	}
	v, err := h.Result()
	if err != nil || v != published {
		t.Fatalf("hot hit = (%v, %v), want published tile", v, err)
	}
}

func TestRetrievedAbsentResolvesNilWithoutCaching(t *testing.T) {
	b := newBackendDouble()
	c := newTestCacher(t, b)

	h := task.New[*model.Tile]()
	c.Get("void", h)
	c.OnTileRetrieved("void", nil)

	v, err := waitFor(t, h)
	if err != nil {
		t.Fatalf("absent tile is an answer, got error %v", err)
	}
	if v != nil {
		t.Fatalf("absent tile resolved with %v, want nil", v)
	}
	if _, ok := c.hot.Get("void"); ok {
		t.Fatalf("absent result installed in hot tier")
	}
}

func TestRetrieveErrorFailsEveryWaiterWithFetchKind(t *testing.T) {
	b := newBackendDouble()
	c := newTestCacher(t, b)

	handles := make([]*Handle, 3)
	for i := range handles {
		handles[i] = task.New[*model.Tile]()
		c.Get("bad", handles[i])
	}
	c.OnRetrieveError("bad", io.ErrUnexpectedEOF)

	for i, h := range handles {
		_, err := waitFor(t, h)
		if !errors.Is(err, task.ErrFetch) {
			t.Fatalf("handle %d err = %v, want ErrFetch", i, err)
		}
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Fatalf("handle %d lost the cause: %v", i, err)
		}
		if kind := task.KindOf(err); kind != "fetch" {
			t.Fatalf("handle %d kind = %q, want fetch", i, kind)
		}
	}

	c.mu.Lock()
	_, pending := c.getWaiters["bad"]
	c.mu.Unlock()
	if pending {
		t.Fatalf("getWaiters entry survived the error")
	}
}

func TestUnsolicitedRetrieveStillInstallsHot(t *testing.T) {
	c := newTestCacher(t, newBackendDouble())
	tl := &model.Tile{Data: []byte("push")}
	c.OnTileRetrieved("pushed", tl)
	if v, ok := c.hot.Get("pushed"); !ok || v != tl {
		t.Fatalf("unsolicited retrieval not installed in hot tier")
	}
}

func TestSetWritesThroughAndSettlesSetHandle(t *testing.T) {
	b := newBackendDouble()
	c := newTestCacher(t, b)

	setH := task.New[struct{}]()
	c.Set(context.Background(), "k", &model.Tile{Data: []byte("d")}, time.Minute, setH)
	if _, err := setH.Wait(context.Background()); err != nil {
		t.Fatalf("set handle failed: %v", err)
	}
	b.mu.Lock()
	_, stored := b.stored["k"]
	b.mu.Unlock()
	if !stored {
		t.Fatalf("lower tier write missing")
	}
}

func TestSetLowerTierFailureKeepsHotAndFailsSetHandle(t *testing.T) {
	b := newBackendDouble()
	b.storeErr = errors.New("redis down")
	c := newTestCacher(t, b)

	var hookErr atomic.Value
	c.OnSetError = func(key string, err error) { hookErr.Store(err) }

	setH := task.New[struct{}]()
	tl := &model.Tile{Data: []byte("d")}
	c.Set(context.Background(), "k", tl, time.Minute, setH)

	if _, err := setH.Wait(context.Background()); err == nil {
		t.Fatalf("set handle resolved despite lower tier failure")
	}
	if v, ok := c.hot.Get("k"); !ok || v != tl {
		t.Fatalf("hot publish rolled back on lower tier failure")
	}
	if hookErr.Load() == nil {
		t.Fatalf("OnSetError hook not invoked")
	}
}

func TestSetResolvesParkedReadersBeforeWriteThrough(t *testing.T) {
	b := newBackendDouble()
	b.storeErr = errors.New("redis down")
	c := newTestCacher(t, b)

	lock := c.LockUntilSet([]string{"k"})
	h := task.New[*model.Tile]()
	c.Get("k", h)

	want := &model.Tile{Data: []byte("d")}
	c.Set(context.Background(), "k", want, time.Minute, nil)

	// parked readers see the publish even though the lower tier write failed
	v, err := waitFor(t, h)
	if err != nil || v != want {
		t.Fatalf("parked reader got (%v, %v), want publish", v, err)
	}
	lock.Release()
}

func TestTouchPassesThroughAndRejectsEmptyKey(t *testing.T) {
	b := newBackendDouble()
	c := newTestCacher(t, b)

	if err := c.Touch(context.Background(), "k", 30*time.Second); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	b.mu.Lock()
	ttl := b.touched["k"]
	b.mu.Unlock()
	if ttl != 30*time.Second {
		t.Fatalf("backend touch ttl = %v, want 30s", ttl)
	}

	if err := c.Touch(context.Background(), "", time.Second); !errors.Is(err, task.ErrInternal) {
		t.Fatalf("Touch empty key err = %v, want ErrInternal", err)
	}
}

func TestGetEmptyKeyRejected(t *testing.T) {
	c := newTestCacher(t, newBackendDouble())
	h := task.New[*model.Tile]()
	c.Get("", h)
	_, err := h.Result()
	if !errors.Is(err, task.ErrInternal) {
		t.Fatalf("empty key err = %v, want ErrInternal", err)
	}
}

func TestSetNilTileRejected(t *testing.T) {
	c := newTestCacher(t, newBackendDouble())
	setH := task.New[struct{}]()
	c.Set(context.Background(), "k", nil, time.Minute, setH)
	_, err := setH.Wait(context.Background())
	if !errors.Is(err, task.ErrInternal) {
		t.Fatalf("nil tile err = %v, want ErrInternal", err)
	}
}

func TestInvalidateDropsHotEntries(t *testing.T) {
	c := newTestCacher(t, newBackendDouble())
	c.Set(context.Background(), "a", &model.Tile{Data: []byte("a")}, time.Minute, nil)
	c.Set(context.Background(), "b", &model.Tile{Data: []byte("b")}, time.Minute, nil)

	if n := c.Invalidate("a", "b", "missing"); n != 2 {
		t.Fatalf("Invalidate removed %d, want 2", n)
	}
	if _, ok := c.hot.Get("a"); ok {
		t.Fatalf("a survived invalidation")
	}
	if _, ok := c.hot.Get("b"); ok {
		t.Fatalf("b survived invalidation")
	}
}

func TestEveryHandleSettledExactlyOnceUnderChurn(t *testing.T) {
	b := newBackendDouble()
	c := newTestCacher(t, b)

	var settles atomic.Int64
	const keys = 8
	const readersPerKey = 16

	var wg sync.WaitGroup
	for k := range keys {
		key := string(rune('a' + k))
		for range readersPerKey {
			h := task.NewFunc(func(*model.Tile, error) { settles.Add(1) })
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.Get(key, h)
			}()
		}
	}
	wg.Wait()

	// settle every key through a different path
	for k := range keys {
		key := string(rune('a' + k))
		switch k % 3 {
		case 0:
			c.OnTileRetrieved(key, &model.Tile{Data: []byte(key)})
		case 1:
			c.OnTileRetrieved(key, nil)
		default:
			c.OnRetrieveError(key, errors.New("boom"))
		}
	}

	if got := settles.Load(); got != keys*readersPerKey {
		t.Fatalf("settle callbacks = %d, want %d", got, keys*readersPerKey)
	}
	assertWaiterMapsDisjoint(t, c)
}
