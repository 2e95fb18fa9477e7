package hot

import (
	"fmt"
	"testing"

	"github.com/mohammed-shakir/xyz-tile-cache/internal/core/model"
)

func tile(v string) *model.Tile {
	return &model.Tile{Data: []byte(v), ContentType: "image/png", Version: "v1"}
}

func TestSetGetRoundTrip(t *testing.T) {
	c, err := New(4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	want := tile("a")
	c.Set("k1", want)
	got, ok := c.Get("k1")
	if !ok || got != want {
		t.Fatalf("Get = (%v, %v), want same pointer back", got, ok)
	}
}

func TestCapacityOverflowEvictsLRU(t *testing.T) {
	c, err := New(3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 1; i <= 3; i++ {
		c.Set(fmt.Sprintf("k%d", i), tile(fmt.Sprintf("v%d", i)))
	}
	// promote k1 so k2 is the eviction victim
	if _, ok := c.Get("k1"); !ok {
		t.Fatalf("k1 missing before overflow")
	}
	c.Set("k4", tile("v4"))

	if _, ok := c.Get("k2"); ok {
		t.Fatalf("k2 survived eviction, want LRU evicted")
	}
	for _, k := range []string{"k1", "k3", "k4"} {
		if _, ok := c.Get(k); !ok {
			t.Fatalf("%s evicted, want present", k)
		}
	}
	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3", c.Len())
	}
}

func TestEvictionDropsOnlyCacheReference(t *testing.T) {
	c, err := New(1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	held := tile("held")
	c.Set("k1", held)
	c.Set("k2", tile("other"))

	if _, ok := c.Get("k1"); ok {
		t.Fatalf("k1 still cached after overflow")
	}
	if string(held.Data) != "held" {
		t.Fatalf("evicted tile mutated: %q", held.Data)
	}
}

func TestRemoveAndPurge(t *testing.T) {
	c, _ := New(4)
	c.Set("k1", tile("a"))
	if !c.Remove("k1") {
		t.Fatalf("Remove(k1) = false, want true")
	}
	if c.Remove("k1") {
		t.Fatalf("second Remove(k1) = true, want false")
	}
	c.Set("k2", tile("b"))
	c.Set("k3", tile("c"))
	c.Purge()
	if c.Len() != 0 {
		t.Fatalf("Len after Purge = %d, want 0", c.Len())
	}
}
