// Package hot holds the bounded in-memory tile tier.
package hot

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/xyz-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/core/observability"
)

const DefaultCapacity = 4096

// Cache is a fixed-capacity LRU over shared tile pointers. Eviction drops
// only this tier's reference; readers already holding a tile keep it.
type Cache struct {
	lru *lru.Cache[string, *model.Tile]
}

func New(capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c, err := lru.New[string, *model.Tile](capacity)
	if err != nil {
		return nil, fmt.Errorf("hot tier: %w", err)
	}
	return &Cache{lru: c}, nil
}

// Get promotes key to most recently used on hit.
func (c *Cache) Get(key string) (*model.Tile, bool) {
	return c.lru.Get(key)
}

// Set inserts or replaces, evicting the least recently used entry when
// the tier is full.
func (c *Cache) Set(key string, t *model.Tile) {
	if c.lru.Add(key, t) {
		observability.IncHotEviction()
	}
}

func (c *Cache) Remove(key string) bool {
	return c.lru.Remove(key)
}

func (c *Cache) Len() int {
	return c.lru.Len()
}

func (c *Cache) Purge() {
	c.lru.Purge()
}
