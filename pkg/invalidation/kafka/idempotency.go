package kafka

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// eventDedupe remembers which (key, event id) pairs were already
// applied so redelivered messages do not invalidate twice.
type eventDedupe struct {
	mu  sync.Mutex
	lru *lru.Cache[string, struct{}]
}

func newEventDedupe(size int) *eventDedupe {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, struct{}](size)
	return &eventDedupe{lru: c}
}

// returns true the first time this key/event pair is seen
func (d *eventDedupe) shouldApply(key, eventID string) bool {
	pair := key + "|" + eventID
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.lru.Get(pair); ok {
		return false
	}
	d.lru.Add(pair, struct{}{})
	return true
}
