// Package invalidation defines the tile invalidation event contract
// shared by the Kafka runner and any future transport.
package invalidation

import (
	"fmt"
	"strings"
	"time"

	"github.com/mohammed-shakir/xyz-tile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/core/model"
)

// Event describes one invalidation request. Producers address tiles
// either explicitly (Keys) or spatially (BBox plus a zoom range).
type Event struct {
	ID      string      `json:"id"`
	Version string      `json:"version"`
	Op      string      `json:"op,omitempty"`
	TS      time.Time   `json:"ts"`
	Keys    []string    `json:"keys,omitempty"`
	BBox    *model.BBox `json:"bbox,omitempty"`
	MinZoom int         `json:"min_zoom,omitempty"`
	MaxZoom int         `json:"max_zoom,omitempty"`
	Source  string      `json:"source,omitempty"`
}

func (e Event) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(e.Version) == "" {
		return fmt.Errorf("version is required")
	}
	switch e.Op {
	case "", "invalidate", "refresh":
	default:
		return fmt.Errorf("op must be invalidate|refresh")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}

	hasKeys := len(e.Keys) > 0
	hasBBox := e.BBox != nil
	if hasKeys == hasBBox {
		return fmt.Errorf("exactly one of keys or bbox is required")
	}
	if hasKeys {
		for _, k := range e.Keys {
			if _, err := keys.Parse(k); err != nil {
				return fmt.Errorf("keys[%q]: %w", k, err)
			}
		}
		return nil
	}

	if !e.BBox.Valid() {
		return fmt.Errorf("bbox out of range or inverted")
	}
	if e.MinZoom < 0 || e.MaxZoom > keys.MaxZoom || e.MinZoom > e.MaxZoom {
		return fmt.Errorf("zoom range must satisfy 0 <= min <= max <= %d", keys.MaxZoom)
	}
	return nil
}
