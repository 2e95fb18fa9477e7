// Package model defines core domain types shared across the service.
package model

import (
	"fmt"
	"time"
)

// Tile is the immutable cached payload for one key. Once published it is
// shared by every reader; eviction from a cache tier drops only that
// tier's reference.
type Tile struct {
	Data        []byte    `json:"data"`
	ContentType string    `json:"content_type"`
	Version     string    `json:"version"`
	FetchedAt   time.Time `json:"fetched_at"`
}

func (t *Tile) Size() int {
	if t == nil {
		return 0
	}
	return len(t.Data)
}

// BBox is a lon/lat bounding box, WGS84, west/south/east/north.
type BBox struct {
	West, South float64
	East, North float64
}

func (b BBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.West, b.South, b.East, b.North)
}

func (b BBox) Valid() bool {
	return b.West <= b.East && b.South <= b.North &&
		b.West >= -180 && b.East <= 180 &&
		b.South >= -90 && b.North <= 90
}
