// Package xyzmapper maps WGS84 extents onto the XYZ (slippy) tile
// pyramid: Web Mercator projection, tile y growing southward.
package xyzmapper

import (
	"fmt"
	"math"

	"github.com/mohammed-shakir/xyz-tile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/mapper"
)

var _ mapper.Interface = (*Mapper)(nil)

// Web Mercator cuts off at this latitude; anything beyond clamps to it.
const maxLat = 85.05112878

const DefaultBudget = 4096

type Mapper struct {
	// budget caps the total tiles one CoveringTiles call may return, so
	// a continent-sized bbox at deep zoom cannot fan out into millions
	// of keys.
	budget int
}

func New(budget int) *Mapper {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Mapper{budget: budget}
}

// TileAt returns the x/y address of the tile containing (lon, lat) at
// zoom z. Coordinates outside the projection's range clamp to its edge.
func TileAt(lon, lat float64, z int) (x, y int) {
	n := float64(int(1) << z)

	lon = clamp(lon, -180, 180)
	lat = clamp(lat, -maxLat, maxLat)

	xf := (lon + 180) / 360 * n
	latR := lat * math.Pi / 180
	yf := (1 - math.Log(math.Tan(latR)+1/math.Cos(latR))/math.Pi) / 2 * n

	x = clampInt(int(math.Floor(xf)), 0, int(n)-1)
	y = clampInt(int(math.Floor(yf)), 0, int(n)-1)
	return x, y
}

func (m *Mapper) CoveringTiles(bb model.BBox, minZoom, maxZoom int) ([]keys.TileRef, error) {
	if !bb.Valid() {
		return nil, fmt.Errorf("invalid bbox %s", bb)
	}
	if minZoom < 0 || maxZoom > keys.MaxZoom || minZoom > maxZoom {
		return nil, fmt.Errorf("invalid zoom range %d..%d", minZoom, maxZoom)
	}

	var out []keys.TileRef
	for z := minZoom; z <= maxZoom; z++ {
		x1, y1 := TileAt(bb.West, bb.North, z) // north edge is the smaller y
		x2, y2 := TileAt(bb.East, bb.South, z)

		count := (x2 - x1 + 1) * (y2 - y1 + 1)
		if len(out)+count > m.budget {
			return nil, fmt.Errorf("bbox %s covers more than %d tiles at zoom %d", bb, m.budget, z)
		}
		for x := x1; x <= x2; x++ {
			for y := y1; y <= y2; y++ {
				out = append(out, keys.TileRef{Z: z, X: x, Y: y})
			}
		}
	}
	return out, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
