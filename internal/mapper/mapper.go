// Package mapper converts geographic extents into the tiles covering them.
package mapper

import (
	"github.com/mohammed-shakir/xyz-tile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/core/model"
)

// Interface lists every tile whose footprint intersects bb at each zoom
// in [minZoom, maxZoom]. Returned refs carry no version; the caller
// stamps the dataset version it is operating on.
type Interface interface {
	CoveringTiles(bb model.BBox, minZoom, maxZoom int) ([]keys.TileRef, error)
}
