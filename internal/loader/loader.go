// Package loader fetches tiles from their backing stores: an HTTP
// origin, and the Redis read-through tier that fronts it.
package loader

import (
	"context"

	"github.com/mohammed-shakir/xyz-tile-cache/internal/cacher"
)

// Loader answers cold-key fetches. Load reports through sink exactly
// once; a nil tile means the store has no tile for the key.
type Loader interface {
	Load(ctx context.Context, key string, sink cacher.RetrieveSink)
	// HasVersion reports whether this loader can serve the dataset
	// version. Advisory, used by routing before any fetch is attempted.
	HasVersion(version string) bool
}
