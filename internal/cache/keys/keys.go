// Package keys builds and parses the canonical cache key text for tiles.
package keys

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	prefix  = "tile"
	MaxZoom = 22
)

// TileRef identifies one tile: dataset version plus XYZ address.
type TileRef struct {
	Version string
	Z, X, Y int
}

// Key returns the canonical cache key, "tile:{version}:{z}:{x}:{y}".
// The rest of the system treats the key as opaque text; only this
// package knows the layout.
func (r TileRef) Key() string {
	return fmt.Sprintf("%s:%s:%d:%d:%d", prefix, sanitizeVersion(r.Version), r.Z, r.X, r.Y)
}

func (r TileRef) String() string { return r.Key() }

func (r TileRef) Validate() error {
	if strings.TrimSpace(r.Version) == "" {
		return fmt.Errorf("empty version")
	}
	if r.Z < 0 || r.Z > MaxZoom {
		return fmt.Errorf("zoom %d out of range 0..%d", r.Z, MaxZoom)
	}
	max := 1 << r.Z
	if r.X < 0 || r.X >= max {
		return fmt.Errorf("x %d out of range 0..%d at zoom %d", r.X, max-1, r.Z)
	}
	if r.Y < 0 || r.Y >= max {
		return fmt.Errorf("y %d out of range 0..%d at zoom %d", r.Y, max-1, r.Z)
	}
	return nil
}

// Parse inverts Key. Keys are produced by Key, so the version segment is
// already sanitized and cannot contain ':'.
func Parse(key string) (TileRef, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 5 || parts[0] != prefix {
		return TileRef{}, fmt.Errorf("malformed tile key %q", key)
	}
	z, err := strconv.Atoi(parts[2])
	if err != nil {
		return TileRef{}, fmt.Errorf("tile key %q: bad zoom: %w", key, err)
	}
	x, err := strconv.Atoi(parts[3])
	if err != nil {
		return TileRef{}, fmt.Errorf("tile key %q: bad x: %w", key, err)
	}
	y, err := strconv.Atoi(parts[4])
	if err != nil {
		return TileRef{}, fmt.Errorf("tile key %q: bad y: %w", key, err)
	}
	r := TileRef{Version: parts[1], Z: z, X: x, Y: y}
	if err := r.Validate(); err != nil {
		return TileRef{}, fmt.Errorf("tile key %q: %w", key, err)
	}
	return r, nil
}

// Hashed returns a short stable digest of key, used where full key text
// would blow up label cardinality.
func Hashed(key string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(key))
}

func sanitizeVersion(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '.':
			out = r
		default:
			// ':' is the key separator, so it collapses like any other rune
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}
