// Package hotness tracks per-key request heat so hot tiles can have
// their lower tier TTL refreshed before it lapses.
package hotness

type Interface interface {
	Inc(key string)
	Score(key string) float64
	Reset(keys ...string)
}
