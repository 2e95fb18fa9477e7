// Package metricswrap decorates a hotness tracker with Prometheus
// metrics and threshold logging.
package metricswrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	xx "github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/xyz-tile-cache/internal/core/observability"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/hotness"
)

type Sizer interface{ Size() int }

type WithMetrics struct {
	inner     hotness.Interface
	tier      string
	threshold float64
	log       zerolog.Logger
}

var logHotSample = getenvFloat("LOG_HOTNESS_SAMPLE", 0.01)

func getenvFloat(k string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func New(inner hotness.Interface, tier string, threshold float64, log zerolog.Logger) *WithMetrics {
	if tier == "" {
		tier = "tiles"
	}
	return &WithMetrics{
		inner:     inner,
		tier:      tier,
		threshold: threshold,
		log:       log.With().Str("component", "hotness").Logger(),
	}
}

func (w *WithMetrics) Inc(key string) {
	w.inner.Inc(key)
	if w.threshold > 0 {
		score := w.inner.Score(key)
		if score >= w.threshold && shouldLog(logHotSample, key) {
			h := xx.Sum64String(key)
			w.log.Info().
				Str("event", "hotness_threshold").
				Float64("score", score).
				Str("tier", w.tier).
				Str("key_hash", fmt.Sprintf("%08x", h)).
				Msg("hot tile above threshold")
		}
	}

	if s, ok := w.inner.(Sizer); ok {
		observability.SetHotKeysGauge(w.tier, s.Size())
	}
}

func (w *WithMetrics) Score(key string) float64 {
	return w.inner.Score(key)
}

func (w *WithMetrics) Reset(keys ...string) {
	w.inner.Reset(keys...)
	if s, ok := w.inner.(Sizer); ok {
		observability.SetHotKeysGauge(w.tier, s.Size())
	}
}

func shouldLog(sample float64, key string) bool {
	if sample <= 0 {
		return false
	}
	if sample >= 1 {
		return true
	}
	const denom = 10000 // 0.01 => 100/10000
	threshold := uint64(sample*denom + 0.5)
	if threshold == 0 {
		return false
	}
	h := xx.Sum64String(key)
	return (h % denom) < threshold
}
