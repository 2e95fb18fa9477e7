package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	tileResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_results_total",
			Help: "Tile request results by outcome and serving tier.",
		},
		[]string{"outcome", "source"},
	)

	coalescedWaitersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_coalesced_waiters_total",
			Help: "Gets that joined an existing fetch or producer lock instead of fetching.",
		},
		[]string{"barrier"},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tile_fetch_duration_seconds",
			Help:    "Backend fetch round trip, dispatch to callback, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"outcome"},
	)

	hotEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tile_hot_evictions_total",
			Help: "Entries evicted from the in-memory hot tier.",
		},
	)

	cacheOpDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_op_duration_seconds",
			Help:    "Latency of lower tier cache operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~2s
		},
		[]string{"op", "status"},
	)

	upstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Upstream HTTP requests by terminal result.",
		},
		[]string{"result"},
	)

	upstreamLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"result"},
	)

	upstreamConnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_connect_attempts_total",
			Help: "TCP connect attempts to the upstream by outcome.",
		},
		[]string{"outcome"},
	)

	upstreamWorkersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "upstream_workers_busy",
			Help: "Workers currently driving an in-flight request.",
		},
	)

	upstreamPendingDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "upstream_pending_depth",
			Help: "Requests queued because every worker is busy.",
		},
	)

	hotKeysGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tile_hot_keys",
			Help: "Keys currently tracked by the hotness model.",
		},
		[]string{"tier"},
	)

	invalidatedTilesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tile_invalidated_total",
			Help: "Tiles removed from the cache tiers by invalidation events.",
		},
	)

	invalidationLagSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tile_invalidation_lag_seconds",
			Help: "Approximate lag between event production and processing.",
		},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

// IncTileResult counts one served tile request. outcome is
// hit|miss|absent|error, source is the tier that settled it.
func IncTileResult(outcome, source string) {
	tileResultsTotal.WithLabelValues(outcome, source).Inc()
}

// IncCoalescedWaiter counts a get that parked behind an in-flight fetch
// ("fetch") or a producer lock ("lock").
func IncCoalescedWaiter(barrier string) {
	coalescedWaitersTotal.WithLabelValues(barrier).Inc()
}

func ObserveFetch(outcome string, durationSeconds float64) {
	fetchDurationSeconds.WithLabelValues(outcome).Observe(durationSeconds)
}

func IncHotEviction() {
	hotEvictionsTotal.Inc()
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	cacheOpDurationSeconds.WithLabelValues(op, status).Observe(durationSeconds)
}

// ObserveUpstream records one settled upstream request. result is "ok"
// or the error kind label.
func ObserveUpstream(result string, durationSeconds float64) {
	upstreamRequestsTotal.WithLabelValues(result).Inc()
	upstreamLatencySeconds.WithLabelValues(result).Observe(durationSeconds)
}

func IncConnectAttempt(ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "fail"
	}
	upstreamConnectAttemptsTotal.WithLabelValues(outcome).Inc()
}

func SetWorkersBusy(n int) {
	upstreamWorkersBusy.Set(float64(n))
}

func SetPendingDepth(n int) {
	upstreamPendingDepth.Set(float64(n))
}

func SetHotKeysGauge(tier string, n int) {
	hotKeysGauge.WithLabelValues(tier).Set(float64(n))
}

func AddInvalidatedTiles(n int) {
	if n > 0 {
		invalidatedTilesTotal.Add(float64(n))
	}
}

func SetInvalidationLagSeconds(s float64) {
	invalidationLagSeconds.Set(s)
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
