package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/xyz-tile-cache/internal/cache/keys"
)

type InvalidationCfg struct {
	Enabled bool
	Driver  string
	Topic   string
	Brokers string
	GroupID string
}

type HitEventsCfg struct {
	Enabled bool
	Topic   string
	Brokers string
	Queue   int
}

// ZoomTTL is one TTL band: tiles with MinZoom <= z <= MaxZoom use TTL.
type ZoomTTL struct {
	MinZoom int
	MaxZoom int
	TTL     time.Duration
}

type Config struct {
	Addr     string
	LogLevel string

	OriginURL string
	Versions  []string

	RedisAddr      string
	HotCapacity    int
	CacheOpTimeout time.Duration
	TTLDefault     time.Duration
	TTLByZoom      []ZoomTTL

	UpstreamWorkers        int
	UpstreamConnectTimeout time.Duration
	UpstreamConnectRetries int
	UpstreamRequestTimeout time.Duration

	HotThreshold float64
	HotHalfLife  time.Duration

	InvalidationMaxTiles int

	Invalidation InvalidationCfg
	HitEvents    HitEventsCfg
}

// TTLForZoom returns the TTL band covering z, or the default TTL when no
// band matches. Bands are checked in declaration order, first match wins.
func (c Config) TTLForZoom(z int) time.Duration {
	for _, b := range c.TTLByZoom {
		if z >= b.MinZoom && z <= b.MaxZoom {
			return b.TTL
		}
	}
	return c.TTLDefault
}

func FromEnv() Config {
	ttlDefault := getduration("TILE_TTL_DEFAULT", 6*time.Hour)

	return Config{
		Addr:     getenv("ADDR", ":8090"),
		LogLevel: getenv("LOG_LEVEL", "info"),

		OriginURL: getenv("ORIGIN_URL", "http://localhost:8081/tiles"),
		Versions:  splitList(getenv("TILE_VERSIONS", "v1")),

		RedisAddr:      getenv("REDIS_ADDR", "localhost:6379"),
		HotCapacity:    getint("HOT_CAPACITY", 4096),
		CacheOpTimeout: getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
		TTLDefault:     ttlDefault,
		TTLByZoom:      parseZoomTTLs(getenv("TILE_TTL_BY_ZOOM", "")),

		UpstreamWorkers:        getint("UPSTREAM_WORKERS", 4),
		UpstreamConnectTimeout: getduration("UPSTREAM_CONNECT_TIMEOUT", 3*time.Second),
		UpstreamConnectRetries: getint("UPSTREAM_CONNECT_RETRIES", 3),
		UpstreamRequestTimeout: getduration("UPSTREAM_REQUEST_TIMEOUT", 50*time.Second),

		HotThreshold: getfloat("HOT_THRESHOLD", 8.0),
		HotHalfLife:  getduration("HOT_HALF_LIFE", 10*time.Minute),

		InvalidationMaxTiles: getint("INVALIDATION_MAX_TILES", 4096),

		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Driver:  getenv("INVALIDATION_DRIVER", "none"),
			Topic:   getenv("KAFKA_TOPIC", "tile-invalidation"),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			GroupID: getenv("KAFKA_GROUP_ID", "tile-invalidator"),
		},
		HitEvents: HitEventsCfg{
			Enabled: getbool("HIT_EVENTS_ENABLED", false),
			Topic:   getenv("HIT_EVENTS_TOPIC", "tile-hits"),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			Queue:   getint("HIT_EVENTS_QUEUE", 1024),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}

// parse "0-5:24h,6-12:6h,13:1h" into TTL bands; malformed entries are
// skipped
func parseZoomTTLs(s string) []ZoomTTL {
	var out []ZoomTTL
	s = strings.TrimSpace(s)
	if s == "" {
		return out
	}
	for p := range strings.SplitSeq(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, ":", 2)
		if len(kv) != 2 {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(kv[1]))
		if err != nil || d <= 0 {
			continue
		}
		zr := strings.TrimSpace(kv[0])
		var lo, hi int
		if a, b, found := strings.Cut(zr, "-"); found {
			var err1, err2 error
			lo, err1 = strconv.Atoi(strings.TrimSpace(a))
			hi, err2 = strconv.Atoi(strings.TrimSpace(b))
			if err1 != nil || err2 != nil {
				continue
			}
		} else {
			n, err := strconv.Atoi(zr)
			if err != nil {
				continue
			}
			lo, hi = n, n
		}
		if lo < 0 || hi > keys.MaxZoom || lo > hi {
			continue
		}
		out = append(out, ZoomTTL{MinZoom: lo, MaxZoom: hi, TTL: d})
	}
	return out
}
