package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mohammed-shakir/xyz-tile-cache/internal/cache/hot"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/cacher"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/core/config"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/core/health"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/core/httpclient"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/core/observability"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/core/server"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/engine"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/hitevents"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/hotness/expdecay"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/hotness/metricswrap"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/loader"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/logger"
	"github.com/mohammed-shakir/xyz-tile-cache/internal/metrics"
	xyzmapper "github.com/mohammed-shakir/xyz-tile-cache/internal/mapper/xyz"
	invkafka "github.com/mohammed-shakir/xyz-tile-cache/pkg/invalidation/kafka"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func run() int {
	addrFlag := flag.String("addr", "", "listen address (overrides ADDR)")
	flag.Parse()

	cfg := config.FromEnv()
	if *addrFlag != "" {
		cfg.Addr = strings.TrimSpace(*addrFlag)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		SampleN:   envInt("LOG_SAMPLE_N", 0),
		Component: "tileserver",
	}, os.Stdout)

	appLog := logger.NewSlog(&zl)

	observability.ExposeBuildInfo(Version)
	appLog.Info("starting tileserver",
		"addr", cfg.Addr,
		"version", Version,
		"origin", cfg.OriginURL,
		"versions", cfg.Versions)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// lower tier; the service degrades to origin-only when redis is away
	var redis *redisstore.Client
	if cfg.RedisAddr != "" {
		rc, err := redisstore.New(ctx, cfg.RedisAddr)
		if err != nil {
			appLog.Warn("redis unavailable, serving without lower tier", "addr", cfg.RedisAddr, "err", err)
		} else {
			redis = rc
			defer func() {
				if err := redis.Close(); err != nil {
					appLog.Warn("redis close", "err", err)
				}
			}()
		}
	}

	upstream := httpclient.New(httpclient.Config{
		Workers:         cfg.UpstreamWorkers,
		ConnectTimeout:  cfg.UpstreamConnectTimeout,
		ConnectAttempts: cfg.UpstreamConnectRetries,
		RequestTimeout:  cfg.UpstreamRequestTimeout,
	}, zl)
	defer upstream.Shutdown()

	origin := loader.NewHTTP(upstream, cfg.OriginURL, cfg.Versions, zl)
	backend := loader.NewReadThrough(redis, origin, cfg.TTLForZoom, cfg.CacheOpTimeout, zl)

	hotTier, err := hot.New(cfg.HotCapacity)
	if err != nil {
		appLog.Error("hot tier init failed", "err", err)
		return 1
	}
	c := cacher.New(hotTier, backend, zl)

	tracker := metricswrap.New(expdecay.New(cfg.HotHalfLife), "tiles", cfg.HotThreshold, zl)

	var hits *hitevents.Publisher
	if cfg.HitEvents.Enabled {
		p, err := hitevents.NewPublisher(splitBrokers(cfg.HitEvents.Brokers), cfg.HitEvents.Topic, cfg.HitEvents.Queue, zl)
		if err != nil {
			appLog.Warn("hit events disabled", "err", err)
		} else {
			hits = p
			defer func() {
				if err := hits.Close(); err != nil {
					appLog.Warn("hit events close", "err", err)
				}
			}()
		}
	}

	var deleter engine.Deleter
	if redis != nil {
		deleter = redis
	}
	eng := engine.New(c, origin,
		engine.Config{
			TTLForZoom:   cfg.TTLForZoom,
			HotThreshold: cfg.HotThreshold,
			OpTimeout:    cfg.CacheOpTimeout,
		},
		engine.Options{Hotness: tracker, Hits: hits, Deleter: deleter},
		zl)

	var ready health.ReadinessReporter = health.Always{}
	invCfg := invkafka.FromEnv()
	if invCfg.Enabled && invCfg.Driver == invkafka.DriverKafka {
		runner := invkafka.New(invCfg, eng, xyzmapper.New(cfg.InvalidationMaxTiles), invkafka.Options{Logger: appLog})
		if err := runner.Start(ctx); err != nil {
			appLog.Error("invalidation runner start failed", "err", err)
			return 1
		}
		defer runner.Stop()
		ready = runner
	}

	if os.Getenv("METRICS_ENABLED") == "true" {
		runMetricsListener(ctx)
	}

	if err := server.Run(ctx, cfg, appLog, eng, ready); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

// runMetricsListener serves a dedicated registry (go/process collectors
// and build info) on its own port, next to the app metrics the main
// router exposes on /metrics.
func runMetricsListener(ctx context.Context) {
	addr := os.Getenv("METRICS_ADDR")
	if addr == "" {
		addr = ":9090"
	}
	path := os.Getenv("METRICS_PATH")
	if path == "" {
		path = "/metrics"
	}

	p := metrics.Init(metrics.Config{
		Enabled: true,
		Addr:    addr,
		Path:    path,
		Build: metrics.BuildInfo{
			Version:   os.Getenv("BUILD_VERSION"),
			Revision:  os.Getenv("BUILD_REVISION"),
			Branch:    os.Getenv("BUILD_BRANCH"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
	})

	mux := http.NewServeMux()
	mux.Handle(path, p.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("metrics: listening on %s%s", addr, path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server exited: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("metrics: shutdown error: %v", err)
		}
	}()
}

func splitBrokers(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}
