// loadgen drives a running tileserver: by default it fires a storm of
// tile reads and prints an outcome histogram; with -smoke it probes the
// backing services (redis, origin, kafka) one by one.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func getenv(key, def string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return def
}

func testRedis(ctx context.Context, addr string) error {
	fmt.Println("Redis test")
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 2 * time.Second,
	})
	defer func() { _ = client.Close() }()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	if err := client.Set(ctx, "loadgen:probe", "ok", 30*time.Second).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	val, err := client.Get(ctx, "loadgen:probe").Result()
	if err != nil {
		return fmt.Errorf("redis get: %w", err)
	}
	fmt.Println("redis GET loadgen:probe:", val)
	return nil
}

func testOrigin(baseURL, version string) error {
	fmt.Println("Origin test")
	u := fmt.Sprintf("%s/%s/0/0/0", strings.TrimRight(baseURL, "/"), version)
	resp, err := http.Get(u)
	if err != nil {
		return fmt.Errorf("http get origin: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	n, _ := io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	fmt.Printf("origin %s: status %d, %d bytes\n", u, resp.StatusCode, n)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("origin status %d", resp.StatusCode)
	}
	return nil
}

func testKafka(brokers []string, topic, version string) error {
	fmt.Println("Kafka test")

	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Version = sarama.V2_5_0_0
	prod, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return fmt.Errorf("producer create: %w", err)
	}
	defer func() { _ = prod.Close() }()

	payload := map[string]any{
		"id":      fmt.Sprintf("loadgen-%d", time.Now().UnixNano()),
		"version": version,
		"keys":    []string{fmt.Sprintf("tile:%s:8:140:75", version)},
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
	}
	msgBytes, _ := json.Marshal(payload)
	_, _, err = prod.SendMessage(&sarama.ProducerMessage{
		Topic: topic, Value: sarama.ByteEncoder(msgBytes),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	fmt.Println("produced one invalidation event")

	consumer, err := sarama.NewConsumer(brokers, cfg)
	if err != nil {
		return fmt.Errorf("consumer create: %w", err)
	}
	defer func() { _ = consumer.Close() }()

	pc, err := consumer.ConsumePartition(topic, 0, sarama.OffsetNewest)
	if err != nil {
		pc, err = consumer.ConsumePartition(topic, 0, sarama.OffsetOldest)
		if err != nil {
			return fmt.Errorf("consume partition: %w", err)
		}
	}
	defer func() { _ = pc.Close() }()

	select {
	case m := <-pc.Messages():
		fmt.Println("consumed:", string(m.Value))
	case <-time.After(5 * time.Second):
		fmt.Println("no message consumed (timeout)")
	}
	return nil
}

type storm struct {
	base     string
	version  string
	requests int
	workers  int
	zoom     int
	spread   int

	mu       sync.Mutex
	outcomes map[string]int
	lat      []time.Duration
}

func (s *storm) record(outcome string, d time.Duration) {
	s.mu.Lock()
	s.outcomes[outcome]++
	s.lat = append(s.lat, d)
	s.mu.Unlock()
}

func (s *storm) run(ctx context.Context) error {
	client := &http.Client{Timeout: 60 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	// a small tile set so many requests land on the same keys and the
	// server's coalescing actually gets exercised
	for i := 0; i < s.requests; i++ {
		g.Go(func() error {
			x := rand.Intn(s.spread)
			y := rand.Intn(s.spread)
			u := fmt.Sprintf("%s/tiles/%s/%d/%d/%d", s.base, s.version, s.zoom, x, y)

			start := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				s.record("transport_error", time.Since(start))
				return nil
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			s.record(fmt.Sprintf("http_%d", resp.StatusCode), time.Since(start))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.report()
	return nil
}

func (s *storm) report() {
	fmt.Printf("\n%d requests, %d workers\n", s.requests, s.workers)

	keys := make([]string, 0, len(s.outcomes))
	for k := range s.outcomes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-18s %d\n", k, s.outcomes[k])
	}

	if len(s.lat) == 0 {
		return
	}
	sort.Slice(s.lat, func(i, j int) bool { return s.lat[i] < s.lat[j] })
	pct := func(p float64) time.Duration {
		i := int(p * float64(len(s.lat)-1))
		return s.lat[i]
	}
	fmt.Printf("  p50=%v p90=%v p99=%v max=%v\n", pct(0.50), pct(0.90), pct(0.99), s.lat[len(s.lat)-1])
}

func main() {
	smoke := flag.Bool("smoke", false, "probe redis, origin and kafka instead of load testing")
	requests := flag.Int("n", 2000, "total requests")
	workers := flag.Int("c", 32, "concurrent workers")
	zoom := flag.Int("z", 8, "zoom level to request")
	spread := flag.Int("spread", 16, "tile coordinate spread (x and y in [0,spread))")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	version := getenv("TILE_VERSION", "v1")

	if *smoke {
		ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
		defer cancel()

		if err := testRedis(ctx, getenv("REDIS_ADDR", "localhost:6379")); err != nil {
			fmt.Println("Redis error:", err)
			return
		}
		if err := testOrigin(getenv("ORIGIN_URL", "http://localhost:8081/tiles"), version); err != nil {
			fmt.Println("Origin error:", err)
			return
		}
		brokers := strings.Split(getenv("KAFKA_BROKERS", "localhost:9092"), ",")
		if err := testKafka(brokers, getenv("KAFKA_TOPIC", "tile-invalidation"), version); err != nil {
			fmt.Println("Kafka error:", err)
			return
		}
		fmt.Println("All probes completed")
		return
	}

	s := &storm{
		base:     strings.TrimRight(getenv("TILESERVER_URL", "http://localhost:8090"), "/"),
		version:  version,
		requests: *requests,
		workers:  *workers,
		zoom:     *zoom,
		spread:   *spread,
		outcomes: map[string]int{},
	}
	if err := s.run(ctx); err != nil {
		fmt.Println("load error:", err)
	}
}
