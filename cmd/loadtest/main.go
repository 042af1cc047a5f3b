package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"telemetry-pipeline/internal/client"
	"telemetry-pipeline/internal/model"
)

type Config struct {
	Endpoint           string
	APIKey             string
	APISecret          string
	Total              int
	Rate               int
	Concurrency        int
	BatchSize          int
	DuplicationPercent int
}

func parseFlags() *Config {
	c := &Config{}
	pflag.StringVar(&c.Endpoint, "endpoint", os.Getenv("COLLECTOR_URL"), "collector base URL (required)")
	pflag.StringVar(&c.APIKey, "api-key", os.Getenv("API_KEY"), "api key")
	pflag.StringVar(&c.APISecret, "api-secret", os.Getenv("API_SECRET"), "api secret")
	pflag.IntVar(&c.Total, "total", 10000, "total batches")
	pflag.IntVar(&c.Rate, "rate", 200, "batches per second")
	pflag.IntVar(&c.Concurrency, "concurrency", 0, "worker count (0=auto)")
	pflag.IntVar(&c.BatchSize, "batch-size", 20, "messages per batch")
	pflag.IntVar(&c.DuplicationPercent, "duplication-percent", 0, "share of batches resent unchanged, as after a 5xx")
	pflag.Parse()

	if c.Endpoint == "" {
		fmt.Fprintln(os.Stderr, "Error: --endpoint is required")
		pflag.Usage()
		os.Exit(1)
	}

	if c.Concurrency == 0 {
		c.Concurrency = c.Rate / 20
		if c.Concurrency < 10 {
			c.Concurrency = 10
		}
	}

	if c.DuplicationPercent > 100 {
		c.DuplicationPercent = 100
	} else if c.DuplicationPercent < 0 {
		c.DuplicationPercent = 0
	}

	return c
}

type Stats struct {
	ok       uint64
	retained uint64
	errors   uint64
	latency  int64 // microseconds
}

func (s *Stats) AddOK(duration time.Duration) {
	atomic.AddUint64(&s.ok, 1)
	atomic.AddInt64(&s.latency, duration.Microseconds())
}

func (s *Stats) AddRetained() {
	atomic.AddUint64(&s.retained, 1)
}

func (s *Stats) AddError() {
	atomic.AddUint64(&s.errors, 1)
}

func (s *Stats) StartLogger(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var lastOK, lastErr uint64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok := atomic.LoadUint64(&s.ok)
			errs := atomic.LoadUint64(&s.errors)
			latTotal := atomic.LoadInt64(&s.latency)

			curOK := ok - lastOK
			curErr := errs - lastErr
			lastOK, lastErr = ok, errs

			avgLat := 0.0
			if ok > 0 {
				avgLat = float64(latTotal) / float64(ok) / 1000.0
			}

			log.Printf("[STATS] 1s -> OK: %d | ERR: %d | AvgLat: %.2fms | Total OK: %d | Retained: %d",
				curOK, curErr, avgLat, ok, atomic.LoadUint64(&s.retained))
		}
	}
}

// PayloadPool remembers recent payloads so they can be resent verbatim.
type PayloadPool struct {
	mu  sync.RWMutex
	buf [][]byte
	max int
}

func NewPayloadPool(max int) *PayloadPool {
	return &PayloadPool{buf: make([][]byte, 0, max), max: max}
}

func (p *PayloadPool) Add(payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) >= p.max {
		p.buf = p.buf[1:]
	}
	p.buf = append(p.buf, payload)
}

func (p *PayloadPool) GetRandom(rng *rand.Rand) ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.buf) == 0 {
		return nil, false
	}
	return p.buf[rng.Intn(len(p.buf))], true
}

func main() {
	cfg := parseFlags()
	stats := &Stats{}
	pool := NewPayloadPool(1000)

	apiClient, err := client.New(client.Options{
		BaseURL:   cfg.Endpoint,
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		Timeout:   10 * time.Second,
	})
	if err != nil {
		log.Fatalf("build client: %v", err)
	}

	log.Printf("Starting Load Test: Target=%s Rate=%d/s Total=%d Workers=%d BatchSize=%d",
		cfg.Endpoint, cfg.Rate, cfg.Total, cfg.Concurrency, cfg.BatchSize)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go stats.StartLogger(ctx)

	jobs := make(chan struct{}, cfg.Rate*2)
	var wg sync.WaitGroup
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go startWorker(ctx, apiClient, cfg, jobs, stats, pool, rand.New(rand.NewSource(rng.Int63())), &wg)
	}

	remaining := cfg.Total
	for remaining > 0 {
		start := time.Now()
		batch := cfg.Rate
		if remaining < batch {
			batch = remaining
		}

		for i := 0; i < batch; i++ {
			jobs <- struct{}{}
		}
		remaining -= batch

		elapsed := time.Since(start)
		if elapsed < time.Second {
			time.Sleep(time.Second - elapsed)
		}
	}

	close(jobs)
	wg.Wait()

	log.Printf("DONE. Total OK: %d | Retained: %d | Errors: %d",
		atomic.LoadUint64(&stats.ok), atomic.LoadUint64(&stats.retained), atomic.LoadUint64(&stats.errors))
}

func startWorker(ctx context.Context, c client.Client, cfg *Config, jobs <-chan struct{}, stats *Stats, pool *PayloadPool, rng *rand.Rand, wg *sync.WaitGroup) {
	defer wg.Done()

	for range jobs {
		payload, err := pickPayload(rng, pool, cfg)
		if err != nil {
			log.Printf("[ERROR] build batch: %v", err)
			stats.AddError()
			continue
		}

		start := time.Now()
		resp, err := c.SendBatch(ctx, payload)
		switch {
		case err != nil:
			stats.AddError()
		case client.Classify(resp.StatusCode) == client.Retain:
			stats.AddRetained()
		case resp.Success():
			stats.AddOK(time.Since(start))
		default:
			stats.AddError()
		}
	}
}

func pickPayload(rng *rand.Rand, pool *PayloadPool, cfg *Config) ([]byte, error) {
	if cfg.DuplicationPercent > 0 && rng.Intn(100) < cfg.DuplicationPercent {
		if payload, ok := pool.GetRandom(rng); ok {
			return payload, nil
		}
	}
	payload, err := generateBatch(rng, cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	pool.Add(payload)
	return payload, nil
}

var (
	eventNames = []string{"product_view", "add_to_cart", "checkout_start", "purchase"}
	eventTypes = []string{"navigation", "transaction", "user_preference", "other"}
	screens    = []string{"Home", "Catalog", "Cart", "Checkout"}
)

func generateBatch(rng *rand.Rand, size int) ([]byte, error) {
	sessionID := uuid.NewString()
	start := time.Now().Add(-time.Duration(rng.Intn(60)) * time.Second).UnixMilli()

	msgs := make([]model.Message, 0, size)
	for i := 0; i < size; i++ {
		var b *model.Builder
		if i == 0 {
			b = model.NewBuilder(model.TypeSessionStart, sessionID, nil).
				SessionStartTime(start).
				Timestamp(start)
		} else {
			b = model.NewBuilder(model.TypeEvent, sessionID, nil).
				SessionStartTime(start).
				Timestamp(start+int64(i)*100).
				Name(eventNames[rng.Intn(len(eventNames))]).
				Put(model.KeyEventType, eventTypes[rng.Intn(len(eventTypes))]).
				Put(model.KeyCurrentActivity, screens[rng.Intn(len(screens))]).
				Put(model.KeyEventCounter, i-1).
				Attributes(map[string]any{"price": float64(rng.Intn(10000)) / 100})
		}
		msg, err := b.Build()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}

	return json.Marshal(model.Batch{
		Type:       model.BatchType,
		ID:         uuid.NewString(),
		CreatedAt:  time.Now().UnixMilli(),
		SDKVersion: model.SDKVersion,
		Messages:   msgs,
	})
}
