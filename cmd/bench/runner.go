package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/poyrazK/quotagate/internal/adapters/api"
)

type benchConfig struct {
	Target      string
	Keys        []string
	Concurrency int
	Count       int
	ZipfS       float64
	ZipfV       float64
	Timeout     time.Duration
}

type Stats struct {
	Total       uint64
	Success     uint64
	RateLimited uint64
	Rejected    uint64
	Errors      uint64
	Duration    time.Duration

	mu        sync.Mutex
	latencies []time.Duration
	perKey    map[string]uint64
}

func (s *Stats) observe(key string, d time.Duration) {
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.perKey[key]++
	s.mu.Unlock()
}

// runBenchmark splits cfg.Count requests across cfg.Concurrency workers.
func runBenchmark(ctx context.Context, cfg benchConfig) *Stats {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	stats := &Stats{perKey: make(map[string]uint64)}
	client := &http.Client{Timeout: cfg.Timeout}

	start := time.Now()
	var wg sync.WaitGroup
	perWorker := cfg.Count / cfg.Concurrency
	extra := cfg.Count % cfg.Concurrency
	for i := 0; i < cfg.Concurrency; i++ {
		n := perWorker
		if i < extra {
			n++
		}
		wg.Add(1)
		go func(workerID, n int) {
			defer wg.Done()
			runWorker(ctx, client, cfg, workerID, n, stats)
		}(i, n)
	}
	wg.Wait()
	stats.Duration = time.Since(start)
	return stats
}

func runWorker(ctx context.Context, client *http.Client, cfg benchConfig, workerID, count int, stats *Stats) {
	r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	pick := func() string { return cfg.Keys[r.Intn(len(cfg.Keys))] }
	if len(cfg.Keys) > 1 {
		// NewZipf returns nil for out-of-range parameters.
		if zipf := rand.NewZipf(r, cfg.ZipfS, cfg.ZipfV, uint64(len(cfg.Keys)-1)); zipf != nil {
			pick = func() string { return cfg.Keys[zipf.Uint64()] }
		}
	}

	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			return
		}
		key := pick()
		atomic.AddUint64(&stats.Total, 1)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Target, nil)
		if err != nil {
			atomic.AddUint64(&stats.Errors, 1)
			continue
		}
		req.Header.Set(api.HeaderAPIKey, key)

		begin := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&stats.Errors, 1)
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		stats.observe(key, time.Since(begin))

		switch {
		case resp.StatusCode < 300:
			atomic.AddUint64(&stats.Success, 1)
		case resp.StatusCode == http.StatusTooManyRequests:
			atomic.AddUint64(&stats.RateLimited, 1)
		default:
			atomic.AddUint64(&stats.Rejected, 1)
		}
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func printReport(out io.Writer, stats *Stats, concurrency int) {
	stats.mu.Lock()
	latencies := append([]time.Duration(nil), stats.latencies...)
	hottest := uint64(0)
	for _, n := range stats.perKey {
		if n > hottest {
			hottest = n
		}
	}
	keysSeen := len(stats.perKey)
	stats.mu.Unlock()
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	rps := 0.0
	if stats.Duration > 0 {
		rps = float64(stats.Total-stats.Errors) / stats.Duration.Seconds()
	}

	fmt.Fprintln(out, "\n============================================")
	fmt.Fprintln(out, "         GATEWAY PERFORMANCE REPORT          ")
	fmt.Fprintln(out, "============================================")
	fmt.Fprintf(out, "Test Duration:    %v\n", stats.Duration)
	fmt.Fprintf(out, "Concurrency:      %d workers\n", concurrency)
	fmt.Fprintf(out, "Throughput:       %.2f requests/sec\n", rps)
	fmt.Fprintf(out, "Keys Exercised:   %d (hottest: %d requests)\n", keysSeen, hottest)

	fmt.Fprintln(out, "\n--- Responses ---")
	fmt.Fprintf(out, "Total Attempted:  %d\n", stats.Total)
	fmt.Fprintf(out, "Admitted:         %d\n", stats.Success)
	fmt.Fprintf(out, "Rate Limited:     %d\n", stats.RateLimited)
	fmt.Fprintf(out, "Other Rejections: %d\n", stats.Rejected)
	fmt.Fprintf(out, "Transport Errors: %d\n", stats.Errors)

	if len(latencies) > 0 {
		fmt.Fprintln(out, "\n--- Latency Percentiles ---")
		fmt.Fprintf(out, "P50 (Median):     %v\n", percentile(latencies, 0.50))
		fmt.Fprintf(out, "P90:              %v\n", percentile(latencies, 0.90))
		fmt.Fprintf(out, "P99:              %v\n", percentile(latencies, 0.99))
		fmt.Fprintf(out, "Min:              %v\n", latencies[0])
		fmt.Fprintf(out, "Max:              %v\n", latencies[len(latencies)-1])
	}
	fmt.Fprintln(out, "============================================")
}
