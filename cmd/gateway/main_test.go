package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/poyrazK/quotagate/internal/adapters/ratelimit"
	"github.com/poyrazK/quotagate/internal/adapters/repository"
	"github.com/poyrazK/quotagate/internal/infrastructure/config"
	"github.com/poyrazK/quotagate/internal/infrastructure/logging"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		JWTSecret:            "test",
		JWTAccessTTL:         time.Hour,
		JWTRefreshTTL:        24 * time.Hour,
		LogLevel:             "error",
		LogFormat:            "json",
		UsageQueueSize:       16,
		UsageWorkers:         1,
		UsageWriteTimeout:    time.Second,
		UsageRetentionDays:   90,
		UsageCleanupSchedule: "0 3 * * *",
		ShutdownTimeout:      time.Second,
	}
}

func TestBuild_InMemory(t *testing.T) {
	cfg := testConfig()
	a, err := build(context.Background(), cfg, logging.New(cfg.LogLevel, cfg.LogFormat))
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	defer a.close(context.Background())

	if _, ok := a.repo.(*repository.MemoryRepository); !ok {
		t.Errorf("expected in-memory repository without DATABASE_URL, got %T", a.repo)
	}
	if _, ok := a.store.(*ratelimit.MemoryStore); !ok {
		t.Errorf("expected memory store without REDIS_ADDR, got %T", a.store)
	}

	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("expected healthy gateway, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestBuild_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisAddr = mr.Addr()
	cfg.UpstreamURL = "http://127.0.0.1:1"

	a, err := build(context.Background(), cfg, logging.New(cfg.LogLevel, cfg.LogFormat))
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	defer a.close(context.Background())

	if _, ok := a.store.(*ratelimit.RedisStore); !ok {
		t.Errorf("expected redis store, got %T", a.store)
	}

	mr.Close()
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected degraded health with redis down, got %d", rr.Code)
	}
}

func TestRun_Shutdown(t *testing.T) {
	cfg := testConfig()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, logging.New(cfg.LogLevel, cfg.LogFormat)) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shut down")
	}
}
