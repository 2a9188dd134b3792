package application

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/toolgw/gateway/internal/infrastructure/config"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Log:   config.LogConfig{Level: "info", Format: "console", OutputPath: "stdout"},
		LLM:   config.LLMConfig{BaseURL: "http://127.0.0.1:0", DefaultModel: "", Temperature: 0.2, NumCtx: 2048},
		RateLimit: config.RateLimitConfig{RatePerSecond: 5, Burst: 10},
		Bulkhead:  config.BulkheadConfig{ToolCapacity: 4, LLMGenerateCapacity: 2},
		Circuit:   config.CircuitConfig{FailureThreshold: 5, RecoveryTimeout: 60 * time.Second},
		Retry:     config.RetryConfig{BaseDelay: time.Second, Multiplier: 2, MaxDelay: 60 * time.Second, MaxAttempts: 3},
		Cache: config.CacheConfigGroup{
			SweepInterval: time.Minute,
			RAG:           config.CacheEntryConfig{Capacity: 500, TTL: 5 * time.Minute},
			Ollama:        config.CacheEntryConfig{Capacity: 50, TTL: time.Minute},
			Scraper:       config.CacheEntryConfig{Capacity: 200, TTL: 10 * time.Minute},
			General:       config.CacheEntryConfig{Capacity: 1000, TTL: 2 * time.Minute},
		},
		Agent: config.AgentConfig{
			ToolCallTimeout:    30 * time.Second,
			GenerateTimeout:    120 * time.Second,
			ResultExcerptLimit: 500,
			SessionLogDir:      filepath.Join(dir, "sessions"),
		},
		ServersDir: dir,
	}
}

func TestNewApp_BuildsEveryComponent(t *testing.T) {
	cfg := testConfig(t)
	app, err := NewApp(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if app.Agent() == nil || app.Registry() == nil || app.ActionLog() == nil || app.Logger() == nil {
		t.Fatal("expected every accessor to return a non-nil component")
	}
}

func TestApp_StartWithNoRosterFileConnectsNothing(t *testing.T) {
	cfg := testConfig(t)
	app, err := NewApp(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}

	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start with a missing roster file should not error, got %v", err)
	}
	if servers := app.Registry().ListServers(); len(servers) != 0 {
		t.Fatalf("expected no connected servers, got %+v", servers)
	}
}

func TestApp_StopPersistsActionLog(t *testing.T) {
	cfg := testConfig(t)
	app, err := NewApp(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}

	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	entries, err := os.ReadDir(cfg.Agent.SessionLogDir)
	if err != nil {
		t.Fatalf("expected session log dir to exist after Stop, got %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected Stop to persist at least the JSON and text session reports")
	}
}
