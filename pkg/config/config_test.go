package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Queue.MaxConcurrentRequests != 10 {
		t.Fatalf("expected default max_concurrent_requests 10, got %d", cfg.Queue.MaxConcurrentRequests)
	}
	if cfg.Queue.MaxQueueSize != 100 {
		t.Fatalf("expected default max_queue_size 100, got %d", cfg.Queue.MaxQueueSize)
	}
	if cfg.RateLimit.WindowSize != time.Minute {
		t.Fatalf("expected default window_size 60s, got %v", cfg.RateLimit.WindowSize)
	}
	if cfg.RateLimit.AdaptiveThrottlingThreshold != 0.8 {
		t.Fatalf("expected default adaptive threshold 0.8, got %v", cfg.RateLimit.AdaptiveThrottlingThreshold)
	}
	if cfg.RateLimit.ThrottlingBackoffMultiplier != 1.5 {
		t.Fatalf("expected default backoff multiplier 1.5, got %v", cfg.RateLimit.ThrottlingBackoffMultiplier)
	}
	if cfg.Resource.MemoryThreshold != 0.8 {
		t.Fatalf("expected default memory threshold 0.8, got %v", cfg.Resource.MemoryThreshold)
	}
	if cfg.Monitor.ResponseTimeThreshold != 3*time.Second {
		t.Fatalf("expected default response time threshold 3s, got %v", cfg.Monitor.ResponseTimeThreshold)
	}
}

func TestDatabaseDSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host: "localhost", Port: 5432, User: "gate", Password: "secret",
		Database: "llmgate", SSLMode: "disable",
	}

	dsn := cfg.DSN()
	expected := "host=localhost port=5432 user=gate password=secret dbname=llmgate sslmode=disable"
	if dsn != expected {
		t.Fatalf("expected %q, got %q", expected, dsn)
	}
}
