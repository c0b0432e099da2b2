package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gbrigandi/mcp-server-conceal/internal/config"
)

func TestEffectiveFakerSeedHonorsConfiguredSeedWhenConsistent(t *testing.T) {
	cfg := config.Default()
	cfg.Faker.Consistency = true
	cfg.Faker.Seed = 42

	if got := effectiveFakerSeed(cfg); got != 42 {
		t.Errorf("expected the configured seed to pass through unchanged, got %d", got)
	}
}

func TestEffectiveFakerSeedIgnoresConfiguredSeedWhenInconsistent(t *testing.T) {
	cfg := config.Default()
	cfg.Faker.Consistency = false
	cfg.Faker.Seed = 42

	first := effectiveFakerSeed(cfg)
	second := effectiveFakerSeed(cfg)
	if first == 42 {
		t.Errorf("expected a fresh, non-reproducible seed, got the configured seed back")
	}
	if first == second {
		t.Errorf("expected two calls to produce different seeds, got %d twice", first)
	}
}

func TestParseTargetEnvRejectsPairsWithoutEquals(t *testing.T) {
	if _, err := parseTargetEnv(repeatableFlag{"NOEQUALS"}); err == nil {
		t.Fatal("expected an error for a KEY=VALUE pair missing the '='")
	}
}

func TestParseTargetEnvPassesThroughValidPairs(t *testing.T) {
	got, err := parseTargetEnv(repeatableFlag{"FOO=bar", "BAZ=qux"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != "FOO=bar" || got[1] != "BAZ=qux" {
		t.Errorf("expected pairs to pass through unchanged, got %v", got)
	}
}

func TestStartPeriodicPurgeRunsOnEveryTick(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	startPeriodicPurge(ctx, 20*time.Millisecond, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	<-ctx.Done()
	// Give the ticker goroutine's last in-flight iteration a moment to land
	// before reading the counter, since ctx.Done() fires independently of it.
	time.Sleep(10 * time.Millisecond)

	if got := calls.Load(); got < 3 {
		t.Errorf("expected at least 3 purge calls over 120ms on a 20ms interval, got %d", got)
	}
}

func TestStartPeriodicPurgeStopsWhenContextCancelled(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	startPeriodicPurge(ctx, 10*time.Millisecond, func(context.Context) error {
		calls.Add(1)
		return nil
	})

	time.Sleep(35 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
	afterCancel := calls.Load()

	time.Sleep(50 * time.Millisecond)
	if calls.Load() != afterCancel {
		t.Errorf("expected no further purge calls after context cancellation, got %d more", calls.Load()-afterCancel)
	}
}
