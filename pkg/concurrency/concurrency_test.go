package concurrency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLoadConfigRespectsEnvironmentOverrides(t *testing.T) {
	t.Setenv("DAEDALUS_MAX_CONCURRENT", "42")
	t.Setenv("DAEDALUS_RUNNER_WORKERS", "7")
	t.Setenv("DAEDALUS_BREAKER_THRESHOLD", "3")

	cfg := LoadConfig()

	if cfg.MaxConcurrent != 42 {
		t.Fatalf("expected MaxConcurrent 42, got %d", cfg.MaxConcurrent)
	}
	if cfg.RunnerWorkers != 7 {
		t.Fatalf("expected RunnerWorkers 7, got %d", cfg.RunnerWorkers)
	}
	if cfg.BreakerThreshold != 3 {
		t.Fatalf("expected BreakerThreshold 3, got %d", cfg.BreakerThreshold)
	}
	if cfg.Source != ConfigSourceEnvVar {
		t.Fatalf("expected env var source, got %s", cfg.Source)
	}
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	cfg := LoadConfig()
	if cfg.MaxConcurrent < 1 {
		t.Fatalf("expected positive MaxConcurrent, got %d", cfg.MaxConcurrent)
	}
	if cfg.RunnerWorkers < 1 {
		t.Fatalf("expected positive RunnerWorkers, got %d", cfg.RunnerWorkers)
	}
	if cfg.Source == "" {
		t.Fatal("expected config source to be populated")
	}
}

func TestLimiterAcquireReleaseTracksMetrics(t *testing.T) {
	limiter := NewLimiter(2)
	ctx := context.Background()

	if err := limiter.Acquire(ctx); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if limiter.CurrentActive() != 1 {
		t.Fatalf("expected 1 active slot, got %d", limiter.CurrentActive())
	}
	limiter.Release()

	metrics := limiter.GetMetrics()
	if metrics.TotalAcquired != 1 {
		t.Fatalf("expected TotalAcquired 1, got %d", metrics.TotalAcquired)
	}
	if metrics.TotalReleased != 1 {
		t.Fatalf("expected TotalReleased 1, got %d", metrics.TotalReleased)
	}
}

func TestLimiterAcquireHonorsContextCancellation(t *testing.T) {
	limiter := NewLimiter(1)
	if err := limiter.Acquire(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer limiter.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := limiter.Acquire(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLimiterDoBoundsConcurrency(t *testing.T) {
	limiter := NewLimiter(3)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = limiter.Do(context.Background(), func() error {
				time.Sleep(time.Millisecond)
				return nil
			})
		}()
	}
	wg.Wait()

	if peak := limiter.GetMetrics().PeakConcurrent; peak > 3 {
		t.Errorf("Expected peak <= 3, got %d", peak)
	}
	if limiter.CurrentActive() != 0 {
		t.Errorf("Expected no active slots, got %d", limiter.CurrentActive())
	}
}

func TestCircuitBreakerLifecycle(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	clock := time.Unix(1000, 0)
	cb.now = func() time.Time { return clock }

	var transitions []string
	cb.OnStateChange(func(from, to CircuitBreakerState) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	cb.RecordFailure()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed after one failure, got %s", cb.GetState())
	}
	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open after threshold, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Fatal("expected open breaker to reject")
	}

	clock = clock.Add(2 * time.Minute)
	if !cb.Allow() {
		t.Fatal("expected probe to be allowed after reset timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.GetState())
	}

	for i := 0; i < 3; i++ {
		cb.RecordSuccess()
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed after probes, got %s", cb.GetState())
	}

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("Expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("Expected transition %d to be %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Millisecond)
	cb.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("expected half-open probe")
	}
	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatalf("expected reopen, got %s", cb.GetState())
	}
}
