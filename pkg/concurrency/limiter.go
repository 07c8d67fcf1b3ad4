package concurrency

import (
	"context"
	"sync/atomic"
	"time"
)

// Metrics is a point-in-time snapshot of limiter activity.
type Metrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// Limiter is a counting semaphore with wait-time accounting. The plan
// compiler holds a slot only while a creator runs, never while waiting on
// dependent sub-trees, so nested resolution cannot exhaust it.
type Limiter struct {
	sem    chan struct{}
	active int64

	acquired  int64
	released  int64
	peak      int64
	waitNanos int64
}

// NewLimiter creates a new concurrency limiter with the specified maximum concurrent operations
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limiter{sem: make(chan struct{}, maxConcurrent)}
}

// Capacity returns the number of slots.
func (l *Limiter) Capacity() int {
	return cap(l.sem)
}

// Acquire blocks until a slot is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	atomic.AddInt64(&l.waitNanos, time.Since(start).Nanoseconds())
	atomic.AddInt64(&l.acquired, 1)
	l.updatePeak(atomic.AddInt64(&l.active, 1))
	return nil
}

// Release releases a slot back to the limiter
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		atomic.AddInt64(&l.active, -1)
		atomic.AddInt64(&l.released, 1)
	default:
	}
}

// Do runs fn while holding a slot.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// CurrentActive returns the number of held slots.
func (l *Limiter) CurrentActive() int64 {
	return atomic.LoadInt64(&l.active)
}

// GetMetrics returns a copy of the current metrics
func (l *Limiter) GetMetrics() Metrics {
	return Metrics{
		TotalAcquired:   atomic.LoadInt64(&l.acquired),
		TotalReleased:   atomic.LoadInt64(&l.released),
		PeakConcurrent:  atomic.LoadInt64(&l.peak),
		TotalWaitTimeNs: atomic.LoadInt64(&l.waitNanos),
	}
}

// GetAverageWaitTime calculates the average wait time for acquiring a slot
func (l *Limiter) GetAverageWaitTime() time.Duration {
	m := l.GetMetrics()
	if m.TotalAcquired == 0 {
		return 0
	}
	return time.Duration(m.TotalWaitTimeNs / m.TotalAcquired)
}

func (l *Limiter) updatePeak(current int64) {
	for {
		peak := atomic.LoadInt64(&l.peak)
		if current <= peak {
			return
		}
		if atomic.CompareAndSwapInt64(&l.peak, peak, current) {
			return
		}
	}
}
