package eventlog

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openBadger(t *testing.T) *BadgerLog {
	t.Helper()
	l, err := OpenBadgerLog(InMemoryBadgerConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func logs(t *testing.T) map[string]Log {
	return map[string]Log{
		"memory": NewMemoryLog(),
		"badger": openBadger(t),
	}
}

func event(planID, nodeID string, kind Kind) Event {
	return Event{PlanExecutionID: planID, NodeExecutionID: nodeID, Kind: kind, Payload: []byte(`{"id":"` + nodeID + `"}`)}
}

func TestAppendAssignsIncreasingTimestamps(t *testing.T) {
	for name, l := range logs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var last int64
			for i := 0; i < 50; i++ {
				e, err := l.Append(ctx, event("p1", fmt.Sprintf("n%d", i), KindNodeStart))
				require.NoError(t, err)
				assert.Greater(t, e.Timestamp, last)
				last = e.Timestamp
			}

			events, err := l.ReadSince(ctx, "p1", 0)
			require.NoError(t, err)
			require.Len(t, events, 50)
			for i := 1; i < len(events); i++ {
				assert.Greater(t, events[i].Timestamp, events[i-1].Timestamp)
			}
			assert.Equal(t, "n0", events[0].NodeExecutionID)
			assert.JSONEq(t, `{"id":"n0"}`, string(events[0].Payload))
		})
	}
}

func TestReadSinceWatermark(t *testing.T) {
	for name, l := range logs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first, err := l.Append(ctx, event("p1", "a", KindNodeStart))
			require.NoError(t, err)
			_, err = l.Append(ctx, event("p1", "a", KindNodeStatusUpdate))
			require.NoError(t, err)
			_, err = l.Append(ctx, event("p2", "b", KindNodeStart))
			require.NoError(t, err)

			events, err := l.ReadSince(ctx, "p1", first.Timestamp)
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, KindNodeStatusUpdate, events[0].Kind)

			events, err = l.ReadSince(ctx, "p1", events[0].Timestamp)
			require.NoError(t, err)
			assert.Empty(t, events)

			events, err = l.ReadSince(ctx, "unknown", 0)
			require.NoError(t, err)
			assert.Empty(t, events)

			latest, err := l.Latest(ctx, "p1")
			require.NoError(t, err)
			assert.Greater(t, latest, first.Timestamp)

			latest, err = l.Latest(ctx, "unknown")
			require.NoError(t, err)
			assert.Zero(t, latest)
		})
	}
}

func TestDeleteAllIsIdempotent(t *testing.T) {
	for name, l := range logs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			before, err := l.Append(ctx, event("p1", "a", KindNodeStart))
			require.NoError(t, err)
			_, err = l.Append(ctx, event("p2", "b", KindNodeStart))
			require.NoError(t, err)

			require.NoError(t, l.DeleteAll(ctx, []string{"p1", "missing"}))
			require.NoError(t, l.DeleteAll(ctx, []string{"p1"}))
			require.NoError(t, l.DeleteAll(ctx, nil))

			events, err := l.ReadSince(ctx, "p1", 0)
			require.NoError(t, err)
			assert.Empty(t, events)

			events, err = l.ReadSince(ctx, "p2", 0)
			require.NoError(t, err)
			assert.Len(t, events, 1)

			after, err := l.Append(ctx, event("p1", "a", KindNodeStart))
			require.NoError(t, err)
			assert.Greater(t, after.Timestamp, before.Timestamp)
		})
	}
}

func TestAppendRejectsInvalid(t *testing.T) {
	for name, l := range logs(t) {
		t.Run(name, func(t *testing.T) {
			_, err := l.Append(context.Background(), Event{PlanExecutionID: "p1"})
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for name, l := range logs(t) {
		t.Run(name, func(t *testing.T) {
			_, err := l.Append(ctx, event("p1", "a", KindNodeStart))
			assert.ErrorIs(t, err, context.Canceled)
		})
	}
}

func TestConcurrentAppends(t *testing.T) {
	for name, l := range logs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			for w := 0; w < 8; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < 20; i++ {
						_, err := l.Append(ctx, event("p1", fmt.Sprintf("w%d-%d", w, i), KindNodeStart))
						assert.NoError(t, err)
					}
				}(w)
			}
			wg.Wait()

			events, err := l.ReadSince(ctx, "p1", 0)
			require.NoError(t, err)
			require.Len(t, events, 160)
			seen := make(map[int64]bool)
			for _, e := range events {
				assert.False(t, seen[e.Timestamp], "duplicate timestamp %d", e.Timestamp)
				seen[e.Timestamp] = true
			}
		})
	}
}

func TestClockBumpsWhenTimeStalls(t *testing.T) {
	c := newClock()
	fixed := time.Unix(100, 0)
	c.now = func() time.Time { return fixed }
	a := c.next("p")
	b := c.next("p")
	other := c.next("q")
	assert.Equal(t, a+1, b)
	assert.Equal(t, a, other)
}

func TestBadgerReopenKeepsOrder(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultBadgerConfig(dir)
	cfg.SyncWrites = false
	cfg.GCInterval = 0

	l, err := OpenBadgerLog(cfg)
	require.NoError(t, err)
	first, err := l.Append(context.Background(), event("p1", "a", KindNodeStart))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = OpenBadgerLog(cfg)
	require.NoError(t, err)
	defer l.Close()
	l.clock.now = func() time.Time { return time.Unix(0, 1) }

	second, err := l.Append(context.Background(), event("p1", "a", KindNodeStatusUpdate))
	require.NoError(t, err)
	assert.Greater(t, second.Timestamp, first.Timestamp)

	events, err := l.ReadSince(context.Background(), "p1", 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}
