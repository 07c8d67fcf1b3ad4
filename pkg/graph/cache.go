package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wehubfusion/Daedalus/pkg/eventlog"
	"github.com/wehubfusion/Daedalus/pkg/execution"
)

// ErrNodeNotFound is returned by GeneratePartial for an unknown root.
var ErrNodeNotFound = errors.New("node execution not in graph")

// Source lists the node execution records of a plan execution in creation
// order. execution.Service satisfies it.
type Source interface {
	List(ctx context.Context, planExecutionID string) ([]*execution.NodeExecution, error)
}

// Config tunes the cache.
type Config struct {
	// TTL bounds how long a snapshot is caught up incrementally before the
	// next request rebuilds it in full.
	TTL time.Duration
	// Retention is how long an entry survives without requests. Its
	// snapshot is the fallback when a rebuild fails. Never less than TTL.
	Retention time.Duration
	// LockWait bounds how long a refresh waits for the per-execution lock.
	LockWait time.Duration
}

// DefaultConfig returns the default cache settings.
func DefaultConfig() Config {
	return Config{TTL: 10 * time.Minute, Retention: time.Hour, LockWait: 2 * time.Second}
}

type entry struct {
	// lock is a one-slot semaphore so waits can be bounded.
	lock     chan struct{}
	snapshot atomic.Pointer[snapshot]
	// touched is the unix nano time of the last request for the entry.
	touched atomic.Int64
}

type snapshot struct {
	graph   *OrchestrationGraph
	builtAt time.Time
}

// Cache holds one OrchestrationGraph per plan execution.
//
// Refreshes of one id are serialized by a per-id lock. Snapshots are never
// mutated once published: a refresh works on a copy and swaps it in, so
// readers who give up on the lock still see a consistent, possibly stale view.
type Cache struct {
	source Source
	log    eventlog.Log
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	mu        sync.Mutex
	entries   map[string]*entry
	lastSweep time.Time

	flight singleflight.Group
}

// NewCache creates a cache reading records from source and events from log.
func NewCache(source Source, log eventlog.Log, cfg Config, logger *zap.Logger) (*Cache, error) {
	if source == nil {
		return nil, errors.New("source cannot be nil")
	}
	if log == nil {
		return nil, errors.New("event log cannot be nil")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	if cfg.Retention < cfg.TTL {
		cfg.Retention = cfg.TTL
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = DefaultConfig().LockWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		source:  source,
		log:     log,
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer("daedalus/graph"),
		now:     time.Now,
		entries: make(map[string]*entry),
	}, nil
}

func (c *Cache) entry(id string) *entry {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.lastSweep) >= c.cfg.TTL {
		c.sweepLocked(now)
		c.lastSweep = now
	}
	e, ok := c.entries[id]
	if !ok {
		e = &entry{lock: make(chan struct{}, 1)}
		c.entries[id] = e
	}
	e.touched.Store(now.UnixNano())
	return e
}

// sweepLocked drops entries not requested within the retention window.
// An entry whose lock is held is still in use and stays.
func (c *Cache) sweepLocked(now time.Time) {
	for id, e := range c.entries {
		if now.Sub(time.Unix(0, e.touched.Load())) <= c.cfg.Retention {
			continue
		}
		select {
		case e.lock <- struct{}{}:
			<-e.lock
		default:
			continue
		}
		delete(c.entries, id)
		evictions.Inc()
		c.logger.Debug("Evicted idle graph", zap.String("plan_execution_id", id))
	}
}

// serveUnlocked answers a request that could not take the entry lock: the
// last snapshot as is, or an uncached full build when there is none.
func (c *Cache) serveUnlocked(ctx context.Context, id string, e *entry) (*OrchestrationGraph, error) {
	if snap := e.snapshot.Load(); snap != nil {
		c.logger.Warn("Graph lock wait exceeded, serving last snapshot",
			zap.String("plan_execution_id", id),
			zap.Int64("last_updated_at", snap.graph.LastUpdatedAt))
		return snap.graph.Clone(), nil
	}
	c.logger.Warn("Graph lock wait exceeded, building uncached", zap.String("plan_execution_id", id))
	g, err := c.buildFull(context.WithoutCancel(ctx), id)
	if err != nil {
		return nil, err
	}
	return g.Clone(), nil
}

// acquire waits at most LockWait for the entry lock.
func (c *Cache) acquire(ctx context.Context, e *entry) (func(), bool) {
	timer := time.NewTimer(c.cfg.LockWait)
	defer timer.Stop()
	select {
	case e.lock <- struct{}{}:
		return func() { <-e.lock }, true
	case <-timer.C:
	case <-ctx.Done():
	}
	lockTimeouts.Inc()
	return nil, false
}

// GetOrchestrationGraph returns the current view of id. A fresh snapshot is
// caught up from the event log; a missing or expired one is rebuilt in full.
// If the lock cannot be taken in time the last snapshot is returned as is, or
// an uncached full build when there is none.
func (c *Cache) GetOrchestrationGraph(ctx context.Context, id string) (*OrchestrationGraph, error) {
	ctx, span := c.tracer.Start(ctx, "graph.get", trace.WithAttributes(attribute.String("plan_execution_id", id)))
	defer span.End()

	e := c.entry(id)
	release, ok := c.acquire(ctx, e)
	if !ok {
		return c.serveUnlocked(ctx, id, e)
	}
	defer release()

	snap := e.snapshot.Load()
	if snap == nil || c.now().Sub(snap.builtAt) > c.cfg.TTL {
		cacheMisses.Inc()
		return c.refreshFull(ctx, id, e)
	}
	cacheHits.Inc()
	return c.incrementalOrFull(ctx, id, e)
}

// GenerateFull rebuilds the view of id from all node execution records.
func (c *Cache) GenerateFull(ctx context.Context, id string) (*OrchestrationGraph, error) {
	e := c.entry(id)
	release, ok := c.acquire(ctx, e)
	if !ok {
		return c.serveUnlocked(ctx, id, e)
	}
	defer release()
	return c.refreshFull(ctx, id, e)
}

// GenerateIncremental applies the events after the snapshot's watermark, in
// log order. Without a snapshot it replays the whole log. When the log cannot
// be read the view is rebuilt in full, or the last snapshot is served.
func (c *Cache) GenerateIncremental(ctx context.Context, id string) (*OrchestrationGraph, error) {
	e := c.entry(id)
	release, ok := c.acquire(ctx, e)
	if !ok {
		return c.serveUnlocked(ctx, id, e)
	}
	defer release()
	return c.incrementalOrFull(ctx, id, e)
}

// incrementalOrFull runs with the entry lock held.
func (c *Cache) incrementalOrFull(ctx context.Context, id string, e *entry) (*OrchestrationGraph, error) {
	g, err := c.refreshIncremental(ctx, id, e)
	if err == nil {
		return g, nil
	}
	c.logger.Warn("Incremental graph refresh failed, rebuilding",
		zap.String("plan_execution_id", id), zap.Error(err))
	return c.refreshFull(ctx, id, e)
}

// GeneratePartial builds the view of id in full and re-roots it at
// rootNodeID. The result is not cached.
func (c *Cache) GeneratePartial(ctx context.Context, rootNodeID, id string) (*OrchestrationGraph, error) {
	start := time.Now()
	defer func() { generationDuration.WithLabelValues(kindPartial).Observe(time.Since(start).Seconds()) }()
	generations.WithLabelValues(kindPartial).Inc()

	g, err := c.buildFull(ctx, id)
	if err != nil {
		return nil, err
	}
	sub, ok := g.subgraph(rootNodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, rootNodeID)
	}
	return sub, nil
}

// DeleteAllGraphMetadataForExecutionIds drops the cached views and the event
// backlog of ids. Absent ids are not an error.
func (c *Cache) DeleteAllGraphMetadataForExecutionIds(ctx context.Context, ids []string) error {
	c.mu.Lock()
	for _, id := range ids {
		delete(c.entries, id)
		c.flight.Forget(id)
	}
	c.mu.Unlock()

	if err := c.log.DeleteAll(ctx, ids); err != nil {
		return fmt.Errorf("failed to delete graph events: %w", err)
	}
	c.logger.Info("Deleted graph metadata", zap.Strings("plan_execution_ids", ids))
	return nil
}

// refreshFull runs with the entry lock held.
func (c *Cache) refreshFull(ctx context.Context, id string, e *entry) (*OrchestrationGraph, error) {
	g, err := c.buildFull(ctx, id)
	if err != nil {
		if snap := e.snapshot.Load(); snap != nil {
			c.logger.Warn("Full graph build failed, serving last snapshot",
				zap.String("plan_execution_id", id), zap.Error(err))
			return snap.graph.Clone(), nil
		}
		return nil, err
	}
	e.snapshot.Store(&snapshot{graph: g, builtAt: c.now()})
	return g.Clone(), nil
}

// refreshIncremental runs with the entry lock held.
func (c *Cache) refreshIncremental(ctx context.Context, id string, e *entry) (*OrchestrationGraph, error) {
	start := time.Now()
	defer func() { generationDuration.WithLabelValues(kindIncremental).Observe(time.Since(start).Seconds()) }()
	generations.WithLabelValues(kindIncremental).Inc()

	var (
		g       *OrchestrationGraph
		builtAt time.Time
	)
	if snap := e.snapshot.Load(); snap != nil {
		g = snap.graph.Clone()
		builtAt = snap.builtAt
	} else {
		g = newGraph(id)
		builtAt = c.now()
	}

	events, err := c.log.ReadSince(ctx, id, g.LastUpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to read events of %s: %w", id, err)
	}
	for _, ev := range events {
		c.apply(g, ev)
		g.LastUpdatedAt = ev.Timestamp
	}
	g.finalize()
	e.snapshot.Store(&snapshot{graph: g, builtAt: builtAt})
	return g.Clone(), nil
}

func (c *Cache) apply(g *OrchestrationGraph, ev eventlog.Event) {
	ne, err := execution.Decode(ev.Payload)
	if err != nil {
		c.logger.Warn("Skipping undecodable event",
			zap.String("plan_execution_id", ev.PlanExecutionID),
			zap.Int64("timestamp", ev.Timestamp),
			zap.Error(err))
		return
	}
	switch ev.Kind {
	case eventlog.KindNodeStart:
		g.insert(ne, c.logger)
	case eventlog.KindNodeStatusUpdate:
		g.update(ne, c.logger)
	default:
		c.logger.Warn("Skipping unknown event kind",
			zap.String("plan_execution_id", ev.PlanExecutionID),
			zap.String("kind", string(ev.Kind)))
	}
}

// buildFull loads every record of id and builds a fresh graph. Concurrent
// builds of one id share a single load. The watermark is read before the
// records, so replaying from it later only re-applies changes the records
// may already show.
func (c *Cache) buildFull(ctx context.Context, id string) (*OrchestrationGraph, error) {
	v, err, _ := c.flight.Do(id, func() (interface{}, error) {
		start := time.Now()
		defer func() { generationDuration.WithLabelValues(kindFull).Observe(time.Since(start).Seconds()) }()
		generations.WithLabelValues(kindFull).Inc()

		watermark, err := c.log.Latest(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to read watermark of %s: %w", id, err)
		}
		records, err := c.source.List(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to list node executions of %s: %w", id, err)
		}
		g := newGraph(id)
		for _, ne := range records {
			g.insert(ne, c.logger)
		}
		g.LastUpdatedAt = watermark
		g.finalize()
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*OrchestrationGraph), nil
}
