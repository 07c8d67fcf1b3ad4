package graph

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "daedalus_graph_cache_hits_total",
		Help: "Graph requests served by catching up a cached snapshot",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "daedalus_graph_cache_misses_total",
		Help: "Graph requests that needed a full rebuild",
	})

	lockTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "daedalus_graph_cache_lock_timeouts_total",
		Help: "Refreshes that gave up waiting for the per-execution lock",
	})

	evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "daedalus_graph_cache_evictions_total",
		Help: "Cache entries dropped after going unused for a TTL",
	})

	generations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daedalus_graph_generations_total",
		Help: "Graph generations by kind",
	}, []string{"kind"})

	generationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "daedalus_graph_generation_duration_seconds",
		Help:    "Time spent generating graphs",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"kind"})
)

const (
	kindFull        = "full"
	kindIncremental = "incremental"
	kindPartial     = "partial"
)
