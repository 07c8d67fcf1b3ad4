package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	planExecutionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "daedalus_engine_plan_executions_started_total",
		Help: "Plan executions started",
	})

	planExecutionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daedalus_engine_plan_executions_finished_total",
		Help: "Plan executions that reached a final status",
	}, []string{"status"})

	nodesConcluded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daedalus_engine_nodes_concluded_total",
		Help: "Node executions concluded by the engine by status",
	}, []string{"status"})
)
