package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daedalus_dispatch_tasks_total",
		Help: "Tasks handed to the dispatcher by outcome of the submission",
	}, []string{"outcome"})

	resultsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "daedalus_dispatch_results_total",
		Help: "Task results delivered to waiting node executions by status",
	}, []string{"status"})

	lateResults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "daedalus_dispatch_late_results_total",
		Help: "Task results dropped because nothing was waiting for them",
	})

	pendingTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "daedalus_dispatch_pending_tasks",
		Help: "Dispatched tasks still waiting for a result",
	})
)

const (
	outcomeSubmitted = "submitted"
	outcomeRejected  = "rejected"
)
