package engine

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/ambiance"
	"github.com/wehubfusion/Daedalus/pkg/execution"
	"github.com/wehubfusion/Daedalus/pkg/expression"
	"github.com/wehubfusion/Daedalus/pkg/plan"
)

type fork struct {
	remaining int
	failure   *execution.FailureInfo
}

// run is the in-memory bookkeeping of one plan execution. Node state lives in
// execution.Service; run only tracks what is needed to route results and
// count down forks.
type run struct {
	plan   *plan.Plan
	root   ambiance.Ambiance
	inputs map[string]any

	mu sync.Mutex
	// node execution id -> correlation id of the outstanding task
	tasks map[string]string
	// results that arrived before their task was tracked
	settled       map[string]bool
	forks         map[string]*fork
	timers        map[string]*time.Timer
	chainFailures map[string]*execution.FailureInfo
	outputs       map[string]json.RawMessage
	named         map[string]json.RawMessage
	outcome       *Outcome
	done          chan struct{}
}

func newRun(p *plan.Plan, root ambiance.Ambiance, inputs map[string]any) *run {
	if inputs == nil {
		inputs = map[string]any{}
	}
	return &run{
		plan:          p,
		root:          root,
		inputs:        inputs,
		tasks:         make(map[string]string),
		settled:       make(map[string]bool),
		forks:         make(map[string]*fork),
		timers:        make(map[string]*time.Timer),
		chainFailures: make(map[string]*execution.FailureInfo),
		outputs:       make(map[string]json.RawMessage),
		named:         make(map[string]json.RawMessage),
		done:          make(chan struct{}),
	}
}

func (r *run) trackTask(nodeExecutionID, correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled[nodeExecutionID] {
		delete(r.settled, nodeExecutionID)
		return
	}
	r.tasks[nodeExecutionID] = correlationID
}

func (r *run) untrackTask(nodeExecutionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[nodeExecutionID]; ok {
		delete(r.tasks, nodeExecutionID)
		return
	}
	r.settled[nodeExecutionID] = true
}

// takeTask stops tracking the task of nodeExecutionID and returns its
// correlation id.
func (r *run) takeTask(nodeExecutionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	correlationID, ok := r.tasks[nodeExecutionID]
	delete(r.tasks, nodeExecutionID)
	return correlationID, ok
}

func (r *run) armTimer(nodeExecutionID string, t *time.Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome != nil {
		t.Stop()
		return
	}
	r.timers[nodeExecutionID] = t
}

func (r *run) stopTimer(nodeExecutionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[nodeExecutionID]; ok {
		t.Stop()
		delete(r.timers, nodeExecutionID)
	}
}

func (r *run) nodeForCorrelation(correlationID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for nodeExecutionID, c := range r.tasks {
		if c == correlationID {
			return nodeExecutionID
		}
	}
	return ""
}

func (r *run) drainTasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.tasks))
	for id, correlationID := range r.tasks {
		out = append(out, correlationID)
		delete(r.tasks, id)
	}
	return out
}

func (r *run) openFork(id string, children int) {
	r.mu.Lock()
	r.forks[id] = &fork{remaining: children}
	r.mu.Unlock()
}

// closeChild records one finished child chain. It reports whether it was the
// last one and, if so, the first failure seen.
func (r *run) closeChild(id string, failed bool, failure *execution.FailureInfo) (bool, *execution.FailureInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.forks[id]
	if !ok {
		return false, nil
	}
	f.remaining--
	if failed && f.failure == nil {
		f.failure = failure
	}
	if f.remaining > 0 {
		return false, nil
	}
	delete(r.forks, id)
	return true, f.failure
}

func (r *run) recordChainFailure(parentID string, failure *execution.FailureInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.chainFailures[parentID]; !ok {
		r.chainFailures[parentID] = failure
	}
}

func (r *run) takeChainFailure(parentID string) *execution.FailureInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.chainFailures[parentID]
	delete(r.chainFailures, parentID)
	return f
}

func (r *run) storeOutput(nodeExecutionID, identifier string, out json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[nodeExecutionID] = out
	if identifier != "" {
		r.named[identifier] = out
	}
}

func (r *run) output(nodeExecutionID string) (json.RawMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, ok := r.outputs[nodeExecutionID]
	return out, ok
}

// vars builds the skip condition globals. Earlier outputs are visible as
// outputs.<identifier>; when identifiers repeat the latest output wins.
func (r *run) vars(amb ambiance.Ambiance) map[string]any {
	vars := expression.Vars(amb, r.inputs)
	outputs := make(map[string]any)
	r.mu.Lock()
	for identifier, raw := range r.named {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			outputs[identifier] = v
		}
	}
	r.mu.Unlock()
	vars["outputs"] = outputs
	return vars
}

func (r *run) setOutcome(status execution.Status, failure *execution.FailureInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome != nil {
		return false
	}
	r.outcome = &Outcome{PlanExecutionID: r.root.PlanExecutionID(), Status: status, Failure: failure}
	r.tasks = make(map[string]string)
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	close(r.done)
	return true
}

func (r *run) result() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.outcome
}
