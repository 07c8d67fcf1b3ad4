// Package engine runs compiled plans. It walks the plan graph through the
// node execution state machine: facilitators decide how a node runs, advisers
// decide what runs after it, and task results arrive from the dispatcher.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/ambiance"
	"github.com/wehubfusion/Daedalus/pkg/dispatch"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/execution"
	"github.com/wehubfusion/Daedalus/pkg/expression"
	"github.com/wehubfusion/Daedalus/pkg/plan"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

// Failure codes assigned by the engine itself.
const (
	CodeInvalidCondition  = "INVALID_CONDITION"
	CodeInvalidParameters = "INVALID_PARAMETERS"
	CodeSyncTaskFailed    = "SYNC_TASK_FAILED"
	CodeTaskFailed        = "TASK_FAILED"
	CodeResultUnavailable = "RESULT_UNAVAILABLE"
	CodeChildFailed       = "CHILD_FAILED"
	CodeStartFailed       = "START_FAILED"
)

var (
	// ErrUnknownPlanExecution is returned for ids the engine is not running.
	ErrUnknownPlanExecution = errors.New("unknown plan execution")

	// ErrNoStartingNode is returned for a plan without an entry node.
	ErrNoStartingNode = errors.New("plan has no starting node")
)

// TaskDispatcher sends TASK and SYNC_TASK nodes to workers. dispatch.Dispatcher
// satisfies it.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, amb ambiance.Ambiance, params dispatch.Parameters, f plan.Facilitator, opts ...dispatch.DispatchOption) string
	Cancel(correlationID string)
}

// SyncExecutor runs a SYNC_TASK step in-process.
type SyncExecutor interface {
	Execute(ctx context.Context, amb ambiance.Ambiance, params plan.TypedPayload) (json.RawMessage, error)
}

// SyncExecutorFunc adapts a function to SyncExecutor.
type SyncExecutorFunc func(ctx context.Context, amb ambiance.Ambiance, params plan.TypedPayload) (json.RawMessage, error)

func (f SyncExecutorFunc) Execute(ctx context.Context, amb ambiance.Ambiance, params plan.TypedPayload) (json.RawMessage, error) {
	return f(ctx, amb, params)
}

// Outcome is the final status of a plan execution.
type Outcome struct {
	PlanExecutionID string
	Status          execution.Status
	Failure         *execution.FailureInfo
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvaluator replaces the skip condition evaluator.
func WithEvaluator(ev *expression.Evaluator) Option {
	return func(e *Engine) { e.evaluator = ev }
}

// WithParameterRegistry sets the decoders for step parameters.
func WithParameterRegistry(r *dispatch.ParameterRegistry) Option {
	return func(e *Engine) { e.parameters = r }
}

// WithPayloadStore resolves task results that were offloaded to blob storage.
func WithPayloadStore(p *storage.PayloadStore) Option {
	return func(e *Engine) { e.payloads = p }
}

// WithSyncExecutor runs SYNC_TASK steps of stepType in-process. SYNC_TASK
// steps without an executor are dispatched in SYNC mode.
func WithSyncExecutor(stepType string, exec SyncExecutor) Option {
	return func(e *Engine) { e.executors[stepType] = exec }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithIDGenerator replaces the plan execution id generator.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// Engine drives plan executions. HandleResult must be installed as the
// dispatcher's result sink, and SetDispatcher called before the first run.
type Engine struct {
	executions *execution.Service
	dispatcher TaskDispatcher
	evaluator  *expression.Evaluator
	parameters *dispatch.ParameterRegistry
	payloads   *storage.PayloadStore
	executors  map[string]SyncExecutor
	logger     *zap.Logger
	tracer     trace.Tracer
	newID      func() string

	mu   sync.RWMutex
	runs map[string]*run
}

// New creates an engine over executions.
func New(executions *execution.Service, opts ...Option) (*Engine, error) {
	if executions == nil {
		return nil, errors.New("execution service cannot be nil")
	}
	e := &Engine{
		executions: executions,
		evaluator:  expression.NewEvaluator(0),
		parameters: dispatch.NewParameterRegistry(),
		executors:  make(map[string]SyncExecutor),
		logger:     zap.NewNop(),
		tracer:     otel.Tracer("daedalus/engine"),
		newID:      uuid.NewString,
		runs:       make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// SetDispatcher installs the task dispatcher. The dispatcher is built with
// e.HandleResult as its sink, so it cannot be passed to New.
func (e *Engine) SetDispatcher(d TaskDispatcher) {
	e.dispatcher = d
}

// StartPlanExecution starts p and returns the new plan execution id. Nodes
// run asynchronously; use Wait for the outcome.
func (e *Engine) StartPlanExecution(ctx context.Context, p *plan.Plan, inputs map[string]any) (string, error) {
	if p == nil {
		return "", errors.New("plan cannot be nil")
	}
	start, ok := p.Node(p.StartingNodeID)
	if !ok {
		return "", ErrNoStartingNode
	}

	id := e.newID()
	root := ambiance.New(id, map[string]string{
		ambiance.AccountIDKey:  p.AccountID,
		ambiance.OrgIDKey:      p.OrgID,
		ambiance.ProjectIDKey:  p.ProjectID,
		ambiance.PipelineIDKey: start.Identifier,
	})
	r := newRun(p, root, inputs)

	e.mu.Lock()
	if _, dup := e.runs[id]; dup {
		e.mu.Unlock()
		return "", fmt.Errorf("plan execution %s already exists", id)
	}
	e.runs[id] = r
	e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "engine.start_plan_execution", trace.WithAttributes(root.Attributes()...))
	defer span.End()
	span.SetAttributes(attribute.String("plan_id", p.ID))

	planExecutionsStarted.Inc()
	e.logger.Info("Plan execution started",
		zap.String("plan_execution_id", id),
		zap.String("plan_id", p.ID),
		zap.String("pipeline", start.Identifier))

	if err := e.startNode(ctx, r, root, start, "", ""); err != nil {
		span.RecordError(err)
		e.mu.Lock()
		delete(e.runs, id)
		e.mu.Unlock()
		return "", fmt.Errorf("failed to start plan execution: %w", err)
	}
	return id, nil
}

// HandleResult concludes the node a task result belongs to. It has the
// signature of dispatch.ResultSink.
func (e *Engine) HandleResult(ctx context.Context, res dispatch.Result) {
	logger := e.logger.With(
		zap.String("plan_execution_id", res.PlanExecutionID),
		zap.String("correlation_id", res.CorrelationID))

	r, ok := e.run(res.PlanExecutionID)
	if !ok {
		logger.Warn("Dropping result of unknown plan execution")
		return
	}
	nodeExecutionID := res.NodeExecutionID
	if nodeExecutionID == "" {
		nodeExecutionID = r.nodeForCorrelation(res.CorrelationID)
	}
	ne, err := e.executions.Get(ctx, nodeExecutionID)
	if err != nil {
		logger.Warn("Dropping result of unknown node execution",
			zap.String("node_execution_id", nodeExecutionID),
			zap.Error(err))
		return
	}
	r.untrackTask(ne.ID)

	status, failure := res.Status, res.Failure
	output := res.Output
	if res.BlobReference != nil {
		output, err = e.resolveOutput(ctx, res)
		if err != nil {
			status = execution.StatusFailed
			failure = &execution.FailureInfo{Code: CodeResultUnavailable, Message: err.Error()}
		}
	}
	if status == execution.StatusFailed && failure == nil {
		failure = &execution.FailureInfo{Code: CodeTaskFailed, Message: "task failed"}
	}
	if status != execution.StatusFailed && len(output) > 0 {
		r.storeOutput(ne.ID, ne.Identifier, output)
	}
	e.conclude(ctx, r, ne.ID, status, failure)
}

func (e *Engine) resolveOutput(ctx context.Context, res dispatch.Result) (json.RawMessage, error) {
	if e.payloads == nil {
		return nil, fmt.Errorf("result %s was offloaded but no payload store is configured", res.CorrelationID)
	}
	data, err := e.payloads.Resolve(ctx, res.Output, res.BlobReference)
	if err != nil {
		return nil, err
	}
	if err := e.payloads.Discard(ctx, res.BlobReference); err != nil {
		e.logger.Warn("Failed to discard offloaded result",
			zap.String("correlation_id", res.CorrelationID),
			zap.Error(err))
	}
	return data, nil
}

// Cancel expires every unfinished node of a plan execution and stops waiting
// for its outstanding tasks.
func (e *Engine) Cancel(ctx context.Context, planExecutionID string) error {
	r, ok := e.run(planExecutionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlanExecution, planExecutionID)
	}
	_, err := e.executions.ExpireAll(ctx, planExecutionID)
	if e.dispatcher != nil {
		for _, correlationID := range r.drainTasks() {
			e.dispatcher.Cancel(correlationID)
		}
	}
	e.finish(r, execution.StatusExpired, &execution.FailureInfo{
		Code:    dispatch.CodeCancelled,
		Message: "plan execution cancelled",
	})
	return err
}

// Wait blocks until the plan execution finishes or ctx is done.
func (e *Engine) Wait(ctx context.Context, planExecutionID string) (Outcome, error) {
	r, ok := e.run(planExecutionID)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownPlanExecution, planExecutionID)
	}
	select {
	case <-r.done:
		return r.result(), nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Outcome returns the final status without blocking. It reports false while
// the plan execution is still running.
func (e *Engine) Outcome(planExecutionID string) (Outcome, bool) {
	r, ok := e.run(planExecutionID)
	if !ok {
		return Outcome{}, false
	}
	select {
	case <-r.done:
		return r.result(), true
	default:
		return Outcome{}, false
	}
}

// Output returns the output a node execution produced.
func (e *Engine) Output(planExecutionID, nodeExecutionID string) (json.RawMessage, bool) {
	r, ok := e.run(planExecutionID)
	if !ok {
		return nil, false
	}
	return r.output(nodeExecutionID)
}

// Forget drops finished plan executions from memory.
func (e *Engine) Forget(planExecutionIDs ...string) {
	e.mu.Lock()
	for _, id := range planExecutionIDs {
		delete(e.runs, id)
	}
	e.mu.Unlock()
	e.executions.Forget(planExecutionIDs...)
}

func (e *Engine) run(planExecutionID string) (*run, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[planExecutionID]
	return r, ok
}

// startNode records a new execution of node and runs it. An error means no
// record could be created; failures after that conclude the node instead.
func (e *Engine) startNode(ctx context.Context, r *run, parent ambiance.Ambiance, node *plan.Node, parentID, previousID string) error {
	ne, err := e.executions.Start(ctx, parent, node, parentID, previousID)
	if err != nil {
		return err
	}

	if node.SkipCondition != "" {
		skip, err := e.evaluator.EvaluateBool(ctx, node.SkipCondition, r.vars(ne.Ambiance))
		if err != nil {
			e.conclude(ctx, r, ne.ID, execution.StatusFailed, &execution.FailureInfo{Code: CodeInvalidCondition, Message: err.Error()})
			return nil
		}
		if skip {
			e.conclude(ctx, r, ne.ID, execution.StatusSkipped, nil, execution.WithMode(execution.ModeSkip))
			return nil
		}
	}

	if _, applied, err := e.executions.UpdateStatus(ctx, ne.ID, execution.StatusRunning); err != nil || !applied {
		return err
	}

	f := node.PrimaryFacilitator()
	if node.Timeout > 0 && (f == plan.FacilitatorChild || f == plan.FacilitatorChildren) {
		e.armTimeout(ctx, r, ne, node.Timeout)
	}
	switch f {
	case plan.FacilitatorChild:
		e.runChild(ctx, r, ne, node)
	case plan.FacilitatorChildren:
		e.runChildren(ctx, r, ne, node)
	case plan.FacilitatorTask:
		e.runTask(ctx, r, ne, node, plan.FacilitatorTask)
	case plan.FacilitatorSyncTask:
		e.runSyncTask(ctx, r, ne, node)
	default:
		e.conclude(ctx, r, ne.ID, execution.StatusSucceeded, nil)
	}
	return nil
}

func (e *Engine) runChild(ctx context.Context, r *run, ne *execution.NodeExecution, node *plan.Node) {
	params, err := plan.DecodeChild(node.StepParameters)
	if err != nil {
		e.fail(ctx, r, ne.ID, CodeInvalidParameters, err.Error())
		return
	}
	child, ok := r.plan.Node(params.ChildNodeID)
	if !ok {
		e.fail(ctx, r, ne.ID, CodeInvalidParameters, fmt.Sprintf("child node %s not in plan", params.ChildNodeID))
		return
	}
	if err := e.startNode(ctx, r, ne.Ambiance, child, ne.ID, ""); err != nil {
		if e.startAborted(ne, err) {
			return
		}
		e.fail(ctx, r, ne.ID, CodeStartFailed, err.Error())
	}
}

func (e *Engine) runChildren(ctx context.Context, r *run, ne *execution.NodeExecution, node *plan.Node) {
	params, err := plan.DecodeFork(node.StepParameters)
	if err != nil {
		e.fail(ctx, r, ne.ID, CodeInvalidParameters, err.Error())
		return
	}
	children := make([]*plan.Node, 0, len(params.ChildNodeIDs))
	for _, id := range params.ChildNodeIDs {
		child, ok := r.plan.Node(id)
		if !ok {
			e.fail(ctx, r, ne.ID, CodeInvalidParameters, fmt.Sprintf("child node %s not in plan", id))
			return
		}
		children = append(children, child)
	}
	if len(children) == 0 {
		e.conclude(ctx, r, ne.ID, execution.StatusSucceeded, nil)
		return
	}

	r.openFork(ne.ID, len(children))
	var wg sync.WaitGroup
	for _, child := range children {
		wg.Add(1)
		go func(child *plan.Node) {
			defer wg.Done()
			if err := e.startNode(ctx, r, ne.Ambiance, child, ne.ID, ""); err != nil {
				if e.startAborted(ne, err) {
					return
				}
				e.childConcluded(ctx, r, ne.ID, true, &execution.FailureInfo{Code: CodeStartFailed, Message: err.Error()})
			}
		}(child)
	}
	wg.Wait()
}

func (e *Engine) runTask(ctx context.Context, r *run, ne *execution.NodeExecution, node *plan.Node, f plan.Facilitator) {
	if e.dispatcher == nil {
		e.fail(ctx, r, ne.ID, dispatch.CodeDispatchFailed, "no task dispatcher configured")
		return
	}
	params, err := e.parameters.Decode(node.StepParameters)
	if err != nil {
		e.fail(ctx, r, ne.ID, CodeInvalidParameters, err.Error())
		return
	}
	correlationID := e.dispatcher.Dispatch(ctx, ne.Ambiance, params, f, dispatch.WithTimeout(node.Timeout))
	r.trackTask(ne.ID, correlationID)
}

func (e *Engine) runSyncTask(ctx context.Context, r *run, ne *execution.NodeExecution, node *plan.Node) {
	exec, ok := e.executors[node.StepType]
	if !ok {
		e.runTask(ctx, r, ne, node, plan.FacilitatorSyncTask)
		return
	}

	execCtx := ctx
	if node.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, node.Timeout)
		defer cancel()
	}
	out, err := exec.Execute(execCtx, ne.Ambiance, node.StepParameters)
	if err != nil {
		code := CodeSyncTaskFailed
		var appErr *sdkerrors.AppError
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			code = dispatch.CodeTimeout
		case errors.As(err, &appErr) && appErr.Code != "":
			code = appErr.Code
		}
		e.fail(ctx, r, ne.ID, code, err.Error())
		return
	}
	if len(out) > 0 {
		r.storeOutput(ne.ID, ne.Identifier, out)
	}
	e.conclude(ctx, r, ne.ID, execution.StatusSucceeded, nil)
}

// armTimeout bounds how long a CHILD or CHILDREN node may stay open. The
// timer is stopped when the node concludes.
func (e *Engine) armTimeout(ctx context.Context, r *run, ne *execution.NodeExecution, timeout time.Duration) {
	ctx = context.WithoutCancel(ctx)
	id := ne.ID
	r.armTimer(id, time.AfterFunc(timeout, func() {
		e.timeOut(ctx, r, id, timeout)
	}))
}

// timeOut expires the node executions still open beneath id, stops waiting
// for their tasks and fails id with CodeTimeout.
func (e *Engine) timeOut(ctx context.Context, r *run, id string, timeout time.Duration) {
	ne, err := e.executions.Get(ctx, id)
	if err != nil || ne.Status.IsTerminal() {
		return
	}
	msg := fmt.Sprintf("%s timed out after %s", ne.Identifier, timeout)
	e.logger.Warn("Node execution timed out",
		append(ne.Ambiance.ZapFields(), zap.Duration("timeout", timeout))...)

	records, err := e.executions.List(ctx, ne.PlanExecutionID)
	if err != nil {
		e.logger.Error("Failed to list node executions of timed out node",
			zap.String("node_execution_id", id),
			zap.Error(err))
	}
	children := make(map[string][]*execution.NodeExecution)
	for _, rec := range records {
		if rec.ParentID != "" {
			children[rec.ParentID] = append(children[rec.ParentID], rec)
		}
	}
	queue := append([]*execution.NodeExecution(nil), children[id]...)
	for len(queue) > 0 {
		rec := queue[0]
		queue = append(queue[1:], children[rec.ID]...)
		if rec.Status.IsTerminal() {
			continue
		}
		_, applied, err := e.executions.UpdateStatus(ctx, rec.ID, execution.StatusExpired,
			execution.WithFailure(dispatch.CodeTimeout, msg))
		if err != nil {
			e.logger.Error("Failed to expire node execution",
				zap.String("node_execution_id", rec.ID),
				zap.Error(err))
			continue
		}
		if !applied {
			continue
		}
		r.stopTimer(rec.ID)
		if correlationID, ok := r.takeTask(rec.ID); ok && e.dispatcher != nil {
			e.dispatcher.Cancel(correlationID)
		}
	}
	e.fail(ctx, r, id, dispatch.CodeTimeout, msg)
}

func (e *Engine) fail(ctx context.Context, r *run, id, code, msg string) {
	e.conclude(ctx, r, id, execution.StatusFailed, &execution.FailureInfo{Code: code, Message: msg})
}

// startAborted reports whether a start error is the expected result of
// cancellation rather than a failure.
func (e *Engine) startAborted(parent *execution.NodeExecution, err error) bool {
	if errors.Is(err, execution.ErrPlanExecutionCancelled) {
		return true
	}
	e.logger.Error("Failed to start node execution",
		append(parent.Ambiance.ZapFields(), zap.Error(err))...)
	return false
}

// conclude moves a node to a terminal status and, if the transition applied,
// follows its advisers.
func (e *Engine) conclude(ctx context.Context, r *run, id string, status execution.Status, failure *execution.FailureInfo, opts ...execution.UpdateOption) {
	if failure != nil {
		opts = append(opts, execution.WithFailure(failure.Code, failure.Message))
	}
	ne, applied, err := e.executions.UpdateStatus(ctx, id, status, opts...)
	if err != nil {
		e.logger.Error("Failed to conclude node execution",
			zap.String("node_execution_id", id),
			zap.String("status", string(status)),
			zap.Error(err))
		if !applied {
			return
		}
	}
	if !applied {
		return
	}
	r.stopTimer(id)
	nodesConcluded.WithLabelValues(string(status)).Inc()
	e.advise(ctx, r, ne)
}

// advise applies the advisers of a concluded node: continue the chain or end
// it and report to the parent.
func (e *Engine) advise(ctx context.Context, r *run, ne *execution.NodeExecution) {
	if ne.Status == execution.StatusExpired {
		return
	}
	node, ok := r.plan.Node(ne.PlanNodeID)
	if !ok {
		e.logger.Error("Concluded node is not in the plan",
			zap.String("node_execution_id", ne.ID),
			zap.String("plan_node_id", ne.PlanNodeID))
		return
	}

	failed := ne.Status == execution.StatusFailed
	failure := ne.FailureInfo
	if failed {
		if _, ok := node.Adviser(plan.AdviserMarkSuccess); ok {
			e.logger.Info("Treating failed node as successful", ne.Ambiance.ZapFields()...)
			failed, failure = false, nil
		} else if a, ok := node.Adviser(plan.AdviserOnFailNext); ok {
			r.recordChainFailure(ne.ParentID, failure)
			e.startNext(ctx, r, ne, a.NextNodeID)
			return
		}
	}
	if !failed {
		if a, ok := node.Adviser(plan.AdviserNextStep); ok {
			e.startNext(ctx, r, ne, a.NextNodeID)
			return
		}
	}
	e.chainEnded(ctx, r, ne.ParentID, failed, failure)
}

func (e *Engine) startNext(ctx context.Context, r *run, prev *execution.NodeExecution, nextID string) {
	next, ok := r.plan.Node(nextID)
	if !ok {
		e.chainEnded(ctx, r, prev.ParentID, true, &execution.FailureInfo{
			Code:    CodeStartFailed,
			Message: fmt.Sprintf("next node %s not in plan", nextID),
		})
		return
	}
	parent, err := e.parentAmbiance(ctx, r, prev.ParentID)
	if err == nil {
		err = e.startNode(ctx, r, parent, next, prev.ParentID, prev.ID)
	}
	if err != nil {
		if e.startAborted(prev, err) {
			return
		}
		e.chainEnded(ctx, r, prev.ParentID, true, &execution.FailureInfo{Code: CodeStartFailed, Message: err.Error()})
	}
}

func (e *Engine) parentAmbiance(ctx context.Context, r *run, parentID string) (ambiance.Ambiance, error) {
	if parentID == "" {
		return r.root, nil
	}
	parent, err := e.executions.Get(ctx, parentID)
	if err != nil {
		return ambiance.Ambiance{}, err
	}
	return parent.Ambiance, nil
}

// chainEnded reports the outcome of a finished chain to the node that owns it.
func (e *Engine) chainEnded(ctx context.Context, r *run, parentID string, failed bool, failure *execution.FailureInfo) {
	if carried := r.takeChainFailure(parentID); carried != nil && !failed {
		failed, failure = true, carried
	}
	if failed && failure == nil {
		failure = &execution.FailureInfo{Code: CodeChildFailed, Message: "child failed"}
	}

	if parentID == "" {
		status := execution.StatusSucceeded
		if failed {
			status = execution.StatusFailed
		}
		e.finish(r, status, failure)
		return
	}

	parent, err := e.executions.Get(ctx, parentID)
	if err != nil {
		e.logger.Error("Failed to load parent node execution",
			zap.String("node_execution_id", parentID),
			zap.Error(err))
		return
	}
	if parent.Mode == execution.ModeChildren {
		e.childConcluded(ctx, r, parentID, failed, failure)
		return
	}
	if failed {
		e.conclude(ctx, r, parentID, execution.StatusFailed, failure)
		return
	}
	e.conclude(ctx, r, parentID, execution.StatusSucceeded, nil)
}

// childConcluded counts down a fork. The fork concludes once every child
// chain has ended, FAILED if any of them failed.
func (e *Engine) childConcluded(ctx context.Context, r *run, forkID string, failed bool, failure *execution.FailureInfo) {
	done, forkFailure := r.closeChild(forkID, failed, failure)
	if !done {
		return
	}
	if forkFailure != nil {
		e.conclude(ctx, r, forkID, execution.StatusFailed, forkFailure)
		return
	}
	e.conclude(ctx, r, forkID, execution.StatusSucceeded, nil)
}

func (e *Engine) finish(r *run, status execution.Status, failure *execution.FailureInfo) {
	if !r.setOutcome(status, failure) {
		return
	}
	planExecutionsFinished.WithLabelValues(string(status)).Inc()
	fields := []zap.Field{
		zap.String("plan_execution_id", r.root.PlanExecutionID()),
		zap.String("status", string(status)),
	}
	if failure != nil {
		fields = append(fields, zap.String("failure_code", failure.Code), zap.String("failure", failure.Message))
	}
	e.logger.Info("Plan execution finished", fields...)
}
