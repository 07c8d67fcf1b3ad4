package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/ambiance"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/dispatch"
	"github.com/wehubfusion/Daedalus/pkg/engine"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/eventlog"
	"github.com/wehubfusion/Daedalus/pkg/execution"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"github.com/wehubfusion/Daedalus/pkg/plan"
	"github.com/wehubfusion/Daedalus/pkg/plancreator"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

// recordingPool hands submitted tasks to the test instead of a worker.
type recordingPool struct {
	requests chan *dispatch.TaskRequest
	err      error
}

func (p *recordingPool) Submit(_ context.Context, req *dispatch.TaskRequest) error {
	if p.err != nil {
		return p.err
	}
	p.requests <- req
	return nil
}

type harness struct {
	engine     *engine.Engine
	executions *execution.Service
	dispatcher *dispatch.Dispatcher
	pool       *recordingPool
}

func newHarness(t *testing.T, opts ...engine.Option) *harness {
	t.Helper()
	executions, err := execution.NewService(execution.NewMemoryStore(), eventlog.NewMemoryLog(), nil)
	require.NoError(t, err)

	opts = append([]engine.Option{engine.WithIDGenerator(func() string { return "pe-1" })}, opts...)
	eng, err := engine.New(executions, opts...)
	require.NoError(t, err)

	pool := &recordingPool{requests: make(chan *dispatch.TaskRequest, 16)}
	d, err := dispatch.NewDispatcher(pool, nil, eng.HandleResult)
	require.NoError(t, err)
	eng.SetDispatcher(d)

	return &harness{engine: eng, executions: executions, dispatcher: d, pool: pool}
}

func (h *harness) nextRequest(t *testing.T) *dispatch.TaskRequest {
	t.Helper()
	select {
	case req := <-h.pool.requests:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a dispatched task")
		return nil
	}
}

func (h *harness) complete(t *testing.T, req *dispatch.TaskRequest, status execution.Status, failure *execution.FailureInfo, output string) {
	t.Helper()
	r := dispatch.Result{CorrelationID: req.CorrelationID, Status: status, Failure: failure}
	if output != "" {
		r.Output = json.RawMessage(output)
	}
	require.True(t, h.dispatcher.Hub().Deliver(r), "result for %s was not delivered", req.CorrelationID)
}

func (h *harness) wait(t *testing.T, id string) engine.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := h.engine.Wait(ctx, id)
	require.NoError(t, err)
	return out
}

// records indexes node executions by plan node id.
func (h *harness) records(t *testing.T, id string) map[string]*execution.NodeExecution {
	t.Helper()
	list, err := h.executions.List(context.Background(), id)
	require.NoError(t, err)
	out := make(map[string]*execution.NodeExecution, len(list))
	for _, ne := range list {
		out[ne.PlanNodeID] = ne
	}
	return out
}

func (h *harness) planNodeOf(t *testing.T, req *dispatch.TaskRequest) string {
	t.Helper()
	ne, err := h.executions.Get(context.Background(), req.NodeExecutionID)
	require.NoError(t, err)
	return ne.PlanNodeID
}

func root(childID string) *plan.Node {
	return &plan.Node{
		ID:             "root",
		Identifier:     "release",
		Name:           "Release",
		Group:          plan.GroupPipeline,
		StepType:       "pipeline",
		StepParameters: plan.NewChildPayload(childID),
		Facilitators:   []plan.Facilitator{plan.FacilitatorChild},
	}
}

func task(id string, advisers ...plan.Adviser) *plan.Node {
	return &plan.Node{
		ID:             id,
		Identifier:     id,
		Name:           id,
		Group:          plan.GroupStep,
		StepType:       "Run",
		StepParameters: plan.TypedPayload{Type: "Run", Data: []byte(`{"command":"make"}`)},
		Facilitators:   []plan.Facilitator{plan.FacilitatorTask},
		Advisers:       advisers,
		Timeout:        time.Minute,
	}
}

func syncTask(id string, advisers ...plan.Adviser) *plan.Node {
	n := task(id, advisers...)
	n.StepType = "Echo"
	n.StepParameters.Type = "Echo"
	n.Facilitators = []plan.Facilitator{plan.FacilitatorSyncTask}
	return n
}

func fork(id string, children ...string) *plan.Node {
	return &plan.Node{
		ID:             id,
		Identifier:     id,
		Group:          plan.GroupFork,
		StepType:       plan.StepTypeFork,
		StepParameters: plan.NewForkPayload(children),
		Facilitators:   []plan.Facilitator{plan.FacilitatorChildren},
	}
}

func next(id string) plan.Adviser {
	return plan.Adviser{Type: plan.AdviserNextStep, NextNodeID: id}
}

func newPlan(nodes ...*plan.Node) *plan.Plan {
	p := &plan.Plan{
		ID:             "plan-1",
		AccountID:      "acc",
		OrgID:          "org",
		ProjectID:      "proj",
		StartingNodeID: "root",
		Nodes:          make(map[string]*plan.Node, len(nodes)),
	}
	for _, n := range nodes {
		p.Nodes[n.ID] = n
	}
	return p
}

func TestSequentialTasks(t *testing.T) {
	h := newHarness(t)
	p := newPlan(root("a"), task("a", next("b")), task("b"))

	id, err := h.engine.StartPlanExecution(context.Background(), p, nil)
	require.NoError(t, err)
	assert.Equal(t, "pe-1", id)

	first := h.nextRequest(t)
	assert.Equal(t, "Run", first.PayloadType)
	assert.Equal(t, "acc", first.AccountID)
	assert.Equal(t, time.Minute, first.Timeout)
	assert.Equal(t, dispatch.ModeAsync, first.Mode)
	assert.Equal(t, "a", h.planNodeOf(t, first))
	h.complete(t, first, execution.StatusSucceeded, nil, `{"exit":0}`)

	second := h.nextRequest(t)
	assert.Equal(t, "b", h.planNodeOf(t, second))
	h.complete(t, second, execution.StatusSucceeded, nil, "")

	out := h.wait(t, id)
	assert.Equal(t, execution.StatusSucceeded, out.Status)
	assert.Nil(t, out.Failure)

	recs := h.records(t, id)
	require.Len(t, recs, 3)
	for _, ne := range recs {
		assert.Equal(t, execution.StatusSucceeded, ne.Status, ne.PlanNodeID)
	}
	assert.Equal(t, recs["root"].ID, recs["a"].ParentID)
	assert.Equal(t, recs["a"].ID, recs["b"].PreviousID)
	assert.Equal(t, recs["b"].ID, recs["a"].NextID)

	output, ok := h.engine.Output(id, recs["a"].ID)
	require.True(t, ok)
	assert.JSONEq(t, `{"exit":0}`, string(output))
}

func TestFailureStopsChain(t *testing.T) {
	h := newHarness(t)
	p := newPlan(root("a"), task("a", next("b")), task("b"))

	id, err := h.engine.StartPlanExecution(context.Background(), p, nil)
	require.NoError(t, err)
	h.complete(t, h.nextRequest(t), execution.StatusFailed, &execution.FailureInfo{Code: "EXIT_1", Message: "exit status 1"}, "")

	out := h.wait(t, id)
	assert.Equal(t, execution.StatusFailed, out.Status)
	require.NotNil(t, out.Failure)
	assert.Equal(t, "EXIT_1", out.Failure.Code)

	recs := h.records(t, id)
	assert.NotContains(t, recs, "b")
	assert.Equal(t, execution.StatusFailed, recs["root"].Status)
}

func TestFailureAdvisers(t *testing.T) {
	tests := []struct {
		name       string
		adviser    plan.AdviserType
		wantStatus execution.Status
	}{
		{"mark success", plan.AdviserMarkSuccess, execution.StatusSucceeded},
		{"continue on failure", plan.AdviserOnFailNext, execution.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			p := newPlan(root("a"), task("a", next("b"), plan.Adviser{Type: tt.adviser, NextNodeID: "b"}), task("b"))

			id, err := h.engine.StartPlanExecution(context.Background(), p, nil)
			require.NoError(t, err)
			h.complete(t, h.nextRequest(t), execution.StatusFailed, &execution.FailureInfo{Code: "EXIT_1"}, "")

			second := h.nextRequest(t)
			assert.Equal(t, "b", h.planNodeOf(t, second))
			h.complete(t, second, execution.StatusSucceeded, nil, "")

			out := h.wait(t, id)
			assert.Equal(t, tt.wantStatus, out.Status)
			assert.Equal(t, execution.StatusFailed, h.records(t, id)["a"].Status)
		})
	}
}

func TestForkWaitsForAllChildren(t *testing.T) {
	h := newHarness(t)
	p := newPlan(root("f"), fork("f", "x", "y"), task("x"), task("y"))

	id, err := h.engine.StartPlanExecution(context.Background(), p, nil)
	require.NoError(t, err)

	byNode := map[string]*dispatch.TaskRequest{}
	for i := 0; i < 2; i++ {
		req := h.nextRequest(t)
		byNode[h.planNodeOf(t, req)] = req
	}
	require.Contains(t, byNode, "x")
	require.Contains(t, byNode, "y")

	h.complete(t, byNode["x"], execution.StatusSucceeded, nil, "")
	require.Eventually(t, func() bool {
		return h.records(t, id)["x"].Status == execution.StatusSucceeded
	}, time.Second, 5*time.Millisecond)
	_, finished := h.engine.Outcome(id)
	assert.False(t, finished, "fork must wait for every child")
	assert.Equal(t, execution.StatusRunning, h.records(t, id)["f"].Status)

	h.complete(t, byNode["y"], execution.StatusFailed, &execution.FailureInfo{Code: "EXIT_2"}, "")
	out := h.wait(t, id)
	assert.Equal(t, execution.StatusFailed, out.Status)
	assert.Equal(t, "EXIT_2", out.Failure.Code)

	recs := h.records(t, id)
	assert.Equal(t, execution.StatusFailed, recs["f"].Status)
	assert.Equal(t, recs["f"].ID, recs["x"].ParentID)
	assert.Equal(t, recs["f"].ID, recs["y"].ParentID)
	assert.Empty(t, recs["x"].PreviousID)
	assert.Empty(t, recs["y"].PreviousID)
}

func TestSkipCondition(t *testing.T) {
	h := newHarness(t)
	a := task("a", next("b"))
	a.SkipCondition = `inputs.skipTests === true && pipeline.account == "acc"`
	p := newPlan(root("a"), a, task("b"))

	id, err := h.engine.StartPlanExecution(context.Background(), p, map[string]any{"skipTests": true})
	require.NoError(t, err)

	req := h.nextRequest(t)
	assert.Equal(t, "b", h.planNodeOf(t, req))
	h.complete(t, req, execution.StatusSucceeded, nil, "")

	out := h.wait(t, id)
	assert.Equal(t, execution.StatusSucceeded, out.Status)
	recs := h.records(t, id)
	assert.Equal(t, execution.StatusSkipped, recs["a"].Status)
	assert.Equal(t, execution.ModeSkip, recs["a"].Mode)
}

func TestInvalidSkipConditionFailsNode(t *testing.T) {
	h := newHarness(t)
	a := task("a")
	a.SkipCondition = `"not a boolean"`
	p := newPlan(root("a"), a)

	id, err := h.engine.StartPlanExecution(context.Background(), p, nil)
	require.NoError(t, err)

	out := h.wait(t, id)
	assert.Equal(t, execution.StatusFailed, out.Status)
	assert.Equal(t, engine.CodeInvalidCondition, out.Failure.Code)
}

func TestSyncExecutor(t *testing.T) {
	var seen ambiance.Ambiance
	echo := engine.SyncExecutorFunc(func(_ context.Context, amb ambiance.Ambiance, params plan.TypedPayload) (json.RawMessage, error) {
		seen = amb
		return json.RawMessage(`{"skipDeploy":true}`), nil
	})
	h := newHarness(t, engine.WithSyncExecutor("Echo", echo))

	b := task("b")
	b.SkipCondition = `outputs.a.skipDeploy`
	p := newPlan(root("a"), syncTask("a", next("b")), b)

	id, err := h.engine.StartPlanExecution(context.Background(), p, nil)
	require.NoError(t, err)

	out := h.wait(t, id)
	assert.Equal(t, execution.StatusSucceeded, out.Status)

	recs := h.records(t, id)
	assert.Equal(t, execution.StatusSucceeded, recs["a"].Status)
	assert.Equal(t, execution.ModeSync, recs["a"].Mode)
	assert.Equal(t, execution.StatusSkipped, recs["b"].Status)

	step, ok := seen.StepLevel()
	require.True(t, ok)
	assert.Equal(t, recs["a"].ID, step.RuntimeID)
	assert.Equal(t, "release", seen.PipelineID())
}

func TestSyncExecutorErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"plain error", errors.New("boom"), engine.CodeSyncTaskFailed},
		{"coded error", sdkerrors.NewValidationError("bad input", "BAD_INPUT", nil), "BAD_INPUT"},
		{"deadline", context.DeadlineExceeded, dispatch.CodeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, engine.WithSyncExecutor("Echo", engine.SyncExecutorFunc(
				func(context.Context, ambiance.Ambiance, plan.TypedPayload) (json.RawMessage, error) {
					return nil, tt.err
				})))
			id, err := h.engine.StartPlanExecution(context.Background(), newPlan(root("a"), syncTask("a")), nil)
			require.NoError(t, err)
			out := h.wait(t, id)
			assert.Equal(t, execution.StatusFailed, out.Status)
			assert.Equal(t, tt.wantCode, out.Failure.Code)
		})
	}
}

func TestSyncTaskWithoutExecutorIsDispatched(t *testing.T) {
	h := newHarness(t)
	id, err := h.engine.StartPlanExecution(context.Background(), newPlan(root("a"), syncTask("a")), nil)
	require.NoError(t, err)

	req := h.nextRequest(t)
	assert.Equal(t, dispatch.ModeSync, req.Mode)
	h.complete(t, req, execution.StatusSkipped, nil, "")

	out := h.wait(t, id)
	assert.Equal(t, execution.StatusSucceeded, out.Status)
	assert.Equal(t, execution.StatusSkipped, h.records(t, id)["a"].Status)
}

func TestDispatchFailureFailsNode(t *testing.T) {
	h := newHarness(t)
	h.pool.err = sdkerrors.ErrWorkerUnavailable

	id, err := h.engine.StartPlanExecution(context.Background(), newPlan(root("a"), task("a")), nil)
	require.NoError(t, err)

	out := h.wait(t, id)
	assert.Equal(t, execution.StatusFailed, out.Status)
	assert.Equal(t, dispatch.CodeWorkerUnavailable, out.Failure.Code)
}

func TestOffloadedResult(t *testing.T) {
	blobs := storage.NewMemoryBlobClient()
	payloads := storage.NewPayloadStore(blobs, 4, nil)
	h := newHarness(t, engine.WithPayloadStore(payloads))

	id, err := h.engine.StartPlanExecution(context.Background(), newPlan(root("a"), task("a")), nil)
	require.NoError(t, err)
	req := h.nextRequest(t)

	data := []byte(`{"log":"lots of output"}`)
	ref, err := payloads.Offload(context.Background(), storage.ResultPayloadPath(id, req.CorrelationID), data, nil)
	require.NoError(t, err)
	require.True(t, h.dispatcher.Hub().Deliver(dispatch.Result{
		CorrelationID: req.CorrelationID,
		Status:        execution.StatusSucceeded,
		BlobReference: ref,
	}))

	out := h.wait(t, id)
	assert.Equal(t, execution.StatusSucceeded, out.Status)
	output, ok := h.engine.Output(id, req.NodeExecutionID)
	require.True(t, ok)
	assert.JSONEq(t, string(data), string(output))
	assert.Zero(t, blobs.Len(), "offloaded result should be discarded once resolved")
}

func TestOffloadedResultWithoutStore(t *testing.T) {
	h := newHarness(t)
	id, err := h.engine.StartPlanExecution(context.Background(), newPlan(root("a"), task("a")), nil)
	require.NoError(t, err)
	req := h.nextRequest(t)

	require.True(t, h.dispatcher.Hub().Deliver(dispatch.Result{
		CorrelationID: req.CorrelationID,
		Status:        execution.StatusSucceeded,
		BlobReference: &message.BlobReference{URL: "memory://results/gone", SizeBytes: 3},
	}))
	out := h.wait(t, id)
	assert.Equal(t, execution.StatusFailed, out.Status)
	assert.Equal(t, engine.CodeResultUnavailable, out.Failure.Code)
}

func TestCancelExpiresRunningNodes(t *testing.T) {
	h := newHarness(t)
	p := newPlan(root("a"), task("a", next("b")), task("b"))

	id, err := h.engine.StartPlanExecution(context.Background(), p, nil)
	require.NoError(t, err)
	req := h.nextRequest(t)

	require.NoError(t, h.engine.Cancel(context.Background(), id))
	out := h.wait(t, id)
	assert.Equal(t, execution.StatusExpired, out.Status)
	assert.Equal(t, dispatch.CodeCancelled, out.Failure.Code)

	// a late completion changes nothing
	h.dispatcher.Hub().Deliver(dispatch.Result{CorrelationID: req.CorrelationID, Status: execution.StatusSucceeded})
	time.Sleep(20 * time.Millisecond)

	recs := h.records(t, id)
	assert.Len(t, recs, 2)
	assert.NotContains(t, recs, "b")
	for _, ne := range recs {
		assert.Equal(t, execution.StatusExpired, ne.Status, ne.PlanNodeID)
	}
	assert.True(t, h.executions.IsCancelled(id))

	h.engine.Forget(id)
	assert.False(t, h.executions.IsCancelled(id))
	assert.ErrorIs(t, h.engine.Cancel(context.Background(), id), engine.ErrUnknownPlanExecution)
}

func TestStartPlanExecutionErrors(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.StartPlanExecution(context.Background(), nil, nil)
	assert.Error(t, err)

	_, err = h.engine.StartPlanExecution(context.Background(), &plan.Plan{StartingNodeID: "missing"}, nil)
	assert.ErrorIs(t, err, engine.ErrNoStartingNode)

	_, err = h.engine.Wait(context.Background(), "nope")
	assert.ErrorIs(t, err, engine.ErrUnknownPlanExecution)

	_, err = engine.New(nil)
	assert.Error(t, err)
}

func TestUnknownResultIsDropped(t *testing.T) {
	h := newHarness(t)
	assert.NotPanics(t, func() {
		h.engine.HandleResult(context.Background(), dispatch.Result{PlanExecutionID: "ghost", CorrelationID: "c"})
	})
}

func TestStageTimeoutExpiresOpenChildren(t *testing.T) {
	h := newHarness(t)
	stage := root("a")
	stage.Timeout = 50 * time.Millisecond
	p := newPlan(stage, task("a", next("b")), task("b"))

	id, err := h.engine.StartPlanExecution(context.Background(), p, nil)
	require.NoError(t, err)
	req := h.nextRequest(t)

	out := h.wait(t, id)
	assert.Equal(t, execution.StatusFailed, out.Status)
	require.NotNil(t, out.Failure)
	assert.Equal(t, dispatch.CodeTimeout, out.Failure.Code)

	// the task is no longer awaited
	assert.False(t, h.dispatcher.Hub().Deliver(dispatch.Result{CorrelationID: req.CorrelationID, Status: execution.StatusSucceeded}))

	recs := h.records(t, id)
	assert.Equal(t, execution.StatusFailed, recs["root"].Status)
	assert.Equal(t, execution.StatusExpired, recs["a"].Status)
	require.NotNil(t, recs["a"].FailureInfo)
	assert.Equal(t, dispatch.CodeTimeout, recs["a"].FailureInfo.Code)
	assert.NotContains(t, recs, "b")
}

func TestStageFinishingInTimeIsNotTimedOut(t *testing.T) {
	h := newHarness(t)
	stage := root("a")
	stage.Timeout = 100 * time.Millisecond
	id, err := h.engine.StartPlanExecution(context.Background(), newPlan(stage, task("a")), nil)
	require.NoError(t, err)
	h.complete(t, h.nextRequest(t), execution.StatusSucceeded, nil, "")

	out := h.wait(t, id)
	assert.Equal(t, execution.StatusSucceeded, out.Status)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, execution.StatusSucceeded, h.records(t, id)["root"].Status)
}

const conditionalPipeline = `
pipeline:
  identifier: release
  stages:
    - stage:
        identifier: ship
        type: Deployment
        spec:
          execution:
            steps:
              - step:
                  identifier: deploy
                  type: Local
                  when: inputs.deploy === true
              - step:
                  identifier: announce
                  type: Local
                  skipCondition: inputs.deploy === true
              - step:
                  identifier: verify
                  type: Local
                  when: inputs.deploy === true
                  skipCondition: inputs.fast === true
`

func TestCompiledConditions(t *testing.T) {
	compiler, err := plancreator.NewCompiler(plancreator.DefaultRegistry(0, "Local"), concurrency.NewLimiter(2), nil, nil)
	require.NoError(t, err)
	p, err := compiler.Compile(context.Background(), plancreator.Tenant{AccountID: "acc"}, []byte(conditionalPipeline))
	require.NoError(t, err)

	tests := []struct {
		name   string
		inputs map[string]any
		want   map[string]execution.Status
	}{
		{
			name:   "when holds",
			inputs: map[string]any{"deploy": true},
			want: map[string]execution.Status{
				"deploy":   execution.StatusSucceeded,
				"announce": execution.StatusSkipped,
				"verify":   execution.StatusSucceeded,
			},
		},
		{
			name:   "when does not hold",
			inputs: map[string]any{"deploy": false},
			want: map[string]execution.Status{
				"deploy":   execution.StatusSkipped,
				"announce": execution.StatusSucceeded,
				"verify":   execution.StatusSkipped,
			},
		},
		{
			name:   "skip condition wins over when",
			inputs: map[string]any{"deploy": true, "fast": true},
			want: map[string]execution.Status{
				"deploy":   execution.StatusSucceeded,
				"announce": execution.StatusSkipped,
				"verify":   execution.StatusSkipped,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ran []string
			h := newHarness(t, engine.WithSyncExecutor("Local", engine.SyncExecutorFunc(
				func(_ context.Context, amb ambiance.Ambiance, _ plan.TypedPayload) (json.RawMessage, error) {
					step, _ := amb.StepLevel()
					ran = append(ran, step.Identifier)
					return nil, nil
				})))

			id, err := h.engine.StartPlanExecution(context.Background(), p, tt.inputs)
			require.NoError(t, err)
			out := h.wait(t, id)
			assert.Equal(t, execution.StatusSucceeded, out.Status)

			list, err := h.executions.List(context.Background(), id)
			require.NoError(t, err)
			got := map[string]execution.Status{}
			for _, ne := range list {
				if _, ok := tt.want[ne.Identifier]; ok {
					got[ne.Identifier] = ne.Status
				}
			}
			assert.Equal(t, tt.want, got)
			for _, identifier := range ran {
				assert.Equal(t, execution.StatusSucceeded, got[identifier], identifier)
			}
		})
	}
}
