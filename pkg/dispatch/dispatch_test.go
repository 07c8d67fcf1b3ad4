package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/ambiance"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/dispatch"
	"github.com/wehubfusion/Daedalus/pkg/execution"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"github.com/wehubfusion/Daedalus/pkg/message/messagetest"
	"github.com/wehubfusion/Daedalus/pkg/plan"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

type shellParams struct {
	Script string   `json:"script"`
	Needs  []string `json:"-"`
}

func (p shellParams) PayloadType() string     { return "ShellScript" }
func (p shellParams) Encode() ([]byte, error) { return json.Marshal(p) }

func (p shellParams) RequiredCapabilities() []dispatch.ExecutionCapability {
	caps := make([]dispatch.ExecutionCapability, 0, len(p.Needs))
	for _, n := range p.Needs {
		caps = append(caps, dispatch.ExecutionCapability{Type: n})
	}
	return caps
}

type brokenParams struct{}

func (brokenParams) PayloadType() string     { return "Broken" }
func (brokenParams) Encode() ([]byte, error) { return nil, errors.New("boom") }

func stepAmbiance() ambiance.Ambiance {
	return ambiance.New("pe-1", map[string]string{
		ambiance.AccountIDKey:  "acc",
		ambiance.OrgIDKey:      "org",
		ambiance.ProjectIDKey:  "proj",
		ambiance.PipelineIDKey: "pipe",
	}).
		WithLevel(ambiance.Level{Group: ambiance.GroupStage, Identifier: "build", SetupID: "s-1", RuntimeID: "ne-stage"}).
		WithLevel(ambiance.Level{Group: ambiance.GroupStep, Identifier: "compile", SetupID: "s-2", RuntimeID: "ne-step", StepType: "ShellScript"})
}

type harness struct {
	js         *messagetest.MockJS
	pool       *dispatch.NATSWorkerPool
	dispatcher *dispatch.Dispatcher
	results    chan dispatch.Result
}

func newHarness(t *testing.T, poolOpts ...dispatch.PoolOption) *harness {
	t.Helper()
	js := messagetest.NewMockJS()
	svc, err := message.NewMessageService(js, 5, 3, "RESULTS", "result")
	require.NoError(t, err)
	pool, err := dispatch.NewNATSWorkerPool(svc, poolOpts...)
	require.NoError(t, err)

	results := make(chan dispatch.Result, 8)
	seq := 0
	d, err := dispatch.NewDispatcher(pool, nil, func(_ context.Context, r dispatch.Result) {
		results <- r
	}, dispatch.WithIDGenerator(func() string {
		seq++
		return fmt.Sprintf("corr-%d", seq)
	}))
	require.NoError(t, err)
	return &harness{js: js, pool: pool, dispatcher: d, results: results}
}

func (h *harness) next(t *testing.T) dispatch.Result {
	t.Helper()
	select {
	case r := <-h.results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered")
		return dispatch.Result{}
	}
}

func (h *harness) assertNoResult(t *testing.T) {
	t.Helper()
	select {
	case r := <-h.results:
		t.Fatalf("unexpected result %+v", r)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBuildTaskRequest_NoCapabilities(t *testing.T) {
	amb := stepAmbiance()
	params := dispatch.RawParameters{Type: "ShellScript", Data: []byte(`{"script":"make"}`)}

	req, err := dispatch.BuildTaskRequest("corr-1", amb, params, plan.FacilitatorTask, time.Minute)
	require.NoError(t, err)

	require.NotNil(t, req.Capabilities)
	assert.Empty(t, req.Capabilities)
	assert.Equal(t, dispatch.ModeAsync, req.Mode)
	assert.Equal(t, "acc", req.AccountID)
	assert.Equal(t, "pe-1", req.PlanExecutionID)
	assert.Equal(t, "ne-step", req.NodeExecutionID)
	assert.Equal(t, amb.LogKey(), req.LogKey)
	assert.Equal(t, "ShellScript", req.PayloadType)
	assert.Equal(t, []byte(`{"script":"make"}`), req.Payload)
	assert.Equal(t, time.Minute, req.Timeout)
}

func TestBuildTaskRequest_DeclaredCapabilities(t *testing.T) {
	params := shellParams{Script: "nvidia-smi", Needs: []string{"gpu", "linux"}}

	req, err := dispatch.BuildTaskRequest("corr-1", stepAmbiance(), params, plan.FacilitatorSyncTask, 0)
	require.NoError(t, err)
	assert.Equal(t, dispatch.ModeSync, req.Mode)
	assert.Equal(t, []dispatch.ExecutionCapability{{Type: "gpu"}, {Type: "linux"}}, req.Capabilities)
}

func TestBuildTaskRequest_Errors(t *testing.T) {
	amb := stepAmbiance()

	_, err := dispatch.BuildTaskRequest("c", amb, dispatch.RawParameters{Type: "x"}, plan.FacilitatorChildren, 0)
	assert.ErrorIs(t, err, dispatch.ErrUnsupportedFacilitator)

	_, err = dispatch.BuildTaskRequest("c", amb, brokenParams{}, plan.FacilitatorTask, 0)
	assert.ErrorIs(t, err, dispatch.ErrEncodeParameters)

	_, err = dispatch.BuildTaskRequest("c", amb, nil, plan.FacilitatorTask, 0)
	assert.ErrorIs(t, err, dispatch.ErrEncodeParameters)
}

func TestParameterRegistry(t *testing.T) {
	reg := dispatch.NewParameterRegistry()
	reg.Register("ShellScript", func(p plan.TypedPayload) (dispatch.Parameters, error) {
		var sp shellParams
		if err := json.Unmarshal(p.Data, &sp); err != nil {
			return nil, err
		}
		sp.Needs = []string{"linux"}
		return sp, nil
	})

	params, err := reg.Decode(plan.TypedPayload{Type: "ShellScript", Data: []byte(`{"script":"ls"}`)})
	require.NoError(t, err)
	require.Implements(t, (*dispatch.CapabilityDeclarer)(nil), params)
	assert.Equal(t, "ls", params.(shellParams).Script)

	params, err = reg.Decode(plan.TypedPayload{Type: "Http", Data: []byte("raw")})
	require.NoError(t, err)
	assert.Equal(t, dispatch.RawParameters{Type: "Http", Data: []byte("raw")}, params)

	_, err = reg.Decode(plan.TypedPayload{Type: "ShellScript", Data: []byte("{")})
	assert.Error(t, err)
}

func TestNotifyHub(t *testing.T) {
	hub := dispatch.NewNotifyHub()

	ch := hub.Register("a", 0)
	assert.Equal(t, 1, hub.Pending())
	assert.True(t, hub.Deliver(dispatch.Result{CorrelationID: "a", Status: execution.StatusSucceeded}))
	assert.False(t, hub.Deliver(dispatch.Result{CorrelationID: "a", Status: execution.StatusFailed}), "duplicate must be dropped")

	r, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, execution.StatusSucceeded, r.Status)
	_, ok = <-ch
	assert.False(t, ok, "channel closes after the single result")
	assert.Equal(t, 0, hub.Pending())

	ch = hub.Register("b", 0)
	hub.Cancel("b")
	_, ok = <-ch
	assert.False(t, ok)
	assert.False(t, hub.Deliver(dispatch.Result{CorrelationID: "b"}))
}

func TestNotifyHub_Timeout(t *testing.T) {
	hub := dispatch.NewNotifyHub()
	ch := hub.Register("slow", 10*time.Millisecond)

	select {
	case r := <-ch:
		assert.Equal(t, execution.StatusFailed, r.Status)
		require.NotNil(t, r.Failure)
		assert.Equal(t, dispatch.CodeTimeout, r.Failure.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout result not delivered")
	}
	assert.False(t, hub.Deliver(dispatch.Result{CorrelationID: "slow", Status: execution.StatusSucceeded}))
}

func TestDispatch_EmptyCapabilitiesIsNotAFailure(t *testing.T) {
	h := newHarness(t)
	params := dispatch.RawParameters{Type: "ShellScript", Data: []byte(`{"script":"make"}`)}

	corr := h.dispatcher.Dispatch(context.Background(), stepAmbiance(), params, plan.FacilitatorTask)
	assert.Equal(t, "corr-1", corr)
	h.assertNoResult(t)

	published := h.js.Published("TASKS.default")
	require.Len(t, published, 1)
	msg, err := message.TaskMessageFromBytes(published[0].Data)
	require.NoError(t, err)
	assert.Equal(t, corr, msg.CorrelationID)
	assert.Equal(t, "ne-step", msg.NodeExecutionID)
	assert.Equal(t, message.ModeAsync, msg.Mode)
	require.NotNil(t, msg.Capabilities)
	assert.Empty(t, msg.Capabilities)

	ok := h.dispatcher.Complete(context.Background(),
		message.NewResultMessage(corr, message.StatusSuccess).
			WithExecution("pe-1", "ne-step").
			WithInlineResult(json.RawMessage(`{"exit":0}`)))
	require.True(t, ok)

	r := h.next(t)
	assert.Equal(t, corr, r.CorrelationID)
	assert.Equal(t, execution.StatusSucceeded, r.Status)
	assert.JSONEq(t, `{"exit":0}`, string(r.Output))
	assert.Nil(t, r.Failure)

	assert.False(t, h.dispatcher.Complete(context.Background(), message.NewResultMessage(corr, message.StatusSuccess)),
		"duplicate result is dropped")
	h.assertNoResult(t)
}

func TestDispatch_CapabilityRouting(t *testing.T) {
	h := newHarness(t, dispatch.WithSupportedCapabilities("gpu"))
	h.dispatcher.Dispatch(context.Background(), stepAmbiance(), shellParams{Script: "train", Needs: []string{"gpu"}}, plan.FacilitatorTask)

	h.assertNoResult(t)
	assert.Len(t, h.js.Published("TASKS.gpu"), 1)
}

func TestDispatch_FailuresAreDeliveredAsync(t *testing.T) {
	tests := []struct {
		name     string
		opts     []dispatch.PoolOption
		params   dispatch.Parameters
		f        plan.Facilitator
		setup    func(js *messagetest.MockJS)
		wantCode string
	}{
		{
			name:     "capability mismatch",
			opts:     []dispatch.PoolOption{dispatch.WithSupportedCapabilities("linux")},
			params:   shellParams{Script: "x", Needs: []string{"windows"}},
			f:        plan.FacilitatorTask,
			wantCode: dispatch.CodeCapabilityMismatch,
		},
		{
			name:     "serialization failure",
			params:   brokenParams{},
			f:        plan.FacilitatorTask,
			wantCode: dispatch.CodeSerializationFailed,
		},
		{
			name:     "worker unavailable",
			params:   dispatch.RawParameters{Type: "ShellScript", Data: []byte("{}")},
			f:        plan.FacilitatorTask,
			setup:    func(js *messagetest.MockJS) { js.PublishErr = errors.New("nats: no responders") },
			wantCode: dispatch.CodeWorkerUnavailable,
		},
		{
			name:     "facilitator not dispatchable",
			params:   dispatch.RawParameters{Type: "ShellScript"},
			f:        plan.FacilitatorChild,
			wantCode: dispatch.CodeDispatchFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.opts...)
			if tt.setup != nil {
				tt.setup(h.js)
			}

			var corr string
			assert.NotPanics(t, func() {
				corr = h.dispatcher.Dispatch(context.Background(), stepAmbiance(), tt.params, tt.f)
			})
			require.NotEmpty(t, corr)

			r := h.next(t)
			assert.Equal(t, corr, r.CorrelationID)
			assert.Equal(t, execution.StatusFailed, r.Status)
			require.NotNil(t, r.Failure)
			assert.Equal(t, tt.wantCode, r.Failure.Code)
			assert.Equal(t, "pe-1", r.PlanExecutionID)
			assert.Equal(t, "ne-step", r.NodeExecutionID)
		})
	}
}

func TestDispatch_CircuitBreakerOpens(t *testing.T) {
	breaker := concurrency.NewCircuitBreaker(1, time.Hour)
	h := newHarness(t, dispatch.WithCircuitBreaker(breaker))
	h.js.PublishErr = errors.New("connection refused")

	params := dispatch.RawParameters{Type: "ShellScript", Data: []byte("{}")}
	h.dispatcher.Dispatch(context.Background(), stepAmbiance(), params, plan.FacilitatorTask)
	first := h.next(t)
	assert.Equal(t, dispatch.CodeWorkerUnavailable, first.Failure.Code)
	assert.Equal(t, concurrency.StateOpen, breaker.GetState())

	h.js.PublishErr = nil
	h.dispatcher.Dispatch(context.Background(), stepAmbiance(), params, plan.FacilitatorTask)
	second := h.next(t)
	assert.Equal(t, dispatch.CodeWorkerUnavailable, second.Failure.Code)
	assert.Contains(t, second.Failure.Message, "circuit breaker")
	assert.Empty(t, h.js.Published(""), "open breaker must not publish")
}

func TestDispatch_OffloadsLargePayloads(t *testing.T) {
	blobs := storage.NewMemoryBlobClient()
	h := newHarness(t, dispatch.WithPayloadStore(storage.NewPayloadStore(blobs, 8, nil)))

	payload := []byte(`{"script":"a long script body"}`)
	corr := h.dispatcher.Dispatch(context.Background(), stepAmbiance(),
		dispatch.RawParameters{Type: "ShellScript", Data: payload}, plan.FacilitatorTask)
	h.assertNoResult(t)

	published := h.js.Published("TASKS.default")
	require.Len(t, published, 1)
	msg, err := message.TaskMessageFromBytes(published[0].Data)
	require.NoError(t, err)
	require.True(t, msg.HasBlobReference())
	assert.Empty(t, msg.Payload)
	assert.Equal(t, "memory://"+storage.TaskPayloadPath("acc", "pe-1", corr), msg.BlobReference.URL)
	assert.Equal(t, len(payload), msg.BlobReference.SizeBytes)
	assert.Equal(t, 1, blobs.Len())
}

func TestDispatch_Timeout(t *testing.T) {
	h := newHarness(t)
	corr := h.dispatcher.Dispatch(context.Background(), stepAmbiance(),
		dispatch.RawParameters{Type: "ShellScript", Data: []byte("{}")}, plan.FacilitatorTask,
		dispatch.WithTimeout(10*time.Millisecond))

	r := h.next(t)
	assert.Equal(t, corr, r.CorrelationID)
	assert.Equal(t, dispatch.CodeTimeout, r.Failure.Code)
	assert.Equal(t, "ne-step", r.NodeExecutionID)
}

func TestDispatch_CancelSuppressesResult(t *testing.T) {
	h := newHarness(t)
	corr := h.dispatcher.Dispatch(context.Background(), stepAmbiance(),
		dispatch.RawParameters{Type: "ShellScript", Data: []byte("{}")}, plan.FacilitatorTask)
	h.dispatcher.Cancel(corr)

	assert.False(t, h.dispatcher.Complete(context.Background(), message.NewResultMessage(corr, message.StatusSuccess)))
	h.assertNoResult(t)
}

func TestResultFromMessage(t *testing.T) {
	failed := message.NewResultMessage("c", message.StatusFailed).
		WithError(&message.ResultError{Code: "OOM", Message: "killed"})
	r := dispatch.ResultFromMessage(failed)
	assert.Equal(t, execution.StatusFailed, r.Status)
	assert.Equal(t, &execution.FailureInfo{Code: "OOM", Message: "killed"}, r.Failure)

	r = dispatch.ResultFromMessage(message.NewResultMessage("c", message.StatusSkipped))
	assert.Equal(t, execution.StatusSkipped, r.Status)
	assert.Nil(t, r.Failure)
}
