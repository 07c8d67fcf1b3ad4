package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/ambiance"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"github.com/wehubfusion/Daedalus/pkg/plan"
)

// DefaultTaskTimeout bounds how long a task may wait for its result when the
// step declares no timeout.
const DefaultTaskTimeout = 30 * time.Minute

// ResultSink receives every dispatched task's Result exactly once, on a
// goroutine owned by the dispatcher.
type ResultSink func(ctx context.Context, r Result)

// Dispatcher submits task requests and routes their results to a sink.
type Dispatcher struct {
	pool           WorkerPool
	hub            *NotifyHub
	sink           ResultSink
	newID          func() string
	defaultTimeout time.Duration
	logger         *zap.Logger
	tracer         trace.Tracer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithIDGenerator overrides correlation id generation.
func WithIDGenerator(fn func() string) Option {
	return func(d *Dispatcher) { d.newID = fn }
}

// WithDefaultTimeout sets the timeout used when a dispatch names none.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.defaultTimeout = timeout }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// NewDispatcher creates a dispatcher. hub may be nil, in which case a
// private hub is used.
func NewDispatcher(pool WorkerPool, hub *NotifyHub, sink ResultSink, opts ...Option) (*Dispatcher, error) {
	if pool == nil {
		return nil, errors.New("worker pool cannot be nil")
	}
	if sink == nil {
		return nil, errors.New("result sink cannot be nil")
	}
	if hub == nil {
		hub = NewNotifyHub()
	}
	d := &Dispatcher{
		pool:           pool,
		hub:            hub,
		sink:           sink,
		newID:          uuid.NewString,
		defaultTimeout: DefaultTaskTimeout,
		logger:         zap.NewNop(),
		tracer:         otel.Tracer("daedalus/dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	return d, nil
}

// Hub returns the notify hub results are correlated through.
func (d *Dispatcher) Hub() *NotifyHub { return d.hub }

// DispatchOption adjusts a single dispatch.
type DispatchOption func(*dispatchOptions)

type dispatchOptions struct {
	timeout time.Duration
}

// WithTimeout sets the task timeout. Non-positive values keep the default.
func WithTimeout(timeout time.Duration) DispatchOption {
	return func(o *dispatchOptions) { o.timeout = timeout }
}

// Dispatch submits params for the node described by amb and returns the
// correlation id its Result will carry. It never fails synchronously: every
// failure is delivered to the sink as a FAILED Result.
func (d *Dispatcher) Dispatch(ctx context.Context, amb ambiance.Ambiance, params Parameters, f plan.Facilitator, opts ...DispatchOption) string {
	o := dispatchOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = d.defaultTimeout
	}

	correlationID := d.newID()
	nodeExecutionID := ""
	if level, ok := amb.CurrentLevel(); ok {
		nodeExecutionID = level.RuntimeID
	}

	ch := d.hub.Register(correlationID, o.timeout)
	pendingTasks.Inc()
	go d.forward(context.WithoutCancel(ctx), ch, amb.PlanExecutionID(), nodeExecutionID)

	ctx, span := d.tracer.Start(ctx, "dispatch.task",
		trace.WithAttributes(amb.Attributes()...),
		trace.WithAttributes(
			attribute.String("dispatch.correlation_id", correlationID),
			attribute.String("dispatch.facilitator", string(f)),
		))
	defer span.End()

	logger := d.logger.With(amb.ZapFields()...).With(zap.String("correlation_id", correlationID))

	req, err := BuildTaskRequest(correlationID, amb, params, f, o.timeout)
	if err == nil {
		err = d.pool.Submit(ctx, req)
	}
	if err != nil {
		code := failureCode(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		logger.Warn("Task dispatch failed", zap.String("code", code), zap.Error(err))
		tasksDispatched.WithLabelValues(outcomeRejected).Inc()
		d.hub.Deliver(Failed(correlationID, code, err.Error()))
		return correlationID
	}

	tasksDispatched.WithLabelValues(outcomeSubmitted).Inc()
	span.SetAttributes(
		attribute.String("dispatch.mode", string(req.Mode)),
		attribute.Int("dispatch.capabilities", len(req.Capabilities)))
	logger.Debug("Task dispatched",
		zap.String("payload_type", req.PayloadType),
		zap.String("mode", string(req.Mode)))
	return correlationID
}

// Complete routes a worker's result message to its waiter. It reports false
// for duplicate or late results, which are dropped.
func (d *Dispatcher) Complete(ctx context.Context, m *message.ResultMessage) bool {
	r := ResultFromMessage(m)
	if d.hub.Deliver(r) {
		return true
	}
	lateResults.Inc()
	d.logger.Warn("Dropping result with no waiting task",
		zap.String("correlation_id", m.CorrelationID),
		zap.String("plan_execution_id", m.PlanExecutionID),
		zap.String("status", m.Status))
	return false
}

// Cancel stops waiting for correlationID. The sink is not called for it.
func (d *Dispatcher) Cancel(correlationID string) {
	d.hub.Cancel(correlationID)
}

func (d *Dispatcher) forward(ctx context.Context, ch <-chan Result, planExecutionID, nodeExecutionID string) {
	r, ok := <-ch
	pendingTasks.Dec()
	if !ok {
		return
	}
	if r.PlanExecutionID == "" {
		r.PlanExecutionID = planExecutionID
	}
	if r.NodeExecutionID == "" {
		r.NodeExecutionID = nodeExecutionID
	}
	resultsReceived.WithLabelValues(string(r.Status)).Inc()
	d.sink(ctx, r)
}

func failureCode(err error) string {
	switch {
	case errors.Is(err, sdkerrors.ErrCapabilityMismatch):
		return CodeCapabilityMismatch
	case errors.Is(err, sdkerrors.ErrWorkerUnavailable), errors.Is(err, sdkerrors.ErrPublishFailed):
		return CodeWorkerUnavailable
	case errors.Is(err, ErrEncodeParameters), errors.Is(err, sdkerrors.ErrInvalidMessage):
		return CodeSerializationFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCancelled
	}
	return CodeDispatchFailed
}
