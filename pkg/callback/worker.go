package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/message"
)

// Failure codes reported by the worker itself.
const (
	CodeUnsupportedStepType = "UNSUPPORTED_STEP_TYPE"
	CodePayloadUnavailable  = "PAYLOAD_UNAVAILABLE"
	CodeTaskTimeout         = "TIMEOUT"
)

// ErrSkipTask is returned by a TaskFunc that decided not to run its task.
// The wrapped message becomes the skip reason.
var ErrSkipTask = errors.New("task skipped")

// TaskFunc runs one task. params are the task's resolved parameters.
type TaskFunc func(ctx context.Context, task *message.TaskMessage, params []byte) (json.RawMessage, error)

// Worker pulls tasks from a durable consumer on the task stream, runs them
// with the TaskFunc registered for their payload type and reports the outcome.
type Worker struct {
	messages *message.MessageService
	reporter *Reporter
	stream   string
	consumer string

	handlers  map[string]TaskFunc
	fallback  TaskFunc
	batchSize int
	limiter   *concurrency.Limiter
	idleDelay time.Duration
	logger    *zap.Logger
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithHandler runs tasks of payloadType with fn.
func WithHandler(payloadType string, fn TaskFunc) WorkerOption {
	return func(w *Worker) { w.handlers[payloadType] = fn }
}

// WithFallbackHandler runs tasks whose payload type has no handler.
func WithFallbackHandler(fn TaskFunc) WorkerOption {
	return func(w *Worker) { w.fallback = fn }
}

// WithBatchSize sets how many tasks one pull fetches.
func WithBatchSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithConcurrency bounds the tasks running at once.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) { w.limiter = concurrency.NewLimiter(n) }
}

// WithWorkerLogger sets the worker's logger.
func WithWorkerLogger(logger *zap.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWorker creates a worker consuming stream through consumer.
func NewWorker(messages *message.MessageService, reporter *Reporter, stream, consumer string, opts ...WorkerOption) (*Worker, error) {
	if messages == nil {
		return nil, errors.New("message service cannot be nil")
	}
	if reporter == nil {
		return nil, errors.New("reporter cannot be nil")
	}
	if stream == "" || consumer == "" {
		return nil, errors.New("stream and consumer names are required")
	}
	w := &Worker{
		messages:  messages,
		reporter:  reporter,
		stream:    stream,
		consumer:  consumer,
		handlers:  make(map[string]TaskFunc),
		batchSize: 10,
		limiter:   concurrency.NewLimiter(4),
		idleDelay: 200 * time.Millisecond,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run pulls and processes tasks until ctx is cancelled. Tasks already pulled
// are finished before Run returns ctx.Err().
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	backoff := 100 * time.Millisecond
	for {
		tasks, err := w.messages.PullTasks(ctx, w.stream, w.consumer, w.batchSize)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			w.logger.Error("Error pulling tasks", zap.Error(err))
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, 5*time.Second)
			continue
		}
		backoff = 100 * time.Millisecond

		if len(tasks) == 0 {
			if !sleep(ctx, w.idleDelay) {
				return ctx.Err()
			}
			continue
		}
		for _, task := range tasks {
			if err := w.limiter.Acquire(ctx); err != nil {
				// Unprocessed tasks are redelivered after the ack wait.
				return ctx.Err()
			}
			wg.Add(1)
			go func(task *message.TaskMessage) {
				defer wg.Done()
				defer w.limiter.Release()
				if err := w.Process(context.WithoutCancel(ctx), task); err != nil {
					w.logger.Error("Failed to report task outcome",
						zap.String("correlation_id", task.CorrelationID),
						zap.Error(err))
				}
			}(task)
		}
	}
}

// Process runs one task and reports its outcome. The returned error is a
// reporting failure; task failures are reported, not returned.
func (w *Worker) Process(ctx context.Context, task *message.TaskMessage) error {
	logger := w.logger.With(
		zap.String("correlation_id", task.CorrelationID),
		zap.String("plan_execution_id", task.PlanExecutionID),
		zap.String("payload_type", task.PayloadType))

	fn, ok := w.handlers[task.PayloadType]
	if !ok {
		fn = w.fallback
	}
	if fn == nil {
		logger.Warn("No handler for task")
		return w.reporter.ReportFailure(ctx, task, CodeUnsupportedStepType,
			fmt.Sprintf("no handler for step type %q", task.PayloadType), false)
	}

	params, err := w.reporter.LoadPayload(ctx, task)
	if err != nil {
		return w.reporter.ReportFailure(ctx, task, CodePayloadUnavailable, err.Error(), true)
	}

	runCtx := ctx
	if timeout := task.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := fn(runCtx, task, params)
	elapsed := time.Since(start)
	switch {
	case errors.Is(err, ErrSkipTask):
		logger.Info("Task skipped", zap.Error(err))
		return w.reporter.ReportSkipped(ctx, task, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warn("Task timed out", zap.Duration("elapsed", elapsed))
		return w.reporter.ReportFailure(ctx, task, CodeTaskTimeout, err.Error(), false)
	case err != nil:
		logger.Warn("Task failed", zap.Error(err))
		return w.reporter.ReportError(ctx, task, err)
	}
	logger.Debug("Task succeeded", zap.Duration("elapsed", elapsed))
	return w.reporter.ReportSuccess(ctx, task, out, elapsed)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
