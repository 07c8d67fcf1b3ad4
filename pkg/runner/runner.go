// Package runner consumes task results from the JetStream result stream with
// a pool of workers and hands each one to a message.Handler. The handler's
// return value decides whether the result is acknowledged or redelivered.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/message"
)

// Runner pulls result messages in batches and distributes them to worker
// goroutines.
type Runner struct {
	messages       *message.MessageService
	handler        message.Handler
	consumer       string
	batchSize      int
	numWorkers     int
	logger         *zap.Logger
	processTimeout time.Duration
	tracer         trace.Tracer

	idleDelay  time.Duration
	maxBackoff time.Duration
}

// NewRunner creates a Runner reading the result stream of messages through
// the durable consumer. The stream and consumer are created when missing.
// Every handler is wrapped with panic recovery, validation and logging.
// Spans go to the global tracer provider.
func NewRunner(messages *message.MessageService, handler message.Handler, consumer string, batchSize int, numWorkers int, processTimeout time.Duration, logger *zap.Logger) (*Runner, error) {
	if messages == nil {
		return nil, errors.New("message service cannot be nil")
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	if consumer == "" {
		return nil, errors.New("consumer name cannot be empty")
	}
	if batchSize <= 0 {
		return nil, errors.New("batchSize must be greater than 0")
	}
	if numWorkers <= 0 {
		return nil, errors.New("numWorkers must be greater than 0")
	}
	if processTimeout <= 0 {
		return nil, errors.New("processTimeout must be greater than 0")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if err := messages.EnsureStream(messages.ResultStream()); err != nil {
		return nil, fmt.Errorf("failed to ensure stream '%s' exists: %w", messages.ResultStream(), err)
	}
	if err := messages.EnsureConsumer(messages.ResultStream(), consumer); err != nil {
		return nil, fmt.Errorf("failed to ensure consumer '%s' exists: %w", consumer, err)
	}

	r := &Runner{
		messages: messages,
		handler: message.Chain(
			message.RecoveryMiddleware(),
			message.ValidationMiddleware(),
			message.LoggingMiddleware(logger),
		)(handler),
		consumer:       consumer,
		batchSize:      batchSize,
		numWorkers:     numWorkers,
		processTimeout: processTimeout,
		logger:         logger,
		tracer:         otel.Tracer("daedalus/runner"),
		idleDelay:      500 * time.Millisecond,
		maxBackoff:     5 * time.Second,
	}

	return r, nil
}

// Run pulls and processes results until ctx is cancelled. It returns
// ctx.Err() after all workers have finished the results they hold.
func (r *Runner) Run(ctx context.Context) error {
	resultChan := make(chan *message.ResultMessage, r.batchSize)

	var wg sync.WaitGroup
	for i := 0; i < r.numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			r.worker(ctx, workerID, resultChan)
		}(i)
	}

	go func() {
		defer close(resultChan)
		r.pull(ctx, resultChan)
	}()

	wg.Wait()
	r.logger.Info("Runner stopped", zap.String("consumer", r.consumer))
	return ctx.Err()
}

func (r *Runner) pull(ctx context.Context, out chan<- *message.ResultMessage) {
	backoff := 100 * time.Millisecond
	for {
		if ctx.Err() != nil {
			r.logger.Info("Shutting down result puller...")
			return
		}

		results, err := r.messages.PullResults(ctx, r.consumer, r.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("Error pulling results", zap.Error(err))
			if !sleep(ctx, backoff) {
				return
			}
			if backoff < r.maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = 100 * time.Millisecond

		if len(results) == 0 {
			if !sleep(ctx, r.idleDelay) {
				return
			}
			continue
		}

		for _, res := range results {
			select {
			case out <- res:
			case <-ctx.Done():
				// Unprocessed results are redelivered after the ack wait.
				return
			}
		}
	}
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

func (r *Runner) worker(ctx context.Context, workerID int, in <-chan *message.ResultMessage) {
	r.logger.Debug("Worker started", zap.Int("workerID", workerID))
	defer r.logger.Debug("Worker stopped", zap.Int("workerID", workerID))

	for res := range in {
		r.process(ctx, workerID, res)
	}
}

// process runs the handler on one result. Processing uses a context detached
// from cancellation so a result already pulled is not lost on shutdown.
func (r *Runner) process(ctx context.Context, workerID int, res *message.ResultMessage) {
	ctx, span := r.tracer.Start(context.WithoutCancel(ctx), "runner.processResult",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("consumer", r.consumer),
			attribute.String("result.correlation_id", res.CorrelationID),
			attribute.String("result.plan_execution_id", res.PlanExecutionID),
			attribute.String("result.status", res.Status),
		))
	defer span.End()

	processCtx, cancel := context.WithTimeout(ctx, r.processTimeout)
	defer cancel()

	start := time.Now()
	err := r.handler(processCtx, res)
	span.SetAttributes(attribute.Int64("processing.duration_ms", time.Since(start).Milliseconds()))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if nakErr := res.Nak(); nakErr != nil {
			r.logger.Error("Error naking result after handler failure",
				zap.Int("workerID", workerID),
				zap.String("correlation_id", res.CorrelationID),
				zap.Error(nakErr))
		}
		return
	}

	span.SetStatus(codes.Ok, "result handled")
	if ackErr := res.Ack(); ackErr != nil {
		r.logger.Error("Error acking result",
			zap.Int("workerID", workerID),
			zap.String("correlation_id", res.CorrelationID),
			zap.Error(ackErr))
	}
}
