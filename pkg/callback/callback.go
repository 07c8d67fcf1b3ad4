// Package callback is the worker side of task dispatch: it resolves a task's
// payload and publishes the task's outcome to the result subject, where the
// dispatcher's runner picks it up.
package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

// Config holds configuration for the reporter
type Config struct {
	WorkerID      string        // Recorded on every result (optional)
	MaxRetries    int           // Maximum number of retry attempts (default: 3)
	RetryDelay    time.Duration // Delay between retries (default: 1s)
	EnableLogging bool          // Enable logging of operations (default: true)
	Logger        *zap.Logger   // Custom logger instance (optional, uses a no-op logger if nil)
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:    3,
		RetryDelay:    time.Second,
		EnableLogging: true,
	}
}

// Reporter publishes task outcomes. After a result is published the task
// message is acknowledged; when publishing fails the task is naked so another
// attempt can report it.
type Reporter struct {
	messages *message.MessageService
	payloads *storage.PayloadStore
	config   *Config
	logger   *zap.Logger
}

// NewReporter creates a reporter. payloads may be nil, in which case results
// above the default inline limit cannot be reported.
func NewReporter(messages *message.MessageService, payloads *storage.PayloadStore, config *Config) (*Reporter, error) {
	if messages == nil {
		return nil, errors.New("message service cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if payloads == nil {
		payloads = storage.NewPayloadStore(nil, 0, logger)
	}
	return &Reporter{
		messages: messages,
		payloads: payloads,
		config:   config,
		logger:   logger,
	}, nil
}

// LoadPayload returns the task's parameters, downloading them when they were
// offloaded to blob storage.
func (r *Reporter) LoadPayload(ctx context.Context, task *message.TaskMessage) ([]byte, error) {
	if task == nil {
		return nil, errors.New("task cannot be nil")
	}
	return r.payloads.Resolve(ctx, task.Payload, task.BlobReference)
}

// ReportSuccess publishes a success result carrying output. Output larger
// than the inline limit is offloaded to blob storage.
func (r *Reporter) ReportSuccess(ctx context.Context, task *message.TaskMessage, output json.RawMessage, elapsed time.Duration) error {
	res, err := r.newResult(task, message.StatusSuccess, elapsed)
	if err != nil {
		return err
	}

	if r.payloads.NeedsOffload(output) {
		ref, err := r.payloads.Offload(ctx,
			storage.ResultPayloadPath(task.PlanExecutionID, task.CorrelationID),
			output,
			map[string]string{
				"correlation_id":    task.CorrelationID,
				"plan_execution_id": task.PlanExecutionID,
			})
		if err != nil {
			r.logOperation("offload", task, err)
			return r.ReportFailure(ctx, task, "RESULT_TOO_LARGE", err.Error(), false)
		}
		res.WithBlobReference(ref)
	} else if len(output) > 0 {
		res.WithInlineResult(output)
	}

	return r.report(ctx, task, res)
}

// ReportFailure publishes a failed result.
func (r *Reporter) ReportFailure(ctx context.Context, task *message.TaskMessage, code, errMsg string, retryable bool) error {
	res, err := r.newResult(task, message.StatusFailed, 0)
	if err != nil {
		return err
	}
	errType := sdkerrors.BadRequest.String()
	if retryable {
		errType = sdkerrors.Internal.String()
	}
	res.WithError(&message.ResultError{
		Code:      code,
		Message:   errMsg,
		Retryable: retryable,
		Type:      errType,
	})
	return r.report(ctx, task, res)
}

// ReportError publishes a failed result derived from err. AppErrors keep
// their code; transient errors are marked retryable.
func (r *Reporter) ReportError(ctx context.Context, task *message.TaskMessage, err error) error {
	code := "TASK_FAILED"
	var appErr *sdkerrors.AppError
	if errors.As(err, &appErr) && appErr.Code != "" {
		code = appErr.Code
	}
	return r.ReportFailure(ctx, task, code, err.Error(), sdkerrors.IsTransient(err))
}

// ReportSkipped publishes a skipped result.
func (r *Reporter) ReportSkipped(ctx context.Context, task *message.TaskMessage, reason string) error {
	res, err := r.newResult(task, message.StatusSkipped, 0)
	if err != nil {
		return err
	}
	if reason != "" {
		reasonJSON, _ := json.Marshal(map[string]string{"reason": reason})
		res.WithInlineResult(reasonJSON)
	}
	return r.report(ctx, task, res)
}

func (r *Reporter) newResult(task *message.TaskMessage, status string, elapsed time.Duration) (*message.ResultMessage, error) {
	if task == nil {
		return nil, errors.New("task cannot be nil")
	}
	if task.CorrelationID == "" {
		return nil, errors.New("task has no correlation id")
	}
	res := message.NewResultMessage(task.CorrelationID, status).
		WithExecution(task.PlanExecutionID, task.NodeExecutionID)
	if r.config.WorkerID != "" {
		res.WithWorker(r.config.WorkerID)
	}
	if elapsed > 0 {
		res.WithExecutionTime(elapsed.Milliseconds())
	}
	return res, nil
}

func (r *Reporter) report(ctx context.Context, task *message.TaskMessage, res *message.ResultMessage) error {
	if err := r.publishWithRetry(ctx, res); err != nil {
		r.logOperation("publish", task, err)
		if nakErr := task.Nak(); nakErr != nil {
			r.logger.Error("Failed to nak task after publish failure",
				zap.String("correlation_id", task.CorrelationID),
				zap.Error(nakErr))
		}
		return err
	}
	r.logOperation("publish", task, nil)

	if err := task.Ack(); err != nil {
		return fmt.Errorf("result published but task ack failed: %w", err)
	}
	return nil
}

// publishWithRetry rides out result stream outages longer than the message
// service's own retries. Validation failures are not retried.
func (r *Reporter) publishWithRetry(ctx context.Context, res *message.ResultMessage) error {
	var lastErr error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if r.config.EnableLogging {
				r.logger.Info("Retrying result publish",
					zap.Int("attempt", attempt),
					zap.Int("max_attempts", r.config.MaxRetries+1),
					zap.String("correlation_id", res.CorrelationID),
					zap.Duration("retry_delay", r.config.RetryDelay))
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("publish cancelled during retry: %w", ctx.Err())
			case <-time.After(r.config.RetryDelay):
			}
		}

		err := r.messages.PublishResult(ctx, res)
		if err == nil {
			return nil
		}
		if errors.Is(err, sdkerrors.ErrInvalidMessage) {
			return err
		}
		lastErr = err
		if r.config.EnableLogging {
			r.logger.Warn("Result publish attempt failed",
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", r.config.MaxRetries+1),
				zap.String("correlation_id", res.CorrelationID),
				zap.Error(err))
		}
	}
	return fmt.Errorf("publish failed after %d attempts: %w", r.config.MaxRetries+1, lastErr)
}

func (r *Reporter) logOperation(operation string, task *message.TaskMessage, err error) {
	if !r.config.EnableLogging {
		return
	}
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("subject", r.messages.ResultSubject()),
		zap.String("correlation_id", task.CorrelationID),
		zap.String("plan_execution_id", task.PlanExecutionID),
		zap.String("log_key", task.LogKey),
	}
	if err != nil {
		r.logger.Error(fmt.Sprintf("Failed to %s result", operation), append(fields, zap.Error(err))...)
		return
	}
	r.logger.Debug(fmt.Sprintf("Completed %s of result", operation), fields...)
}
