package message

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Handler processes one result pulled from the result stream.
//
// The consumer acknowledges the message from the handler's return value: nil
// acks it, an error naks it for redelivery. Handlers that want a message
// dropped without redelivery call msg.Term() themselves and return nil.
type Handler func(ctx context.Context, msg *ResultMessage) error

// Middleware is a function that wraps a handler to add additional functionality
type Middleware func(Handler) Handler

// Chain chains multiple middlewares together. The first middleware is the
// outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(h Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			h = middlewares[i](h)
		}
		return h
	}
}

// RecoveryMiddleware recovers from panics in message handlers
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *ResultMessage) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic recovered: %v", r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// LoggingMiddleware logs result handling using structured logging
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *ResultMessage) error {
			fields := []zap.Field{
				zap.String("correlation_id", msg.CorrelationID),
				zap.String("plan_execution_id", msg.PlanExecutionID),
				zap.String("node_execution_id", msg.NodeExecutionID),
				zap.String("status", msg.Status),
			}
			logger.Debug("Handling result", fields...)
			err := next(ctx, msg)
			if err != nil {
				logger.Error("Error handling result", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("Handled result", fields...)
			}
			return err
		}
	}
}

// ValidationMiddleware rejects results that cannot be correlated
func ValidationMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *ResultMessage) error {
			if msg == nil {
				return fmt.Errorf("message is nil")
			}
			if err := msg.Validate(); err != nil {
				return err
			}
			return next(ctx, msg)
		}
	}
}
