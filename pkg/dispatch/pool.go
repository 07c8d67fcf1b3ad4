package dispatch

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

// DefaultTaskStream is the JetStream stream tasks are published to.
const DefaultTaskStream = "TASKS"

// defaultQueue is the subject token for tasks that need no capability.
const defaultQueue = "default"

// WorkerPool accepts task requests. Submit returns once the request has been
// handed over; the outcome arrives later as a Result.
type WorkerPool interface {
	Submit(ctx context.Context, req *TaskRequest) error
}

// NATSWorkerPool publishes task requests onto JetStream. Workers subscribe
// to TASKS.<capability> for the capabilities they serve, and to
// TASKS.default for everything else.
type NATSWorkerPool struct {
	messages  *message.MessageService
	payloads  *storage.PayloadStore
	breaker   *concurrency.CircuitBreaker
	stream    string
	supported map[string]struct{}
	logger    *zap.Logger
}

// PoolOption configures a NATSWorkerPool.
type PoolOption func(*NATSWorkerPool)

// WithPayloadStore offloads oversized payloads through store.
func WithPayloadStore(store *storage.PayloadStore) PoolOption {
	return func(p *NATSWorkerPool) { p.payloads = store }
}

// WithCircuitBreaker rejects submissions while cb is open.
func WithCircuitBreaker(cb *concurrency.CircuitBreaker) PoolOption {
	return func(p *NATSWorkerPool) { p.breaker = cb }
}

// WithSupportedCapabilities restricts the capability types the pool will
// publish. With no restriction every capability is accepted.
func WithSupportedCapabilities(types ...string) PoolOption {
	return func(p *NATSWorkerPool) {
		p.supported = make(map[string]struct{}, len(types))
		for _, t := range types {
			p.supported[t] = struct{}{}
		}
	}
}

// WithTaskStream overrides the stream name.
func WithTaskStream(name string) PoolOption {
	return func(p *NATSWorkerPool) { p.stream = name }
}

// WithPoolLogger sets the logger.
func WithPoolLogger(logger *zap.Logger) PoolOption {
	return func(p *NATSWorkerPool) { p.logger = logger }
}

// NewNATSWorkerPool creates a pool publishing through messages.
func NewNATSWorkerPool(messages *message.MessageService, opts ...PoolOption) (*NATSWorkerPool, error) {
	if messages == nil {
		return nil, fmt.Errorf("message service cannot be nil")
	}
	p := &NATSWorkerPool{
		messages: messages,
		stream:   DefaultTaskStream,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.payloads == nil {
		p.payloads = storage.NewPayloadStore(nil, 0, p.logger)
	}
	if p.breaker == nil {
		p.breaker = concurrency.NewCircuitBreaker(0, 0)
	}
	p.breaker.OnStateChange(func(from, to concurrency.CircuitBreakerState) {
		p.logger.Warn("Worker pool circuit breaker changed state",
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	})
	return p, nil
}

// Subject returns the subject a request is published on.
func (p *NATSWorkerPool) Subject(req *TaskRequest) string {
	queue := defaultQueue
	if len(req.Capabilities) > 0 {
		queue = subjectToken(req.Capabilities[0].Type)
	}
	return p.stream + "." + queue
}

// Submit publishes req. Capability mismatch, an open circuit breaker and
// publish failures are returned as errors; the dispatcher turns them into
// FAILED results.
func (p *NATSWorkerPool) Submit(ctx context.Context, req *TaskRequest) error {
	for _, c := range req.Capabilities {
		if c.Type == "" {
			return fmt.Errorf("%w: capability with empty type", sdkerrors.ErrCapabilityMismatch)
		}
		if p.supported == nil {
			continue
		}
		if _, ok := p.supported[c.Type]; !ok {
			return fmt.Errorf("%w: no worker serves %q", sdkerrors.ErrCapabilityMismatch, c.Type)
		}
	}

	if !p.breaker.Allow() {
		return fmt.Errorf("%w: circuit breaker is %s", sdkerrors.ErrWorkerUnavailable, p.breaker.GetState())
	}

	msg := req.toMessage()
	if p.payloads.NeedsOffload(req.Payload) {
		ref, err := p.payloads.Offload(ctx,
			storage.TaskPayloadPath(req.AccountID, req.PlanExecutionID, req.CorrelationID),
			req.Payload,
			map[string]string{
				"account_id":     req.AccountID,
				"payload_type":   req.PayloadType,
				"correlation_id": req.CorrelationID,
			})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrEncodeParameters, err)
		}
		msg.WithBlobReference(ref)
	}

	subject := p.Subject(req)
	if err := p.messages.Publish(ctx, subject, msg); err != nil {
		p.breaker.RecordFailure()
		return err
	}
	p.breaker.RecordSuccess()

	p.logger.Debug("Task submitted",
		zap.String("subject", subject),
		zap.String("correlation_id", req.CorrelationID),
		zap.String("log_key", req.LogKey),
		zap.Bool("offloaded", msg.HasBlobReference()))
	return nil
}

// subjectToken makes s usable as a single NATS subject token.
func subjectToken(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return defaultQueue
	}
	return b.String()
}
