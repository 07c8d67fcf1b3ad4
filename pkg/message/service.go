package message

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// JSContext defines the minimal subset of JetStream operations the service depends on.
// This allows tests to provide a mock without requiring a running NATS server.
type JSContext interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error)
	StreamInfo(stream string) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error)
	ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error)
}

// JSSubscription abstracts operations used from a subscription.
// Implemented by the real nats.Subscription via adapter and by test doubles.
type JSSubscription interface {
	Unsubscribe() error
	Drain() error
	IsValid() bool
	Pending() (int, int, error)
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// WrapNATSJetStream adapts a nats.JetStreamContext to the JSContext interface.
func WrapNATSJetStream(js nats.JetStreamContext) JSContext {
	return &natsJSAdapter{js: js}
}

type natsJSAdapter struct {
	js nats.JetStreamContext
}

func (a *natsJSAdapter) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	return a.js.Publish(subj, data, opts...)
}

func (a *natsJSAdapter) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error) {
	sub, err := a.js.PullSubscribe(subj, durable, opts...)
	if err != nil {
		return nil, err
	}
	return &natsSubAdapter{sub: sub}, nil
}

func (a *natsJSAdapter) StreamInfo(stream string) (*nats.StreamInfo, error) {
	return a.js.StreamInfo(stream)
}

func (a *natsJSAdapter) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	return a.js.AddStream(cfg)
}

func (a *natsJSAdapter) ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error) {
	return a.js.ConsumerInfo(stream, consumer)
}

func (a *natsJSAdapter) AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error) {
	return a.js.AddConsumer(stream, cfg)
}

type natsSubAdapter struct {
	sub *nats.Subscription
}

func (s *natsSubAdapter) Unsubscribe() error         { return s.sub.Unsubscribe() }
func (s *natsSubAdapter) Drain() error               { return s.sub.Drain() }
func (s *natsSubAdapter) IsValid() bool              { return s.sub.IsValid() }
func (s *natsSubAdapter) Pending() (int, int, error) { return s.sub.Pending() }
func (s *natsSubAdapter) Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error) {
	return s.sub.Fetch(batch, opts...)
}

// MessageService publishes task messages to the worker pool and moves task
// results over the result stream. All operations use JetStream.
type MessageService struct {
	js                JSContext
	logger            *zap.Logger
	maxDeliver        int           // Maximum number of delivery attempts before giving up (default: 5)
	publishMaxRetries int           // Maximum number of attempts for result publishing (default: 3)
	resultStream      string        // JetStream stream name for results (e.g., RESULTS)
	resultSubject     string        // Subject workers publish results to (e.g., result)
	retryDelay        time.Duration // Base delay between result publish attempts
}

// NewMessageService creates a new message service with the given JetStream context.
// Any implementation that satisfies JSContext (including nats.JetStreamContext) can be used.
// The maxDeliver parameter controls the maximum number of delivery attempts for consumers.
// The publishMaxRetries parameter controls the number of attempts for result publishing.
// The resultStream and resultSubject parameters configure where results are published.
func NewMessageService(js JSContext, maxDeliver int, publishMaxRetries int, resultStream string, resultSubject string) (*MessageService, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context cannot be nil")
	}

	if maxDeliver == 0 {
		maxDeliver = 5
	}
	if publishMaxRetries == 0 {
		publishMaxRetries = 3
	}
	if resultStream == "" {
		resultStream = "RESULTS"
	}
	if resultSubject == "" {
		resultSubject = "result"
	}

	return &MessageService{
		js:                js,
		logger:            zap.NewNop(),
		maxDeliver:        maxDeliver,
		publishMaxRetries: publishMaxRetries,
		resultStream:      resultStream,
		resultSubject:     resultSubject,
		retryDelay:        time.Second,
	}, nil
}

// SetLogger sets a custom zap logger for the message service
func (s *MessageService) SetLogger(logger *zap.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// ResultStream returns the configured result stream name.
func (s *MessageService) ResultStream() string { return s.resultStream }

// ResultSubject returns the configured result subject.
func (s *MessageService) ResultSubject() string { return s.resultSubject }

func streamConfig(name, subjectPattern string) *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:     name,
		Subjects: []string{subjectPattern},
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
		MaxMsgs:  100000,
		Replicas: 1,
	}
}

// EnsureStream creates the JetStream stream if it doesn't exist, or validates it exists.
// Streams created here accept every subject below the stream name.
func (s *MessageService) EnsureStream(streamName string) error {
	pattern := fmt.Sprintf("%s.>", streamName)
	if streamName == s.resultStream {
		pattern = s.resultPattern()
	}
	return s.ensureStream(streamName, pattern)
}

func (s *MessageService) resultPattern() string {
	return fmt.Sprintf("%s.>", s.resultSubject)
}

func (s *MessageService) ensureStream(streamName, pattern string) error {
	streamInfo, err := s.js.StreamInfo(streamName)
	if err == nil {
		s.logger.Debug("JetStream stream already exists",
			zap.String("stream", streamName),
			zap.Uint64("messages", streamInfo.State.Msgs))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info for '%s': %w", streamName, err)
	}

	cfg := streamConfig(streamName, pattern)
	// the bare result subject is not matched by "result.>"
	if pattern == s.resultPattern() {
		cfg.Subjects = append(cfg.Subjects, s.resultSubject)
	}
	s.logger.Info("Creating JetStream stream",
		zap.String("stream", streamName),
		zap.Strings("subjects", cfg.Subjects))

	if _, err := s.js.AddStream(cfg); err != nil {
		return fmt.Errorf("failed to create stream '%s': %w", streamName, err)
	}

	s.logger.Info("Successfully created JetStream stream",
		zap.String("stream", streamName),
		zap.Strings("subjects", cfg.Subjects),
		zap.Duration("max_age", cfg.MaxAge),
		zap.Int64("max_msgs", cfg.MaxMsgs))
	return nil
}

// EnsureConsumer creates the durable JetStream consumer if it doesn't exist.
func (s *MessageService) EnsureConsumer(streamName, consumerName string) error {
	consumerInfo, err := s.js.ConsumerInfo(streamName, consumerName)
	if err == nil {
		s.logger.Debug("JetStream consumer already exists",
			zap.String("stream", streamName),
			zap.String("consumer", consumerName),
			zap.Uint64("pending", consumerInfo.NumPending))
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("failed to get consumer info for '%s' in stream '%s': %w", consumerName, streamName, err)
	}

	s.logger.Info("Creating JetStream consumer",
		zap.String("stream", streamName),
		zap.String("consumer", consumerName))

	consumerConfig := &nats.ConsumerConfig{
		Durable:       consumerName,
		AckPolicy:     nats.AckExplicitPolicy,
		DeliverPolicy: nats.DeliverAllPolicy,
		MaxAckPending: 1000,
		MaxDeliver:    s.maxDeliver,
	}
	if _, err := s.js.AddConsumer(streamName, consumerConfig); err != nil {
		return fmt.Errorf("failed to create consumer '%s' in stream '%s': %w", consumerName, streamName, err)
	}

	s.logger.Info("Successfully created JetStream consumer",
		zap.String("stream", streamName),
		zap.String("consumer", consumerName),
		zap.Int("max_deliver", s.maxDeliver))
	return nil
}

// ensureStreamForSubject ensures a stream exists that can hold subject.
// The result subject maps to the configured result stream; any other subject
// maps to the stream named by its first token.
func (s *MessageService) ensureStreamForSubject(subject string) error {
	if subject == s.resultSubject || strings.HasPrefix(subject, s.resultSubject+".") {
		return s.ensureStream(s.resultStream, s.resultPattern())
	}
	streamName := subject
	if i := strings.IndexByte(subject, '.'); i > 0 {
		streamName = subject[:i]
	}
	return s.ensureStream(streamName, fmt.Sprintf("%s.>", streamName))
}

// Publish publishes a task message to subject using JetStream. A stream for
// the subject is created when missing.
func (s *MessageService) Publish(ctx context.Context, subject string, msg *TaskMessage) error {
	if subject == "" {
		s.logger.Error("Publish failed: subject cannot be empty")
		return sdkerrors.NewValidationError("subject cannot be empty", "INVALID_SUBJECT", sdkerrors.ErrInvalidSubject)
	}
	if msg == nil {
		s.logger.Error("Publish failed: message cannot be nil")
		return sdkerrors.NewValidationError("message cannot be nil", "INVALID_MESSAGE", sdkerrors.ErrInvalidMessage)
	}
	if err := msg.Validate(); err != nil {
		return sdkerrors.NewValidationError(err.Error(), "INVALID_MESSAGE", sdkerrors.ErrInvalidMessage)
	}

	if err := s.ensureStreamForSubject(subject); err != nil {
		s.logger.Error("Failed to ensure stream exists",
			zap.String("subject", subject),
			zap.Error(err))
		return sdkerrors.NewInternalError(msg.CorrelationID, "failed to ensure stream exists", "STREAM_ENSURE_FAILED", err)
	}

	data, err := msg.ToBytes()
	if err != nil {
		s.logger.Error("Failed to marshal task message",
			zap.String("subject", subject),
			zap.String("correlation_id", msg.CorrelationID),
			zap.Error(err))
		return sdkerrors.NewInternalError(msg.CorrelationID, "failed to marshal message", "MARSHAL_FAILED", err)
	}

	resultCh := make(chan error, 1)
	go func() {
		_, err := s.js.Publish(subject, data, nats.MsgId(msg.CorrelationID))
		resultCh <- err
	}()

	select {
	case <-ctx.Done():
		s.logger.Warn("Publish cancelled",
			zap.String("subject", subject),
			zap.String("correlation_id", msg.CorrelationID),
			zap.Error(ctx.Err()))
		return fmt.Errorf("publish cancelled: %w", ctx.Err())
	case err := <-resultCh:
		if err != nil {
			s.logger.Error("Failed to publish task to JetStream",
				zap.String("subject", subject),
				zap.String("correlation_id", msg.CorrelationID),
				zap.Error(err))
			return sdkerrors.NewInternalError(msg.CorrelationID, "failed to publish message to JetStream", "PUBLISH_FAILED", fmt.Errorf("%w: %v", sdkerrors.ErrPublishFailed, err))
		}
		s.logger.Debug("Task published",
			zap.String("subject", subject),
			zap.String("correlation_id", msg.CorrelationID))
		return nil
	}
}

// fetch pulls up to batchSize raw messages from a durable consumer.
// Messages are NOT acknowledged; an empty slice means none were available
// within the wait.
func (s *MessageService) fetch(ctx context.Context, stream, consumer string, batchSize int) ([]*nats.Msg, error) {
	if stream == "" || consumer == "" {
		return nil, fmt.Errorf("stream and consumer names are required")
	}
	if batchSize <= 0 {
		batchSize = 10
	}

	type result struct {
		msgs []*nats.Msg
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		sub, err := s.js.PullSubscribe("", consumer, nats.Bind(stream, consumer))
		if err != nil {
			resultCh <- result{err: err}
			return
		}
		defer sub.Unsubscribe()

		timeout := 3 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
				timeout = remaining
			}
		}

		msgs, err := sub.Fetch(batchSize, nats.MaxWait(timeout))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				resultCh <- result{msgs: []*nats.Msg{}}
				return
			}
			resultCh <- result{err: err}
			return
		}
		resultCh <- result{msgs: msgs}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			s.logger.Debug("Pull cancelled during shutdown",
				zap.String("stream", stream),
				zap.String("consumer", consumer))
		} else {
			s.logger.Warn("Pull cancelled",
				zap.String("stream", stream),
				zap.String("consumer", consumer),
				zap.Error(ctx.Err()))
		}
		return nil, fmt.Errorf("pull cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			s.logger.Error("Failed to pull messages from JetStream",
				zap.String("stream", stream),
				zap.String("consumer", consumer),
				zap.Error(res.err))
			return nil, sdkerrors.NewInternalError("", "failed to pull messages from JetStream", "PULL_FAILED", res.err)
		}
		return res.msgs, nil
	}
}

// PullTasks pulls task messages from a worker's durable consumer. Malformed
// messages are terminated. The caller must Ack, Nak or Term the rest.
func (s *MessageService) PullTasks(ctx context.Context, stream, consumer string, batchSize int) ([]*TaskMessage, error) {
	raw, err := s.fetch(ctx, stream, consumer, batchSize)
	if err != nil {
		return nil, err
	}
	tasks := make([]*TaskMessage, 0, len(raw))
	for _, natsMsg := range raw {
		task, err := TaskMessageFromNATSMsg(natsMsg)
		if err != nil {
			s.logger.Warn("Dropping malformed task message",
				zap.String("subject", natsMsg.Subject),
				zap.Error(err))
			_ = natsMsg.Term()
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// PullResults pulls result messages from the dispatcher's durable consumer on
// the result stream. Malformed messages are terminated. The caller must Ack,
// Nak or Term the rest.
func (s *MessageService) PullResults(ctx context.Context, consumer string, batchSize int) ([]*ResultMessage, error) {
	raw, err := s.fetch(ctx, s.resultStream, consumer, batchSize)
	if err != nil {
		return nil, err
	}
	results := make([]*ResultMessage, 0, len(raw))
	for _, natsMsg := range raw {
		res, err := ResultMessageFromNATSMsg(natsMsg)
		if err != nil {
			s.logger.Warn("Dropping malformed result message",
				zap.String("subject", natsMsg.Subject),
				zap.Error(err))
			_ = natsMsg.Term()
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

// PublishResult publishes a ResultMessage to the result subject, retrying with
// a linear backoff.
func (s *MessageService) PublishResult(ctx context.Context, resultMsg *ResultMessage) error {
	if resultMsg == nil {
		s.logger.Error("PublishResult failed: result message cannot be nil")
		return sdkerrors.NewValidationError("result message cannot be nil", "INVALID_MESSAGE", sdkerrors.ErrInvalidMessage)
	}
	if err := resultMsg.Validate(); err != nil {
		return sdkerrors.NewValidationError(err.Error(), "INVALID_MESSAGE", sdkerrors.ErrInvalidMessage)
	}

	if err := s.ensureStreamForSubject(s.resultSubject); err != nil {
		s.logger.Error("Failed to ensure result stream exists",
			zap.String("stream", s.resultStream),
			zap.String("subject", s.resultSubject),
			zap.Error(err))
		return sdkerrors.NewInternalError(resultMsg.CorrelationID, "failed to ensure result stream exists", "STREAM_ENSURE_FAILED", err)
	}

	data, err := resultMsg.ToBytes()
	if err != nil {
		s.logger.Error("Failed to marshal result message",
			zap.String("correlation_id", resultMsg.CorrelationID),
			zap.Error(err))
		return sdkerrors.NewInternalError(resultMsg.CorrelationID, "failed to marshal result message", "MARSHAL_FAILED", err)
	}

	var publishErr error
	for attempt := 1; attempt <= s.publishMaxRetries; attempt++ {
		_, publishErr = s.js.Publish(s.resultSubject, data)
		if publishErr == nil {
			break
		}
		if attempt == s.publishMaxRetries {
			break
		}
		s.logger.Warn("Failed to publish result, retrying",
			zap.String("correlation_id", resultMsg.CorrelationID),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", s.publishMaxRetries),
			zap.Error(publishErr))
		select {
		case <-ctx.Done():
			return fmt.Errorf("publish result cancelled: %w", ctx.Err())
		case <-time.After(time.Duration(attempt) * s.retryDelay):
		}
	}

	if publishErr != nil {
		s.logger.Error("Failed to publish result after all retries",
			zap.String("correlation_id", resultMsg.CorrelationID),
			zap.Int("attempts", s.publishMaxRetries),
			zap.Error(publishErr))
		return sdkerrors.NewInternalError(resultMsg.CorrelationID, "failed to publish result after retries", "PUBLISH_FAILED", fmt.Errorf("%w: %v", sdkerrors.ErrPublishFailed, publishErr))
	}

	s.logger.Debug("Published result message",
		zap.String("correlation_id", resultMsg.CorrelationID),
		zap.String("status", resultMsg.Status),
		zap.String("subject", s.resultSubject))
	return nil
}
