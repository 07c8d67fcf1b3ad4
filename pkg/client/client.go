// Package client owns the JetStream connection shared by the dispatcher, the
// result runner and workers, and sets up the task and result streams they use.
package client

import (
	"context"
	"fmt"

	natsclient "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/internal/nats"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/message"
)

// Client is the central JetStream client. It must be connected before its
// Messages service is used.
//
// Example usage:
//
//	c := client.NewClient("nats://localhost:4222")
//	if err := c.Connect(ctx); err != nil {
//	    logger.Fatal("Failed to connect", zap.Error(err))
//	}
//	defer c.Close()
//	if err := c.EnsureTopology("dispatcher"); err != nil {
//	    logger.Fatal("Failed to set up streams", zap.Error(err))
//	}
type Client struct {
	conn   *natsclient.Conn
	js     natsclient.JetStreamContext
	config *nats.ConnectionConfig
	logger *zap.Logger

	// Messages publishes tasks and results and pulls them from durable consumers.
	Messages *message.MessageService
}

// NewClient creates a client with the default connection configuration.
func NewClient(url string) *Client {
	return NewClientWithConfig(nats.DefaultConnectionConfig(url))
}

// NewClientWithConfig creates a client with a custom connection configuration.
// Zero stream and subject names fall back to the defaults.
func NewClientWithConfig(config *nats.ConnectionConfig) *Client {
	defaults := nats.DefaultConnectionConfig(config.URL)
	if config.TaskStream == "" {
		config.TaskStream = defaults.TaskStream
	}
	if config.ResultStream == "" {
		config.ResultStream = defaults.ResultStream
	}
	if config.ResultSubject == "" {
		config.ResultSubject = defaults.ResultSubject
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		config: config,
		logger: logger,
	}
}

// NewClientWithJSContext creates a client wired to a provided JSContext.
// Tests use it with an in-memory JetStream double.
func NewClientWithJSContext(js message.JSContext, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config := nats.DefaultConnectionConfig("")
	svc, err := message.NewMessageService(js, config.MaxDeliver, config.PublishMaxRetries, config.ResultStream, config.ResultSubject)
	if err != nil {
		return nil, err
	}
	svc.SetLogger(logger)
	return &Client{
		config:   config,
		logger:   logger,
		Messages: svc,
	}, nil
}

// Connect establishes the NATS connection and initializes JetStream. It fails
// if JetStream is not enabled on the server.
func (c *Client) Connect(ctx context.Context) error {
	if c.conn != nil && c.conn.IsConnected() {
		return nil
	}

	conn, err := nats.Connect(ctx, c.config)
	if err != nil {
		return sdkerrors.NewInternalError("", "failed to connect to NATS", "CONNECTION_FAILED", err)
	}
	c.conn = conn

	js, err := conn.JetStream()
	if err != nil {
		_ = nats.Close(c.conn)
		c.conn = nil
		return sdkerrors.NewInternalError("", "JetStream is not enabled on the NATS server", "JETSTREAM_NOT_ENABLED", err)
	}
	c.js = js

	msgService, err := message.NewMessageService(
		message.WrapNATSJetStream(c.js),
		c.config.MaxDeliver,
		c.config.PublishMaxRetries,
		c.config.ResultStream,
		c.config.ResultSubject,
	)
	if err != nil {
		_ = nats.Close(c.conn)
		c.conn = nil
		c.js = nil
		return sdkerrors.NewInternalError("", "failed to initialize message service", "SERVICE_INIT_FAILED", err)
	}
	msgService.SetLogger(c.logger)
	c.Messages = msgService

	c.logger.Info("Connected to NATS JetStream",
		zap.String("url", c.config.URL),
		zap.String("task_stream", c.config.TaskStream),
		zap.String("result_stream", c.config.ResultStream))
	return nil
}

// TaskStream returns the configured task stream name.
func (c *Client) TaskStream() string { return c.config.TaskStream }

// EnsureTopology creates the task stream, the result stream and the
// dispatcher's durable result consumer when missing.
func (c *Client) EnsureTopology(resultConsumer string) error {
	if c.Messages == nil {
		return sdkerrors.NewInternalError("", "not connected to NATS", "NOT_CONNECTED", sdkerrors.ErrNotConnected)
	}
	if err := c.Messages.EnsureStream(c.config.TaskStream); err != nil {
		return fmt.Errorf("task stream: %w", err)
	}
	if err := c.Messages.EnsureStream(c.Messages.ResultStream()); err != nil {
		return fmt.Errorf("result stream: %w", err)
	}
	if resultConsumer == "" {
		return nil
	}
	if err := c.Messages.EnsureConsumer(c.Messages.ResultStream(), resultConsumer); err != nil {
		return fmt.Errorf("result consumer: %w", err)
	}
	return nil
}

// SetLogger sets a custom zap logger for the client
func (c *Client) SetLogger(logger *zap.Logger) {
	if logger == nil {
		return
	}
	c.logger = logger
	if c.Messages != nil {
		c.Messages.SetLogger(logger)
	}
}

// Close drains and closes the NATS connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}

	if err := nats.Close(c.conn); err != nil {
		return sdkerrors.NewInternalError("", "failed to close connection", "CLOSE_FAILED", err)
	}

	c.conn = nil
	c.js = nil
	c.Messages = nil
	return nil
}

// IsConnected returns true if the client is currently connected to the NATS server.
func (c *Client) IsConnected() bool {
	return nats.IsConnected(c.conn)
}

// Connection returns the underlying NATS connection.
func (c *Client) Connection() *natsclient.Conn {
	return c.conn
}

// Stats returns current connection statistics.
func (c *Client) Stats() ConnectionStats {
	if c.conn == nil {
		return ConnectionStats{}
	}

	stats := c.conn.Stats()
	return ConnectionStats{
		InMsgs:     stats.InMsgs,
		OutMsgs:    stats.OutMsgs,
		InBytes:    stats.InBytes,
		OutBytes:   stats.OutBytes,
		Reconnects: stats.Reconnects,
	}
}

// ConnectionStats holds connection statistics for monitoring and debugging.
type ConnectionStats struct {
	InMsgs     uint64 // Number of messages received
	OutMsgs    uint64 // Number of messages sent
	InBytes    uint64 // Number of bytes received
	OutBytes   uint64 // Number of bytes sent
	Reconnects uint64 // Number of reconnections performed
}

// Ping flushes the connection to verify the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	if !c.IsConnected() {
		return sdkerrors.NewInternalError("", "not connected to NATS", "NOT_CONNECTED", sdkerrors.ErrNotConnected)
	}

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- c.conn.FlushTimeout(c.config.Timeout)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("ping cancelled: %w", ctx.Err())
	case err := <-resultCh:
		if err != nil {
			return sdkerrors.NewInternalError("", "ping failed", "PING_FAILED", err)
		}
		return nil
	}
}
