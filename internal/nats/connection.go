package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ConnectionConfig holds configuration for the NATS connection used by the
// dispatcher and the result consumer.
type ConnectionConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222")
	URL string

	// Name identifies this connection on the server
	Name string

	// MaxReconnects is the maximum number of reconnection attempts.
	// Use -1 for unlimited reconnects
	MaxReconnects int

	ReconnectWait time.Duration
	Timeout       time.Duration

	// Credentials, checked in this order: a .creds file, a token, user and password.
	CredentialsFile string
	Token           string
	Username        string
	Password        string

	// MaxDeliver bounds redelivery of task and result messages.
	MaxDeliver int

	// PublishMaxRetries is the number of retries for result publishing on the worker side.
	PublishMaxRetries int

	// TaskStream is the JetStream stream holding dispatched tasks (subjects TASKS.>).
	TaskStream string

	// ResultStream is the JetStream stream where task results are published.
	ResultStream string

	// ResultSubject is the subject workers publish results to.
	ResultSubject string

	// Logger receives connection lifecycle events. Nil means no logging.
	Logger *zap.Logger
}

// DefaultConnectionConfig returns a configuration with sensible defaults
func DefaultConnectionConfig(url string) *ConnectionConfig {
	return &ConnectionConfig{
		URL:               url,
		Name:              "daedalus",
		MaxReconnects:     10,
		ReconnectWait:     2 * time.Second,
		Timeout:           5 * time.Second,
		MaxDeliver:        5,
		PublishMaxRetries: 3,
		TaskStream:        "TASKS",
		ResultStream:      "RESULTS",
		ResultSubject:     "result",
	}
}

// Connect establishes a connection to NATS with the provided configuration
func Connect(ctx context.Context, config *ConnectionConfig) (*nats.Conn, error) {
	if config == nil {
		return nil, fmt.Errorf("connection config cannot be nil")
	}

	if config.URL == "" {
		return nil, fmt.Errorf("NATS URL cannot be empty")
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.Timeout(config.Timeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			logger.Warn("NATS async error", fields...)
		}),
	}

	switch {
	case config.CredentialsFile != "":
		opts = append(opts, nats.UserCredentials(config.CredentialsFile))
	case config.Token != "":
		opts = append(opts, nats.Token(config.Token))
	case config.Username != "" && config.Password != "":
		opts = append(opts, nats.UserInfo(config.Username, config.Password))
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		conn, err := nats.Connect(config.URL, opts...)
		resultCh <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		// a connection that completes after cancellation is closed, not leaked
		go func() {
			if res := <-resultCh; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", res.err)
		}
		return res.conn, nil
	}
}

// Close drains the connection so in-flight task messages complete, and
// force-closes it if draining fails.
func Close(conn *nats.Conn) error {
	if conn == nil {
		return nil
	}

	if err := conn.Drain(); err != nil {
		conn.Close()
		return fmt.Errorf("error draining connection: %w", err)
	}

	return nil
}

// IsConnected reports whether conn is usable.
func IsConnected(conn *nats.Conn) bool {
	return conn != nil && conn.IsConnected()
}
