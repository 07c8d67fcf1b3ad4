// Package config loads the daedalus CLI configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wehubfusion/Daedalus/internal/nats"
	"github.com/wehubfusion/Daedalus/internal/tracing"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/plancreator"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

// Config holds every setting of the daedalus binary.
type Config struct {
	NATSURL        string
	NATSCreds      string
	NATSToken      string
	TaskStream     string
	ResultStream   string
	ResultSubject  string
	ResultConsumer string

	// MaxConcurrent bounds concurrent plan creator invocations.
	MaxConcurrent    int
	RunnerWorkers    int
	BreakerThreshold int

	GraphTTL       time.Duration
	GraphRetention time.Duration
	GraphLockWait  time.Duration

	// EventLogPath selects the BadgerDB event log. Empty keeps the log in memory.
	EventLogPath string
	// PostgresDSN selects the PostgreSQL node execution store. Empty keeps
	// records in memory.
	PostgresDSN string

	BlobConnection string
	BlobContainer  string
	MaxInlineBytes int

	StepTimeout   time.Duration
	TaskTimeout   time.Duration
	SyncStepTypes []string

	SentryDSN    string
	Environment  string
	OTLPEndpoint string
}

// DefaultConfig returns the settings used when no environment overrides are set.
func DefaultConfig() *Config {
	conc := concurrency.LoadConfig()
	cache := graph.DefaultConfig()
	return &Config{
		NATSURL:          "nats://localhost:4222",
		TaskStream:       "TASKS",
		ResultStream:     "RESULTS",
		ResultSubject:    "result",
		ResultConsumer:   "dispatcher",
		MaxConcurrent:    conc.MaxConcurrent,
		RunnerWorkers:    conc.RunnerWorkers,
		BreakerThreshold: conc.BreakerThreshold,
		GraphTTL:         cache.TTL,
		GraphRetention:   cache.Retention,
		GraphLockWait:    cache.LockWait,
		BlobContainer:    "daedalus-payloads",
		MaxInlineBytes:   storage.DefaultMaxInlineBytes,
		StepTimeout:      plancreator.DefaultStepTimeout,
		TaskTimeout:      30 * time.Minute,
		Environment:      "development",
	}
}

// Load returns DefaultConfig with DAEDALUS_* environment overrides applied.
func Load() *Config {
	c := DefaultConfig()
	c.NATSURL = getEnv("DAEDALUS_NATS_URL", c.NATSURL)
	c.NATSCreds = getEnv("DAEDALUS_NATS_CREDS", c.NATSCreds)
	c.NATSToken = getEnv("DAEDALUS_NATS_TOKEN", c.NATSToken)
	c.TaskStream = getEnv("DAEDALUS_TASK_STREAM", c.TaskStream)
	c.ResultStream = getEnv("DAEDALUS_RESULT_STREAM", c.ResultStream)
	c.ResultSubject = getEnv("DAEDALUS_RESULT_SUBJECT", c.ResultSubject)
	c.ResultConsumer = getEnv("DAEDALUS_RESULT_CONSUMER", c.ResultConsumer)
	c.GraphTTL = getEnvDuration("DAEDALUS_GRAPH_TTL", c.GraphTTL)
	c.GraphRetention = getEnvDuration("DAEDALUS_GRAPH_RETENTION", c.GraphRetention)
	c.GraphLockWait = getEnvDuration("DAEDALUS_GRAPH_LOCK_WAIT", c.GraphLockWait)
	c.EventLogPath = getEnv("DAEDALUS_EVENTLOG_PATH", c.EventLogPath)
	c.PostgresDSN = getEnv("DAEDALUS_POSTGRES_DSN", c.PostgresDSN)
	c.BlobConnection = getEnv("DAEDALUS_BLOB_CONNECTION", c.BlobConnection)
	c.BlobContainer = getEnv("DAEDALUS_BLOB_CONTAINER", c.BlobContainer)
	c.MaxInlineBytes = getEnvInt("DAEDALUS_MAX_INLINE_BYTES", c.MaxInlineBytes)
	c.StepTimeout = getEnvDuration("DAEDALUS_STEP_TIMEOUT", c.StepTimeout)
	c.TaskTimeout = getEnvDuration("DAEDALUS_TASK_TIMEOUT", c.TaskTimeout)
	c.SyncStepTypes = getEnvList("DAEDALUS_SYNC_STEP_TYPES", c.SyncStepTypes)
	c.SentryDSN = getEnv("DAEDALUS_SENTRY_DSN", c.SentryDSN)
	c.Environment = getEnv("DAEDALUS_ENVIRONMENT", c.Environment)
	c.OTLPEndpoint = getEnv("DAEDALUS_OTLP_ENDPOINT", c.OTLPEndpoint)
	return c
}

// Validate checks the settings the binary cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.NATSURL == "" {
		errs = append(errs, errors.New("NATS URL is required"))
	}
	if c.TaskStream == "" || c.ResultStream == "" || c.ResultSubject == "" {
		errs = append(errs, errors.New("task stream, result stream and result subject are required"))
	}
	if c.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("max concurrent must be positive, got %d", c.MaxConcurrent))
	}
	if c.GraphTTL <= 0 || c.GraphLockWait <= 0 {
		errs = append(errs, errors.New("graph TTL and lock wait must be positive"))
	}
	if c.GraphRetention < 0 {
		errs = append(errs, fmt.Errorf("graph retention must not be negative, got %s", c.GraphRetention))
	}
	if c.BlobConnection != "" && c.BlobContainer == "" {
		errs = append(errs, errors.New("blob container is required with a blob connection"))
	}
	return errors.Join(errs...)
}

// ConnectionConfig returns the NATS settings.
func (c *Config) ConnectionConfig() *nats.ConnectionConfig {
	cfg := nats.DefaultConnectionConfig(c.NATSURL)
	cfg.TaskStream = c.TaskStream
	cfg.ResultStream = c.ResultStream
	cfg.ResultSubject = c.ResultSubject
	cfg.CredentialsFile = c.NATSCreds
	cfg.Token = c.NATSToken
	return cfg
}

// GraphConfig returns the orchestration graph cache settings.
func (c *Config) GraphConfig() graph.Config {
	return graph.Config{TTL: c.GraphTTL, Retention: c.GraphRetention, LockWait: c.GraphLockWait}
}

// TracingConfig returns the tracing settings for serviceName.
func (c *Config) TracingConfig(serviceName string) tracing.TracingConfig {
	cfg := tracing.DefaultConfig(serviceName)
	cfg.Environment = c.Environment
	cfg.OTLPEndpoint = c.OTLPEndpoint
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
