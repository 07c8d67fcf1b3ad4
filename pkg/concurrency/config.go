package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
)

// Config holds concurrency configuration parameters
type Config struct {
	// MaxConcurrent bounds simultaneous plan creator invocations.
	MaxConcurrent int

	// RunnerWorkers sizes the result consumer worker pool.
	RunnerWorkers int

	// BreakerThreshold is the consecutive publish failures that open the dispatch breaker.
	BreakerThreshold int

	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int
}

// LoadConfig loads concurrency configuration with priority: env vars > auto-detection
func LoadConfig() *Config {
	config := &Config{
		IsKubernetes:  isKubernetes(),
		EffectiveCPUs: runtime.GOMAXPROCS(0),
	}

	if maxConcurrent := getEnvInt("DAEDALUS_MAX_CONCURRENT", 0); maxConcurrent > 0 {
		config.MaxConcurrent = maxConcurrent
		config.Source = ConfigSourceEnvVar
	} else if multiplier := getEnvInt("DAEDALUS_CONCURRENCY_MULTIPLIER", 0); multiplier > 0 {
		config.MaxConcurrent = config.EffectiveCPUs * multiplier
		config.Source = ConfigSourceEnvVar
	} else {
		config.MaxConcurrent = defaultMaxConcurrent(config.IsKubernetes, config.EffectiveCPUs)
		config.Source = ConfigSourceAutoDetect
	}
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = 1
	}

	if workers := getEnvInt("DAEDALUS_RUNNER_WORKERS", 0); workers > 0 {
		config.RunnerWorkers = workers
	} else if config.IsKubernetes {
		config.RunnerWorkers = max(config.EffectiveCPUs, 4)
	} else {
		config.RunnerWorkers = max(config.EffectiveCPUs*2, 8)
	}

	config.BreakerThreshold = getEnvInt("DAEDALUS_BREAKER_THRESHOLD", 20)
	if config.BreakerThreshold < 1 {
		config.BreakerThreshold = 1
	}

	return config
}

// isKubernetes detects if the application is running in Kubernetes
func isKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

func defaultMaxConcurrent(isK8s bool, cpus int) int {
	if isK8s {
		return cpus * 2
	}
	return cpus * 4
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{MaxConcurrent: %d, RunnerWorkers: %d, BreakerThreshold: %d, IsK8s: %t, CPUs: %d, Source: %s}",
		c.MaxConcurrent,
		c.RunnerWorkers,
		c.BreakerThreshold,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}
