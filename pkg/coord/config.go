package coord

import (
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"
)

// Config tunes the coordinator and its worker pool. The zero value is not
// usable; start from DefaultConfig.
type Config struct {
	// Workers is the number of dataflow workers. Every dataflow is sharded
	// across all of them.
	Workers int `json:"workers"`
	// RetentionLagTimestamps is how many closed timestamps output
	// arrangements keep below their frontier for subscription restarts.
	RetentionLagTimestamps uint64 `json:"retentionLagTimestamps"`
	// MaxStateEntries caps the per-worker state of a single dataflow; zero
	// disables the cap.
	MaxStateEntries int `json:"maxStateEntries"`
	// TickIntervalMillis is the period of the clock tick that closes idle
	// source frontiers so downstream views keep sealing.
	TickIntervalMillis int `json:"tickIntervalMillis"`
	// PollIntervalMillis is the period at which external source adapters
	// are polled for new records.
	PollIntervalMillis int `json:"pollIntervalMillis"`
	// SinkPushTimeoutMillis bounds how long a sealed batch push to a sink
	// adapter may block before the sink dataflow is failed.
	SinkPushTimeoutMillis int `json:"sinkPushTimeoutMillis"`
	// SubscriptionBuffer is the sealed-batch buffer of one subscription.
	SubscriptionBuffer int `json:"subscriptionBuffer"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Workers:                4,
		RetentionLagTimestamps: 64,
		MaxStateEntries:        0,
		TickIntervalMillis:     10,
		PollIntervalMillis:     10,
		SinkPushTimeoutMillis:  1000,
		SubscriptionBuffer:     256,
	}
}

// LoadConfig reads a YAML config file and overlays it on the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects unusable settings.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("config: workers must be at least 1, got %d", c.Workers)
	}
	if c.TickIntervalMillis < 1 {
		return fmt.Errorf("config: tick interval must be at least 1ms, got %d", c.TickIntervalMillis)
	}
	if c.SubscriptionBuffer < 1 {
		return fmt.Errorf("config: subscription buffer must be at least 1, got %d", c.SubscriptionBuffer)
	}
	return nil
}

func (c Config) tickInterval() time.Duration {
	return time.Duration(c.TickIntervalMillis) * time.Millisecond
}

func (c Config) pollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

func (c Config) sinkPushTimeout() time.Duration {
	return time.Duration(c.SinkPushTimeoutMillis) * time.Millisecond
}
