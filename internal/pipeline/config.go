package pipeline

import (
	"fmt"
	"time"
)

// Feed names.
const (
	FeedSimulated = "simulated"
	FeedKafka     = "kafka"
)

// Config holds pipeline settings.
type Config struct {
	// Interval is the pause between the end of one cycle and the start of
	// the next.
	Interval time.Duration `yaml:"interval"`

	// Workers bounds concurrent response handling within a cycle.
	Workers int `yaml:"workers"`

	// Window is the number of most recent logs analyzed per cycle.
	Window int `yaml:"window"`

	// DedupeSize is the capacity of the processed log id cache.
	DedupeSize int `yaml:"dedupe_size"`

	// CollectMax caps the records taken from the feed per cycle.
	CollectMax int `yaml:"collect_max"`

	// Feed selects the log source: simulated or kafka.
	Feed string `yaml:"feed"`

	// QueueSize is the ring buffer capacity behind the kafka feed.
	QueueSize int `yaml:"queue_size"`

	// SimulatedBatch is the number of records generated per cycle.
	SimulatedBatch int `yaml:"simulated_batch"`
}

// DefaultConfig returns default pipeline settings.
func DefaultConfig() Config {
	return Config{
		Interval:       30 * time.Second,
		Workers:        4,
		Window:         100,
		DedupeSize:     10000,
		CollectMax:     1000,
		Feed:           FeedSimulated,
		QueueSize:      10000,
		SimulatedBatch: 5,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("pipeline: interval must be positive")
	}
	if c.Workers < 1 {
		return fmt.Errorf("pipeline: workers must be at least 1")
	}
	if c.Window < 1 {
		return fmt.Errorf("pipeline: window must be at least 1")
	}
	if c.DedupeSize < 1 {
		return fmt.Errorf("pipeline: dedupe_size must be at least 1")
	}
	if c.CollectMax < 1 {
		return fmt.Errorf("pipeline: collect_max must be at least 1")
	}
	switch c.Feed {
	case FeedSimulated:
		if c.SimulatedBatch < 1 {
			return fmt.Errorf("pipeline: simulated_batch must be at least 1")
		}
	case FeedKafka:
		if c.QueueSize < 1 {
			return fmt.Errorf("pipeline: queue_size must be at least 1")
		}
	default:
		return fmt.Errorf("pipeline: unknown feed %q", c.Feed)
	}
	return nil
}
