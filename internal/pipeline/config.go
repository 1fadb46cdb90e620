package pipeline

import (
	"fmt"
	"time"
)

// Config defines the coordinator's worker pools and housekeeping
type Config struct {
	// Concurrent ingest (validate + aggregate) workers
	IngestWorkers int `toml:"ingest_workers"`

	// Concurrent publish workers
	PublishWorkers int `toml:"publish_workers"`

	// Upper bound on one job before it is abandoned and retried
	JobTimeout time.Duration `toml:"job_timeout"`

	// Lease reaping and queue gauge refresh interval
	MaintenanceInterval time.Duration `toml:"maintenance_interval"`

	// Register deployments found on disk whose operator is known
	AutoRegister bool `toml:"auto_register"`

	// Watcher event inbox sizing
	EventBufferSize  int           `toml:"event_buffer_size"`
	EventSendTimeout time.Duration `toml:"event_send_timeout"`
}

// DefaultConfig returns coordinator defaults
func DefaultConfig() Config {
	return Config{
		IngestWorkers:       4,
		PublishWorkers:      2,
		JobTimeout:          2 * time.Minute,
		MaintenanceInterval: 30 * time.Second,
		AutoRegister:        true,
		EventBufferSize:     1024,
		EventSendTimeout:    5 * time.Second,
	}
}

// validateConfig validates coordinator configuration and returns error if invalid
func validateConfig(config Config) error {
	if config.IngestWorkers <= 0 {
		return fmt.Errorf("IngestWorkers must be positive, got %d", config.IngestWorkers)
	}

	if config.PublishWorkers <= 0 {
		return fmt.Errorf("PublishWorkers must be positive, got %d", config.PublishWorkers)
	}

	if config.JobTimeout <= 0 {
		return fmt.Errorf("JobTimeout must be positive, got %v", config.JobTimeout)
	}

	if config.MaintenanceInterval <= 0 {
		return fmt.Errorf("MaintenanceInterval must be positive, got %v", config.MaintenanceInterval)
	}

	if config.EventBufferSize <= 0 {
		return fmt.Errorf("EventBufferSize must be positive, got %d", config.EventBufferSize)
	}

	if config.EventSendTimeout <= 0 {
		return fmt.Errorf("EventSendTimeout must be positive, got %v", config.EventSendTimeout)
	}

	return nil
}
