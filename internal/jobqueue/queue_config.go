/*
Package jobqueue configuration - All tunable parameters for the River job queue.

## Quick Configuration Reference:

### Performance Tuning:
- Increase MaxWorkers for higher throughput (more concurrent sync runs)
- Adjust MaxRetries for different reliability vs. speed tradeoffs

### Reliability Tuning:
- Increase MaxRetries for better reliability on unstable networks
- Configure JobTimeout based on mailbox provider response times

## Monitoring and Debugging:
- Job status can be monitored via River's built-in job tracking
- Failed jobs retain error information in the River jobs table

## Database Requirements:
- PostgreSQL with River schema migrations applied
- Connection pool configured for concurrent workers
*/
package jobqueue

import (
	"os"
	"time"

	"github.com/riverqueue/river"
)

// QueueConfig holds all configurable parameters for the job queue
type QueueConfig struct {
	// Worker Configuration
	MaxWorkers int // Number of concurrent workers processing jobs (default: 4)

	// Retry Configuration
	MaxRetries int           // Maximum retry attempts per job (default: 10)
	JobTimeout time.Duration // Maximum time a single sync run can take (default: 5 minutes)
}

// DefaultQueueConfig returns the default configuration
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		// Sync runs mostly wait on the mailbox provider and the oracle, so a
		// handful of workers covers a busy inbox.
		MaxWorkers: 4,
		MaxRetries: 10,
		JobTimeout: 5 * time.Minute,
	}
}

// ProductionQueueConfig returns a configuration optimized for production use
func ProductionQueueConfig() *QueueConfig {
	config := DefaultQueueConfig()

	config.MaxWorkers = 8
	config.JobTimeout = 10 * time.Minute // Longer timeout for network issues

	return config
}

// DevelopmentQueueConfig returns a configuration optimized for development
func DevelopmentQueueConfig() *QueueConfig {
	config := DefaultQueueConfig()

	config.MaxWorkers = 2               // Fewer workers to reduce resource usage
	config.MaxRetries = 3               // Fail faster in development
	config.JobTimeout = 2 * time.Minute // Shorter timeout for faster feedback

	return config
}

// GetQueueConfig returns the appropriate configuration based on environment
func GetQueueConfig() *QueueConfig {
	switch os.Getenv("DESKFLOW_ENV") {
	case "production":
		return ProductionQueueConfig()
	case "development":
		return DevelopmentQueueConfig()
	default:
		return DefaultQueueConfig()
	}
}

// RiverQueueConfig converts our config to River's queue configuration format
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	return map[string]river.QueueConfig{
		river.QueueDefault: {
			MaxWorkers: c.MaxWorkers,
		},
	}
}
