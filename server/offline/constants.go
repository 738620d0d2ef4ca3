package offline

import (
	"errors"
	"time"
)

const (
	// DefaultBaseDelay is the backoff delay after the first transient failure
	DefaultBaseDelay = 1 * time.Second

	// DefaultMaxDelay caps the exponential backoff
	DefaultMaxDelay = 60 * time.Second

	// DefaultMaxRetries is the retry ceiling before an item fails terminally
	DefaultMaxRetries = 5

	// DefaultCoalesceWindow collapses connectivity flapping into one transition
	DefaultCoalesceWindow = 300 * time.Millisecond

	// DefaultFlushInterval is how often the queue is flushed while online
	DefaultFlushInterval = 60 * time.Second

	// StorageRefreshInterval is how often storage usage is recomputed
	StorageRefreshInterval = 30 * time.Second

	// HealthCheckInterval is how often the remote endpoint is pinged
	HealthCheckInterval = 30 * time.Second

	// MaxConsecutiveFailures marks sync as degraded once reached
	MaxConsecutiveFailures = 5

	// DefaultStorageQuota is the byte budget assumed when none is configured
	DefaultStorageQuota int64 = 5 * 1024 * 1024
)

var (
	// ErrInvalidItem is returned when a queue item is missing required fields
	ErrInvalidItem = errors.New("invalid queue item")

	// ErrQueueClosed is returned when the queue no longer accepts items
	ErrQueueClosed = errors.New("sync queue closed")

	// ErrNoEndpoint is returned when no remote endpoint is configured
	ErrNoEndpoint = errors.New("no remote endpoint configured")
)

// Logger is the structured logger used by the offline package.
// *pluginapi.LogService satisfies it.
type Logger interface {
	Debug(message string, keyValuePairs ...any)
	Info(message string, keyValuePairs ...any)
	Warn(message string, keyValuePairs ...any)
	Error(message string, keyValuePairs ...any)
}
