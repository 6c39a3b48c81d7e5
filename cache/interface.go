package cache

import (
	"context"
	"time"
)

// Cache remembers which webhook events were already delivered downstream
type Cache interface {
	// IsProcessed checks if an event has been processed
	IsProcessed(ctx context.Context, eventID string) (bool, error)

	// MarkProcessed marks an event as processed for ttl
	MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error

	// Close closes the cache and releases resources
	Close() error
}
