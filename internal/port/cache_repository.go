package port

import (
	"context"
	"time"
)

type CacheRepository interface {
	// SetStock publishes the display stock; writes older than the cached
	// version are ignored
	SetStock(ctx context.Context, itemID string, stock int, version int64) error

	// GetStock returns the cached display stock, ok=false on a miss
	GetStock(ctx context.Context, itemID string) (stock int, ok bool, err error)

	// AcquireLock sets key to owner if absent, returns false if already held
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// ReleaseLock deletes key only while it is still held by owner
	ReleaseLock(ctx context.Context, key, owner string) error
}
