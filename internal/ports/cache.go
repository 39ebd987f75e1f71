package ports

import (
	"context"
	"time"
)

// Cache is a read-through cache for query results. Callers treat any Get
// error as a miss and recompute; cache failures never fail a request.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping() error
	Close() error
}
