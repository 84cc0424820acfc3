package cache

import (
	"context"
	"time"
)

// BytesCache is a key/value store of opaque payloads with optional expiry.
type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}
