// Package idempotency guards reward opens that share an idempotency key.
//
// A key is locked while its open is in flight and the finished result is
// cached, so a retry can be answered without touching the ledger. The ledger's
// unique key constraint remains the source of truth; the cache is a shortcut.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// ErrInFlight is returned by Lock when another request holds the key.
var ErrInFlight = errors.New("request with this idempotency key is in progress")

// Store locks keys and caches results.
type Store interface {
	// Lock claims key for ttl. The returned release is safe to call once the
	// lock has expired and been taken by someone else.
	Lock(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
	// Load decodes a cached result into dest and reports whether one existed.
	Load(ctx context.Context, key string, dest interface{}) (bool, error)
	// Save caches v for ttl.
	Save(ctx context.Context, key string, v interface{}, ttl time.Duration) error
}

const (
	lockPrefix   = "reward:idem:lock:"
	resultPrefix = "reward:idem:result:"
)
