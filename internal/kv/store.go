// Package kv provides the Redis-like key-value abstraction every domain
// component coordinates through: the circuit breaker, dedup store, robots
// cache, re-verify coordinator, and suppression lookups all go through this
// single seam rather than talking to Badger directly.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is the minimal Redis-like surface the domain layer needs: string
// GET/SET with TTL, INCR with expiry, lists (LPUSH/LTRIM/LRANGE), key scans,
// EXISTS, and DEL.
type Store interface {
	// Get returns the string value for key, or ErrNotFound if absent/expired.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value for key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Incr atomically increments the integer stored at key (treating a
	// missing key as 0) and returns the new value. It does not touch TTL.
	Incr(ctx context.Context, key string) (int64, error)

	// Expire sets or refreshes the TTL on an existing key. Returns
	// ErrNotFound if the key doesn't exist.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// LPush prepends value to the list at key, creating it if absent.
	LPush(ctx context.Context, key string, value string) error

	// LTrim keeps only the range [start, stop] of the list at key
	// (inclusive, 0-indexed from the head), discarding the rest.
	LTrim(ctx context.Context, key string, start, stop int) error

	// LRange returns the elements of the list at key in [start, stop].
	LRange(ctx context.Context, key string, start, stop int) ([]string, error)

	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// Keys returns every unexpired key matching a glob pattern ("*" as
	// wildcard, e.g. "cb:*:state").
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Del removes key. It is not an error to delete a missing key.
	Del(ctx context.Context, key string) error

	// Close releases any underlying resources.
	Close() error
}
