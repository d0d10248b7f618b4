// Package cache provides a TTL key/value cache with interchangeable drivers.
// Drivers with native expiry implement Cache directly; plain stores are
// wrapped by NewEmulated, which records expiry in a sidecar key.
package cache

import (
	"context"
	"errors"
	"net/url"
	"time"
)

// NoExpiration as a ttl means the entry never expires.
const NoExpiration time.Duration = 0

// ErrUnknownDriver is returned by New for an unsupported driver name.
var ErrUnknownDriver = errors.New("cache: unknown driver")

// Cache is a byte-valued TTL cache.
type Cache interface {
	// Get returns the value and true, or false if the key is missing or
	// expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key. A ttl of NoExpiration never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Key builds a memoization key from an operation name and its arguments.
// Arguments are encoded as a sorted, escaped query string so neither order
// nor separator characters inside values can make two keys collide.
func Key(operation string, args map[string]string) string {
	if len(args) == 0 {
		return operation
	}
	values := make(url.Values, len(args))
	for name, value := range args {
		values.Set(name, value)
	}
	return operation + "?" + values.Encode()
}

// Memoize returns the cached value for key, or computes it with fn and
// stores it for ttl. Errors from fn are returned and nothing is stored.
func Memoize(ctx context.Context, c Cache, key string, ttl time.Duration, fn func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	if v, ok, err := c.Get(ctx, key); err == nil && ok {
		return v, true, nil
	}

	v, err := fn(ctx)
	if err != nil {
		return nil, false, err
	}
	if err := c.Set(ctx, key, v, ttl); err != nil {
		return v, false, err
	}
	return v, false, nil
}
