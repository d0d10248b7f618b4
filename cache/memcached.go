package cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	simplemirror "github.com/wolfeidau/simple-mirror"
)

// maxRelativeExpiry is the longest expiry memcached reads as an offset;
// anything larger is taken as a unix timestamp.
const maxRelativeExpiry = 30 * 24 * time.Hour

// Memcached is a Cache on one or more memcached servers using native
// item expiry.
type Memcached struct {
	client *memcache.Client
	now    func() time.Time
}

var _ Cache = (*Memcached)(nil)

// MemcachedOption configures a Memcached cache.
type MemcachedOption func(*Memcached)

// WithMemcachedNow overrides the clock used for long expiries.
func WithMemcachedNow(now func() time.Time) MemcachedOption {
	return func(m *Memcached) { m.now = now }
}

// NewMemcached wraps an existing client.
func NewMemcached(client *memcache.Client, opts ...MemcachedOption) *Memcached {
	m := &Memcached{client: client, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// memcachedKey maps a cache key onto memcached's key alphabet, which
// rejects spaces and control characters and caps keys at 250 bytes.
func memcachedKey(key string) string {
	return "simple-mirror:" + simplemirror.HashString(key).String()
}

// expiration converts a ttl into memcached's exptime field. Zero means
// the item never expires, so sub-second ttls round up to one second.
func (m *Memcached) expiration(ttl time.Duration) int32 {
	if ttl == NoExpiration {
		return 0
	}
	if ttl <= maxRelativeExpiry {
		return int32((ttl + time.Second - 1) / time.Second)
	}
	at := m.now().Add(ttl).Unix()
	if at > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(at) //nolint:gosec // bounded above
}

// Get implements Cache.
func (m *Memcached) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	item, err := m.client.Get(memcachedKey(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("memcached get %s: %w", key, err)
	}
	return item.Value, true, nil
}

// Set implements Cache.
func (m *Memcached) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := m.client.Set(&memcache.Item{
		Key:        memcachedKey(key),
		Value:      value,
		Expiration: m.expiration(ttl),
	})
	if err != nil {
		return fmt.Errorf("memcached set %s: %w", key, err)
	}
	return nil
}

// Delete implements Cache.
func (m *Memcached) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := m.client.Delete(memcachedKey(key))
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return fmt.Errorf("memcached delete %s: %w", key, err)
	}
	return nil
}

// Ping checks every server answers.
func (m *Memcached) Ping() error {
	return m.client.Ping()
}

// Close closes idle connections.
func (m *Memcached) Close() error {
	return m.client.Close()
}
