package cache

import (
	"context"
	"fmt"
	"time"
)

// ExpirationSuffix names the sidecar key holding an entry's expiry.
const ExpirationSuffix = "_expiration"

// neverExpires is the sidecar value for entries stored with NoExpiration.
const neverExpires = "never"

// Store is a plain key/value store without expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Emulated adds TTL semantics to a Store. Each entry has a sidecar key
// "{key}_expiration" holding an RFC 3339 timestamp or "never". An entry
// without a sidecar is treated as missing.
type Emulated struct {
	store Store
	now   func() time.Time
}

var _ Cache = (*Emulated)(nil)

// EmulatedOption configures an Emulated cache.
type EmulatedOption func(*Emulated)

// WithNow sets the clock, for tests.
func WithNow(now func() time.Time) EmulatedOption {
	return func(e *Emulated) {
		e.now = now
	}
}

// NewEmulated wraps store with sidecar-based expiry.
func NewEmulated(store Store, opts ...EmulatedOption) *Emulated {
	e := &Emulated{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Get implements Cache.
func (e *Emulated) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, ok, err := e.store.Get(ctx, key+ExpirationSuffix)
	if err != nil {
		return nil, false, fmt.Errorf("reading expiration: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	if string(raw) != neverExpires {
		expiresAt, err := time.Parse(time.RFC3339Nano, string(raw))
		if err != nil || !e.now().Before(expiresAt) {
			if err := e.Delete(ctx, key); err != nil {
				return nil, false, err
			}
			return nil, false, nil
		}
	}

	value, ok, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("reading value: %w", err)
	}
	return value, ok, nil
}

// Set implements Cache. The value is written before its sidecar so a
// reader never sees a sidecar without a value.
func (e *Emulated) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	expiration := neverExpires
	if ttl != NoExpiration {
		expiration = e.now().Add(ttl).UTC().Format(time.RFC3339Nano)
	}

	if err := e.store.Put(ctx, key, value); err != nil {
		return fmt.Errorf("writing value: %w", err)
	}
	if err := e.store.Put(ctx, key+ExpirationSuffix, []byte(expiration)); err != nil {
		return fmt.Errorf("writing expiration: %w", err)
	}
	return nil
}

// Delete implements Cache. The sidecar goes first so a partial delete
// leaves the entry missing rather than immortal.
func (e *Emulated) Delete(ctx context.Context, key string) error {
	if err := e.store.Delete(ctx, key+ExpirationSuffix); err != nil {
		return fmt.Errorf("deleting expiration: %w", err)
	}
	if err := e.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("deleting value: %w", err)
	}
	return nil
}
