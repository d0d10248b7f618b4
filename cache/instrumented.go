package cache

import (
	"context"
	"time"

	"github.com/wolfeidau/simple-mirror/telemetry"
)

// Instrumented records hit, miss and error counts for a Cache.
type Instrumented struct {
	inner  Cache
	driver string
}

var _ Cache = (*Instrumented)(nil)

// NewInstrumented wraps c, labelling metrics with driver.
func NewInstrumented(c Cache, driver string) *Instrumented {
	return &Instrumented{inner: c, driver: driver}
}

// Unwrap returns the wrapped cache.
func (i *Instrumented) Unwrap() Cache {
	return i.inner
}

// Get implements Cache.
func (i *Instrumented) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok, err := i.inner.Get(ctx, key)
	switch {
	case err != nil:
		telemetry.RecordCacheOp(ctx, i.driver, "get", "error")
	case ok:
		telemetry.RecordCacheOp(ctx, i.driver, "get", "hit")
	default:
		telemetry.RecordCacheOp(ctx, i.driver, "get", "miss")
	}
	return v, ok, err
}

// Set implements Cache.
func (i *Instrumented) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := i.inner.Set(ctx, key, value, ttl)
	telemetry.RecordCacheOp(ctx, i.driver, "set", resultOf(err))
	return err
}

// Delete implements Cache.
func (i *Instrumented) Delete(ctx context.Context, key string) error {
	err := i.inner.Delete(ctx, key)
	telemetry.RecordCacheOp(ctx, i.driver, "delete", resultOf(err))
	return err
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
