package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/wolfeidau/simple-mirror/backend"
	"github.com/wolfeidau/simple-mirror/config"
)

// Deps carries shared resources some drivers need.
type Deps struct {
	// DB backs the database driver.
	DB     *gorm.DB
	Logger *slog.Logger
}

// New builds the configured driver wrapped with metrics. The returned
// closer releases driver resources and is never nil.
func New(ctx context.Context, cfg config.Cache, deps Deps) (Cache, io.Closer, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		c      Cache
		closer io.Closer = nopCloser{}
	)
	switch cfg.Driver {
	case config.CacheMemory:
		c = NewEmulated(NewMemoryStore())
	case config.CacheFilesystem:
		fs, err := backend.NewFilesystem(cfg.Filesystem.Directory)
		if err != nil {
			return nil, nil, fmt.Errorf("creating filesystem cache: %w", err)
		}
		c = NewEmulated(NewFilesystemStore(backend.NewInstrumentedBackend(fs, "cache")))
	case config.CacheBolt:
		b, err := OpenBolt(cfg.Bolt.Path, WithBoltLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		c, closer = b, b
	case config.CacheDatabase:
		if deps.DB == nil {
			return nil, nil, fmt.Errorf("database cache requires a database handle")
		}
		d := NewDatabase(deps.DB)
		n, err := d.PurgeExpired(ctx)
		if err != nil {
			return nil, nil, err
		}
		logger.Debug("purged expired cache entries", "count", n)
		c = d
	case config.CacheRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connecting to redis %s: %w", cfg.Redis.Addr, err)
		}
		r := NewRedis(client)
		c, closer = r, r
	case config.CacheMemcached:
		m := NewMemcached(memcache.New(cfg.Memcached.Servers...))
		if err := m.Ping(); err != nil {
			_ = m.Close()
			return nil, nil, fmt.Errorf("connecting to memcached %v: %w", cfg.Memcached.Servers, err)
		}
		c, closer = m, m
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}

	logger.Info("cache ready", "driver", cfg.Driver)
	return NewInstrumented(c, cfg.Driver), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
