// Package blobcache streams distribution files from upstream into durable
// storage once, and serves them from there afterwards.
package blobcache

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	simplemirror "github.com/wolfeidau/simple-mirror"
	"github.com/wolfeidau/simple-mirror/download"
	"github.com/wolfeidau/simple-mirror/telemetry"
)

const (
	// ChunkSize is the buffer size used when streaming to storage.
	ChunkSize = 64 * 1024

	// DefaultParallelism bounds EnsureCachedAll.
	DefaultParallelism = 2

	// DefaultFetchTimeout bounds a single upstream file download.
	DefaultFetchTimeout = 10 * time.Minute
)

// File is a cacheable distribution or metadata file.
type File interface {
	Name() string
	StorageKey() string
	SourceURL() string
	Cached() bool
	// Digests maps hash kind to hex value.
	Digests() map[string]string
}

// Marker persists that a file is now in storage.
type Marker interface {
	MarkCached(ctx context.Context, f File) error
}

// Fetcher opens an upstream file for reading.
type Fetcher interface {
	FetchFile(ctx context.Context, url string) (io.ReadCloser, int64, error)
}

// Cache moves files from upstream into Storage.
type Cache struct {
	storage      Storage
	marker       Marker
	fetcher      Fetcher
	downloader   *download.Downloader
	logger       *slog.Logger
	parallelism  int
	fetchTimeout time.Duration
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithDownloader shares a downloader between caches.
func WithDownloader(d *download.Downloader) Option {
	return func(c *Cache) {
		c.downloader = d
	}
}

// WithParallelism sets how many files EnsureCachedAll fetches at once.
func WithParallelism(n int) Option {
	return func(c *Cache) {
		c.parallelism = n
	}
}

// WithFetchTimeout bounds each upstream download.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		c.fetchTimeout = d
	}
}

// New creates a Cache writing to storage.
func New(storage Storage, marker Marker, fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		storage:      storage,
		marker:       marker,
		fetcher:      fetcher,
		logger:       slog.Default(),
		parallelism:  DefaultParallelism,
		fetchTimeout: DefaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.downloader == nil {
		c.downloader = download.New(download.WithLogger(c.logger))
	}
	return c
}

// EnsureCached makes sure f is in storage and marked cached. Concurrent
// calls for the same file share one download.
func (c *Cache) EnsureCached(ctx context.Context, f File) error {
	if f.Cached() {
		return nil
	}

	key := f.StorageKey()
	res, shared, err := c.downloader.Do(ctx, key, func(dlCtx context.Context) (*download.Result, error) {
		return c.store(dlCtx, f)
	})
	if err != nil {
		return fmt.Errorf("caching %s: %w", f.Name(), err)
	}

	if err := c.marker.MarkCached(ctx, f); err != nil {
		return fmt.Errorf("marking %s cached: %w", f.Name(), err)
	}

	c.logger.Debug("file cached", "key", key, "size", res.Size, "shared", shared)
	return nil
}

// EnsureCachedAll caches files concurrently, at most parallelism at a time.
// The first error cancels the rest.
func (c *Cache) EnsureCachedAll(ctx context.Context, files ...File) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for _, f := range files {
		g.Go(func() error {
			return c.EnsureCached(ctx, f)
		})
	}
	return g.Wait()
}

// Serve answers r with the stored file.
func (c *Cache) Serve(w http.ResponseWriter, r *http.Request, f File) error {
	return c.storage.Serve(w, r, f.StorageKey(), f.Name())
}

func (c *Cache) store(ctx context.Context, f File) (*download.Result, error) {
	key := f.StorageKey()
	logger := c.logger.With("key", key)

	// A previous process may have written the object but died before
	// recording it.
	if ok, err := c.storage.Exists(ctx, key); err == nil && ok {
		logger.Info("file already in storage")
		return &download.Result{Key: key}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	start := time.Now()
	body, _, err := c.fetcher.FetchFile(ctx, f.SourceURL())
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	hr := simplemirror.NewHashingReader(body)
	var src io.Reader = bufio.NewReaderSize(hr, ChunkSize)
	if want, ok := f.Digests()["sha256"]; ok {
		src = newSHA256Verifier(src, want)
	}

	if err := c.storage.Put(ctx, key, src); err != nil {
		return nil, fmt.Errorf("writing %s: %w", key, err)
	}

	res := &download.Result{Key: key, Size: hr.BytesRead(), Digest: hr.Sum()}
	telemetry.RecordBlobWrite(ctx, c.storage.Name(), res.Size)
	logger.Info("stored file",
		"size", res.Size,
		"blake3", res.Digest.ShortString(),
		"duration_ms", time.Since(start).Milliseconds())
	return res, nil
}
