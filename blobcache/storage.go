package blobcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/wolfeidau/simple-mirror/backend"
	"github.com/wolfeidau/simple-mirror/config"
)

// ErrUnknownStorageDriver is returned by NewStorage for an unsupported driver.
var ErrUnknownStorageDriver = errors.New("blobcache: unknown storage driver")

// Storage is durable storage for distribution files.
type Storage interface {
	// Name labels metrics and logs.
	Name() string

	// Put streams r to key. A read error from r must not leave a partial
	// object under key.
	Put(ctx context.Context, key string, r io.Reader) error

	Exists(ctx context.Context, key string) (bool, error)

	// Serve answers r with the object at key, either with the bytes or a
	// redirect. filename names the download.
	Serve(w http.ResponseWriter, r *http.Request, key, filename string) error
}

// NewStorage builds the configured storage driver.
func NewStorage(cfg config.Storage, logger *slog.Logger) (Storage, error) {
	switch cfg.Driver {
	case config.StorageLocal:
		fs, err := backend.NewFilesystem(cfg.Local.Directory)
		if err != nil {
			return nil, fmt.Errorf("creating local storage: %w", err)
		}
		return NewLocalStorage(backend.NewInstrumentedBackend(fs, "files")), nil
	case config.StorageS3:
		return NewS3Storage(cfg.S3, cfg.RedirectCode, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStorageDriver, cfg.Driver)
	}
}
