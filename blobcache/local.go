package blobcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"time"

	"github.com/wolfeidau/simple-mirror/backend"
)

// LocalStorage keeps files in a backend, normally the local filesystem.
type LocalStorage struct {
	backend backend.Backend
}

var _ Storage = (*LocalStorage)(nil)

// NewLocalStorage stores files through b.
func NewLocalStorage(b backend.Backend) *LocalStorage {
	return &LocalStorage{backend: b}
}

// Name implements Storage.
func (s *LocalStorage) Name() string { return "local" }

// Put implements Storage.
func (s *LocalStorage) Put(ctx context.Context, key string, r io.Reader) error {
	return s.backend.Write(ctx, key, r)
}

// Exists implements Storage.
func (s *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	return s.backend.Exists(ctx, key)
}

// Serve implements Storage. Range and conditional requests are handled
// when the backend returns a seekable file.
func (s *LocalStorage) Serve(w http.ResponseWriter, r *http.Request, key, filename string) error {
	rc, err := s.backend.Read(r.Context(), key)
	if errors.Is(err, backend.ErrNotFound) {
		http.NotFound(w, r)
		return err
	}
	if err != nil {
		return fmt.Errorf("opening %s: %w", key, err)
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.Header().Set("Content-Type", "application/octet-stream")

	if rs, ok := rc.(io.ReadSeeker); ok {
		var modTime time.Time
		if f, ok := rc.(*os.File); ok {
			if fi, err := f.Stat(); err == nil {
				modTime = fi.ModTime()
			}
		}
		http.ServeContent(w, r, filename, modTime, rs)
		return nil
	}

	if r.Method == http.MethodHead {
		return nil
	}
	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("streaming %s: %w", key, err)
	}
	return nil
}
