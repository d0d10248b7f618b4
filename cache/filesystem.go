package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	simplemirror "github.com/wolfeidau/simple-mirror"
	"github.com/wolfeidau/simple-mirror/backend"
)

// FilesystemStore keeps each key in its own file, named by the BLAKE3 hash
// of the key and sharded by the first hash byte.
type FilesystemStore struct {
	fs backend.Backend
}

var _ Store = (*FilesystemStore)(nil)

// NewFilesystemStore stores entries through b.
func NewFilesystemStore(b backend.Backend) *FilesystemStore {
	return &FilesystemStore{fs: b}
}

func fileKey(key string) string {
	h := simplemirror.HashString(key)
	return path.Join(h.Dir(), h.String())
}

// Get implements Store.
func (s *FilesystemStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	rc, err := s.fs.Read(ctx, fileKey(key))
	if errors.Is(err, backend.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, false, fmt.Errorf("reading %s: %w", key, err)
	}
	return data, true, nil
}

// Put implements Store.
func (s *FilesystemStore) Put(ctx context.Context, key string, value []byte) error {
	return s.fs.Write(ctx, fileKey(key), bytes.NewReader(value))
}

// Delete implements Store.
func (s *FilesystemStore) Delete(ctx context.Context, key string) error {
	return s.fs.Delete(ctx, fileKey(key))
}
