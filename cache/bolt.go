package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.etcd.io/bbolt"
)

const (
	// CompressionThreshold is the minimum value size before compression is
	// considered. zstd overhead is not worth it for smaller values.
	CompressionThreshold = 2048

	// MaxDecompressedSize caps decompression to guard against compression bombs.
	MaxDecompressedSize = 64 * 1024 * 1024

	headerSize = 9 // 8-byte expiry + 1-byte encoding

	encodingIdentity byte = 0
	encodingZstd     byte = 1
)

var bucketEntries = []byte("entries")

var (
	// ErrCorrupted is returned when a stored value cannot be decoded.
	ErrCorrupted = errors.New("cache: corrupted entry")

	// ErrClosed is returned by operations on a closed Bolt cache.
	ErrClosed = errors.New("cache: bolt cache closed")
)

// Bolt is a Cache backed by a bbolt file with native expiry. Each value is
// stored as [expiry unix nanos, 0 = never][encoding][payload]; expired
// entries are removed lazily on Get.
type Bolt struct {
	db      *bbolt.DB
	logger  *slog.Logger
	now     func() time.Time
	noSync  bool
	mu      sync.RWMutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

var _ Cache = (*Bolt)(nil)

// BoltOption configures a Bolt cache.
type BoltOption func(*Bolt)

// WithBoltLogger sets the logger.
func WithBoltLogger(logger *slog.Logger) BoltOption {
	return func(b *Bolt) {
		b.logger = logger
	}
}

// WithBoltNow sets the clock, for tests.
func WithBoltNow(now func() time.Time) BoltOption {
	return func(b *Bolt) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// Use only for tests, never in production.
func WithNoSync(noSync bool) BoltOption {
	return func(b *Bolt) {
		b.noSync = noSync
	}
}

// OpenBolt opens or creates the cache file at path.
func OpenBolt(path string, opts ...BoltOption) (*Bolt, error) {
	b := &Bolt{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening bolt cache: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket %s: %w", bucketEntries, err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	if err != nil {
		enc.Close()
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	b.db, b.encoder, b.decoder = db, enc, dec

	b.logger.Debug("opened bolt cache", "path", path, "noSync", b.noSync)
	return b, nil
}

// Close releases the codec and closes the file.
func (b *Bolt) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.encoder != nil {
		b.encoder.Close()
		b.encoder = nil
	}
	if b.decoder != nil {
		b.decoder.Close()
		b.decoder = nil
	}
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// Get implements Cache.
func (b *Bolt) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil {
		return nil, false, ErrClosed
	}

	var raw []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketEntries).Get([]byte(key)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("reading %s: %w", key, err)
	}
	if raw == nil {
		return nil, false, nil
	}
	if len(raw) < headerSize {
		return nil, false, ErrCorrupted
	}

	if expiresAt := binary.BigEndian.Uint64(raw[:8]); expiresAt != 0 && uint64(b.now().UnixNano()) >= expiresAt { //nolint:gosec // post-1970 clock
		if err := b.evict(key, raw); err != nil {
			b.logger.Warn("evicting expired cache entry", "key", key, "error", err)
		}
		return nil, false, nil
	}

	value, err := b.decode(raw[8], raw[headerSize:])
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// evict deletes key only if it still holds the expired value, so a
// concurrent Set is not lost. Callers hold mu.
func (b *Bolt) evict(key string, expired []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketEntries)
		if cur := bkt.Get([]byte(key)); cur != nil && string(cur[:headerSize]) == string(expired[:headerSize]) {
			return bkt.Delete([]byte(key))
		}
		return nil
	})
}

// Set implements Cache.
func (b *Bolt) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil {
		return ErrClosed
	}

	var expiresAt uint64
	if ttl != NoExpiration {
		expiresAt = uint64(b.now().Add(ttl).UnixNano()) //nolint:gosec // post-1970 clock
	}

	encoding, payload := b.encode(value)
	record := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint64(record[:8], expiresAt)
	record[8] = encoding
	copy(record[headerSize:], payload)

	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(key), record)
	})
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// Delete implements Cache.
func (b *Bolt) Delete(_ context.Context, key string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil {
		return ErrClosed
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	})
}

// encode and decode run with mu held by the caller.
func (b *Bolt) encode(data []byte) (byte, []byte) {
	if len(data) < CompressionThreshold {
		return encodingIdentity, data
	}
	compressed := b.encoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return encodingIdentity, data
	}
	return encodingZstd, compressed
}

func (b *Bolt) decode(encoding byte, payload []byte) ([]byte, error) {
	switch encoding {
	case encodingIdentity:
		return payload, nil
	case encodingZstd:
		out, err := b.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown encoding %d", ErrCorrupted, encoding)
	}
}
