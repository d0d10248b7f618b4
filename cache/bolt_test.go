package cache

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func openTestBolt(t *testing.T, clock *fakeClock) *Bolt {
	t.Helper()
	b, err := OpenBolt(filepath.Join(t.TempDir(), "cache.bolt"), WithBoltNow(clock.Now), WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBolt(t *testing.T) {
	clock := newFakeClock()
	testCacheContract(t, openTestBolt(t, clock), clock.Advance)
}

func TestBoltCompressesLargeValues(t *testing.T) {
	ctx := context.Background()
	b := openTestBolt(t, newFakeClock())

	large := bytes.Repeat([]byte("<a href=\"x\">x</a>\n"), 1024)
	require.NoError(t, b.Set(ctx, "large", large, time.Minute))
	require.NoError(t, b.Set(ctx, "small", []byte("tiny"), time.Minute))

	var largeRaw, smallRaw []byte
	require.NoError(t, b.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketEntries)
		largeRaw = append([]byte(nil), bkt.Get([]byte("large"))...)
		smallRaw = append([]byte(nil), bkt.Get([]byte("small"))...)
		return nil
	}))
	assert.Equal(t, encodingZstd, largeRaw[8])
	assert.Less(t, len(largeRaw), len(large))
	assert.Equal(t, encodingIdentity, smallRaw[8])

	v, ok, err := b.Get(ctx, "large")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, large, v)
}

func TestBoltEvictsExpiredOnGet(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	b := openTestBolt(t, clock)

	require.NoError(t, b.Set(ctx, "k", []byte("v"), time.Second))
	clock.Advance(time.Second)

	_, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.db.View(func(tx *bbolt.Tx) error {
		assert.Nil(t, tx.Bucket(bucketEntries).Get([]byte("k")))
		return nil
	}))
}

func TestBoltPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.bolt")

	b, err := OpenBolt(path)
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, "k", []byte("v"), NoExpiration))
	require.NoError(t, b.Close())

	b, err = OpenBolt(path)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	v, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestBoltOperationsAfterClose(t *testing.T) {
	ctx := context.Background()
	b, err := OpenBolt(filepath.Join(t.TempDir(), "cache.bolt"))
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, "k", bytes.Repeat([]byte("v"), 2*CompressionThreshold), NoExpiration))
	require.NoError(t, b.Close())

	_, _, err = b.Get(ctx, "k")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, b.Set(ctx, "k", []byte("v"), time.Minute), ErrClosed)
	require.ErrorIs(t, b.Delete(ctx, "k"), ErrClosed)
	require.NoError(t, b.Close())
}
