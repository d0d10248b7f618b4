package download

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	simplemirror "github.com/wolfeidau/simple-mirror"
)

func TestDo_SingleCall(t *testing.T) {
	d := New()

	expected := &Result{
		Key:    "pypi/demo/1.0/demo-1.0.tar.gz",
		Digest: simplemirror.HashBytes([]byte("hello")),
		Size:   5,
	}

	result, shared, err := d.Do(context.Background(), "key1", func(ctx context.Context) (*Result, error) {
		return expected, nil
	})

	require.NoError(t, err)
	require.False(t, shared)
	require.Equal(t, expected.Digest, result.Digest)
	require.Equal(t, expected.Size, result.Size)
	require.Equal(t, expected.Key, result.Key)
}

func TestDo_ConcurrentDeduplication(t *testing.T) {
	d := New()

	var callCount atomic.Int32
	expected := &Result{
		Digest: simplemirror.HashBytes([]byte("data")),
		Size:   4,
	}

	var wg sync.WaitGroup
	results := make([]*Result, 10)
	errs := make([]error, 10)

	// Start the download function but make it slow enough for all goroutines to pile up
	for i := range 10 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], _, errs[idx] = d.Do(context.Background(), "shared-key", func(ctx context.Context) (*Result, error) {
				callCount.Add(1)
				time.Sleep(50 * time.Millisecond)
				return expected, nil
			})
		}(i)
	}

	wg.Wait()

	require.Equal(t, int32(1), callCount.Load(), "download func should be called exactly once")
	for i := range 10 {
		require.NoError(t, errs[i])
		require.Equal(t, expected.Digest, results[i].Digest)
	}
}

func TestDo_CallerTimeout(t *testing.T) {
	d := New()

	var downloadCompleted atomic.Bool
	expected := &Result{
		Digest: simplemirror.HashBytes([]byte("slow")),
		Size:   4,
	}

	// First caller with short timeout
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer shortCancel()

	// Start a slow download
	var slowWg sync.WaitGroup
	slowWg.Add(1)
	go func() {
		defer slowWg.Done()
		_, _, _ = d.Do(shortCtx, "timeout-key", func(ctx context.Context) (*Result, error) {
			time.Sleep(200 * time.Millisecond)
			downloadCompleted.Store(true)
			return expected, nil
		})
	}()

	// Wait for first caller to start the download
	time.Sleep(5 * time.Millisecond)

	// Second caller with long timeout should get the result
	longCtx, longCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer longCancel()

	result, shared, err := d.Do(longCtx, "timeout-key", func(ctx context.Context) (*Result, error) {
		t.Fatal("should not be called - download already in flight")
		return nil, nil
	})

	require.NoError(t, err)
	require.True(t, shared)
	require.Equal(t, expected.Digest, result.Digest)
	require.True(t, downloadCompleted.Load())

	slowWg.Wait()
}

func TestDo_DownloadError(t *testing.T) {
	d := New()

	expectedErr := errors.New("upstream unavailable")

	var wg sync.WaitGroup
	errs := make([]error, 5)

	for i := range 5 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, _, errs[idx] = d.Do(context.Background(), "error-key", func(ctx context.Context) (*Result, error) {
				time.Sleep(20 * time.Millisecond)
				return nil, expectedErr
			})
		}(i)
	}

	wg.Wait()

	for i := range 5 {
		require.ErrorIs(t, errs[i], expectedErr)
	}
}

func TestDo_DifferentKeys(t *testing.T) {
	d := New()

	var callCount atomic.Int32
	errs := make([]error, 5)
	var wg sync.WaitGroup

	for i := range 5 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			key := "key-" + string(rune('a'+idx))
			_, _, errs[idx] = d.Do(context.Background(), key, func(ctx context.Context) (*Result, error) {
				callCount.Add(1)
				return &Result{Digest: simplemirror.HashBytes([]byte(key)), Size: 1}, nil
			})
		}(i)
	}

	wg.Wait()

	for i := range 5 {
		require.NoError(t, errs[i])
	}
	require.Equal(t, int32(5), callCount.Load(), "each key should trigger its own download")
}

func TestDo_RetriesAfterError(t *testing.T) {
	d := New()

	var callCount atomic.Int32
	_, _, err := d.Do(context.Background(), "flaky", func(ctx context.Context) (*Result, error) {
		callCount.Add(1)
		return nil, errors.New("connection reset")
	})
	require.Error(t, err)

	result, shared, err := d.Do(context.Background(), "flaky", func(ctx context.Context) (*Result, error) {
		callCount.Add(1)
		return &Result{Key: "flaky", Size: 1}, nil
	})
	require.NoError(t, err)
	require.False(t, shared)
	require.Equal(t, "flaky", result.Key)
	require.Equal(t, int32(2), callCount.Load())
}

func TestDo_DetachedContext(t *testing.T) {
	d := New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	started := make(chan struct{})

	go func() {
		_, _, _ = d.Do(ctx, "detached", func(dlCtx context.Context) (*Result, error) {
			close(started)
			time.Sleep(50 * time.Millisecond)
			done <- dlCtx.Err()
			return &Result{Key: "detached"}, nil
		})
	}()

	<-started
	cancel()
	require.NoError(t, <-done, "download context must outlive the caller")
}
