package blobcache

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/simple-mirror/config"
	"github.com/wolfeidau/simple-mirror/protocol/pypi"
)

type fakeObjectAPI struct {
	mu      sync.Mutex
	objects map[string][]byte
	sizes   []int64
}

func newFakeObjectAPI() *fakeObjectAPI {
	return &fakeObjectAPI{objects: make(map[string][]byte)}
}

func (f *fakeObjectAPI) PutObject(_ context.Context, bucket, object string, r io.Reader, size int64, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+object] = data
	f.sizes = append(f.sizes, size)
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: int64(len(data))}, nil
}

func (f *fakeObjectAPI) StatObject(_ context.Context, bucket, object string, _ minio.StatObjectOptions) (minio.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[bucket+"/"+object]
	if !ok {
		return minio.ObjectInfo{}, minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}
	}
	return minio.ObjectInfo{Key: object, Size: int64(len(data))}, nil
}

func newTestS3(api objectAPI, redirect int) *S3Storage {
	return newS3Storage(api, config.S3{
		Bucket:          "mirror",
		BucketPrefix:    "simple/",
		PublicURLPrefix: "https://cdn.example.com/",
	}, redirect, slog.Default())
}

func TestS3StoragePutAndExists(t *testing.T) {
	ctx := context.Background()
	api := newFakeObjectAPI()
	s := newTestS3(api, 0)

	ok, err := s.Exists(ctx, "pypi/demo/1.0/demo.whl")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "pypi/demo/1.0/demo.whl", strings.NewReader("wheel")))
	assert.Equal(t, []byte("wheel"), api.objects["mirror/simple/pypi/demo/1.0/demo.whl"])
	assert.Equal(t, []int64{-1}, api.sizes, "uploads stream with unknown size")

	ok, err = s.Exists(ctx, "pypi/demo/1.0/demo.whl")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestS3StorageServeRedirects(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		wantCode int
	}{
		{name: "default", code: 0, wantCode: http.StatusPermanentRedirect},
		{name: "configured", code: http.StatusFound, wantCode: http.StatusFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestS3(newFakeObjectAPI(), tt.code)
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/pypi/file/torch/2.0+cpu/torch.whl", nil)

			require.NoError(t, s.Serve(rec, req, "pypi/torch/2.0+cpu/torch.whl", "torch.whl"))
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "https://cdn.example.com/simple/pypi/torch/2.0+cpu/torch.whl", rec.Header().Get("Location"))
		})
	}
}

func TestEnsureCachedToS3(t *testing.T) {
	up := newUpstream(t, 0)
	api := newFakeObjectAPI()
	c := New(newTestS3(api, 0), &testMarker{}, pypi.NewUpstream())

	f := &testFile{name: "x.whl", key: "pypi/x/1.0/x.whl", url: up.srv.URL + "/x.whl"}
	require.NoError(t, c.EnsureCached(context.Background(), f))
	assert.Equal(t, []byte("content of /x.whl"), api.objects["mirror/simple/pypi/x/1.0/x.whl"])
	assert.True(t, f.Cached())
}

func TestNewStorage(t *testing.T) {
	s, err := NewStorage(config.Storage{Driver: config.StorageLocal, Local: config.Local{Directory: t.TempDir()}}, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, "local", s.Name())

	s, err = NewStorage(config.Storage{Driver: config.StorageS3, S3: config.S3{
		Endpoint:        "s3.example.com",
		Bucket:          "b",
		PublicURLPrefix: "https://cdn.example.com",
	}}, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, "s3", s.Name())

	_, err = NewStorage(config.Storage{Driver: "ftp"}, slog.Default())
	require.ErrorIs(t, err, ErrUnknownStorageDriver)
}
