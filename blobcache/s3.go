package blobcache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/wolfeidau/simple-mirror/config"
)

// DefaultRedirectCode is used when no redirect code is configured.
const DefaultRedirectCode = http.StatusPermanentRedirect

// s3PartSize bounds memory per upload when the object size is unknown.
const s3PartSize = 16 * 1024 * 1024

// objectAPI is the subset of *minio.Client used by S3Storage.
type objectAPI interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
}

// S3Storage keeps files in an S3-compatible bucket and redirects clients
// to a public URL for downloads.
type S3Storage struct {
	client       objectAPI
	bucket       string
	prefix       string
	publicURL    string
	redirectCode int
	logger       *slog.Logger
}

var _ Storage = (*S3Storage)(nil)

// NewS3Storage connects to the configured bucket.
func NewS3Storage(cfg config.S3, redirectCode int, logger *slog.Logger) (*S3Storage, error) {
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	}
	if cfg.Region != "" {
		opts.Region = cfg.Region
	}

	client, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("creating S3 client for %s: %w", cfg.Endpoint, err)
	}

	logger.Info("S3 storage configured",
		"endpoint", cfg.Endpoint,
		"bucket", cfg.Bucket,
		"prefix", cfg.BucketPrefix,
		"ssl", cfg.UseSSL)

	return newS3Storage(client, cfg, redirectCode, logger), nil
}

func newS3Storage(client objectAPI, cfg config.S3, redirectCode int, logger *slog.Logger) *S3Storage {
	if redirectCode == 0 {
		redirectCode = DefaultRedirectCode
	}
	return &S3Storage{
		client:       client,
		bucket:       cfg.Bucket,
		prefix:       cfg.BucketPrefix,
		publicURL:    strings.TrimRight(cfg.PublicURLPrefix, "/"),
		redirectCode: redirectCode,
		logger:       logger,
	}
}

// Name implements Storage.
func (s *S3Storage) Name() string { return "s3" }

func (s *S3Storage) objectName(key string) string {
	return s.prefix + key
}

// Put implements Storage. The size is unknown up front, so the upload is
// multipart with bounded part buffers. A read error aborts the upload.
func (s *S3Storage) Put(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	info, err := s.client.PutObject(ctx, s.bucket, s.objectName(key), r, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
		PartSize:    s3PartSize,
	})
	if err != nil {
		return fmt.Errorf("uploading %s to bucket %s: %w", key, s.bucket, err)
	}
	s.logger.Debug("uploaded object",
		"bucket", s.bucket,
		"object", info.Key,
		"size", info.Size,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Exists implements Storage.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.objectName(key), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", key, err)
}

// PublicURL returns the client-facing URL for key.
func (s *S3Storage) PublicURL(key string) string {
	segments := strings.Split(s.objectName(key), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.publicURL + "/" + strings.Join(segments, "/")
}

// Serve implements Storage by redirecting to the public URL.
func (s *S3Storage) Serve(w http.ResponseWriter, r *http.Request, key, _ string) error {
	http.Redirect(w, r, s.PublicURL(key), s.redirectCode)
	return nil
}
