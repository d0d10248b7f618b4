// Package mirror keeps package listings in sync with upstream indexes and
// hands distribution files to the blob cache.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wolfeidau/simple-mirror/blobcache"
	"github.com/wolfeidau/simple-mirror/config"
	"github.com/wolfeidau/simple-mirror/protocol/pypi"
	"github.com/wolfeidau/simple-mirror/store/records"
	"github.com/wolfeidau/simple-mirror/telemetry"
)

var (
	// ErrRepositoryNotFound is returned for an unconfigured repository slug.
	ErrRepositoryNotFound = errors.New("repository not found")

	// ErrPackageNotFound is returned when no listing could be obtained and
	// none is stored.
	ErrPackageNotFound = errors.New("package not found")

	// ErrPackageFileNotFound is returned when a filename is unknown even
	// after a forced refresh.
	ErrPackageFileNotFound = errors.New("package file not found")
)

// Index outcomes recorded by telemetry.RecordIndexSync.
const (
	syncCreated      = "created"
	syncRefreshed    = "refreshed"
	syncStaleTimeout = "stale_timeout"
	syncStaleError   = "stale_error"
	syncParseError   = "parse_error"
	syncNotFound     = "not_found"
)

// IndexFetcher fetches and parses an upstream project listing.
type IndexFetcher interface {
	FetchIndex(ctx context.Context, simpleURL, name string, timeout time.Duration) ([]pypi.ParsedFile, error)
}

// Service is the sync engine. It is safe for concurrent use.
type Service struct {
	db       *records.DB
	upstream IndexFetcher
	blobs    *blobcache.Cache
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a Service.
func New(db *records.DB, upstream IndexFetcher, blobs *blobcache.Cache, opts ...Option) *Service {
	s := &Service{
		db:       db,
		upstream: upstream,
		blobs:    blobs,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "mirror")
	return s
}

// SyncRepositories creates or updates the stored repositories to match
// the configuration. Repositories missing from repos are left in place.
func (s *Service) SyncRepositories(ctx context.Context, repos []config.Repository) error {
	var errs []error
	for _, r := range repos {
		_, err := s.db.UpsertRepository(ctx, &records.Repository{
			Slug:           r.Slug,
			SimpleURL:      strings.TrimRight(r.SimpleURL, "/"),
			CacheMinutes:   r.CacheMinutes,
			TimeoutSeconds: r.TimeoutSeconds,
			Reconcile:      r.Reconcile,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("repository %s: %w", r.Slug, err))
			continue
		}
		s.logger.Debug("repository synced", "repository", r.Slug, "simple_url", r.SimpleURL)
	}

	stored, err := s.db.ListRepositories(ctx)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	configured := make(map[string]bool, len(repos))
	for _, r := range repos {
		configured[r.Slug] = true
	}
	for _, r := range stored {
		if !configured[r.Slug] {
			s.logger.Warn("repository no longer configured, still served", "repository", r.Slug)
		}
	}
	return errors.Join(errs...)
}

// Repository returns the stored repository for slug.
func (s *Service) Repository(ctx context.Context, slug string) (*records.Repository, error) {
	repo, err := s.db.GetRepository(ctx, slug)
	if errors.Is(err, records.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", slug, ErrRepositoryNotFound)
	}
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// GetPackage returns the listing for name, fetching it from upstream when
// it has never been seen or is older than the repository's cache window.
// name must already be normalized.
func (s *Service) GetPackage(ctx context.Context, slug, name string) (*records.Package, error) {
	repo, err := s.Repository(ctx, slug)
	if err != nil {
		return nil, err
	}

	pkg, err := s.db.GetPackage(ctx, repo, name)
	switch {
	case errors.Is(err, records.ErrNotFound):
		return s.initialize(ctx, repo, name)
	case err != nil:
		return nil, err
	}

	if pkg.IsCurrent(s.now(), repo.StalenessWindow()) {
		return pkg, nil
	}
	return s.refresh(ctx, repo, pkg)
}

// GetPackageFile returns filename from the listing, cached into storage.
// An unknown filename forces one refresh of the listing.
func (s *Service) GetPackageFile(ctx context.Context, slug, name, filename string) (blobcache.File, error) {
	pkg, err := s.GetPackage(ctx, slug, name)
	if err != nil {
		return nil, err
	}

	files, ok := lookup(pkg, filename)
	if !ok {
		s.logger.Info("file not in listing, forcing refresh",
			"repository", slug, "package", name, "filename", filename)
		pkg, err = s.refresh(ctx, pkg.Repository, pkg)
		if err != nil {
			return nil, err
		}
		if files, ok = lookup(pkg, filename); !ok {
			return nil, fmt.Errorf("%s/%s/%s: %w", slug, name, filename, ErrPackageFileNotFound)
		}
	}

	if err := s.blobs.EnsureCachedAll(ctx, files...); err != nil {
		return nil, err
	}
	return files[0], nil
}

// lookup finds filename and returns it first, followed by its uncached
// metadata file when filename is a distribution.
func lookup(pkg *records.Package, filename string) ([]blobcache.File, bool) {
	if strings.HasSuffix(filename, pypi.MetadataSuffix) {
		if mf, ok := pkg.MetadataFile(filename); ok {
			return []blobcache.File{mf}, true
		}
	}

	cf, ok := pkg.CodeFile(filename)
	if !ok {
		return nil, false
	}
	files := []blobcache.File{cf}
	if !cf.IsCached && cf.MetadataFile != nil && !cf.MetadataFile.IsCached {
		files = append(files, cf.MetadataFile)
	}
	return files, true
}

func (s *Service) initialize(ctx context.Context, repo *records.Repository, name string) (*records.Package, error) {
	logger := s.logger.With("repository", repo.Slug, "package", name)

	files, err := s.upstream.FetchIndex(ctx, repo.SimpleURL, name, repo.Timeout())
	if err != nil {
		if errors.Is(err, pypi.ErrIndexParsing) {
			telemetry.RecordIndexSync(ctx, repo.Slug, syncParseError, 0)
			return nil, err
		}
		telemetry.RecordIndexSync(ctx, repo.Slug, syncNotFound, 0)
		logger.Info("upstream listing unavailable", "error", err)
		return nil, fmt.Errorf("%s/%s: %w", repo.Slug, name, ErrPackageNotFound)
	}

	res, err := s.db.Merge(ctx, repo, name, files, s.now(), repo.Reconcile)
	if err != nil {
		return nil, err
	}
	telemetry.RecordIndexSync(ctx, repo.Slug, syncCreated, res.Added)
	logger.Info("package listing created", "files", res.Added)

	return s.db.GetPackage(ctx, repo, name)
}

// refresh merges the current upstream listing into pkg. Upstream failures
// other than an unparseable answer keep the stored listing.
func (s *Service) refresh(ctx context.Context, repo *records.Repository, pkg *records.Package) (*records.Package, error) {
	logger := s.logger.With("repository", repo.Slug, "package", pkg.Name)

	files, err := s.upstream.FetchIndex(ctx, repo.SimpleURL, pkg.Name, repo.Timeout())
	switch {
	case errors.Is(err, pypi.ErrIndexParsing):
		telemetry.RecordIndexSync(ctx, repo.Slug, syncParseError, 0)
		return nil, err
	case errors.Is(err, pypi.ErrIndexTimeout):
		telemetry.RecordIndexSync(ctx, repo.Slug, syncStaleTimeout, 0)
		telemetry.SetCacheResultContext(ctx, telemetry.CacheStale)
		logger.Info("upstream timed out, serving stored listing")
		return pkg, nil
	case err != nil:
		telemetry.RecordIndexSync(ctx, repo.Slug, syncStaleError, 0)
		telemetry.SetCacheResultContext(ctx, telemetry.CacheStale)
		logger.Warn("upstream refresh failed, serving stored listing", "error", err)
		return pkg, nil
	}

	res, err := s.db.Merge(ctx, repo, pkg.Name, files, s.now(), repo.Reconcile)
	if err != nil {
		return nil, err
	}
	telemetry.RecordIndexSync(ctx, repo.Slug, syncRefreshed, res.Added)
	logger.Debug("package listing refreshed", "added", res.Added, "reconciled", res.Reconciled)

	return s.db.GetPackage(ctx, repo, pkg.Name)
}
