package config

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"
)

// FieldError names the offending field and the reason it was rejected.
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

func repoField(slug, field string) string {
	if slug == "" {
		return fmt.Sprintf("repositories[].%s", field)
	}
	return fmt.Sprintf("repositories[%s].%s", slug, field)
}

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

var (
	cacheDrivers   = []string{CacheMemory, CacheFilesystem, CacheBolt, CacheDatabase, CacheRedis, CacheMemcached}
	storageDrivers = []string{StorageLocal, StorageS3}
	logLevels      = []string{"debug", "info", "warn", "error"}
	logFormats     = []string{"text", "json"}
	dbDrivers      = []string{"sqlite", "postgres"}
)

// Validate checks the decoded configuration and reports every problem at
// once.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	var errs []error
	add := func(field, reason string) {
		errs = append(errs, newFieldError(field, reason))
	}

	if c.Server.Address == "" {
		add("server.address", "must not be empty")
	}
	if c.Server.ReadTimeout < 0 {
		add("server.read_timeout", "must not be negative")
	}
	if c.Server.WriteTimeout < 0 {
		add("server.write_timeout", "must not be negative")
	}
	if !slices.Contains(logLevels, c.Log.Level) {
		add("log.level", "must be one of "+strings.Join(logLevels, "|"))
	}
	if !slices.Contains(logFormats, c.Log.Format) {
		add("log.format", "must be one of "+strings.Join(logFormats, "|"))
	}
	if !slices.Contains(dbDrivers, c.Database.Driver) {
		add("database.driver", "must be one of "+strings.Join(dbDrivers, "|"))
	}
	if c.Database.DSN == "" {
		add("database.dsn", "must not be empty")
	}

	if len(c.Repositories) == 0 {
		errs = append(errs, errors.New("at least one repository is required"))
	}
	seen := make(map[string]struct{}, len(c.Repositories))
	for _, r := range c.Repositories {
		if !slugPattern.MatchString(r.Slug) {
			add(repoField(r.Slug, "slug"), "must be lowercase letters, digits, '-' or '_'")
		}
		if _, dup := seen[r.Slug]; dup {
			add(repoField(r.Slug, "slug"), "duplicate")
		}
		seen[r.Slug] = struct{}{}

		u, err := url.Parse(r.SimpleURL)
		if err != nil || !u.IsAbs() || u.Host == "" {
			add(repoField(r.Slug, "simple_url"), "must be an absolute URL")
		}
		if r.CacheMinutes <= 0 {
			add(repoField(r.Slug, "cache_minutes"), "must be positive")
		}
		if r.TimeoutSeconds <= 0 {
			add(repoField(r.Slug, "timeout_seconds"), "must be positive")
		}
	}

	switch c.Storage.Driver {
	case StorageLocal:
		if c.Storage.Local.Directory == "" {
			add("storage.local.directory", "must not be empty")
		}
	case StorageS3:
		s3 := c.Storage.S3
		if s3.Endpoint == "" {
			add("storage.s3.endpoint", "must not be empty")
		}
		if s3.Bucket == "" {
			add("storage.s3.bucket", "must not be empty")
		}
		if _, err := url.ParseRequestURI(s3.PublicURLPrefix); err != nil {
			add("storage.s3.public_url_prefix", "must be an absolute URL")
		}
		if s3.BucketPrefix != "" && !strings.HasSuffix(s3.BucketPrefix, "/") {
			add("storage.s3.bucket_prefix", "must end with '/'")
		}
		if !isRedirect(c.Storage.RedirectCode) {
			add("storage.redirect_code", "must be a 3xx redirect status")
		}
	default:
		add("storage.driver", "must be one of "+strings.Join(storageDrivers, "|"))
	}

	switch c.Cache.Driver {
	case CacheMemory, CacheDatabase:
	case CacheFilesystem:
		if c.Cache.Filesystem.Directory == "" {
			add("cache.filesystem.directory", "must not be empty")
		}
	case CacheBolt:
		if c.Cache.Bolt.Path == "" {
			add("cache.bolt.path", "must not be empty")
		}
	case CacheRedis:
		if c.Cache.Redis.Addr == "" {
			add("cache.redis.addr", "must not be empty")
		}
	case CacheMemcached:
		if len(c.Cache.Memcached.Servers) == 0 {
			add("cache.memcached.servers", "must not be empty")
		}
	default:
		add("cache.driver", "must be one of "+strings.Join(cacheDrivers, "|"))
	}

	return errors.Join(errs...)
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}
