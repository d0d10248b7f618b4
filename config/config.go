// Package config loads and validates the mirror configuration file.
package config

import "time"

// Cache drivers.
const (
	CacheMemory     = "memory"
	CacheFilesystem = "filesystem"
	CacheBolt       = "bolt"
	CacheDatabase   = "database"
	CacheRedis      = "redis"
	CacheMemcached  = "memcached"
)

// Storage drivers.
const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

// Config is the root of the configuration file.
type Config struct {
	Server       Server       `mapstructure:"server"`
	Log          Log          `mapstructure:"log"`
	Metrics      Metrics      `mapstructure:"metrics"`
	Database     Database     `mapstructure:"database"`
	Repositories []Repository `mapstructure:"repositories"`
	Storage      Storage      `mapstructure:"storage"`
	Cache        Cache        `mapstructure:"cache"`

	// CredentialsFile is an optional secrets template whose values
	// override the matching fields above.
	CredentialsFile string `mapstructure:"credentials_file"`
}

// Server configures the HTTP listener.
type Server struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// AuthToken, when set, is required as a Bearer token on every route
	// except /health and /metrics.
	AuthToken string `mapstructure:"auth_token"`
}

// Log selects the log level and handler.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Metrics configures the metric exporters.
type Metrics struct {
	Prometheus   bool   `mapstructure:"prometheus"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Database configures the record store.
type Database struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// Repository is one upstream Simple API index.
type Repository struct {
	Slug           string `mapstructure:"slug"`
	SimpleURL      string `mapstructure:"simple_url"`
	CacheMinutes   int    `mapstructure:"cache_minutes"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	Reconcile      bool   `mapstructure:"reconcile"`
}

// Storage configures where distribution files are kept.
type Storage struct {
	Driver       string `mapstructure:"driver"`
	RedirectCode int    `mapstructure:"redirect_code"`
	Local        Local  `mapstructure:"local"`
	S3           S3     `mapstructure:"s3"`
}

// Local is a directory on the local filesystem.
type Local struct {
	Directory string `mapstructure:"directory"`
}

// S3 is an S3-compatible bucket.
type S3 struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	BucketPrefix    string `mapstructure:"bucket_prefix"`
	AccessKey       string `mapstructure:"access_key"`
	SecretKey       string `mapstructure:"secret_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	PublicURLPrefix string `mapstructure:"public_url_prefix"`
}

// Cache configures the TTL cache used for rendered pages.
type Cache struct {
	Driver     string         `mapstructure:"driver"`
	Filesystem Local          `mapstructure:"filesystem"`
	Bolt       BoltCache      `mapstructure:"bolt"`
	Redis      RedisCache     `mapstructure:"redis"`
	Memcached  MemcachedCache `mapstructure:"memcached"`
}

// BoltCache is the bbolt database file.
type BoltCache struct {
	Path string `mapstructure:"path"`
}

// RedisCache is a redis server.
type RedisCache struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MemcachedCache is one or more memcached servers; keys are spread across them.
type MemcachedCache struct {
	Servers []string `mapstructure:"servers"`
}

// Repository returns the repository with the given slug.
func (c *Config) Repository(slug string) (Repository, bool) {
	for _, r := range c.Repositories {
		if r.Slug == slug {
			return r, true
		}
	}
	return Repository{}, false
}
