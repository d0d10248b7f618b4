package config

import (
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. SIMPLE_MIRROR_SERVER_ADDRESS.
const EnvPrefix = "SIMPLE_MIRROR"

// Defaults applied to each repository entry that leaves them unset.
const (
	DefaultCacheMinutes   = 10
	DefaultTimeoutSeconds = 10
)

// Loader reads a configuration file and can watch it for changes.
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader prepares a loader for the file at path. The format follows the
// file extension (yaml, toml or json).
func NewLoader(path string) *Loader {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return &Loader{v: v, path: path}
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Load reads, decodes and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", l.path, err)
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	for i := range cfg.Repositories {
		applyRepositoryDefaults(&cfg.Repositories[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WatchRepositories calls fn with the repository list each time the file
// changes and still validates. Invalid edits are logged and ignored.
func (l *Loader) WatchRepositories(logger *slog.Logger, fn func([]Repository)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.reload()
		if err != nil {
			logger.Warn("ignoring config change", "file", e.Name, "error", err)
			return
		}
		logger.Info("config reloaded", "file", e.Name, "repositories", len(cfg.Repositories))
		fn(cfg.Repositories)
	})
	l.v.WatchConfig()
}

func (l *Loader) reload() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", l.path, err)
	}
	return l.decode()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "5m")
	v.SetDefault("server.auth_token", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.prometheus", true)
	v.SetDefault("metrics.otlp_endpoint", "")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "simple-mirror.db")
	v.SetDefault("storage.driver", StorageLocal)
	v.SetDefault("storage.redirect_code", 308)
	v.SetDefault("storage.local.directory", "./files")
	v.SetDefault("cache.driver", CacheMemory)
	v.SetDefault("cache.filesystem.directory", "./cache")
	v.SetDefault("cache.bolt.path", "cache.bolt")
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.memcached.servers", []string{"localhost:11211"})
	v.SetDefault("credentials_file", "")
}

func applyRepositoryDefaults(r *Repository) {
	r.Slug = strings.TrimSpace(r.Slug)
	r.SimpleURL = strings.TrimRight(strings.TrimSpace(r.SimpleURL), "/")
	if r.CacheMinutes == 0 {
		r.CacheMinutes = DefaultCacheMinutes
	}
	if r.TimeoutSeconds == 0 {
		r.TimeoutSeconds = DefaultTimeoutSeconds
	}
}

// durationDecodeHook accepts Go duration strings or bare numbers of seconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(time.Duration(0))

	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return time.Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return parsed, nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return time.Duration(seconds * float64(time.Second)), nil
			}
			return nil, fmt.Errorf("invalid duration %q", v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		case time.Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("unsupported duration type %T", v)
		}
	}
}
