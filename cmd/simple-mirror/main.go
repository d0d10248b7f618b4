// Command simple-mirror is a pull-through mirror for Python package indexes
// speaking the Simple Repository API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/simple-mirror/blobcache"
	"github.com/wolfeidau/simple-mirror/cache"
	"github.com/wolfeidau/simple-mirror/config"
	"github.com/wolfeidau/simple-mirror/credentials"
	"github.com/wolfeidau/simple-mirror/credentials/opprovider"
	"github.com/wolfeidau/simple-mirror/mirror"
	"github.com/wolfeidau/simple-mirror/protocol/pypi"
	"github.com/wolfeidau/simple-mirror/server"
	"github.com/wolfeidau/simple-mirror/store/records"
	"github.com/wolfeidau/simple-mirror/telemetry"
)

var version = "dev"

type globals struct {
	Config    string `help:"Path to the configuration file." short:"c" type:"path" default:"simple-mirror.yaml" env:"SIMPLE_MIRROR_CONFIG"`
	LogLevel  string `help:"Log level overriding the config file."`
	LogFormat string `help:"Log format overriding the config file."`
}

type cli struct {
	globals

	Version     kong.VersionFlag `help:"Print the version and exit."`
	Serve       serveCmd         `cmd:"" default:"1" help:"Run the mirror server."`
	CheckConfig checkConfigCmd   `cmd:"" help:"Load and validate the configuration, then exit."`
}

type serveCmd struct{}

type checkConfigCmd struct{}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("simple-mirror"),
		kong.Description("Pull-through mirror for the Python Simple Repository API."),
		kong.Vars{"version": version},
		kong.UsageOnError(),
	)
	if err := kctx.Run(&c.globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func (checkConfigCmd) Run(g *globals) error {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return err
	}
	if err := applyCredentials(context.Background(), cfg, slog.Default()); err != nil {
		return err
	}
	fmt.Printf("%s: ok (%d repositories, cache %s, storage %s)\n",
		g.Config, len(cfg.Repositories), cfg.Cache.Driver, cfg.Storage.Driver)
	return nil
}

func (serveCmd) Run(g *globals) error {
	loader := config.NewLoader(g.Config)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Log.Format = g.LogFormat
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if err := applyCredentials(context.Background(), cfg, logger); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceVersion:   version,
		OTLPEndpoint:     cfg.Metrics.OTLPEndpoint,
		EnablePrometheus: cfg.Metrics.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("flushing metrics", "error", err)
		}
	}()

	db, err := records.Open(cfg.Database.Driver, cfg.Database.DSN, records.WithLogger(logger.With("component", "records")))
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	pages, pagesCloser, err := cache.New(ctx, cfg.Cache, cache.Deps{DB: db.Gorm(), Logger: logger})
	if err != nil {
		return fmt.Errorf("creating page cache: %w", err)
	}
	defer func() { _ = pagesCloser.Close() }()

	storage, err := blobcache.NewStorage(cfg.Storage, logger.With("component", "storage"))
	if err != nil {
		return err
	}

	upstream := pypi.NewUpstream(
		pypi.WithUserAgent("simple-mirror/"+version),
		pypi.WithHTTPClient(&http.Client{
			Transport: telemetry.NewInstrumentedTransport(http.DefaultTransport),
		}),
	)
	blobs := blobcache.New(storage, mirror.NewMarker(db), upstream,
		blobcache.WithLogger(logger.With("component", "blobcache")))
	svc := mirror.New(db, upstream, blobs, mirror.WithLogger(logger))

	if err := svc.SyncRepositories(ctx, cfg.Repositories); err != nil {
		return fmt.Errorf("syncing repositories: %w", err)
	}
	loader.WatchRepositories(logger, func(repos []config.Repository) {
		if err := svc.SyncRepositories(context.Background(), repos); err != nil {
			logger.Error("reloading repositories", "error", err)
			return
		}
		logger.Info("repositories reloaded", "count", len(repos))
	})

	srv := server.New(server.Config{
		Address:      cfg.Server.Address,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		AuthToken:    cfg.Server.AuthToken,
		HealthCheck:  db.Ping,
		Logger:       logger,
	}, svc, blobs, pages)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	for _, r := range cfg.Repositories {
		logger.Info("serving repository",
			"repository", r.Slug,
			"upstream", r.SimpleURL,
			"index_url", fmt.Sprintf("http://localhost%s/%s/simple/", srv.Address(), r.Slug))
	}

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// applyCredentials resolves the optional credentials template and
// revalidates the result.
func applyCredentials(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.CredentialsFile == "" {
		return nil
	}

	resolver := credentials.NewResolver(
		credentials.WithLogger(logger.With("component", "credentials")),
		opprovider.WithOnePassword(),
	)
	creds, err := resolver.ResolveFile(ctx, cfg.CredentialsFile)
	if err != nil {
		return fmt.Errorf("resolving credentials: %w", err)
	}
	creds.Apply(cfg)
	return cfg.Validate()
}

func newLogger(cfg config.Log) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", cfg.Format)
	}
	return slog.New(handler), nil
}
