// Package records persists repositories, package listings and their files
// in a relational database through gorm.
package records

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("records: not found")

	// ErrUnknownDriver is returned by Open for an unsupported driver name.
	ErrUnknownDriver = errors.New("records: unknown database driver")
)

// DB is the record store.
type DB struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *DB) {
		d.logger = l
	}
}

// Open connects to the database and migrates the schema.
func Open(driver, dsn string, opts ...Option) (*DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}

	if driver == DriverSQLite {
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, fmt.Errorf("getting sql handle: %w", err)
		}
		// sqlite serializes writers; one connection also keeps in-memory
		// databases from splitting per connection.
		sqlDB.SetMaxOpenConns(1)
		if err := gdb.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			return nil, fmt.Errorf("enabling foreign keys: %w", err)
		}
	}

	return New(gdb, opts...)
}

// New wraps an open gorm handle and migrates the schema.
func New(gdb *gorm.DB, opts ...Option) (*DB, error) {
	d := &DB{
		db:     gdb,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := gdb.AutoMigrate(
		&Repository{},
		&Package{},
		&CodeFile{},
		&MetadataFile{},
		&CodeFileHash{},
		&MetadataFileHash{},
		&CacheEntry{},
	); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	d.logger.Debug("opened record store", "dialect", gdb.Dialector.Name())
	return d, nil
}

// Gorm returns the underlying gorm handle.
func (d *DB) Gorm() *gorm.DB {
	return d.db
}

// Ping checks the database connection.
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection.
func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertRepository creates the repository or updates its mutable fields.
// The slug identifies the row and is never changed.
func (d *DB) UpsertRepository(ctx context.Context, r *Repository) (*Repository, error) {
	row := Repository{
		Slug:           r.Slug,
		SimpleURL:      strings.TrimRight(r.SimpleURL, "/"),
		CacheMinutes:   r.CacheMinutes,
		TimeoutSeconds: r.TimeoutSeconds,
		Reconcile:      r.Reconcile,
	}

	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "slug"}},
		DoUpdates: clause.AssignmentColumns([]string{"simple_url", "cache_minutes", "timeout_seconds", "reconcile", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return nil, fmt.Errorf("upserting repository %s: %w", r.Slug, err)
	}

	return d.GetRepository(ctx, r.Slug)
}

// GetRepository returns the repository with the given slug.
func (d *DB) GetRepository(ctx context.Context, slug string) (*Repository, error) {
	var r Repository
	err := d.db.WithContext(ctx).Where("slug = ?", slug).Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading repository %s: %w", slug, err)
	}
	return &r, nil
}

// ListRepositories returns all repositories ordered by slug.
func (d *DB) ListRepositories(ctx context.Context) ([]Repository, error) {
	var repos []Repository
	if err := d.db.WithContext(ctx).Order("slug").Find(&repos).Error; err != nil {
		return nil, fmt.Errorf("listing repositories: %w", err)
	}
	return repos, nil
}

// normalizeTime keeps stored timestamps comparable across drivers.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
