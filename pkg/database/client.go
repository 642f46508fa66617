// Package database provides the SQLite event store and migration utilities.
//
// The store is a single file under the instance data directory. It opens in
// WAL mode so cross-process readers (the interactive interface) stay cheap,
// and this process is the only writer: an advisory file lock taken at startup
// fails fast when another pipeline already owns the file.
package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // register pure-Go sqlite driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrStoreBusy is returned when another process holds the write lock.
var ErrStoreBusy = errors.New("store is locked by another writer")

// Options configures the store client.
type Options struct {
	// Path is the store file location, derived from the instance root.
	Path string

	// Retention windows enforced by PurgeExpired and lazily on insert.
	KillRetention    time.Duration
	FindingRetention time.Duration
	AlertRetention   time.Duration

	// Now supplies the clock; defaults to time.Now. Tests inject a fake.
	Now func() time.Time
}

// Client wraps the sqlx handle and owns all persisted entities.
type Client struct {
	db       *sqlx.DB
	path     string
	fileLock *flock.Flock

	killRetention    time.Duration
	findingRetention time.Duration
	alertRetention   time.Duration
	now              func() time.Time
}

// DB returns the underlying handle for health checks and direct queries.
func (c *Client) DB() *sqlx.DB {
	return c.db
}

// Path returns the store file location.
func (c *Client) Path() string {
	return c.path
}

// NewClient takes the writer lock, opens (creating if needed) the store
// file, and applies pending migrations. The lock is advisory and held for
// the client's lifetime; a second pipeline on the same instance fails here
// with ErrStoreBusy instead of corrupting shared state later.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	fileLock := flock.New(opts.Path + ".lock")
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire writer lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrStoreBusy, opts.Path)
	}

	// _txlock=immediate makes write transactions take the lock up front,
	// turning write conflicts into busy errors instead of late aborts.
	dsn := "file:" + opts.Path +
		"?_txlock=immediate" +
		"&_time_format=sqlite" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=synchronous(NORMAL)"

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		_ = fileLock.Unlock()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// One connection serializes all writes in-process. SQLite has a single
	// writer anyway; a pool would only manufacture busy errors.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		_ = fileLock.Unlock()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		_ = fileLock.Unlock()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{
		db:               db,
		path:             opts.Path,
		fileLock:         fileLock,
		killRetention:    opts.KillRetention,
		findingRetention: opts.FindingRetention,
		alertRetention:   opts.AlertRetention,
		now:              opts.Now,
	}, nil
}

// Close releases the store handle and the writer lock.
func (c *Client) Close() error {
	err := c.db.Close()
	if c.fileLock != nil {
		if unlockErr := c.fileLock.Unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}
	return err
}

// runMigrations applies pending schema migrations using golang-migrate with
// migration files embedded into the binary, so production deployments never
// depend on external SQL files.
func runMigrations(db *sqlx.DB) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found - binary may be built incorrectly")
	}

	driver, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "gatewatch", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source driver. m.Close() would also close the
	// database driver, which closes the shared *sql.DB passed via
	// WithInstance and breaks the client.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	return nil
}

// hasEmbeddedMigrations checks if the embedded FS contains any .sql migration files
func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			return true, nil
		}
	}
	return false, nil
}
