// Package index stores mirror profiles and run history in sqlite. Nothing
// here is consulted when deciding what to transfer; the filesystem is the
// only checkpoint.
package index

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a profile does not exist
var ErrNotFound = errors.New("index: not found")

type DB struct {
	db *sql.DB
}

func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	instance := &DB{db: db}
	if err := instance.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return instance, nil
}

// DefaultPath is the index location inside a config directory
func DefaultPath(configDir string) string {
	return filepath.Join(configDir, "index.db")
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Migrate applies any pending schema migrations
func (d *DB) Migrate(ctx context.Context) error {
	migrations, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("index: migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, d.db, migrations)
	if err != nil {
		return fmt.Errorf("index: migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("index: migrate: %w", err)
	}
	return nil
}
