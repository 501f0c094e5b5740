package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Storage struct {
	db *sql.DB
}

// New applies migrations and opens the database file.
func New(storagePath string) (*Storage, error) {
	const op = "storage.sqlite.New"

	if err := Migrate(storagePath); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	db, err := sql.Open("sqlite3", dsn(storagePath))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{db: db}, nil
}

// Migrate creates the database directory when missing and applies all
// pending up migrations on its own connection.
func Migrate(storagePath string) error {
	const op = "storage.sqlite.Migrate"

	if dir := filepath.Dir(storagePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	db, err := sql.Open("sqlite3", dsn(storagePath))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("%s: %w", op, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("%s: %w", op, err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func dsn(path string) string {
	return fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
