package kv

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStoreManager serves every label from one SQLite database file. Rows
// are keyed by (store label, key), so labels share the file but never each
// other's data. The database is opened and migrated on first use.
type SQLiteStoreManager struct {
	path string

	once sync.Once
	db   *sql.DB
	err  error
}

// NewSQLiteStoreManager creates a manager backed by the database file at
// path. The file and schema are created lazily.
func NewSQLiteStoreManager(path string) (*SQLiteStoreManager, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStoreManager{path: path}, nil
}

func (m *SQLiteStoreManager) open(ctx context.Context) (*sql.DB, error) {
	m.once.Do(func() {
		dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", m.path)
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			m.err = fmt.Errorf("failed to open database: %w", err)
			return
		}
		// Single writer; WAL still allows concurrent readers.
		db.SetMaxOpenConns(1)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			m.err = fmt.Errorf("failed to ping database: %w", err)
			return
		}
		if err := migrateSchema(db); err != nil {
			_ = db.Close()
			m.err = err
			return
		}
		m.db = db
	})
	return m.db, m.err
}

func migrateSchema(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	mg, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := mg.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Get implements StoreManager.
func (m *SQLiteStoreManager) Get(ctx context.Context, label string) (Store, error) {
	db, err := m.open(ctx)
	if err != nil {
		return nil, IOError(err)
	}
	return &sqliteStore{db: db, label: label}, nil
}

// Summary implements StoreManager.
func (m *SQLiteStoreManager) Summary(string) string {
	return fmt.Sprintf("sqlite store at %q", m.path)
}

// Close closes the underlying database if it was opened.
func (m *SQLiteStoreManager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

type sqliteStore struct {
	db    *sql.DB
	label string
}

func (s *sqliteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM kv_pairs WHERE store = ? AND key = ?", s.label, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, IOError(err)
	}
	return value, true, nil
}

func (s *sqliteStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO kv_pairs (store, key, value) VALUES (?, ?, ?) ON CONFLICT (store, key) DO UPDATE SET value = excluded.value",
		s.label, key, value)
	if err != nil {
		return IOError(err)
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM kv_pairs WHERE store = ? AND key = ?", s.label, key)
	if err != nil {
		return IOError(err)
	}
	return nil
}

func (s *sqliteStore) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM kv_pairs WHERE store = ? AND key = ?", s.label, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, IOError(err)
	}
	return true, nil
}

func (s *sqliteStore) GetKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM kv_pairs WHERE store = ?", s.label)
	if err != nil {
		return nil, IOError(err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, IOError(err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, IOError(err)
	}
	return keys, nil
}
