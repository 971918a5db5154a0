// Package postgres implements the store.Store interface backed by PostgreSQL,
// so several server instances can share one update log.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/alfredjeanlab/conveyance/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewWithDB wraps an already-open database without running migrations.
func NewWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, error) {
	return queryGet(ctx, s.db, key)
}

func (s *PostgresStore) Set(ctx context.Context, key, value string) error {
	return querySet(ctx, s.db, key, value)
}

func (s *PostgresStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return queryDelete(ctx, s.db, keys)
}

func (s *PostgresStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	return queryKeys(ctx, s.db, prefix)
}

// Update locks the key with a transaction-scoped advisory lock, so writers in
// other processes block until this transaction commits, then reads, applies
// fn and writes inside the same transaction.
func (s *PostgresStore) Update(ctx context.Context, key string, fn store.UpdateFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := queryLockKey(ctx, tx, key); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("lock key %s: %w", key, err)
	}

	cur, err := queryGet(ctx, tx, key)
	exists := true
	if err == store.ErrKeyNotFound {
		cur, exists, err = "", false, nil
	}
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("read key %s: %w", key, err)
	}

	next, err := fn(cur, exists)
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := querySet(ctx, tx, key, next); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("write key %s: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
