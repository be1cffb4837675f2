// Package store is the local durable store: a per-user namespaced key/value
// layer over SQLite. Every other component reads it on load and writes
// through it on mutation; there is no second cache that can diverge.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Well-known keys. All values are JSON.
const (
	KeyWorkoutData       = "workout_data"
	KeySelectedPerson    = "selected_person"
	KeyCurrentDay        = "current_day"
	KeyCompletedDays     = "completed_days"
	KeyLockedDays        = "locked_days"
	KeyUnlockedOverrides = "unlocked_overrides"
	KeyLastResetDate     = "last_reset_date"
	KeyTimeBetweenSets   = "time_between_sets"
	KeyWorkoutStartTime  = "workout_start_time"
	KeyCurrentSessionID  = "current_session_id"
	KeyLastSetEndTime    = "last_set_end_time"
	KeyLastActivityTime  = "last_activity_time"
	KeyDemoMode          = "demo_mode"
	KeyManualTime        = "manual_time"
	KeyPendingSyncs      = "pending_syncs"
)

// ErrNotFound is returned by Get when the key has no value for the user.
var ErrNotFound = errors.New("store: key not found")

// DB owns the SQLite handle shared by all user-scoped stores.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the store database at dir/supergym.db and applies
// any pending schema migrations.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, "supergym.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db: db}, nil
}

// runMigrations applies all pending migrations from the embedded FS.
func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

// ForUser returns a store scoped to one user's namespace.
func (d *DB) ForUser(userID string) *Store {
	return &Store{db: d.db, userID: userID}
}

// Store is the per-user view of the key/value table.
type Store struct {
	db     *sql.DB
	userID string
}

// Get unmarshals the value at key into v. Returns ErrNotFound when the key
// has never been set (or was removed).
func (s *Store) Get(ctx context.Context, key string, v any) error {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE user_id = ? AND key = ?`,
		s.userID, key,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("store get %s: decoding: %w", key, err)
	}
	return nil
}

// Set marshals v and writes it at key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store set %s: encoding: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv (user_id, key, value, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)`,
		s.userID, key, data,
	)
	if err != nil {
		return fmt.Errorf("store set %s: %w", key, err)
	}
	return nil
}

// Delete removes the given keys. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := strings.Repeat(",?", len(keys))[1:]
	args := make([]any, 0, len(keys)+1)
	args = append(args, s.userID)
	for _, k := range keys {
		args = append(args, k)
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE user_id = ? AND key IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("store delete: %w", err)
	}
	return nil
}
