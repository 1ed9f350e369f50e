// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a SQLite store so module state and history
// survive host restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tombee/modhost/internal/module"
	"github.com/tombee/modhost/internal/store"
	_ "modernc.org/sqlite"
)

var _ store.Store = (*Store)(nil)

// Store is a SQLite-backed store.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path. ":memory:" is accepted for tests.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New opens the database at cfg.Path and applies migrations.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS modules (
			name TEXT PRIMARY KEY,
			descriptor TEXT NOT NULL,
			is_loaded INTEGER NOT NULL DEFAULT 0,
			load_error TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS module_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			module TEXT NOT NULL,
			type TEXT NOT NULL,
			message TEXT,
			attempt INTEGER DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_module_events_module ON module_events(module)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SaveModule inserts or replaces the row for d.Name.
func (s *Store) SaveModule(ctx context.Context, d *module.Descriptor) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal descriptor: %w", err)
	}

	var loadErr sql.NullString
	if d.LoadError != nil {
		loadErr = sql.NullString{String: d.LoadError.Message, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO modules (name, descriptor, is_loaded, load_error, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			descriptor = excluded.descriptor,
			is_loaded = excluded.is_loaded,
			load_error = excluded.load_error,
			updated_at = excluded.updated_at
	`, d.Name, string(data), d.IsLoaded, loadErr, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save module %s: %w", d.Name, err)
	}
	return nil
}

// DeleteModule removes the row for name along with its history.
func (s *Store) DeleteModule(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM modules WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete module %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM module_events WHERE module = ?`, name); err != nil {
		return fmt.Errorf("failed to delete history for %s: %w", name, err)
	}
	return tx.Commit()
}

// ListModules returns every stored descriptor ordered by name.
func (s *Store) ListModules(ctx context.Context) ([]*module.Descriptor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT descriptor FROM modules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}
	defer rows.Close()

	var out []*module.Descriptor
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan module: %w", err)
		}
		var d module.Descriptor
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("failed to unmarshal descriptor: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// RecordEvent appends ev to the history table.
func (s *Store) RecordEvent(ctx context.Context, ev store.Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO module_events (module, type, message, attempt, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, ev.Module, string(ev.Type), ev.Message, ev.Attempt, ev.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// ListEvents implements store.HistoryStore.
func (s *Store) ListEvents(ctx context.Context, name string, limit int) ([]store.Event, error) {
	query := `SELECT module, type, message, attempt, created_at FROM module_events
		WHERE module = ? ORDER BY id DESC`
	args := []any{name}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []store.Event
	for rows.Next() {
		var (
			ev      store.Event
			typ     string
			message sql.NullString
			at      string
		)
		if err := rows.Scan(&ev.Module, &typ, &message, &ev.Attempt, &at); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Type = store.EventType(typ)
		ev.Message = message.String
		if ev.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("failed to parse event time: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
