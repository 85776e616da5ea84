// Package postgres mirrors folder config records into a relational table.
// The sidecar config file stays authoritative; the mirror exists for the
// surrounding CRUD layer that reads quota settings from the database.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// FolderRow is one row of the folder table.
type FolderRow struct {
	ID        string
	Password  string // bcrypt hash, mirrors the sidecar passwordHash
	Volume    int64  // byte quota
	CreatedAt time.Time
}

// Store wraps the PostgreSQL connection.
type Store struct {
	db *sql.DB
}

// New opens a connection pool and verifies connectivity.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the folder table when absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS folder (
			id         VARCHAR(255) PRIMARY KEY,
			pwd        VARCHAR(255) NOT NULL,
			volume     BIGINT       NOT NULL,
			created_at TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// GetFolder returns the folder record, or nil when none exists.
func (s *Store) GetFolder(ctx context.Context, id string) (*FolderRow, error) {
	row := &FolderRow{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT pwd, volume, created_at FROM folder WHERE id = $1`, id).
		Scan(&row.Password, &row.Volume, &row.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get folder %s: %w", id, err)
	}
	return row, nil
}

// UpsertFolder creates or updates the folder record.
func (s *Store) UpsertFolder(ctx context.Context, row *FolderRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO folder (id, pwd, volume, created_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (id) DO UPDATE SET
			pwd = EXCLUDED.pwd,
			volume = EXCLUDED.volume`,
		row.ID, row.Password, row.Volume)
	if err != nil {
		return fmt.Errorf("upsert folder %s: %w", row.ID, err)
	}
	return nil
}

// DeleteFolderTree removes the folder record for id together with every
// record nested under it. Record ids are slash-joined sandbox paths, so
// removing a directory tree removes the matching id prefix.
func (s *Store) DeleteFolderTree(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM folder WHERE id = $1 OR id LIKE $2`, id, id+"/%")
	if err != nil {
		return fmt.Errorf("delete folder tree %s: %w", id, err)
	}
	return nil
}
