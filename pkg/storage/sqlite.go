// Package storage contains the services database: typed rows restored by
// registered handlers and written back as full snapshots, on a SQLite or
// flat-file backend.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteBackend stores rows in a SQLite database
type SQLiteBackend struct {
	db     *sql.DB
	cfg    *Config
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteBackend opens (and migrates) the database at cfg.Path
func NewSQLiteBackend(cfg *Config) (*SQLiteBackend, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	// SQLite works best with a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if pingErr := db.Ping(); pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, pingErr)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout),
		"PRAGMA synchronous = NORMAL",
	}
	if cfg.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, pragma := range pragmas {
		if _, pragmaErr := db.Exec(pragma); pragmaErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", pragmaErr)
		}
	}

	if migrationErr := runMigrations(context.Background(), db); migrationErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", migrationErr)
	}

	return &SQLiteBackend{db: db, cfg: cfg}, nil
}

// Load returns every row in insertion order
func (s *SQLiteBackend) Load(ctx context.Context) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rs, err := s.db.QueryContext(ctx, "SELECT type, fields FROM rows ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rs.Close() }()

	var rows []Row
	for rs.Next() {
		var (
			typ    string
			fields string
		)
		if err := rs.Scan(&typ, &fields); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		row := Row{Type: typ}
		if err := json.Unmarshal([]byte(fields), &row.Fields); err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrMalformedRow, len(rows)+1, err)
		}
		rows = append(rows, row)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return rows, nil
}

// Save replaces every stored row inside one transaction
func (s *SQLiteBackend) Save(ctx context.Context, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM rows"); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO rows (type, fields) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, row := range rows {
		fields := row.Fields
		if fields == nil {
			fields = []string{}
		}
		encoded, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedRow, err)
		}
		if _, err := stmt.ExecContext(ctx, row.Type, string(encoded)); err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
	}

	if _, err := tx.ExecContext(ctx, "INSERT INTO commits (row_count) VALUES (?)", len(rows)); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	return tx.Commit()
}

// Ping checks the database connection
func (s *SQLiteBackend) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// Close closes the database. Closing twice is a no-op.
func (s *SQLiteBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
