package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Row is one typed record of the services database. Type is a short
// upper-case tag such as "BLE"; the meaning of Fields is owned by the
// component that registered a handler for Type.
type Row struct {
	Type   string   `json:"type"`
	Fields []string `json:"fields"`
}

// Backend persists complete snapshots of rows.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Load returns every stored row in the order it was saved
	Load(ctx context.Context) ([]Row, error)
	// Save atomically replaces the stored rows with rows
	Save(ctx context.Context, rows []Row) error
	Close() error
	Ping(ctx context.Context) error
}

// RowHandler restores one loaded row
type RowHandler func(Row) error

// WriteHook returns the rows a component contributes to a snapshot
type WriteHook func() []Row

// Config represents storage configuration
type Config struct {
	Backend     BackendType `yaml:"backend"`
	Path        string      `yaml:"path"`
	BusyTimeout int         `yaml:"busy_timeout"`
	WALMode     bool        `yaml:"wal_mode"`
}

// BackendType represents the type of storage backend
type BackendType string

const (
	// BackendSQLite stores rows in a SQLite database
	BackendSQLite BackendType = "sqlite"

	// BackendFlatfile stores rows as IRC-framed lines in a text file
	BackendFlatfile BackendType = "flatfile"
)

// DefaultConfig returns a default storage configuration
func DefaultConfig() Config {
	return Config{
		Backend:     BackendSQLite,
		Path:        "./irc-dnsbl.db",
		BusyTimeout: 5000,
		WALMode:     true,
	}
}

// Validate validates the storage configuration
func (c *Config) Validate() error {
	if c.Backend != BackendSQLite && c.Backend != BackendFlatfile {
		return fmt.Errorf("%w: %s", ErrInvalidBackend, c.Backend)
	}
	if c.Path == "" {
		return fmt.Errorf("%w: path is required", ErrInvalidConfig)
	}
	if c.BusyTimeout < 0 {
		c.BusyTimeout = 5000
	}
	return nil
}

// LoadStats summarizes a Load pass
type LoadStats struct {
	Rows     int
	Restored int
	Rejected int
	Unknown  map[string]int
}

// Database dispatches loaded rows to the handlers registered for their
// type and builds snapshots from the registered write hooks.
type Database struct {
	backend  Backend
	logger   *slog.Logger
	handlers map[string]RowHandler
	hooks    []WriteHook

	lastCommit time.Time
	mu         sync.Mutex
}

// NewDatabase wraps backend
func NewDatabase(backend Backend, logger *slog.Logger) *Database {
	if logger == nil {
		logger = slog.Default()
	}
	return &Database{
		backend:  backend,
		logger:   logger,
		handlers: make(map[string]RowHandler),
	}
}

// RegisterTypeHandler sets the handler for rows of type typ, replacing any
// previous handler.
func (d *Database) RegisterTypeHandler(typ string, fn RowHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[strings.ToUpper(typ)] = fn
}

// AddWriteHook registers fn to contribute rows to every commit
func (d *Database) AddWriteHook(fn WriteHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, fn)
}

// Load reads every stored row and hands it to its type handler. Rows
// without a handler or rejected by their handler are logged and skipped;
// only a backend failure is returned as an error.
func (d *Database) Load(ctx context.Context) (LoadStats, error) {
	stats := LoadStats{Unknown: make(map[string]int)}

	rows, err := d.backend.Load(ctx)
	if err != nil {
		return stats, fmt.Errorf("load rows: %w", err)
	}
	stats.Rows = len(rows)

	d.mu.Lock()
	handlers := make(map[string]RowHandler, len(d.handlers))
	for k, v := range d.handlers {
		handlers[k] = v
	}
	d.mu.Unlock()

	for i, row := range rows {
		fn, ok := handlers[strings.ToUpper(row.Type)]
		if !ok {
			stats.Unknown[row.Type]++
			continue
		}
		if err := fn(row); err != nil {
			stats.Rejected++
			d.logger.Warn("Rejected database row", "row", i+1, "type", row.Type, "error", err)
			continue
		}
		stats.Restored++
	}

	if len(stats.Unknown) > 0 {
		types := make([]string, 0, len(stats.Unknown))
		for t := range stats.Unknown {
			types = append(types, t)
		}
		sort.Strings(types)
		d.logger.Warn("Database contains rows of unknown type", "types", types)
	}

	d.logger.Info("Database loaded", "rows", stats.Rows, "restored", stats.Restored, "rejected", stats.Rejected)
	return stats, nil
}

// Commit writes a full snapshot gathered from the write hooks
func (d *Database) Commit(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var rows []Row
	for _, hook := range d.hooks {
		rows = append(rows, hook()...)
	}

	start := time.Now()
	if err := d.backend.Save(ctx, rows); err != nil {
		return fmt.Errorf("commit %d rows: %w", len(rows), err)
	}
	d.lastCommit = time.Now()

	d.logger.Debug("Database committed", "rows", len(rows), "duration", time.Since(start))
	return nil
}

// LastCommit returns the time of the last successful commit
func (d *Database) LastCommit() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastCommit
}

// Ping checks the backend
func (d *Database) Ping(ctx context.Context) error {
	return d.backend.Ping(ctx)
}

// Close closes the backend
func (d *Database) Close() error {
	return d.backend.Close()
}
