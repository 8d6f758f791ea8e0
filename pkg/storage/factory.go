package storage

import (
	"fmt"
)

// New creates the backend selected by cfg
func New(cfg *Config) (Backend, error) {
	if cfg == nil {
		def := DefaultConfig()
		cfg = &def
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	switch cfg.Backend {
	case BackendSQLite:
		return NewSQLiteBackend(cfg)
	case BackendFlatfile:
		return NewFlatfileBackend(cfg.Path), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidBackend, cfg.Backend)
	}
}
