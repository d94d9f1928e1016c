// Package storage provides the persistent key-value namespace behind the
// serializer. Backends: an in-memory map with an optional byte quota,
// BadgerDB and SQLite.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/stitchworks/crochet3d/internal/logging"
)

var (
	// ErrNotFound is returned by Get for an absent key.
	ErrNotFound = errors.New("key not found")
	// ErrStorageFull is returned when the backend refuses a write for lack
	// of space.
	ErrStorageFull = errors.New("storage full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage closed")
)

// KV is a flat byte-valued key-value store.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys lists keys starting with prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

// Config selects and tunes a backend.
type Config struct {
	Backend    string `yaml:"backend" validate:"oneof=memory badger sqlite"`
	Path       string `yaml:"path" validate:"required_if=Backend sqlite"`
	QuotaBytes int64  `yaml:"quotaBytes" validate:"gte=0"`
	InMemory   bool   `yaml:"inMemory"`
}

// DefaultConfig is an unlimited in-memory store.
func DefaultConfig() Config {
	return Config{Backend: BackendMemory}
}

// Open builds the configured backend.
func Open(ctx context.Context, cfg Config, log logging.Logger) (KV, error) {
	if log == nil {
		log = logging.Noop()
	}
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemory(cfg.QuotaBytes), nil
	case BackendBadger:
		bc := DefaultBadgerConfig()
		bc.Path = cfg.Path
		bc.InMemory = cfg.InMemory || cfg.Path == ""
		bc.Logger = logging.Slog(log)
		return OpenBadger(bc)
	case BackendSQLite:
		return OpenSQLite(ctx, cfg.Path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
