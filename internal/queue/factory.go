package queue

import (
	"fmt"
	"log/slog"
)

// Backend names a queue variant, matched against config at startup
// instead of an inheritance hierarchy (spec §9, "Inheritance base
// classes -> interface abstraction + tagged variants").
type Backend string

const (
	BackendKVStore Backend = "kvstore"
	BackendSQL     Backend = "sql"
)

// Config carries the subset of the queue config section each variant
// needs to construct itself.
type Config struct {
	Backend    Backend
	KVStoreURL string
	SQLPath    string
}

// New builds the queue backend named by cfg.Backend.
func New(cfg Config, logger *slog.Logger) (Queue, error) {
	switch cfg.Backend {
	case BackendKVStore:
		return NewRedisQueue(cfg.KVStoreURL, logger)
	case BackendSQL:
		return NewSQLQueue(cfg.SQLPath, logger)
	default:
		return nil, fmt.Errorf("queue: unknown backend %q", cfg.Backend)
	}
}
