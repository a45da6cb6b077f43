// Package kvstore provides the persistent key-value store the offline
// manager writes through. Stores are assumed eventually durable and are
// not transactional across keys.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/signalsfoundry/safezone/model"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is the key-value contract.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// Driver names a backend.
type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverBadger   Driver = "badger"
	DriverRedis    Driver = "redis"
	DriverPostgres Driver = "postgres"
)

// Config selects and configures a backend.
type Config struct {
	Driver Driver

	// BadgerDir is the on-disk directory; empty runs Badger in memory.
	BadgerDir string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// KeyPrefix namespaces keys in shared backends (Redis, Postgres).
	KeyPrefix string

	PostgresDSN   string
	PostgresTable string
}

// Open constructs the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch Driver(strings.ToLower(string(cfg.Driver))) {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverBadger:
		return OpenBadger(cfg.BadgerDir)
	case DriverRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("%w: redis driver requires an address", model.ErrConfiguration)
		}
		return OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.KeyPrefix)
	case DriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("%w: postgres driver requires a DSN", model.ErrConfiguration)
		}
		return OpenPostgres(ctx, cfg.PostgresDSN, cfg.PostgresTable)
	default:
		return nil, fmt.Errorf("%w: unknown kv driver %q", model.ErrConfiguration, cfg.Driver)
	}
}

func persistenceError(op, key string, err error) error {
	return fmt.Errorf("%w: %s %q: %v", model.ErrPersistenceFailure, op, key, err)
}
