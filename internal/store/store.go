// Package store persists widget configurations and the dashboard layout.
//
// Three drivers implement Store: an in-memory map, Redis and PostgreSQL.
// Configurations live under model.ConfigStorageKey and the layout under
// model.LayoutStorageKey regardless of driver.
package store

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/doorhub/internal/config"
	"github.com/pitabwire/doorhub/model"
)

// ConfigStore holds per-instance configurations. A configuration outlives
// the instance it belongs to until it is deleted explicitly.
type ConfigStore interface {
	// Get returns the configuration for instanceID. found is false when none
	// was stored.
	Get(ctx context.Context, instanceID string) (cfg model.Configuration, found bool, err error)
	Put(ctx context.Context, instanceID string, cfg model.Configuration) error
	Delete(ctx context.Context, instanceID string) error
	All(ctx context.Context) (map[string]model.Configuration, error)
}

// LayoutStore holds the dashboard's placed instances.
type LayoutStore interface {
	LoadLayout(ctx context.Context) ([]model.WidgetInstance, error)
	SaveLayout(ctx context.Context, instances []model.WidgetInstance) error
}

// Store is a complete persistence driver.
type Store interface {
	ConfigStore
	LayoutStore
	HealthCheck(ctx context.Context) error
	Close() error
}

// Open creates the driver selected by cfg. Connection settings are read from
// the environment variables the config names.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil

	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, fmt.Errorf("store: %s is not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("store: redis ping: %w", err)
		}
		return NewRedisStore(client), nil

	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("store: %s is not set", cfg.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("store: parse dsn: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("store: connect: %w", err)
		}
		s := NewPgStore(pool)
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil

	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

func cloneLayout(in []model.WidgetInstance) []model.WidgetInstance {
	if in == nil {
		return nil
	}
	return append([]model.WidgetInstance(nil), in...)
}
