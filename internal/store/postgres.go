package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/doorhub/model"
)

// Schema creates the tables PgStore uses. Migrate applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS widget_configs (
	instance_id TEXT PRIMARY KEY,
	config      JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS dashboard_layouts (
	key        TEXT PRIMARY KEY,
	layout     JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// PgStore is a PostgreSQL-backed Store using pgx/v5. The layout is a single
// row keyed by model.LayoutStorageKey.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a store on pool. It owns pool and closes it on Close.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *PgStore) Get(ctx context.Context, instanceID string) (model.Configuration, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT config FROM widget_configs WHERE instance_id = $1`,
		instanceID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query config %q: %w", instanceID, err)
	}
	var cfg model.Configuration
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, false, fmt.Errorf("unmarshal config %q: %w", instanceID, err)
	}
	return cfg, true, nil
}

func (s *PgStore) Put(ctx context.Context, instanceID string, cfg model.Configuration) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO widget_configs (instance_id, config, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (instance_id) DO UPDATE
		SET config = EXCLUDED.config, updated_at = EXCLUDED.updated_at`,
		instanceID, data,
	)
	if err != nil {
		return fmt.Errorf("upsert config %q: %w", instanceID, err)
	}
	return nil
}

func (s *PgStore) Delete(ctx context.Context, instanceID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM widget_configs WHERE instance_id = $1`, instanceID); err != nil {
		return fmt.Errorf("delete config %q: %w", instanceID, err)
	}
	return nil
}

func (s *PgStore) All(ctx context.Context) (map[string]model.Configuration, error) {
	rows, err := s.pool.Query(ctx, `SELECT instance_id, config FROM widget_configs`)
	if err != nil {
		return nil, fmt.Errorf("query configs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.Configuration)
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		var cfg model.Configuration
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config %q: %w", id, err)
		}
		out[id] = cfg
	}
	return out, rows.Err()
}

func (s *PgStore) LoadLayout(ctx context.Context) ([]model.WidgetInstance, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT layout FROM dashboard_layouts WHERE key = $1`,
		model.LayoutStorageKey,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query layout: %w", err)
	}
	var instances []model.WidgetInstance
	if err := json.Unmarshal(raw, &instances); err != nil {
		return nil, fmt.Errorf("unmarshal layout: %w", err)
	}
	return instances, nil
}

func (s *PgStore) SaveLayout(ctx context.Context, instances []model.WidgetInstance) error {
	if instances == nil {
		instances = []model.WidgetInstance{}
	}
	data, err := json.Marshal(instances)
	if err != nil {
		return fmt.Errorf("marshal layout: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO dashboard_layouts (key, layout, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE
		SET layout = EXCLUDED.layout, updated_at = EXCLUDED.updated_at`,
		model.LayoutStorageKey, data,
	)
	if err != nil {
		return fmt.Errorf("upsert layout: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}
