package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/doorhub/model"
)

// RedisStore keeps configurations in a hash, one field per instance, and
// the layout as a single JSON string.
type RedisStore struct {
	client    redis.UniversalClient
	configKey string
	layoutKey string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces both keys, e.g. per tenant or per test.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.configKey = prefix + s.configKey
		s.layoutKey = prefix + s.layoutKey
	}
}

// NewRedisStore creates a Redis-backed store. It owns client and closes it
// on Close.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		configKey: model.ConfigStorageKey,
		layoutKey: model.LayoutStorageKey,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Get(ctx context.Context, instanceID string) (model.Configuration, bool, error) {
	raw, err := s.client.HGet(ctx, s.configKey, instanceID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis hget %q: %w", instanceID, err)
	}
	var cfg model.Configuration
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, false, fmt.Errorf("unmarshal config %q: %w", instanceID, err)
	}
	return cfg, true, nil
}

func (s *RedisStore) Put(ctx context.Context, instanceID string, cfg model.Configuration) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := s.client.HSet(ctx, s.configKey, instanceID, data).Err(); err != nil {
		return fmt.Errorf("redis hset %q: %w", instanceID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, instanceID string) error {
	if err := s.client.HDel(ctx, s.configKey, instanceID).Err(); err != nil {
		return fmt.Errorf("redis hdel %q: %w", instanceID, err)
	}
	return nil
}

func (s *RedisStore) All(ctx context.Context) (map[string]model.Configuration, error) {
	raw, err := s.client.HGetAll(ctx, s.configKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	out := make(map[string]model.Configuration, len(raw))
	for id, v := range raw {
		var cfg model.Configuration
		if err := json.Unmarshal([]byte(v), &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config %q: %w", id, err)
		}
		out[id] = cfg
	}
	return out, nil
}

func (s *RedisStore) LoadLayout(ctx context.Context) ([]model.WidgetInstance, error) {
	raw, err := s.client.Get(ctx, s.layoutKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get layout: %w", err)
	}
	var instances []model.WidgetInstance
	if err := json.Unmarshal(raw, &instances); err != nil {
		return nil, fmt.Errorf("unmarshal layout: %w", err)
	}
	return instances, nil
}

func (s *RedisStore) SaveLayout(ctx context.Context, instances []model.WidgetInstance) error {
	if instances == nil {
		instances = []model.WidgetInstance{}
	}
	data, err := json.Marshal(instances)
	if err != nil {
		return fmt.Errorf("marshal layout: %w", err)
	}
	if err := s.client.Set(ctx, s.layoutKey, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set layout: %w", err)
	}
	return nil
}

// HealthCheck pings the server.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
