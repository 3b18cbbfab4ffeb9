package store

import (
	"context"
	"sync"

	"github.com/pitabwire/doorhub/model"
)

// MemoryStore keeps everything in process memory. Suitable for tests and
// single-instance deployments that can lose state on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	configs map[string]model.Configuration
	layout  []model.WidgetInstance
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{configs: make(map[string]model.Configuration)}
}

func (s *MemoryStore) Get(_ context.Context, instanceID string) (model.Configuration, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[instanceID]
	return cfg.Clone(), ok, nil
}

func (s *MemoryStore) Put(_ context.Context, instanceID string, cfg model.Configuration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[instanceID] = cfg.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, instanceID)
	return nil
}

func (s *MemoryStore) All(_ context.Context) (map[string]model.Configuration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.Configuration, len(s.configs))
	for id, cfg := range s.configs {
		out[id] = cfg.Clone()
	}
	return out, nil
}

func (s *MemoryStore) LoadLayout(_ context.Context) ([]model.WidgetInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneLayout(s.layout), nil
}

func (s *MemoryStore) SaveLayout(_ context.Context, instances []model.WidgetInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layout = cloneLayout(instances)
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
