package registry

import (
	"context"
	"sort"
	"sync"
)

// Store persists avatar configs by id. Implementations only need keyed
// read, write and delete.
type Store interface {
	Put(ctx context.Context, cfg AvatarConfig) error
	Get(ctx context.Context, avatarID string) (AvatarConfig, bool, error)
	Delete(ctx context.Context, avatarID string) (bool, error)
	List(ctx context.Context) ([]AvatarConfig, error)
	Ping(ctx context.Context) error
}

// MemoryStore keeps configs in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	configs map[string]AvatarConfig
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{configs: make(map[string]AvatarConfig)}
}

func (s *MemoryStore) Put(ctx context.Context, cfg AvatarConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.AvatarID] = cfg
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, avatarID string) (AvatarConfig, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[avatarID]
	return cfg, ok, nil
}

func (s *MemoryStore) Delete(ctx context.Context, avatarID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[avatarID]; !ok {
		return false, nil
	}
	delete(s.configs, avatarID)
	return true, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]AvatarConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AvatarConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, cfg)
	}
	sortByID(out)
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func sortByID(configs []AvatarConfig) {
	sort.Slice(configs, func(i, j int) bool {
		return configs[i].AvatarID < configs[j].AvatarID
	})
}
