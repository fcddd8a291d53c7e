package cache

import (
	"context"
	"sort"
	"sync"
)

// memoryStore 是进程内后端，重启即丢失，适合测试与临时部署。
type memoryStore struct {
	mu    sync.RWMutex
	order []string
	gens  map[string]map[string]*Record
}

// NewMemoryBackend 返回内存后端。
func NewMemoryBackend() Backend {
	return &memoryStore{gens: make(map[string]map[string]*Record)}
}

func (m *memoryStore) CreateGeneration(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gens[name]; ok {
		return nil
	}
	m.gens[name] = make(map[string]*Record)
	m.order = append(m.order, name)
	return nil
}

func (m *memoryStore) Generations(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...), nil
}

func (m *memoryStore) DropGeneration(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gens[name]; !ok {
		return false, nil
	}
	delete(m.gens, name)
	for i, existing := range m.order {
		if existing == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *memoryStore) Load(_ context.Context, generation, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries, ok := m.gens[generation]
	if !ok {
		return nil, ErrGenerationNotFound
	}
	rec, ok := entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

func (m *memoryStore) StoreAll(_ context.Context, generation string, records []*Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, ok := m.gens[generation]
	if !ok {
		return ErrGenerationNotFound
	}
	for _, rec := range records {
		entries[rec.URL] = rec.clone()
	}
	return nil
}

func (m *memoryStore) Remove(_ context.Context, generation, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, ok := m.gens[generation]
	if !ok {
		return false, nil
	}
	if _, ok := entries[key]; !ok {
		return false, nil
	}
	delete(entries, key)
	return true, nil
}

func (m *memoryStore) Entries(_ context.Context, generation string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries, ok := m.gens[generation]
	if !ok {
		return nil, ErrGenerationNotFound
	}
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memoryStore) Close() error {
	return nil
}
