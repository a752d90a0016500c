package repo

import (
	"context"
	"sync"

	errx "github.com/mathsolver/core/internal/core/error"
)

// MemoryKV keeps documents in process. When quota is positive the sum of all
// stored values may not exceed it, the way a browser's localStorage behaves.
type MemoryKV struct {
	mu    sync.RWMutex
	data  map[string][]byte
	quota int
}

func NewMemoryKV(quotaBytes int) *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte), quota: quotaBytes}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, errx.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.quota > 0 {
		used := len(value)
		for k, v := range m.data {
			if k != key {
				used += len(v)
			}
		}
		if used > m.quota {
			return quotaError(key, used, m.quota)
		}
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.data[key] = v
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryKV) Close() error { return nil }

var _ KV = (*MemoryKV)(nil)
