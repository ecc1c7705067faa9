package message

import (
	"context"
	"sync"
)

// MemStore 单进程存储，开发与测试使用
type MemStore struct {
	mu       sync.RWMutex
	byThread map[string][]*Record
	seen     map[string]struct{}
}

func NewMemStore() *MemStore {
	return &MemStore{byThread: make(map[string][]*Record), seen: make(map[string]struct{})}
}

func (m *MemStore) Save(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[r.ID]; ok {
		return nil
	}
	m.seen[r.ID] = struct{}{}
	cp := *r
	m.byThread[r.ThreadID] = append(m.byThread[r.ThreadID], &cp)
	return nil
}

func (m *MemStore) Recent(_ context.Context, threadID string, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.byThread[threadID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]*Record, len(all))
	for i, r := range all {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}
