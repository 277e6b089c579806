package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// DefaultMaxEntries bounds the in-memory store before eviction kicks in.
const DefaultMaxEntries = 100_000

// Memory is the default Store: in-process, bounded, with FIFO eviction over
// insertion order in batches of 10% of the bound. Eviction may drop any
// value; consumers must treat reads as possibly-missing.
type Memory struct {
	mu      sync.RWMutex
	entries map[string][]byte
	order   []string // insertion order; may contain keys already deleted
	indexes map[string]map[string]struct{}
	max     int
	closed  bool
}

// NewMemory returns a bounded in-memory store. maxEntries <= 0 selects
// DefaultMaxEntries.
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Memory{
		entries: make(map[string][]byte),
		indexes: make(map[string]map[string]struct{}),
		max:     maxEntries,
	}
}

func (m *Memory) Get(_ context.Context, key string, dest any) (bool, error) {
	m.mu.RLock()
	raw, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if dest == nil {
		return true, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("op=storage.get key=%s: %w", key, err)
	}
	return true, nil
}

func (m *Memory) Set(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("op=storage.set key=%s: %w", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("op=storage.set: store closed")
	}
	if _, exists := m.entries[key]; !exists {
		m.order = append(m.order, key)
	}
	m.entries[key] = raw
	m.evictLocked()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *Memory) GetBatch(_ context.Context, keys []string) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if raw, ok := m.entries[k]; ok {
			out[k] = json.RawMessage(raw)
		}
	}
	return out, nil
}

func (m *Memory) SetBatch(ctx context.Context, values map[string]any) error {
	for k, v := range values {
		if err := m.Set(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) AddToIndex(_ context.Context, indexKey, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.indexes[indexKey]
	if !ok {
		set = make(map[string]struct{})
		m.indexes[indexKey] = set
	}
	set[value] = struct{}{}
	return nil
}

func (m *Memory) RemoveFromIndex(_ context.Context, indexKey, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.indexes[indexKey]; ok {
		delete(set, value)
		if len(set) == 0 {
			delete(m.indexes, indexKey)
		}
	}
	return nil
}

func (m *Memory) GetIndex(_ context.Context, indexKey string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.indexes[indexKey]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	return out, nil
}

// Close removes all entries and refuses further writes.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string][]byte)
	m.indexes = make(map[string]map[string]struct{})
	m.order = nil
	m.closed = true
	return nil
}

// Len reports the current entry count (kv entries only).
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// evictLocked drops the oldest-inserted 10% of the bound when the entry
// count exceeds the bound. FIFO over insertion order, not true LRU.
func (m *Memory) evictLocked() {
	if len(m.entries) <= m.max {
		return
	}
	batch := m.max / 10
	if batch < 1 {
		batch = 1
	}
	evicted := 0
	i := 0
	for ; i < len(m.order) && evicted < batch; i++ {
		key := m.order[i]
		if _, ok := m.entries[key]; ok {
			delete(m.entries, key)
			evicted++
		}
	}
	m.order = m.order[i:]
	slog.Debug("storage eviction", slog.Int("evicted", evicted), slog.Int("remaining", len(m.entries)))
}
