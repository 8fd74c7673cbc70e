package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store used by tests and local dry runs.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]map[string][]byte
	writes int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]map[string][]byte)}
}

// Writes returns the number of successful Upsert/Insert calls.
func (m *MemoryStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

func (m *MemoryStore) table(name string) map[string][]byte {
	t, ok := m.tables[name]
	if !ok {
		t = make(map[string][]byte)
		m.tables[name] = t
	}
	return t
}

// Upsert implements Store.
func (m *MemoryStore) Upsert(_ context.Context, table, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", table, key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table(table)[key] = data
	m.writes++
	return nil
}

// Insert implements Store.
func (m *MemoryStore) Insert(_ context.Context, table, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", table, key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(table)
	if _, exists := t[key]; exists {
		return ErrExists
	}
	t[key] = data
	m.writes++
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, table, key string, dest any) error {
	m.mu.RLock()
	data, ok := m.tables[table][key]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(data, dest)
}

// Query implements Store.
func (m *MemoryStore) Query(_ context.Context, table string, q Query) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.tables[table]))
	for k := range m.tables[table] {
		if strings.HasPrefix(k, q.Prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	if q.Offset >= len(keys) {
		return []Entry{}, nil
	}
	keys = keys[q.Offset:]
	if q.Limit > 0 && q.Limit < len(keys) {
		keys = keys[:q.Limit]
	}

	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		v := m.tables[table][k]
		entries = append(entries, Entry{Key: k, Value: append(json.RawMessage(nil), v...)})
	}
	return entries, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, table, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables[table], key)
	return nil
}
