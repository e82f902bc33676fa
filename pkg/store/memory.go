package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory RecordStore used by tests and by nodes
// that run without a data directory.
type MemoryStore struct {
	mu     sync.RWMutex
	stores map[string]map[string][]byte
	closed bool
}

// NewMemoryStore creates an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{stores: make(map[string]map[string][]byte)}
}

func (m *MemoryStore) Put(store, key string, record []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	s, ok := m.stores[store]
	if !ok {
		s = make(map[string][]byte)
		m.stores[store] = s
	}
	cp := make([]byte, len(record))
	copy(cp, record)
	s[key] = cp
	return nil
}

func (m *MemoryStore) Get(store, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	record, ok := m.stores[store][key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(record))
	copy(cp, record)
	return cp, true, nil
}

func (m *MemoryStore) GetAll(store string) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	s := m.stores[store]
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	records := make([][]byte, 0, len(s))
	for _, k := range keys {
		cp := make([]byte, len(s[k]))
		copy(cp, s[k])
		records = append(records, cp)
	}
	return records, nil
}

func (m *MemoryStore) Delete(store, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.stores[store], key)
	return nil
}

func (m *MemoryStore) QueryByIndex(store, index, value string) ([][]byte, error) {
	records, err := m.GetAll(store)
	if err != nil {
		return nil, err
	}
	return filterByField(records, index, value)
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// filterByField keeps records whose top-level JSON field matches value.
// Shared by both backends so index semantics cannot drift between them.
func filterByField(records [][]byte, field, value string) ([][]byte, error) {
	var matched [][]byte
	for _, record := range records {
		var doc map[string]any
		if err := json.Unmarshal(record, &doc); err != nil {
			return nil, fmt.Errorf("malformed record in index scan: %w", err)
		}
		got, ok := doc[field]
		if !ok {
			continue
		}
		if fmt.Sprintf("%v", got) == value {
			matched = append(matched, record)
		}
	}
	return matched, nil
}
