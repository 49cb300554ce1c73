package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Memory is a process-local store used for tests and the "memory" backend.
type Memory struct {
	mu     sync.RWMutex
	dbs    map[string]map[string]string
	closed bool
}

func NewMemory() *Memory {
	return &Memory{dbs: make(map[string]map[string]string)}
}

func (m *Memory) Get(_ context.Context, db, key string) (string, bool, error) {
	if err := validate(db, key); err != nil {
		return "", false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", false, ErrClosed
	}
	v, ok := m.dbs[db][key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, db, key, value string) error {
	if err := validate(db, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.table(db)[key] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, db, key string) (bool, error) {
	if err := validate(db, key); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.dbs[db][key]
	delete(m.dbs[db], key)
	return ok, nil
}

func (m *Memory) Exists(ctx context.Context, db, key string) (bool, error) {
	_, ok, err := m.Get(ctx, db, key)
	return ok, err
}

func (m *Memory) Incr(_ context.Context, db, key string, delta int64) (int64, error) {
	if err := validate(db, key); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	t := m.table(db)
	var cur int64
	if raw, ok := t[key]; ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrNotInteger, key)
		}
		cur = n
	}
	cur += delta
	t[key] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (m *Memory) Keys(_ context.Context, db, prefix string, limit int) ([]string, error) {
	if err := ValidateDatabase(db); err != nil {
		return nil, err
	}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	keys := make([]string, 0, len(m.dbs[db]))
	for k := range m.dbs[db] {
		if prefix == "" || strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (m *Memory) Flush(_ context.Context, db string) (int, error) {
	if err := ValidateDatabase(db); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := len(m.dbs[db])
	delete(m.dbs, db)
	return n, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.dbs = nil
	m.mu.Unlock()
	return nil
}

func (m *Memory) table(db string) map[string]string {
	t, ok := m.dbs[db]
	if !ok {
		t = make(map[string]string)
		m.dbs[db] = t
	}
	return t
}
