package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory is a map-backed KV. A positive quota bounds the total size of keys
// plus values; a write that would exceed it fails with ErrStorageFull.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	used   int64
	quota  int64
	closed bool
}

// NewMemory returns an empty store. quota <= 0 means unlimited.
func NewMemory(quota int64) *Memory {
	return &Memory{data: make(map[string][]byte), quota: quota}
}

// Get implements KV.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return append([]byte(nil), v...), nil
}

// Put implements KV.
func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	used := m.used + int64(len(value))
	if old, ok := m.data[key]; ok {
		used -= int64(len(old))
	} else {
		used += int64(len(key))
	}
	if m.quota > 0 && used > m.quota {
		return fmt.Errorf("%w: %d of %d bytes", ErrStorageFull, used, m.quota)
	}
	m.data[key] = append([]byte(nil), value...)
	m.used = used
	return nil
}

// Delete implements KV. Deleting an absent key is not an error.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if old, ok := m.data[key]; ok {
		m.used -= int64(len(key) + len(old))
		delete(m.data, key)
	}
	return nil
}

// Keys implements KV.
func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Used returns the bytes counted against the quota.
func (m *Memory) Used() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}

// Close implements KV.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
