package host

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/goliatone/go-skus/core"
)

// MemoryKV is a process-local core.KVBackend.
type MemoryKV struct {
	mu     sync.Mutex
	values map[string]map[string]string
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: map[string]map[string]string{}}
}

func (m *MemoryKV) Get(_ context.Context, namespace string, key string) (string, error) {
	if err := validateKey(namespace, key); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[namespace][key], nil
}

func (m *MemoryKV) Set(_ context.Context, namespace string, key string, value string) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(namespace, key, value)
	return nil
}

func (m *MemoryKV) CompareAndSet(_ context.Context, namespace string, key string, expected string, value string) (bool, error) {
	if err := validateKey(namespace, key); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values[namespace][key] != expected {
		return false, nil
	}
	m.put(namespace, key, value)
	return true, nil
}

func (m *MemoryKV) Purge(_ context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, namespace)
	return nil
}

// Len counts entries in namespace.
func (m *MemoryKV) Len(namespace string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.values[namespace])
}

func (m *MemoryKV) put(namespace string, key string, value string) {
	entries, ok := m.values[namespace]
	if !ok {
		entries = map[string]string{}
		m.values[namespace] = entries
	}
	entries[key] = value
}

func validateKey(namespace string, key string) error {
	if strings.TrimSpace(namespace) == "" || strings.TrimSpace(key) == "" {
		return fmt.Errorf("host: kv namespace and key are required")
	}
	return nil
}

var _ core.KVBackend = (*MemoryKV)(nil)
