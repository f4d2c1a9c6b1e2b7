// Package keyringstore keeps engine KV entries in the operating system
// keyring through github.com/99designs/keyring.
package keyringstore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/99designs/keyring"
	"github.com/goliatone/go-skus/core"
)

const DefaultServiceName = "go-skus"

// Store maps namespace/key onto keyring items. CompareAndSet is atomic only
// within one process; the keyring has no conditional write.
type Store struct {
	ring keyring.Keyring
	mu   sync.Mutex
	rand io.Reader
}

// Config mirrors the keyring options the CLI exposes.
type Config struct {
	ServiceName string
	Backends    []string
	FileDir     string
	Password    string
}

// Open opens the platform keyring. With Backends empty the library picks
// the first available backend.
func Open(cfg Config) (*Store, error) {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = DefaultServiceName
	}
	ringConfig := keyring.Config{
		ServiceName:              serviceName,
		FileDir:                  cfg.FileDir,
		KeychainTrustApplication: true,
	}
	for _, backend := range cfg.Backends {
		if trimmed := strings.TrimSpace(backend); trimmed != "" {
			ringConfig.AllowedBackends = append(ringConfig.AllowedBackends, keyring.BackendType(trimmed))
		}
	}
	if cfg.Password != "" {
		ringConfig.FilePasswordFunc = keyring.FixedStringPrompt(cfg.Password)
	}
	ring, err := keyring.Open(ringConfig)
	if err != nil {
		return nil, fmt.Errorf("keyringstore: open keyring: %w", err)
	}
	return New(ring), nil
}

func New(ring keyring.Keyring) *Store {
	return &Store{ring: ring, rand: rand.Reader}
}

func (s *Store) Get(_ context.Context, namespace string, key string) (string, error) {
	itemKey, err := itemKey(namespace, key)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(itemKey)
}

func (s *Store) Set(_ context.Context, namespace string, key string, value string) error {
	itemKey, err := itemKey(namespace, key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(itemKey, value)
}

func (s *Store) CompareAndSet(_ context.Context, namespace string, key string, expected string, value string) (bool, error) {
	itemKey, err := itemKey(namespace, key)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.read(itemKey)
	if err != nil {
		return false, err
	}
	if current != expected {
		return false, nil
	}
	if err := s.write(itemKey, value); err != nil {
		return false, err
	}
	return true, nil
}

// Purge removes every item under namespace and leaves other items alone.
func (s *Store) Purge(_ context.Context, namespace string) error {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return fmt.Errorf("keyringstore: namespace is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.ring.Keys()
	if err != nil {
		return fmt.Errorf("keyringstore: list keys: %w", err)
	}
	prefix := namespace + "/"
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if err := s.ring.Remove(key); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
			return fmt.Errorf("keyringstore: remove %q: %w", key, err)
		}
	}
	return nil
}

// SecretKey returns the named key material, generating and storing 32
// random bytes on first use. It feeds security.NewAppKeySecretProvider.
func (s *Store) SecretKey(_ context.Context, name string) ([]byte, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("keyringstore: secret name is required")
	}
	itemKey := "secret/" + name
	s.mu.Lock()
	defer s.mu.Unlock()
	encoded, err := s.read(itemKey)
	if err != nil {
		return nil, err
	}
	if encoded != "" {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("keyringstore: decode secret %q: %w", name, err)
		}
		return key, nil
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(s.rand, key); err != nil {
		return nil, fmt.Errorf("keyringstore: generate secret: %w", err)
	}
	if err := s.write(itemKey, base64.StdEncoding.EncodeToString(key)); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *Store) read(itemKey string) (string, error) {
	item, err := s.ring.Get(itemKey)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("keyringstore: get %q: %w", itemKey, err)
	}
	return string(item.Data), nil
}

func (s *Store) write(itemKey string, value string) error {
	err := s.ring.Set(keyring.Item{
		Key:   itemKey,
		Data:  []byte(value),
		Label: "go-skus " + itemKey,
	})
	if err != nil {
		return fmt.Errorf("keyringstore: set %q: %w", itemKey, err)
	}
	return nil
}

func itemKey(namespace string, key string) (string, error) {
	namespace = strings.TrimSpace(namespace)
	key = strings.TrimSpace(key)
	if namespace == "" || key == "" {
		return "", fmt.Errorf("keyringstore: namespace and key are required")
	}
	if strings.Contains(namespace, "/") {
		return "", fmt.Errorf("keyringstore: namespace %q must not contain '/'", namespace)
	}
	return namespace + "/" + key, nil
}

var _ core.KVBackend = (*Store)(nil)
