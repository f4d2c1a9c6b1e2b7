package security

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"github.com/goliatone/go-skus/core"
)

type Option func(*AppKeySecretProvider)

type appKey struct {
	id      string
	version int
	aead    cipher.AEAD
}

// AppKeySecretProvider seals engine state with AES-GCM under an application
// key. Retired keys registered with WithRetiredKey still decrypt.
type AppKeySecretProvider struct {
	current appKey
	retired []appKey
	rand    io.Reader
	errs    []error
}

func WithKeyID(id string) Option {
	return func(provider *AppKeySecretProvider) {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			provider.current.id = trimmed
		}
	}
}

func WithVersion(version int) Option {
	return func(provider *AppKeySecretProvider) {
		if version > 0 {
			provider.current.version = version
		}
	}
}

// WithRetiredKey keeps an older key available for Decrypt during rotation.
func WithRetiredKey(keyMaterial []byte, id string, version int) Option {
	return func(provider *AppKeySecretProvider) {
		key, err := newAppKey(keyMaterial, id, version)
		if err != nil {
			provider.errs = append(provider.errs, err)
			return
		}
		provider.retired = append(provider.retired, key)
	}
}

func withRandom(reader io.Reader) Option {
	return func(provider *AppKeySecretProvider) {
		provider.rand = reader
	}
}

func NewAppKeySecretProvider(keyMaterial []byte, opts ...Option) (*AppKeySecretProvider, error) {
	current, err := newAppKey(keyMaterial, "app-key", 1)
	if err != nil {
		return nil, err
	}
	provider := &AppKeySecretProvider{current: current, rand: rand.Reader}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(provider)
	}
	if len(provider.errs) > 0 {
		return nil, provider.errs[0]
	}
	for _, retired := range provider.retired {
		if retired.id == provider.current.id && retired.version == provider.current.version {
			return nil, fmt.Errorf("security: retired key %s#%d collides with the current key", retired.id, retired.version)
		}
	}
	return provider, nil
}

func NewAppKeySecretProviderFromString(key string, opts ...Option) (*AppKeySecretProvider, error) {
	return NewAppKeySecretProvider([]byte(key), opts...)
}

func (p *AppKeySecretProvider) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("security: plaintext is required")
	}
	nonce := make([]byte, p.current.aead.NonceSize())
	if _, err := io.ReadFull(p.rand, nonce); err != nil {
		return nil, fmt.Errorf("security: nonce generation failed: %w", err)
	}
	sealed := p.current.aead.Seal(nil, nonce, plaintext, additionalData(p.current.id, p.current.version))
	env := envelope{keyID: p.current.id, version: p.current.version, nonce: nonce, sealed: sealed}
	return env.bytes(), nil
}

func (p *AppKeySecretProvider) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	env, err := openEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}
	key, ok := p.keyFor(env.keyID, env.version)
	if !ok {
		return nil, fmt.Errorf("security: no key for %s#%d", env.keyID, env.version)
	}
	if len(env.nonce) != key.aead.NonceSize() {
		return nil, fmt.Errorf("security: nonce has %d bytes, want %d", len(env.nonce), key.aead.NonceSize())
	}
	plaintext, err := key.aead.Open(nil, env.nonce, env.sealed, additionalData(env.keyID, env.version))
	if err != nil {
		return nil, fmt.Errorf("security: decrypt payload: %w", err)
	}
	return plaintext, nil
}

// NeedsRotation reports whether ciphertext was sealed by a key other than
// the current one.
func (p *AppKeySecretProvider) NeedsRotation(ciphertext []byte) bool {
	meta, err := ParseEnvelopeMetadata(ciphertext)
	if err != nil {
		return false
	}
	return meta.KeyID != p.KeyID() || meta.Version != p.Version()
}

func (p *AppKeySecretProvider) KeyID() string {
	if p == nil {
		return ""
	}
	return p.current.id
}

func (p *AppKeySecretProvider) Version() int {
	if p == nil {
		return 0
	}
	return p.current.version
}

func (p *AppKeySecretProvider) keyFor(id string, version int) (appKey, bool) {
	if id == p.current.id && version == p.current.version {
		return p.current, true
	}
	for _, key := range p.retired {
		if key.id == id && key.version == version {
			return key, true
		}
	}
	return appKey{}, false
}

func newAppKey(keyMaterial []byte, id string, version int) (appKey, error) {
	material := bytes.TrimSpace(keyMaterial)
	if len(material) == 0 {
		return appKey{}, fmt.Errorf("security: key material is required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return appKey{}, fmt.Errorf("security: key id is required")
	}
	if version < 1 {
		return appKey{}, fmt.Errorf("security: key version must be positive")
	}
	block, err := aes.NewCipher(normalizeKey(material))
	if err != nil {
		return appKey{}, fmt.Errorf("security: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return appKey{}, fmt.Errorf("security: create gcm: %w", err)
	}
	return appKey{id: id, version: version, aead: aead}, nil
}

func normalizeKey(value []byte) []byte {
	if len(value) == 32 {
		key := make([]byte, len(value))
		copy(key, value)
		return key
	}
	sum := sha256.Sum256(value)
	return sum[:]
}

var _ core.SecretProvider = (*AppKeySecretProvider)(nil)
