// Package secrets resolves credentials from the environment, a JSON file
// or HashiCorp Vault.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Well-known secret keys.
const (
	KeyEmbeddingAPIKey = "embedding_api_key"
	KeyGraphPassword   = "graph_password"
	KeyAPIToken        = "api_token"
)

// DefaultEnvPrefix is prepended to keys looked up in the environment.
const DefaultEnvPrefix = "CODERAG_"

// ErrNotFound is returned when no backend holds a key.
var ErrNotFound = errors.New("secret not found")

// Provider is a read-only secret backend.
type Provider interface {
	Get(ctx context.Context, key string) (string, error)
	Name() string
}

// Config configures the secrets manager.
type Config struct {
	// Provider is "env" (default), "file" or "vault".
	Provider  string
	EnvPrefix string
	FilePath  string
	Vault     VaultConfig
}

// Manager looks secrets up in the configured backend, falling back to the
// environment. Hits are cached for the lifetime of the manager.
type Manager struct {
	primary  Provider
	fallback Provider

	mu    sync.RWMutex
	cache map[string]string
}

// NewManager creates a secrets manager for cfg.
func NewManager(cfg Config) (*Manager, error) {
	env := NewEnvProvider(cfg.EnvPrefix)
	m := &Manager{cache: make(map[string]string)}

	switch cfg.Provider {
	case "", "env":
		m.primary = env
	case "file":
		p, err := NewFileProvider(cfg.FilePath)
		if err != nil {
			return nil, fmt.Errorf("file secrets: %w", err)
		}
		m.primary, m.fallback = p, env
	case "vault":
		p, err := NewVaultProvider(cfg.Vault)
		if err != nil {
			return nil, fmt.Errorf("vault secrets: %w", err)
		}
		m.primary, m.fallback = p, env
	default:
		return nil, fmt.Errorf("unknown secrets provider: %s", cfg.Provider)
	}
	return m, nil
}

// Get returns the secret stored under key.
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	val, ok := m.cache[key]
	m.mu.RUnlock()
	if ok {
		return val, nil
	}

	val, err := m.primary.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("%s: %w", m.primary.Name(), err)
	}
	if val == "" && m.fallback != nil {
		val, err = m.fallback.Get(ctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	if val == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	m.mu.Lock()
	m.cache[key] = val
	m.mu.Unlock()
	return val, nil
}

// Resolve returns current when it is set, otherwise the secret under key.
// A missing secret resolves to "".
func (m *Manager) Resolve(ctx context.Context, key, current string) (string, error) {
	if current != "" {
		return current, nil
	}
	val, err := m.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return val, err
}

// EnvProvider reads secrets from environment variables.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates an environment-based provider. Keys are looked up
// upper-cased, first with prefix and then without.
func NewEnvProvider(prefix string) *EnvProvider {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return &EnvProvider{prefix: prefix}
}

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	name := strings.ToUpper(key)
	if val := os.Getenv(p.prefix + name); val != "" {
		return val, nil
	}
	if val := os.Getenv(name); val != "" {
		return val, nil
	}
	return "", ErrNotFound
}
