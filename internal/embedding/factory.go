package embedding

import (
	"fmt"
	"sort"
	"time"
)

// ProviderConfig holds all configuration needed to create any embedding provider.
type ProviderConfig struct {
	Provider string // "openai", "gemini", "ollama", or any registered name
	APIKey   string
	Model    string
	BaseURL  string // Override for self-hosted / custom endpoints

	// Caller-side policy applied around the provider.
	Timeout           time.Duration // Per-request timeout
	MaxRetries        int           // 0 disables retries
	RetryDelay        time.Duration // Initial backoff delay
	RequestsPerSecond float64       // 0 disables rate limiting
	Burst             int
}

// ProviderConstructor builds a Provider from config.
type ProviderConstructor func(cfg ProviderConfig) (Provider, error)

// ProviderFactory creates Provider instances from config.
type ProviderFactory struct {
	constructors map[string]ProviderConstructor
}

// NewFactory creates an empty factory.
func NewFactory() *ProviderFactory {
	return &ProviderFactory{constructors: make(map[string]ProviderConstructor)}
}

// Register adds a provider constructor under the given name.
func (f *ProviderFactory) Register(name string, ctor ProviderConstructor) {
	f.constructors[name] = ctor
}

// Create builds a Provider from config, wrapped with rate limiting and retry
// when those are configured. The rate limiter sits inside the retry loop so
// every attempt waits for capacity.
func (f *ProviderFactory) Create(cfg ProviderConfig) (Provider, error) {
	if cfg.Provider == "" {
		return nil, fmt.Errorf("no embedding provider configured; registered: %v", f.names())
	}
	ctor, ok := f.constructors[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown embedding provider %q; registered: %v", cfg.Provider, f.names())
	}

	provider, err := ctor(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating %s provider: %w", cfg.Provider, err)
	}

	if cfg.RequestsPerSecond > 0 {
		provider = WithRateLimit(provider, cfg.RequestsPerSecond, cfg.Burst)
	}
	if cfg.MaxRetries > 0 || cfg.Timeout > 0 {
		provider = WithRetry(provider, RetryConfig{
			MaxRetries: cfg.MaxRetries,
			RetryDelay: cfg.RetryDelay,
			Timeout:    cfg.Timeout,
		})
	}
	return provider, nil
}

func (f *ProviderFactory) names() []string {
	out := make([]string, 0, len(f.constructors))
	for k := range f.constructors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// KnownProviders documents the built-in provider presets and their default
// base URLs.
var KnownProviders = map[string]string{
	"openai": "https://api.openai.com/v1",
	"gemini": "https://generativelanguage.googleapis.com/v1beta",
	"ollama": "http://localhost:11434",
}

// DefaultModels maps provider names to the model used when none is configured.
var DefaultModels = map[string]string{
	"openai": "text-embedding-3-small",
	"gemini": "text-embedding-004",
	"ollama": "nomic-embed-text",
}
