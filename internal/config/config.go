package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Indexing  IndexingConfig  `mapstructure:"indexing"`
	Vector    VectorConfig    `mapstructure:"vector"`
	Graph     GraphConfig     `mapstructure:"graph"`
	Temporal  TemporalConfig  `mapstructure:"temporal"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Server    ServerConfig    `mapstructure:"server"`
	Source    SourceConfig    `mapstructure:"source"`
	Log       LogConfig       `mapstructure:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Audit     AuditConfig     `mapstructure:"audit"`
}

type EmbeddingConfig struct {
	Provider          string        `mapstructure:"provider"`
	Model             string        `mapstructure:"model"`
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Dimensions        int           `mapstructure:"dimensions"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

type IndexingConfig struct {
	BatchSize     int `mapstructure:"batch_size"`
	MaxChunkChars int `mapstructure:"max_chunk_chars"`
	Concurrency   int `mapstructure:"concurrency"`
	DefaultTopK   int `mapstructure:"default_top_k"`
}

type VectorConfig struct {
	// Backend is "qdrant" or "memory".
	Backend    string `mapstructure:"backend"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Collection string `mapstructure:"collection"`
}

// Addr returns host:port for the gRPC endpoint.
func (v VectorConfig) Addr() string {
	return fmt.Sprintf("%s:%d", v.Host, v.Port)
}

// GraphConfig points at the Neo4j instance holding the unit ledger. An
// empty URI keeps the ledger in memory.
type GraphConfig struct {
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type TemporalConfig struct {
	Host      string        `mapstructure:"host"`
	Namespace string        `mapstructure:"namespace"`
	TaskQueue string        `mapstructure:"task_queue"`
	Settle    time.Duration `mapstructure:"settle"`
}

type NATSConfig struct {
	URL        string        `mapstructure:"url"`
	Stream     string        `mapstructure:"stream"`
	Subject    string        `mapstructure:"subject"`
	Durable    string        `mapstructure:"durable"`
	MaxDeliver int           `mapstructure:"max_deliver"`
	AckWait    time.Duration `mapstructure:"ack_wait"`
}

type ServerConfig struct {
	Addr     string `mapstructure:"addr"`
	APIToken string `mapstructure:"api_token"`
}

type SourceConfig struct {
	Root         string        `mapstructure:"root"`
	MaxFileBytes int64         `mapstructure:"max_file_bytes"`
	Debounce     time.Duration `mapstructure:"debounce"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Output  string `mapstructure:"output"`
}

// SecretsConfig selects where empty credentials are looked up.
type SecretsConfig struct {
	// Provider is "env", "file" or "vault".
	Provider     string `mapstructure:"provider"`
	File         string `mapstructure:"file"`
	VaultAddress string `mapstructure:"vault_address"`
	VaultToken   string `mapstructure:"vault_token"`
	VaultMount   string `mapstructure:"vault_mount"`
	VaultPath    string `mapstructure:"vault_path"`
}

// External reports whether credentials may come from outside the config.
func (s SecretsConfig) External() bool {
	return s.Provider == "file" || s.Provider == "vault"
}

// bareEnv lists settings that are also read from unprefixed variables.
var bareEnv = map[string]string{
	"embedding.model":          "EMBEDDING_MODEL",
	"indexing.batch_size":      "BATCH_SIZE",
	"indexing.max_chunk_chars": "MAX_CHUNK_CHARS",
	"indexing.default_top_k":   "DEFAULT_TOP_K",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("embedding.provider", "gemini")
	v.SetDefault("embedding.timeout", 30*time.Second)
	v.SetDefault("embedding.max_retries", 3)
	v.SetDefault("embedding.retry_delay", time.Second)

	v.SetDefault("indexing.batch_size", 100)
	v.SetDefault("indexing.max_chunk_chars", 8000)
	v.SetDefault("indexing.concurrency", 1)
	v.SetDefault("indexing.default_top_k", 5)

	v.SetDefault("vector.backend", "qdrant")
	v.SetDefault("vector.host", "localhost")
	v.SetDefault("vector.port", 6334)
	v.SetDefault("vector.collection", "coderag")

	v.SetDefault("graph.database", "neo4j")

	v.SetDefault("temporal.host", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "coderag-indexing")
	v.SetDefault("temporal.settle", 5*time.Second)

	v.SetDefault("nats.stream", "CODERAG_EVENTS")
	v.SetDefault("nats.subject", "coderag.repository.changed")
	v.SetDefault("nats.durable", "coderag-ingest")
	v.SetDefault("nats.max_deliver", 10)
	v.SetDefault("nats.ack_wait", 30*time.Second)

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("source.root", ".")
	v.SetDefault("source.max_file_bytes", 1<<20)
	v.SetDefault("source.debounce", 500*time.Millisecond)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("tracing.service_name", "coderag")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.sample_rate", 1.0)

	v.SetDefault("secrets.provider", "env")

	v.SetDefault("audit.output", "stderr")
}

// Validate checks configuration for issues and returns warnings.
func (c *Config) Validate() []string {
	var warnings []string

	if p := c.Embedding.Provider; p != "" && p != "ollama" && c.Embedding.APIKey == "" && !c.Secrets.External() {
		warnings = append(warnings, fmt.Sprintf("embedding provider '%s' is configured but api_key is empty", p))
	}
	if c.Indexing.BatchSize > 1000 {
		warnings = append(warnings, fmt.Sprintf("indexing batch_size %d is unusually large", c.Indexing.BatchSize))
	}
	if c.Indexing.Concurrency > 32 {
		warnings = append(warnings, fmt.Sprintf("indexing concurrency %d will likely hit provider rate limits", c.Indexing.Concurrency))
	}
	if c.Embedding.RequestsPerSecond < 0 {
		warnings = append(warnings, fmt.Sprintf("embedding requests_per_second %.2f is negative; rate limiting disabled", c.Embedding.RequestsPerSecond))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		warnings = append(warnings, fmt.Sprintf("tracing sample_rate %.2f is outside [0.0, 1.0]", c.Tracing.SampleRate))
	}
	if c.Server.APIToken == "" && !c.Secrets.External() {
		warnings = append(warnings, "server api_token is empty; the HTTP API is unauthenticated")
	}

	return warnings
}

// Check returns an error for values the service cannot run with.
func (c *Config) Check() error {
	var errs []error
	if c.Indexing.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("indexing.batch_size must be positive, got %d", c.Indexing.BatchSize))
	}
	if c.Indexing.MaxChunkChars <= 0 {
		errs = append(errs, fmt.Errorf("indexing.max_chunk_chars must be positive, got %d", c.Indexing.MaxChunkChars))
	}
	if c.Indexing.DefaultTopK <= 0 {
		errs = append(errs, fmt.Errorf("indexing.default_top_k must be positive, got %d", c.Indexing.DefaultTopK))
	}
	if c.Indexing.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("indexing.concurrency must not be negative, got %d", c.Indexing.Concurrency))
	}
	if c.Embedding.Dimensions < 0 {
		errs = append(errs, fmt.Errorf("embedding.dimensions must not be negative, got %d", c.Embedding.Dimensions))
	}
	switch c.Secrets.Provider {
	case "", "env", "file", "vault":
	default:
		errs = append(errs, fmt.Errorf("unknown secrets provider %q", c.Secrets.Provider))
	}
	switch c.Vector.Backend {
	case "qdrant", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown vector backend %q", c.Vector.Backend))
	}
	return errors.Join(errs...)
}

// EnvName returns the environment variable for a dotted config key,
// e.g. server.api_token -> CODERAG_SERVER_API_TOKEN.
func EnvName(key string) string {
	return "CODERAG_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// configKeys returns the dotted key of every leaf field of t.
func configKeys(t reflect.Type, prefix string) []string {
	var keys []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if f.Type.Kind() == reflect.Struct {
			keys = append(keys, configKeys(f.Type, key)...)
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

// Load reads configuration from an optional file, a .env file in the
// working directory and the environment. path may be empty.
func Load(path string) (*Config, error) {
	// A missing .env is normal.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CODERAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees keys viper knows about, so every field is bound
	// explicitly, not just the ones with defaults.
	for _, key := range configKeys(reflect.TypeOf(Config{}), "") {
		names := []string{EnvName(key)}
		if bare, ok := bareEnv[key]; ok {
			names = append(names, bare)
		}
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	for _, warning := range cfg.Validate() {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
	}

	return &cfg, nil
}
