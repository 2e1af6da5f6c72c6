// Package app wires configuration into the running components shared by
// the coderag CLI and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"

	"github.com/efebarandurmaz/coderag/internal/config"
	"github.com/efebarandurmaz/coderag/internal/embedding"
	"github.com/efebarandurmaz/coderag/internal/embedding/gemini"
	"github.com/efebarandurmaz/coderag/internal/embedding/ollama"
	"github.com/efebarandurmaz/coderag/internal/embedding/openai"
	"github.com/efebarandurmaz/coderag/internal/events"
	"github.com/efebarandurmaz/coderag/internal/index"
	"github.com/efebarandurmaz/coderag/internal/ingest"
	"github.com/efebarandurmaz/coderag/internal/ledger"
	neo4jledger "github.com/efebarandurmaz/coderag/internal/ledger/neo4j"
	"github.com/efebarandurmaz/coderag/internal/observability"
	"github.com/efebarandurmaz/coderag/internal/retrieval"
	"github.com/efebarandurmaz/coderag/internal/secrets"
	"github.com/efebarandurmaz/coderag/internal/server"
	"github.com/efebarandurmaz/coderag/internal/source"
	"github.com/efebarandurmaz/coderag/internal/vector"
	"github.com/efebarandurmaz/coderag/internal/vector/qdrant"
)

// Version is set at build time.
var Version = "dev"

// dimensionProbe is embedded once at startup when the dimensionality is
// not configured, so the Qdrant collection can be created.
const dimensionProbe = "coderag dimension probe"

// App holds the long-lived components.
type App struct {
	Config    *config.Config
	Log       *slog.Logger
	Metrics   *observability.Metrics
	Tracing   *observability.TracerProvider
	Embedder  *embedding.Embedder
	Store     vector.Store
	Ledger    ledger.Ledger
	Pipeline  *index.Pipeline
	Retrieval *retrieval.Service
	Source    *source.Local
	Audit     *observability.AuditLogger

	checks map[string]server.HealthChecker
}

// NewEmbeddingFactory returns a factory with the built-in providers.
func NewEmbeddingFactory() *embedding.ProviderFactory {
	f := embedding.NewFactory()
	f.Register("openai", func(c embedding.ProviderConfig) (embedding.Provider, error) {
		return openai.New(c.APIKey, c.Model, c.BaseURL), nil
	})
	f.Register("gemini", func(c embedding.ProviderConfig) (embedding.Provider, error) {
		return gemini.New(c.APIKey, c.Model, c.BaseURL), nil
	})
	f.Register("ollama", func(c embedding.ProviderConfig) (embedding.Provider, error) {
		return ollama.New(c.BaseURL, c.Model), nil
	})
	// Any OpenAI-compatible endpoint.
	f.Register("custom", func(c embedding.ProviderConfig) (embedding.Provider, error) {
		if c.BaseURL == "" {
			return nil, errors.New("custom provider requires base_url")
		}
		return openai.New(c.APIKey, c.Model, c.BaseURL), nil
	})
	return f
}

// New builds the embedding, storage, indexing and retrieval components.
// Temporal and NATS connections are opened separately by the binaries that
// need them.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, srcOpts ...source.LocalOption) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{
		Config:  cfg,
		Log:     log,
		Metrics: observability.Default(),
		checks:  make(map[string]server.HealthChecker),
	}

	tp, err := observability.InitTracing(ctx, &observability.TracingConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: Version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	a.Tracing = tp

	if err := ResolveSecrets(ctx, cfg); err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.Audit, err = observability.NewAuditLogger(observability.AuditConfig{
		Enabled:    cfg.Audit.Enabled,
		OutputPath: cfg.Audit.Output,
	})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	model := cfg.Embedding.Model
	if model == "" {
		model = embedding.DefaultModels[cfg.Embedding.Provider]
	}
	provider, err := NewEmbeddingFactory().Create(embedding.ProviderConfig{
		Provider:          cfg.Embedding.Provider,
		APIKey:            cfg.Embedding.APIKey,
		Model:             model,
		BaseURL:           cfg.Embedding.BaseURL,
		Timeout:           cfg.Embedding.Timeout,
		MaxRetries:        cfg.Embedding.MaxRetries,
		RetryDelay:        cfg.Embedding.RetryDelay,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		Burst:             cfg.Embedding.Burst,
	})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Embedder = embedding.NewEmbedder(provider, model, cfg.Embedding.Dimensions)

	if err := a.openStore(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	if err := a.openLedger(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.Pipeline = index.New(a.Embedder, a.Store, index.Config{
		BatchSize:   cfg.Indexing.BatchSize,
		MaxChars:    cfg.Indexing.MaxChunkChars,
		Concurrency: cfg.Indexing.Concurrency,
		Ledger:      a.Ledger,
		Logger:      log.With("component", "index"),
		Metrics:     a.Metrics,
	})
	a.Retrieval = retrieval.New(a.Embedder, a.Store,
		retrieval.WithDefaultTopK(cfg.Indexing.DefaultTopK),
		retrieval.WithLogger(log.With("component", "retrieval")),
		retrieval.WithMetrics(a.Metrics),
	)

	opts := append([]source.LocalOption{
		source.WithMaxFileBytes(cfg.Source.MaxFileBytes),
		source.WithLogger(log.With("component", "source")),
	}, srcOpts...)
	a.Source = source.NewLocal(cfg.Source.Root, opts...)

	return a, nil
}

// ResolveSecrets fills empty credentials in cfg from the secrets backend.
func ResolveSecrets(ctx context.Context, cfg *config.Config) error {
	m, err := secrets.NewManager(secrets.Config{
		Provider: cfg.Secrets.Provider,
		FilePath: cfg.Secrets.File,
		Vault: secrets.VaultConfig{
			Address:    cfg.Secrets.VaultAddress,
			Token:      cfg.Secrets.VaultToken,
			MountPath:  cfg.Secrets.VaultMount,
			SecretPath: cfg.Secrets.VaultPath,
		},
	})
	if err != nil {
		return err
	}
	for _, s := range []struct {
		key string
		dst *string
	}{
		{secrets.KeyEmbeddingAPIKey, &cfg.Embedding.APIKey},
		{secrets.KeyGraphPassword, &cfg.Graph.Password},
		{secrets.KeyAPIToken, &cfg.Server.APIToken},
	} {
		val, err := m.Resolve(ctx, s.key, *s.dst)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", s.key, err)
		}
		*s.dst = val
	}
	return nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.Config.Vector.Backend {
	case "memory":
		a.Store = vector.NewMemoryStore()
		a.checks["vector-store"] = server.StaticChecker("in-memory store", map[string]string{"backend": "memory"})
		return nil
	case "qdrant":
	default:
		return fmt.Errorf("unknown vector backend %q", a.Config.Vector.Backend)
	}

	store, err := qdrant.New(a.Config.Vector.Addr(), a.Config.Vector.Collection)
	if err != nil {
		return err
	}
	a.Store = store
	a.checks["vector-store"] = server.DependencyChecker("qdrant", true, store.Ping)

	existing, ok, err := store.CollectionDims(ctx)
	if err != nil {
		return err
	}
	if ok {
		if err := a.Embedder.Pin(existing); err != nil {
			return fmt.Errorf("collection %s: %w", a.Config.Vector.Collection, err)
		}
	}

	dims := a.Embedder.Dimensions()
	if dims == 0 {
		a.Log.Info("probing embedding dimensionality", "model", a.Embedder.Model())
		if _, err := a.Embedder.Embed(ctx, dimensionProbe); err != nil {
			return fmt.Errorf("probing embedding dimensions: %w", err)
		}
		dims = a.Embedder.Dimensions()
	}
	if err := store.EnsureCollection(ctx, dims); err != nil {
		return err
	}
	return nil
}

func (a *App) openLedger(ctx context.Context) error {
	g := a.Config.Graph
	if g.URI == "" {
		// Without a graph database the known units come from the store, so
		// pruning survives restarts and separate CLI processes.
		if lister, ok := a.Store.(ledger.UnitLister); ok && a.Store.Backend() != "memory" {
			a.Ledger = ledger.FromStore(lister)
		} else {
			a.Ledger = ledger.NewMemory()
		}
		return nil
	}
	l, err := neo4jledger.New(ctx, g.URI, g.Username, g.Password, g.Database)
	if err != nil {
		return err
	}
	if err := l.EnsureSchema(ctx); err != nil {
		_ = l.Close(ctx)
		return err
	}
	a.Ledger = l
	a.checks["ledger"] = server.DependencyChecker("neo4j", false, l.Ping)
	return nil
}

// Activities returns the Temporal activities bound to this app.
func (a *App) Activities() *ingest.Activities {
	return &ingest.Activities{
		Source:   a.Source,
		Pipeline: a.Pipeline,
		Logger:   a.Log.With("component", "ingest"),
		Audit:    a.Audit,
	}
}

// RegisterChecks adds the dependency checks known to the app to h.
func (a *App) RegisterChecks(h *server.HealthServer) {
	for name, check := range a.checks {
		h.RegisterCheck(name, check)
	}
}

// ShutdownHooks returns the hooks closing the app's resources.
func (a *App) ShutdownHooks() []server.ShutdownHook {
	hooks := []server.ShutdownHook{
		server.TracingHook(a.Tracing.Shutdown),
		server.StoreHook("vector-store", a.Store.Close),
		server.StoreHook("audit", a.Audit.Close),
	}
	if a.Ledger != nil {
		hooks = append(hooks, server.ShutdownHook{
			Name:     "ledger",
			Priority: server.PriorityStore,
			Fn:       a.Ledger.Close,
		})
	}
	return hooks
}

// Close releases everything New opened. Safe on a partially built App.
func (a *App) Close(ctx context.Context) {
	if a.Ledger != nil {
		if err := a.Ledger.Close(ctx); err != nil {
			a.Log.Warn("closing ledger", "error", err)
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Log.Warn("closing vector store", "error", err)
		}
	}
	if err := a.Audit.Close(); err != nil {
		a.Log.Warn("closing audit log", "error", err)
	}
	if a.Tracing != nil {
		if err := a.Tracing.Shutdown(ctx); err != nil {
			a.Log.Warn("shutting down tracing", "error", err)
		}
	}
}

// DialTemporal connects to the Temporal frontend.
func DialTemporal(cfg config.TemporalConfig, log *slog.Logger) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Host,
		Namespace: cfg.Namespace,
		Logger:    tlog.NewStructuredLogger(log.With("component", "temporal")),
	})
	if err != nil {
		return nil, fmt.Errorf("temporal client: %w", err)
	}
	return c, nil
}

// TemporalChecker reports whether the Temporal frontend is reachable.
func TemporalChecker(c client.Client) server.HealthChecker {
	return server.DependencyChecker("temporal", true, func(ctx context.Context) error {
		_, err := c.CheckHealth(ctx, &client.CheckHealthRequest{})
		return err
	})
}

// EventOptions maps the NATS section to JetStream stream and consumer
// options.
func EventOptions(cfg config.NATSConfig) events.Options {
	return events.Options{
		Stream:     cfg.Stream,
		Subject:    cfg.Subject,
		Durable:    cfg.Durable,
		MaxDeliver: cfg.MaxDeliver,
		AckWait:    cfg.AckWait,
	}
}

// ConnectNATS connects to the event bus, reconnecting forever.
func ConnectNATS(cfg config.NATSConfig, log *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("coderag"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	return nc, nil
}

// NATSChecker reports the connection state; the bus is optional.
func NATSChecker(nc *nats.Conn) server.HealthChecker {
	return server.DependencyChecker("nats", false, func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("status %s", nc.Status())
		}
		return nil
	})
}
