package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/efebarandurmaz/coderag/internal/config"
	"github.com/efebarandurmaz/coderag/internal/embedding"
	"github.com/efebarandurmaz/coderag/internal/index"
	"github.com/efebarandurmaz/coderag/internal/ledger"
	"github.com/efebarandurmaz/coderag/internal/server"
	"github.com/efebarandurmaz/coderag/internal/vector"
)

// keywordOllama serves /api/embeddings with a vector counting two keywords.
func keywordOllama(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		vec := []float64{
			float64(strings.Count(req.Prompt, "hello")),
			float64(strings.Count(req.Prompt, "world")),
			0.01,
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": vec})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testConfig(root, baseURL string) *config.Config {
	return &config.Config{
		Embedding: config.EmbeddingConfig{Provider: "ollama", BaseURL: baseURL},
		Indexing:  config.IndexingConfig{BatchSize: 100, MaxChunkChars: 8000, Concurrency: 2, DefaultTopK: 5},
		Vector:    config.VectorConfig{Backend: "memory"},
		Source:    config.SourceConfig{Root: root},
		Tracing:   config.TracingConfig{ServiceName: "coderag-test", SampleRate: 1},
	}
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestApp_IndexAndRetrieve(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "r1", "a.txt"), "hello")
	writeFile(t, filepath.Join(root, "r1", "b", "c.txt"), "world")

	ctx := context.Background()
	a, err := New(ctx, testConfig(root, keywordOllama(t).URL), quiet())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close(ctx)

	snap, err := a.Source.Fetch(ctx, "r1", nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	report, err := a.Pipeline.IndexRepository(ctx, "r1", snap.Files, index.RunOptions{})
	if err != nil {
		t.Fatalf("IndexRepository: %v", err)
	}
	if report.Succeeded != 2 || len(report.Failed) != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}

	got, err := a.Retrieval.Retrieve(ctx, "world", "r1", 1)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 1 || got[0] != "File: b/c.txt\n\nworld" {
		t.Fatalf("unexpected results: %q", got)
	}

	other, err := a.Retrieval.Retrieve(ctx, "world", "r2", 5)
	if err != nil {
		t.Fatalf("Retrieve r2: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected no results for another repository, got %q", other)
	}
}

func TestApp_ActivitiesAndHooks(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t.TempDir(), keywordOllama(t).URL), quiet())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close(ctx)

	acts := a.Activities()
	if acts.Source == nil || acts.Pipeline == nil {
		t.Fatal("activities are missing dependencies")
	}

	h := server.NewHealthServer(Version)
	a.RegisterChecks(h)
	if resp := h.Run(ctx); resp.Status != server.HealthStatusHealthy || len(resp.Checks) != 1 {
		t.Fatalf("unexpected health: %+v", resp)
	}

	names := map[string]bool{}
	for _, hook := range a.ShutdownHooks() {
		names[hook.Name] = true
	}
	for _, want := range []string{"tracing", "vector-store", "ledger"} {
		if !names[want] {
			t.Errorf("missing shutdown hook %q", want)
		}
	}
}

func TestNewEmbeddingFactory(t *testing.T) {
	f := NewEmbeddingFactory()
	for _, name := range []string{"openai", "gemini", "ollama"} {
		p, err := f.Create(embedding.ProviderConfig{Provider: name, APIKey: "k"})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if p.Name() != name {
			t.Fatalf("expected %s, got %s", name, p.Name())
		}
	}

	if _, err := f.Create(embedding.ProviderConfig{Provider: "custom"}); err == nil {
		t.Fatal("expected custom provider without base_url to fail")
	}
	if _, err := f.Create(embedding.ProviderConfig{Provider: "voyage"}); err == nil {
		t.Fatal("expected unknown provider to fail")
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	cfg := testConfig(t.TempDir(), "http://127.0.0.1:1")
	cfg.Vector.Backend = "pinecone"
	if _, err := New(context.Background(), cfg, quiet()); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestResolveSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	writeFile(t, path, `{"embedding_api_key":"sk-file","api_token":"tok"}`)

	cfg := testConfig(t.TempDir(), "")
	cfg.Secrets = config.SecretsConfig{Provider: "file", File: path}
	cfg.Graph.Password = "configured"

	if err := ResolveSecrets(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Embedding.APIKey != "sk-file" || cfg.Server.APIToken != "tok" {
		t.Fatalf("secrets not resolved: key=%q token=%q", cfg.Embedding.APIKey, cfg.Server.APIToken)
	}
	if cfg.Graph.Password != "configured" {
		t.Fatalf("configured value overwritten: %q", cfg.Graph.Password)
	}
}

// remoteStore looks like a persistent backend to the composition root.
type remoteStore struct{ *vector.MemoryStore }

func (remoteStore) Backend() string { return "qdrant" }

func TestOpenLedger(t *testing.T) {
	ctx := context.Background()

	a := &App{Config: &config.Config{}, Store: remoteStore{vector.NewMemoryStore()}, checks: map[string]server.HealthChecker{}}
	if err := a.openLedger(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := a.Ledger.(*ledger.StoreBacked); !ok {
		t.Errorf("persistent store without graph: got %T, want *ledger.StoreBacked", a.Ledger)
	}

	a = &App{Config: &config.Config{}, Store: vector.NewMemoryStore(), checks: map[string]server.HealthChecker{}}
	if err := a.openLedger(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := a.Ledger.(*ledger.Memory); !ok {
		t.Errorf("memory store: got %T, want *ledger.Memory", a.Ledger)
	}
}
