package secrets

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/efebarandurmaz/coderag/internal/faults"
)

func TestEnvProvider(t *testing.T) {
	t.Setenv("CODERAG_EMBEDDING_API_KEY", "prefixed")
	t.Setenv("GRAPH_PASSWORD", "bare")

	p := NewEnvProvider("")
	ctx := context.Background()

	if v, err := p.Get(ctx, KeyEmbeddingAPIKey); err != nil || v != "prefixed" {
		t.Fatalf("expected prefixed value, got %q, %v", v, err)
	}
	if v, err := p.Get(ctx, KeyGraphPassword); err != nil || v != "bare" {
		t.Fatalf("expected bare value, got %q, %v", v, err)
	}
	if _, err := p.Get(ctx, "missing_secret_key"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	if err := os.WriteFile(path, []byte(`{"api_token":"t1"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := NewFileProvider(path)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := p.Get(context.Background(), KeyAPIToken); v != "t1" {
		t.Fatalf("expected t1, got %q", v)
	}

	if err := os.WriteFile(path, []byte(`{"api_token":"t2"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := p.Reload(); err != nil {
		t.Fatal(err)
	}
	if v, _ := p.Get(context.Background(), KeyAPIToken); v != "t2" {
		t.Fatalf("expected t2 after reload, got %q", v)
	}
	if _, err := p.Get(context.Background(), KeyGraphPassword); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileProvider_Errors(t *testing.T) {
	if _, err := NewFileProvider(""); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := NewFileProvider(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
	bad := filepath.Join(t.TempDir(), "bad.json")
	_ = os.WriteFile(bad, []byte("{"), 0o600)
	if _, err := NewFileProvider(bad); err == nil {
		t.Fatal("expected error for malformed file")
	}
}

func vaultServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/v1/kv/data/coderag" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Vault-Token") != "root" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestVaultProvider(t *testing.T) {
	srv, _ := vaultServer(t, http.StatusOK, `{"data":{"data":{"embedding_api_key":"sk-1","port":6334}}}`)
	p, err := NewVaultProvider(VaultConfig{Address: srv.URL, Token: "root", MountPath: "kv"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if v, err := p.Get(ctx, KeyEmbeddingAPIKey); err != nil || v != "sk-1" {
		t.Fatalf("expected sk-1, got %q, %v", v, err)
	}
	if v, _ := p.Get(ctx, "port"); v != "6334" {
		t.Fatalf("expected non-string values to be formatted, got %q", v)
	}
	if _, err := p.Get(ctx, KeyAPIToken); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestVaultProvider_Errors(t *testing.T) {
	srv, _ := vaultServer(t, http.StatusOK, `{}`)

	bad, _ := NewVaultProvider(VaultConfig{Address: srv.URL, Token: "wrong", MountPath: "kv"})
	if _, err := bad.Get(context.Background(), KeyAPIToken); !errors.Is(err, faults.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	missing, _ := NewVaultProvider(VaultConfig{Address: srv.URL, Token: "root", SecretPath: "other"})
	if _, err := missing.Get(context.Background(), KeyAPIToken); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown path, got %v", err)
	}

	if _, err := NewVaultProvider(VaultConfig{Token: "x"}); err == nil {
		t.Fatal("expected error without address")
	}
	if _, err := NewVaultProvider(VaultConfig{Address: "http://vault"}); err == nil {
		t.Fatal("expected error without token")
	}
}

func TestManager_FallbackAndCache(t *testing.T) {
	srv, calls := vaultServer(t, http.StatusOK, `{"data":{"data":{"embedding_api_key":"from-vault"}}}`)
	t.Setenv("CODERAG_API_TOKEN", "from-env")

	m, err := NewManager(Config{
		Provider: "vault",
		Vault:    VaultConfig{Address: srv.URL, Token: "root", MountPath: "kv"},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if v, err := m.Get(ctx, KeyEmbeddingAPIKey); err != nil || v != "from-vault" {
			t.Fatalf("expected from-vault, got %q, %v", v, err)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected cached lookups, vault called %d times", n)
	}

	if v, err := m.Get(ctx, KeyAPIToken); err != nil || v != "from-env" {
		t.Fatalf("expected env fallback, got %q, %v", v, err)
	}
	if _, err := m.Get(ctx, KeyGraphPassword); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestManager_Resolve(t *testing.T) {
	t.Setenv("CODERAG_GRAPH_PASSWORD", "neo")
	m, err := NewManager(Config{})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if v, _ := m.Resolve(ctx, KeyGraphPassword, "explicit"); v != "explicit" {
		t.Fatalf("expected configured value to win, got %q", v)
	}
	if v, _ := m.Resolve(ctx, KeyGraphPassword, ""); v != "neo" {
		t.Fatalf("expected resolved value, got %q", v)
	}
	if v, err := m.Resolve(ctx, "unset_secret_key", ""); err != nil || v != "" {
		t.Fatalf("expected empty value without error, got %q, %v", v, err)
	}
}

func TestNewManager_UnknownProvider(t *testing.T) {
	if _, err := NewManager(Config{Provider: "aws"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
