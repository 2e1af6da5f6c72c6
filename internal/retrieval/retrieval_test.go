package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"testing"

	"github.com/efebarandurmaz/coderag/internal/chunk"
	"github.com/efebarandurmaz/coderag/internal/faults"
	"github.com/efebarandurmaz/coderag/internal/index"
	"github.com/efebarandurmaz/coderag/internal/observability"
	"github.com/efebarandurmaz/coderag/internal/vector"
)

// keywordEmbedder maps text onto a fixed vocabulary so similarity follows
// shared words.
type keywordEmbedder struct {
	vocab []string
	err   error
}

func (k *keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if k.err != nil {
		return nil, k.err
	}
	v := make([]float32, len(k.vocab)+1)
	v[len(k.vocab)] = 0.01
	for i, w := range k.vocab {
		v[i] = float32(strings.Count(text, w))
	}
	return v, nil
}

// stubStore returns canned matches.
type stubStore struct {
	*vector.MemoryStore
	matches []vector.Match
	err     error
}

func (s *stubStore) Query(context.Context, []float32, vector.Filter, int) ([]vector.Match, error) {
	return s.matches, s.err
}

func quiet() []Option {
	return []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(observability.NewMetrics()),
	}
}

func indexFiles(t *testing.T, emb index.Embedder, store vector.Store, repo string, files []chunk.FileRecord) {
	t.Helper()
	p := index.New(emb, store, index.Config{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: observability.NewMetrics(),
	})
	if _, err := p.IndexRepository(context.Background(), repo, files, index.RunOptions{}); err != nil {
		t.Fatal(err)
	}
}

func TestRetrieve_EndToEnd(t *testing.T) {
	emb := &keywordEmbedder{vocab: []string{"hello", "world"}}
	store := vector.NewMemoryStore()
	indexFiles(t, emb, store, "r1", []chunk.FileRecord{
		{Path: "a.txt", Content: "hello"},
		{Path: "b/c.txt", Content: "world"},
	})

	s := New(emb, store, quiet()...)
	got, err := s.Retrieve(context.Background(), "world", "r1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "File: b/c.txt\n\nworld" {
		t.Fatalf("unexpected result %q", got)
	}
}

func TestRetrieve_FewerThanTopK(t *testing.T) {
	emb := &keywordEmbedder{vocab: []string{"a", "b"}}
	store := vector.NewMemoryStore()
	indexFiles(t, emb, store, "r1", []chunk.FileRecord{
		{Path: "1.txt", Content: "a"},
		{Path: "2.txt", Content: "b"},
		{Path: "3.txt", Content: "ab"},
	})

	got, err := New(emb, store, quiet()...).Retrieve(context.Background(), "a", "r1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 results, got %d", len(got))
	}
}

func TestRetrieve_DefaultTopK(t *testing.T) {
	emb := &keywordEmbedder{vocab: []string{"x"}}
	store := vector.NewMemoryStore()
	var files []chunk.FileRecord
	for i := 0; i < 12; i++ {
		files = append(files, chunk.FileRecord{Path: fmt.Sprintf("f%d.txt", i), Content: "x"})
	}
	indexFiles(t, emb, store, "r1", files)

	for _, k := range []int{0, -3} {
		got, err := New(emb, store, quiet()...).Retrieve(context.Background(), "x", "r1", k)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != DefaultTopK {
			t.Errorf("topK=%d: expected %d results, got %d", k, DefaultTopK, len(got))
		}
	}

	opts := append(quiet(), WithDefaultTopK(2))
	got, _ := New(emb, store, opts...).Retrieve(context.Background(), "x", "r1", 0)
	if len(got) != 2 {
		t.Errorf("expected configured default 2, got %d", len(got))
	}
}

func TestRetrieve_RepositoryIsolation(t *testing.T) {
	emb := &keywordEmbedder{vocab: []string{"alpha", "beta", "gamma", "delta"}}
	store := vector.NewMemoryStore()
	rng := rand.New(rand.NewSource(42))
	repos := []string{"r1", "r2", "r3"}

	for _, repo := range repos {
		var files []chunk.FileRecord
		for i := 0; i < 20; i++ {
			w := emb.vocab[rng.Intn(len(emb.vocab))]
			files = append(files, chunk.FileRecord{Path: fmt.Sprintf("%d.txt", i), Content: repo + " " + w})
		}
		indexFiles(t, emb, store, repo, files)
	}

	s := New(emb, store, quiet()...)
	for i := 0; i < 100; i++ {
		repo := repos[rng.Intn(len(repos))]
		query := emb.vocab[rng.Intn(len(emb.vocab))]
		got, err := s.Retrieve(context.Background(), query, repo, 1+rng.Intn(30))
		if err != nil {
			t.Fatal(err)
		}
		for _, content := range got {
			if !strings.Contains(content, "\n\n"+repo+" ") {
				t.Fatalf("query on %s returned %q", repo, content)
			}
		}
	}
}

func TestRetrieve_DropsForeignAndEmpty(t *testing.T) {
	store := &stubStore{MemoryStore: vector.NewMemoryStore(), matches: []vector.Match{
		{ID: "1", Metadata: map[string]string{chunk.KeyRepositoryID: "r2", chunk.KeyContent: "leak"}},
		{ID: "2", Metadata: map[string]string{chunk.KeyRepositoryID: "r1", chunk.KeyContent: ""}},
		{ID: "3", Metadata: map[string]string{chunk.KeyRepositoryID: "r1", chunk.KeyContent: "kept"}},
		{ID: "4", Metadata: map[string]string{chunk.KeyContent: "no owner"}},
	}}
	got, err := New(&keywordEmbedder{vocab: []string{"q"}}, store, quiet()...).Retrieve(context.Background(), "q", "r1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "kept" {
		t.Fatalf("unexpected result %q", got)
	}
}

func TestRetrieve_Errors(t *testing.T) {
	tests := []struct {
		name    string
		emb     *keywordEmbedder
		store   *stubStore
		repo    string
		wantEmb bool
	}{
		{
			name:    "embedding failure",
			emb:     &keywordEmbedder{err: errors.New("timeout")},
			store:   &stubStore{MemoryStore: vector.NewMemoryStore()},
			repo:    "r1",
			wantEmb: true,
		},
		{
			name:  "query failure",
			emb:   &keywordEmbedder{vocab: []string{"q"}},
			store: &stubStore{MemoryStore: vector.NewMemoryStore(), err: errors.New("connection refused")},
			repo:  "r1",
		},
		{
			name:  "missing repository",
			emb:   &keywordEmbedder{vocab: []string{"q"}},
			store: &stubStore{MemoryStore: vector.NewMemoryStore()},
			repo:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.emb, tt.store, quiet()...).Retrieve(context.Background(), "q", tt.repo, 5)
			var ee *faults.EmbeddingError
			var qe *faults.StoreQueryError
			if tt.wantEmb {
				if !errors.As(err, &ee) {
					t.Fatalf("expected EmbeddingError, got %v", err)
				}
				return
			}
			if !errors.As(err, &qe) {
				t.Fatalf("expected StoreQueryError, got %v", err)
			}
		})
	}
}

func TestRetrieve_EmptyStore(t *testing.T) {
	got, err := New(&keywordEmbedder{vocab: []string{"q"}}, vector.NewMemoryStore(), quiet()...).Retrieve(context.Background(), "q", "r1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no results, got %q", got)
	}
}
