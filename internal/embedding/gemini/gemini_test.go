package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/efebarandurmaz/coderag/internal/faults"
)

func TestClient_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/text-embedding-004:batchEmbedContents" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "g-key" {
			t.Errorf("missing api key header")
		}
		var body struct {
			Requests []struct {
				Model   string `json:"model"`
				Content struct {
					Parts []struct {
						Text string `json:"text"`
					} `json:"parts"`
				} `json:"content"`
			} `json:"requests"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if len(body.Requests) != 1 || body.Requests[0].Model != "models/text-embedding-004" {
			t.Errorf("unexpected request %+v", body)
		}
		if body.Requests[0].Content.Parts[0].Text != "hello" {
			t.Errorf("unexpected text %+v", body.Requests[0].Content)
		}
		w.Write([]byte(`{"embeddings":[{"values":[0.5,0.25]}]}`))
	}))
	defer srv.Close()

	c := New("g-key", "models/text-embedding-004", srv.URL+"/")
	vecs, err := c.Embed(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != 1 || len(vecs[0]) != 2 || vecs[0][0] != 0.5 {
		t.Fatalf("unexpected vectors %v", vecs)
	}
}

func TestClient_Forbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := New("k", "", srv.URL).Embed(context.Background(), []string{"a"})
	if !errors.Is(err, faults.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New("k", "", srv.URL).Embed(context.Background(), []string{"a"})
	if err == nil || errors.Is(err, faults.ErrUnauthorized) {
		t.Fatalf("expected plain server error, got %v", err)
	}
	if !faults.Retryable(err) {
		t.Error("expected 500 to be retryable")
	}
}
