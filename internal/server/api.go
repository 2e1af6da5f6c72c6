package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/efebarandurmaz/coderag/internal/faults"
	"github.com/efebarandurmaz/coderag/internal/ingest"
	"github.com/efebarandurmaz/coderag/internal/observability"
	"github.com/efebarandurmaz/coderag/internal/vector"
)

const maxBodyBytes = 1 << 20

// Jobs enqueues and inspects indexing work.
type Jobs interface {
	Enqueue(ctx context.Context, ev ingest.ChangeEvent) (string, error)
	Status(ctx context.Context, repositoryID string) (*ingest.Status, error)
	Purge(ctx context.Context, repositoryID string) error
}

// Retriever answers context queries.
type Retriever interface {
	Retrieve(ctx context.Context, query, repositoryID string, topK int) ([]string, error)
}

// API serves the repository endpoints under /v1.
type API struct {
	jobs      Jobs
	retriever Retriever
	log       *slog.Logger
	audit     *observability.AuditLogger
}

// NewAPI creates the API. A nil retriever disables search.
func NewAPI(jobs Jobs, retriever Retriever, log *slog.Logger) *API {
	if log == nil {
		log = slog.Default()
	}
	return &API{jobs: jobs, retriever: retriever, log: log}
}

// WithAudit records enqueue, search and purge requests to l.
func (a *API) WithAudit(l *observability.AuditLogger) *API {
	a.audit = l
	return a
}

// Register adds the API routes to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/repositories/{id}/index", a.handleIndex)
	mux.HandleFunc("PUT /v1/repositories/{id}/index", a.handleIndexPaths)
	mux.HandleFunc("GET /v1/repositories/{id}/index", a.handleStatus)
	mux.HandleFunc("POST /v1/repositories/{id}/search", a.handleSearch)
	mux.HandleFunc("DELETE /v1/repositories/{id}", a.handlePurge)
}

type indexRequest struct {
	Paths []string `json:"paths"`
}

type indexResponse struct {
	RepositoryID string `json:"repositoryId"`
	RunID        string `json:"runId"`
}

type searchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"topK"`
}

type searchResponse struct {
	RepositoryID string   `json:"repositoryId"`
	Results      []string `json:"results"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *API) handleIndex(w http.ResponseWriter, r *http.Request) {
	a.enqueue(w, r, ingest.ChangeEvent{RepositoryID: r.PathValue("id")})
}

func (a *API) handleIndexPaths(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Paths) == 0 {
		writeError(w, http.StatusBadRequest, "paths must not be empty")
		return
	}
	a.enqueue(w, r, ingest.ChangeEvent{RepositoryID: r.PathValue("id"), Paths: req.Paths})
}

func (a *API) enqueue(w http.ResponseWriter, r *http.Request, ev ingest.ChangeEvent) {
	runID, err := a.jobs.Enqueue(r.Context(), ev)
	a.audit.IndexEnqueued(ev.RepositoryID, runID, len(ev.Paths), err)
	if err != nil {
		a.fail(w, "enqueue", err)
		return
	}
	writeJSON(w, http.StatusAccepted, indexResponse{RepositoryID: ev.RepositoryID, RunID: runID})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.jobs.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	if a.retriever == nil {
		writeError(w, http.StatusNotImplemented, "search is not enabled")
		return
	}
	var req searchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query must not be empty")
		return
	}
	repo := r.PathValue("id")
	start := time.Now()
	results, err := a.retriever.Retrieve(r.Context(), req.Query, repo, req.TopK)
	a.audit.Search(repo, req.TopK, len(results), time.Since(start), err)
	if err != nil {
		a.fail(w, "search", err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{RepositoryID: repo, Results: results})
}

func (a *API) handlePurge(w http.ResponseWriter, r *http.Request) {
	repo := r.PathValue("id")
	err := a.jobs.Purge(r.Context(), repo)
	a.audit.Purged(repo, err)
	if err != nil {
		a.fail(w, "purge", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps domain errors onto HTTP status codes.
func (a *API) fail(w http.ResponseWriter, op string, err error) {
	var (
		embErr   *faults.EmbeddingError
		queryErr *faults.StoreQueryError
		status   = http.StatusInternalServerError
	)
	switch {
	case errors.Is(err, ingest.ErrNoJob):
		status = http.StatusNotFound
	case errors.Is(err, vector.ErrUnfilteredQuery), errors.Is(err, vector.ErrMissingRepository):
		status = http.StatusBadRequest
	case errors.Is(err, faults.ErrUnauthorized), errors.As(err, &embErr):
		status = http.StatusBadGateway
	case errors.As(err, &queryErr):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status >= 500 {
		a.log.Error(op+" failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
