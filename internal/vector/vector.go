// Package vector defines the repository-partitioned vector store used for
// indexing and retrieval.
package vector

import (
	"context"
	"errors"
	"fmt"

	"github.com/efebarandurmaz/coderag/internal/chunk"
)

var (
	// ErrUnfilteredQuery is returned when a query has no repository filter.
	ErrUnfilteredQuery = errors.New("vector: query requires a repository filter")
	// ErrMissingRepository is returned when a record or delete request has
	// no repository id.
	ErrMissingRepository = errors.New("vector: missing repository id")
)

// Record is one vector with its payload. Upserting an existing ID
// replaces it.
type Record struct {
	ID       string
	Values   []float32
	Metadata map[string]string
}

// RepositoryID returns the repository the record belongs to.
func (r Record) RepositoryID() string {
	return r.Metadata[chunk.KeyRepositoryID]
}

// Match is a single query result.
type Match struct {
	ID       string
	Score    float32
	Metadata map[string]string
}

// Filter restricts a query to one repository.
type Filter struct {
	RepositoryID string
}

// Validate reports ErrUnfilteredQuery for an empty filter.
func (f Filter) Validate() error {
	if f.RepositoryID == "" {
		return ErrUnfilteredQuery
	}
	return nil
}

// Store is a nearest-neighbour index partitioned by repository id.
type Store interface {
	// Upsert inserts or replaces records by ID.
	Upsert(ctx context.Context, records []Record) error
	// Query returns at most topK matches inside the filter, best first.
	Query(ctx context.Context, values []float32, filter Filter, topK int) ([]Match, error)
	// Delete removes the given record ids of one repository.
	Delete(ctx context.Context, repositoryID string, ids []string) error
	// DeleteRepository removes every record of a repository.
	DeleteRepository(ctx context.Context, repositoryID string) error
	// Backend names the implementation, e.g. "qdrant".
	Backend() string
	// Close releases resources.
	Close() error
}

// ValidateRecords checks that every record carries an id, values and a
// repository id.
func ValidateRecords(records []Record) error {
	for i, r := range records {
		switch {
		case r.ID == "":
			return fmt.Errorf("vector: record %d has no id", i)
		case len(r.Values) == 0:
			return fmt.Errorf("vector: record %s has no values", r.ID)
		case r.RepositoryID() == "":
			return fmt.Errorf("record %s: %w", r.ID, ErrMissingRepository)
		}
	}
	return nil
}
