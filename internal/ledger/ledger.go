// Package ledger tracks which index units each repository currently has in
// the vector store, so stale vectors can be pruned after a full run.
package ledger

import (
	"context"
	"sort"
	"sync"
)

// Ledger records indexed unit ids per repository.
type Ledger interface {
	// Units returns the unit ids recorded for a repository, sorted.
	Units(ctx context.Context, repositoryID string) ([]string, error)
	// Record adds unit ids for a repository.
	Record(ctx context.Context, repositoryID string, ids []string) error
	// Forget removes unit ids from a repository.
	Forget(ctx context.Context, repositoryID string, ids []string) error
	// Purge removes the repository and all its units.
	Purge(ctx context.Context, repositoryID string) error
	// Close releases resources.
	Close(ctx context.Context) error
}

// Stale returns the ids in known that are not in current, preserving the
// order of known.
func Stale(known, current []string) []string {
	keep := make(map[string]struct{}, len(current))
	for _, id := range current {
		keep[id] = struct{}{}
	}
	var stale []string
	for _, id := range known {
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
	}
	return stale
}

// Memory is an in-process Ledger.
type Memory struct {
	mu    sync.Mutex
	repos map[string]map[string]struct{}
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{repos: make(map[string]map[string]struct{})}
}

func (m *Memory) Units(_ context.Context, repositoryID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.repos[repositoryID]))
	for id := range m.repos[repositoryID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) Record(_ context.Context, repositoryID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.repos[repositoryID]
	if !ok {
		set = make(map[string]struct{}, len(ids))
		m.repos[repositoryID] = set
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return nil
}

func (m *Memory) Forget(_ context.Context, repositoryID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.repos[repositoryID], id)
	}
	return nil
}

func (m *Memory) Purge(_ context.Context, repositoryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.repos, repositoryID)
	return nil
}

func (m *Memory) Close(context.Context) error { return nil }

// UnitLister lists the unit ids a vector store holds for a repository.
type UnitLister interface {
	UnitIDs(ctx context.Context, repositoryID string) ([]string, error)
}

// StoreBacked is a Ledger that reads known units straight from the vector
// store. The store is the record, so Record, Forget and Purge do nothing
// and a new process sees the units written by earlier ones.
type StoreBacked struct {
	store UnitLister
}

// FromStore returns a Ledger backed by store.
func FromStore(store UnitLister) *StoreBacked {
	return &StoreBacked{store: store}
}

func (s *StoreBacked) Units(ctx context.Context, repositoryID string) ([]string, error) {
	ids, err := s.store.UnitIDs(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *StoreBacked) Record(context.Context, string, []string) error { return nil }

func (s *StoreBacked) Forget(context.Context, string, []string) error { return nil }

func (s *StoreBacked) Purge(context.Context, string) error { return nil }

func (s *StoreBacked) Close(context.Context) error { return nil }

var (
	_ Ledger = (*Memory)(nil)
	_ Ledger = (*StoreBacked)(nil)
)
