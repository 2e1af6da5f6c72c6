package vector

import (
	"context"
	"fmt"
	"maps"
	"math"
	"sort"
	"sync"
)

// memKey scopes record ids to their repository.
type memKey struct {
	repositoryID string
	id           string
}

type memEntry struct {
	record Record
	seq    uint64
}

// MemoryStore is an in-process Store using cosine similarity. Ties are
// broken by insertion order.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[memKey]*memEntry
	seq     uint64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[memKey]*memEntry)}
}

func (s *MemoryStore) Backend() string { return "memory" }

func (s *MemoryStore) Upsert(ctx context.Context, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateRecords(records); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		rec := Record{
			ID:       r.ID,
			Values:   append([]float32(nil), r.Values...),
			Metadata: maps.Clone(r.Metadata),
		}
		k := memKey{repositoryID: r.RepositoryID(), id: r.ID}
		if e, ok := s.entries[k]; ok {
			e.record = rec
			continue
		}
		s.seq++
		s.entries[k] = &memEntry{record: rec, seq: s.seq}
	}
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, values []float32, filter Filter, topK int) ([]Match, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, fmt.Errorf("vector: topK must be positive, got %d", topK)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type scored struct {
		e     *memEntry
		score float32
	}
	s.mu.RLock()
	var hits []scored
	for _, e := range s.entries {
		if e.record.RepositoryID() != filter.RepositoryID {
			continue
		}
		hits = append(hits, scored{e: e, score: Cosine(values, e.record.Values)})
	}
	s.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].e.seq < hits[j].e.seq
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}

	matches := make([]Match, len(hits))
	for i, h := range hits {
		matches[i] = Match{ID: h.e.record.ID, Score: h.score, Metadata: maps.Clone(h.e.record.Metadata)}
	}
	return matches, nil
}

func (s *MemoryStore) Delete(ctx context.Context, repositoryID string, ids []string) error {
	if repositoryID == "" {
		return ErrMissingRepository
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.entries, memKey{repositoryID: repositoryID, id: id})
	}
	return nil
}

func (s *MemoryStore) DeleteRepository(ctx context.Context, repositoryID string) error {
	if repositoryID == "" {
		return ErrMissingRepository
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.entries {
		if k.repositoryID == repositoryID {
			delete(s.entries, k)
		}
	}
	return nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Get returns a copy of the record with the given id in a repository.
func (s *MemoryStore) Get(repositoryID, id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[memKey{repositoryID: repositoryID, id: id}]
	if !ok {
		return Record{}, false
	}
	return Record{ID: e.record.ID, Values: append([]float32(nil), e.record.Values...), Metadata: maps.Clone(e.record.Metadata)}, true
}

// UnitIDs returns the record ids stored for a repository, sorted.
func (s *MemoryStore) UnitIDs(ctx context.Context, repositoryID string) ([]string, error) {
	if repositoryID == "" {
		return nil, ErrMissingRepository
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for k := range s.entries {
		if k.repositoryID == repositoryID {
			ids = append(ids, k.id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Close() error { return nil }

// Cosine returns the cosine similarity of a and b, or 0 when the lengths
// differ or either vector is zero.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

var _ Store = (*MemoryStore)(nil)
