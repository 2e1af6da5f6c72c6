// Package qdrant implements vector.Store on a Qdrant collection over gRPC.
package qdrant

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/efebarandurmaz/coderag/internal/chunk"
	"github.com/efebarandurmaz/coderag/internal/faults"
	"github.com/efebarandurmaz/coderag/internal/vector"
)

// pointNamespace scopes the UUIDv5 point ids derived from unit ids.
var pointNamespace = uuid.MustParse("6b1f3c1e-8f7a-4c52-9d0e-2a3c5e7f9b10")

// Store implements vector.Store using Qdrant. Qdrant only accepts integer
// or UUID point ids, so each record id is mapped to a deterministic UUID
// and the textual id is kept in the unitId payload field.
type Store struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
}

// New connects to Qdrant at addr (host:port of the gRPC API).
func New(addr, collection string) (*Store, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant: dial %s: %w", addr, err)
	}
	s := newStore(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection)
	s.conn = conn
	return s, nil
}

func newStore(points pb.PointsClient, collections pb.CollectionsClient, collection string) *Store {
	return &Store{points: points, collections: collections, collection: collection}
}

// PointID returns the Qdrant point id for a record id of a repository.
// The repository id is part of the key, so equal record ids from
// different repositories never share a point.
func PointID(repositoryID, id string) string {
	return uuid.NewSHA1(pointNamespace, []byte(repositoryID+"\x00"+id)).String()
}

func (s *Store) Backend() string { return "qdrant" }

// Ping checks that the collections API answers.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.collections.List(ctx, &pb.ListCollectionsRequest{}); err != nil {
		return fmt.Errorf("qdrant: ping: %w", classify(err))
	}
	return nil
}

// EnsureCollection creates the collection with cosine distance if it does
// not exist yet. Also creates a keyword index on repositoryId.
func (s *Store) EnsureCollection(ctx context.Context, dims int) error {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("qdrant: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == s.collection {
			return nil
		}
	}

	if dims <= 0 {
		return fmt.Errorf("qdrant: create collection %s: dimensions must be positive", s.collection)
	}
	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant: create collection %s: %w", s.collection, err)
	}

	wait := true
	fieldType := pb.FieldType_FieldTypeKeyword
	_, err = s.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
		CollectionName: s.collection,
		Wait:           &wait,
		FieldName:      chunk.KeyRepositoryID,
		FieldType:      &fieldType,
	})
	if err != nil {
		return fmt.Errorf("qdrant: index %s: %w", chunk.KeyRepositoryID, err)
	}
	return nil
}

// CollectionDims returns the vector size of the existing collection.
// ok is false when the collection does not exist yet.
func (s *Store) CollectionDims(ctx context.Context) (dims int, ok bool, err error) {
	resp, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: s.collection})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("qdrant: collection info %s: %w", s.collection, classify(err))
	}
	size := resp.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()
	if size == 0 {
		return 0, false, fmt.Errorf("qdrant: collection %s has no single unnamed vector config", s.collection)
	}
	return int(size), true, nil
}

func (s *Store) Upsert(ctx context.Context, records []vector.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := vector.ValidateRecords(records); err != nil {
		return err
	}

	points := make([]*pb.PointStruct, len(records))
	for i, r := range records {
		points[i] = &pb.PointStruct{
			Id: pointID(r.RepositoryID(), r.ID),
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: r.Values}},
			},
			Payload: payload(r),
		}
	}

	wait := true
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert %d points: %w", len(records), classify(err))
	}
	return nil
}

func (s *Store) Query(ctx context.Context, values []float32, filter vector.Filter, topK int) ([]vector.Match, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, fmt.Errorf("qdrant: topK must be positive, got %d", topK)
	}

	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         values,
		Limit:          uint64(topK),
		Filter:         repositoryFilter(filter.RepositoryID),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search: %w", classify(err))
	}

	matches := make([]vector.Match, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		matches = append(matches, toMatch(p))
	}
	return matches, nil
}

// scrollPage is the number of points fetched per scroll request.
const scrollPage = 256

// UnitIDs returns the record ids stored for a repository, read from the
// unitId payload of every point in the repository.
func (s *Store) UnitIDs(ctx context.Context, repositoryID string) ([]string, error) {
	if repositoryID == "" {
		return nil, vector.ErrMissingRepository
	}
	limit := uint32(scrollPage)
	req := &pb.ScrollPoints{
		CollectionName: s.collection,
		Filter:         repositoryFilter(repositoryID),
		Limit:          &limit,
		WithPayload: &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Include{
			Include: &pb.PayloadIncludeSelector{Fields: []string{chunk.KeyUnitID}},
		}},
	}
	var ids []string
	for {
		resp, err := s.points.Scroll(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("qdrant: scroll %s: %w", repositoryID, classify(err))
		}
		for _, p := range resp.GetResult() {
			if id := p.GetPayload()[chunk.KeyUnitID].GetStringValue(); id != "" {
				ids = append(ids, id)
			}
		}
		next := resp.GetNextPageOffset()
		if next == nil {
			break
		}
		req.Offset = next
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes points by record id. Ids are scoped to the repository via
// a combined id and payload filter so a foreign id is never removed.
func (s *Store) Delete(ctx context.Context, repositoryID string, ids []string) error {
	if repositoryID == "" {
		return vector.ErrMissingRepository
	}
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = pointID(repositoryID, id)
	}
	f := repositoryFilter(repositoryID)
	f.Must = append(f.Must, &pb.Condition{
		ConditionOneOf: &pb.Condition_HasId{HasId: &pb.HasIdCondition{HasId: pointIDs}},
	})
	return s.deleteByFilter(ctx, f, fmt.Sprintf("%d points", len(ids)))
}

// DeleteRepository removes every point of a repository.
func (s *Store) DeleteRepository(ctx context.Context, repositoryID string) error {
	if repositoryID == "" {
		return vector.ErrMissingRepository
	}
	return s.deleteByFilter(ctx, repositoryFilter(repositoryID), "repository "+repositoryID)
}

func (s *Store) deleteByFilter(ctx context.Context, f *pb.Filter, what string) error {
	wait := true
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: f},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete %s: %w", what, classify(err))
	}
	return nil
}

// Close closes the underlying gRPC connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// classify marks credential rejections so jobs stop retrying them.
func classify(err error) error {
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		return faults.Unauthorized(err)
	}
	return err
}

func pointID(repositoryID, id string) *pb.PointId {
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(repositoryID, id)}}
}

func payload(r vector.Record) map[string]*pb.Value {
	p := make(map[string]*pb.Value, len(r.Metadata)+1)
	for k, v := range r.Metadata {
		p[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
	}
	p[chunk.KeyUnitID] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: r.ID}}
	return p
}

func toMatch(p *pb.ScoredPoint) vector.Match {
	meta := make(map[string]string, len(p.GetPayload()))
	for k, v := range p.GetPayload() {
		meta[k] = v.GetStringValue()
	}
	id := meta[chunk.KeyUnitID]
	if id == "" {
		id = p.GetId().GetUuid()
	}
	return vector.Match{ID: id, Score: p.GetScore(), Metadata: meta}
}

func repositoryFilter(repositoryID string) *pb.Filter {
	return &pb.Filter{
		Must: []*pb.Condition{{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key:   chunk.KeyRepositoryID,
					Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: repositoryID}},
				},
			},
		}},
	}
}

var _ vector.Store = (*Store)(nil)
