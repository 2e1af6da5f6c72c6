// Package neo4j implements ledger.Ledger on Neo4j.
//
// Graph shape: (:Repository {id})-[:HAS_UNIT]->(:IndexUnit {repositoryId, id}).
package neo4j

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/efebarandurmaz/coderag/internal/ledger"
)

// Ledger implements ledger.Ledger using Neo4j.
type Ledger struct {
	driver   neo4j.DriverWithContext
	database string
}

// New connects to Neo4j and verifies connectivity.
func New(ctx context.Context, uri, username, password, database string) (*Ledger, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	return &Ledger{driver: driver, database: database}, nil
}

// Ping verifies the driver can still reach the server.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.driver.VerifyConnectivity(ctx)
}

// EnsureSchema creates the uniqueness constraints used by MERGE.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	for _, q := range []string{
		"CREATE CONSTRAINT repository_id IF NOT EXISTS FOR (r:Repository) REQUIRE r.id IS UNIQUE",
		"CREATE CONSTRAINT index_unit_id IF NOT EXISTS FOR (u:IndexUnit) REQUIRE (u.repositoryId, u.id) IS UNIQUE",
	} {
		if err := l.write(ctx, q, nil); err != nil {
			return fmt.Errorf("neo4j schema: %w", err)
		}
	}
	return nil
}

func (l *Ledger) session(ctx context.Context) neo4j.SessionWithContext {
	return l.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: l.database})
}

func (l *Ledger) write(ctx context.Context, cypher string, params map[string]any) error {
	session := l.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, cypher, params)
		return nil, err
	})
	return err
}

func (l *Ledger) Units(ctx context.Context, repositoryID string) ([]string, error) {
	session := l.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx,
			"MATCH (:Repository {id: $repo})-[:HAS_UNIT]->(u:IndexUnit) RETURN u.id AS id ORDER BY id",
			map[string]any{"repo": repositoryID})
		if err != nil {
			return nil, err
		}
		var ids []string
		for records.Next(ctx) {
			id, _ := records.Record().Get("id")
			if s, ok := id.(string); ok {
				ids = append(ids, s)
			}
		}
		return ids, records.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("ledger units %s: %w", repositoryID, err)
	}
	ids, _ := result.([]string)
	return ids, nil
}

func (l *Ledger) Record(ctx context.Context, repositoryID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := l.write(ctx,
		"MERGE (r:Repository {id: $repo}) SET r.indexedAt = datetime() "+
			"WITH r UNWIND $ids AS id "+
			"MERGE (u:IndexUnit {repositoryId: $repo, id: id}) "+
			"MERGE (r)-[:HAS_UNIT]->(u)",
		map[string]any{"repo": repositoryID, "ids": ids})
	if err != nil {
		return fmt.Errorf("ledger record %s: %w", repositoryID, err)
	}
	return nil
}

func (l *Ledger) Forget(ctx context.Context, repositoryID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := l.write(ctx,
		"MATCH (u:IndexUnit {repositoryId: $repo}) WHERE u.id IN $ids DETACH DELETE u",
		map[string]any{"repo": repositoryID, "ids": ids})
	if err != nil {
		return fmt.Errorf("ledger forget %s: %w", repositoryID, err)
	}
	return nil
}

func (l *Ledger) Purge(ctx context.Context, repositoryID string) error {
	err := l.write(ctx,
		"OPTIONAL MATCH (u:IndexUnit {repositoryId: $repo}) DETACH DELETE u "+
			"WITH count(*) AS removed "+
			"OPTIONAL MATCH (r:Repository {id: $repo}) DETACH DELETE r",
		map[string]any{"repo": repositoryID})
	if err != nil {
		return fmt.Errorf("ledger purge %s: %w", repositoryID, err)
	}
	return nil
}

func (l *Ledger) Close(ctx context.Context) error {
	return l.driver.Close(ctx)
}

var _ ledger.Ledger = (*Ledger)(nil)
