// Package entitygraph maintains the write-side entity cache: versioned
// attribute documents plus typed relationships, scoped per legal entity.
//
// Entities are not the source of truth; they exist so intent handlers can
// enforce business rules and OCC without replaying the log.
package entitygraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ledgermill.io/ledgermill/internal/domain"
	"ledgermill.io/ledgermill/internal/infrastructure"
	apperrors "ledgermill.io/ledgermill/internal/pkg/errors"
)

// Entity is a mutable versioned attribute document.
type Entity struct {
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	LegalEntity string         `json:"legal_entity"`
	Attributes  domain.Payload `json:"attributes"`
	Version     int64          `json:"version"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Relationship is a directed, typed edge between two entities.
type Relationship struct {
	FromType     string         `json:"from_type"`
	FromID       string         `json:"from_id"`
	ToType       string         `json:"to_type"`
	ToID         string         `json:"to_id"`
	RelationType string         `json:"relation_type"`
	Attributes   domain.Payload `json:"attributes,omitempty"`
}

// Graph is the entity store. It exclusively owns entity rows.
type Graph struct {
	pool *pgxpool.Pool
}

// New creates an entity graph backed by the shared pool.
func New(pool *pgxpool.Pool) *Graph {
	return &Graph{pool: pool}
}

const entityColumns = `entity_type, entity_id, legal_entity, attributes, version, created_at, updated_at`

// CreateEntity inserts a new entity at version 1.
func (g *Graph) CreateEntity(ctx context.Context, db infrastructure.DBTX, entityType, entityID string, attrs domain.Payload, legalEntity string) (*Entity, error) {
	if db == nil {
		db = g.pool
	}
	attrsJSON, err := json.Marshal(orEmpty(attrs))
	if err != nil {
		return nil, fmt.Errorf("encode attributes: %w", err)
	}

	e := &Entity{
		EntityType:  entityType,
		EntityID:    entityID,
		LegalEntity: legalEntity,
		Attributes:  orEmpty(attrs),
		Version:     1,
	}
	err = db.QueryRow(ctx, `
		INSERT INTO entities (entity_type, entity_id, legal_entity, attributes, version)
		VALUES ($1, $2, $3, $4, 1)
		RETURNING created_at, updated_at`,
		entityType, entityID, legalEntity, attrsJSON,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, apperrors.Conflict(apperrors.CodeEntityExists,
				fmt.Sprintf("%s %s already exists", entityType, entityID))
		}
		return nil, fmt.Errorf("create entity %s/%s: %w", entityType, entityID, err)
	}
	return e, nil
}

// UpdateEntity replaces attributes with a compare-and-swap on version.
// A stale expected version raises a concurrency-conflict error.
func (g *Graph) UpdateEntity(ctx context.Context, db infrastructure.DBTX, entityType, entityID string, attrs domain.Payload, expectedVersion int64, legalEntity string) (*Entity, error) {
	if db == nil {
		db = g.pool
	}
	attrsJSON, err := json.Marshal(orEmpty(attrs))
	if err != nil {
		return nil, fmt.Errorf("encode attributes: %w", err)
	}

	query := `
		UPDATE entities
		SET attributes = $1, version = version + 1, updated_at = now()
		WHERE entity_type = $2 AND entity_id = $3 AND version = $4`
	args := []any{attrsJSON, entityType, entityID, expectedVersion}
	if legalEntity != "" {
		args = append(args, legalEntity)
		query += ` AND legal_entity = $5`
	}
	query += ` RETURNING ` + entityColumns

	e, err := scanEntity(db.QueryRow(ctx, query, args...))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update entity %s/%s: %w", entityType, entityID, err)
	}

	// Zero rows: distinguish missing entity from stale version.
	current, getErr := g.GetEntity(ctx, db, entityType, entityID, legalEntity)
	if getErr != nil {
		return nil, getErr
	}
	if current == nil {
		return nil, apperrors.ErrEntityNotFoundf(entityType, entityID)
	}
	return nil, apperrors.ErrConcurrencyConflictf(entityID, expectedVersion, current.Version)
}

// GetEntity returns the entity or nil when absent. When legalEntity is set,
// entities of other legal entities are invisible.
func (g *Graph) GetEntity(ctx context.Context, db infrastructure.DBTX, entityType, entityID, legalEntity string) (*Entity, error) {
	if db == nil {
		db = g.pool
	}
	query := `SELECT ` + entityColumns + ` FROM entities WHERE entity_type = $1 AND entity_id = $2`
	args := []any{entityType, entityID}
	if legalEntity != "" {
		args = append(args, legalEntity)
		query += ` AND legal_entity = $3`
	}

	e, err := scanEntity(db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get entity %s/%s: %w", entityType, entityID, err)
	}
	return e, nil
}

// GetEntityByTypeAndAttribute finds one entity whose attribute equals value.
// Used for uniqueness probes (vendor name, SKU, invoice number).
func (g *Graph) GetEntityByTypeAndAttribute(ctx context.Context, db infrastructure.DBTX, entityType, attribute, value, legalEntity string) (*Entity, error) {
	if db == nil {
		db = g.pool
	}
	query := `SELECT ` + entityColumns + ` FROM entities
		WHERE entity_type = $1 AND attributes->>$2 = $3`
	args := []any{entityType, attribute, value}
	if legalEntity != "" {
		args = append(args, legalEntity)
		query += ` AND legal_entity = $4`
	}
	query += ` LIMIT 1`

	e, err := scanEntity(db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get entity by %s.%s: %w", entityType, attribute, err)
	}
	return e, nil
}

// CreateRelationship inserts a directed, typed edge.
func (g *Graph) CreateRelationship(ctx context.Context, db infrastructure.DBTX, rel Relationship) error {
	if db == nil {
		db = g.pool
	}
	attrsJSON, err := json.Marshal(orEmpty(rel.Attributes))
	if err != nil {
		return fmt.Errorf("encode relationship attributes: %w", err)
	}
	_, err = db.Exec(ctx, `
		INSERT INTO entity_relationships (from_type, from_id, to_type, to_id, relation_type, attributes)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rel.FromType, rel.FromID, rel.ToType, rel.ToID, rel.RelationType, attrsJSON,
	)
	if err != nil {
		return fmt.Errorf("create relationship %s: %w", rel.RelationType, err)
	}
	return nil
}

// GetRelatedEntities returns the target entities of edges leaving
// (entityType, entityID) with the given relation type.
func (g *Graph) GetRelatedEntities(ctx context.Context, db infrastructure.DBTX, entityType, entityID, relationType string) ([]*Entity, error) {
	if db == nil {
		db = g.pool
	}
	rows, err := db.Query(ctx, `
		SELECT e.entity_type, e.entity_id, e.legal_entity, e.attributes, e.version, e.created_at, e.updated_at
		FROM entity_relationships r
		JOIN entities e ON e.entity_type = r.to_type AND e.entity_id = r.to_id
		WHERE r.from_type = $1 AND r.from_id = $2 AND r.relation_type = $3
		ORDER BY r.id`,
		entityType, entityID, relationType,
	)
	if err != nil {
		return nil, fmt.Errorf("get related entities for %s/%s: %w", entityType, entityID, err)
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntity(row pgx.Row) (*Entity, error) {
	var (
		e         Entity
		attrsJSON []byte
	)
	if err := row.Scan(&e.EntityType, &e.EntityID, &e.LegalEntity, &attrsJSON, &e.Version, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(attrsJSON, &e.Attributes); err != nil {
		return nil, fmt.Errorf("decode entity attributes: %w", err)
	}
	return &e, nil
}

func orEmpty(p domain.Payload) domain.Payload {
	if p == nil {
		return domain.Payload{}
	}
	return p
}
