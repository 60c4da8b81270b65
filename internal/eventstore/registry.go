package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ledgermill.io/ledgermill/internal/domain"
	apperrors "ledgermill.io/ledgermill/internal/pkg/errors"
)

// EventTypeInfo describes one registered event type version.
type EventTypeInfo struct {
	TypeName      string          `json:"type_name"`
	SchemaVersion int             `json:"schema_version"`
	JSONSchema    json.RawMessage `json:"json_schema"`
	Description   string          `json:"description,omitempty"`
}

// Registry stores named, versioned JSON Schemas for event payloads.
// Validation is permissive for unregistered types.
type Registry struct {
	pool *pgxpool.Pool

	mu       sync.RWMutex
	compiled map[string]*openapi3.Schema
}

// NewRegistry creates an event type registry backed by the shared pool.
func NewRegistry(pool *pgxpool.Pool) *Registry {
	return &Registry{
		pool:     pool,
		compiled: make(map[string]*openapi3.Schema),
	}
}

// Register stores (or replaces) a schema for a type version. The schema must
// compile; invalid documents are rejected up front rather than at append time.
func (r *Registry) Register(ctx context.Context, info EventTypeInfo) error {
	if info.TypeName == "" {
		return apperrors.BadRequest(apperrors.CodeValidationFailed, "type_name is required")
	}
	if info.SchemaVersion < 1 {
		info.SchemaVersion = 1
	}
	if _, err := compileSchema(info.JSONSchema); err != nil {
		return apperrors.Wrap(err, apperrors.CodeValidationFailed,
			"json_schema does not compile", 400)
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_types (type_name, schema_version, json_schema, description)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (type_name, schema_version)
		DO UPDATE SET json_schema = EXCLUDED.json_schema, description = EXCLUDED.description`,
		info.TypeName, info.SchemaVersion, []byte(info.JSONSchema), info.Description,
	)
	if err != nil {
		return fmt.Errorf("register event type %s v%d: %w", info.TypeName, info.SchemaVersion, err)
	}

	r.mu.Lock()
	delete(r.compiled, schemaKey(info.TypeName, info.SchemaVersion))
	r.mu.Unlock()
	return nil
}

// GetSchema returns the registered schema, or ErrNotFound.
func (r *Registry) GetSchema(ctx context.Context, typeName string, schemaVersion int) (*EventTypeInfo, error) {
	var info EventTypeInfo
	var raw []byte
	err := r.pool.QueryRow(ctx, `
		SELECT type_name, schema_version, json_schema, description
		FROM event_types WHERE type_name = $1 AND schema_version = $2`,
		typeName, schemaVersion,
	).Scan(&info.TypeName, &info.SchemaVersion, &raw, &info.Description)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.NotFound(apperrors.CodeEventTypeNotFound,
				fmt.Sprintf("event type %s v%d is not registered", typeName, schemaVersion))
		}
		return nil, fmt.Errorf("get event type %s v%d: %w", typeName, schemaVersion, err)
	}
	info.JSONSchema = raw
	return &info, nil
}

// ListVersions returns registered schema versions for a type, ascending.
func (r *Registry) ListVersions(ctx context.Context, typeName string) ([]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT schema_version FROM event_types
		WHERE type_name = $1 ORDER BY schema_version`, typeName)
	if err != nil {
		return nil, fmt.Errorf("list versions for %s: %w", typeName, err)
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// ListTypes returns every registered type version.
func (r *Registry) ListTypes(ctx context.Context) ([]EventTypeInfo, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT type_name, schema_version, json_schema, description
		FROM event_types ORDER BY type_name, schema_version`)
	if err != nil {
		return nil, fmt.Errorf("list event types: %w", err)
	}
	defer rows.Close()

	var out []EventTypeInfo
	for rows.Next() {
		var info EventTypeInfo
		var raw []byte
		if err := rows.Scan(&info.TypeName, &info.SchemaVersion, &raw, &info.Description); err != nil {
			return nil, err
		}
		info.JSONSchema = raw
		out = append(out, info)
	}
	return out, rows.Err()
}

// Validate checks data against the registered schema for (type, version).
// Unregistered types pass. A failing payload yields a validation AppError.
func (r *Registry) Validate(ctx context.Context, typeName string, schemaVersion int, data domain.Payload) error {
	if schemaVersion < 1 {
		schemaVersion = 1
	}
	schema, err := r.compiledSchema(ctx, typeName, schemaVersion)
	if err != nil {
		return err
	}
	if schema == nil {
		return nil
	}
	if err := schema.VisitJSON(map[string]interface{}(data)); err != nil {
		return apperrors.Wrap(err, apperrors.CodeEventSchemaInvalid,
			fmt.Sprintf("payload does not match schema for %s v%d", typeName, schemaVersion), 400)
	}
	return nil
}

// compiledSchema returns the cached compiled schema, loading it on miss.
// A nil schema with nil error means the type is unregistered.
func (r *Registry) compiledSchema(ctx context.Context, typeName string, schemaVersion int) (*openapi3.Schema, error) {
	key := schemaKey(typeName, schemaVersion)

	r.mu.RLock()
	schema, ok := r.compiled[key]
	r.mu.RUnlock()
	if ok {
		return schema, nil
	}

	var raw []byte
	err := r.pool.QueryRow(ctx, `
		SELECT json_schema FROM event_types
		WHERE type_name = $1 AND schema_version = $2`,
		typeName, schemaVersion,
	).Scan(&raw)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load schema %s: %w", key, err)
	}

	schema, err = compileSchema(raw)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", key, err)
	}

	r.mu.Lock()
	r.compiled[key] = schema
	r.mu.Unlock()
	return schema, nil
}

func compileSchema(raw json.RawMessage) (*openapi3.Schema, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty schema document")
	}
	var schema openapi3.Schema
	if err := schema.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return &schema, nil
}

func schemaKey(typeName string, schemaVersion int) string {
	return fmt.Sprintf("%s:%d", typeName, schemaVersion)
}
