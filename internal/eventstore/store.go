// Package eventstore implements the append-only, totally-ordered event log.
//
// Events are immutable once appended. Idempotency by external key, optimistic
// concurrency against the subject entity, and schema validation all happen
// inside Append; a pg_notify on the append channel wakes subscribers after
// commit.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ledgermill.io/ledgermill/internal/domain"
	"ledgermill.io/ledgermill/internal/infrastructure"
	apperrors "ledgermill.io/ledgermill/internal/pkg/errors"
)

// NotifyChannel is the Postgres NOTIFY channel for appended events.
const NotifyChannel = "ledgermill_events"

// DefaultPageSize is the read_stream page size when none is given.
const DefaultPageSize = 100

const idempotencyConstraint = "events_idempotency_key_uq"

const eventColumns = `id, sequence, type, schema_version, occurred_at, recorded_at,
	effective_date, tenant_id, legal_entity, actor_type, actor_id, actor_name,
	caused_by, intent_id, correlation_id, data, dimensions, entity_refs,
	rules_evaluated, tags, source_system, source_channel, source_ref, idempotency_key`

// Store is the event log. It exclusively owns event rows.
type Store struct {
	pool     *pgxpool.Pool
	registry *Registry
}

// New creates an event store. The registry is optional; when set, Append
// validates payloads of registered types.
func New(pool *pgxpool.Pool, registry *Registry) *Store {
	return &Store{pool: pool, registry: registry}
}

// ReadParams filters a stream read.
type ReadParams struct {
	AfterSequence domain.Sequence
	Limit         int
	EventTypes    []string
}

// Append validates, deduplicates and inserts one event. When db is non-nil
// the insert joins the caller's transaction; otherwise it runs against the
// pool. On an idempotency hit the previously stored event is returned
// unchanged.
func (s *Store) Append(ctx context.Context, db infrastructure.DBTX, in *domain.AppendInput) (*domain.Event, error) {
	if db == nil {
		db = s.pool
	}
	if in.Type == "" {
		return nil, apperrors.BadRequest(apperrors.CodeValidationFailed, "event type is required")
	}
	if in.CorrelationID == "" {
		return nil, apperrors.BadRequest(apperrors.CodeValidationFailed, "correlation_id is required")
	}
	if in.SchemaVersion < 1 {
		in.SchemaVersion = 1
	}

	// (a) schema validation for registered types.
	if s.registry != nil {
		if err := s.registry.Validate(ctx, in.Type, in.SchemaVersion, in.Data); err != nil {
			return nil, err
		}
	}

	// (b) idempotency lookup.
	if in.IdempotencyKey != "" {
		existing, err := s.getByIdempotencyKey(ctx, db, in.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	// (c) OCC against the subject entity version.
	if in.ExpectedEntityVersion != nil {
		if subject := in.SubjectEntity(); subject != nil {
			var actual int64
			err := db.QueryRow(ctx, `
				SELECT version FROM entities WHERE entity_type = $1 AND entity_id = $2`,
				subject.EntityType, subject.EntityID,
			).Scan(&actual)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("read subject entity version: %w", err)
			}
			if actual != *in.ExpectedEntityVersion {
				return nil, apperrors.ErrConcurrencyConflictf(subject.EntityID, *in.ExpectedEntityVersion, actual)
			}
		}
	}

	// (d) insert, racing against the idempotency index. The insert runs in a
	// nested transaction so a unique violation does not abort the caller's
	// transaction and the retry lookup below still sees a live session.
	ev, err := s.insertIsolated(ctx, db, in)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == idempotencyConstraint {
			// A concurrent appender won the race; return its row.
			existing, lookupErr := s.getByIdempotencyKey(ctx, db, in.IdempotencyKey)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if existing != nil {
				return existing, nil
			}
		}
		if _, ok := apperrors.IsAppError(err); ok {
			return nil, err
		}
		return nil, apperrors.Wrap(err, apperrors.CodeEventAppendFailed, "append event", 500)
	}

	// (e) NOTIFY inside the transaction; Postgres delivers on commit.
	payload, _ := json.Marshal(map[string]interface{}{
		"id":       ev.ID,
		"type":     ev.Type,
		"sequence": ev.Sequence,
	})
	if _, err := db.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, string(payload)); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeEventAppendFailed, "notify append", 500)
	}

	return ev, nil
}

// insertIsolated wraps insert in a nested transaction (a savepoint when db
// is already a transaction). Postgres aborts the whole transaction on a
// constraint violation; rolling back just the savepoint keeps the caller's
// transaction usable for the idempotency retry lookup.
func (s *Store) insertIsolated(ctx context.Context, db infrastructure.DBTX, in *domain.AppendInput) (*domain.Event, error) {
	beginner, ok := db.(interface {
		Begin(ctx context.Context) (pgx.Tx, error)
	})
	if !ok {
		return s.insert(ctx, db, in)
	}
	nested, err := beginner.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin append savepoint: %w", err)
	}
	ev, err := s.insert(ctx, nested, in)
	if err != nil {
		_ = nested.Rollback(ctx)
		return nil, err
	}
	if err := nested.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit append savepoint: %w", err)
	}
	return ev, nil
}

func (s *Store) insert(ctx context.Context, db infrastructure.DBTX, in *domain.AppendInput) (*domain.Event, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate event id: %w", err)
	}

	now := time.Now().UTC()
	occurredAt := now
	if in.OccurredAt != nil {
		occurredAt = in.OccurredAt.UTC()
	}
	effectiveDate := domain.NewDateOnly(occurredAt)
	if in.EffectiveDate != nil && !in.EffectiveDate.IsZero() {
		effectiveDate = *in.EffectiveDate
	}
	if in.Actor.Type == "" {
		in.Actor.Type = domain.ActorSystem
	}

	dataJSON, err := json.Marshal(orEmptyMap(in.Data))
	if err != nil {
		return nil, fmt.Errorf("encode event data: %w", err)
	}
	dimsJSON, err := json.Marshal(orEmptyStringMap(in.Dimensions))
	if err != nil {
		return nil, fmt.Errorf("encode dimensions: %w", err)
	}
	refsJSON, err := json.Marshal(orEmptyRefs(in.Entities))
	if err != nil {
		return nil, fmt.Errorf("encode entity refs: %w", err)
	}
	tracesJSON, err := json.Marshal(orEmptyTraces(in.RulesEvaluated))
	if err != nil {
		return nil, fmt.Errorf("encode rule traces: %w", err)
	}

	tags := in.Tags
	if tags == nil {
		tags = []string{}
	}

	ev := &domain.Event{
		ID:             id.String(),
		Type:           in.Type,
		SchemaVersion:  in.SchemaVersion,
		OccurredAt:     occurredAt,
		EffectiveDate:  effectiveDate,
		Scope:          in.Scope,
		Actor:          in.Actor,
		CorrelationID:  in.CorrelationID,
		CausedBy:       in.CausedBy,
		IntentID:       in.IntentID,
		Data:           orEmptyMap(in.Data),
		Dimensions:     in.Dimensions,
		Entities:       in.Entities,
		RulesEvaluated: in.RulesEvaluated,
		Tags:           in.Tags,
		Source:         in.Source,
		IdempotencyKey: in.IdempotencyKey,
	}

	err = db.QueryRow(ctx, `
		INSERT INTO events (
			id, type, schema_version, occurred_at, effective_date,
			tenant_id, legal_entity, actor_type, actor_id, actor_name,
			caused_by, intent_id, correlation_id, data, dimensions,
			entity_refs, rules_evaluated, tags, source_system, source_channel,
			source_ref, idempotency_key
		) VALUES (
			$1, $2, $3, $4, $5::date,
			$6, $7, $8, $9, $10,
			NULLIF($11, ''), NULLIF($12, ''), $13, $14, $15,
			$16, $17, $18, $19, $20,
			$21, NULLIF($22, '')
		)
		RETURNING sequence, recorded_at`,
		ev.ID, ev.Type, ev.SchemaVersion, ev.OccurredAt, effectiveDate.String(),
		ev.Scope.Tenant, ev.Scope.LegalEntity, string(ev.Actor.Type), ev.Actor.ID, ev.Actor.Name,
		ev.CausedBy, ev.IntentID, ev.CorrelationID, dataJSON, dimsJSON,
		refsJSON, tracesJSON, tags, ev.Source.System, ev.Source.Channel,
		ev.Source.Reference, ev.IdempotencyKey,
	).Scan(&ev.Sequence, &ev.RecordedAt)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// ReadStream reads events in ascending sequence order after the given
// sequence. has_more is computed by over-fetching one row.
func (s *Store) ReadStream(ctx context.Context, db infrastructure.DBTX, params ReadParams) (*domain.EventPage, error) {
	return s.readPage(ctx, db, params, "")
}

// ReadByPartition reads the stream of a single legal entity.
func (s *Store) ReadByPartition(ctx context.Context, db infrastructure.DBTX, legalEntity string, params ReadParams) (*domain.EventPage, error) {
	return s.readPage(ctx, db, params, legalEntity)
}

func (s *Store) readPage(ctx context.Context, db infrastructure.DBTX, params ReadParams, legalEntity string) (*domain.EventPage, error) {
	if db == nil {
		db = s.pool
	}
	limit := params.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}

	query := `SELECT ` + eventColumns + ` FROM events WHERE sequence > $1`
	args := []any{int64(params.AfterSequence)}
	if len(params.EventTypes) > 0 {
		args = append(args, params.EventTypes)
		query += fmt.Sprintf(` AND type = ANY($%d)`, len(args))
	}
	if legalEntity != "" {
		args = append(args, legalEntity)
		query += fmt.Sprintf(` AND legal_entity = $%d`, len(args))
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(` ORDER BY sequence LIMIT $%d`, len(args))

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	defer rows.Close()

	events := make([]*domain.Event, 0, limit)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}

	page := &domain.EventPage{Events: events}
	if len(events) > limit {
		page.Events = events[:limit]
		page.HasMore = true
		next := page.Events[limit-1].Sequence
		page.NextSequence = &next
	}
	return page, nil
}

// GetByID returns one event for audit, or ErrNotFound.
func (s *Store) GetByID(ctx context.Context, db infrastructure.DBTX, id string) (*domain.Event, error) {
	if db == nil {
		db = s.pool
	}
	ev, err := scanEvent(db.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound(apperrors.CodeEventNotFound, "event "+id+" not found")
		}
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	return ev, nil
}

// GetByIntentID returns the events produced by one intent, sequence-ordered.
func (s *Store) GetByIntentID(ctx context.Context, db infrastructure.DBTX, intentID string) ([]*domain.Event, error) {
	if db == nil {
		db = s.pool
	}
	rows, err := db.Query(ctx, `
		SELECT `+eventColumns+` FROM events WHERE intent_id = $1 ORDER BY sequence`, intentID)
	if err != nil {
		return nil, fmt.Errorf("get events for intent %s: %w", intentID, err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// GetByIdempotencyKey returns the event stored under an external key, or nil
// when the key is unused.
func (s *Store) GetByIdempotencyKey(ctx context.Context, db infrastructure.DBTX, key string) (*domain.Event, error) {
	if db == nil {
		db = s.pool
	}
	return s.getByIdempotencyKey(ctx, db, key)
}

func (s *Store) getByIdempotencyKey(ctx context.Context, db infrastructure.DBTX, key string) (*domain.Event, error) {
	ev, err := scanEvent(db.QueryRow(ctx, `
		SELECT `+eventColumns+` FROM events WHERE idempotency_key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	return ev, nil
}

// scanEvent decodes one event row; works for both Query rows and QueryRow.
func scanEvent(row pgx.Row) (*domain.Event, error) {
	var (
		ev            domain.Event
		actorType     string
		effectiveDate time.Time
		causedBy      *string
		intentID      *string
		idemKey       *string
		dataJSON      []byte
		dimsJSON      []byte
		refsJSON      []byte
		tracesJSON    []byte
	)

	err := row.Scan(
		&ev.ID, &ev.Sequence, &ev.Type, &ev.SchemaVersion, &ev.OccurredAt, &ev.RecordedAt,
		&effectiveDate, &ev.Scope.Tenant, &ev.Scope.LegalEntity, &actorType, &ev.Actor.ID, &ev.Actor.Name,
		&causedBy, &intentID, &ev.CorrelationID, &dataJSON, &dimsJSON, &refsJSON,
		&tracesJSON, &ev.Tags, &ev.Source.System, &ev.Source.Channel, &ev.Source.Reference, &idemKey,
	)
	if err != nil {
		return nil, err
	}

	ev.Actor.Type = domain.ActorType(actorType)
	ev.EffectiveDate = domain.NewDateOnly(effectiveDate)
	if causedBy != nil {
		ev.CausedBy = *causedBy
	}
	if intentID != nil {
		ev.IntentID = *intentID
	}
	if idemKey != nil {
		ev.IdempotencyKey = *idemKey
	}
	if err := json.Unmarshal(dataJSON, &ev.Data); err != nil {
		return nil, fmt.Errorf("decode event data: %w", err)
	}
	if err := json.Unmarshal(dimsJSON, &ev.Dimensions); err != nil {
		return nil, fmt.Errorf("decode dimensions: %w", err)
	}
	if err := json.Unmarshal(refsJSON, &ev.Entities); err != nil {
		return nil, fmt.Errorf("decode entity refs: %w", err)
	}
	if err := json.Unmarshal(tracesJSON, &ev.RulesEvaluated); err != nil {
		return nil, fmt.Errorf("decode rule traces: %w", err)
	}
	return &ev, nil
}

func orEmptyMap(p domain.Payload) domain.Payload {
	if p == nil {
		return domain.Payload{}
	}
	return p
}

func orEmptyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptyRefs(refs []domain.EntityRef) []domain.EntityRef {
	if refs == nil {
		return []domain.EntityRef{}
	}
	return refs
}

func orEmptyTraces(traces []domain.RuleTrace) []domain.RuleTrace {
	if traces == nil {
		return []domain.RuleTrace{}
	}
	return traces
}
