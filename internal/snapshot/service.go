// Package snapshot captures and restores projection tables as of an event
// sequence. Snapshots speed up rebuilds and survive back-dated events only
// until invalidated.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"ledgermill.io/ledgermill/internal/domain"
	"ledgermill.io/ledgermill/internal/infrastructure"
	apperrors "ledgermill.io/ledgermill/internal/pkg/errors"
	"ledgermill.io/ledgermill/internal/pkg/logger"
)

// TableInfo registers a projection table so the service can operate
// schema-agnostically: the table name for capture/truncate and the primary
// key column for deterministic ordering.
type TableInfo struct {
	Table     string
	KeyColumn string
}

// Snapshot is a stored point-in-time copy of one projection.
type Snapshot struct {
	ID             string          `json:"snapshot_id"`
	ProjectionType string          `json:"projection_type"`
	SequenceNumber domain.Sequence `json:"sequence_number"`
	RowCount       int             `json:"row_count"`
	IsStale        bool            `json:"is_stale"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Service owns projection_snapshots rows.
type Service struct {
	pool   *pgxpool.Pool
	tables map[string]TableInfo
}

func New(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool, tables: make(map[string]TableInfo)}
}

// RegisterTable declares a projection's table identity at startup.
func (s *Service) RegisterTable(projectionType string, info TableInfo) {
	s.tables[projectionType] = info
}

// Table returns a registered projection table identity.
func (s *Service) Table(projectionType string) (TableInfo, bool) {
	info, ok := s.tables[projectionType]
	return info, ok
}

func (s *Service) tableFor(projectionType string) (TableInfo, error) {
	info, ok := s.tables[projectionType]
	if !ok {
		return TableInfo{}, apperrors.NotFound(apperrors.CodeProjectionNotFound,
			fmt.Sprintf("projection %s has no registered snapshot table", projectionType))
	}
	return info, nil
}

// Create captures the projection's current rows and cursor as a new
// non-stale snapshot.
func (s *Service) Create(ctx context.Context, projectionType string) (*Snapshot, error) {
	info, err := s.tableFor(projectionType)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var sequence int64
	err = tx.QueryRow(ctx, `
		SELECT last_processed_sequence FROM event_subscriptions
		WHERE projection_type = $1 AND subscriber_type = 'projection'
		ORDER BY id LIMIT 1`, projectionType,
	).Scan(&sequence)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("read cursor for %s: %w", projectionType, err)
	}

	var data []byte
	err = tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT coalesce(jsonb_agg(row_to_json(t) ORDER BY t.%s), '[]'::jsonb)
		FROM %s t`, info.KeyColumn, info.Table),
	).Scan(&data)
	if err != nil {
		return nil, fmt.Errorf("capture %s rows: %w", info.Table, err)
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode snapshot data: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate snapshot id: %w", err)
	}
	snap := &Snapshot{
		ID:             id.String(),
		ProjectionType: projectionType,
		SequenceNumber: domain.Sequence(sequence),
		RowCount:       len(rows),
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO projection_snapshots (snapshot_id, projection_type, sequence_number, snapshot_data)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		snap.ID, projectionType, sequence, data,
	).Scan(&snap.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store snapshot for %s: %w", projectionType, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	logger.Info("snapshot created",
		zap.String("projection_type", projectionType),
		zap.String("snapshot_id", snap.ID),
		zap.Int64("sequence", sequence),
		zap.Int("rows", snap.RowCount))
	return snap, nil
}

// Restore replaces the projection's rows with a snapshot's and rewinds the
// cursor to the snapshot's sequence, all in one transaction. The poller
// replays the tail from there.
func (s *Service) Restore(ctx context.Context, projectionType, snapshotID string) (*Snapshot, error) {
	info, err := s.tableFor(projectionType)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	snap, data, err := s.getWithData(ctx, tx, snapshotID)
	if err != nil {
		return nil, err
	}
	if snap.ProjectionType != projectionType {
		return nil, apperrors.BadRequest(apperrors.CodeValidationFailed,
			fmt.Sprintf("snapshot %s belongs to projection %s", snapshotID, snap.ProjectionType))
	}

	if _, err := tx.Exec(ctx, `TRUNCATE `+info.Table); err != nil {
		return nil, fmt.Errorf("truncate %s: %w", info.Table, err)
	}
	_, err = tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s
		SELECT r.* FROM jsonb_array_elements($1::jsonb) AS e(doc),
		LATERAL jsonb_populate_record(NULL::%s, e.doc) AS r`,
		info.Table, info.Table), data,
	)
	if err != nil {
		return nil, fmt.Errorf("restore %s rows: %w", info.Table, err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE event_subscriptions
		SET last_processed_id = '', last_processed_sequence = $1, retry_count = 0, updated_at = now()
		WHERE projection_type = $2 AND subscriber_type = 'projection'`,
		int64(snap.SequenceNumber), projectionType,
	)
	if err != nil {
		return nil, fmt.Errorf("rewind cursor for %s: %w", projectionType, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	logger.Info("snapshot restored",
		zap.String("projection_type", projectionType),
		zap.String("snapshot_id", snapshotID),
		zap.Int64("sequence", int64(snap.SequenceNumber)))
	return snap, nil
}

// GetLatestValid returns the newest non-stale snapshot of a projection.
func (s *Service) GetLatestValid(ctx context.Context, db infrastructure.DBTX, projectionType string) (*Snapshot, error) {
	if db == nil {
		db = s.pool
	}
	snap, err := scanSnapshot(db.QueryRow(ctx, `
		SELECT snapshot_id, projection_type, sequence_number,
		       jsonb_array_length(snapshot_data), is_stale, created_at
		FROM projection_snapshots
		WHERE projection_type = $1 AND NOT is_stale
		ORDER BY created_at DESC LIMIT 1`, projectionType,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound(apperrors.CodeSnapshotNotFound,
				fmt.Sprintf("no valid snapshot for projection %s", projectionType))
		}
		return nil, fmt.Errorf("get latest snapshot for %s: %w", projectionType, err)
	}
	return snap, nil
}

// Invalidate marks stale every snapshot of the projection whose sequence is
// at or past fromSequence. Back-dated events call this so a snapshot whose
// window could have been affected is never restored.
func (s *Service) Invalidate(ctx context.Context, db infrastructure.DBTX, projectionType string, fromSequence domain.Sequence) (int, error) {
	if db == nil {
		db = s.pool
	}
	tag, err := db.Exec(ctx, `
		UPDATE projection_snapshots SET is_stale = true
		WHERE projection_type = $1 AND sequence_number >= $2 AND NOT is_stale`,
		projectionType, int64(fromSequence),
	)
	if err != nil {
		return 0, fmt.Errorf("invalidate snapshots for %s: %w", projectionType, err)
	}
	return int(tag.RowsAffected()), nil
}

// List returns a projection's snapshots, newest first.
func (s *Service) List(ctx context.Context, db infrastructure.DBTX, projectionType string) ([]*Snapshot, error) {
	if db == nil {
		db = s.pool
	}
	rows, err := db.Query(ctx, `
		SELECT snapshot_id, projection_type, sequence_number,
		       jsonb_array_length(snapshot_data), is_stale, created_at
		FROM projection_snapshots
		WHERE projection_type = $1
		ORDER BY created_at DESC`, projectionType,
	)
	if err != nil {
		return nil, fmt.Errorf("list snapshots for %s: %w", projectionType, err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// GetByID returns one snapshot's metadata.
func (s *Service) GetByID(ctx context.Context, db infrastructure.DBTX, id string) (*Snapshot, error) {
	if db == nil {
		db = s.pool
	}
	snap, err := scanSnapshot(db.QueryRow(ctx, `
		SELECT snapshot_id, projection_type, sequence_number,
		       jsonb_array_length(snapshot_data), is_stale, created_at
		FROM projection_snapshots WHERE snapshot_id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound(apperrors.CodeSnapshotNotFound,
				fmt.Sprintf("snapshot %s not found", id))
		}
		return nil, fmt.Errorf("get snapshot %s: %w", id, err)
	}
	return snap, nil
}

func (s *Service) getWithData(ctx context.Context, db infrastructure.DBTX, id string) (*Snapshot, []byte, error) {
	var snap Snapshot
	var seq int64
	var data []byte
	err := db.QueryRow(ctx, `
		SELECT snapshot_id, projection_type, sequence_number, snapshot_data, is_stale, created_at
		FROM projection_snapshots WHERE snapshot_id = $1`, id,
	).Scan(&snap.ID, &snap.ProjectionType, &seq, &data, &snap.IsStale, &snap.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, apperrors.NotFound(apperrors.CodeSnapshotNotFound,
				fmt.Sprintf("snapshot %s not found", id))
		}
		return nil, nil, fmt.Errorf("get snapshot %s: %w", id, err)
	}
	snap.SequenceNumber = domain.Sequence(seq)
	return &snap, data, nil
}

func scanSnapshot(row pgx.Row) (*Snapshot, error) {
	var snap Snapshot
	var seq int64
	err := row.Scan(&snap.ID, &snap.ProjectionType, &seq, &snap.RowCount, &snap.IsStale, &snap.CreatedAt)
	if err != nil {
		return nil, err
	}
	snap.SequenceNumber = domain.Sequence(seq)
	return &snap, nil
}
