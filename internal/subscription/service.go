// Package subscription manages projection cursors: per-subscriber positions
// in the event log, with a small status lifecycle driving pause/resume and
// rebuilds.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ledgermill.io/ledgermill/internal/domain"
	"ledgermill.io/ledgermill/internal/infrastructure"
	apperrors "ledgermill.io/ledgermill/internal/pkg/errors"
)

// Subscription statuses.
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusResetting = "resetting"
)

// Subscription is one subscriber's cursor into the event log.
type Subscription struct {
	ID                    int64           `json:"id"`
	ProjectionType        string          `json:"projection_type"`
	SubscriberType        string          `json:"subscriber_type"`
	SubscriberID          string          `json:"subscriber_id"`
	EventTypes            []string        `json:"event_types"`
	LastProcessedID       string          `json:"last_processed_id"`
	LastProcessedSequence domain.Sequence `json:"last_processed_sequence"`
	Status                string          `json:"status"`
	BatchSize             int             `json:"batch_size"`
	RetryCount            int             `json:"retry_count"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// Service owns the event_subscriptions table.
type Service struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

const subscriptionColumns = `id, projection_type, subscriber_type, subscriber_id, event_types,
	last_processed_id, last_processed_sequence, status, batch_size, retry_count,
	created_at, updated_at`

// CreateParams describes a new subscription. Zero BatchSize defaults to 100.
type CreateParams struct {
	ProjectionType string
	SubscriberType string
	SubscriberID   string
	EventTypes     []string
	BatchSize      int
}

// Create registers a subscription starting at the beginning of the log.
// Re-creating an existing (projection, subscriber) pair returns the existing
// row unchanged.
func (s *Service) Create(ctx context.Context, db infrastructure.DBTX, params CreateParams) (*Subscription, error) {
	if db == nil {
		db = s.pool
	}
	if params.ProjectionType == "" {
		return nil, apperrors.BadRequest(apperrors.CodeValidationFailed, "projection_type is required")
	}
	if params.SubscriberType == "" {
		params.SubscriberType = "projection"
	}
	if params.BatchSize <= 0 {
		params.BatchSize = 100
	}
	eventTypes := params.EventTypes
	if eventTypes == nil {
		eventTypes = []string{}
	}

	sub, err := scanSubscription(db.QueryRow(ctx, `
		INSERT INTO event_subscriptions (projection_type, subscriber_type, subscriber_id, event_types, batch_size)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (projection_type, subscriber_type, subscriber_id) DO UPDATE
			SET updated_at = event_subscriptions.updated_at
		RETURNING `+subscriptionColumns,
		params.ProjectionType, params.SubscriberType, params.SubscriberID, eventTypes, params.BatchSize,
	))
	if err != nil {
		return nil, fmt.Errorf("create subscription %s: %w", params.ProjectionType, err)
	}
	return sub, nil
}

// Get returns a subscription by projection type and subscriber identity.
func (s *Service) Get(ctx context.Context, db infrastructure.DBTX, projectionType, subscriberType, subscriberID string) (*Subscription, error) {
	if db == nil {
		db = s.pool
	}
	if subscriberType == "" {
		subscriberType = "projection"
	}
	sub, err := scanSubscription(db.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM event_subscriptions
		WHERE projection_type = $1 AND subscriber_type = $2 AND subscriber_id = $3`,
		projectionType, subscriberType, subscriberID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound(apperrors.CodeSubscriptionNotFound,
				fmt.Sprintf("subscription for %s not found", projectionType))
		}
		return nil, fmt.Errorf("get subscription %s: %w", projectionType, err)
	}
	return sub, nil
}

// List returns all subscriptions ordered by projection type.
func (s *Service) List(ctx context.Context, db infrastructure.DBTX) ([]*Subscription, error) {
	if db == nil {
		db = s.pool
	}
	rows, err := db.Query(ctx, `
		SELECT `+subscriptionColumns+` FROM event_subscriptions
		ORDER BY projection_type, subscriber_type, subscriber_id`)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// UpdateCursor advances the cursor past a processed event and clears the
// retry counter. Cursors only move forward; a stale position is rejected.
func (s *Service) UpdateCursor(ctx context.Context, db infrastructure.DBTX, id int64, lastID string, lastSequence domain.Sequence) error {
	if db == nil {
		db = s.pool
	}
	tag, err := db.Exec(ctx, `
		UPDATE event_subscriptions
		SET last_processed_id = $1, last_processed_sequence = $2, retry_count = 0, updated_at = now()
		WHERE id = $3 AND last_processed_sequence < $2`,
		lastID, int64(lastSequence), id,
	)
	if err != nil {
		return fmt.Errorf("update cursor %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.Conflict(apperrors.CodeConcurrencyConflict,
			fmt.Sprintf("cursor for subscription %d did not advance", id))
	}
	return nil
}

// IncrementRetry bumps the retry counter for the subscription's current
// position and returns the new count.
func (s *Service) IncrementRetry(ctx context.Context, db infrastructure.DBTX, id int64) (int, error) {
	if db == nil {
		db = s.pool
	}
	var count int
	err := db.QueryRow(ctx, `
		UPDATE event_subscriptions
		SET retry_count = retry_count + 1, updated_at = now()
		WHERE id = $1
		RETURNING retry_count`, id,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment retry %d: %w", id, err)
	}
	return count, nil
}

// Pause stops delivery without losing the cursor.
func (s *Service) Pause(ctx context.Context, db infrastructure.DBTX, id int64) (*Subscription, error) {
	return s.transition(ctx, db, id, StatusPaused, StatusActive)
}

// Resume re-activates a paused subscription.
func (s *Service) Resume(ctx context.Context, db infrastructure.DBTX, id int64) (*Subscription, error) {
	return s.transition(ctx, db, id, StatusActive, StatusPaused)
}

// MarkResetting flags the subscription for rebuild. Delivery stops until the
// rebuild completes and calls Activate.
func (s *Service) MarkResetting(ctx context.Context, db infrastructure.DBTX, id int64) (*Subscription, error) {
	return s.transition(ctx, db, id, StatusResetting, StatusActive, StatusPaused)
}

// Activate returns a resetting subscription to active with the cursor reset
// to the given position.
func (s *Service) Activate(ctx context.Context, db infrastructure.DBTX, id int64, lastID string, lastSequence domain.Sequence) (*Subscription, error) {
	if db == nil {
		db = s.pool
	}
	sub, err := scanSubscription(db.QueryRow(ctx, `
		UPDATE event_subscriptions
		SET status = $1, last_processed_id = $2, last_processed_sequence = $3,
		    retry_count = 0, updated_at = now()
		WHERE id = $4
		RETURNING `+subscriptionColumns,
		StatusActive, lastID, int64(lastSequence), id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound(apperrors.CodeSubscriptionNotFound,
				fmt.Sprintf("subscription %d not found", id))
		}
		return nil, fmt.Errorf("activate subscription %d: %w", id, err)
	}
	return sub, nil
}

// Delete removes a subscription and its cursor.
func (s *Service) Delete(ctx context.Context, db infrastructure.DBTX, id int64) error {
	if db == nil {
		db = s.pool
	}
	tag, err := db.Exec(ctx, `DELETE FROM event_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound(apperrors.CodeSubscriptionNotFound,
			fmt.Sprintf("subscription %d not found", id))
	}
	return nil
}

// transition moves the subscription to target only from one of the allowed
// source statuses. A no-op or invalid transition is rejected.
func (s *Service) transition(ctx context.Context, db infrastructure.DBTX, id int64, target string, from ...string) (*Subscription, error) {
	if db == nil {
		db = s.pool
	}
	sub, err := scanSubscription(db.QueryRow(ctx, `
		UPDATE event_subscriptions
		SET status = $1, updated_at = now()
		WHERE id = $2 AND status = ANY($3)
		RETURNING `+subscriptionColumns,
		target, id, from,
	))
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition subscription %d to %s: %w", id, target, err)
	}

	// Zero rows: distinguish missing from wrong current status.
	var current string
	err = db.QueryRow(ctx, `SELECT status FROM event_subscriptions WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound(apperrors.CodeSubscriptionNotFound,
			fmt.Sprintf("subscription %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("transition subscription %d: %w", id, err)
	}
	return nil, apperrors.Conflict(apperrors.CodeConcurrencyConflict,
		fmt.Sprintf("subscription %d is %s, cannot transition to %s", id, current, target))
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var sub Subscription
	var seq int64
	err := row.Scan(
		&sub.ID, &sub.ProjectionType, &sub.SubscriberType, &sub.SubscriberID, &sub.EventTypes,
		&sub.LastProcessedID, &seq, &sub.Status, &sub.BatchSize, &sub.RetryCount,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.LastProcessedSequence = domain.Sequence(seq)
	return &sub, nil
}
