// Package intentstore persists approval-routed intents until a different
// actor decides them. Segregation of duties is enforced here, before any
// state mutation.
package intentstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ledgermill.io/ledgermill/internal/domain"
	"ledgermill.io/ledgermill/internal/infrastructure"
	apperrors "ledgermill.io/ledgermill/internal/pkg/errors"
)

// StoredIntent is a persisted intent with its decision audit trail.
type StoredIntent struct {
	ID         string              `json:"id"`
	IntentType string              `json:"intent_type"`
	Status     domain.IntentStatus `json:"status"`

	Actor domain.Actor `json:"actor"`
	Scope domain.Scope `json:"scope"`

	Data                 domain.Payload `json:"data"`
	RequiredApproverRole string         `json:"required_approver_role,omitempty"`

	ApprovedByID   string     `json:"approved_by_id,omitempty"`
	ApprovedByName string     `json:"approved_by_name,omitempty"`
	ApprovalReason string     `json:"approval_reason,omitempty"`
	ApprovedAt     *time.Time `json:"approved_at,omitempty"`

	RejectedByID    string     `json:"rejected_by_id,omitempty"`
	RejectedByName  string     `json:"rejected_by_name,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`

	ResultEventID string `json:"result_event_id,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`

	CorrelationID         string           `json:"correlation_id,omitempty"`
	IdempotencyKey        string           `json:"idempotency_key,omitempty"`
	EffectiveDate         *domain.DateOnly `json:"effective_date,omitempty"`
	OccurredAt            *time.Time       `json:"occurred_at,omitempty"`
	ExpectedEntityVersion *int64           `json:"expected_entity_version,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ToIntent reconstitutes the intent for deferred execution.
func (si *StoredIntent) ToIntent() *domain.Intent {
	return &domain.Intent{
		Type:                  si.IntentType,
		Actor:                 si.Actor,
		Scope:                 si.Scope,
		Data:                  si.Data,
		IdempotencyKey:        si.IdempotencyKey,
		CorrelationID:         si.CorrelationID,
		OccurredAt:            si.OccurredAt,
		EffectiveDate:         si.EffectiveDate,
		ExpectedEntityVersion: si.ExpectedEntityVersion,
	}
}

// Store owns stored_intents rows.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const intentColumns = `id, intent_type, status, actor_type, actor_id, actor_name,
	tenant_id, legal_entity, data, required_approver_role,
	approved_by_id, approved_by_name, approval_reason, approved_at,
	rejected_by_id, rejected_by_name, rejection_reason, rejected_at,
	result_event_id, error_message, correlation_id, idempotency_key,
	effective_date, occurred_at, expected_entity_version, created_at, updated_at`

// Create persists a pending intent.
func (s *Store) Create(ctx context.Context, db infrastructure.DBTX, id string, intent *domain.Intent, status domain.IntentStatus, requiredApproverRole string) (*StoredIntent, error) {
	if db == nil {
		db = s.pool
	}
	dataJSON, err := json.Marshal(intent.Data)
	if err != nil {
		return nil, fmt.Errorf("encode intent data: %w", err)
	}

	var effectiveDate interface{}
	if intent.EffectiveDate != nil && !intent.EffectiveDate.IsZero() {
		effectiveDate = intent.EffectiveDate.String()
	}

	si, err := scanStoredIntent(db.QueryRow(ctx, `
		INSERT INTO stored_intents (
			id, intent_type, status, actor_type, actor_id, actor_name,
			tenant_id, legal_entity, data, required_approver_role,
			correlation_id, idempotency_key, effective_date, occurred_at, expected_entity_version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			NULLIF($11, ''), NULLIF($12, ''), $13::date, $14, $15)
		RETURNING `+intentColumns,
		id, intent.Type, string(status), string(intent.Actor.Type), intent.Actor.ID, intent.Actor.Name,
		intent.Scope.Tenant, intent.Scope.LegalEntity, dataJSON, requiredApproverRole,
		intent.CorrelationID, intent.IdempotencyKey, effectiveDate, intent.OccurredAt, intent.ExpectedEntityVersion,
	))
	if err != nil {
		return nil, fmt.Errorf("create stored intent %s: %w", id, err)
	}
	return si, nil
}

// GetByID returns the stored intent or a not-found error.
func (s *Store) GetByID(ctx context.Context, db infrastructure.DBTX, id string) (*StoredIntent, error) {
	if db == nil {
		db = s.pool
	}
	si, err := scanStoredIntent(db.QueryRow(ctx, `
		SELECT `+intentColumns+` FROM stored_intents WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound(apperrors.CodeIntentNotFound,
				fmt.Sprintf("intent %s not found", id))
		}
		return nil, fmt.Errorf("get stored intent %s: %w", id, err)
	}
	return si, nil
}

// ListPending returns pending intents for a legal entity, oldest first.
func (s *Store) ListPending(ctx context.Context, db infrastructure.DBTX, legalEntity string) ([]*StoredIntent, error) {
	if db == nil {
		db = s.pool
	}
	query := `SELECT ` + intentColumns + ` FROM stored_intents WHERE status = $1`
	args := []any{string(domain.IntentStatusPendingApproval)}
	if legalEntity != "" {
		args = append(args, legalEntity)
		query += ` AND legal_entity = $2`
	}
	query += ` ORDER BY created_at`

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending intents: %w", err)
	}
	defer rows.Close()

	var out []*StoredIntent
	for rows.Next() {
		si, err := scanStoredIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, si)
	}
	return out, rows.Err()
}

// Approve transitions a pending intent to approved. The approver must not
// be the intent's originator.
func (s *Store) Approve(ctx context.Context, db infrastructure.DBTX, id, approverID, approverName, reason string) (*StoredIntent, error) {
	if db == nil {
		db = s.pool
	}
	current, err := s.GetByID(ctx, db, id)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.IntentStatusPendingApproval {
		return nil, apperrors.Conflict(apperrors.CodeIntentNotPending,
			fmt.Sprintf("intent %s is %s, not pending_approval", id, current.Status))
	}
	if approverID == current.Actor.ID {
		return nil, apperrors.ErrSoDViolationf(approverID)
	}

	si, err := scanStoredIntent(db.QueryRow(ctx, `
		UPDATE stored_intents
		SET status = $2, approved_by_id = $3, approved_by_name = $4,
		    approval_reason = NULLIF($5, ''), approved_at = now(), updated_at = now()
		WHERE id = $1 AND status = $6
		RETURNING `+intentColumns,
		id, string(domain.IntentStatusApproved), approverID, approverName, reason,
		string(domain.IntentStatusPendingApproval),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Lost a race with a concurrent decision.
			return nil, apperrors.Conflict(apperrors.CodeIntentNotPending,
				fmt.Sprintf("intent %s is no longer pending_approval", id))
		}
		return nil, fmt.Errorf("approve intent %s: %w", id, err)
	}
	return si, nil
}

// Reject transitions a pending intent to rejected.
func (s *Store) Reject(ctx context.Context, db infrastructure.DBTX, id, rejectorID, rejectorName, reason string) (*StoredIntent, error) {
	if db == nil {
		db = s.pool
	}
	si, err := scanStoredIntent(db.QueryRow(ctx, `
		UPDATE stored_intents
		SET status = $2, rejected_by_id = $3, rejected_by_name = $4,
		    rejection_reason = NULLIF($5, ''), rejected_at = now(), updated_at = now()
		WHERE id = $1 AND status = $6
		RETURNING `+intentColumns,
		id, string(domain.IntentStatusRejected), rejectorID, rejectorName, reason,
		string(domain.IntentStatusPendingApproval),
	))
	if err == nil {
		return si, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reject intent %s: %w", id, err)
	}

	current, getErr := s.GetByID(ctx, db, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, apperrors.Conflict(apperrors.CodeIntentNotPending,
		fmt.Sprintf("intent %s is %s, not pending_approval", id, current.Status))
}

// MarkExecuted records the event produced by deferred execution.
func (s *Store) MarkExecuted(ctx context.Context, db infrastructure.DBTX, id, eventID string) error {
	return s.terminal(ctx, db, id, domain.IntentStatusExecuted, `result_event_id`, eventID, domain.IntentStatusApproved)
}

// MarkFailed records a failed deferred execution.
func (s *Store) MarkFailed(ctx context.Context, db infrastructure.DBTX, id, errorMessage string) error {
	return s.terminal(ctx, db, id, domain.IntentStatusFailed, `error_message`, errorMessage, domain.IntentStatusApproved)
}

func (s *Store) terminal(ctx context.Context, db infrastructure.DBTX, id string, status domain.IntentStatus, column, value string, from domain.IntentStatus) error {
	if db == nil {
		db = s.pool
	}
	tag, err := db.Exec(ctx, `
		UPDATE stored_intents
		SET status = $2, `+column+` = $3, updated_at = now()
		WHERE id = $1 AND status = $4`,
		id, string(status), value, string(from),
	)
	if err != nil {
		return fmt.Errorf("mark intent %s %s: %w", id, status, err)
	}
	if tag.RowsAffected() == 0 {
		current, getErr := s.GetByID(ctx, db, id)
		if getErr != nil {
			return getErr
		}
		return apperrors.Conflict(apperrors.CodeIntentNotApproved,
			fmt.Sprintf("intent %s is %s, not %s", id, current.Status, from))
	}
	return nil
}

func scanStoredIntent(row pgx.Row) (*StoredIntent, error) {
	var (
		si            StoredIntent
		actorType     string
		status        string
		dataJSON      []byte
		approvalRsn   *string
		approvedBy    *string
		approvedName  *string
		rejectedBy    *string
		rejectedName  *string
		rejectionRsn  *string
		resultEventID *string
		errorMessage  *string
		correlationID *string
		idemKey       *string
		effectiveDate *time.Time
	)
	err := row.Scan(
		&si.ID, &si.IntentType, &status, &actorType, &si.Actor.ID, &si.Actor.Name,
		&si.Scope.Tenant, &si.Scope.LegalEntity, &dataJSON, &si.RequiredApproverRole,
		&approvedBy, &approvedName, &approvalRsn, &si.ApprovedAt,
		&rejectedBy, &rejectedName, &rejectionRsn, &si.RejectedAt,
		&resultEventID, &errorMessage, &correlationID, &idemKey,
		&effectiveDate, &si.OccurredAt, &si.ExpectedEntityVersion, &si.CreatedAt, &si.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	si.Status = domain.IntentStatus(status)
	si.Actor.Type = domain.ActorType(actorType)
	if err := json.Unmarshal(dataJSON, &si.Data); err != nil {
		return nil, fmt.Errorf("decode intent data: %w", err)
	}
	si.ApprovedByID = deref(approvedBy)
	si.ApprovedByName = deref(approvedName)
	si.ApprovalReason = deref(approvalRsn)
	si.RejectedByID = deref(rejectedBy)
	si.RejectedByName = deref(rejectedName)
	si.RejectionReason = deref(rejectionRsn)
	si.ResultEventID = deref(resultEventID)
	si.ErrorMessage = deref(errorMessage)
	si.CorrelationID = deref(correlationID)
	si.IdempotencyKey = deref(idemKey)
	if effectiveDate != nil {
		d := domain.NewDateOnly(*effectiveDate)
		si.EffectiveDate = &d
	}
	return &si, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
