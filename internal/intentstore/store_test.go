package intentstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgermill.io/ledgermill/internal/domain"
	"ledgermill.io/ledgermill/internal/intentstore"
	apperrors "ledgermill.io/ledgermill/internal/pkg/errors"
	"ledgermill.io/ledgermill/internal/pkg/logger"
	"ledgermill.io/ledgermill/internal/testutil"
)

func init() {
	_ = logger.Init("error", "json")
}

func testIntent(intentType, actorID string) *domain.Intent {
	return &domain.Intent{
		Type:  intentType,
		Actor: domain.Actor{Type: domain.ActorHuman, ID: actorID, Name: "Submitter"},
		Scope: domain.Scope{Tenant: "t1", LegalEntity: "le-acme"},
		Data:  domain.Payload{"amount": 25000.0},
	}
}

func TestCreateAndGet(t *testing.T) {
	pool := testutil.OpenMigratedPool(t, "intents-create")
	store := intentstore.New(pool)
	ctx := context.Background()

	created, err := store.Create(ctx, nil, "intent-1",
		testIntent("ap.invoice.submit", "user-1"),
		domain.IntentStatusPendingApproval, "ap_manager")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusPendingApproval, created.Status)
	assert.Equal(t, "ap_manager", created.RequiredApproverRole)

	got, err := store.GetByID(ctx, nil, "intent-1")
	require.NoError(t, err)
	assert.Equal(t, "ap.invoice.submit", got.IntentType)
	assert.Equal(t, "user-1", got.Actor.ID)
	amount, _ := got.Data.GetFloat("amount")
	assert.InDelta(t, 25000.0, amount, 0.001)

	_, err = store.GetByID(ctx, nil, "missing")
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeIntentNotFound, appErr.Code)
}

func TestToIntent_RoundTrip(t *testing.T) {
	pool := testutil.OpenMigratedPool(t, "intents-roundtrip")
	store := intentstore.New(pool)
	ctx := context.Background()

	in := testIntent("ap.invoice.submit", "user-1")
	in.CorrelationID = "corr-9"
	in.IdempotencyKey = "idem-9"
	version := int64(4)
	in.ExpectedEntityVersion = &version
	effective, err := domain.ParseDateOnly("2026-03-15")
	require.NoError(t, err)
	in.EffectiveDate = &effective

	_, err = store.Create(ctx, nil, "intent-1", in, domain.IntentStatusPendingApproval, "ap_manager")
	require.NoError(t, err)

	stored, err := store.GetByID(ctx, nil, "intent-1")
	require.NoError(t, err)

	restored := stored.ToIntent()
	assert.Equal(t, in.Type, restored.Type)
	assert.Equal(t, in.Actor, restored.Actor)
	assert.Equal(t, "corr-9", restored.CorrelationID)
	assert.Equal(t, "idem-9", restored.IdempotencyKey)
	require.NotNil(t, restored.ExpectedEntityVersion)
	assert.Equal(t, int64(4), *restored.ExpectedEntityVersion)
	require.NotNil(t, restored.EffectiveDate)
	assert.Equal(t, "2026-03-15", restored.EffectiveDate.String())
}

func TestListPending(t *testing.T) {
	pool := testutil.OpenMigratedPool(t, "intents-list")
	store := intentstore.New(pool)
	ctx := context.Background()

	_, err := store.Create(ctx, nil, "intent-1",
		testIntent("ap.invoice.submit", "user-1"),
		domain.IntentStatusPendingApproval, "ap_manager")
	require.NoError(t, err)

	other := testIntent("ap.invoice.submit", "user-2")
	other.Scope.LegalEntity = "le-other"
	_, err = store.Create(ctx, nil, "intent-2", other, domain.IntentStatusPendingApproval, "ap_manager")
	require.NoError(t, err)

	pending, err := store.ListPending(ctx, nil, "le-acme")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "intent-1", pending[0].ID)

	all, err := store.ListPending(ctx, nil, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// Decided intents drop out of the queue.
	_, err = store.Approve(ctx, nil, "intent-1", "mgr-1", "Manager", "ok")
	require.NoError(t, err)
	pending, err = store.ListPending(ctx, nil, "le-acme")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestApprove(t *testing.T) {
	pool := testutil.OpenMigratedPool(t, "intents-approve")
	store := intentstore.New(pool)
	ctx := context.Background()

	_, err := store.Create(ctx, nil, "intent-1",
		testIntent("ap.invoice.submit", "user-1"),
		domain.IntentStatusPendingApproval, "ap_manager")
	require.NoError(t, err)

	// The submitter cannot approve their own intent.
	_, err = store.Approve(ctx, nil, "intent-1", "user-1", "Submitter", "")
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeSoDViolation, appErr.Code)

	approved, err := store.Approve(ctx, nil, "intent-1", "mgr-1", "Manager", "looks fine")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusApproved, approved.Status)
	assert.Equal(t, "mgr-1", approved.ApprovedByID)
	assert.Equal(t, "looks fine", approved.ApprovalReason)
	require.NotNil(t, approved.ApprovedAt)

	// Already decided.
	_, err = store.Approve(ctx, nil, "intent-1", "mgr-2", "Other Manager", "")
	appErr, ok = apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeIntentNotPending, appErr.Code)
}

func TestReject(t *testing.T) {
	pool := testutil.OpenMigratedPool(t, "intents-reject")
	store := intentstore.New(pool)
	ctx := context.Background()

	_, err := store.Create(ctx, nil, "intent-1",
		testIntent("ap.invoice.submit", "user-1"),
		domain.IntentStatusPendingApproval, "ap_manager")
	require.NoError(t, err)

	rejected, err := store.Reject(ctx, nil, "intent-1", "mgr-1", "Manager", "over budget")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusRejected, rejected.Status)
	assert.Equal(t, "over budget", rejected.RejectionReason)
	require.NotNil(t, rejected.RejectedAt)

	_, err = store.Reject(ctx, nil, "intent-1", "mgr-2", "Other Manager", "")
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeIntentNotPending, appErr.Code)

	_, err = store.Reject(ctx, nil, "missing", "mgr-1", "Manager", "")
	appErr, ok = apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeIntentNotFound, appErr.Code)
}

func TestMarkExecutedAndFailed(t *testing.T) {
	pool := testutil.OpenMigratedPool(t, "intents-terminal")
	store := intentstore.New(pool)
	ctx := context.Background()

	for _, id := range []string{"intent-1", "intent-2", "intent-3"} {
		_, err := store.Create(ctx, nil, id,
			testIntent("ap.invoice.submit", "user-1"),
			domain.IntentStatusPendingApproval, "ap_manager")
		require.NoError(t, err)
	}

	// Execution requires a prior approval.
	err := store.MarkExecuted(ctx, nil, "intent-1", "ev-1")
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeIntentNotApproved, appErr.Code)

	_, err = store.Approve(ctx, nil, "intent-1", "mgr-1", "Manager", "")
	require.NoError(t, err)
	require.NoError(t, store.MarkExecuted(ctx, nil, "intent-1", "ev-1"))

	executed, err := store.GetByID(ctx, nil, "intent-1")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusExecuted, executed.Status)
	assert.Equal(t, "ev-1", executed.ResultEventID)

	_, err = store.Approve(ctx, nil, "intent-2", "mgr-1", "Manager", "")
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, nil, "intent-2", "entity version conflict"))

	failed, err := store.GetByID(ctx, nil, "intent-2")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStatusFailed, failed.Status)
	assert.Equal(t, "entity version conflict", failed.ErrorMessage)

	// Terminal states never re-execute.
	err = store.MarkExecuted(ctx, nil, "intent-1", "ev-2")
	appErr, ok = apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeIntentNotApproved, appErr.Code)
}
