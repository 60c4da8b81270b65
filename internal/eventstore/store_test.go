package eventstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgermill.io/ledgermill/internal/domain"
	"ledgermill.io/ledgermill/internal/eventstore"
	apperrors "ledgermill.io/ledgermill/internal/pkg/errors"
	"ledgermill.io/ledgermill/internal/pkg/logger"
	"ledgermill.io/ledgermill/internal/testutil"
)

func init() {
	_ = logger.Init("error", "json")
}

func testInput(eventType, correlationID string) *domain.AppendInput {
	return &domain.AppendInput{
		Type:          eventType,
		CorrelationID: correlationID,
		Scope:         domain.Scope{Tenant: "t1", LegalEntity: "le-acme"},
		Actor:         domain.Actor{Type: domain.ActorHuman, ID: "user-1"},
		Data:          domain.Payload{"k": "v"},
	}
}

func TestAppend_AssignsOrderAndDefaults(t *testing.T) {
	pool := testutil.OpenMigratedPool(t, "eventstore-append")
	store := eventstore.New(pool, nil)
	ctx := context.Background()

	first, err := store.Append(ctx, nil, testInput("mdm.vendor.created", "corr-1"))
	require.NoError(t, err)
	second, err := store.Append(ctx, nil, testInput("mdm.vendor.updated", "corr-2"))
	require.NoError(t, err)

	assert.NotEmpty(t, first.ID)
	assert.Greater(t, int64(second.Sequence), int64(first.Sequence))
	assert.False(t, first.RecordedAt.IsZero())
	assert.False(t, first.OccurredAt.IsZero())
	assert.Equal(t, domain.NewDateOnly(first.RecordedAt).String(), first.EffectiveDate.String(),
		"effective date defaults to the recorded date")
	assert.Equal(t, 1, first.SchemaVersion)
}

func TestAppend_Validation(t *testing.T) {
	pool := testutil.OpenMigratedPool(t, "eventstore-validation")
	store := eventstore.New(pool, nil)
	ctx := context.Background()

	_, err := store.Append(ctx, nil, &domain.AppendInput{CorrelationID: "c"})
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeValidationFailed, appErr.Code)

	_, err = store.Append(ctx, nil, &domain.AppendInput{Type: "t"})
	appErr, ok = apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeValidationFailed, appErr.Code)
}

func TestAppend_IdempotencyReturnsExisting(t *testing.T) {
	pool := testutil.OpenMigratedPool(t, "eventstore-idem")
	store := eventstore.New(pool, nil)
	ctx := context.Background()

	in := testInput("ap.invoice.submitted", "corr-1")
	in.IdempotencyKey = "once-only"

	first, err := store.Append(ctx, nil, in)
	require.NoError(t, err)

	again := testInput("ap.invoice.submitted", "corr-other")
	again.IdempotencyKey = "once-only"
	second, err := store.Append(ctx, nil, again)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Sequence, second.Sequence)
	assert.Equal(t, "corr-1", second.CorrelationID, "the original event wins")

	found, err := store.GetByIdempotencyKey(ctx, nil, "once-only")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.ID, found.ID)

	missing, err := store.GetByIdempotencyKey(ctx, nil, "never-used")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

// Two transactions race on one idempotency key. The loser gets a unique
// violation on insert; because the insert runs in a savepoint the losing
// transaction stays usable, the retry lookup finds the winner's event, and
// the loser can keep working and commit.
func TestAppend_IdempotencyRaceKeepsTransactionAlive(t *testing.T) {
	pool := testutil.OpenMigratedPool(t, "eventstore-idem-race")
	store := eventstore.New(pool, nil)
	ctx := context.Background()

	winner, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer winner.Rollback(ctx)

	in := testInput("ap.invoice.submitted", "corr-winner")
	in.IdempotencyKey = "raced-key"
	first, err := store.Append(ctx, winner, in)
	require.NoError(t, err)

	type outcome struct {
		ev  *domain.Event
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		loser, err := pool.Begin(ctx)
		if err != nil {
			done <- outcome{err: err}
			return
		}
		defer loser.Rollback(ctx)

		again := testInput("ap.invoice.submitted", "corr-loser")
		again.IdempotencyKey = "raced-key"
		ev, err := store.Append(ctx, loser, again)
		if err != nil {
			done <- outcome{err: err}
			return
		}

		// The losing transaction must still accept statements after the
		// conflict, not fail with "current transaction is aborted".
		var one int
		if err := loser.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
			done <- outcome{err: err}
			return
		}
		done <- outcome{ev: ev, err: loser.Commit(ctx)}
	}()

	// Let the second appender block on the unique index entry the winner
	// holds, then commit the winner so the conflict fires.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, winner.Commit(ctx))

	got := <-done
	require.NoError(t, got.err)
	require.NotNil(t, got.ev)
	assert.Equal(t, first.ID, got.ev.ID)
	assert.Equal(t, "corr-winner", got.ev.CorrelationID, "the committed appender wins")
}

func TestAppend_OCC(t *testing.T) {
	pool := testutil.OpenMigratedPool(t, "eventstore-occ")
	store := eventstore.New(pool, nil)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `
		INSERT INTO entities (entity_type, entity_id, attributes, version, legal_entity)
		VALUES ('vendor', 'vendor-1', '{}', 3, 'le-acme')`)
	require.NoError(t, err)

	in := testInput("mdm.vendor.updated", "corr-1")
	in.Entities = []domain.EntityRef{{EntityType: "vendor", EntityID: "vendor-1", Role: domain.RoleSubject}}

	stale := int64(2)
	in.ExpectedEntityVersion = &stale
	_, err = store.Append(ctx, nil, in)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeConcurrencyConflict, appErr.Code)
	assert.Equal(t, int64(3), appErr.Params["actual_version"])

	current := int64(3)
	in.ExpectedEntityVersion = &current
	_, err = store.Append(ctx, nil, in)
	assert.NoError(t, err)
}

func TestReadStream_PagingAndFilters(t *testing.T) {
	pool := testutil.OpenMigratedPool(t, "eventstore-read")
	store := eventstore.New(pool, nil)
	ctx := context.Background()

	types := []string{"a.one", "a.two", "a.one", "a.two", "a.one"}
	for i, eventType := range types {
		_, err := store.Append(ctx, nil, testInput(eventType, "corr-"+string(rune('a'+i))))
		require.NoError(t, err)
	}

	page, err := store.ReadStream(ctx, nil, eventstore.ReadParams{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.True(t, page.HasMore)
	require.NotNil(t, page.NextSequence)

	rest, err := store.ReadStream(ctx, nil, eventstore.ReadParams{AfterSequence: *page.NextSequence})
	require.NoError(t, err)
	assert.Len(t, rest.Events, 3)
	assert.False(t, rest.HasMore)

	filtered, err := store.ReadStream(ctx, nil, eventstore.ReadParams{EventTypes: []string{"a.one"}})
	require.NoError(t, err)
	assert.Len(t, filtered.Events, 3)
	for _, ev := range filtered.Events {
		assert.Equal(t, "a.one", ev.Type)
	}
}

func TestReadByPartition(t *testing.T) {
	pool := testutil.OpenMigratedPool(t, "eventstore-partition")
	store := eventstore.New(pool, nil)
	ctx := context.Background()

	acme := testInput("t.ev", "corr-1")
	_, err := store.Append(ctx, nil, acme)
	require.NoError(t, err)

	other := testInput("t.ev", "corr-2")
	other.Scope.LegalEntity = "le-other"
	_, err = store.Append(ctx, nil, other)
	require.NoError(t, err)

	page, err := store.ReadByPartition(ctx, nil, "le-acme", eventstore.ReadParams{})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "le-acme", page.Events[0].Scope.LegalEntity)
}

func TestGetByID_And_GetByIntentID(t *testing.T) {
	pool := testutil.OpenMigratedPool(t, "eventstore-get")
	store := eventstore.New(pool, nil)
	ctx := context.Background()

	in := testInput("t.ev", "corr-1")
	in.IntentID = "intent-42"
	ev, err := store.Append(ctx, nil, in)
	require.NoError(t, err)

	got, err := store.GetByID(ctx, nil, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, ev.Sequence, got.Sequence)
	assert.Equal(t, "v", got.Data.GetString("k"))

	_, err = store.GetByID(ctx, nil, "00000000-0000-0000-0000-000000000000")
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeEventNotFound, appErr.Code)

	byIntent, err := store.GetByIntentID(ctx, nil, "intent-42")
	require.NoError(t, err)
	require.Len(t, byIntent, 1)
	assert.Equal(t, ev.ID, byIntent[0].ID)
}

func TestAppend_SchemaValidation(t *testing.T) {
	pool := testutil.OpenMigratedPool(t, "eventstore-schema")
	registry := eventstore.NewRegistry(pool)
	store := eventstore.New(pool, registry)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, eventstore.EventTypeInfo{
		TypeName:      "strict.ev",
		SchemaVersion: 1,
		JSONSchema:    []byte(`{"type":"object","properties":{"amount":{"type":"number"}},"required":["amount"]}`),
	}))

	bad := testInput("strict.ev", "corr-1")
	bad.Data = domain.Payload{"amount": "not a number"}
	_, err := store.Append(ctx, nil, bad)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeEventSchemaInvalid, appErr.Code)

	good := testInput("strict.ev", "corr-2")
	good.Data = domain.Payload{"amount": 12.5}
	_, err = store.Append(ctx, nil, good)
	assert.NoError(t, err)

	// Unregistered types stay permissive.
	_, err = store.Append(ctx, nil, testInput("loose.ev", "corr-3"))
	assert.NoError(t, err)
}
