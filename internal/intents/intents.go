// Package intents contains the registered intent handlers for the vendor,
// item, purchasing and AP invoice lifecycles.
//
// Every handler follows the same scoped-transaction discipline: open one
// transaction, short-circuit on a known idempotency key, validate, load
// entities, compute rule-context flags, evaluate phased rules, mutate
// entities under OCC, append events with the rule trace embedded, dispatch
// projections in-transaction, commit.
package intents

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"ledgermill.io/ledgermill/internal/config"
	"ledgermill.io/ledgermill/internal/domain"
	"ledgermill.io/ledgermill/internal/entitygraph"
	"ledgermill.io/ledgermill/internal/eventstore"
	"ledgermill.io/ledgermill/internal/pipeline"
	apperrors "ledgermill.io/ledgermill/internal/pkg/errors"
	"ledgermill.io/ledgermill/internal/pkg/logger"
	"ledgermill.io/ledgermill/internal/projection"
	"ledgermill.io/ledgermill/internal/rules"
	"ledgermill.io/ledgermill/internal/snapshot"
)

// Entity type names used by the handlers.
const (
	EntityVendor        = "vendor"
	EntityContact       = "contact"
	EntityItem          = "item"
	EntityPurchaseOrder = "purchase_order"
	EntityInvoice       = "invoice"
)

// Relationship type names.
const (
	RelHasContact  = "has_contact"
	RelOrderedFrom = "ordered_from"
)

// Deps bundles the collaborators every handler needs.
type Deps struct {
	Pool        *pgxpool.Pool
	Events      *eventstore.Store
	Graph       *entitygraph.Graph
	Projections *projection.Engine
	Snapshots   *snapshot.Service
	Rules       []rules.Rule
	AP          config.APConfig
}

// base carries shared handler mechanics.
type base struct {
	deps Deps
}

// All returns every built-in handler, ready for pipeline registration.
func All(deps Deps) []pipeline.Handler {
	b := base{deps: deps}
	return []pipeline.Handler{
		&VendorCreate{b},
		&VendorUpdate{b},
		&VendorAddContact{b},
		&ItemCreate{b},
		&POCreate{b},
		&InvoiceSubmit{b},
		&InvoiceApprove{b},
		&InvoiceReject{b},
		&InvoicePost{b},
		&InvoicePay{b},
	}
}

// begin opens the handler's transaction.
func (b *base) begin(ctx context.Context) (pgx.Tx, error) {
	return b.deps.Pool.Begin(ctx)
}

// shortCircuit returns the prior result when the intent's idempotency key
// already produced an event.
func (b *base) shortCircuit(ctx context.Context, tx pgx.Tx, intent *domain.Intent) (*domain.IntentResult, error) {
	if intent.IdempotencyKey == "" {
		return nil, nil
	}
	existing, err := b.deps.Events.GetByIdempotencyKey(ctx, tx, intent.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}
	return &domain.IntentResult{
		Success:  true,
		IntentID: existing.IntentID,
		EventID:  existing.ID,
		Event:    existing,
	}, nil
}

// evaluate runs the phased rules over the intent data merged with flags.
func (b *base) evaluate(intent *domain.Intent, flags domain.Payload) *rules.Result {
	data := intent.Data.Merge(flags)
	return rules.EvaluatePhased(b.deps.Rules, rules.Context{
		IntentType: intent.Type,
		Data:       data,
	}, b.effectiveDate(intent))
}

func (b *base) effectiveDate(intent *domain.Intent) domain.DateOnly {
	if intent.EffectiveDate != nil && !intent.EffectiveDate.IsZero() {
		return *intent.EffectiveDate
	}
	if intent.OccurredAt != nil {
		return domain.NewDateOnly(*intent.OccurredAt)
	}
	return domain.Today()
}

// decide converts a rule result into a terminal IntentResult when the rules
// reject or route for approval. A deferred-approved intent skips re-routing.
func (b *base) decide(intent *domain.Intent, result *rules.Result) *domain.IntentResult {
	if result.Rejected() {
		return &domain.IntentResult{
			Success: false,
			Error:   result.RejectionMessage,
			Traces:  result.Traces,
		}
	}
	if result.RoutedForApproval() && !intent.Data.GetBool("_approved_intent") {
		return &domain.IntentResult{
			Success:              false,
			Status:               domain.IntentStatusPendingApproval,
			RequiredApproverRole: result.RequiredApproverRole,
			Traces:               result.Traces,
		}
	}
	return nil
}

// appendAndProject appends one event, fans it out to the projection
// handlers inside the same transaction, and invalidates snapshots whose
// window a back-dated event could have affected.
func (b *base) appendAndProject(ctx context.Context, tx pgx.Tx, in *domain.AppendInput) (*domain.Event, error) {
	ev, err := b.deps.Events.Append(ctx, tx, in)
	if err != nil {
		return nil, err
	}
	if b.deps.Projections != nil {
		if err := b.deps.Projections.ProcessEvent(ctx, tx, ev); err != nil {
			return nil, err
		}
	}
	if b.deps.Snapshots != nil && ev.EffectiveDate.Before(domain.NewDateOnly(ev.RecordedAt)) {
		for _, h := range b.deps.Projections.HandlersFor(ev.Type) {
			if _, err := b.deps.Snapshots.Invalidate(ctx, tx, h.ProjectionType(), ev.Sequence); err != nil {
				return nil, err
			}
		}
	}
	return ev, nil
}

// success finalizes the happy path: commit and build the result.
func (b *base) success(ctx context.Context, tx pgx.Tx, intentID string, ev *domain.Event) (*domain.IntentResult, error) {
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit intent %s: %w", intentID, err)
	}
	logger.Debug("intent executed",
		zap.String("intent_id", intentID),
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type))
	return &domain.IntentResult{
		Success: true,
		EventID: ev.ID,
		Event:   ev,
		Traces:  ev.RulesEvaluated,
	}, nil
}

// newEntityID mints an id with a type prefix, matching the seeded data shape.
func newEntityID(prefix string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate entity id: %w", err)
	}
	return prefix + "-" + id.String(), nil
}

// appendInput builds the common envelope for an event produced by an intent.
func appendInput(intent *domain.Intent, intentID, eventType string, data domain.Payload, traces []domain.RuleTrace, refs []domain.EntityRef) *domain.AppendInput {
	return &domain.AppendInput{
		Type:           eventType,
		OccurredAt:     intent.OccurredAt,
		EffectiveDate:  intent.EffectiveDate,
		Scope:          intent.Scope,
		Actor:          intent.Actor,
		CorrelationID:  intent.CorrelationID,
		IntentID:       intentID,
		Data:           data,
		Entities:       refs,
		RulesEvaluated: traces,
		IdempotencyKey: intent.IdempotencyKey,
	}
}

// requireString returns a missing-field error unless data[key] is a
// non-empty string.
func requireString(data domain.Payload, key string) (string, error) {
	v := data.GetString(key)
	if v == "" {
		return "", apperrors.BadRequest(apperrors.CodeMissingField, key+" is required").
			WithParams(map[string]interface{}{"field": key})
	}
	return v, nil
}

// failure wraps a business failure as a result, leaving engine errors to
// propagate as errors.
func failure(err error, traces []domain.RuleTrace) (*domain.IntentResult, error) {
	if appErr, ok := apperrors.IsAppError(err); ok && appErr.HTTPStatus < 500 {
		return &domain.IntentResult{Success: false, Error: appErr.Message, Traces: traces}, nil
	}
	return nil, err
}

func relHasContact(vendorID, contactID string) entitygraph.Relationship {
	return entitygraph.Relationship{
		FromType: EntityVendor, FromID: vendorID,
		ToType: EntityContact, ToID: contactID,
		RelationType: RelHasContact,
	}
}

func relOrderedFrom(poID, vendorID string) entitygraph.Relationship {
	return entitygraph.Relationship{
		FromType: EntityPurchaseOrder, FromID: poID,
		ToType: EntityVendor, ToID: vendorID,
		RelationType: RelOrderedFrom,
	}
}

// stripFlags drops handler-computed "_" keys so they never leak into entity
// attributes or event data.
func stripFlags(p domain.Payload) domain.Payload {
	out := make(domain.Payload, len(p))
	for k, v := range p {
		if len(k) > 0 && k[0] == '_' {
			continue
		}
		out[k] = v
	}
	return out
}

