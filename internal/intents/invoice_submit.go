package intents

import (
	"context"
	"errors"
	"math"

	"github.com/jackc/pgx/v5"

	"ledgermill.io/ledgermill/internal/domain"
	apperrors "ledgermill.io/ledgermill/internal/pkg/errors"
)

// Match results computed at submit time.
const (
	MatchResultMatched   = "matched"
	MatchResultException = "match_exception"
)

// InvoiceSubmit records a vendor invoice. When a PO is referenced, a 3-way
// match runs inside the same transaction and emits a follow-on matched or
// match_exception event caused by the submitted event.
type InvoiceSubmit struct{ base }

func (h *InvoiceSubmit) IntentType() string { return domain.IntentInvoiceSubmit }

func (h *InvoiceSubmit) Execute(ctx context.Context, intent *domain.Intent, intentID string) (*domain.IntentResult, error) {
	tx, err := h.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if prior, err := h.shortCircuit(ctx, tx, intent); prior != nil || err != nil {
		return prior, err
	}

	vendorID, err := requireString(intent.Data, "vendor_id")
	if err != nil {
		return failure(err, nil)
	}
	invoiceNumber, err := requireString(intent.Data, "invoice_number")
	if err != nil {
		return failure(err, nil)
	}
	amount, ok := intent.Data.GetFloat("amount")
	if !ok || amount <= 0 {
		return failure(apperrors.BadRequest(apperrors.CodeValidationFailed,
			"amount must be a positive number"), nil)
	}

	vendor, err := h.deps.Graph.GetEntity(ctx, tx, EntityVendor, vendorID, intent.Scope.LegalEntity)
	if err != nil {
		return nil, err
	}
	if vendor == nil {
		return failure(apperrors.ErrEntityNotFoundf(EntityVendor, vendorID), nil)
	}

	duplicate, err := h.duplicateInvoiceExists(ctx, tx, intent, vendorID, invoiceNumber)
	if err != nil {
		return nil, err
	}
	flags := domain.Payload{"_duplicate_exists": duplicate}

	// 3-way match against the referenced PO.
	var match *matchOutcome
	if poID := intent.Data.GetString("po_id"); poID != "" {
		po, err := h.deps.Graph.GetEntity(ctx, tx, EntityPurchaseOrder, poID, intent.Scope.LegalEntity)
		if err != nil {
			return nil, err
		}
		if po == nil {
			return failure(apperrors.ErrEntityNotFoundf(EntityPurchaseOrder, poID), nil)
		}
		match = h.match(intent, po.Attributes, poID, amount)
		flags["_match_result"] = match.result
	}

	evaluated := h.evaluate(intent, flags)
	if terminal := h.decide(intent, evaluated); terminal != nil {
		return terminal, nil
	}

	invoiceID, err := newEntityID("inv")
	if err != nil {
		return nil, err
	}
	attrs := stripFlags(evaluated.EnrichedContext)
	attrs["status"] = "submitted"
	attrs["submitted_by"] = intent.Actor.ID
	invoice, err := h.deps.Graph.CreateEntity(ctx, tx, EntityInvoice, invoiceID, attrs, intent.Scope.LegalEntity)
	if err != nil {
		return failure(err, evaluated.Traces)
	}

	refs := []domain.EntityRef{
		{EntityType: EntityInvoice, EntityID: invoiceID, Role: domain.RoleSubject},
		{EntityType: EntityVendor, EntityID: vendorID, Role: domain.RoleRelated},
	}
	if match != nil {
		refs = append(refs, domain.EntityRef{EntityType: EntityPurchaseOrder, EntityID: match.poID, Role: domain.RoleRelated})
	}

	data := attrs.Merge(domain.Payload{
		"invoice_id":  invoiceID,
		"vendor_name": vendor.Attributes.GetString("name"),
	})
	submitted, err := h.appendAndProject(ctx, tx, appendInput(intent, intentID, domain.EventInvoiceSubmitted, data, evaluated.Traces, refs))
	if err != nil {
		return failure(err, evaluated.Traces)
	}

	if match != nil {
		if err := h.emitMatchEvent(ctx, tx, intent, intentID, submitted, invoiceID, vendorID, amount, match); err != nil {
			return failure(err, evaluated.Traces)
		}
		attrs["status"] = match.status()
		if _, err := h.deps.Graph.UpdateEntity(ctx, tx, EntityInvoice, invoiceID, attrs, invoice.Version, intent.Scope.LegalEntity); err != nil {
			return nil, err
		}
	}

	return h.success(ctx, tx, intentID, submitted)
}

type matchOutcome struct {
	result   string
	poID     string
	poTotal  float64
	variance float64
}

func (m *matchOutcome) status() string {
	if m.result == MatchResultMatched {
		return "matched"
	}
	return "match_exception"
}

// match compares the invoice amount to the PO total. The tolerance is a
// fraction of the PO total; the intent may override the configured default.
func (h *InvoiceSubmit) match(intent *domain.Intent, poAttrs domain.Payload, poID string, amount float64) *matchOutcome {
	poTotal, _ := poAttrs.GetFloat("total")
	variance := math.Abs(amount - poTotal)

	tolerance := h.deps.AP.MatchTolerance
	if override, ok := intent.Data.GetFloat("match_tolerance"); ok {
		tolerance = override
	}

	out := &matchOutcome{poID: poID, poTotal: poTotal, variance: variance}
	if poTotal > 0 && variance/poTotal <= tolerance {
		out.result = MatchResultMatched
	} else {
		out.result = MatchResultException
	}
	return out
}

// emitMatchEvent appends the follow-on matched/match_exception event. The
// actor is the match engine, causality points at the submitted event, and
// the wall time is the submitted event's.
func (h *InvoiceSubmit) emitMatchEvent(ctx context.Context, tx pgx.Tx, intent *domain.Intent, intentID string, submitted *domain.Event, invoiceID, vendorID string, amount float64, match *matchOutcome) error {
	eventType := domain.EventInvoiceMatched
	data := domain.Payload{
		"invoice_id": invoiceID,
		"vendor_id":  vendorID,
		"po_id":      match.poID,
		"po_total":   match.poTotal,
		"amount":     amount,
		"variance":   match.variance,
	}
	if match.result == MatchResultMatched {
		data["match_type"] = "3-way"
	} else {
		eventType = domain.EventInvoiceMatchException
		data["exception_type"] = "price_variance"
	}

	occurredAt := submitted.OccurredAt
	in := &domain.AppendInput{
		Type:          eventType,
		OccurredAt:    &occurredAt,
		EffectiveDate: &submitted.EffectiveDate,
		Scope:         intent.Scope,
		Actor:         domain.Actor{Type: domain.ActorSystem, ID: "match-engine", Name: "3-way match"},
		CorrelationID: intent.CorrelationID,
		CausedBy:      submitted.ID,
		IntentID:      intentID,
		Data:          data,
		Entities: []domain.EntityRef{
			{EntityType: EntityInvoice, EntityID: invoiceID, Role: domain.RoleSubject},
			{EntityType: EntityPurchaseOrder, EntityID: match.poID, Role: domain.RoleRelated},
		},
	}
	_, err := h.appendAndProject(ctx, tx, in)
	return err
}

// duplicateInvoiceExists probes for an invoice with the same number from the
// same vendor in the same legal entity.
func (h *InvoiceSubmit) duplicateInvoiceExists(ctx context.Context, tx pgx.Tx, intent *domain.Intent, vendorID, invoiceNumber string) (bool, error) {
	var one int
	err := tx.QueryRow(ctx, `
		SELECT 1 FROM entities
		WHERE entity_type = $1 AND attributes->>'invoice_number' = $2
		  AND attributes->>'vendor_id' = $3 AND legal_entity = $4
		LIMIT 1`,
		EntityInvoice, invoiceNumber, vendorID, intent.Scope.LegalEntity,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
