package intents

import (
	"context"

	"ledgermill.io/ledgermill/internal/domain"
	apperrors "ledgermill.io/ledgermill/internal/pkg/errors"
)

// ItemCreate creates an item. Name is required; SKU must be unique when
// present, and SKU-less items are always allowed.
type ItemCreate struct{ base }

func (h *ItemCreate) IntentType() string { return domain.IntentItemCreate }

func (h *ItemCreate) Execute(ctx context.Context, intent *domain.Intent, intentID string) (*domain.IntentResult, error) {
	tx, err := h.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if prior, err := h.shortCircuit(ctx, tx, intent); prior != nil || err != nil {
		return prior, err
	}

	if _, err := requireString(intent.Data, "name"); err != nil {
		return failure(err, nil)
	}

	flags := domain.Payload{"_duplicate_exists": false}
	if sku := intent.Data.GetString("sku"); sku != "" {
		existing, err := h.deps.Graph.GetEntityByTypeAndAttribute(ctx, tx, EntityItem, "sku", sku, intent.Scope.LegalEntity)
		if err != nil {
			return nil, err
		}
		flags["_duplicate_exists"] = existing != nil
	}

	evaluated := h.evaluate(intent, flags)
	if terminal := h.decide(intent, evaluated); terminal != nil {
		return terminal, nil
	}

	itemID, err := newEntityID("item")
	if err != nil {
		return nil, err
	}
	attrs := stripFlags(evaluated.EnrichedContext)
	if attrs.GetString("status") == "" {
		attrs["status"] = "active"
	}
	if _, err := h.deps.Graph.CreateEntity(ctx, tx, EntityItem, itemID, attrs, intent.Scope.LegalEntity); err != nil {
		return failure(err, evaluated.Traces)
	}

	data := attrs.Merge(domain.Payload{"item_id": itemID})
	ev, err := h.appendAndProject(ctx, tx, appendInput(intent, intentID, domain.EventItemCreated, data, evaluated.Traces,
		[]domain.EntityRef{{EntityType: EntityItem, EntityID: itemID, Role: domain.RoleSubject}},
	))
	if err != nil {
		return failure(err, evaluated.Traces)
	}
	return h.success(ctx, tx, intentID, ev)
}

// POCreate creates a purchase order against an existing vendor.
type POCreate struct{ base }

func (h *POCreate) IntentType() string { return domain.IntentPOCreate }

func (h *POCreate) Execute(ctx context.Context, intent *domain.Intent, intentID string) (*domain.IntentResult, error) {
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
	if _, ok := intent.Data.GetFloat("total"); !ok {
		return failure(apperrors.BadRequest(apperrors.CodeMissingField, "total is required"), nil)
	}

	vendor, err := h.deps.Graph.GetEntity(ctx, tx, EntityVendor, vendorID, intent.Scope.LegalEntity)
	if err != nil {
		return nil, err
	}
	if vendor == nil {
		return failure(apperrors.ErrEntityNotFoundf(EntityVendor, vendorID), nil)
	}

	evaluated := h.evaluate(intent, nil)
	if terminal := h.decide(intent, evaluated); terminal != nil {
		return terminal, nil
	}

	poID, err := newEntityID("po")
	if err != nil {
		return nil, err
	}
	attrs := stripFlags(evaluated.EnrichedContext)
	if attrs.GetString("status") == "" {
		attrs["status"] = "open"
	}
	if _, err := h.deps.Graph.CreateEntity(ctx, tx, EntityPurchaseOrder, poID, attrs, intent.Scope.LegalEntity); err != nil {
		return failure(err, evaluated.Traces)
	}
	if err := h.deps.Graph.CreateRelationship(ctx, tx, relOrderedFrom(poID, vendorID)); err != nil {
		return nil, err
	}

	data := attrs.Merge(domain.Payload{"po_id": poID})
	ev, err := h.appendAndProject(ctx, tx, appendInput(intent, intentID, domain.EventPOCreated, data, evaluated.Traces,
		[]domain.EntityRef{
			{EntityType: EntityPurchaseOrder, EntityID: poID, Role: domain.RoleSubject},
			{EntityType: EntityVendor, EntityID: vendorID, Role: domain.RoleRelated},
		},
	))
	if err != nil {
		return failure(err, evaluated.Traces)
	}
	return h.success(ctx, tx, intentID, ev)
}
