package intents

import (
	"context"

	"ledgermill.io/ledgermill/internal/domain"
	apperrors "ledgermill.io/ledgermill/internal/pkg/errors"
)

// VendorCreate creates a vendor. Name must be present and unique within the
// legal entity; a high credit limit routes for approval.
type VendorCreate struct{ base }

func (h *VendorCreate) IntentType() string { return domain.IntentVendorCreate }

func (h *VendorCreate) Execute(ctx context.Context, intent *domain.Intent, intentID string) (*domain.IntentResult, error) {
	tx, err := h.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if prior, err := h.shortCircuit(ctx, tx, intent); prior != nil || err != nil {
		return prior, err
	}

	name := intent.Data.GetString("name")
	flags := domain.Payload{"_name_missing": name == ""}
	if name != "" {
		existing, err := h.deps.Graph.GetEntityByTypeAndAttribute(ctx, tx, EntityVendor, "name", name, intent.Scope.LegalEntity)
		if err != nil {
			return nil, err
		}
		flags["_duplicate_exists"] = existing != nil
	}

	evaluated := h.evaluate(intent, flags)
	if terminal := h.decide(intent, evaluated); terminal != nil {
		return terminal, nil
	}

	vendorID, err := newEntityID("vendor")
	if err != nil {
		return nil, err
	}
	attrs := stripFlags(evaluated.EnrichedContext)
	if attrs.GetString("status") == "" {
		attrs["status"] = "active"
	}

	if _, err := h.deps.Graph.CreateEntity(ctx, tx, EntityVendor, vendorID, attrs, intent.Scope.LegalEntity); err != nil {
		return failure(err, evaluated.Traces)
	}

	data := attrs.Merge(domain.Payload{"vendor_id": vendorID})
	ev, err := h.appendAndProject(ctx, tx, appendInput(intent, intentID, domain.EventVendorCreated, data, evaluated.Traces,
		[]domain.EntityRef{{EntityType: EntityVendor, EntityID: vendorID, Role: domain.RoleSubject}},
	))
	if err != nil {
		return failure(err, evaluated.Traces)
	}
	return h.success(ctx, tx, intentID, ev)
}

// VendorUpdate updates vendor attributes under OCC; a stale expected version
// surfaces as a concurrency conflict.
type VendorUpdate struct{ base }

func (h *VendorUpdate) IntentType() string { return domain.IntentVendorUpdate }

func (h *VendorUpdate) Execute(ctx context.Context, intent *domain.Intent, intentID string) (*domain.IntentResult, error) {
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
	if intent.ExpectedEntityVersion == nil {
		return failure(apperrors.BadRequest(apperrors.CodeMissingField,
			"expected_entity_version is required"), nil)
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

	changes := stripFlags(evaluated.EnrichedContext)
	delete(changes, "vendor_id")
	attrs := vendor.Attributes.Merge(changes)

	if _, err := h.deps.Graph.UpdateEntity(ctx, tx, EntityVendor, vendorID, attrs, *intent.ExpectedEntityVersion, intent.Scope.LegalEntity); err != nil {
		// Concurrency conflicts propagate; the transport maps them to 409.
		return nil, err
	}

	data := changes.Merge(domain.Payload{"vendor_id": vendorID})
	ev, err := h.appendAndProject(ctx, tx, appendInput(intent, intentID, domain.EventVendorUpdated, data, evaluated.Traces,
		[]domain.EntityRef{{EntityType: EntityVendor, EntityID: vendorID, Role: domain.RoleSubject}},
	))
	if err != nil {
		return failure(err, evaluated.Traces)
	}
	return h.success(ctx, tx, intentID, ev)
}

// VendorAddContact creates a contact entity linked to the vendor.
type VendorAddContact struct{ base }

func (h *VendorAddContact) IntentType() string { return domain.IntentVendorAddContact }

func (h *VendorAddContact) Execute(ctx context.Context, intent *domain.Intent, intentID string) (*domain.IntentResult, error) {
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
	contactName, err := requireString(intent.Data, "contact_name")
	if err != nil {
		return failure(err, nil)
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

	contactID, err := newEntityID("contact")
	if err != nil {
		return nil, err
	}
	attrs := domain.Payload{
		"name":  contactName,
		"email": intent.Data.GetString("email"),
		"phone": intent.Data.GetString("phone"),
		"role":  intent.Data.GetString("role"),
	}
	if _, err := h.deps.Graph.CreateEntity(ctx, tx, EntityContact, contactID, attrs, intent.Scope.LegalEntity); err != nil {
		return failure(err, evaluated.Traces)
	}
	if err := h.deps.Graph.CreateRelationship(ctx, tx, relHasContact(vendorID, contactID)); err != nil {
		return nil, err
	}

	data := attrs.Merge(domain.Payload{"vendor_id": vendorID, "contact_id": contactID})
	ev, err := h.appendAndProject(ctx, tx, appendInput(intent, intentID, domain.EventVendorContactAdded, data, evaluated.Traces,
		[]domain.EntityRef{
			{EntityType: EntityVendor, EntityID: vendorID, Role: domain.RoleSubject},
			{EntityType: EntityContact, EntityID: contactID, Role: domain.RoleRelated},
		},
	))
	if err != nil {
		return failure(err, evaluated.Traces)
	}
	return h.success(ctx, tx, intentID, ev)
}
