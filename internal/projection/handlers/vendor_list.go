package handlers

import (
	"context"
	"fmt"

	"ledgermill.io/ledgermill/internal/domain"
	"ledgermill.io/ledgermill/internal/infrastructure"
)

// VendorList maintains one row per vendor.
type VendorList struct{}

func NewVendorList() *VendorList { return &VendorList{} }

func (h *VendorList) ProjectionType() string { return TypeVendorList }

func (h *VendorList) EventTypes() []string {
	return []string{domain.EventVendorCreated, domain.EventVendorUpdated}
}

func (h *VendorList) Handle(ctx context.Context, db infrastructure.DBTX, ev *domain.Event) error {
	vendorID := subjectID(ev, "vendor_id")
	if vendorID == "" {
		return fmt.Errorf("vendor event %s has no subject vendor", ev.ID)
	}

	creditLimit, _ := ev.Data.GetFloat("credit_limit")
	status := ev.Data.GetString("status")
	if status == "" {
		status = "active"
	}

	switch ev.Type {
	case domain.EventVendorCreated:
		_, err := db.Exec(ctx, `
			INSERT INTO vendor_list (vendor_id, legal_entity, name, status, credit_limit, payment_terms, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (vendor_id) DO UPDATE SET
				legal_entity = EXCLUDED.legal_entity,
				name = EXCLUDED.name,
				status = EXCLUDED.status,
				credit_limit = EXCLUDED.credit_limit,
				payment_terms = EXCLUDED.payment_terms,
				updated_at = EXCLUDED.updated_at`,
			vendorID, ev.Scope.LegalEntity, ev.Data.GetString("name"), status,
			creditLimit, ev.Data.GetString("payment_terms"), ev.OccurredAt,
		)
		return err
	case domain.EventVendorUpdated:
		// Partial update: only fields present in the event change.
		_, err := db.Exec(ctx, `
			UPDATE vendor_list SET
				name = COALESCE(NULLIF($2, ''), name),
				status = COALESCE(NULLIF($3, ''), status),
				credit_limit = CASE WHEN $4 THEN $5 ELSE credit_limit END,
				payment_terms = COALESCE(NULLIF($6, ''), payment_terms),
				updated_at = $7
			WHERE vendor_id = $1`,
			vendorID, ev.Data.GetString("name"), ev.Data.GetString("status"),
			ev.Data.Has("credit_limit"), creditLimit,
			ev.Data.GetString("payment_terms"), ev.OccurredAt,
		)
		return err
	}
	return nil
}

func (h *VendorList) Reset(ctx context.Context, db infrastructure.DBTX) error {
	_, err := db.Exec(ctx, `TRUNCATE vendor_list`)
	return err
}
