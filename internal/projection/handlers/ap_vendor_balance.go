package handlers

import (
	"context"
	"fmt"

	"ledgermill.io/ledgermill/internal/domain"
	"ledgermill.io/ledgermill/internal/infrastructure"
)

// APVendorBalance tracks the outstanding posted balance per vendor.
// Posting increments, payment and cancellation decrement, floored at zero.
// Counter updates are safe under re-delivery because they commit atomically
// with the subscription cursor advance.
type APVendorBalance struct{}

func NewAPVendorBalance() *APVendorBalance { return &APVendorBalance{} }

func (h *APVendorBalance) ProjectionType() string { return TypeAPVendorBalance }

func (h *APVendorBalance) EventTypes() []string {
	return []string{
		domain.EventInvoicePosted,
		domain.EventInvoicePaid,
		domain.EventInvoiceCancelled,
	}
}

func (h *APVendorBalance) Handle(ctx context.Context, db infrastructure.DBTX, ev *domain.Event) error {
	vendorID := ev.Data.GetString("vendor_id")
	if vendorID == "" {
		return fmt.Errorf("invoice event %s has no vendor_id", ev.ID)
	}
	amount, _ := ev.Data.GetFloat("amount")

	if ev.Type == domain.EventInvoicePosted {
		_, err := db.Exec(ctx, `
			INSERT INTO ap_vendor_balance (vendor_id, legal_entity, balance, invoice_count, updated_at)
			VALUES ($1, $2, $3, 1, $4)
			ON CONFLICT (vendor_id) DO UPDATE SET
				balance = ap_vendor_balance.balance + EXCLUDED.balance,
				invoice_count = ap_vendor_balance.invoice_count + 1,
				updated_at = EXCLUDED.updated_at`,
			vendorID, ev.Scope.LegalEntity, amount, ev.OccurredAt,
		)
		return err
	}

	_, err := db.Exec(ctx, `
		UPDATE ap_vendor_balance
		SET balance = GREATEST(balance - $2, 0), updated_at = $3
		WHERE vendor_id = $1`,
		vendorID, amount, ev.OccurredAt,
	)
	return err
}

func (h *APVendorBalance) Reset(ctx context.Context, db infrastructure.DBTX) error {
	_, err := db.Exec(ctx, `TRUNCATE ap_vendor_balance`)
	return err
}
