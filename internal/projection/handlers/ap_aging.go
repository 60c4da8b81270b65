package handlers

import (
	"context"
	"fmt"

	"ledgermill.io/ledgermill/internal/domain"
	"ledgermill.io/ledgermill/internal/infrastructure"
)

// Aging bucket names.
const (
	BucketCurrent = "current"
	Bucket1to30   = "1-30"
	Bucket31to60  = "31-60"
	Bucket61to90  = "61-90"
	Bucket91Plus  = "91+"
)

// AgingBucket classifies an invoice by days past due as of a reference date.
// An invoice without a due date, or not yet due, is current.
func AgingBucket(dueDate *domain.DateOnly, asOf domain.DateOnly) string {
	if dueDate == nil || dueDate.IsZero() || asOf.IsZero() {
		return BucketCurrent
	}
	days := int(asOf.Time().Sub(dueDate.Time()).Hours() / 24)
	switch {
	case days <= 0:
		return BucketCurrent
	case days <= 30:
		return Bucket1to30
	case days <= 60:
		return Bucket31to60
	case days <= 90:
		return Bucket61to90
	default:
		return Bucket91Plus
	}
}

// APAging tracks open invoices bucketed by days overdue. Payment or
// cancellation closes the row.
type APAging struct{}

func NewAPAging() *APAging { return &APAging{} }

func (h *APAging) ProjectionType() string { return TypeAPAging }

func (h *APAging) EventTypes() []string {
	return []string{
		domain.EventInvoiceSubmitted,
		domain.EventInvoicePaid,
		domain.EventInvoiceCancelled,
	}
}

func (h *APAging) Handle(ctx context.Context, db infrastructure.DBTX, ev *domain.Event) error {
	invoiceID := subjectID(ev, "invoice_id")
	if invoiceID == "" {
		return fmt.Errorf("invoice event %s has no subject invoice", ev.ID)
	}

	switch ev.Type {
	case domain.EventInvoiceSubmitted:
		amount, _ := ev.Data.GetFloat("amount")
		var dueDate *domain.DateOnly
		var dueArg interface{}
		if raw := ev.Data.GetString("due_date"); raw != "" {
			if d, err := domain.ParseDateOnly(raw); err == nil {
				dueDate = &d
				dueArg = raw
			}
		}
		bucket := AgingBucket(dueDate, ev.EffectiveDate)
		_, err := db.Exec(ctx, `
			INSERT INTO ap_aging (invoice_id, legal_entity, vendor_id, amount, due_date, bucket, status, updated_at)
			VALUES ($1, $2, $3, $4, $5::date, $6, 'open', $7)
			ON CONFLICT (invoice_id) DO UPDATE SET
				amount = EXCLUDED.amount,
				due_date = EXCLUDED.due_date,
				bucket = EXCLUDED.bucket,
				updated_at = EXCLUDED.updated_at`,
			invoiceID, ev.Scope.LegalEntity, ev.Data.GetString("vendor_id"),
			amount, dueArg, bucket, ev.OccurredAt,
		)
		return err
	case domain.EventInvoicePaid, domain.EventInvoiceCancelled:
		_, err := db.Exec(ctx, `
			UPDATE ap_aging SET status = 'closed', updated_at = $2 WHERE invoice_id = $1`,
			invoiceID, ev.OccurredAt,
		)
		return err
	}
	return nil
}

func (h *APAging) Reset(ctx context.Context, db infrastructure.DBTX) error {
	_, err := db.Exec(ctx, `TRUNCATE ap_aging`)
	return err
}
