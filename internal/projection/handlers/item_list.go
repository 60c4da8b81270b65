package handlers

import (
	"context"
	"fmt"

	"ledgermill.io/ledgermill/internal/domain"
	"ledgermill.io/ledgermill/internal/infrastructure"
)

// ItemList maintains one row per item.
type ItemList struct{}

func NewItemList() *ItemList { return &ItemList{} }

func (h *ItemList) ProjectionType() string { return TypeItemList }

func (h *ItemList) EventTypes() []string {
	return []string{domain.EventItemCreated}
}

func (h *ItemList) Handle(ctx context.Context, db infrastructure.DBTX, ev *domain.Event) error {
	itemID := subjectID(ev, "item_id")
	if itemID == "" {
		return fmt.Errorf("item event %s has no subject item", ev.ID)
	}
	status := ev.Data.GetString("status")
	if status == "" {
		status = "active"
	}
	_, err := db.Exec(ctx, `
		INSERT INTO item_list (item_id, legal_entity, name, sku, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (item_id) DO UPDATE SET
			legal_entity = EXCLUDED.legal_entity,
			name = EXCLUDED.name,
			sku = EXCLUDED.sku,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		itemID, ev.Scope.LegalEntity, ev.Data.GetString("name"),
		ev.Data.GetString("sku"), status, ev.OccurredAt,
	)
	return err
}

func (h *ItemList) Reset(ctx context.Context, db infrastructure.DBTX) error {
	_, err := db.Exec(ctx, `TRUNCATE item_list`)
	return err
}
