// Package main provides data seeding for Ledgermill.
//
// The server validates event payloads against registered JSON Schemas when
// one exists for the event type. This command performs an idempotent
// bootstrap of the built-in schemas; re-running it replaces them in place.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"ledgermill.io/ledgermill/internal/config"
	"ledgermill.io/ledgermill/internal/domain"
	"ledgermill.io/ledgermill/internal/eventstore"
	"ledgermill.io/ledgermill/internal/infrastructure"
	"ledgermill.io/ledgermill/internal/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seed error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()

	// Database and River migrations are expected to be executed before
	// seeding. This command only performs idempotent data bootstrap.
	registry := eventstore.NewRegistry(db.Pool)

	logger.Info("Starting schema seeding...")
	for _, schema := range builtInSchemas() {
		if err := registry.Register(ctx, schema); err != nil {
			return fmt.Errorf("register %s v%d: %w", schema.TypeName, schema.SchemaVersion, err)
		}
		logger.Info("event type registered",
			zap.String("type", schema.TypeName),
			zap.Int("version", schema.SchemaVersion))
	}

	logger.Info("Schema seeding completed successfully")
	return nil
}

// objectSchema builds a permissive object schema that requires the named
// properties as strings or numbers and allows everything else.
func objectSchema(required map[string]string) json.RawMessage {
	properties := make(map[string]any, len(required))
	names := make([]string, 0, len(required))
	for name, typ := range required {
		properties[name] = map[string]any{"type": typ}
		names = append(names, name)
	}
	doc := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             names,
		"additionalProperties": true,
	}
	raw, _ := json.Marshal(doc)
	return raw
}

func builtInSchemas() []eventstore.EventTypeInfo {
	return []eventstore.EventTypeInfo{
		{
			TypeName:      domain.EventVendorCreated,
			SchemaVersion: 1,
			JSONSchema:    objectSchema(map[string]string{"vendor_id": "string", "name": "string"}),
			Description:   "A vendor master record was created.",
		},
		{
			TypeName:      domain.EventVendorUpdated,
			SchemaVersion: 1,
			JSONSchema:    objectSchema(map[string]string{"vendor_id": "string"}),
			Description:   "Vendor master attributes changed.",
		},
		{
			TypeName:      domain.EventVendorContactAdded,
			SchemaVersion: 1,
			JSONSchema:    objectSchema(map[string]string{"vendor_id": "string", "contact_id": "string"}),
			Description:   "A contact was attached to a vendor.",
		},
		{
			TypeName:      domain.EventItemCreated,
			SchemaVersion: 1,
			JSONSchema:    objectSchema(map[string]string{"item_id": "string", "name": "string"}),
			Description:   "An item master record was created.",
		},
		{
			TypeName:      domain.EventPOCreated,
			SchemaVersion: 1,
			JSONSchema:    objectSchema(map[string]string{"po_id": "string", "vendor_id": "string", "total": "number"}),
			Description:   "A purchase order was opened against a vendor.",
		},
		{
			TypeName:      domain.EventInvoiceSubmitted,
			SchemaVersion: 1,
			JSONSchema:    objectSchema(map[string]string{"invoice_id": "string", "vendor_id": "string", "invoice_number": "string", "amount": "number"}),
			Description:   "A vendor invoice entered the AP workflow.",
		},
		{
			TypeName:      domain.EventInvoiceMatched,
			SchemaVersion: 1,
			JSONSchema:    objectSchema(map[string]string{"invoice_id": "string", "po_id": "string"}),
			Description:   "The invoice matched its purchase order within tolerance.",
		},
		{
			TypeName:      domain.EventInvoiceMatchException,
			SchemaVersion: 1,
			JSONSchema:    objectSchema(map[string]string{"invoice_id": "string", "exception_type": "string"}),
			Description:   "The invoice failed matching and needs review.",
		},
		{
			TypeName:      domain.EventInvoiceApproved,
			SchemaVersion: 1,
			JSONSchema:    objectSchema(map[string]string{"invoice_id": "string", "approved_by": "string"}),
			Description:   "The invoice was approved for posting.",
		},
		{
			TypeName:      domain.EventInvoiceRejected,
			SchemaVersion: 1,
			JSONSchema:    objectSchema(map[string]string{"invoice_id": "string", "rejected_by": "string"}),
			Description:   "The invoice was rejected.",
		},
		{
			TypeName:      domain.EventInvoicePosted,
			SchemaVersion: 1,
			JSONSchema:    objectSchema(map[string]string{"invoice_id": "string", "expense_account": "string"}),
			Description:   "The invoice was posted to the general ledger.",
		},
		{
			TypeName:      domain.EventInvoicePaid,
			SchemaVersion: 1,
			JSONSchema:    objectSchema(map[string]string{"invoice_id": "string", "payment_reference": "string"}),
			Description:   "The invoice was paid.",
		},
		{
			TypeName:      domain.EventInvoiceCancelled,
			SchemaVersion: 1,
			JSONSchema:    objectSchema(map[string]string{"invoice_id": "string"}),
			Description:   "The invoice was cancelled.",
		},
	}
}
