package infrastructure

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaDDL is the idempotent core schema, applied in order by ApplySchema.
// Production deployments manage the same shape through external migrations.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id               text PRIMARY KEY,
		sequence         bigint GENERATED ALWAYS AS IDENTITY,
		type             text NOT NULL,
		schema_version   integer NOT NULL DEFAULT 1,
		occurred_at      timestamptz NOT NULL,
		recorded_at      timestamptz NOT NULL DEFAULT now(),
		effective_date   date NOT NULL,
		tenant_id        text NOT NULL DEFAULT '',
		legal_entity     text NOT NULL DEFAULT '',
		actor_type       text NOT NULL DEFAULT 'system',
		actor_id         text NOT NULL DEFAULT '',
		actor_name       text NOT NULL DEFAULT '',
		caused_by        text,
		intent_id        text,
		correlation_id   text NOT NULL,
		data             jsonb NOT NULL DEFAULT '{}'::jsonb,
		dimensions       jsonb NOT NULL DEFAULT '{}'::jsonb,
		entity_refs      jsonb NOT NULL DEFAULT '[]'::jsonb,
		rules_evaluated  jsonb NOT NULL DEFAULT '[]'::jsonb,
		tags             text[] NOT NULL DEFAULT '{}',
		source_system    text NOT NULL DEFAULT '',
		source_channel   text NOT NULL DEFAULT '',
		source_ref       text NOT NULL DEFAULT '',
		idempotency_key  text
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS events_sequence_uq ON events (sequence)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS events_idempotency_key_uq
		ON events (idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS events_legal_entity_seq_idx ON events (legal_entity, sequence)`,
	`CREATE INDEX IF NOT EXISTS events_type_idx ON events (type)`,
	`CREATE INDEX IF NOT EXISTS events_intent_id_idx ON events (intent_id) WHERE intent_id IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS event_types (
		type_name      text NOT NULL,
		schema_version integer NOT NULL,
		json_schema    jsonb NOT NULL,
		description    text NOT NULL DEFAULT '',
		created_at     timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (type_name, schema_version)
	)`,

	`CREATE TABLE IF NOT EXISTS entities (
		entity_type  text NOT NULL,
		entity_id    text NOT NULL,
		legal_entity text NOT NULL DEFAULT '',
		attributes   jsonb NOT NULL DEFAULT '{}'::jsonb,
		version      bigint NOT NULL DEFAULT 1,
		created_at   timestamptz NOT NULL DEFAULT now(),
		updated_at   timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (entity_type, entity_id)
	)`,
	`CREATE INDEX IF NOT EXISTS entities_legal_entity_idx ON entities (legal_entity, entity_type)`,

	`CREATE TABLE IF NOT EXISTS entity_relationships (
		id            bigserial PRIMARY KEY,
		from_type     text NOT NULL,
		from_id       text NOT NULL,
		to_type       text NOT NULL,
		to_id         text NOT NULL,
		relation_type text NOT NULL,
		attributes    jsonb NOT NULL DEFAULT '{}'::jsonb,
		created_at    timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS entity_relationships_from_idx
		ON entity_relationships (from_type, from_id, relation_type)`,

	`CREATE TABLE IF NOT EXISTS event_subscriptions (
		id                      bigserial PRIMARY KEY,
		projection_type         text NOT NULL,
		subscriber_type         text NOT NULL DEFAULT 'projection',
		subscriber_id           text NOT NULL DEFAULT '',
		event_types             text[] NOT NULL DEFAULT '{}',
		last_processed_id       text NOT NULL DEFAULT '',
		last_processed_sequence bigint NOT NULL DEFAULT 0,
		status                  text NOT NULL DEFAULT 'active',
		batch_size              integer NOT NULL DEFAULT 100,
		retry_count             integer NOT NULL DEFAULT 0,
		created_at              timestamptz NOT NULL DEFAULT now(),
		updated_at              timestamptz NOT NULL DEFAULT now(),
		UNIQUE (projection_type, subscriber_type, subscriber_id)
	)`,

	`CREATE TABLE IF NOT EXISTS projection_snapshots (
		snapshot_id     text PRIMARY KEY,
		projection_type text NOT NULL,
		sequence_number bigint NOT NULL,
		snapshot_data   jsonb NOT NULL DEFAULT '[]'::jsonb,
		is_stale        boolean NOT NULL DEFAULT false,
		created_at      timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS projection_snapshots_type_idx
		ON projection_snapshots (projection_type, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS dead_letter_events (
		id              bigserial PRIMARY KEY,
		event_id        text NOT NULL,
		event_sequence  bigint NOT NULL,
		projection_type text NOT NULL,
		error_message   text NOT NULL,
		error_stack     text NOT NULL DEFAULT '',
		created_at      timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS stored_intents (
		id                      text PRIMARY KEY,
		intent_type             text NOT NULL,
		status                  text NOT NULL,
		actor_type              text NOT NULL DEFAULT 'human',
		actor_id                text NOT NULL DEFAULT '',
		actor_name              text NOT NULL DEFAULT '',
		tenant_id               text NOT NULL DEFAULT '',
		legal_entity            text NOT NULL DEFAULT '',
		data                    jsonb NOT NULL DEFAULT '{}'::jsonb,
		required_approver_role  text NOT NULL DEFAULT '',
		approved_by_id          text,
		approved_by_name        text,
		approval_reason         text,
		approved_at             timestamptz,
		rejected_by_id          text,
		rejected_by_name        text,
		rejection_reason        text,
		rejected_at             timestamptz,
		result_event_id         text,
		error_message           text,
		correlation_id          text,
		idempotency_key         text,
		effective_date          date,
		occurred_at             timestamptz,
		expected_entity_version bigint,
		created_at              timestamptz NOT NULL DEFAULT now(),
		updated_at              timestamptz NOT NULL DEFAULT now()
	)`,

	// Projection tables. Each is exclusively owned by its handler set plus
	// the rebuild routine.
	`CREATE TABLE IF NOT EXISTS vendor_list (
		vendor_id     text PRIMARY KEY,
		legal_entity  text NOT NULL DEFAULT '',
		name          text NOT NULL DEFAULT '',
		status        text NOT NULL DEFAULT 'active',
		credit_limit  numeric(18,2) NOT NULL DEFAULT 0,
		payment_terms text NOT NULL DEFAULT '',
		updated_at    timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS item_list (
		item_id      text PRIMARY KEY,
		legal_entity text NOT NULL DEFAULT '',
		name         text NOT NULL DEFAULT '',
		sku          text NOT NULL DEFAULT '',
		status       text NOT NULL DEFAULT 'active',
		updated_at   timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS ap_invoice_list (
		invoice_id     text PRIMARY KEY,
		legal_entity   text NOT NULL DEFAULT '',
		vendor_id      text NOT NULL DEFAULT '',
		vendor_name    text NOT NULL DEFAULT '',
		invoice_number text NOT NULL DEFAULT '',
		amount         numeric(18,2) NOT NULL DEFAULT 0,
		currency       text NOT NULL DEFAULT 'USD',
		status         text NOT NULL DEFAULT 'submitted',
		po_id          text NOT NULL DEFAULT '',
		due_date       date,
		submitted_at   timestamptz,
		updated_at     timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS ap_aging (
		invoice_id   text PRIMARY KEY,
		legal_entity text NOT NULL DEFAULT '',
		vendor_id    text NOT NULL DEFAULT '',
		amount       numeric(18,2) NOT NULL DEFAULT 0,
		due_date     date,
		bucket       text NOT NULL DEFAULT 'current',
		status       text NOT NULL DEFAULT 'open',
		updated_at   timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS ap_vendor_balance (
		vendor_id     text PRIMARY KEY,
		legal_entity  text NOT NULL DEFAULT '',
		balance       numeric(18,2) NOT NULL DEFAULT 0,
		invoice_count bigint NOT NULL DEFAULT 0,
		updated_at    timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS gl_postings (
		id             bigserial PRIMARY KEY,
		event_id       text NOT NULL,
		line_no        integer NOT NULL,
		invoice_id     text NOT NULL DEFAULT '',
		legal_entity   text NOT NULL DEFAULT '',
		account        text NOT NULL,
		debit          numeric(18,2) NOT NULL DEFAULT 0,
		credit         numeric(18,2) NOT NULL DEFAULT 0,
		effective_date date,
		created_at     timestamptz NOT NULL DEFAULT now(),
		UNIQUE (event_id, line_no)
	)`,
}

// ApplySchema executes the core DDL statements in order.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaDDL {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
