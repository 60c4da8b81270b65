// Package projection implements the read-model engine: a handler registry
// fanned out by event type, synchronous in-transaction dispatch, an async
// polling worker, and full rebuilds.
package projection

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"ledgermill.io/ledgermill/internal/domain"
	"ledgermill.io/ledgermill/internal/eventstore"
	"ledgermill.io/ledgermill/internal/infrastructure"
	"ledgermill.io/ledgermill/internal/pkg/logger"
	"ledgermill.io/ledgermill/internal/subscription"
)

// Handler applies events of its declared types to one projection's tables.
// Handlers must be idempotent under re-delivery; the poller reprocesses
// events whose cursor did not advance.
type Handler interface {
	ProjectionType() string
	EventTypes() []string
	Handle(ctx context.Context, db infrastructure.DBTX, ev *domain.Event) error
	// Reset truncates the projection's tables ahead of a rebuild.
	Reset(ctx context.Context, db infrastructure.DBTX) error
}

// Engine owns the handler registry and the subscription cursors it advances
// inside append transactions.
type Engine struct {
	pool     *pgxpool.Pool
	store    *eventstore.Store
	subs     *subscription.Service
	handlers []Handler
	byType   map[string][]Handler
}

func NewEngine(pool *pgxpool.Pool, store *eventstore.Store, subs *subscription.Service) *Engine {
	return &Engine{
		pool:   pool,
		store:  store,
		subs:   subs,
		byType: make(map[string][]Handler),
	}
}

// Register adds a handler under each of its event types. Dispatch order is
// registration order.
func (e *Engine) Register(h Handler) {
	e.handlers = append(e.handlers, h)
	for _, t := range h.EventTypes() {
		e.byType[t] = append(e.byType[t], h)
	}
}

// HandlersFor returns the handlers registered for an event type, in
// registration order.
func (e *Engine) HandlersFor(eventType string) []Handler {
	return e.byType[eventType]
}

// ProjectionHandlers returns the handlers forming one projection.
func (e *Engine) ProjectionHandlers(projectionType string) []Handler {
	var out []Handler
	for _, h := range e.handlers {
		if h.ProjectionType() == projectionType {
			out = append(out, h)
		}
	}
	return out
}

// EventTypesFor returns the union of event types consumed by a projection.
func (e *Engine) EventTypesFor(projectionType string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, h := range e.ProjectionHandlers(projectionType) {
		for _, t := range h.EventTypes() {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

// ProcessEvent dispatches one event to its handlers inside the caller's
// transaction. Each handler runs under a savepoint: a failure rolls back
// only that handler's work and records a dead letter; the outer transaction
// and the remaining handlers proceed. The cursor of every touched projection
// advances afterwards.
func (e *Engine) ProcessEvent(ctx context.Context, tx pgx.Tx, ev *domain.Event) error {
	handlers := e.byType[ev.Type]
	if len(handlers) == 0 {
		return nil
	}

	touched := make(map[string]struct{})
	for _, h := range handlers {
		if err := e.runHandler(ctx, tx, h, ev); err != nil {
			logger.Error("projection handler failed",
				zap.String("projection_type", h.ProjectionType()),
				zap.String("event_id", ev.ID),
				zap.String("event_type", ev.Type),
				zap.Error(err))
			if dlErr := e.deadLetter(ctx, tx, h.ProjectionType(), ev, err); dlErr != nil {
				return dlErr
			}
		}
		touched[h.ProjectionType()] = struct{}{}
	}

	for projectionType := range touched {
		if err := e.advanceCursor(ctx, tx, projectionType, ev); err != nil {
			return err
		}
	}
	return nil
}

// runHandler invokes one handler under a savepoint so its failure cannot
// poison the outer transaction.
func (e *Engine) runHandler(ctx context.Context, tx pgx.Tx, h Handler, ev *domain.Event) error {
	nested, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin handler savepoint: %w", err)
	}
	if err := h.Handle(ctx, nested, ev); err != nil {
		_ = nested.Rollback(ctx)
		return err
	}
	return nested.Commit(ctx)
}

// advanceCursor moves a projection's cursor forward to the event. Cursors
// never move backwards; already-ahead cursors are untouched.
func (e *Engine) advanceCursor(ctx context.Context, db infrastructure.DBTX, projectionType string, ev *domain.Event) error {
	_, err := db.Exec(ctx, `
		UPDATE event_subscriptions
		SET last_processed_id = $1, last_processed_sequence = $2, retry_count = 0, updated_at = now()
		WHERE projection_type = $3 AND subscriber_type = 'projection'
		  AND last_processed_sequence < $2`,
		ev.ID, int64(ev.Sequence), projectionType,
	)
	if err != nil {
		return fmt.Errorf("advance cursor for %s: %w", projectionType, err)
	}
	return nil
}

// deadLetter records a failed handler invocation for out-of-band inspection.
func (e *Engine) deadLetter(ctx context.Context, db infrastructure.DBTX, projectionType string, ev *domain.Event, cause error) error {
	_, err := db.Exec(ctx, `
		INSERT INTO dead_letter_events (event_id, event_sequence, projection_type, error_message)
		VALUES ($1, $2, $3, $4)`,
		ev.ID, int64(ev.Sequence), projectionType, cause.Error(),
	)
	if err != nil {
		return fmt.Errorf("record dead letter for %s: %w", projectionType, err)
	}
	return nil
}
