package projection

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"ledgermill.io/ledgermill/internal/eventstore"
	apperrors "ledgermill.io/ledgermill/internal/pkg/errors"
	"ledgermill.io/ledgermill/internal/pkg/logger"
)

// RebuildResult summarizes a completed rebuild.
type RebuildResult struct {
	ProjectionType  string `json:"projection_type"`
	EventsProcessed int    `json:"events_processed"`
	DeadLettered    int    `json:"dead_lettered"`
}

// Rebuild replays a projection from sequence zero: mark the subscription
// resetting, truncate via each handler's Reset, then re-apply the stream in
// per-event transactions. A failing event is dead-lettered and skipped so
// the rebuild always completes; the subscription returns to active with its
// cursor at the last replayed event.
func (e *Engine) Rebuild(ctx context.Context, projectionType string, batchSize int) (*RebuildResult, error) {
	handlers := e.ProjectionHandlers(projectionType)
	if len(handlers) == 0 {
		return nil, apperrors.NotFound(apperrors.CodeProjectionNotFound,
			fmt.Sprintf("projection %s has no registered handlers", projectionType))
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	sub, err := e.subs.Get(ctx, nil, projectionType, "projection", "")
	if err != nil {
		return nil, err
	}
	if _, err := e.subs.MarkResetting(ctx, nil, sub.ID); err != nil {
		return nil, err
	}

	// Truncate in one transaction so a partially reset projection is never
	// visible.
	resetTx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer resetTx.Rollback(ctx)
	if _, err := resetTx.Exec(ctx, `
		UPDATE event_subscriptions
		SET last_processed_id = '', last_processed_sequence = 0, retry_count = 0, updated_at = now()
		WHERE id = $1`, sub.ID,
	); err != nil {
		return nil, fmt.Errorf("zero cursor for %s: %w", projectionType, err)
	}
	for _, h := range handlers {
		if err := h.Reset(ctx, resetTx); err != nil {
			return nil, fmt.Errorf("reset projection %s: %w", projectionType, err)
		}
	}
	if err := resetTx.Commit(ctx); err != nil {
		return nil, err
	}

	result := &RebuildResult{ProjectionType: projectionType}
	eventTypes := e.EventTypesFor(projectionType)

	var cursor = eventstore.ReadParams{Limit: batchSize, EventTypes: eventTypes}
	var lastID string
	var lastSeq int64
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		page, err := e.store.ReadStream(ctx, nil, cursor)
		if err != nil {
			return nil, err
		}
		for _, ev := range page.Events {
			tx, err := e.pool.Begin(ctx)
			if err != nil {
				return nil, err
			}
			var handlerErr error
			for _, h := range handlers {
				if !handlesType(h, ev.Type) {
					continue
				}
				if handlerErr = h.Handle(ctx, tx, ev); handlerErr != nil {
					break
				}
			}
			if handlerErr != nil {
				_ = tx.Rollback(ctx)
				dlTx, err := e.pool.Begin(ctx)
				if err != nil {
					return nil, err
				}
				if err := e.deadLetter(ctx, dlTx, projectionType, ev, handlerErr); err != nil {
					_ = dlTx.Rollback(ctx)
					return nil, err
				}
				if err := dlTx.Commit(ctx); err != nil {
					return nil, err
				}
				result.DeadLettered++
			} else {
				if err := tx.Commit(ctx); err != nil {
					return nil, err
				}
				result.EventsProcessed++
			}
			cursor.AfterSequence = ev.Sequence
			lastID, lastSeq = ev.ID, int64(ev.Sequence)
		}
		if !page.HasMore {
			break
		}
	}

	if _, err := e.subs.Activate(ctx, nil, sub.ID, lastID, cursor.AfterSequence); err != nil {
		return nil, err
	}

	logger.Info("projection rebuilt",
		zap.String("projection_type", projectionType),
		zap.Int("events_processed", result.EventsProcessed),
		zap.Int("dead_lettered", result.DeadLettered),
		zap.Int64("last_sequence", lastSeq))
	return result, nil
}
