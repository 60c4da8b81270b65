package projection

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"ledgermill.io/ledgermill/internal/domain"
	"ledgermill.io/ledgermill/internal/eventstore"
	"ledgermill.io/ledgermill/internal/pkg/logger"
	"ledgermill.io/ledgermill/internal/subscription"
)

// PollerConfig tunes the background catch-up loop.
type PollerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// MaxEventRetries bounds retries of a failing event before it is
	// dead-lettered and the cursor advances past it.
	MaxEventRetries int
}

// Poller is the single background task that keeps projections caught up with
// the event log. It wakes on append notifications and otherwise polls on a
// fixed interval.
type Poller struct {
	engine *Engine
	cfg    PollerConfig
}

func NewPoller(engine *Engine, cfg PollerConfig) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxEventRetries < 1 {
		cfg.MaxEventRetries = 5
	}
	return &Poller{engine: engine, cfg: cfg}
}

// Run blocks until ctx is cancelled. Each wake drains all active
// subscriptions before waiting again.
func (p *Poller) Run(ctx context.Context) error {
	listener, err := p.engine.store.NewListener(ctx)
	if err != nil {
		return err
	}
	defer listener.Close()

	logger.Info("projection poller started",
		zap.Duration("poll_interval", p.cfg.PollInterval),
		zap.Int("batch_size", p.cfg.BatchSize))

	for {
		if err := p.Drain(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("projection drain failed", zap.Error(err))
		}

		waitCtx, cancel := context.WithTimeout(ctx, p.cfg.PollInterval)
		_, err := listener.Wait(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("append notification wait failed", zap.Error(err))
			// Backstop so a broken listener degrades to plain polling.
			select {
			case <-time.After(p.cfg.PollInterval):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Drain processes pending events for every active subscription until all
// cursors are caught up.
func (p *Poller) Drain(ctx context.Context) error {
	subs, err := p.engine.subs.List(ctx, nil)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if sub.Status != subscription.StatusActive {
			continue
		}
		if err := p.drainSubscription(ctx, sub); err != nil {
			return err
		}
	}
	return nil
}

func (p *Poller) drainSubscription(ctx context.Context, sub *subscription.Subscription) error {
	batchSize := sub.BatchSize
	if batchSize <= 0 {
		batchSize = p.cfg.BatchSize
	}

	cursor := sub.LastProcessedSequence
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		page, err := p.engine.store.ReadStream(ctx, nil, eventstore.ReadParams{
			AfterSequence: cursor,
			Limit:         batchSize,
			EventTypes:    sub.EventTypes,
		})
		if err != nil {
			return err
		}
		if len(page.Events) == 0 {
			return nil
		}

		for _, ev := range page.Events {
			advanced, err := p.processOne(ctx, sub, ev)
			if err != nil {
				return err
			}
			if !advanced {
				// The failing event retries on the next poll.
				return nil
			}
			cursor = ev.Sequence
		}
		if !page.HasMore {
			return nil
		}
	}
}

// processOne applies one event in its own transaction. On handler failure
// the transaction rolls back and the retry counter is bumped; once the
// counter reaches the limit the event is dead-lettered and skipped so a
// poison event cannot wedge the subscription. Returns whether the cursor
// moved past the event.
func (p *Poller) processOne(ctx context.Context, sub *subscription.Subscription, ev *domain.Event) (bool, error) {
	tx, err := p.engine.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	handlerErr := p.applyHandlers(ctx, tx, sub.ProjectionType, ev)
	if handlerErr == nil {
		if err := p.engine.subs.UpdateCursor(ctx, tx, sub.ID, ev.ID, ev.Sequence); err != nil {
			return false, err
		}
		return true, tx.Commit(ctx)
	}
	_ = tx.Rollback(ctx)

	logger.Warn("projection event failed",
		zap.String("projection_type", sub.ProjectionType),
		zap.String("event_id", ev.ID),
		zap.Int64("sequence", int64(ev.Sequence)),
		zap.Error(handlerErr))

	retries, err := p.engine.subs.IncrementRetry(ctx, nil, sub.ID)
	if err != nil {
		return false, err
	}
	if retries < p.cfg.MaxEventRetries {
		return false, nil
	}

	// Poison event: dead-letter it and advance in one transaction.
	dlTx, err := p.engine.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer dlTx.Rollback(ctx)
	if err := p.engine.deadLetter(ctx, dlTx, sub.ProjectionType, ev, handlerErr); err != nil {
		return false, err
	}
	if err := p.engine.subs.UpdateCursor(ctx, dlTx, sub.ID, ev.ID, ev.Sequence); err != nil {
		return false, err
	}
	if err := dlTx.Commit(ctx); err != nil {
		return false, err
	}
	logger.Error("projection event dead-lettered after retries",
		zap.String("projection_type", sub.ProjectionType),
		zap.String("event_id", ev.ID),
		zap.Int("retries", retries))
	return true, nil
}

// applyHandlers runs every handler of the projection for the event inside
// the given transaction. Unlike the synchronous path, any failure aborts
// the whole event so it can be retried.
func (p *Poller) applyHandlers(ctx context.Context, tx pgx.Tx, projectionType string, ev *domain.Event) error {
	for _, h := range p.engine.ProjectionHandlers(projectionType) {
		if !handlesType(h, ev.Type) {
			continue
		}
		if err := h.Handle(ctx, tx, ev); err != nil {
			return err
		}
	}
	return nil
}

func handlesType(h Handler, eventType string) bool {
	for _, t := range h.EventTypes() {
		if t == eventType {
			return true
		}
	}
	return false
}
