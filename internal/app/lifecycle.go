package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"ledgermill.io/ledgermill/internal/pkg/logger"
)

// Start starts all background services: River workers and the projection
// poller.
func (a *Application) Start(ctx context.Context) error {
	if a.DB != nil && a.DB.RiverClient != nil {
		if err := a.DB.RiverClient.Start(ctx); err != nil {
			return fmt.Errorf("start river client: %w", err)
		}
		logger.Info("River client started, jobs will now be consumed")
	}

	if a.Poller != nil {
		err := a.Pools.SubmitDetached("projection", func(ctx context.Context) {
			if err := a.Poller.Run(ctx); err != nil {
				logger.Error("projection poller exited", zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("start projection poller: %w", err)
		}
		logger.Info("Projection poller started")
	}
	return nil
}

// Shutdown gracefully shuts down all application components.
func (a *Application) Shutdown() {
	shutdownCtx := context.Background()

	if a.DB != nil && a.DB.RiverClient != nil {
		if err := a.DB.RiverClient.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop river client", zap.Error(err))
		}
		logger.Info("River client stopped")
	}

	// Cancelling the pool's service context stops the poller.
	if a.Pools != nil {
		a.Pools.Shutdown()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
