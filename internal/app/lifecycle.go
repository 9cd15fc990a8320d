package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"goldclear.io/clearing/internal/pkg/logger"
)

// Start starts background services. In memory mode there is nothing to start.
func (a *Application) Start(ctx context.Context) error {
	if a.DB != nil && a.DB.RiverClient != nil {
		if err := a.DB.RiverClient.Start(ctx); err != nil {
			return fmt.Errorf("start river client: %w", err)
		}
		logger.Info("River client started, settlement jobs will now be consumed")
	}
	return nil
}

// Shutdown stops River, then the modules, then the pools and the database.
// Jobs still running when ctx expires are cancelled; River retries them.
func (a *Application) Shutdown(ctx context.Context) {
	if a.DB != nil && a.DB.RiverClient != nil {
		if err := a.DB.RiverClient.Stop(ctx); err != nil {
			logger.Warn("River did not stop in time, cancelling running jobs", zap.Error(err))
			if err := a.DB.RiverClient.StopAndCancel(context.Background()); err != nil {
				logger.Error("failed to stop river client", zap.Error(err))
			}
		}
		logger.Info("River client stopped")
	}

	for _, mod := range a.Modules {
		if mod == nil {
			continue
		}
		if err := mod.Shutdown(ctx); err != nil {
			logger.Warn("module shutdown returned error",
				zap.String("module", mod.Name()),
				zap.Error(err),
			)
		}
	}

	if a.Pools != nil {
		a.Pools.Shutdown()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
