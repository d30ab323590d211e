package background

import (
	"context"
	"log/slog"
	"time"
)

// expiredDeleter prunes rows past their retention window
type expiredDeleter interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// tokenCleaner prunes expired email verification tokens
type tokenCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// counterSweeper drops stale in-memory burst windows
type counterSweeper interface {
	Sweep() int
}

// CleanupManager periodically prunes expired attempt records, stale
// email verification tokens, and dead burst-counter windows
type CleanupManager struct {
	attempts    expiredDeleter
	emailTokens tokenCleaner
	counter     counterSweeper
	logger      *slog.Logger
	interval    time.Duration
	stopCh      chan struct{}
}

// NewCleanupManager creates a new cleanup manager. emailTokens and
// counter may be nil when the corresponding subsystem is disabled.
func NewCleanupManager(
	attempts expiredDeleter,
	emailTokens tokenCleaner,
	counter counterSweeper,
	logger *slog.Logger,
	interval time.Duration,
) *CleanupManager {
	return &CleanupManager{
		attempts:    attempts,
		emailTokens: emailTokens,
		counter:     counter,
		logger:      logger,
		interval:    interval,
		stopCh:      make(chan struct{}),
	}
}

// Start begins the periodic cleanup task
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.runCleanup(ctx)

	for {
		select {
		case <-ticker.C:
			cm.runCleanup(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

func (cm *CleanupManager) runCleanup(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rowsDeleted, err := cm.attempts.DeleteExpired(cleanupCtx)
	if err != nil {
		cm.logger.Error("failed to prune attempt records", slog.Any("error", err))
	} else if rowsDeleted > 0 {
		cm.logger.Info("attempt records pruned", slog.Int64("rows_deleted", rowsDeleted))
	}

	if cm.emailTokens != nil {
		tokensDeleted, err := cm.emailTokens.CleanupExpired(cleanupCtx)
		if err != nil {
			cm.logger.Error("failed to prune verification tokens", slog.Any("error", err))
		} else if tokensDeleted > 0 {
			cm.logger.Info("verification tokens pruned", slog.Int64("rows_deleted", tokensDeleted))
		}
	}

	if cm.counter != nil {
		if swept := cm.counter.Sweep(); swept > 0 {
			cm.logger.Debug("stale burst windows swept", slog.Int("windows", swept))
		}
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	close(cm.stopCh)
}
