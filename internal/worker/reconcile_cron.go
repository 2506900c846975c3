package worker

// Periodically replays every stock level and tab against its movement
// history. The ledgers freeze and alert on any mismatch; the cron only
// drives them and logs a summary.

import (
	"context"
	"time"

	"comandapos/internal/service"

	"github.com/rs/zerolog/log"
)

const defaultReconcileInterval = 5 * time.Minute

// ReconcileCronConfig holds all dependencies for the reconciler goroutine.
type ReconcileCronConfig struct {
	Stock    service.StockLedger
	Tabs     service.TabLedger
	Interval time.Duration
}

// ReconcileSummary counts the outcome of one pass.
type ReconcileSummary struct {
	Checked      int
	Skipped      int
	Inconsistent int
}

// StartReconcileCron launches the reconciler. It respects ctx for graceful
// shutdown.
func StartReconcileCron(ctx context.Context, cfg ReconcileCronConfig) {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultReconcileInterval
	}
	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		log.Info().Dur("interval", cfg.Interval).Msg("reconcile_cron: started")

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("reconcile_cron: shutting down")
				return
			case <-ticker.C:
				ReconcileOnce(ctx, cfg)
			}
		}
	}()
}

// ReconcileOnce runs a single replay pass over both ledgers.
func ReconcileOnce(ctx context.Context, cfg ReconcileCronConfig) ReconcileSummary {
	var sum ReconcileSummary

	stock, err := cfg.Stock.ReplayAll(ctx)
	if err != nil {
		log.Error().Err(err).Msg("reconcile_cron: stock replay failed")
	}
	tabs, err := cfg.Tabs.ReplayAll(ctx)
	if err != nil {
		log.Error().Err(err).Msg("reconcile_cron: tab replay failed")
	}

	for _, r := range append(stock, tabs...) {
		sum.Checked++
		switch {
		case r.Skipped:
			sum.Skipped++
		case !r.Consistent:
			sum.Inconsistent++
			log.Error().
				Str("ledger", r.Ledger).
				Str("id", r.ID.String()).
				Str("cached", r.Cached.String()).
				Str("replayed", r.Replayed.String()).
				Msg("reconcile_cron: ledger mismatch")
		}
	}

	ev := log.Info()
	if sum.Inconsistent > 0 {
		ev = log.Warn()
	}
	ev.Int("checked", sum.Checked).
		Int("skipped", sum.Skipped).
		Int("inconsistent", sum.Inconsistent).
		Msg("reconcile_cron: pass complete")
	return sum
}
