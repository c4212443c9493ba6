package app

import (
	"context"
	"log/slog"
	"time"

	"ebookmarket/pkg/domain"
	"golang.org/x/sync/errgroup"
)

// RunReconciler periodically sweeps non-terminal purchases. Buyers who
// abandon the hosted checkout page never trigger a webhook, and a crash
// between creating the intent and hearing back from the provider leaves a
// created row behind; either way the purchase is cancelled once it is older
// than the configured TTL.
func (a *App) RunReconciler(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.reconcileOnce(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("reconcile stale purchases", "error", err)
			}
		}
	}
}

func (a *App) reconcileOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-a.pendingTTL)
	stale, err := a.store.ListStalePurchasesBefore(cutoff)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, purchase := range stale {
		purchase := purchase
		g.Go(func() error {
			a.reconcilePurchase(ctx, purchase)
			return nil
		})
	}
	return g.Wait()
}

func (a *App) reconcilePurchase(ctx context.Context, purchase domain.Purchase) {
	// A late webhook still wins: settlePurchase only applies while the
	// purchase is non-terminal, and it no longer is after this.
	if err := a.settlePurchase(ctx, purchase, domain.PurchaseCancelled); err != nil {
		slog.Warn("reconcile cancel", "purchase_id", purchase.ID, "error", err)
	}
}
