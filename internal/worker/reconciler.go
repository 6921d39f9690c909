package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vetrovp/genforge/internal/utils"
)

// PendingReconciler is the slice of the payment service the reconciler
// drives.
type PendingReconciler interface {
	ReconcilePending(ctx context.Context) (int, error)
}

// Reconciler periodically settles paid orders whose provider webhook never
// arrived. It is the safety net that makes webhook delivery best-effort.
type Reconciler struct {
	payments PendingReconciler
	ticker   *time.Ticker
	quit     chan struct{}
	done     chan struct{}
}

// NewReconciler creates a payment reconciler.
func NewReconciler(payments PendingReconciler) *Reconciler {
	return &Reconciler{
		payments: payments,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the periodic reconcile loop.
func (r *Reconciler) Start(interval time.Duration) {
	r.ticker = time.NewTicker(interval)
	utils.Info("starting payment reconciler", slog.String("interval", interval.String()))
	go r.loop()
}

// Stop shuts the reconciler down, waiting for an in-flight pass.
func (r *Reconciler) Stop(ctx context.Context) error {
	close(r.quit)
	if r.ticker != nil {
		r.ticker.Stop()
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.ticker.C:
			if _, err := r.payments.ReconcilePending(context.Background()); err != nil {
				utils.LogError(err, "", "reconcile_pass")
			}
		case <-r.quit:
			return
		}
	}
}
