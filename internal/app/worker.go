package app

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	"github.com/xenking/kart-fulfillment/internal/metrics"
	"github.com/xenking/kart-fulfillment/internal/worker"
)

// Jobs returns the maintenance jobs of the core.
func Jobs(core *Core, cfg WorkerConfig, mtr *metrics.Metrics) []worker.Job {
	return []worker.Job{
		{
			Name:     "coupon_sweep",
			Interval: cfg.SweepInterval,
			Run: func(ctx context.Context) error {
				n, err := core.Coupons.SweepExpired(ctx)
				mtr.RecordCouponsExpired(ctx, n)
				return err
			},
		},
		{
			Name:     "payment_reconcile",
			Interval: cfg.ReconcileInterval,
			Run: func(ctx context.Context) error {
				n, err := core.Payments.Reconcile(ctx)
				mtr.RecordReconciled(ctx, n)
				return err
			},
		},
		{
			Name:     "payment_expire",
			Interval: cfg.ExpireInterval,
			Run: func(ctx context.Context) error {
				n, err := core.Payments.ExpireStale(ctx)
				mtr.RecordPaymentsExpired(ctx, n)
				return err
			},
		},
	}
}

// RunWorker wires the core and runs the maintenance jobs until ctx is done.
func RunWorker(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	if cfg.Storage == "memory" {
		lg.Warn("Worker on in-memory storage only sees its own data")
	}
	core, err := NewCore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := core.Close(); err != nil {
			lg.Warn("Close core", zap.Error(err))
		}
	}()

	mtr, err := metrics.New(m.MeterProvider().Meter("kart-fulfillment-worker"))
	if err != nil {
		return errors.Wrap(err, "create metrics")
	}
	w, err := worker.New(Jobs(core, cfg.Worker, mtr)...)
	if err != nil {
		return errors.Wrap(err, "create worker")
	}

	lg.Info("Worker started")
	return w.Run(ctx)
}
