// Package worker runs the periodic maintenance jobs of the fulfillment core.
package worker

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-fulfillment/internal/domain/apperr"
)

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	// Run performs one pass. Errors are logged and the job keeps its
	// schedule.
	Run      func(ctx context.Context) error
}

// Worker schedules jobs until its context is cancelled.
type Worker struct {
	jobs []Job
}

// New validates the job list.
func New(jobs ...Job) (*Worker, error) {
	for _, j := range jobs {
		if j.Interval <= 0 {
			return nil, errors.Errorf("job %q: interval must be positive", j.Name)
		}
		if j.Run == nil {
			return nil, errors.Errorf("job %q: no run function", j.Name)
		}
	}
	return &Worker{jobs: jobs}, nil
}

// Run starts every job with an immediate pass and blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, j := range w.jobs {
		g.Go(func() error {
			loop(ctx, j)
			return nil
		})
	}
	return g.Wait()
}

func loop(ctx context.Context, j Job) {
	lg := zctx.From(ctx).With(zap.String("job", j.Name))
	lg.Info("Job scheduled", zap.Duration("interval", j.Interval))

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		runOnce(ctx, lg, j)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runOnce(ctx context.Context, lg *zap.Logger, j Job) {
	start := time.Now()
	err := j.Run(ctx)
	switch {
	case err == nil:
		lg.Debug("Job pass done", zap.Duration("took", time.Since(start)))
	case ctx.Err() != nil:
	case apperr.Retryable(err):
		lg.Warn("Job pass failed, retrying next tick", zap.Error(err))
	default:
		lg.Error("Job pass failed", zap.Error(err))
	}
}
