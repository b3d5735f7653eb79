// Command seed-db migrates the database and loads the demo catalog and
// coupons. It is safe to run repeatedly.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-fulfillment/internal/cli"
	"github.com/xenking/kart-fulfillment/internal/domain/coupon"
	"github.com/xenking/kart-fulfillment/internal/storage/postgres"
)

type config struct {
	cli.LogConfig
	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`
	CatalogFile string `env:"SEED_CATALOG_FILE" envDefault:"db/seed/catalog.json" validate:"required"`
	Coupons     bool   `env:"SEED_COUPONS" envDefault:"true"`
}

func main() {
	var cfg config
	if err := cli.LoadEnv(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	lg := cli.NewLogger(cfg.LogConfig, os.Stderr)

	cli.Main("seed", lg, func(ctx context.Context) error {
		return run(ctx, lg, cfg)
	})
}

func run(ctx context.Context, lg *slog.Logger, cfg config) error {
	lg.Info("running migrations")
	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	lg.Info("connecting to database")
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := seedCatalog(ctx, lg, postgres.NewProductRepository(pool), cfg.CatalogFile); err != nil {
		return errors.Wrap(err, "seed catalog")
	}

	if !cfg.Coupons {
		return nil
	}
	n, err := seedCoupons(ctx, lg, coupon.NewLedger(postgres.NewCouponRepository(pool)))
	if err != nil {
		return errors.Wrap(err, "seed coupons")
	}
	lg.Info("seeded coupons", slog.Int("created", n))
	return nil
}
