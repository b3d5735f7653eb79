// Command coupon-ingest bulk-loads coupon definitions from gzipped CSV files.
//
//	coupon-ingest promo-2026-01.csv.gz promo-2026-02.csv.gz
package main

import (
	"context"
	"flag"
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
	DatabaseURL   string  `env:"DATABASE_URL,required" validate:"required"`
	BloomCapacity uint    `env:"INGEST_BLOOM_CAPACITY" envDefault:"1000000" validate:"gt=0"`
	BloomFPR      float64 `env:"INGEST_BLOOM_FPR" envDefault:"0.001" validate:"gt=0,lt=1"`
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s file.csv.gz [file.csv.gz ...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	var cfg config
	if err := cli.LoadEnv(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	lg := cli.NewLogger(cfg.LogConfig, os.Stderr)

	files := flag.Args()
	if len(files) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cli.Main("coupon ingest", lg, func(ctx context.Context) error {
		return run(ctx, lg, cfg, files)
	})
}

func run(ctx context.Context, lg *slog.Logger, cfg config, files []string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return errors.Wrapf(err, "check file %s", f)
		}
	}

	lg.Info("connecting to database")
	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return errors.Wrap(err, "run migrations")
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	im := NewImporter(coupon.NewLedger(postgres.NewCouponRepository(pool)), cfg.BloomCapacity, cfg.BloomFPR, lg)
	lg.Info("importing coupons", slog.Int("files", len(files)))
	stats, err := im.Import(ctx, files)
	lg.Info("import finished",
		slog.Int("read", stats.Read),
		slog.Int("created", stats.Created),
		slog.Int("duplicates", stats.Duplicates),
		slog.Int("invalid", stats.Invalid),
	)
	return err
}
