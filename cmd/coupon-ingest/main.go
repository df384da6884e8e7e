// Command coupon-ingest bulk loads coupons from gzipped JSON-lines files.
//
// Every *.jsonl.gz file in the data directory holds one coupon object per
// line. A code present in more than one file is ambiguous and is reported
// instead of imported. Within a single file the last line for a code wins.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/cristalhq/aconfig"
	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/storage/postgres"
)

type config struct {
	DataDir      string `default:"data" usage:"Directory containing *.jsonl.gz coupon files" flag:"data-dir"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (or DATABASE_URL)" flag:"database-url"`
	BatchSize    int    `default:"500" usage:"Coupons upserted per transaction" flag:"batch-size"`
	SkipExisting bool   `default:"false" usage:"Leave coupons that already exist untouched" flag:"skip-existing"`
	DryRun       bool   `default:"false" usage:"Validate and report without writing" flag:"dry-run"`
}

func main() {
	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	var cfg config
	if err := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "STOREFRONT_INGEST",
		SkipFiles: true,
	}).Load(); err != nil {
		lg.Fatal("Load config", zap.Error(err))
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if cfg.DatabaseURL == "" && !cfg.DryRun {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, cfg); err != nil {
		lg.Fatal("Coupon ingest failed", zap.Error(err))
	}
}

func run(ctx context.Context, lg *zap.Logger, cfg config) error {
	files, err := listFiles(cfg.DataDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		lg.Warn("No input files", zap.String("dir", cfg.DataDir))
		return nil
	}

	in := &ingester{
		lg:           lg,
		batchSize:    cfg.BatchSize,
		skipExisting: cfg.SkipExisting,
	}
	if !cfg.DryRun {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return errors.Wrap(err, "connect to database")
		}
		defer pool.Close()
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			return errors.Wrap(err, "run migrations")
		}
		db := postgres.NewDB(pool)
		in.store = postgres.NewCouponRepository(db)
		in.tx = db
	}

	report, err := in.Run(ctx, files)
	if err != nil {
		return err
	}
	lg.Info("Coupon ingest completed",
		zap.Int("files", len(files)),
		zap.Int64("lines", report.Lines),
		zap.Int64("invalid", report.Invalid),
		zap.Int("duplicates", len(report.Duplicates)),
		zap.Int64("existing_skipped", report.Skipped),
		zap.Int64("written", report.Written),
		zap.Bool("dry_run", cfg.DryRun),
	)
	return nil
}
