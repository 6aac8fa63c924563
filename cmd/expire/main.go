// Command points-expire runs one expiry pass and exits.
//
// Intended for cron as a backstop for the in-process scheduler:
//
//	0 0 * * * points-expire --dsn=...
//
// Re-running for an already closed day is a no-op.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/and161185/points-gallery/internal/dates"
	"github.com/and161185/points-gallery/internal/repository/postgres"
	"github.com/and161185/points-gallery/internal/service"
)

func main() {
	_ = godotenv.Load()

	dsn := flag.String("dsn", os.Getenv("DATABASE_DSN"), "PostgreSQL DSN")
	tzName := flag.String("timezone", "Asia/Seoul", "ledger home timezone")
	dayFlag := flag.String("day", "", "day to expire (YYYY-MM-DD, default: yesterday)")
	expiryBatch := flag.Int("expiry-batch", 200, "bonus records expired per transaction")
	timeout := flag.Duration("timeout", 10*time.Minute, "overall run timeout")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	loc, err := time.LoadLocation(*tzName)
	if err != nil {
		logger.Fatal("load timezone", zap.String("tz", *tzName), zap.Error(err))
	}

	day := dates.Today(loc).Prev()
	if *dayFlag != "" {
		if day, err = dates.Parse(*dayFlag); err != nil {
			logger.Fatal("parse day", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := postgres.New(ctx, *dsn)
	if err != nil {
		logger.Fatal("postgres.New", zap.Error(err))
	}
	defer db.Close()

	expiry := service.NewExpiryService(postgres.NewLedgerRepo(db), int32(*expiryBatch), logger, nil)
	stats, err := expiry.RunExpiry(ctx, day)
	if err != nil {
		fields := []zap.Field{zap.String("day", day.String()), zap.Error(err)}
		if stats != nil {
			fields = append(fields, zap.Int64("records_closed", stats.RecordsClosed))
		}
		logger.Error("expiry failed", fields...)
		os.Exit(1)
	}
	logger.Info("expiry done",
		zap.String("day", day.String()),
		zap.Int64("records_closed", stats.RecordsClosed),
		zap.Int64("points_expired", stats.PointsExpired),
	)
}
