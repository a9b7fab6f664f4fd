package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"finetune-api/internal/infra/metrics"
)

// Connect returns a live *pgxpool.Pool or an error after a bounded dial.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.Connect(ctx, url)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// StartPoolStatsReporter publishes pool gauges until ctx is canceled.
func StartPoolStatsReporter(ctx context.Context, pool *pgxpool.Pool, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s := pool.Stat()
				metrics.SetStorePoolConns(s.TotalConns(), s.IdleConns(), s.AcquiredConns())
			}
		}
	}()
}
