package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// How long finished queue rows keep blocking their idempotency key
// before the janitor releases it.
const finishedJobRetention = 24 * time.Hour

// Janitor prunes expired rows on a fixed interval. Expiry enforcement
// does not depend on it (every read filters on expires_at); the janitor
// only keeps the tables from growing without bound.
type Janitor struct {
	db       *DB
	interval time.Duration

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewJanitor builds a janitor sweeping at the given interval.
func NewJanitor(db *DB, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Janitor{db: db, interval: interval, done: make(chan struct{})}
}

// Start launches the sweep loop.
func (j *Janitor) Start(ctx context.Context) {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		for {
			select {
			case <-j.done:
				return
			case <-ctx.Done():
				return
			case <-time.After(j.interval):
				j.Sweep(ctx)
			}
		}
	}()
	log.Info().Dur("interval", j.interval).Msg("storage janitor started")
}

// Stop halts the sweep loop. Safe to call repeatedly.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.done) })
	j.wg.Wait()
}

// Sweep removes expired rows once. Failures are logged and retried on
// the next interval.
func (j *Janitor) Sweep(ctx context.Context) {
	statements := []struct {
		name  string
		query string
		args  []any
	}{
		{"runs", `DELETE FROM runs WHERE expires_at <= now()`, nil},
		{"run_pieces", `DELETE FROM run_pieces WHERE expires_at <= now()`, nil},
		{"shards", `DELETE FROM shards WHERE expires_at <= now()`, nil},
		{"queue_jobs", `
			DELETE FROM queue_jobs
			WHERE state IN ('completed', 'buried') AND updated_at <= now() - $1`,
			[]any{finishedJobRetention}},
	}

	for _, stmt := range statements {
		tag, err := j.db.pool.Exec(ctx, stmt.query, stmt.args...)
		if err != nil {
			log.Warn().Err(err).Str("table", stmt.name).Msg("janitor sweep failed")
			continue
		}
		if n := tag.RowsAffected(); n > 0 {
			log.Debug().Str("table", stmt.name).Int64("rows", n).Msg("pruned expired rows")
		}
	}
}
