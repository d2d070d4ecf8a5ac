// Package worker runs the periodic background jobs of the API process.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/safar/candy-planet/internal/audit"
	"github.com/safar/candy-planet/internal/database"
	"github.com/safar/candy-planet/internal/events"
	"github.com/safar/candy-planet/internal/models"
	"go.mongodb.org/mongo-driver/bson"
)

// Job is one unit of periodic work. Errors are logged and the job runs again
// on the next tick.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type Runner struct {
	jobs   []Job
	logger zerolog.Logger
	wg     sync.WaitGroup
}

func NewRunner(logger zerolog.Logger) *Runner {
	return &Runner{logger: logger}
}

// Add registers a job. Jobs with a non-positive interval are skipped.
func (r *Runner) Add(job Job) {
	if job.Interval <= 0 {
		r.logger.Info().Str("job", job.Name).Msg("Job disabled")
		return
	}
	r.jobs = append(r.jobs, job)
}

// Start launches every job in its own goroutine until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	for _, job := range r.jobs {
		r.wg.Add(1)
		go r.loop(ctx, job)
	}
}

// Wait blocks until every job has returned after cancellation.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, job Job) {
	defer r.wg.Done()

	log := r.logger.With().Str("job", job.Name).Logger()
	log.Info().Dur("interval", job.Interval).Msg("Job started")

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Job stopped")
			return
		case <-ticker.C:
			start := time.Now()
			if err := job.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Dur("took", time.Since(start)).Msg("Job failed")
			}
		}
	}
}

type PendingExpirer interface {
	ExpireNextPending(ctx context.Context, cutoff time.Time) (*models.Order, error)
}

// ExpirePending fails pending orders older than ttl, one claimed row at a time.
func ExpirePending(orders PendingExpirer, ttl time.Duration, publisher events.Publisher,
	recorder audit.Recorder, logger zerolog.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		cutoff := time.Now().Add(-ttl)
		expired := 0
		for ctx.Err() == nil {
			order, err := orders.ExpireNextPending(ctx, cutoff)
			if errors.Is(err, database.ErrOrderNotFound) {
				break
			}
			if err != nil {
				return err
			}

			expired++
			publisher.Publish(ctx, events.FromOrder(events.OrderFailed, order))
			recorder.Record(ctx, "order.expired", order.ID.String(), bson.M{
				"created_at": order.CreatedAt,
				"ttl":        ttl.String(),
			})
		}

		if expired > 0 {
			logger.Info().Int("expired", expired).Time("cutoff", cutoff).Msg("Expired pending orders")
		}
		return ctx.Err()
	}
}

// Keepalive runs a trivial query so an idle database connection stays warm.
func Keepalive(db database.DBTX, logger zerolog.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		var one int
		if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
			return fmt.Errorf("keepalive: %w", err)
		}
		logger.Debug().Msg("Database keepalive")
		return nil
	}
}

type CartPruner interface {
	Prune(idle time.Duration) int
}

// PruneCarts evicts carts idle for longer than idle from memory.
func PruneCarts(carts CartPruner, idle time.Duration, logger zerolog.Logger) func(ctx context.Context) error {
	return func(context.Context) error {
		if n := carts.Prune(idle); n > 0 {
			logger.Info().Int("carts", n).Msg("Evicted idle carts")
		}
		return nil
	}
}
