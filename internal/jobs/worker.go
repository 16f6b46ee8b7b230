package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"keyquorum/internal/monitor"
)

// Worker pulls jobs from one queue, one at a time, and runs a handler.
// Multiple workers per queue and per process are safe: the queue's claim
// operation hands each job to exactly one of them.
type Worker struct {
	queue    Queue
	name     string
	handler  Handler
	interval time.Duration
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// NewWorker builds a worker for the named queue polling at interval.
func NewWorker(queue Queue, name string, handler Handler, interval time.Duration, metrics *monitor.Metrics) *Worker {
	if interval <= 0 {
		interval = time.Second
	}
	return &Worker{
		queue:    queue,
		name:     name,
		handler:  handler,
		interval: interval,
		metrics:  metrics,
		tracer:   monitor.NewTracer(),
		done:     make(chan struct{}),
	}
}

// Start launches the polling loop.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.loop(ctx)
	log.Info().Str("queue", w.name).Dur("interval", w.interval).Msg("queue worker started")
}

// Stop drains the worker. The in-flight job, if any, runs to completion.
// Safe to call more than once and concurrently with running jobs.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain processes due jobs until the queue is empty or the worker stops.
func (w *Worker) drain(ctx context.Context) {
	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.Claim(ctx, w.name)
		if err != nil {
			log.Error().Err(err).Str("queue", w.name).Msg("claiming job failed")
			return
		}
		if job == nil {
			return
		}
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	spanCtx, span := w.tracer.StartSpan(ctx, "job."+w.name,
		monitor.AttrJobKey.String(job.Key),
		monitor.AttrJobAttempt.Int(job.Attempt),
	)
	defer span.End()

	start := time.Now()
	err := w.handler(spanCtx, job)
	duration := time.Since(start)

	switch {
	case err == nil:
		if completeErr := w.queue.Complete(ctx, job); completeErr != nil {
			log.Error().Err(completeErr).Str("queue", w.name).Str("key", job.Key).Msg("completing job failed")
		}
		w.metrics.RecordJob(w.name, "completed", duration.Seconds())
		log.Info().Str("queue", w.name).Str("key", job.Key).Int("attempt", job.Attempt).Msg("job completed")

	case errors.Is(err, ErrStructural):
		if failErr := w.queue.Fail(ctx, job, err, true); failErr != nil {
			log.Error().Err(failErr).Str("queue", w.name).Str("key", job.Key).Msg("burying job failed")
		}
		w.metrics.RecordJob(w.name, "buried", duration.Seconds())
		log.Warn().Err(err).Str("queue", w.name).Str("key", job.Key).Msg("job buried")

	default:
		if failErr := w.queue.Fail(ctx, job, err, false); failErr != nil {
			log.Error().Err(failErr).Str("queue", w.name).Str("key", job.Key).Msg("recording job failure failed")
		}
		w.metrics.RecordJob(w.name, "failed", duration.Seconds())
		log.Error().Err(err).Str("queue", w.name).Str("key", job.Key).Int("attempt", job.Attempt).Msg("job failed")
	}
}
