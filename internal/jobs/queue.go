// Package jobs defines the durable work queues that drive shard delivery
// and run approval, and the handlers that process them. Queues are backed
// by the shared store so that multiple committee-node processes can pull
// from them concurrently.
package jobs

import (
	"context"
	"errors"
	"time"
)

// Queue names. Each is an independent logical queue with its own workers.
const (
	QueueDeliverShard = "deliver-shard"
	QueueApproveRun   = "approve-run"
)

// Retry policy shared by both queues.
const (
	MaxAttempts  = 5
	BackoffBase  = 5 * time.Second
	BackoffLimit = 10 * time.Minute
)

var (
	// ErrStructural marks a handler failure that retrying cannot fix.
	// The queue buries the job immediately instead of re-attempting.
	ErrStructural = errors.New("structural job failure")
)

// Job is one claimed unit of work. Key is the deterministic idempotency
// key: enqueueing a key that is already queued or completed is a no-op.
type Job struct {
	ID      int64
	Queue   string
	Key     string
	Payload []byte
	Attempt int
}

// Handler processes one job. A nil return completes the job; ErrStructural
// buries it; any other error schedules a retry until MaxAttempts.
type Handler func(ctx context.Context, job *Job) error

// Queue is the durable backing store contract for a set of named queues.
type Queue interface {
	// Enqueue adds a job unless its key is already present (queued,
	// running, or completed). Duplicate enqueue is a successful no-op.
	Enqueue(ctx context.Context, queue, key string, payload []byte) error
	// Claim leases the oldest due job on the queue, or returns nil when
	// none is due. A claimed job is invisible to other workers until
	// Complete or Fail.
	Claim(ctx context.Context, queue string) (*Job, error)
	// Complete marks the job done.
	Complete(ctx context.Context, job *Job) error
	// Fail records a failed attempt. Retryable failures are rescheduled
	// with exponential backoff until MaxAttempts; structural ones are
	// buried at once.
	Fail(ctx context.Context, job *Job, cause error, structural bool) error
}

// Backoff returns the delay before the next attempt after `attempt`
// failed tries.
func Backoff(attempt int) time.Duration {
	d := BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= BackoffLimit {
			return BackoffLimit
		}
	}
	return d
}
