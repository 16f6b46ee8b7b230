// Package dispatch turns run requests, whether ingested from the chain
// or injected manually, into ledger records and delivery jobs.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog/log"

	"keyquorum/internal/chain"
	"keyquorum/internal/jobs"
	"keyquorum/internal/ledger"
	"keyquorum/internal/monitor"
)

// ThresholdSource supplies the committee approval threshold for new runs.
type ThresholdSource interface {
	Threshold(ctx context.Context) int
}

// ManualEvent is an operator-supplied run request injected through the
// API instead of the chain.
type ManualEvent struct {
	CodeID          *big.Int
	Requester       string
	RunNonce        string
	RecipientPubKey string
}

// Normalize converts the manual request into the normalized event shape
// the ingestor produces.
func (m *ManualEvent) Normalize() *chain.RunRequestedEvent {
	return &chain.RunRequestedEvent{
		CodeID:          m.CodeID,
		Requester:       ledger.NormalizeAddress(m.Requester),
		RunNonce:        ledger.NormalizeNonce(m.RunNonce),
		RecipientPubKey: m.RecipientPubKey,
		RequestedAt:     time.Now().UTC(),
	}
}

// Result describes what one processed request did. Reason is set when no
// delivery job was queued.
type Result struct {
	RunID   string `json:"runId"`
	Created bool   `json:"created"`
	Queued  bool   `json:"queued"`
	Reason  string `json:"reason,omitempty"`
}

// RunRequestProcessor records each request in the run ledger and, when
// this committee holds a deliverable shard for the (code, requester)
// pair, enqueues a deliver-shard job. Both steps are idempotent, so
// at-least-once event delivery is safe.
type RunRequestProcessor struct {
	runs       ledger.RunStore
	shards     ledger.ShardStore
	queue      jobs.Queue
	thresholds ThresholdSource
	committee  string
	metrics    *monitor.Metrics
	tracer     *monitor.Tracer
}

// NewRunRequestProcessor builds the processor for this committee.
func NewRunRequestProcessor(runs ledger.RunStore, shards ledger.ShardStore, queue jobs.Queue, thresholds ThresholdSource, committee string, metrics *monitor.Metrics) *RunRequestProcessor {
	return &RunRequestProcessor{
		runs:       runs,
		shards:     shards,
		queue:      queue,
		thresholds: thresholds,
		committee:  ledger.NormalizeAddress(committee),
		metrics:    metrics,
		tracer:     monitor.NewTracer(),
	}
}

// HandleRunRequested implements chain.EventHandler.
func (p *RunRequestProcessor) HandleRunRequested(ctx context.Context, event *chain.RunRequestedEvent) error {
	_, err := p.Process(ctx, event)
	return err
}

// Process records the run and queues shard delivery. Errors are
// retryable: the caller may replay the same event.
func (p *RunRequestProcessor) Process(ctx context.Context, event *chain.RunRequestedEvent) (*Result, error) {
	runID := event.RunID()
	ctx, span := p.tracer.StartSpan(ctx, "dispatch",
		monitor.AttrRunID.String(runID),
		monitor.AttrCodeID.String(event.CodeID.String()),
	)
	defer span.End()

	createdAt := event.RequestedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	run := &ledger.Run{
		RunID:     runID,
		CodeID:    event.CodeID,
		Requester: event.Requester,
		RunNonce:  event.RunNonce,
		Threshold: p.thresholds.Threshold(ctx),
		CreatedAt: createdAt,
		Status:    ledger.RunPending,
	}
	created, err := p.runs.Create(ctx, run)
	if err != nil {
		return nil, fmt.Errorf("recording run %s: %w", runID, err)
	}
	if created {
		p.metrics.RunsCreated.Inc()
		log.Info().Str("run_id", runID).Int("threshold", run.Threshold).Msg("run recorded")
	} else {
		log.Debug().Str("run_id", runID).Msg("run already recorded")
	}

	result := &Result{RunID: runID, Created: created}

	shard, err := p.shards.FindForCommittee(ctx, event.CodeID.String(), event.Requester, p.committee)
	if err != nil {
		return nil, fmt.Errorf("checking shard for run %s: %w", runID, err)
	}
	switch {
	case shard == nil:
		result.Reason = "no shard prepared for this committee"
	case shard.Submitted():
		result.Reason = "shard already delivered"
	case shard.Expired(time.Now().UTC()):
		result.Reason = "shard expired"
	default:
		payload, err := json.Marshal(jobs.DeliverShardJob{
			CodeID:          event.CodeID.String(),
			Requester:       event.Requester,
			RunNonce:        event.RunNonce,
			RecipientPubKey: event.RecipientPubKey,
		})
		if err != nil {
			return nil, fmt.Errorf("encoding delivery payload for run %s: %w", runID, err)
		}
		key := ledger.DeliveryJobKey(event.CodeID.String(), event.Requester, p.committee, event.RunNonce)
		if err := p.queue.Enqueue(ctx, jobs.QueueDeliverShard, key, payload); err != nil {
			return nil, fmt.Errorf("enqueueing delivery for run %s: %w", runID, err)
		}
		result.Queued = true
	}

	if !result.Queued {
		log.Info().Str("run_id", runID).Str("reason", result.Reason).Msg("no delivery queued")
	}
	return result, nil
}
