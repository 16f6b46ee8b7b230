package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog/log"

	"keyquorum/internal/ledger"
	"keyquorum/internal/monitor"
)

// ApproveRunJob is the payload of an approve-run job.
type ApproveRunJob struct {
	RunID string `json:"runId"`
}

// ExecutionApprover submits the on-chain approval call.
type ExecutionApprover interface {
	ApproveExecution(ctx context.Context, runID string, codeID *big.Int, artifactRefs []string) error
}

// EvidenceUploader stores an approval evidence bundle and returns its
// content address. Evidence is best-effort: upload failures do not block
// the approval.
type EvidenceUploader interface {
	UploadEvidence(ctx context.Context, runID string, bundle []byte) (string, error)
}

// Approver handles approve-run jobs. It re-checks the threshold against
// the live piece count, uploads an evidence bundle, submits the on-chain
// approval, and marks the run approved. Re-running against an already
// approved run is a no-op.
type Approver struct {
	runs     ledger.RunStore
	uploader EvidenceUploader
	chain    ExecutionApprover
	metrics  *monitor.Metrics
}

// NewApprover builds the approve-run handler.
func NewApprover(runs ledger.RunStore, uploader EvidenceUploader, chain ExecutionApprover, metrics *monitor.Metrics) *Approver {
	return &Approver{runs: runs, uploader: uploader, chain: chain, metrics: metrics}
}

// evidenceBundle is the JSON document uploaded alongside an approval.
type evidenceBundle struct {
	Run    *ledger.Run    `json:"run"`
	Pieces []ledger.Piece `json:"pieces"`
}

// Handle implements Handler.
func (a *Approver) Handle(ctx context.Context, job *Job) error {
	var payload ApproveRunJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: decoding approve-run payload: %v", ErrStructural, err)
	}

	run, err := a.runs.Find(ctx, payload.RunID)
	if err != nil {
		return fmt.Errorf("loading run: %w", err)
	}
	if run == nil {
		log.Warn().Str("run_id", payload.RunID).Msg("run expired or unknown, skipping approval")
		return nil
	}
	if run.Status == ledger.RunApproved {
		log.Info().Str("run_id", payload.RunID).Msg("run already approved")
		return nil
	}

	pieces, err := a.runs.ListPieces(ctx, payload.RunID)
	if err != nil {
		return fmt.Errorf("listing pieces: %w", err)
	}
	if len(pieces) < run.Threshold {
		log.Info().Str("run_id", payload.RunID).Int("pieces", len(pieces)).
			Int("threshold", run.Threshold).Msg("threshold not reached, skipping approval")
		return nil
	}

	a.uploadEvidence(ctx, run, pieces)

	refs := make([]string, len(pieces))
	for i, p := range pieces {
		refs[i] = p.ArtifactRef
	}
	if err := a.chain.ApproveExecution(ctx, run.RunID, run.CodeID, refs); err != nil {
		if markErr := a.runs.MarkFailed(ctx, run.RunID, err.Error()); markErr != nil {
			log.Error().Err(markErr).Str("run_id", run.RunID).Msg("recording approval failure failed")
		}
		return fmt.Errorf("approving execution: %w", err)
	}

	if err := a.runs.MarkApproved(ctx, run.RunID, time.Now().UTC()); err != nil {
		return fmt.Errorf("marking run approved: %w", err)
	}

	a.metrics.RunsApproved.Inc()
	log.Info().Str("run_id", run.RunID).Int("pieces", len(pieces)).Msg("run approved")
	return nil
}

func (a *Approver) uploadEvidence(ctx context.Context, run *ledger.Run, pieces []ledger.Piece) {
	bundle, err := json.Marshal(evidenceBundle{Run: run, Pieces: pieces})
	if err != nil {
		log.Warn().Err(err).Str("run_id", run.RunID).Msg("encoding evidence bundle failed")
		return
	}
	ref, err := a.uploader.UploadEvidence(ctx, run.RunID, bundle)
	if err != nil {
		log.Warn().Err(err).Str("run_id", run.RunID).Msg("uploading evidence bundle failed")
		return
	}
	log.Info().Str("run_id", run.RunID).Str("ref", ref).Msg("evidence bundle uploaded")
}
