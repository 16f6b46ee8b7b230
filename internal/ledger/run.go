// Package ledger holds the committee node's domain records and the store
// contracts they live behind. All records are ephemeral: the backing
// store bounds them with a TTL and a longer retention window once a run
// is approved.
package ledger

import (
	"context"
	"math/big"
	"time"
)

// RunStatus is the lifecycle state of a requested execution.
type RunStatus string

const (
	RunPending  RunStatus = "pending"
	RunApproved RunStatus = "approved"
)

// Run is one requested execution of a registered artifact.
type Run struct {
	RunID      string     `json:"runId"`
	CodeID     *big.Int   `json:"codeId"`
	Requester  string     `json:"requester"`
	RunNonce   string     `json:"runNonce"`
	Threshold  int        `json:"threshold"`
	CreatedAt  time.Time  `json:"createdAt"`
	Status     RunStatus  `json:"status"`
	ApprovedAt *time.Time `json:"approvedAt,omitempty"`
}

// Approve transitions the run to approved. Re-approval is a no-op.
func (r *Run) Approve(at time.Time) {
	if r.Status == RunApproved {
		return
	}
	r.Status = RunApproved
	r.ApprovedAt = &at
}

// Piece is one submitted artifact fragment counted toward a run's
// approval threshold. Pieces are immutable once recorded.
type Piece struct {
	Submitter   string    `json:"submitter"`
	ArtifactRef string    `json:"artifactRef"`
	Signature   string    `json:"signature"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// RunStore is the TTL-bounded record of runs and their pieces. Create and
// AddPiece are conditional set-if-absent operations: they report
// created=false / added=false instead of erroring so that concurrent
// writers converge on a single record.
type RunStore interface {
	// Create stores the run unless one already exists for its RunID.
	Create(ctx context.Context, run *Run) (created bool, err error)
	// Find returns the run, or nil when unknown or expired.
	Find(ctx context.Context, runID string) (*Run, error)
	// AddPiece records a piece unless the normalized submitter already
	// submitted one for this run.
	AddPiece(ctx context.Context, runID string, piece Piece) (added bool, err error)
	ListPieces(ctx context.Context, runID string) ([]Piece, error)
	CountPieces(ctx context.Context, runID string) (int, error)
	// MarkApproved flips the run to approved and extends its retention,
	// pieces included. Unknown runs are a no-op.
	MarkApproved(ctx context.Context, runID string, approvedAt time.Time) error
	// MarkFailed records a failure marker for observability without
	// touching the run's status.
	MarkFailed(ctx context.Context, runID string, reason string) error
}
