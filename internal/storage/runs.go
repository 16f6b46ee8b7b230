package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"

	"keyquorum/internal/ledger"
)

// RunLedger is the PostgreSQL implementation of ledger.RunStore. Rows
// expire after the configured TTL; approval extends the deadline to the
// approved-retention window so evidence stays queryable a while longer.
type RunLedger struct {
	db                *DB
	ttl               time.Duration
	approvedRetention time.Duration
}

// NewRunLedger builds a run store with the given retention windows.
func NewRunLedger(db *DB, ttl, approvedRetention time.Duration) *RunLedger {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if approvedRetention < ttl {
		approvedRetention = ttl
	}
	return &RunLedger{db: db, ttl: ttl, approvedRetention: approvedRetention}
}

// Create stores the run unless its RunID is already present and live.
// An expired row the janitor has not pruned yet is reclaimed as if it
// were absent. The losing writer of a race sees created=false and no
// error.
func (s *RunLedger) Create(ctx context.Context, run *ledger.Run) (bool, error) {
	query := `
		INSERT INTO runs (run_id, code_id, requester, run_nonce, threshold,
			status, created_at, approved_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id) DO UPDATE SET
			code_id = EXCLUDED.code_id,
			requester = EXCLUDED.requester,
			run_nonce = EXCLUDED.run_nonce,
			threshold = EXCLUDED.threshold,
			status = EXCLUDED.status,
			failure_reason = '',
			created_at = EXCLUDED.created_at,
			approved_at = EXCLUDED.approved_at,
			expires_at = EXCLUDED.expires_at
		WHERE runs.expires_at <= now()
		RETURNING run_id`

	var inserted string
	err := s.db.pool.QueryRow(ctx, query,
		run.RunID, run.CodeID.String(), run.Requester, run.RunNonce,
		run.Threshold, string(run.Status), run.CreatedAt, run.ApprovedAt,
		run.CreatedAt.Add(s.ttl),
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inserting run %s: %w", run.RunID, err)
	}
	return true, nil
}

// Find returns the run, or nil when it is unknown or past its deadline.
func (s *RunLedger) Find(ctx context.Context, runID string) (*ledger.Run, error) {
	query := `
		SELECT run_id, code_id, requester, run_nonce, threshold, status,
			created_at, approved_at
		FROM runs WHERE run_id = $1 AND expires_at > now()`

	var (
		run    ledger.Run
		codeID string
		status string
	)
	err := s.db.pool.QueryRow(ctx, query, runID).Scan(
		&run.RunID, &codeID, &run.Requester, &run.RunNonce,
		&run.Threshold, &status, &run.CreatedAt, &run.ApprovedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying run %s: %w", runID, err)
	}

	run.CodeID, _ = new(big.Int).SetString(codeID, 10)
	if run.CodeID == nil {
		return nil, fmt.Errorf("run %s has malformed code id %q", runID, codeID)
	}
	run.Status = ledger.RunStatus(status)
	return &run, nil
}

// AddPiece records a piece unless the submitter already has a live one
// for this run. An expired piece row is replaced, matching Create's
// reclaim of expired runs.
func (s *RunLedger) AddPiece(ctx context.Context, runID string, piece ledger.Piece) (bool, error) {
	query := `
		INSERT INTO run_pieces (run_id, submitter, artifact_ref, signature,
			submitted_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, submitter) DO UPDATE SET
			artifact_ref = EXCLUDED.artifact_ref,
			signature = EXCLUDED.signature,
			submitted_at = EXCLUDED.submitted_at,
			expires_at = EXCLUDED.expires_at
		WHERE run_pieces.expires_at <= now()
		RETURNING run_id`

	var inserted string
	err := s.db.pool.QueryRow(ctx, query,
		runID, piece.Submitter, piece.ArtifactRef, piece.Signature,
		piece.SubmittedAt, piece.SubmittedAt.Add(s.ttl),
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inserting piece for run %s: %w", runID, err)
	}
	return true, nil
}

// ListPieces returns the live pieces for a run in submission order.
func (s *RunLedger) ListPieces(ctx context.Context, runID string) ([]ledger.Piece, error) {
	query := `
		SELECT submitter, artifact_ref, signature, submitted_at
		FROM run_pieces
		WHERE run_id = $1 AND expires_at > now()
		ORDER BY submitted_at, submitter`

	rows, err := s.db.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("querying pieces for run %s: %w", runID, err)
	}
	defer rows.Close()

	var pieces []ledger.Piece
	for rows.Next() {
		var p ledger.Piece
		if err := rows.Scan(&p.Submitter, &p.ArtifactRef, &p.Signature, &p.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scanning piece row: %w", err)
		}
		pieces = append(pieces, p)
	}
	return pieces, rows.Err()
}

// CountPieces counts the live pieces for a run.
func (s *RunLedger) CountPieces(ctx context.Context, runID string) (int, error) {
	var count int
	err := s.db.pool.QueryRow(ctx,
		`SELECT count(*) FROM run_pieces WHERE run_id = $1 AND expires_at > now()`,
		runID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting pieces for run %s: %w", runID, err)
	}
	return count, nil
}

// MarkApproved flips the run to approved and extends its retention along
// with its pieces. Unknown or already approved runs are a no-op.
func (s *RunLedger) MarkApproved(ctx context.Context, runID string, approvedAt time.Time) error {
	tx, err := s.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning approval transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	deadline := approvedAt.Add(s.approvedRetention)
	_, err = tx.Exec(ctx, `
		UPDATE runs SET status = $2, approved_at = $3, expires_at = $4
		WHERE run_id = $1 AND status <> $2`,
		runID, string(ledger.RunApproved), approvedAt, deadline,
	)
	if err != nil {
		return fmt.Errorf("approving run %s: %w", runID, err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE run_pieces SET expires_at = $2 WHERE run_id = $1`,
		runID, deadline,
	)
	if err != nil {
		return fmt.Errorf("extending pieces for run %s: %w", runID, err)
	}

	return tx.Commit(ctx)
}

// MarkFailed records a failure marker without touching the run's status.
func (s *RunLedger) MarkFailed(ctx context.Context, runID string, reason string) error {
	_, err := s.db.pool.Exec(ctx,
		`UPDATE runs SET failure_reason = $2 WHERE run_id = $1`,
		runID, reason,
	)
	if err != nil {
		return fmt.Errorf("marking run %s failed: %w", runID, err)
	}
	return nil
}
