package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"keyquorum/internal/ledger"
)

// ShardVault is the PostgreSQL implementation of ledger.ShardStore.
type ShardVault struct {
	db  *DB
	ttl time.Duration
}

// NewShardVault builds a shard store with the given TTL.
func NewShardVault(db *DB, ttl time.Duration) *ShardVault {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ShardVault{db: db, ttl: ttl}
}

// SaveMany upserts a batch of prepared shards inside one transaction.
// A record that was already delivered is left untouched.
func (s *ShardVault) SaveMany(ctx context.Context, records []ledger.ShardRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning shard transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO shards (code_id, requester, committee, run_nonce,
			share_index, share_value, byte_length, note, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (code_id, requester, committee) DO UPDATE SET
			run_nonce = EXCLUDED.run_nonce,
			share_index = EXCLUDED.share_index,
			share_value = EXCLUDED.share_value,
			byte_length = EXCLUDED.byte_length,
			note = EXCLUDED.note,
			expires_at = EXCLUDED.expires_at
		WHERE shards.submitted_at IS NULL`

	for _, r := range records {
		expiresAt := r.ExpiresAt
		if expiresAt.IsZero() {
			expiresAt = time.Now().Add(s.ttl)
		}
		_, err := tx.Exec(ctx, query,
			r.CodeID, r.Requester, r.Committee, r.RunNonce,
			r.ShareIndex, r.ShareValue, r.ByteLength, r.Note, expiresAt,
		)
		if err != nil {
			return fmt.Errorf("upserting shard for committee %s: %w", r.Committee, err)
		}
	}

	return tx.Commit(ctx)
}

// FindForCommittee returns the committee's live shard for the
// (code, requester) pair, or nil when none is prepared or it was evicted.
func (s *ShardVault) FindForCommittee(ctx context.Context, codeID, requester, committee string) (*ledger.ShardRecord, error) {
	query := `
		SELECT code_id, requester, committee, run_nonce, share_index,
			share_value, byte_length, note, publication_ref, submitted_at, expires_at
		FROM shards
		WHERE code_id = $1 AND requester = $2 AND committee = $3
		  AND expires_at > now()`

	var r ledger.ShardRecord
	err := s.db.pool.QueryRow(ctx, query, codeID, requester, committee).Scan(
		&r.CodeID, &r.Requester, &r.Committee, &r.RunNonce, &r.ShareIndex,
		&r.ShareValue, &r.ByteLength, &r.Note, &r.PublicationRef,
		&r.SubmittedAt, &r.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying shard for committee %s: %w", committee, err)
	}
	return &r, nil
}

// MarkSubmitted records the delivery outcome once. Re-invocation on an
// already-submitted record changes nothing.
func (s *ShardVault) MarkSubmitted(ctx context.Context, codeID, requester, committee, publicationRef string, submittedAt time.Time) error {
	_, err := s.db.pool.Exec(ctx, `
		UPDATE shards SET submitted_at = $4, publication_ref = $5
		WHERE code_id = $1 AND requester = $2 AND committee = $3
		  AND submitted_at IS NULL`,
		codeID, requester, committee, submittedAt, publicationRef,
	)
	if err != nil {
		return fmt.Errorf("marking shard submitted for committee %s: %w", committee, err)
	}
	return nil
}
