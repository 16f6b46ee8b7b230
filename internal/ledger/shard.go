package ledger

import (
	"context"
	"time"

	"keyquorum/internal/sealer"
)

// ShardRecord is one committee's custodial copy of a secret share for a
// (code, requester) pair. Exactly one record exists per
// (code, requester, committee); once SubmittedAt is set the record is
// final.
type ShardRecord struct {
	CodeID         string     `json:"codeId"`
	Requester      string     `json:"requester"`
	RunNonce       string     `json:"runNonce"`
	Committee      string     `json:"committee"`
	ShareIndex     int        `json:"shareIndex"`
	ShareValue     string     `json:"shareValue"`
	ByteLength     int        `json:"byteLength"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	Note           string     `json:"note,omitempty"`
	SubmittedAt    *time.Time `json:"submittedAt,omitempty"`
	PublicationRef string     `json:"publicationRef,omitempty"`
}

// Expired reports whether the shard's own delivery deadline has passed.
func (s *ShardRecord) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Submitted reports whether the shard was already delivered.
func (s *ShardRecord) Submitted() bool {
	return s.SubmittedAt != nil
}

// SealedSharePublication is the content-addressed wire form of a
// delivered shard: the sealed payload plus enough context for the
// requester to validate and combine. Immutable once produced.
type SealedSharePublication struct {
	RunID      string               `json:"runId"`
	CodeID     string               `json:"codeId"`
	Requester  string               `json:"requester"`
	RunNonce   string               `json:"runNonce"`
	Committee  string               `json:"committee"`
	ShareIndex int                  `json:"shareIndex"`
	ByteLength int                  `json:"byteLength"`
	Payload    sealer.SealedPayload `json:"payload"`
	Note       string               `json:"note,omitempty"`
	CreatedAt  time.Time            `json:"createdAt"`
}

// ShardStore holds prepared shards behind the shared TTL-bounded store.
// FindForCommittee is a point lookup: a worker can only ever read its own
// committee's shard through this interface.
type ShardStore interface {
	// SaveMany upserts a batch of prepared shards with the store TTL.
	SaveMany(ctx context.Context, records []ShardRecord) error
	// FindForCommittee returns the shard held by committee for the
	// (code, requester) pair, or nil when none is prepared or it has
	// been evicted.
	FindForCommittee(ctx context.Context, codeID, requester, committee string) (*ShardRecord, error)
	// MarkSubmitted records the delivery outcome. Re-invocation on an
	// already-submitted record is safe.
	MarkSubmitted(ctx context.Context, codeID, requester, committee, publicationRef string, submittedAt time.Time) error
}
