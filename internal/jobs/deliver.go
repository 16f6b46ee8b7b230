package jobs

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"keyquorum/internal/ledger"
	"keyquorum/internal/monitor"
	"keyquorum/internal/sealer"
)

// DeliverShardJob is the payload of a deliver-shard job.
type DeliverShardJob struct {
	CodeID          string `json:"codeId"`
	Requester       string `json:"requester"`
	RunNonce        string `json:"runNonce"`
	RecipientPubKey string `json:"recipientPubKey"`
}

// Publisher stores a sealed publication and returns its content address.
type Publisher interface {
	PublishSealedShare(ctx context.Context, pub *ledger.SealedSharePublication) (string, error)
}

// ShardSubmitter records a shard delivery on-chain.
type ShardSubmitter interface {
	SubmitShard(ctx context.Context, codeID *big.Int, requester, runNonce, publicationRef string) error
}

// Deliverer handles deliver-shard jobs: it seals this committee's shard
// to the requester's key, publishes the sealed payload, and records the
// reference on-chain. A job whose shard is missing, already delivered,
// or expired completes as a no-op.
type Deliverer struct {
	shards    ledger.ShardStore
	publisher Publisher
	submitter ShardSubmitter
	committee string
	metrics   *monitor.Metrics
}

// NewDeliverer builds the deliver-shard handler for this committee.
func NewDeliverer(shards ledger.ShardStore, publisher Publisher, submitter ShardSubmitter, committee string, metrics *monitor.Metrics) *Deliverer {
	return &Deliverer{
		shards:    shards,
		publisher: publisher,
		submitter: submitter,
		committee: ledger.NormalizeAddress(committee),
		metrics:   metrics,
	}
}

// Handle implements Handler.
func (d *Deliverer) Handle(ctx context.Context, job *Job) error {
	var payload DeliverShardJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: decoding deliver-shard payload: %v", ErrStructural, err)
	}

	requester := ledger.NormalizeAddress(payload.Requester)
	shard, err := d.shards.FindForCommittee(ctx, payload.CodeID, requester, d.committee)
	if err != nil {
		return fmt.Errorf("loading shard: %w", err)
	}
	if shard == nil {
		log.Info().Str("code_id", payload.CodeID).Str("requester", requester).
			Msg("no shard prepared for this committee, nothing to deliver")
		return nil
	}
	if shard.Submitted() {
		log.Info().Str("code_id", payload.CodeID).Str("requester", requester).
			Str("ref", shard.PublicationRef).Msg("shard already delivered")
		return nil
	}
	now := time.Now().UTC()
	if shard.Expired(now) {
		log.Warn().Str("code_id", payload.CodeID).Str("requester", requester).
			Time("expired_at", shard.ExpiresAt).Msg("shard expired before delivery")
		return nil
	}

	codeID, ok := new(big.Int).SetString(payload.CodeID, 10)
	if !ok {
		return fmt.Errorf("%w: malformed code id %q", ErrStructural, payload.CodeID)
	}

	share, err := decodeShareValue(shard.ShareValue)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStructural, err)
	}
	sealed, err := sealer.Seal(share, payload.RecipientPubKey)
	if err != nil {
		return fmt.Errorf("%w: sealing shard: %v", ErrStructural, err)
	}

	publication := &ledger.SealedSharePublication{
		RunID:      ledger.RunKey(codeID, requester, shard.RunNonce),
		CodeID:     payload.CodeID,
		Requester:  requester,
		RunNonce:   ledger.NormalizeNonce(shard.RunNonce),
		Committee:  d.committee,
		ShareIndex: shard.ShareIndex,
		ByteLength: shard.ByteLength,
		Payload:    *sealed,
		Note:       shard.Note,
		CreatedAt:  now,
	}
	ref, err := d.publisher.PublishSealedShare(ctx, publication)
	if err != nil {
		return fmt.Errorf("publishing sealed share: %w", err)
	}

	if err := d.submitter.SubmitShard(ctx, codeID, requester, shard.RunNonce, ref); err != nil {
		return fmt.Errorf("submitting shard reference: %w", err)
	}

	if err := d.shards.MarkSubmitted(ctx, payload.CodeID, requester, d.committee, ref, now); err != nil {
		return fmt.Errorf("recording shard submission: %w", err)
	}

	d.metrics.ShardsDelivered.Inc()
	log.Info().Str("code_id", payload.CodeID).Str("requester", requester).
		Str("ref", ref).Int("share_index", shard.ShareIndex).Msg("shard delivered")
	return nil
}

// decodeShareValue turns the stored 0x-hex share value back into bytes.
func decodeShareValue(value string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	share, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("malformed share value: %w", err)
	}
	if len(share) == 0 {
		return nil, fmt.Errorf("empty share value")
	}
	return share, nil
}
