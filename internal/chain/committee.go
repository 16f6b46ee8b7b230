package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog/log"

	"keyquorum/internal/ledger"
)

// Gas ceiling used when estimation is unavailable.
const defaultGasLimit = 500_000

// CommitteeContract wraps the committee contract's call surface: shard
// submission, execution approval, the threshold read, and the operator
// role bootstrap.
type CommitteeContract struct {
	client  *RPCClient
	signer  *Signer
	address string
}

// NewCommitteeContract binds the contract at address.
func NewCommitteeContract(client *RPCClient, signer *Signer, address string) *CommitteeContract {
	return &CommitteeContract{
		client:  client,
		signer:  signer,
		address: ledger.NormalizeAddress(address),
	}
}

// SubmitShard publishes this committee's sealed-shard reference on-chain.
func (c *CommitteeContract) SubmitShard(ctx context.Context, codeID *big.Int, requester, runNonce, publicationRef string) error {
	requesterArg, err := abiAddress(requester)
	if err != nil {
		return err
	}
	nonceArg, err := abiBytes32(ledger.NormalizeNonce(runNonce))
	if err != nil {
		return err
	}

	data := encodeCall(
		selector("submitShard(uint256,address,bytes32,string)"),
		staticArg(abiUint(codeID)),
		staticArg(requesterArg),
		staticArg(nonceArg),
		dynamicArg(abiDynamicBytes([]byte(publicationRef))),
	)
	return c.transact(ctx, data)
}

// ApproveExecution submits the approval call carrying the collected piece
// references. The on-chain run identifier is the keccak hash of the
// canonical run key.
func (c *CommitteeContract) ApproveExecution(ctx context.Context, runID string, codeID *big.Int, artifactRefs []string) error {
	data := encodeCall(
		selector("approveExecution(bytes32,uint256,string[])"),
		staticArg(keccak256([]byte(runID))),
		staticArg(abiUint(codeID)),
		dynamicArg(abiStringArray(artifactRefs)),
	)
	return c.transact(ctx, data)
}

// CommitteeThreshold reads the contract-wide approval threshold.
func (c *CommitteeContract) CommitteeThreshold(ctx context.Context) (int, error) {
	result, err := c.client.EthCall(ctx, c.address, encodeCall(selector("committeeThreshold()")))
	if err != nil {
		return 0, err
	}
	v, err := decodeUintResult(result)
	if err != nil {
		return 0, err
	}
	if !v.IsInt64() || v.Int64() <= 0 {
		return 0, fmt.Errorf("unexpected threshold value %s", v)
	}
	return int(v.Int64()), nil
}

// EnsureCommitteeRole verifies the operator holds COMMITTEE_ROLE and
// requests it otherwise, retrying on a fixed backoff until it succeeds or
// the context ends. Startup blocks on this.
func (c *CommitteeContract) EnsureCommitteeRole(ctx context.Context, committee string) error {
	const retryDelay = 10 * time.Second
	committee = ledger.NormalizeAddress(committee)

	for {
		err := c.ensureRoleOnce(ctx, committee)
		if err == nil {
			return nil
		}
		log.Error().Err(err).Str("committee", committee).Msg("ensuring committee role failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

func (c *CommitteeContract) ensureRoleOnce(ctx context.Context, committee string) error {
	roleResult, err := c.client.EthCall(ctx, c.address, encodeCall(selector("COMMITTEE_ROLE()")))
	if err != nil {
		return fmt.Errorf("reading COMMITTEE_ROLE: %w", err)
	}
	if len(roleResult) < wordSize {
		return fmt.Errorf("short COMMITTEE_ROLE result")
	}

	committeeArg, err := abiAddress(committee)
	if err != nil {
		return err
	}
	hasRoleData := encodeCall(
		selector("hasRole(bytes32,address)"),
		staticArg(roleResult[:wordSize]),
		staticArg(committeeArg),
	)
	hasRoleResult, err := c.client.EthCall(ctx, c.address, hasRoleData)
	if err != nil {
		return fmt.Errorf("reading hasRole: %w", err)
	}
	hasRole, err := decodeBoolResult(hasRoleResult)
	if err != nil {
		return err
	}
	if hasRole {
		log.Info().Str("committee", committee).Msg("committee role already granted")
		return nil
	}

	log.Info().Str("committee", committee).Msg("requesting committee role")
	data := encodeCall(selector("addCommittee(address)"), staticArg(committeeArg))
	if err := c.transact(ctx, data); err != nil {
		return fmt.Errorf("granting committee role: %w", err)
	}
	log.Info().Str("committee", committee).Msg("committee role granted")
	return nil
}

// transact signs, broadcasts, and waits for one contract call.
func (c *CommitteeContract) transact(ctx context.Context, data []byte) error {
	nonce, err := c.client.PendingNonce(ctx, c.signer.Address())
	if err != nil {
		return fmt.Errorf("reading nonce: %w", err)
	}
	gasPrice, err := c.client.GasPrice(ctx)
	if err != nil {
		return fmt.Errorf("reading gas price: %w", err)
	}

	signed, err := c.signer.SignTx(nonce, c.address, gasPrice, defaultGasLimit, nil, data)
	if err != nil {
		return fmt.Errorf("signing transaction: %w", err)
	}

	hash, err := c.client.SendRawTransaction(ctx, signed)
	if err != nil {
		return fmt.Errorf("broadcasting transaction: %w", err)
	}
	if err := c.client.WaitMined(ctx, hash); err != nil {
		return err
	}
	log.Debug().Str("tx", hash).Str("contract", c.address).Msg("transaction mined")
	return nil
}
