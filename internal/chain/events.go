package chain

import (
	"fmt"
	"math/big"
	"time"

	"keyquorum/internal/ledger"
)

// RunRequestedSignature is the canonical event emitted by the license
// manager when a requester asks to execute a registered artifact.
const RunRequestedSignature = "RunRequested(uint256,address,bytes32,bytes)"

// RunRequestedTopic is topic0 for the canonical event.
func RunRequestedTopic() string {
	return eventTopic(RunRequestedSignature)
}

// RunRequestedEvent is the normalized form of one decoded log. Requester
// and RunNonce are already canonical (lower-case, padded); RequestedAt is
// resolved by the ingestor from the block timestamp.
type RunRequestedEvent struct {
	CodeID          *big.Int
	Requester       string
	RunNonce        string
	RecipientPubKey string
	BlockNumber     uint64
	RequestedAt     time.Time
}

// RunID derives the canonical run identifier for this event.
func (e *RunRequestedEvent) RunID() string {
	return ledger.RunKey(e.CodeID, e.Requester, e.RunNonce)
}

// DecodeRunRequested decodes one raw log into a normalized event. Two
// deployed layouts exist: the canonical one carries runNonce in the data
// section, an older one indexes it as topic3. Both decode here; all
// schema tolerance stays inside this function.
func DecodeRunRequested(l Log) (*RunRequestedEvent, error) {
	if len(l.Topics) < 3 {
		return nil, fmt.Errorf("expected at least 3 topics, got %d", len(l.Topics))
	}

	codeID, err := parseBig(l.Topics[1])
	if err != nil {
		return nil, fmt.Errorf("decoding codeId: %w", err)
	}

	requesterWord, err := abiBytes32(l.Topics[2])
	if err != nil {
		return nil, fmt.Errorf("decoding requester: %w", err)
	}
	requester := ledger.NormalizeAddress(encodeHexBytes(requesterWord[12:]))

	data, err := decodeHexBytes(l.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding event data: %w", err)
	}

	var runNonce string
	var pubKeyOffsetWord int
	if len(l.Topics) >= 4 {
		// Older deployments index the nonce as topic3.
		runNonce = ledger.NormalizeNonce(l.Topics[3])
		pubKeyOffsetWord = 0
	} else {
		nonceWord, err := dataWord(data, 0)
		if err != nil {
			return nil, fmt.Errorf("decoding runNonce: %w", err)
		}
		runNonce = ledger.NormalizeNonce(encodeHexBytes(nonceWord))
		pubKeyOffsetWord = 1
	}

	pubKey, err := dataDynamicBytes(data, pubKeyOffsetWord)
	if err != nil {
		return nil, fmt.Errorf("decoding recipientPubKey: %w", err)
	}
	if len(pubKey) == 0 {
		return nil, fmt.Errorf("empty recipientPubKey")
	}

	blockNumber, err := parseQuantity(l.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("decoding block number: %w", err)
	}

	return &RunRequestedEvent{
		CodeID:          codeID,
		Requester:       requester,
		RunNonce:        runNonce,
		RecipientPubKey: encodeHexBytes(pubKey),
		BlockNumber:     blockNumber,
	}, nil
}

// dataWord returns the i-th 32-byte word of the data section.
func dataWord(data []byte, i int) ([]byte, error) {
	start := i * wordSize
	if len(data) < start+wordSize {
		return nil, errShortData
	}
	return data[start : start+wordSize], nil
}

// dataDynamicBytes follows the offset in head word i to a length-prefixed
// byte string in the tail.
func dataDynamicBytes(data []byte, i int) ([]byte, error) {
	offsetWord, err := dataWord(data, i)
	if err != nil {
		return nil, err
	}
	offset := new(big.Int).SetBytes(offsetWord)
	if !offset.IsInt64() || offset.Int64()+wordSize > int64(len(data)) {
		return nil, errShortData
	}
	start := int(offset.Int64())
	length := new(big.Int).SetBytes(data[start : start+wordSize])
	if !length.IsInt64() || int64(start+wordSize)+length.Int64() > int64(len(data)) {
		return nil, errShortData
	}
	return data[start+wordSize : start+wordSize+int(length.Int64())], nil
}
