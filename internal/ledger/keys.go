package ledger

import (
	"fmt"
	"math/big"
	"strings"
)

// NormalizeAddress lower-cases an account address and guarantees a 0x
// prefix. Addresses act as dedup keys, so every store write and lookup
// goes through this.
func NormalizeAddress(addr string) string {
	trimmed := strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(trimmed, "0x") {
		trimmed = "0x" + trimmed
	}
	return trimmed
}

// NormalizeNonce canonicalizes a run nonce to 0x + 64 lower-case hex
// digits, zero-left-padding raw 32-byte values that arrive short.
func NormalizeNonce(nonce string) string {
	trimmed := strings.ToLower(strings.TrimSpace(nonce))
	trimmed = strings.TrimPrefix(trimmed, "0x")
	if len(trimmed) < 64 {
		trimmed = strings.Repeat("0", 64-len(trimmed)) + trimmed
	}
	return "0x" + trimmed
}

// RunKey derives the canonical run identifier from its parts.
func RunKey(codeID *big.Int, requester, runNonce string) string {
	return fmt.Sprintf("%s:%s:%s", codeID.String(), NormalizeAddress(requester), NormalizeNonce(runNonce))
}

// DeliveryJobKey is the idempotency key for a shard-delivery job.
func DeliveryJobKey(codeID, requester, committee, runNonce string) string {
	return fmt.Sprintf("%s:%s:%s:%s", codeID, NormalizeAddress(requester), NormalizeAddress(committee), NormalizeNonce(runNonce))
}
