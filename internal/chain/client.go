// Package chain talks to the EVM chain hosting the license and committee
// contracts: a minimal JSON-RPC client, ABI encoding for the contract
// call surface, transaction signing, the RunRequested ingestor, and the
// cached committee-threshold provider.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"keyquorum/internal/monitor"
)

// ErrRateLimited marks an RPC response rejected for capacity reasons.
// Callers route it to the bounded-retry path instead of failing outright.
var ErrRateLimited = errors.New("rpc rate limited")

// RPCClient is a JSON-RPC 2.0 client over HTTP.
type RPCClient struct {
	endpoint string
	http     *http.Client
	metrics  *monitor.Metrics
	nextID   atomic.Int64
}

// NewRPCClient builds a client for the given endpoint.
func NewRPCClient(endpoint string, metrics *monitor.Metrics) *RPCClient {
	return &RPCClient{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 30 * time.Second},
		metrics:  metrics,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is the error object of a JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Call invokes method and unmarshals the result into result (which may be
// nil for fire-and-forget calls).
func (c *RPCClient) Call(ctx context.Context, method string, result any, params ...any) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("encoding rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.record(method, "transport_error")
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		c.record(method, "rate_limited")
		return fmt.Errorf("rpc %s: %w", method, ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		c.record(method, "http_error")
		return fmt.Errorf("rpc %s: unexpected status %d", method, resp.StatusCode)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		c.record(method, "transport_error")
		return fmt.Errorf("rpc %s: reading response: %w", method, err)
	}

	var decoded rpcResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		c.record(method, "decode_error")
		return fmt.Errorf("rpc %s: decoding response: %w", method, err)
	}
	if decoded.Error != nil {
		if rateLimitedMessage(decoded.Error) {
			c.record(method, "rate_limited")
			return fmt.Errorf("rpc %s: %s: %w", method, decoded.Error.Message, ErrRateLimited)
		}
		c.record(method, "rpc_error")
		return fmt.Errorf("rpc %s: %w", method, decoded.Error)
	}

	c.record(method, "ok")
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, result); err != nil {
		return fmt.Errorf("rpc %s: decoding result: %w", method, err)
	}
	return nil
}

func (c *RPCClient) record(method, outcome string) {
	if c.metrics != nil {
		c.metrics.RecordChainCall(method, outcome)
	}
}

// IsRateLimited reports whether err stems from RPC rate limiting.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// -32005 is the conventional "limit exceeded" code; providers also vary
// the message, so match on the usual phrasings.
func rateLimitedMessage(e *RPCError) bool {
	if e.Code == -32005 || e.Code == 429 {
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "capacity")
}

// Log is one EVM event log as returned by eth_getLogs and filter changes.
type Log struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber string   `json:"blockNumber"`
	TxHash      string   `json:"transactionHash"`
	Removed     bool     `json:"removed"`
}

type filterQuery struct {
	FromBlock string     `json:"fromBlock,omitempty"`
	ToBlock   string     `json:"toBlock,omitempty"`
	Address   string     `json:"address,omitempty"`
	Topics    [][]string `json:"topics,omitempty"`
}

// BlockNumber returns the latest block number.
func (c *RPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	var raw string
	if err := c.Call(ctx, "eth_blockNumber", &raw); err != nil {
		return 0, err
	}
	return parseQuantity(raw)
}

// GetLogs queries logs for one contract and topic over a block range.
func (c *RPCClient) GetLogs(ctx context.Context, address, topic0 string, from, to uint64) ([]Log, error) {
	var logs []Log
	query := filterQuery{
		FromBlock: formatQuantity(from),
		ToBlock:   formatQuantity(to),
		Address:   address,
		Topics:    [][]string{{topic0}},
	}
	if err := c.Call(ctx, "eth_getLogs", &logs, query); err != nil {
		return nil, err
	}
	return logs, nil
}

// NewLogFilter installs a server-side log filter and returns its id.
func (c *RPCClient) NewLogFilter(ctx context.Context, address, topic0 string) (string, error) {
	var id string
	query := filterQuery{
		FromBlock: "latest",
		Address:   address,
		Topics:    [][]string{{topic0}},
	}
	if err := c.Call(ctx, "eth_newFilter", &id, query); err != nil {
		return "", err
	}
	return id, nil
}

// FilterChanges drains new logs from an installed filter.
func (c *RPCClient) FilterChanges(ctx context.Context, filterID string) ([]Log, error) {
	var logs []Log
	if err := c.Call(ctx, "eth_getFilterChanges", &logs, filterID); err != nil {
		return nil, err
	}
	return logs, nil
}

// UninstallFilter removes a server-side filter. Best-effort.
func (c *RPCClient) UninstallFilter(ctx context.Context, filterID string) {
	var ok bool
	_ = c.Call(ctx, "eth_uninstallFilter", &ok, filterID)
}

// BlockTimestamp resolves the wall-clock timestamp of a block.
func (c *RPCClient) BlockTimestamp(ctx context.Context, number uint64) (time.Time, error) {
	var block struct {
		Timestamp string `json:"timestamp"`
	}
	if err := c.Call(ctx, "eth_getBlockByNumber", &block, formatQuantity(number), false); err != nil {
		return time.Time{}, err
	}
	ts, err := parseQuantity(block.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing block timestamp: %w", err)
	}
	return time.Unix(int64(ts), 0).UTC(), nil
}

// EthCall performs a read-only contract call and returns the raw result.
func (c *RPCClient) EthCall(ctx context.Context, to string, data []byte) ([]byte, error) {
	var raw string
	call := map[string]string{"to": to, "data": encodeHexBytes(data)}
	if err := c.Call(ctx, "eth_call", &raw, call, "latest"); err != nil {
		return nil, err
	}
	return decodeHexBytes(raw)
}

// PendingNonce returns the operator account's next transaction nonce.
func (c *RPCClient) PendingNonce(ctx context.Context, address string) (uint64, error) {
	var raw string
	if err := c.Call(ctx, "eth_getTransactionCount", &raw, address, "pending"); err != nil {
		return 0, err
	}
	return parseQuantity(raw)
}

// GasPrice returns the current gas price suggestion.
func (c *RPCClient) GasPrice(ctx context.Context) (*big.Int, error) {
	var raw string
	if err := c.Call(ctx, "eth_gasPrice", &raw); err != nil {
		return nil, err
	}
	return parseBig(raw)
}

// SendRawTransaction broadcasts a signed transaction and returns its hash.
func (c *RPCClient) SendRawTransaction(ctx context.Context, signed []byte) (string, error) {
	var hash string
	if err := c.Call(ctx, "eth_sendRawTransaction", &hash, encodeHexBytes(signed)); err != nil {
		return "", err
	}
	return hash, nil
}

// WaitMined polls for a transaction receipt until it lands or attempts
// run out.
func (c *RPCClient) WaitMined(ctx context.Context, txHash string) error {
	const attempts = 30
	for i := 0; i < attempts; i++ {
		var receipt struct {
			Status string `json:"status"`
		}
		// A pending transaction surfaces as a null result, not an error;
		// transient call errors just consume one poll.
		err := c.Call(ctx, "eth_getTransactionReceipt", &receipt, txHash)
		if err == nil && receipt.Status != "" {
			if receipt.Status == "0x0" {
				return fmt.Errorf("transaction %s reverted", txHash)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return fmt.Errorf("transaction %s not mined in time", txHash)
}
