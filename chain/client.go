// Package chain talks to the ledger backing escrow wallets: a narrow
// read-side used by payment verification and a submit path used by payouts.
// The engine never runs a node; it treats the chain as an external fact
// source reached over JSON-RPC.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

var (
	// ErrVerificationUnavailable marks a chain-read failure (RPC unreachable,
	// malformed response). Retryable; distinct from a payment that genuinely
	// has not landed yet.
	ErrVerificationUnavailable = errors.New("chain: verification unavailable")
	// ErrNoMatchingTransfer means the chain answered but no transfer matched
	// the expected payment.
	ErrNoMatchingTransfer = errors.New("chain: no matching transfer")
	// ErrTransferFailed marks a payout or refund submission failure. The
	// approval that triggered it stays intact and retryable.
	ErrTransferFailed = errors.New("chain: transfer failed")
)

// TokenTransfer is one parsed token movement observed on chain.
type TokenTransfer struct {
	TxHash    string    `json:"txHash"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Mint      string    `json:"mint"`
	Amount    float64   `json:"amount"`
	Reference string    `json:"reference,omitempty"`
	BlockTime time.Time `json:"blockTime"`
}

// Client is the read interface the verifier depends on. Any ledger with
// transaction-by-id and recent-transfers-for-address queries can back it.
type Client interface {
	// TransactionTransfers returns the parsed token transfers contained in the
	// transaction, or an empty slice if the transaction is unknown.
	TransactionTransfers(ctx context.Context, txHash string) ([]TokenTransfer, error)
	// RecentTransfers returns up to limit transfers received by the address,
	// newest first.
	RecentTransfers(ctx context.Context, address string, limit int) ([]TokenTransfer, error)
}

// RPCClient implements Client against a JSON-RPC chain index.
type RPCClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// NewRPCClient constructs a client for the given endpoint.
func NewRPCClient(baseURL, authToken string) *RPCClient {
	return &RPCClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// TransactionTransfers queries the parsed transfer detail of one transaction.
func (c *RPCClient) TransactionTransfers(ctx context.Context, txHash string) ([]TokenTransfer, error) {
	var result struct {
		Transfers []TokenTransfer `json:"transfers"`
	}
	if err := c.call(ctx, "chain_getTransaction", []interface{}{txHash}, &result); err != nil {
		return nil, err
	}
	return result.Transfers, nil
}

// RecentTransfers queries the newest inbound transfers for an address.
func (c *RPCClient) RecentTransfers(ctx context.Context, address string, limit int) ([]TokenTransfer, error) {
	if limit <= 0 {
		limit = 50
	}
	var result struct {
		Transfers []TokenTransfer `json:"transfers"`
	}
	if err := c.call(ctx, "chain_listTransfers", []interface{}{address, limit}, &result); err != nil {
		return nil, err
	}
	return result.Transfers, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	payload := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", ErrVerificationUnavailable, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrVerificationUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrVerificationUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: rpc status %d", ErrVerificationUnavailable, resp.StatusCode)
	}
	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrVerificationUnavailable, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%w: rpc error %d: %s", ErrVerificationUnavailable, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("%w: decode result: %v", ErrVerificationUnavailable, err)
		}
	}
	return nil
}

// NormalizeAddress lowercases a hex address and guarantees the 0x prefix so
// recipient comparisons are exact.
func NormalizeAddress(addr string) string {
	cleaned := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(addr), "0x"), "0X")
	if cleaned == "" {
		return ""
	}
	return "0x" + strings.ToLower(cleaned)
}
