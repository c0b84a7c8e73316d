package rpc

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// ErrAccountNotFound is returned when getAccountInfo yields a null value.
var ErrAccountNotFound = errors.New("account not found")

// nonce account layout: version u32 | state u32 | authority [32] | nonce [32] | fee u64
const (
	nonceAccountSize = 80
	nonceStateOffset = 4
	nonceValueOffset = 40
	nonceInitialized = 1
)

// GetLatestBlockhash fetches the most recent blockhash with the given commitment
func (c *Client) GetLatestBlockhash(ctx context.Context, commitment string) (solana.Hash, *BlockhashResult, error) {
	if commitment == "" {
		commitment = "processed"
	}

	var resp struct {
		Result struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value BlockhashResult `json:"value"`
		} `json:"result"`
		Error *RPCError `json:"error"`
	}

	params := []any{
		map[string]any{"commitment": commitment},
	}

	if err := c.Call(ctx, "getLatestBlockhash", params, &resp); err != nil {
		return solana.Hash{}, nil, fmt.Errorf("getLatestBlockhash failed: %w", err)
	}
	if resp.Error != nil {
		return solana.Hash{}, nil, fmt.Errorf("getLatestBlockhash: %w", resp.Error)
	}

	hash, err := solana.HashFromBase58(resp.Result.Value.Blockhash)
	if err != nil {
		return solana.Hash{}, nil, fmt.Errorf("invalid blockhash format: %w", err)
	}

	value := resp.Result.Value
	value.Slot = resp.Result.Context.Slot
	return hash, &value, nil
}

// GetAccountInfo fetches an account with base64-decoded data
func (c *Client) GetAccountInfo(ctx context.Context, account solana.PublicKey, commitment string) (*AccountInfo, error) {
	if commitment == "" {
		commitment = "processed"
	}

	var resp struct {
		Result struct {
			Value *struct {
				Lamports   uint64   `json:"lamports"`
				Owner      string   `json:"owner"`
				Executable bool     `json:"executable"`
				Data       []string `json:"data"`
			} `json:"value"`
		} `json:"result"`
		Error *RPCError `json:"error"`
	}

	params := []any{
		account.String(),
		map[string]any{
			"encoding":   "base64",
			"commitment": commitment,
		},
	}

	if err := c.Call(ctx, "getAccountInfo", params, &resp); err != nil {
		return nil, fmt.Errorf("getAccountInfo failed: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("getAccountInfo: %w", resp.Error)
	}
	if resp.Result.Value == nil {
		return nil, ErrAccountNotFound
	}

	v := resp.Result.Value
	info := &AccountInfo{Lamports: v.Lamports, Owner: v.Owner, Executable: v.Executable}
	if len(v.Data) > 0 {
		raw, err := base64.StdEncoding.DecodeString(v.Data[0])
		if err != nil {
			return nil, fmt.Errorf("decode account data: %w", err)
		}
		info.Data = raw
	}
	return info, nil
}

// GetNonce reads the stored durable nonce of a nonce account.
func (c *Client) GetNonce(ctx context.Context, nonceAccount solana.PublicKey) (solana.Hash, error) {
	info, err := c.GetAccountInfo(ctx, nonceAccount, "processed")
	if err != nil {
		return solana.Hash{}, err
	}
	return DecodeNonce(info.Data)
}

// DecodeNonce extracts the nonce value from raw nonce account data.
func DecodeNonce(data []byte) (solana.Hash, error) {
	if len(data) < nonceAccountSize {
		return solana.Hash{}, fmt.Errorf("nonce account data too short: %d bytes", len(data))
	}
	if data[nonceStateOffset] != nonceInitialized {
		return solana.Hash{}, fmt.Errorf("nonce account not initialized")
	}
	var h solana.Hash
	copy(h[:], data[nonceValueOffset:nonceValueOffset+32])
	return h, nil
}

// SendTransaction submits a signed transaction. Preflight is skipped and the
// node is told not to retry; delivery policy belongs to the caller.
func (c *Client) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	txBytes, err := tx.MarshalBinary()
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to serialize transaction: %w", err)
	}

	params := []any{
		base64.StdEncoding.EncodeToString(txBytes),
		map[string]any{
			"encoding":      "base64",
			"skipPreflight": true,
			"maxRetries":    0,
		},
	}

	var resp struct {
		Result string    `json:"result"`
		Error  *RPCError `json:"error"`
	}

	if err := c.Call(ctx, "sendTransaction", params, &resp); err != nil {
		return solana.Signature{}, fmt.Errorf("sendTransaction failed: %w", err)
	}
	if resp.Error != nil {
		return solana.Signature{}, fmt.Errorf("sendTransaction: %w", resp.Error)
	}

	sig, err := solana.SignatureFromBase58(resp.Result)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("invalid signature in response: %w", err)
	}
	return sig, nil
}

// SimulateTransaction simulates a transaction without signature verification
func (c *Client) SimulateTransaction(ctx context.Context, tx *solana.Transaction) (*SimulationResult, error) {
	txBytes, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}

	var resp struct {
		Result struct {
			Value struct {
				Err           interface{} `json:"err"`
				Logs          []string    `json:"logs"`
				UnitsConsumed uint64      `json:"unitsConsumed"`
			} `json:"value"`
		} `json:"result"`
		Error *RPCError `json:"error"`
	}

	params := []any{
		base64.StdEncoding.EncodeToString(txBytes),
		map[string]any{
			"encoding":               "base64",
			"commitment":             "processed",
			"sigVerify":              false,
			"replaceRecentBlockhash": true,
		},
	}

	if err := c.Call(ctx, "simulateTransaction", params, &resp); err != nil {
		return nil, fmt.Errorf("simulateTransaction failed: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("simulateTransaction: %w", resp.Error)
	}

	result := &SimulationResult{
		Err:           resp.Result.Value.Err,
		Logs:          resp.Result.Value.Logs,
		UnitsConsumed: resp.Result.Value.UnitsConsumed,
	}
	if result.Err != nil {
		return result, fmt.Errorf("simulation failed: %v", result.Err)
	}
	return result, nil
}

// GetSignaturesForAddress fetches recent transaction signatures for an address
func (c *Client) GetSignaturesForAddress(ctx context.Context, address string, opts map[string]interface{}) (*SignaturesResponse, error) {
	params := []interface{}{address, opts}

	var result SignaturesResponse
	if err := c.Call(ctx, "getSignaturesForAddress", params, &result); err != nil {
		return nil, err
	}

	if result.Error != nil {
		return nil, result.Error
	}

	return &result, nil
}

// GetHealth returns nil when the node reports "ok".
func (c *Client) GetHealth(ctx context.Context) error {
	var resp struct {
		Result string    `json:"result"`
		Error  *RPCError `json:"error"`
	}
	if err := c.Call(ctx, "getHealth", []any{}, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if resp.Result != "ok" {
		return fmt.Errorf("node unhealthy: %s", resp.Result)
	}
	return nil
}
