package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func newTestServer(t *testing.T, handler func(req rpcRequest) any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(handler(req))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_GetLatestBlockhash(t *testing.T) {
	hash := solana.HashFromBytes(make([]byte, 32))
	hash[0] = 7

	srv := newTestServer(t, func(req rpcRequest) any {
		assert.Equal(t, "getLatestBlockhash", req.Method)
		return map[string]any{
			"result": map[string]any{
				"context": map[string]any{"slot": 42},
				"value": map[string]any{
					"blockhash":            hash.String(),
					"lastValidBlockHeight": 1000,
				},
			},
		}
	})

	c := NewClient(ClientConfig{BaseURL: srv.URL, Timeout: time.Second})
	got, info, err := c.GetLatestBlockhash(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, hash, got)
	assert.Equal(t, uint64(1000), info.LastValidBlockHeight)
	assert.Equal(t, uint64(42), info.Slot)
}

func TestClient_SendTransactionError(t *testing.T) {
	srv := newTestServer(t, func(req rpcRequest) any {
		return map[string]any{"error": map[string]any{"code": -32002, "message": "blockhash not found"}}
	})

	c := NewClient(ClientConfig{BaseURL: srv.URL, Timeout: time.Second})
	payer := solana.NewWallet().PublicKey()
	ix := solana.NewInstruction(solana.MemoProgramID, solana.AccountMetaSlice{
		{PublicKey: payer, IsSigner: true, IsWritable: true},
	}, []byte("hi"))
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, solana.Hash{}, solana.TransactionPayer(payer))
	require.NoError(t, err)

	_, err = c.SendTransaction(context.Background(), tx)
	require.Error(t, err)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32002, rpcErr.Code)
}

func TestClient_RetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, Timeout: time.Second, MaxRetries: 3, RetryBackoff: time.Millisecond})
	require.NoError(t, c.GetHealth(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_NoRetryReturnsRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, Timeout: time.Second})
	err := c.GetHealth(context.Background())
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestClient_Headers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, Headers: map[string]string{"x-api-key": "secret"}})
	require.NoError(t, c.GetHealth(context.Background()))
}

func TestDecodeNonce(t *testing.T) {
	data := make([]byte, 80)
	data[4] = 1
	for i := 0; i < 32; i++ {
		data[40+i] = byte(i + 1)
	}

	h, err := DecodeNonce(data)
	require.NoError(t, err)
	assert.Equal(t, byte(1), h[0])
	assert.Equal(t, byte(32), h[31])

	_, err = DecodeNonce(data[:10])
	assert.Error(t, err)

	data[4] = 0
	_, err = DecodeNonce(data)
	assert.Error(t, err)
}

func TestClient_GetAccountInfo(t *testing.T) {
	raw := []byte{1, 2, 3}
	srv := newTestServer(t, func(req rpcRequest) any {
		return map[string]any{
			"result": map[string]any{
				"value": map[string]any{
					"lamports": 5,
					"owner":    solana.SystemProgramID.String(),
					"data":     []string{base64.StdEncoding.EncodeToString(raw), "base64"},
				},
			},
		}
	})

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	info, err := c.GetAccountInfo(context.Background(), solana.SystemProgramID, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), info.Lamports)
	assert.Equal(t, raw, info.Data)

	missing := newTestServer(t, func(req rpcRequest) any {
		return map[string]any{"result": map[string]any{"value": nil}}
	})
	_, err = NewClient(ClientConfig{BaseURL: missing.URL}).GetAccountInfo(context.Background(), solana.SystemProgramID, "")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestClient_ClientErrorIsFinal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, MaxRetries: 3, RetryBackoff: time.Millisecond})
	err := c.GetHealth(context.Background())

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(ErrRateLimited))
	assert.True(t, Retryable(&StatusError{Code: 502}))
	assert.True(t, Retryable(errors.New("connection reset")))
	assert.False(t, Retryable(&StatusError{Code: 400}))
	assert.False(t, Retryable(context.Canceled))
	assert.False(t, Retryable(nil))
}
