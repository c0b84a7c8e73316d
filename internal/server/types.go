package server

import (
	"github.com/ronaldslwong/copyrust-sub000/internal/correlation"
	"github.com/ronaldslwong/copyrust-sub000/internal/dispatch"
	"github.com/ronaldslwong/copyrust-sub000/internal/landing"
	"github.com/ronaldslwong/copyrust-sub000/internal/risk"
	"github.com/ronaldslwong/copyrust-sub000/internal/stream"
)

// ErrorResponse represents a standardized error response format
type ErrorResponse struct {
	Error   string `json:"error"`             // Human-readable error message
	Code    int    `json:"code"`              // HTTP status code
	Details any    `json:"details,omitempty"` // Additional error details (dev mode only)
}

// HealthResponse reports liveness and the blockhash cache state
type HealthResponse struct {
	OK             bool    `json:"ok"`
	BlockhashReady bool    `json:"blockhash_ready"`
	BlockhashAgeMs int64   `json:"blockhash_age_ms,omitempty"`
	BlockhashSlot  uint64  `json:"blockhash_slot,omitempty"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

// StatsResponse is the full runtime snapshot
type StatsResponse struct {
	Dispatch *dispatch.Counters          `json:"dispatch,omitempty"`
	Landing  *landing.Counters           `json:"landing,omitempty"`
	Store    *correlation.Stats          `json:"store,omitempty"`
	Feeds    map[string]stream.FeedStats `json:"feeds,omitempty"`
	Risk     *risk.Status                `json:"risk,omitempty"`
}

// VendorInfo describes one configured vendor
type VendorInfo struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Enabled     bool   `json:"enabled"`
	TipLamports uint64 `json:"tip_lamports"`
	CUPrice     uint64 `json:"cu_price"`
	UseNonce    bool   `json:"use_nonce"`
}

// FlagUpsertRequest represents a request to create or update a feature flag
type FlagUpsertRequest struct {
	Key   string `json:"key"`   // Flag key (must match regex pattern)
	Value bool   `json:"value"` // Flag value (true/false)
}

// FlagUpdateRequest represents a request to update an existing feature flag
type FlagUpdateRequest struct {
	Value bool `json:"value"` // New flag value
}
