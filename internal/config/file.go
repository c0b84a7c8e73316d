package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the optional YAML file carrying vendor and protocol definitions.
type File struct {
	Vendors   []VendorConfig   `yaml:"vendors"`
	Protocols []ProtocolConfig `yaml:"protocols"`
}

// VendorConfig describes one submission endpoint.
type VendorConfig struct {
	Name         string        `yaml:"name"`
	Kind         string        `yaml:"kind"`      // rpc | zeroslot | nextblock | blockrazor | flashblock | astralane
	Transport    string        `yaml:"transport"` // jsonrpc (default) | batch
	URL          string        `yaml:"url"`
	APIKey       string        `yaml:"api_key"`
	APIKeyHeader string        `yaml:"api_key_header"`
	TipSOL       float64       `yaml:"tip_sol"`
	CUPrice      uint64        `yaml:"cu_price"`
	Jitter       uint64        `yaml:"jitter"`
	UseNonce     bool          `yaml:"use_nonce"`
	Timeout      time.Duration `yaml:"timeout"`
	RateLimit    float64       `yaml:"rate_limit"` // sends per second, 0 = unlimited
	Burst        int           `yaml:"burst"`
	TipAccounts  []string      `yaml:"tip_accounts"` // overrides the built-in list
	Disabled     bool          `yaml:"disabled"`
}

// TipLamports converts the configured SOL tip.
func (v VendorConfig) TipLamports() uint64 {
	return uint64(v.TipSOL * 1e9)
}

func (v VendorConfig) Validate() error {
	if v.Name == "" {
		return fmt.Errorf("name is required")
	}
	if v.URL == "" {
		return fmt.Errorf("vendor %s: url is required", v.Name)
	}
	switch v.Transport {
	case "", "jsonrpc", "batch":
	default:
		return fmt.Errorf("vendor %s: unknown transport %q", v.Name, v.Transport)
	}
	if v.TipSOL < 0 || v.RateLimit < 0 {
		return fmt.Errorf("vendor %s: tip and rate limit must not be negative", v.Name)
	}
	return nil
}

// ProtocolConfig overrides or adds a protocol descriptor. Zero offsets and
// indexes keep the built-in value when Name matches a default.
type ProtocolConfig struct {
	Name              string `yaml:"name"`
	ProgramID         string `yaml:"program_id"`
	BuyDiscriminator  []byte `yaml:"buy_discriminator"`
	SellDiscriminator []byte `yaml:"sell_discriminator"`
	MintIndex         int    `yaml:"mint_index"`
	SignerIndex       int    `yaml:"signer_index"`
	SpendOffset       int    `yaml:"spend_offset"`
	QtyOffset         int    `yaml:"qty_offset"`
	Bound             string `yaml:"bound"` // max_spend | min_out
	RequireMint       bool   `yaml:"require_mint"`
	Disabled          bool   `yaml:"disabled"`
}

// DefaultRPCVendor is used when no vendor file is configured.
func DefaultRPCVendor(url string) VendorConfig {
	return VendorConfig{
		Name:    "rpc",
		Kind:    "rpc",
		URL:     url,
		Timeout: 3 * time.Second,
	}
}

// LoadFile reads and parses a vendors/protocols YAML file.
func LoadFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &f, nil
}
