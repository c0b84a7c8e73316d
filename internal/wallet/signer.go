package wallet

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// ParsePrivateKey accepts a base58-encoded 64-byte key or a solana-keygen
// JSON array.
func ParsePrivateKey(s string) (solana.PrivateKey, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		var ints []int
		if err := json.Unmarshal([]byte(s), &ints); err != nil {
			return nil, fmt.Errorf("wallet: invalid JSON private key: %w", err)
		}
		b := make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("wallet: invalid byte at %d: %d", i, v)
			}
			b[i] = byte(v)
		}
		if len(b) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("wallet: expected %d bytes, got %d", ed25519.PrivateKeySize, len(b))
		}
		return solana.PrivateKey(ed25519.PrivateKey(b)), nil
	}

	raw, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("wallet: invalid base58 private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("wallet: expected %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return solana.PrivateKey(ed25519.PrivateKey(raw)), nil
}

// LoadPrivateKey resolves a key setting that is either the key itself or a
// path to a keypair file.
func LoadPrivateKey(setting string) (solana.PrivateKey, error) {
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return nil, fmt.Errorf("wallet: private key is required")
	}
	if strings.HasSuffix(setting, ".json") {
		b, err := os.ReadFile(setting)
		if err != nil {
			return nil, fmt.Errorf("wallet: read keypair file: %w", err)
		}
		return ParsePrivateKey(string(b))
	}
	return ParsePrivateKey(setting)
}

// ParsePublicKeys parses a list of base58 public keys, skipping blanks.
func ParsePublicKeys(values []string) ([]solana.PublicKey, error) {
	out := make([]solana.PublicKey, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		pk, err := solana.PublicKeyFromBase58(v)
		if err != nil {
			return nil, fmt.Errorf("wallet: invalid public key %q: %w", v, err)
		}
		out = append(out, pk)
	}
	return out, nil
}
