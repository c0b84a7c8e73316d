package risk

import "github.com/gagliardetto/solana-go"

// Stable and wrapped mints. Mirroring a buy of one of these is never a
// sniping opportunity.
var stableMints = map[string]string{
	"So11111111111111111111111111111111111111112":  "SOL",
	"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v": "USDC",
	"Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB": "USDT",
	"mSoLzYCxHdYgdzU16g5QSh3i5K3z3KZK7ytfqcJm7So":  "mSOL",
	"7vfCXTUXx5WJV5JADk17DUJ4ksgau7utNKj4b963voxs": "ETH",
	"3NZ9JMVBmGAqocybic2c7LQCJScmgsAZ6vQqTDzcqmJh": "BTC",
}

// DefaultIgnoredMints returns the stable mints, to be merged with any
// configured ignore list.
func DefaultIgnoredMints() []solana.PublicKey {
	out := make([]solana.PublicKey, 0, len(stableMints))
	for addr := range stableMints {
		out = append(out, solana.MustPublicKeyFromBase58(addr))
	}
	return out
}

// MintSymbol names a well-known mint, or returns "".
func MintSymbol(mint solana.PublicKey) string {
	return stableMints[mint.String()]
}
