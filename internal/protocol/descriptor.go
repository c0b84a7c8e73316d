package protocol

import (
	"bytes"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/ronaldslwong/copyrust-sub000/internal/config"
)

// Bound says which amount of a buy is the slippage-protected one.
type Bound string

const (
	// BoundMaxSpend: the token quantity is exact and the SOL spend is a ceiling.
	BoundMaxSpend Bound = "max_spend"
	// BoundMinOut: the SOL spend is exact and the token quantity is a floor.
	BoundMinOut Bound = "min_out"
)

const discriminatorLen = 8

// Descriptor tells the classifier how to recognise a protocol's buy and
// where the interesting fields of that instruction live.
type Descriptor struct {
	Name              string
	ProgramID         solana.PublicKey
	BuyDiscriminator  []byte
	SellDiscriminator []byte
	MintIndex         int // instruction account position of the traded mint
	SignerIndex       int // instruction account position of the trader
	SpendOffset       int // u64 SOL amount in instruction data
	QtyOffset         int // u64 token amount in instruction data
	Bound             Bound
	SellDataLen       int
	// RequireMint rejects matches whose mint is empty or wrapped SOL, which
	// is how a swap in the other direction looks for pool programs.
	RequireMint bool
}

// Matches reports whether data starts with the buy discriminator.
func (d *Descriptor) Matches(data []byte) bool {
	return len(data) > discriminatorLen && bytes.Equal(data[:discriminatorLen], d.BuyDiscriminator)
}

func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("protocol name is required")
	}
	if d.ProgramID.IsZero() {
		return fmt.Errorf("protocol %s: program id is required", d.Name)
	}
	if len(d.BuyDiscriminator) != discriminatorLen {
		return fmt.Errorf("protocol %s: buy discriminator must be %d bytes", d.Name, discriminatorLen)
	}
	if len(d.SellDiscriminator) != 0 && len(d.SellDiscriminator) != discriminatorLen {
		return fmt.Errorf("protocol %s: sell discriminator must be %d bytes", d.Name, discriminatorLen)
	}
	if d.SpendOffset < discriminatorLen || d.QtyOffset < discriminatorLen || d.SpendOffset == d.QtyOffset {
		return fmt.Errorf("protocol %s: spend/qty offsets must be distinct and past the discriminator", d.Name)
	}
	switch d.Bound {
	case BoundMaxSpend, BoundMinOut:
	default:
		return fmt.Errorf("protocol %s: unknown bound %q", d.Name, d.Bound)
	}
	if d.MintIndex < 0 || d.SignerIndex < 0 {
		return fmt.Errorf("protocol %s: account indexes must not be negative", d.Name)
	}
	return nil
}

// DefaultDescriptors returns the built-in protocols.
func DefaultDescriptors() []*Descriptor {
	return []*Descriptor{
		{
			Name:              "raydium_launchpad",
			ProgramID:         solana.MustPublicKeyFromBase58("LanMV9sAd7wArD4vJFi2qDdfnVhFxYSUg6eADduJ3uj"),
			BuyDiscriminator:  []byte{250, 234, 13, 123, 213, 156, 19, 236},
			SellDiscriminator: []byte{149, 39, 222, 155, 211, 124, 152, 26},
			MintIndex:         9,
			SignerIndex:       0,
			SpendOffset:       8,
			QtyOffset:         16,
			Bound:             BoundMinOut,
			SellDataLen:       32,
		},
		{
			Name:              "pumpfun",
			ProgramID:         solana.MustPublicKeyFromBase58("6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"),
			BuyDiscriminator:  []byte{102, 6, 61, 18, 1, 218, 235, 234},
			SellDiscriminator: []byte{51, 230, 133, 164, 1, 127, 131, 173},
			MintIndex:         2,
			SignerIndex:       6,
			SpendOffset:       16,
			QtyOffset:         8,
			Bound:             BoundMaxSpend,
			SellDataLen:       24,
		},
		{
			Name:              "pump_amm",
			ProgramID:         solana.MustPublicKeyFromBase58("pAMMBay6oceH9fJKBRHGP5D4bD4sWpmSwMn52FMfXEA"),
			BuyDiscriminator:  []byte{102, 6, 61, 18, 1, 218, 235, 234},
			SellDiscriminator: []byte{51, 230, 133, 164, 1, 127, 131, 173},
			MintIndex:         3,
			SignerIndex:       1,
			SpendOffset:       16,
			QtyOffset:         8,
			Bound:             BoundMaxSpend,
			SellDataLen:       24,
		},
		{
			Name:             "raydium_cpmm",
			ProgramID:        solana.MustPublicKeyFromBase58("CPMMoo8L3F4NbTegBCKVNunggL7H1ZpdTHKxQB5qKP1C"),
			BuyDiscriminator: []byte{143, 190, 90, 218, 196, 30, 51, 222},
			MintIndex:        11,
			SignerIndex:      0,
			SpendOffset:      8,
			QtyOffset:        16,
			Bound:            BoundMinOut,
			RequireMint:      true,
		},
	}
}

// Merge applies configured overrides to defaults. An entry whose name
// matches a default replaces its non-zero fields; other entries are added.
func Merge(defaults []*Descriptor, overrides []config.ProtocolConfig) ([]*Descriptor, error) {
	out := make([]*Descriptor, 0, len(defaults)+len(overrides))
	byName := make(map[string]*Descriptor, len(defaults))
	for _, d := range defaults {
		cp := *d
		out = append(out, &cp)
		byName[d.Name] = &cp
	}

	disabled := make(map[string]bool)
	for i, o := range overrides {
		if o.Disabled {
			disabled[o.Name] = true
			continue
		}
		d, exists := byName[o.Name]
		if !exists {
			d = &Descriptor{Name: o.Name}
		}
		if err := applyOverride(d, o); err != nil {
			return nil, fmt.Errorf("protocol %d (%s): %w", i, o.Name, err)
		}
		if !exists {
			out = append(out, d)
			byName[d.Name] = d
		}
	}

	kept := out[:0]
	for _, d := range out {
		if disabled[d.Name] {
			continue
		}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		kept = append(kept, d)
	}
	return kept, nil
}

func applyOverride(d *Descriptor, o config.ProtocolConfig) error {
	if o.ProgramID != "" {
		pk, err := solana.PublicKeyFromBase58(o.ProgramID)
		if err != nil {
			return fmt.Errorf("invalid program id: %w", err)
		}
		d.ProgramID = pk
	}
	if len(o.BuyDiscriminator) > 0 {
		d.BuyDiscriminator = append([]byte(nil), o.BuyDiscriminator...)
	}
	if len(o.SellDiscriminator) > 0 {
		d.SellDiscriminator = append([]byte(nil), o.SellDiscriminator...)
	}
	if o.MintIndex != 0 {
		d.MintIndex = o.MintIndex
	}
	if o.SignerIndex != 0 {
		d.SignerIndex = o.SignerIndex
	}
	if o.SpendOffset != 0 {
		d.SpendOffset = o.SpendOffset
	}
	if o.QtyOffset != 0 {
		d.QtyOffset = o.QtyOffset
	}
	if o.Bound != "" {
		d.Bound = Bound(o.Bound)
	}
	if o.RequireMint {
		d.RequireMint = true
	}
	return nil
}
