package protocol

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/gagliardetto/solana-go"
	"github.com/ronaldslwong/copyrust-sub000/internal/instructions"
	"github.com/ronaldslwong/copyrust-sub000/internal/models"
)

var (
	// ErrSkip marks a classified instruction that is not worth copying. It is
	// not a failure.
	ErrSkip            = errors.New("protocol: instruction skipped")
	ErrSellUnsupported = errors.New("protocol: sell not supported")
)

// Instruction is a detected instruction with its accounts resolved.
type Instruction struct {
	ProgramID solana.PublicKey
	Accounts  []*solana.AccountMeta
	Data      []byte
}

type Request struct {
	Descriptor   *Descriptor
	Instruction  Instruction
	DetectionSig solana.Signature
}

// Build is a protocol builder's answer for one opportunity.
type Build struct {
	Instruction solana.Instruction
	Mint        solana.PublicKey
	TargetQty   uint64
	Spend       uint64
	Bundle      *models.AccountBundle
}

// Builder turns a detected buy into our own buy.
type Builder interface {
	Build(ctx context.Context, req Request) (*Build, error)
}

type SellRequest struct {
	Descriptor *Descriptor
	Bundle     *models.AccountBundle
	Qty        uint64
	MinOut     uint64
}

// SellBuilder builds the exit for a landed buy.
type SellBuilder interface {
	BuildSell(ctx context.Context, req SellRequest) (solana.Instruction, error)
}

type MirrorConfig struct {
	Wallet      solana.PublicKey
	BuyLamports uint64
	SlippageBps int
}

// MirrorBuilder copies the detected instruction: same program, same
// accounts with the trader swapped for our wallet, amounts scaled to our
// buy size at the detected price.
type MirrorBuilder struct {
	cfg MirrorConfig
}

func NewMirrorBuilder(cfg MirrorConfig) (*MirrorBuilder, error) {
	if cfg.Wallet.IsZero() {
		return nil, fmt.Errorf("mirror builder: wallet is required")
	}
	if cfg.BuyLamports == 0 {
		return nil, fmt.Errorf("mirror builder: buy size is required")
	}
	if cfg.SlippageBps < 0 || cfg.SlippageBps > 10_000 {
		return nil, fmt.Errorf("mirror builder: slippage %d bps out of range", cfg.SlippageBps)
	}
	return &MirrorBuilder{cfg: cfg}, nil
}

func (m *MirrorBuilder) Build(_ context.Context, req Request) (*Build, error) {
	d := req.Descriptor
	if d == nil {
		return nil, fmt.Errorf("mirror builder: descriptor is nil")
	}
	ix := req.Instruction
	if d.MintIndex >= len(ix.Accounts) || d.SignerIndex >= len(ix.Accounts) {
		return nil, fmt.Errorf("%s: instruction has %d accounts", d.Name, len(ix.Accounts))
	}

	mint := ix.Accounts[d.MintIndex].PublicKey
	if d.RequireMint && (mint.IsZero() || mint.Equals(solana.WrappedSol)) {
		return nil, ErrSkip
	}

	spend, okSpend := readU64(ix.Data, d.SpendOffset)
	qty, okQty := readU64(ix.Data, d.QtyOffset)
	if !okSpend || !okQty {
		return nil, fmt.Errorf("%s: instruction data too short (%d bytes)", d.Name, len(ix.Data))
	}
	if spend == 0 || qty == 0 {
		return nil, ErrSkip
	}

	target, err := scale(m.cfg.BuyLamports, qty, spend)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.Name, err)
	}
	if target == 0 {
		return nil, ErrSkip
	}

	data := append([]byte(nil), ix.Data...)
	ourSpend := m.cfg.BuyLamports
	switch d.Bound {
	case BoundMaxSpend:
		ourSpend = withSlippage(m.cfg.BuyLamports, m.cfg.SlippageBps, true)
		binary.LittleEndian.PutUint64(data[d.QtyOffset:], target)
		binary.LittleEndian.PutUint64(data[d.SpendOffset:], ourSpend)
	case BoundMinOut:
		binary.LittleEndian.PutUint64(data[d.SpendOffset:], ourSpend)
		binary.LittleEndian.PutUint64(data[d.QtyOffset:], withSlippage(target, m.cfg.SlippageBps, false))
	}

	trader := ix.Accounts[d.SignerIndex].PublicKey
	metas, err := m.substitute(ix.Accounts, trader, mint)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.Name, err)
	}

	bundle := &models.AccountBundle{
		Protocol:  d.Name,
		ProgramID: ix.ProgramID,
		Accounts:  make([]models.AccountRef, len(metas)),
	}
	for i, a := range metas {
		bundle.Accounts[i] = models.AccountRef{PublicKey: a.PublicKey, IsSigner: a.IsSigner, IsWritable: a.IsWritable}
	}

	return &Build{
		Instruction: solana.NewInstruction(ix.ProgramID, metas, data),
		Mint:        mint,
		TargetQty:   target,
		Spend:       ourSpend,
		Bundle:      bundle,
	}, nil
}

// substitute replaces the trader and the trader's token accounts (for the
// mint and for wrapped SOL) with ours. Any other signer is fatal.
func (m *MirrorBuilder) substitute(accounts []*solana.AccountMeta, trader, mint solana.PublicKey) (solana.AccountMetaSlice, error) {
	swap := map[solana.PublicKey]solana.PublicKey{trader: m.cfg.Wallet}
	for _, tokenMint := range []solana.PublicKey{mint, solana.WrappedSol} {
		theirs, _, err := instructions.FindAssociatedTokenAddress(trader, tokenMint)
		if err != nil {
			return nil, err
		}
		ours, _, err := instructions.FindAssociatedTokenAddress(m.cfg.Wallet, tokenMint)
		if err != nil {
			return nil, err
		}
		swap[theirs] = ours
	}

	out := make(solana.AccountMetaSlice, len(accounts))
	for i, a := range accounts {
		meta := &solana.AccountMeta{PublicKey: a.PublicKey, IsSigner: a.IsSigner, IsWritable: a.IsWritable}
		if repl, ok := swap[a.PublicKey]; ok {
			meta.PublicKey = repl
		}
		if meta.IsSigner && !meta.PublicKey.Equals(m.cfg.Wallet) {
			return nil, fmt.Errorf("account %d needs signer %s", i, meta.PublicKey)
		}
		out[i] = meta
	}
	return out, nil
}

// BuildSell reuses the stored accounts with the sell discriminator.
func (m *MirrorBuilder) BuildSell(_ context.Context, req SellRequest) (solana.Instruction, error) {
	d := req.Descriptor
	if d == nil || len(d.SellDiscriminator) == 0 {
		return nil, ErrSellUnsupported
	}
	if req.Bundle == nil || len(req.Bundle.Accounts) == 0 {
		return nil, fmt.Errorf("%s: no account bundle for sell", d.Name)
	}
	if req.Qty == 0 {
		return nil, fmt.Errorf("%s: sell quantity is zero", d.Name)
	}

	size := d.SellDataLen
	if size < discriminatorLen+16 {
		size = discriminatorLen + 16
	}
	data := make([]byte, size)
	copy(data, d.SellDiscriminator)
	binary.LittleEndian.PutUint64(data[8:], req.Qty)
	binary.LittleEndian.PutUint64(data[16:], req.MinOut)

	return solana.NewInstruction(req.Bundle.ProgramID, req.Bundle.Metas(), data), nil
}

func readU64(data []byte, off int) (uint64, bool) {
	if off < 0 || len(data) < off+8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(data[off:]), true
}

// scale returns a*b/c without intermediate overflow.
func scale(a, b, c uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return 0, fmt.Errorf("target quantity overflows u64")
	}
	q, _ := bits.Div64(hi, lo, c)
	return q, nil
}

func withSlippage(v uint64, bps int, up bool) uint64 {
	if up {
		out, err := scale(v, uint64(10_000+bps), 10_000)
		if err != nil {
			return ^uint64(0)
		}
		return out
	}
	out, _ := scale(v, uint64(10_000-bps), 10_000)
	return out
}
