package fanout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/ronaldslwong/copyrust-sub000/internal/blockhash"
	"github.com/ronaldslwong/copyrust-sub000/internal/instructions"
	"github.com/ronaldslwong/copyrust-sub000/internal/rpc"
	"github.com/ronaldslwong/copyrust-sub000/internal/vendor"
	"github.com/sirupsen/logrus"
)

// ErrNoTransactions means every vendor build failed.
var ErrNoTransactions = errors.New("no vendor transactions built")

const (
	defaultCULimit = 200_000
	maxCULimit     = 1_400_000
)

// VendorTx is one signed variant of an opportunity, bound to one vendor.
type VendorTx struct {
	Vendor      string
	Tx          *solana.Transaction
	CUPrice     uint64
	TipLamports uint64
}

// Signature returns the transaction's fee-payer signature.
func (v VendorTx) Signature() solana.Signature {
	if v.Tx == nil || len(v.Tx.Signatures) == 0 {
		return solana.Signature{}
	}
	return v.Tx.Signatures[0]
}

// BuildError carries the per-vendor causes of a build that produced nothing.
type BuildError struct {
	Causes map[string]error
}

func (e *BuildError) Error() string {
	names := make([]string, 0, len(e.Causes))
	for name := range e.Causes {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Causes[name]))
	}
	return fmt.Sprintf("%v (%s)", ErrNoTransactions, strings.Join(parts, "; "))
}

func (e *BuildError) Unwrap() []error {
	errs := make([]error, 0, len(e.Causes)+1)
	errs = append(errs, ErrNoTransactions)
	for _, err := range e.Causes {
		errs = append(errs, err)
	}
	return errs
}

// Signer is the wallet surface the builder needs.
type Signer interface {
	PublicKey() solana.PublicKey
	SignTx(tx *solana.Transaction) error
	NextNonceAccount() (solana.PublicKey, bool)
}

type VendorSource interface {
	Vendors() []*vendor.Vendor
}

type BlockSource interface {
	Latest() (blockhash.Reference, error)
}

type NonceFetcher interface {
	GetNonce(ctx context.Context, nonceAccount solana.PublicKey) (solana.Hash, error)
}

type Simulator interface {
	SimulateTransaction(ctx context.Context, tx *solana.Transaction) (*rpc.SimulationResult, error)
}

type Config struct {
	Vendors VendorSource
	Wallet  Signer
	Blocks  BlockSource
	Nonces  NonceFetcher // optional, required for nonce vendors
	// Simulator is consulted only when Simulate is set.
	Simulator Simulator
	Simulate  bool
	CULimit   uint32
	CreateATA bool
	// Enabled filters vendors per build. nil enables all.
	Enabled func(name string) bool
	Logger  *logrus.Logger
}

// Builder turns one protocol instruction into one signed transaction per
// enabled vendor.
type Builder struct {
	cfg    Config
	logger *logrus.Logger
}

func NewBuilder(cfg Config) (*Builder, error) {
	if cfg.Vendors == nil {
		return nil, fmt.Errorf("fanout: vendor source is required")
	}
	if cfg.Wallet == nil {
		return nil, fmt.Errorf("fanout: wallet is required")
	}
	if cfg.Blocks == nil {
		return nil, fmt.Errorf("fanout: block source is required")
	}
	if cfg.CULimit == 0 {
		cfg.CULimit = defaultCULimit
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Builder{cfg: cfg, logger: cfg.Logger}, nil
}

type blockPlan struct {
	recent       solana.Hash
	nonceAccount solana.PublicKey
	nonceHash    solana.Hash
	hasNonce     bool
}

// Build produces the vendor variants for one opportunity, in vendor
// configuration order. Vendors that fail are logged and left out; only a
// build with zero variants is an error.
func (b *Builder) Build(ctx context.Context, ix solana.Instruction, mint solana.PublicKey, targetQty uint64, tag string) ([]VendorTx, error) {
	if ix == nil {
		return nil, fmt.Errorf("fanout: instruction is nil")
	}

	vendors := b.enabledVendors()
	if len(vendors) == 0 {
		return nil, &BuildError{Causes: map[string]error{"*": fmt.Errorf("no enabled vendors")}}
	}

	ref, err := b.cfg.Blocks.Latest()
	if err != nil {
		return nil, fmt.Errorf("fanout: block reference: %w", err)
	}
	plan := blockPlan{recent: ref.Hash}
	if needsNonce(vendors) {
		plan = b.planNonce(ctx, plan)
	}

	var setup []solana.Instruction
	if b.cfg.CreateATA && !mint.IsZero() {
		payer := b.cfg.Wallet.PublicKey()
		ataIx, err := instructions.CreateAssociatedTokenAccountIdempotent(payer, payer, mint)
		if err != nil {
			return nil, fmt.Errorf("fanout: create ata: %w", err)
		}
		setup = append(setup, ataIx)
	}

	cuLimit := b.computeUnitLimit(ctx, plan.recent, setup, ix)

	built := make([]*VendorTx, len(vendors))
	causes := make([]error, len(vendors))

	var wg sync.WaitGroup
	for i, v := range vendors {
		wg.Add(1)
		go func(i int, v *vendor.Vendor) {
			defer wg.Done()
			built[i], causes[i] = b.buildOne(v, plan, cuLimit, setup, ix)
		}(i, v)
	}
	wg.Wait()

	out := make([]VendorTx, 0, len(vendors))
	buildErr := &BuildError{Causes: make(map[string]error)}
	for i, v := range vendors {
		if causes[i] != nil {
			buildErr.Causes[v.Name] = causes[i]
			b.logger.WithError(causes[i]).WithFields(logrus.Fields{
				"vendor": v.Name,
				"tag":    tag,
			}).Warn("vendor transaction build failed")
			continue
		}
		out = append(out, *built[i])
	}

	if len(out) == 0 {
		return nil, buildErr
	}

	b.logger.WithFields(logrus.Fields{
		"tag":        tag,
		"mint":       mint.String(),
		"target_qty": targetQty,
		"vendors":    len(out),
		"failed":     len(buildErr.Causes),
		"cu_limit":   cuLimit,
	}).Debug("fan-out build complete")

	return out, nil
}

func (b *Builder) enabledVendors() []*vendor.Vendor {
	all := b.cfg.Vendors.Vendors()
	if b.cfg.Enabled == nil {
		return all
	}
	out := all[:0:0]
	for _, v := range all {
		if b.cfg.Enabled(v.Name) {
			out = append(out, v)
		}
	}
	return out
}

func needsNonce(vendors []*vendor.Vendor) bool {
	for _, v := range vendors {
		if v.UseNonce {
			return true
		}
	}
	return false
}

// planNonce picks one nonce account for the whole opportunity so that at
// most one vendor variant can land.
func (b *Builder) planNonce(ctx context.Context, plan blockPlan) blockPlan {
	acct, ok := b.cfg.Wallet.NextNonceAccount()
	if !ok || b.cfg.Nonces == nil {
		return plan
	}
	hash, err := b.cfg.Nonces.GetNonce(ctx, acct)
	if err != nil {
		b.logger.WithError(err).WithField("nonce_account", acct.String()).
			Warn("nonce fetch failed, nonce vendors use recent blockhash")
		return plan
	}
	plan.nonceAccount = acct
	plan.nonceHash = hash
	plan.hasNonce = true
	return plan
}

// computeUnitLimit simulates the bare instruction set and adds 20% head room.
// Any simulation problem falls back to the configured limit.
func (b *Builder) computeUnitLimit(ctx context.Context, recent solana.Hash, setup []solana.Instruction, ix solana.Instruction) uint32 {
	if !b.cfg.Simulate || b.cfg.Simulator == nil {
		return b.cfg.CULimit
	}

	ixs := make([]solana.Instruction, 0, len(setup)+2)
	ixs = append(ixs, instructions.SetComputeUnitLimit(maxCULimit))
	ixs = append(ixs, setup...)
	ixs = append(ixs, ix)

	tx, err := solana.NewTransaction(ixs, recent, solana.TransactionPayer(b.cfg.Wallet.PublicKey()))
	if err == nil {
		err = b.cfg.Wallet.SignTx(tx)
	}
	if err != nil {
		b.logger.WithError(err).Warn("simulation transaction build failed")
		return b.cfg.CULimit
	}

	res, err := b.cfg.Simulator.SimulateTransaction(ctx, tx)
	if err != nil || res == nil || res.UnitsConsumed == 0 {
		b.logger.WithError(err).Warn("simulation failed, using configured cu limit")
		return b.cfg.CULimit
	}

	units := res.UnitsConsumed * 12 / 10
	if units > maxCULimit {
		units = maxCULimit
	}
	return uint32(units)
}

func (b *Builder) buildOne(v *vendor.Vendor, plan blockPlan, cuLimit uint32, setup []solana.Instruction, ix solana.Instruction) (*VendorTx, error) {
	start := time.Now()
	payer := b.cfg.Wallet.PublicKey()

	ixs := make([]solana.Instruction, 0, len(setup)+5)
	blockRef := plan.recent
	if v.UseNonce && plan.hasNonce {
		ixs = append(ixs, instructions.AdvanceNonce(plan.nonceAccount, payer))
		blockRef = plan.nonceHash
	}

	price := v.PriorityFee()
	ixs = append(ixs,
		instructions.SetComputeUnitLimit(cuLimit),
		instructions.SetComputeUnitPrice(price),
	)

	if v.TipLamports > 0 {
		tipTo, ok := v.PickTipAccount()
		if !ok {
			return nil, fmt.Errorf("tip of %d lamports but no tip account", v.TipLamports)
		}
		ixs = append(ixs, instructions.SystemTransfer(payer, tipTo, v.TipLamports))
	}

	ixs = append(ixs, setup...)
	ixs = append(ixs, ix)

	tx, err := solana.NewTransaction(ixs, blockRef, solana.TransactionPayer(payer))
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	if err := b.cfg.Wallet.SignTx(tx); err != nil {
		return nil, err
	}

	b.logger.WithFields(logrus.Fields{
		"vendor":     v.Name,
		"cu_price":   price,
		"tip":        v.TipLamports,
		"nonce":      v.UseNonce && plan.hasNonce,
		"elapsed_us": time.Since(start).Microseconds(),
	}).Debug("vendor transaction built")

	return &VendorTx{Vendor: v.Name, Tx: tx, CUPrice: price, TipLamports: v.TipLamports}, nil
}
