package protocol

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/ronaldslwong/copyrust-sub000/internal/config"
	"github.com/ronaldslwong/copyrust-sub000/internal/instructions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultTable(t *testing.T) *Table {
	t.Helper()
	tbl, err := NewTable(DefaultDescriptors())
	require.NoError(t, err)
	return tbl
}

func buyData(disc []byte, first, second uint64) []byte {
	data := make([]byte, 24)
	copy(data, disc)
	binary.LittleEndian.PutUint64(data[8:], first)
	binary.LittleEndian.PutUint64(data[16:], second)
	return data
}

// pumpfunBuy lays out a pump.fun buy by trader for mint.
func pumpfunBuy(t *testing.T, d *Descriptor, trader, mint solana.PublicKey, qty, maxCost uint64) Instruction {
	t.Helper()
	userATA, _, err := instructions.FindAssociatedTokenAddress(trader, mint)
	require.NoError(t, err)

	accounts := make([]*solana.AccountMeta, 12)
	for i := range accounts {
		accounts[i] = &solana.AccountMeta{PublicKey: solana.NewWallet().PublicKey()}
	}
	accounts[2] = &solana.AccountMeta{PublicKey: mint}
	accounts[5] = &solana.AccountMeta{PublicKey: userATA, IsWritable: true}
	accounts[6] = &solana.AccountMeta{PublicKey: trader, IsSigner: true, IsWritable: true}

	return Instruction{
		ProgramID: d.ProgramID,
		Accounts:  accounts,
		Data:      buyData(d.BuyDiscriminator, qty, maxCost),
	}
}

func TestTable_Classify(t *testing.T) {
	tbl := defaultTable(t)
	assert.Equal(t, 4, tbl.Len())

	pump, ok := tbl.ByName("pumpfun")
	require.True(t, ok)

	d, ok := tbl.Classify(pump.ProgramID, buyData(pump.BuyDiscriminator, 1, 1))
	require.True(t, ok)
	assert.Equal(t, "pumpfun", d.Name)

	// same discriminator, different program
	amm, _ := tbl.ByName("pump_amm")
	d, ok = tbl.Classify(amm.ProgramID, buyData(pump.BuyDiscriminator, 1, 1))
	require.True(t, ok)
	assert.Equal(t, "pump_amm", d.Name)

	_, ok = tbl.Classify(pump.ProgramID, buyData(pump.SellDiscriminator, 1, 1))
	assert.False(t, ok)
	_, ok = tbl.Classify(pump.ProgramID, pump.BuyDiscriminator)
	assert.False(t, ok, "discriminator without payload")
	_, ok = tbl.Classify(solana.SystemProgramID, buyData(pump.BuyDiscriminator, 1, 1))
	assert.False(t, ok)

	assert.True(t, tbl.Tracks(amm.ProgramID))
	assert.Len(t, tbl.Programs(), 4)
}

func TestNewTable_RejectsDuplicates(t *testing.T) {
	descs := DefaultDescriptors()
	_, err := NewTable(append(descs, descs[0]))
	assert.Error(t, err)
}

func TestMerge(t *testing.T) {
	custom := solana.NewWallet().PublicKey()
	descs, err := Merge(DefaultDescriptors(), []config.ProtocolConfig{
		{Name: "pumpfun", SignerIndex: 7},
		{Name: "raydium_cpmm", Disabled: true},
		{
			Name:             "custom",
			ProgramID:        custom.String(),
			BuyDiscriminator: []byte{1, 2, 3, 4, 5, 6, 7, 8},
			MintIndex:        1,
			SpendOffset:      8,
			QtyOffset:        16,
			Bound:            "min_out",
		},
	})
	require.NoError(t, err)

	tbl, err := NewTable(descs)
	require.NoError(t, err)
	assert.Equal(t, 4, tbl.Len())

	pump, _ := tbl.ByName("pumpfun")
	assert.Equal(t, 7, pump.SignerIndex)
	assert.Equal(t, 2, pump.MintIndex)
	_, ok := tbl.ByName("raydium_cpmm")
	assert.False(t, ok)
	assert.True(t, tbl.Tracks(custom))

	// defaults are not modified
	assert.Equal(t, 6, DefaultDescriptors()[1].SignerIndex)

	_, err = Merge(nil, []config.ProtocolConfig{{Name: "bad", ProgramID: custom.String()}})
	assert.Error(t, err)
}

func TestMirrorBuilder_MaxSpendBuy(t *testing.T) {
	tbl := defaultTable(t)
	d, _ := tbl.ByName("pumpfun")
	wallet := solana.NewWallet().PublicKey()
	trader := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()

	b, err := NewMirrorBuilder(MirrorConfig{Wallet: wallet, BuyLamports: 100_000_000, SlippageBps: 1000})
	require.NoError(t, err)

	// trader buys 5,000,000 tokens for at most 1 SOL
	det := pumpfunBuy(t, d, trader, mint, 5_000_000, 1_000_000_000)
	out, err := b.Build(context.Background(), Request{Descriptor: d, Instruction: det})
	require.NoError(t, err)

	assert.Equal(t, mint, out.Mint)
	assert.Equal(t, uint64(500_000), out.TargetQty)
	assert.Equal(t, uint64(110_000_000), out.Spend)

	data, err := out.Instruction.Data()
	require.NoError(t, err)
	assert.Equal(t, d.BuyDiscriminator, data[:8])
	assert.Equal(t, uint64(500_000), binary.LittleEndian.Uint64(data[8:]))
	assert.Equal(t, uint64(110_000_000), binary.LittleEndian.Uint64(data[16:]))

	ourATA, _, err := instructions.FindAssociatedTokenAddress(wallet, mint)
	require.NoError(t, err)
	accts := out.Instruction.Accounts()
	assert.Equal(t, wallet, accts[6].PublicKey)
	assert.True(t, accts[6].IsSigner)
	assert.Equal(t, ourATA, accts[5].PublicKey)
	assert.Equal(t, d.ProgramID, out.Instruction.ProgramID())

	require.NotNil(t, out.Bundle)
	assert.Equal(t, "pumpfun", out.Bundle.Protocol)
	assert.Len(t, out.Bundle.Accounts, 12)

	// detected instruction untouched
	assert.Equal(t, trader, det.Accounts[6].PublicKey)
	assert.Equal(t, uint64(5_000_000), binary.LittleEndian.Uint64(det.Data[8:]))
}

func TestMirrorBuilder_MinOutBuy(t *testing.T) {
	tbl := defaultTable(t)
	d, _ := tbl.ByName("raydium_launchpad")
	wallet := solana.NewWallet().PublicKey()
	trader := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()

	accounts := make([]*solana.AccountMeta, 15)
	for i := range accounts {
		accounts[i] = &solana.AccountMeta{PublicKey: solana.NewWallet().PublicKey()}
	}
	accounts[0] = &solana.AccountMeta{PublicKey: trader, IsSigner: true, IsWritable: true}
	accounts[9] = &solana.AccountMeta{PublicKey: mint}

	data := make([]byte, 32)
	copy(data, d.BuyDiscriminator)
	binary.LittleEndian.PutUint64(data[8:], 2_000_000_000) // amount in
	binary.LittleEndian.PutUint64(data[16:], 8_000_000)    // min out

	b, err := NewMirrorBuilder(MirrorConfig{Wallet: wallet, BuyLamports: 500_000_000, SlippageBps: 500})
	require.NoError(t, err)
	out, err := b.Build(context.Background(), Request{
		Descriptor:  d,
		Instruction: Instruction{ProgramID: d.ProgramID, Accounts: accounts, Data: data},
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(2_000_000), out.TargetQty)
	got, _ := out.Instruction.Data()
	assert.Len(t, got, 32)
	assert.Equal(t, uint64(500_000_000), binary.LittleEndian.Uint64(got[8:]))
	assert.Equal(t, uint64(1_900_000), binary.LittleEndian.Uint64(got[16:]))
}

func TestMirrorBuilder_Skips(t *testing.T) {
	tbl := defaultTable(t)
	wallet := solana.NewWallet().PublicKey()
	b, err := NewMirrorBuilder(MirrorConfig{Wallet: wallet, BuyLamports: 1_000_000})
	require.NoError(t, err)

	cpmm, _ := tbl.ByName("raydium_cpmm")
	accounts := make([]*solana.AccountMeta, 13)
	for i := range accounts {
		accounts[i] = &solana.AccountMeta{PublicKey: solana.NewWallet().PublicKey()}
	}
	accounts[0].IsSigner = true
	accounts[11] = &solana.AccountMeta{PublicKey: solana.WrappedSol}
	_, err = b.Build(context.Background(), Request{
		Descriptor:  cpmm,
		Instruction: Instruction{ProgramID: cpmm.ProgramID, Accounts: accounts, Data: buyData(cpmm.BuyDiscriminator, 10, 10)},
	})
	assert.ErrorIs(t, err, ErrSkip)

	pump, _ := tbl.ByName("pumpfun")
	det := pumpfunBuy(t, pump, solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey(), 0, 100)
	_, err = b.Build(context.Background(), Request{Descriptor: pump, Instruction: det})
	assert.ErrorIs(t, err, ErrSkip)
}

func TestMirrorBuilder_Errors(t *testing.T) {
	tbl := defaultTable(t)
	pump, _ := tbl.ByName("pumpfun")
	wallet := solana.NewWallet().PublicKey()
	b, err := NewMirrorBuilder(MirrorConfig{Wallet: wallet, BuyLamports: 1_000_000})
	require.NoError(t, err)

	short := pumpfunBuy(t, pump, solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey(), 1, 1)
	short.Data = short.Data[:12]
	_, err = b.Build(context.Background(), Request{Descriptor: pump, Instruction: short})
	assert.Error(t, err)

	cosigned := pumpfunBuy(t, pump, solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey(), 10, 10)
	cosigned.Accounts[0].IsSigner = true
	_, err = b.Build(context.Background(), Request{Descriptor: pump, Instruction: cosigned})
	assert.ErrorContains(t, err, "needs signer")

	few := pumpfunBuy(t, pump, solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey(), 10, 10)
	few.Accounts = few.Accounts[:3]
	_, err = b.Build(context.Background(), Request{Descriptor: pump, Instruction: few})
	assert.Error(t, err)

	_, err = NewMirrorBuilder(MirrorConfig{BuyLamports: 1})
	assert.Error(t, err)
	_, err = NewMirrorBuilder(MirrorConfig{Wallet: wallet})
	assert.Error(t, err)
}

func TestMirrorBuilder_Sell(t *testing.T) {
	tbl := defaultTable(t)
	pump, _ := tbl.ByName("pumpfun")
	wallet := solana.NewWallet().PublicKey()
	b, err := NewMirrorBuilder(MirrorConfig{Wallet: wallet, BuyLamports: 100_000_000})
	require.NoError(t, err)

	buy, err := b.Build(context.Background(), Request{
		Descriptor:  pump,
		Instruction: pumpfunBuy(t, pump, solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey(), 1000, 1_000_000_000),
	})
	require.NoError(t, err)

	ix, err := b.BuildSell(context.Background(), SellRequest{Descriptor: pump, Bundle: buy.Bundle, Qty: buy.TargetQty})
	require.NoError(t, err)
	data, _ := ix.Data()
	assert.Equal(t, pump.SellDiscriminator, data[:8])
	assert.Equal(t, buy.TargetQty, binary.LittleEndian.Uint64(data[8:]))
	assert.Equal(t, uint64(0), binary.LittleEndian.Uint64(data[16:]))
	assert.Len(t, ix.Accounts(), 12)
	assert.Equal(t, wallet, ix.Accounts()[6].PublicKey)

	cpmm, _ := tbl.ByName("raydium_cpmm")
	_, err = b.BuildSell(context.Background(), SellRequest{Descriptor: cpmm, Bundle: buy.Bundle, Qty: 1})
	assert.ErrorIs(t, err, ErrSellUnsupported)

	_, err = b.BuildSell(context.Background(), SellRequest{Descriptor: pump, Bundle: buy.Bundle})
	assert.Error(t, err)
}

func TestScale(t *testing.T) {
	v, err := scale(^uint64(0), 2, 4)
	require.NoError(t, err)
	assert.Equal(t, ^uint64(0)/2, v)

	_, err = scale(^uint64(0), 4, 2)
	assert.Error(t, err)

	assert.Equal(t, uint64(110), withSlippage(100, 1000, true))
	assert.Equal(t, uint64(90), withSlippage(100, 1000, false))
}
