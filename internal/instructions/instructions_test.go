package instructions

import (
	"encoding/binary"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemTransfer(t *testing.T) {
	from := solana.NewWallet().PublicKey()
	to := solana.NewWallet().PublicKey()

	ix := SystemTransfer(from, to, 1_000_000)
	assert.Equal(t, solana.SystemProgramID, ix.ProgramID())

	data, err := ix.Data()
	require.NoError(t, err)
	require.Len(t, data, 12)
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(data[0:4]))
	assert.Equal(t, uint64(1_000_000), binary.LittleEndian.Uint64(data[4:12]))

	accts := ix.Accounts()
	require.Len(t, accts, 2)
	assert.True(t, accts[0].IsSigner)
	assert.Equal(t, to, accts[1].PublicKey)
}

func TestAdvanceNonce(t *testing.T) {
	nonce := solana.NewWallet().PublicKey()
	authority := solana.NewWallet().PublicKey()

	ix := AdvanceNonce(nonce, authority)
	data, err := ix.Data()
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 0, 0, 0}, data)

	accts := ix.Accounts()
	require.Len(t, accts, 3)
	assert.Equal(t, nonce, accts[0].PublicKey)
	assert.True(t, accts[0].IsWritable)
	assert.Equal(t, solana.SysVarRecentBlockHashesPubkey, accts[1].PublicKey)
	assert.Equal(t, authority, accts[2].PublicKey)
	assert.True(t, accts[2].IsSigner)
}

func TestComputeBudget(t *testing.T) {
	limit := SetComputeUnitLimit(200_000)
	assert.Equal(t, solana.ComputeBudget, limit.ProgramID())
	data, err := limit.Data()
	require.NoError(t, err)
	assert.Equal(t, byte(2), data[0])
	assert.Equal(t, uint32(200_000), binary.LittleEndian.Uint32(data[1:]))

	price := SetComputeUnitPrice(12_345)
	data, err = price.Data()
	require.NoError(t, err)
	assert.Equal(t, byte(3), data[0])
	assert.Equal(t, uint64(12_345), binary.LittleEndian.Uint64(data[1:]))
	assert.Empty(t, price.Accounts())
}

func TestCreateAssociatedTokenAccountIdempotent(t *testing.T) {
	payer := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()

	ix, err := CreateAssociatedTokenAccountIdempotent(payer, payer, mint)
	require.NoError(t, err)

	data, err := ix.Data()
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, data)

	ata, _, err := FindAssociatedTokenAddress(payer, mint)
	require.NoError(t, err)
	assert.Equal(t, ata, ix.Accounts()[1].PublicKey)
}
