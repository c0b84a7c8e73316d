package instructions

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

var (
	// SPL Associated Token Account program
	associatedTokenProgramID = solana.MustPublicKeyFromBase58("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
)

// System program instruction indices.
const (
	systemTransfer     uint32 = 2
	systemAdvanceNonce uint32 = 4
)

// Compute budget instruction tags.
const (
	computeUnitLimitTag byte = 2
	computeUnitPriceTag byte = 3
)

// FindAssociatedTokenAddress derives the ATA PDA for (owner, mint).
func FindAssociatedTokenAddress(owner, mint solana.PublicKey) (ata solana.PublicKey, bump uint8, err error) {
	// Seeds: [owner, token_program, mint]
	return solana.FindProgramAddress(
		[][]byte{
			owner.Bytes(),
			solana.TokenProgramID.Bytes(),
			mint.Bytes(),
		},
		associatedTokenProgramID,
	)
}

// CreateAssociatedTokenAccountIdempotent builds a CreateIdempotent ATA
// instruction. It succeeds when the account already exists, so it can be
// attached to every variant of a buy without a lookup.
// Account order (ATA program):
// 0. payer (signer, writable)
// 1. ata (writable)
// 2. owner (read-only)
// 3. mint (read-only)
// 4. system_program
// 5. token_program
func CreateAssociatedTokenAccountIdempotent(payer, owner, mint solana.PublicKey) (solana.Instruction, error) {
	ata, _, err := FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, err
	}

	accounts := []*solana.AccountMeta{
		{PublicKey: payer, IsSigner: true, IsWritable: true},
		{PublicKey: ata, IsSigner: false, IsWritable: true},
		{PublicKey: owner, IsSigner: false, IsWritable: false},
		{PublicKey: mint, IsSigner: false, IsWritable: false},
		{PublicKey: solana.SystemProgramID, IsSigner: false, IsWritable: false},
		{PublicKey: solana.TokenProgramID, IsSigner: false, IsWritable: false},
	}

	// 1 = CreateIdempotent
	return solana.NewInstruction(associatedTokenProgramID, accounts, []byte{1}), nil
}

// SystemTransfer builds a SystemProgram transfer instruction.
func SystemTransfer(from, to solana.PublicKey, lamports uint64) solana.Instruction {
	// u32 instruction index + u64 lamports
	data := make([]byte, 4+8)
	binary.LittleEndian.PutUint32(data[0:4], systemTransfer)
	binary.LittleEndian.PutUint64(data[4:12], lamports)

	accounts := []*solana.AccountMeta{
		{PublicKey: from, IsSigner: true, IsWritable: true},
		{PublicKey: to, IsSigner: false, IsWritable: true},
	}
	return solana.NewInstruction(solana.SystemProgramID, accounts, data)
}

// AdvanceNonce builds a SystemProgram AdvanceNonceAccount instruction. It
// must be the first instruction of a durable-nonce transaction.
func AdvanceNonce(nonceAccount, authority solana.PublicKey) solana.Instruction {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, systemAdvanceNonce)

	accounts := []*solana.AccountMeta{
		{PublicKey: nonceAccount, IsSigner: false, IsWritable: true},
		{PublicKey: solana.SysVarRecentBlockHashesPubkey, IsSigner: false, IsWritable: false},
		{PublicKey: authority, IsSigner: true, IsWritable: false},
	}
	return solana.NewInstruction(solana.SystemProgramID, accounts, data)
}

// SetComputeUnitLimit builds a ComputeBudget SetComputeUnitLimit instruction.
func SetComputeUnitLimit(units uint32) solana.Instruction {
	data := make([]byte, 1+4)
	data[0] = computeUnitLimitTag
	binary.LittleEndian.PutUint32(data[1:], units)
	return solana.NewInstruction(solana.ComputeBudget, solana.AccountMetaSlice{}, data)
}

// SetComputeUnitPrice builds a ComputeBudget SetComputeUnitPrice instruction
// (price in micro-lamports per compute unit).
func SetComputeUnitPrice(microLamports uint64) solana.Instruction {
	data := make([]byte, 1+8)
	data[0] = computeUnitPriceTag
	binary.LittleEndian.PutUint64(data[1:], microLamports)
	return solana.NewInstruction(solana.ComputeBudget, solana.AccountMetaSlice{}, data)
}
