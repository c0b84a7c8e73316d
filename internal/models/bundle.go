package models

import "github.com/gagliardetto/solana-go"

// AccountRef is one account slot of a protocol instruction.
type AccountRef struct {
	PublicKey  solana.PublicKey `json:"pubkey"`
	IsSigner   bool             `json:"is_signer"`
	IsWritable bool             `json:"is_writable"`
}

// AccountBundle keeps the accounts a protocol instruction was built with,
// so the exit can be built without re-deriving them.
type AccountBundle struct {
	Protocol  string           `json:"protocol"`
	ProgramID solana.PublicKey `json:"program_id"`
	Accounts  []AccountRef     `json:"accounts"`
}

func (b *AccountBundle) Clone() *AccountBundle {
	if b == nil {
		return nil
	}
	out := *b
	out.Accounts = append([]AccountRef(nil), b.Accounts...)
	return &out
}

// Metas converts the bundle back into instruction account metas.
func (b *AccountBundle) Metas() solana.AccountMetaSlice {
	metas := make(solana.AccountMetaSlice, len(b.Accounts))
	for i, a := range b.Accounts {
		metas[i] = &solana.AccountMeta{PublicKey: a.PublicKey, IsSigner: a.IsSigner, IsWritable: a.IsWritable}
	}
	return metas
}
