package dispatch

import (
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/ronaldslwong/copyrust-sub000/internal/protocol"
)

// Event is one detected transaction. AccountKeys holds the static keys
// followed by the loaded writable and loaded readonly addresses, the order
// the compiled instruction indexes refer to.
type Event struct {
	Signature      solana.Signature
	Slot           uint64
	AccountKeys    []solana.PublicKey
	Header         solana.MessageHeader
	LoadedWritable int
	LoadedReadonly int
	Instructions   []solana.CompiledInstruction
	ReceivedAt     time.Time
}

// EventFromTransaction flattens a decoded transaction and its loaded
// addresses into an Event.
func EventFromTransaction(tx *solana.Transaction, slot uint64, loadedWritable, loadedReadonly []solana.PublicKey, receivedAt time.Time) Event {
	keys := make([]solana.PublicKey, 0, len(tx.Message.AccountKeys)+len(loadedWritable)+len(loadedReadonly))
	keys = append(keys, tx.Message.AccountKeys...)
	keys = append(keys, loadedWritable...)
	keys = append(keys, loadedReadonly...)

	ev := Event{
		Slot:           slot,
		AccountKeys:    keys,
		Header:         tx.Message.Header,
		LoadedWritable: len(loadedWritable),
		LoadedReadonly: len(loadedReadonly),
		Instructions:   tx.Message.Instructions,
		ReceivedAt:     receivedAt,
	}
	if len(tx.Signatures) > 0 {
		ev.Signature = tx.Signatures[0]
	}
	return ev
}

func (e *Event) numStatic() int {
	return len(e.AccountKeys) - e.LoadedWritable - e.LoadedReadonly
}

// Meta returns the account at index i with its signer and writable flags.
func (e *Event) Meta(i int) (*solana.AccountMeta, error) {
	if i < 0 || i >= len(e.AccountKeys) {
		return nil, fmt.Errorf("account index %d out of range (%d keys)", i, len(e.AccountKeys))
	}
	meta := &solana.AccountMeta{PublicKey: e.AccountKeys[i]}
	static := e.numStatic()
	signers := int(e.Header.NumRequiredSignatures)

	switch {
	case i < signers:
		meta.IsSigner = true
		meta.IsWritable = i < signers-int(e.Header.NumReadonlySignedAccounts)
	case i < static:
		meta.IsWritable = i < static-int(e.Header.NumReadonlyUnsignedAccounts)
	default:
		meta.IsWritable = i < static+e.LoadedWritable
	}
	return meta, nil
}

// Program returns the program id of a compiled instruction.
func (e *Event) Program(ci solana.CompiledInstruction) (solana.PublicKey, bool) {
	i := int(ci.ProgramIDIndex)
	if i >= len(e.AccountKeys) {
		return solana.PublicKey{}, false
	}
	return e.AccountKeys[i], true
}

// Resolve expands a compiled instruction into program id, metas and data.
func (e *Event) Resolve(ci solana.CompiledInstruction) (protocol.Instruction, error) {
	program, ok := e.Program(ci)
	if !ok {
		return protocol.Instruction{}, fmt.Errorf("program index %d out of range", ci.ProgramIDIndex)
	}
	metas := make([]*solana.AccountMeta, len(ci.Accounts))
	for j, idx := range ci.Accounts {
		m, err := e.Meta(int(idx))
		if err != nil {
			return protocol.Instruction{}, err
		}
		metas[j] = m
	}
	return protocol.Instruction{ProgramID: program, Accounts: metas, Data: ci.Data}, nil
}
