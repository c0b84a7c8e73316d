package protocol

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Table classifies instructions by program id. It is built once and only
// read afterwards.
type Table struct {
	byProgram map[solana.PublicKey][]*Descriptor
	byName    map[string]*Descriptor
}

func NewTable(descs []*Descriptor) (*Table, error) {
	t := &Table{
		byProgram: make(map[solana.PublicKey][]*Descriptor, len(descs)),
		byName:    make(map[string]*Descriptor, len(descs)),
	}
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := t.byName[d.Name]; dup {
			return nil, fmt.Errorf("protocol %s registered twice", d.Name)
		}
		t.byName[d.Name] = d
		t.byProgram[d.ProgramID] = append(t.byProgram[d.ProgramID], d)
	}
	return t, nil
}

// Classify returns the descriptor whose program and buy discriminator match.
func (t *Table) Classify(programID solana.PublicKey, data []byte) (*Descriptor, bool) {
	for _, d := range t.byProgram[programID] {
		if d.Matches(data) {
			return d, true
		}
	}
	return nil, false
}

// Tracks reports whether any protocol uses programID.
func (t *Table) Tracks(programID solana.PublicKey) bool {
	_, ok := t.byProgram[programID]
	return ok
}

func (t *Table) ByName(name string) (*Descriptor, bool) {
	d, ok := t.byName[name]
	return d, ok
}

// Programs lists the tracked program ids, for feed subscriptions.
func (t *Table) Programs() []solana.PublicKey {
	out := make([]solana.PublicKey, 0, len(t.byProgram))
	for pk := range t.byProgram {
		out = append(out, pk)
	}
	return out
}

func (t *Table) Len() int { return len(t.byName) }
