package correlation

import (
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/ronaldslwong/copyrust-sub000/internal/fanout"
	"github.com/ronaldslwong/copyrust-sub000/internal/models"
)

// Record is everything known about one opportunity between detection and
// exit. Every key of an opportunity maps to its own copy.
type Record struct {
	DetectionSig solana.Signature
	Tag          string
	Mint         solana.PublicKey
	TargetQty    uint64
	VendorTxs    []fanout.VendorTx
	Bundles      map[string]*models.AccountBundle

	// Filled once the race finishes.
	Winner   string
	SendSig  solana.Signature
	SendSlot uint64
	SendTime time.Time

	CreatedAt time.Time
}

// Clone returns a copy that shares no mutable state with r. Signed
// transactions are never modified after signing and are shared.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.VendorTxs != nil {
		out.VendorTxs = append([]fanout.VendorTx(nil), r.VendorTxs...)
	}
	if r.Bundles != nil {
		out.Bundles = make(map[string]*models.AccountBundle, len(r.Bundles))
		for k, b := range r.Bundles {
			out.Bundles[k] = b.Clone()
		}
	}
	return &out
}

// Tx returns the transaction built for vendor.
func (r *Record) Tx(vendor string) (*solana.Transaction, bool) {
	for _, vt := range r.VendorTxs {
		if vt.Vendor == vendor {
			return vt.Tx, true
		}
	}
	return nil, false
}

// Keys returns every key the opportunity is reachable under: the detection
// signature followed by each distinct vendor transaction signature.
func (r *Record) Keys() [][]byte {
	keys := make([][]byte, 0, len(r.VendorTxs)+1)
	seen := make(map[solana.Signature]struct{}, len(r.VendorTxs)+1)
	add := func(sig solana.Signature) {
		if sig.IsZero() {
			return
		}
		if _, dup := seen[sig]; dup {
			return
		}
		seen[sig] = struct{}{}
		k := make([]byte, len(sig))
		copy(k, sig[:])
		keys = append(keys, k)
	}
	add(r.DetectionSig)
	for _, vt := range r.VendorTxs {
		add(vt.Signature())
	}
	return keys
}
