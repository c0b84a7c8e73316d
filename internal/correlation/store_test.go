package correlation

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/ronaldslwong/copyrust-sub000/internal/fanout"
	"github.com/ronaldslwong/copyrust-sub000/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func sigOf(n int) solana.Signature {
	var s solana.Signature
	s[0] = byte(n)
	s[1] = byte(n >> 8)
	s[63] = 0xAA
	return s
}

func recordWith(k int) *Record {
	rec := &Record{Tag: "pumpfun", Mint: solana.NewWallet().PublicKey(), TargetQty: 1000}
	for i := 0; i < k; i++ {
		tx := &solana.Transaction{Signatures: []solana.Signature{sigOf(100 + i)}}
		rec.VendorTxs = append(rec.VendorTxs, fanout.VendorTx{Vendor: fmt.Sprintf("v%d", i), Tx: tx})
	}
	return rec
}

func TestInsertOpportunity_KeysForEveryVariant(t *testing.T) {
	s := NewStore(Config{})
	detection := sigOf(1)

	keys, err := s.InsertOpportunity(detection, recordWith(4))
	require.NoError(t, err)
	assert.Len(t, keys, 5)
	assert.Equal(t, 5, s.Len())

	for _, k := range keys {
		r, ok := s.Lookup(k)
		require.True(t, ok)
		assert.Equal(t, detection, r.DetectionSig)
		assert.Len(t, r.VendorTxs, 4)
	}

	r, ok := s.LookupSignature(sigOf(102))
	require.True(t, ok)
	assert.Equal(t, uint64(1000), r.TargetQty)
}

func TestInsert_CopiesAreIndependent(t *testing.T) {
	s := NewStore(Config{})
	rec := recordWith(1)
	rec.Bundles = map[string]*models.AccountBundle{
		"pumpfun": {Protocol: "pumpfun", Accounts: []models.AccountRef{{IsWritable: true}}},
	}
	keys, err := s.InsertOpportunity(sigOf(1), rec)
	require.NoError(t, err)

	require.True(t, s.Update(keys[0], func(r *Record) {
		r.SendSlot = 99
		r.Bundles["pumpfun"].Accounts[0].IsWritable = false
	}))

	first, _ := s.Lookup(keys[0])
	second, _ := s.Lookup(keys[1])
	assert.Equal(t, uint64(99), first.SendSlot)
	assert.Equal(t, uint64(0), second.SendSlot)
	assert.True(t, second.Bundles["pumpfun"].Accounts[0].IsWritable)

	// Lookup hands out copies too.
	first.Bundles["pumpfun"].Accounts = nil
	again, _ := s.Lookup(keys[0])
	assert.Len(t, again.Bundles["pumpfun"].Accounts, 1)

	// The caller's record is not aliased by the store.
	rec.TargetQty = 1
	stored, _ := s.Lookup(keys[1])
	assert.Equal(t, uint64(1000), stored.TargetQty)
}

func TestInsert_Validation(t *testing.T) {
	s := NewStore(Config{})
	assert.ErrorIs(t, s.Insert(nil, &Record{}), ErrNoKeys)
	assert.ErrorIs(t, s.Insert([][]byte{[]byte("k")}, nil), ErrNilRecord)
	assert.Error(t, s.Insert([][]byte{{}}, &Record{}))
}

func TestInsert_CreatedAtPreserved(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(Config{Clock: clock.Now})

	rec := recordWith(0)
	require.NoError(t, s.Insert([][]byte{[]byte("a")}, rec))
	created := rec.CreatedAt
	assert.Equal(t, clock.Now(), created)

	clock.Advance(time.Second)
	s.Update([]byte("a"), func(r *Record) { r.SendTime = clock.Now() })
	got, ok := s.Lookup([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, created, got.CreatedAt)
}

func TestLookup_ExpiresAfterTTL(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(Config{TTL: 10 * time.Second, Clock: clock.Now})
	keys, err := s.InsertOpportunity(sigOf(1), recordWith(2))
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	_, ok := s.Lookup(keys[0])
	assert.True(t, ok)

	clock.Advance(6 * time.Second)
	for i := 0; i < 3; i++ {
		_, ok = s.Lookup(keys[0])
		assert.False(t, ok)
	}
	assert.False(t, s.Update(keys[0], func(*Record) {}))
	// Still physically present until the purge runs.
	assert.Equal(t, 3, s.Len())
}

func TestRemove(t *testing.T) {
	s := NewStore(Config{})
	keys, err := s.InsertOpportunity(sigOf(1), recordWith(3))
	require.NoError(t, err)

	assert.True(t, s.Remove(keys[0]))
	assert.False(t, s.Remove(keys[0]))
	assert.Equal(t, 3, s.RemoveAll(keys))
	assert.Equal(t, 0, s.Len())
}

func TestPurge_RemovesOnlyExpired(t *testing.T) {
	clock := newFakeClock()
	var last atomic.Value
	s := NewStore(Config{
		TTL:     10 * time.Second,
		Clock:   clock.Now,
		OnPurge: func(r PurgeResult) { last.Store(r) },
	})

	_, err := s.InsertOpportunity(sigOf(1), recordWith(1))
	require.NoError(t, err)
	clock.Advance(8 * time.Second)
	_, err = s.InsertOpportunity(sigOf(2), recordWith(0))
	require.NoError(t, err)

	res := s.Purge()
	assert.Equal(t, 0, res.Removed)
	assert.Equal(t, 3, s.Len())

	clock.Advance(3 * time.Second)
	res = s.Purge()
	assert.Equal(t, 2, res.Removed)
	assert.Equal(t, 1, res.Remaining)
	assert.False(t, res.Emergency)
	assert.Equal(t, 11*time.Second, res.OldestAge)
	assert.Equal(t, res, last.Load().(PurgeResult))

	_, ok := s.LookupSignature(sigOf(2))
	assert.True(t, ok)
	assert.Equal(t, uint64(2), s.Stats().Purged)
}

func TestPurge_EmergencyClear(t *testing.T) {
	s := NewStore(Config{MaxEntries: 10})
	for i := 0; i < 11; i++ {
		require.NoError(t, s.Insert([][]byte{[]byte(fmt.Sprintf("k%d", i))}, &Record{}))
	}

	res := s.Purge()
	assert.True(t, res.Emergency)
	assert.Equal(t, 11, res.Removed)
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, uint64(1), s.Stats().EmergencyClears)
}

func TestPurge_AtCeilingKeepsFreshEntries(t *testing.T) {
	s := NewStore(Config{MaxEntries: 10})
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Insert([][]byte{[]byte(fmt.Sprintf("k%d", i))}, &Record{}))
	}
	res := s.Purge()
	assert.False(t, res.Emergency)
	assert.Equal(t, 10, s.Len())
}

func TestStats(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(Config{TTL: 10 * time.Second, WarnAge: 3 * time.Second, Clock: clock.Now})
	_, err := s.InsertOpportunity(sigOf(1), recordWith(1))
	require.NoError(t, err)
	clock.Advance(4 * time.Second)
	require.NoError(t, s.Insert([][]byte{[]byte("x")}, &Record{Tag: "raydium"}))

	st := s.Stats()
	assert.Equal(t, 3, st.Entries)
	assert.Equal(t, 2, st.ByTag["pumpfun"])
	assert.Equal(t, 1, st.ByTag["raydium"])
	assert.Equal(t, 4*time.Second, st.MaxAge)
	assert.Equal(t, 2, st.Stale)
}

func TestNewStore_ShardsRoundedToPowerOfTwo(t *testing.T) {
	s := NewStore(Config{Shards: 5})
	assert.Len(t, s.shards, 8)
	assert.Equal(t, uint64(7), s.mask)
}

func TestStore_ConcurrentInsertLookup(t *testing.T) {
	s := NewStore(Config{Shards: 4})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				keys := [][]byte{
					[]byte(fmt.Sprintf("d-%d-%d", w, i)),
					[]byte(fmt.Sprintf("v-%d-%d", w, i)),
				}
				assert.NoError(t, s.Insert(keys, &Record{TargetQty: uint64(i)}))
				// both keys visible once Insert returns
				_, ok1 := s.Lookup(keys[0])
				_, ok2 := s.Lookup(keys[1])
				assert.True(t, ok1 && ok2)
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 8*200*2, s.Len())
}
