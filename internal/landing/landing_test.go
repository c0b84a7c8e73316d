package landing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/ronaldslwong/copyrust-sub000/internal/correlation"
	"github.com/ronaldslwong/copyrust-sub000/internal/fanout"
	"github.com/ronaldslwong/copyrust-sub000/internal/models"
	"github.com/ronaldslwong/copyrust-sub000/internal/protocol"
	"github.com/ronaldslwong/copyrust-sub000/internal/race"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sigOf(n int) solana.Signature {
	var s solana.Signature
	s[0] = byte(n)
	s[1] = byte(n >> 8)
	s[63] = 0x77
	return s
}

type fakeFanout struct {
	mu   sync.Mutex
	ixs  []solana.Instruction
	tags []string
	err  error
}

func (f *fakeFanout) Build(ctx context.Context, ix solana.Instruction, mint solana.PublicKey, qty uint64, tag string) ([]fanout.VendorTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ixs = append(f.ixs, ix)
	f.tags = append(f.tags, tag)
	if f.err != nil {
		return nil, f.err
	}
	tx := &solana.Transaction{Signatures: []solana.Signature{sigOf(900 + len(f.ixs))}}
	return []fanout.VendorTx{{Vendor: "fast", Tx: tx}}, nil
}

type fakeRacer struct {
	calls atomic.Int32
	fail  bool
}

func (f *fakeRacer) Run(ctx context.Context, req race.Request) (*race.Result, error) {
	f.calls.Add(1)
	out := race.Outcome{Vendor: req.Txs[0].Vendor, Signature: req.Txs[0].Signature()}
	if f.fail {
		out.Err = errors.New("rejected")
		res := &race.Result{Outcomes: []race.Outcome{out}, Failures: []race.Outcome{out}}
		return res, &race.AggregateError{Failures: res.Failures}
	}
	return &race.Result{Outcomes: []race.Outcome{out}, Successes: []race.Outcome{out}}, nil
}

type harness struct {
	worker *Worker
	store  *correlation.Store
	fanout *fakeFanout
	racer  *fakeRacer
	wallet solana.PublicKey
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	table, err := protocol.NewTable(protocol.DefaultDescriptors())
	require.NoError(t, err)

	wallet := solana.NewWallet().PublicKey()
	mirror, err := protocol.NewMirrorBuilder(protocol.MirrorConfig{Wallet: wallet, BuyLamports: 1_000_000})
	require.NoError(t, err)

	h := &harness{
		store:  correlation.NewStore(correlation.Config{}),
		fanout: &fakeFanout{},
		racer:  &fakeRacer{},
		wallet: wallet,
	}
	cfg := Config{
		Store:           h.store,
		Table:           table,
		Sell:            mirror,
		Fanout:          h.fanout,
		Race:            h.racer,
		CleanupInterval: time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.worker, err = NewWorker(cfg)
	require.NoError(t, err)
	return h
}

// stored inserts an opportunity and returns the signature of its first
// vendor transaction.
func (h *harness) stored(t *testing.T, tag string, n int) (solana.Signature, [][]byte) {
	t.Helper()
	program := solana.NewWallet().PublicKey()
	rec := &correlation.Record{
		Tag:       tag,
		Mint:      solana.NewWallet().PublicKey(),
		TargetQty: 4242,
		VendorTxs: []fanout.VendorTx{
			{Vendor: "fast", Tx: &solana.Transaction{Signatures: []solana.Signature{sigOf(n + 1)}}},
			{Vendor: "slow", Tx: &solana.Transaction{Signatures: []solana.Signature{sigOf(n + 2)}}},
		},
		Bundles: map[string]*models.AccountBundle{tag: {
			Protocol:  tag,
			ProgramID: program,
			Accounts:  []models.AccountRef{{PublicKey: h.wallet, IsSigner: true, IsWritable: true}},
		}},
	}
	keys, err := h.store.InsertOpportunity(sigOf(n), rec)
	require.NoError(t, err)
	return sigOf(n + 1), keys
}

// drive handles events synchronously and waits for the sells.
func (h *harness) drive(events ...Event) Counters {
	for _, ev := range events {
		h.worker.handle(context.Background(), ev)
	}
	h.worker.sells.Wait()
	return h.worker.Counters()
}

func TestWorker_LandedBuyIsSoldAndForgotten(t *testing.T) {
	h := newHarness(t, nil)
	landed, keys := h.stored(t, "pumpfun", 10)

	c := h.drive(Event{Signature: landed, Slot: 100, Feed: "ws", ReceivedAt: time.Now()})
	assert.Equal(t, uint64(1), c.Matched)
	assert.Equal(t, uint64(1), c.Sells)
	assert.Zero(t, c.SellFailures)
	assert.Equal(t, int32(1), h.racer.calls.Load())

	for _, k := range keys {
		_, ok := h.store.Lookup(k)
		assert.False(t, ok)
	}

	require.Len(t, h.fanout.ixs, 1)
	data, err := h.fanout.ixs[0].Data()
	require.NoError(t, err)
	assert.Equal(t, []byte{51, 230, 133, 164, 1, 127, 131, 173}, data[:8])
	assert.Equal(t, "pumpfun_sell", h.fanout.tags[0])
}

func TestWorker_UnmatchedIsNotAnError(t *testing.T) {
	h := newHarness(t, nil)

	c := h.drive(Event{Signature: sigOf(500)})
	assert.Equal(t, uint64(1), c.Unmatched)
	assert.Zero(t, c.SellFailures)
	assert.Zero(t, h.racer.calls.Load())
}

func TestWorker_DuplicatesAcrossFeeds(t *testing.T) {
	h := newHarness(t, nil)
	landed, _ := h.stored(t, "pumpfun", 20)

	c := h.drive(
		Event{Signature: landed, Feed: "ws"},
		Event{Signature: landed, Feed: "poller"},
	)
	assert.Equal(t, uint64(2), c.Received)
	assert.Equal(t, uint64(1), c.Duplicates)
	assert.Equal(t, uint64(1), c.Sells)
}

func TestWorker_SellUnsupportedDropsRecord(t *testing.T) {
	h := newHarness(t, nil)
	landed, keys := h.stored(t, "raydium_cpmm", 30)

	c := h.drive(Event{Signature: landed})
	assert.Equal(t, uint64(1), c.Skipped)
	assert.Zero(t, c.Sells)
	assert.Zero(t, h.racer.calls.Load())
	_, ok := h.store.Lookup(keys[0])
	assert.False(t, ok)
}

func TestWorker_FailedRaceKeepsRecord(t *testing.T) {
	h := newHarness(t, nil)
	h.racer.fail = true
	landed, keys := h.stored(t, "pumpfun", 40)

	c := h.drive(Event{Signature: landed})
	assert.Equal(t, uint64(1), c.SellFailures)
	assert.Zero(t, c.Sells)
	_, ok := h.store.Lookup(keys[0])
	assert.True(t, ok)
}

func TestWorker_ConsecutiveErrorsReset(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.MaxConsecutiveErrors = 2 })
	h.fanout.err = fanout.ErrNoTransactions

	a, _ := h.stored(t, "pumpfun", 50)
	h.drive(Event{Signature: a})
	assert.Equal(t, int32(1), h.worker.consecutive.Load())

	b, _ := h.stored(t, "pumpfun", 60)
	c := h.drive(Event{Signature: b})
	assert.Equal(t, uint64(2), c.SellFailures)
	assert.Zero(t, h.worker.consecutive.Load())
}

func TestWorker_WaitHonoursCancel(t *testing.T) {
	logger, hook := test.NewNullLogger()
	h := newHarness(t, func(cfg *Config) {
		cfg.Wait = time.Hour
		cfg.Logger = logger
	})
	landed, _ := h.stored(t, "pumpfun", 70)

	ctx, cancel := context.WithCancel(context.Background())
	h.worker.handle(ctx, Event{Signature: landed})
	cancel()
	h.worker.sells.Wait()

	c := h.worker.Counters()
	assert.Zero(t, c.Sells)
	assert.Zero(t, c.SellFailures)
	assert.Equal(t, uint64(1), c.Abandoned)
	assert.Empty(t, h.fanout.ixs)

	_, ok := h.store.LookupSignature(landed)
	assert.True(t, ok, "record kept until ttl")

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, landed.String(), entry.Data["signature"])
	assert.Contains(t, entry.Data, "mint")
}

func TestWorker_RunAndSubmit(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.QueueSize = 4 })
	landed, _ := h.stored(t, "pumpfun", 80)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	require.NoError(t, h.worker.Submit(Event{Signature: landed}))
	require.Eventually(t, func() bool { return h.worker.Counters().Sells == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestWorker_QueueFull(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.QueueSize = 1 })
	require.NoError(t, h.worker.Submit(Event{Signature: sigOf(1)}))
	assert.ErrorIs(t, h.worker.Submit(Event{Signature: sigOf(2)}), ErrQueueFull)
	assert.Equal(t, uint64(1), h.worker.Counters().Dropped)
}

func TestNewWorker_RequiresCollaborators(t *testing.T) {
	_, err := NewWorker(Config{})
	assert.Error(t, err)
}

func TestDedup_TTLAndEmergencyClear(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	d := NewDedup(30*time.Second, 3, clock)

	assert.False(t, d.Seen(sigOf(1)))
	assert.True(t, d.Seen(sigOf(1)))

	now = now.Add(31 * time.Second)
	assert.False(t, d.Seen(sigOf(1)), "expired entries are fresh again")

	removed, cleared := d.Cleanup()
	assert.Zero(t, removed)
	assert.False(t, cleared)

	now = now.Add(31 * time.Second)
	removed, cleared = d.Cleanup()
	assert.Equal(t, 1, removed)
	assert.False(t, cleared)
	assert.Zero(t, d.Len())

	for i := 0; i < 5; i++ {
		d.Seen(sigOf(10 + i))
	}
	removed, cleared = d.Cleanup()
	assert.True(t, cleared)
	assert.Equal(t, 5, removed)
	assert.Zero(t, d.Len())
}
