package landing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/ronaldslwong/copyrust-sub000/internal/correlation"
	"github.com/ronaldslwong/copyrust-sub000/internal/fanout"
	"github.com/ronaldslwong/copyrust-sub000/internal/protocol"
	"github.com/ronaldslwong/copyrust-sub000/internal/race"
	"github.com/sirupsen/logrus"
)

var ErrQueueFull = errors.New("landing queue is full")

const (
	defaultQueueSize            = 1000
	defaultMaxConsecutiveErrors = 10
	defaultCleanupInterval      = 10 * time.Second
)

// Event reports that a signature landed on chain.
type Event struct {
	Signature  solana.Signature
	Slot       uint64
	Feed       string
	ReceivedAt time.Time
}

type Fanout interface {
	Build(ctx context.Context, ix solana.Instruction, mint solana.PublicKey, targetQty uint64, tag string) ([]fanout.VendorTx, error)
}

type Racer interface {
	Run(ctx context.Context, req race.Request) (*race.Result, error)
}

type Config struct {
	Store  *correlation.Store
	Table  *protocol.Table
	Sell   protocol.SellBuilder
	Fanout Fanout
	Race   Racer

	// Wait is the hold time between landing and selling.
	Wait time.Duration
	// SellMinOut is the lamport floor written into every sell.
	SellMinOut uint64

	QueueSize            int // default 1000
	MaxConsecutiveErrors int // default 10
	DedupTTL             time.Duration
	DedupMax             int
	CleanupInterval      time.Duration

	Logger *logrus.Logger
	Clock  func() time.Time
}

type Counters struct {
	Received     uint64 `json:"received"`
	Duplicates   uint64 `json:"duplicates"`
	Unmatched    uint64 `json:"unmatched"`
	Matched      uint64 `json:"matched"`
	Sells        uint64 `json:"sells"`
	SellFailures uint64 `json:"sell_failures"`
	Skipped      uint64 `json:"skipped"`
	Abandoned    uint64 `json:"abandoned"`
	Dropped      uint64 `json:"dropped"`
	Queued       int    `json:"queued"`
}

// Worker matches landed signatures against stored opportunities and
// exits the position with a raced sell.
type Worker struct {
	cfg    Config
	logger *logrus.Logger
	queue  chan Event
	dedup  *Dedup
	sells  sync.WaitGroup

	consecutive atomic.Int32

	received     atomic.Uint64
	duplicates   atomic.Uint64
	unmatched    atomic.Uint64
	matched      atomic.Uint64
	sold         atomic.Uint64
	sellFailures atomic.Uint64
	skipped      atomic.Uint64
	abandoned    atomic.Uint64
	dropped      atomic.Uint64
}

func NewWorker(cfg Config) (*Worker, error) {
	if cfg.Store == nil || cfg.Table == nil || cfg.Sell == nil || cfg.Fanout == nil || cfg.Race == nil {
		return nil, fmt.Errorf("landing: store, table, sell builder, fanout and race are required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = defaultMaxConsecutiveErrors
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Worker{
		cfg:    cfg,
		logger: cfg.Logger,
		queue:  make(chan Event, cfg.QueueSize),
		dedup:  NewDedup(cfg.DedupTTL, cfg.DedupMax, cfg.Clock),
	}, nil
}

// Submit enqueues ev without blocking.
func (w *Worker) Submit(ev Event) error {
	select {
	case w.queue <- ev:
		return nil
	default:
		w.dropped.Add(1)
		return ErrQueueFull
	}
}

// Run consumes landed events until ctx is done, then waits for in-flight
// sells.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.CleanupInterval)
	defer ticker.Stop()
	defer w.sells.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if removed, cleared := w.dedup.Cleanup(); cleared {
				w.logger.WithField("removed", removed).Warn("landing dedup set too large, cleared")
			}
		case ev := <-w.queue:
			w.handle(ctx, ev)
		}
	}
}

func (w *Worker) Counters() Counters {
	return Counters{
		Received:     w.received.Load(),
		Duplicates:   w.duplicates.Load(),
		Unmatched:    w.unmatched.Load(),
		Matched:      w.matched.Load(),
		Sells:        w.sold.Load(),
		SellFailures: w.sellFailures.Load(),
		Skipped:      w.skipped.Load(),
		Abandoned:    w.abandoned.Load(),
		Dropped:      w.dropped.Load(),
		Queued:       len(w.queue),
	}
}

func (w *Worker) handle(ctx context.Context, ev Event) {
	w.received.Add(1)
	if w.dedup.Seen(ev.Signature) {
		w.duplicates.Add(1)
		return
	}

	rec, ok := w.cfg.Store.LookupSignature(ev.Signature)
	if !ok {
		w.unmatched.Add(1)
		w.logger.WithFields(logrus.Fields{
			"signature": ev.Signature.String(),
			"feed":      ev.Feed,
		}).Debug("landed signature not tracked")
		return
	}
	w.matched.Add(1)

	fields := logrus.Fields{
		"signature": ev.Signature.String(),
		"feed":      ev.Feed,
		"protocol":  rec.Tag,
		"mint":      rec.Mint.String(),
		"winner":    rec.Winner,
	}
	if !rec.SendTime.IsZero() {
		fields["since_send_ms"] = w.cfg.Clock().Sub(rec.SendTime).Milliseconds()
	}
	if rec.SendSlot > 0 && ev.Slot >= rec.SendSlot {
		fields["slots"] = ev.Slot - rec.SendSlot
	}
	w.logger.WithFields(fields).Info("buy landed")

	w.sells.Add(1)
	go func() {
		defer w.sells.Done()
		w.sell(ctx, ev, rec)
	}()
}

func (w *Worker) sell(ctx context.Context, ev Event, rec *correlation.Record) {
	log := w.logger.WithFields(logrus.Fields{
		"signature": ev.Signature.String(),
		"protocol":  rec.Tag,
		"mint":      rec.Mint.String(),
	})

	if w.cfg.Wait > 0 {
		t := time.NewTimer(w.cfg.Wait)
		select {
		case <-ctx.Done():
			t.Stop()
			w.abandoned.Add(1)
			log.WithError(ctx.Err()).Warn("sell abandoned during hold, position left open")
			return
		case <-t.C:
		}
	}

	desc, ok := w.cfg.Table.ByName(rec.Tag)
	if !ok {
		w.fail(log, fmt.Errorf("unknown protocol %q", rec.Tag))
		return
	}

	ix, err := w.cfg.Sell.BuildSell(ctx, protocol.SellRequest{
		Descriptor: desc,
		Bundle:     rec.Bundles[rec.Tag],
		Qty:        rec.TargetQty,
		MinOut:     w.cfg.SellMinOut,
	})
	if errors.Is(err, protocol.ErrSellUnsupported) {
		w.skipped.Add(1)
		w.cfg.Store.RemoveAll(rec.Keys())
		log.Info("no sell path for protocol, position left open")
		return
	}
	if err != nil {
		w.fail(log, fmt.Errorf("build sell instruction: %w", err))
		return
	}

	txs, err := w.cfg.Fanout.Build(ctx, ix, rec.Mint, 0, rec.Tag+"_sell")
	if err != nil {
		w.fail(log, fmt.Errorf("build sell transactions: %w", err))
		return
	}

	res, err := w.cfg.Race.Run(ctx, race.Request{
		Txs:        txs,
		DetectedAt: ev.ReceivedAt,
		Tag:        rec.Tag + "_sell",
		Mint:       rec.Mint,
	})
	if err != nil {
		w.fail(log, fmt.Errorf("sell race: %w", err))
		return
	}

	w.consecutive.Store(0)
	w.sold.Add(1)
	removed := w.cfg.Store.RemoveAll(rec.Keys())
	if winner, ok := res.Winner(); ok {
		log = log.WithFields(logrus.Fields{"vendor": winner.Vendor, "sell_signature": winner.Signature.String()})
	}
	log.WithField("removed", removed).Info("sell sent")
}

func (w *Worker) fail(log *logrus.Entry, err error) {
	w.sellFailures.Add(1)
	log.WithError(err).Warn("sell failed")

	if n := w.consecutive.Add(1); int(n) >= w.cfg.MaxConsecutiveErrors {
		w.logger.WithField("consecutive_errors", n).Error("too many consecutive sell failures")
		w.consecutive.Store(0)
	}
}
