package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/ronaldslwong/copyrust-sub000/internal/affinity"
	"github.com/ronaldslwong/copyrust-sub000/internal/blockhash"
	"github.com/ronaldslwong/copyrust-sub000/internal/correlation"
	"github.com/ronaldslwong/copyrust-sub000/internal/fanout"
	"github.com/ronaldslwong/copyrust-sub000/internal/models"
	"github.com/ronaldslwong/copyrust-sub000/internal/protocol"
	"github.com/ronaldslwong/copyrust-sub000/internal/race"
	"github.com/ronaldslwong/copyrust-sub000/internal/risk"
	"github.com/sirupsen/logrus"
)

var (
	ErrQueueFull = errors.New("dispatch queue is full")
	ErrStopped   = errors.New("dispatch pool is stopped")
	ErrStarted   = errors.New("dispatch pool already started")
)

const (
	defaultWorkers       = 3
	defaultQueueSize     = 1000
	defaultSlowThreshold = 50 * time.Millisecond
)

// Fanout builds the vendor variants of one instruction.
type Fanout interface {
	Build(ctx context.Context, ix solana.Instruction, mint solana.PublicKey, targetQty uint64, tag string) ([]fanout.VendorTx, error)
}

// Racer sends the variants and reports the winner.
type Racer interface {
	Run(ctx context.Context, req race.Request) (*race.Result, error)
}

// SlotSource gives the current slot for stamping sends.
type SlotSource interface {
	Latest() (blockhash.Reference, error)
}

type Config struct {
	Workers   int // default 3
	QueueSize int // default 1000
	// Cores[i] pins worker i; workers beyond the list are not pinned.
	Cores    []int
	Priority affinity.Priority

	Table   *protocol.Table
	Builder protocol.Builder
	Fanout  Fanout
	Store   *correlation.Store
	Race    Racer           // optional: without it opportunities are only stored
	Risk    *risk.Manager   // optional
	Slots   SlotSource      // optional
	// SlowThreshold triggers a warning for a slow pipeline run.
	SlowThreshold time.Duration
	Logger        *logrus.Logger
}

// Counters is a snapshot of the pool's monotonic counters.
type Counters struct {
	Received uint64 `json:"received"`
	Matched  uint64 `json:"matched"`
	Built    uint64 `json:"built"`
	Inserted uint64 `json:"inserted"`
	Skipped  uint64 `json:"skipped"`
	Rejected uint64 `json:"rejected"`
	Errors   uint64 `json:"errors"`
	Panics   uint64 `json:"panics"`
	Dropped  uint64 `json:"dropped"`
	Raced    uint64 `json:"raced"`
	RaceWins uint64 `json:"race_wins"`
	Queued   int    `json:"queued"`
}

// Pool runs detected events through classify, build, fan-out, store and race.
type Pool struct {
	cfg    Config
	logger *logrus.Logger
	queue  chan Event

	mu       sync.RWMutex
	started  bool
	closed   bool
	stopping chan struct{}
	stopOnce sync.Once

	workers sync.WaitGroup
	races   sync.WaitGroup
	raceCtx context.Context

	received atomic.Uint64
	matched  atomic.Uint64
	built    atomic.Uint64
	inserted atomic.Uint64
	skipped  atomic.Uint64
	rejected atomic.Uint64
	errs     atomic.Uint64
	panics   atomic.Uint64
	dropped  atomic.Uint64
	raced    atomic.Uint64
	raceWins atomic.Uint64
}

func NewPool(cfg Config) (*Pool, error) {
	if cfg.Table == nil || cfg.Builder == nil || cfg.Fanout == nil || cfg.Store == nil {
		return nil, fmt.Errorf("dispatch: table, builder, fanout and store are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = defaultSlowThreshold
	}
	if cfg.Priority != 0 && !cfg.Priority.Valid() {
		return nil, fmt.Errorf("dispatch: %w: %d", affinity.ErrInvalidPriority, cfg.Priority)
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Pool{
		cfg:      cfg,
		logger:   cfg.Logger,
		queue:    make(chan Event, cfg.QueueSize),
		stopping: make(chan struct{}),
		raceCtx:  context.Background(),
	}, nil
}

// Start launches the workers. Workers exit when ctx is done or Stop is called.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrStopped
	}
	if p.started {
		return ErrStarted
	}
	p.started = true
	// races outlive the feed context so in-flight sends are not cut off
	p.raceCtx = context.WithoutCancel(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		p.workers.Add(1)
		go p.worker(ctx, i)
	}

	p.logger.WithFields(logrus.Fields{
		"workers":  p.cfg.Workers,
		"queue":    p.cfg.QueueSize,
		"cores":    p.cfg.Cores,
		"priority": int(p.cfg.Priority),
	}).Info("dispatch pool started")
	return nil
}

// Submit enqueues ev without blocking.
func (p *Pool) Submit(ev Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrStopped
	}
	select {
	case p.queue <- ev:
		return nil
	default:
		p.dropped.Add(1)
		return ErrQueueFull
	}
}

// SubmitWait enqueues ev, waiting for room until ctx is done.
func (p *Pool) SubmitWait(ctx context.Context, ev Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrStopped
	}
	select {
	case p.queue <- ev:
		return nil
	case <-p.stopping:
		return ErrStopped
	case <-ctx.Done():
		p.dropped.Add(1)
		return ctx.Err()
	}
}

// Stop closes the queue, waits for the workers to drain it and for every
// in-flight race to finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopping)
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
	})
	p.workers.Wait()
	p.races.Wait()
}

func (p *Pool) Counters() Counters {
	return Counters{
		Received: p.received.Load(),
		Matched:  p.matched.Load(),
		Built:    p.built.Load(),
		Inserted: p.inserted.Load(),
		Skipped:  p.skipped.Load(),
		Rejected: p.rejected.Load(),
		Errors:   p.errs.Load(),
		Panics:   p.panics.Load(),
		Dropped:  p.dropped.Load(),
		Raced:    p.raced.Load(),
		RaceWins: p.raceWins.Load(),
		Queued:   len(p.queue),
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.workers.Done()

	spec := affinity.Spec{Core: -1, Priority: p.cfg.Priority}
	if id < len(p.cfg.Cores) {
		spec.Core = p.cfg.Cores[id]
	}
	if spec.Core >= 0 || spec.Priority != 0 {
		// never unlocked: the thread carries the pinning and exits with us
		runtime.LockOSThread()
		if err := affinity.Apply(spec); err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"worker":   id,
				"core":     spec.Core,
				"priority": int(spec.Priority),
			}).Warn("worker affinity not applied")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.queue:
			if !ok {
				return
			}
			p.process(ctx, id, ev)
		}
	}
}

func (p *Pool) process(ctx context.Context, workerID int, ev Event) {
	start := time.Now()
	p.received.Add(1)

	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.errs.Add(1)
			p.logger.WithFields(logrus.Fields{
				"worker":    workerID,
				"signature": ev.Signature.String(),
				"panic":     fmt.Sprint(r),
			}).Error("panic in dispatch pipeline")
		}
	}()

	for _, ci := range ev.Instructions {
		program, ok := ev.Program(ci)
		if !ok {
			continue
		}
		desc, ok := p.cfg.Table.Classify(program, ci.Data)
		if !ok {
			continue
		}
		p.matched.Add(1)
		p.handle(ctx, ev, ci, desc)
		break
	}

	if elapsed := time.Since(start); elapsed > p.cfg.SlowThreshold {
		p.logger.WithFields(logrus.Fields{
			"worker":     workerID,
			"signature":  ev.Signature.String(),
			"elapsed_ms": elapsed.Milliseconds(),
		}).Warn("slow dispatch pipeline run")
	}
}

func (p *Pool) handle(ctx context.Context, ev Event, ci solana.CompiledInstruction, desc *protocol.Descriptor) {
	log := p.logger.WithFields(logrus.Fields{
		"signature": ev.Signature.String(),
		"protocol":  desc.Name,
	})

	ix, err := ev.Resolve(ci)
	if err != nil {
		p.errs.Add(1)
		log.WithError(err).Warn("failed to resolve instruction")
		return
	}

	build, err := p.cfg.Builder.Build(ctx, protocol.Request{Descriptor: desc, Instruction: ix, DetectionSig: ev.Signature})
	if errors.Is(err, protocol.ErrSkip) {
		p.skipped.Add(1)
		return
	}
	if err != nil {
		p.errs.Add(1)
		log.WithError(err).Warn("protocol build failed")
		return
	}

	if p.cfg.Risk != nil {
		if err := p.cfg.Risk.Check(build.Mint, build.Spend); err != nil {
			p.rejected.Add(1)
			log.WithError(err).Info("opportunity rejected")
			return
		}
	}

	txs, err := p.cfg.Fanout.Build(ctx, build.Instruction, build.Mint, build.TargetQty, desc.Name)
	if err != nil {
		p.errs.Add(1)
		log.WithError(err).Warn("fan-out build failed")
		return
	}
	p.built.Add(1)
	if p.cfg.Risk != nil {
		p.cfg.Risk.Record(build.Spend)
	}

	rec := &correlation.Record{
		Tag:       desc.Name,
		Mint:      build.Mint,
		TargetQty: build.TargetQty,
		VendorTxs: txs,
	}
	if build.Bundle != nil {
		rec.Bundles = map[string]*models.AccountBundle{desc.Name: build.Bundle}
	}

	keys, err := p.cfg.Store.InsertOpportunity(ev.Signature, rec)
	if err != nil {
		p.errs.Add(1)
		log.WithError(err).Error("failed to store opportunity")
		return
	}
	p.inserted.Add(1)

	log.WithFields(logrus.Fields{
		"mint":       build.Mint.String(),
		"target_qty": build.TargetQty,
		"vendors":    len(txs),
		"keys":       len(keys),
		"since_ms":   time.Since(ev.ReceivedAt).Milliseconds(),
	}).Info("opportunity stored")

	if p.cfg.Race == nil {
		return
	}
	p.races.Add(1)
	go p.runRace(ev, desc.Name, build.Mint, keys, txs)
}

func (p *Pool) runRace(ev Event, tag string, mint solana.PublicKey, keys [][]byte, txs []fanout.VendorTx) {
	defer p.races.Done()
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.WithField("panic", fmt.Sprint(r)).Error("panic in race")
		}
	}()

	p.mu.RLock()
	ctx := p.raceCtx
	p.mu.RUnlock()

	res, err := p.cfg.Race.Run(ctx, race.Request{
		Txs:        txs,
		DetectedAt: ev.ReceivedAt,
		Tag:        tag,
		Mint:       mint,
	})
	p.raced.Add(1)
	if err != nil {
		return
	}
	winner, ok := res.Winner()
	if !ok {
		return
	}
	p.raceWins.Add(1)

	slot := ev.Slot
	if p.cfg.Slots != nil {
		if ref, err := p.cfg.Slots.Latest(); err == nil && ref.Slot > 0 {
			slot = ref.Slot
		}
	}
	sentAt := res.StartedAt.Add(winner.Elapsed)

	p.cfg.Store.UpdateAll(keys, func(r *correlation.Record) {
		r.Winner = winner.Vendor
		r.SendSig = winner.Signature
		r.SendSlot = slot
		r.SendTime = sentAt
	})
}
