package blockhash

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/ronaldslwong/copyrust-sub000/internal/rpc"
	"github.com/sirupsen/logrus"
)

// ErrNotReady is returned by Latest before the first successful refresh.
var ErrNotReady = errors.New("blockhash cache not ready")

// Fetcher is the subset of the rpc client the cache needs.
type Fetcher interface {
	GetLatestBlockhash(ctx context.Context, commitment string) (solana.Hash, *rpc.BlockhashResult, error)
}

// Reference is one cached block reference.
type Reference struct {
	Hash                 solana.Hash
	LastValidBlockHeight uint64
	Slot                 uint64
	FetchedAt            time.Time
}

// Age reports how old the reference is at now.
func (r Reference) Age(now time.Time) time.Duration { return now.Sub(r.FetchedAt) }

type Config struct {
	Fetcher    Fetcher
	Interval   time.Duration // default 400ms
	Commitment string        // default "processed"
	Timeout    time.Duration // per-fetch timeout, default 2s
	Logger     *logrus.Logger
}

// Cache keeps the latest blockhash. Run is its only writer; Latest is safe
// from any goroutine.
type Cache struct {
	cfg      Config
	current  atomic.Pointer[Reference]
	failures atomic.Uint64
	now      func() time.Time
}

func NewCache(cfg Config) *Cache {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 400 * time.Millisecond
	}
	if cfg.Commitment == "" {
		cfg.Commitment = "processed"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Cache{cfg: cfg, now: time.Now}
}

// Latest returns the cached reference.
func (c *Cache) Latest() (Reference, error) {
	ref := c.current.Load()
	if ref == nil {
		return Reference{}, ErrNotReady
	}
	return *ref, nil
}

// Failures counts refreshes that kept the previous value.
func (c *Cache) Failures() uint64 { return c.failures.Load() }

// Run refreshes immediately and then on every tick until ctx is done.
func (c *Cache) Run(ctx context.Context) error {
	c.refresh(ctx)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.refresh(ctx)
		}
	}
}

// Refresh performs a single fetch. Exposed for startup warm-up and tests.
func (c *Cache) Refresh(ctx context.Context) error {
	fctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	hash, info, err := c.cfg.Fetcher.GetLatestBlockhash(fctx, c.cfg.Commitment)
	if err != nil {
		c.failures.Add(1)
		return err
	}

	ref := &Reference{Hash: hash, FetchedAt: c.now()}
	if info != nil {
		ref.LastValidBlockHeight = info.LastValidBlockHeight
		ref.Slot = info.Slot
	}
	c.current.Store(ref)
	return nil
}

func (c *Cache) refresh(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
		entry := c.cfg.Logger.WithError(err)
		if prev := c.current.Load(); prev != nil {
			entry = entry.WithField("stale_for", c.now().Sub(prev.FetchedAt))
		}
		entry.Warn("blockhash refresh failed, keeping previous value")
	}
}
