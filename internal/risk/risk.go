package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
)

// ErrRejected is wrapped by every Rejection.
var ErrRejected = errors.New("risk check rejected")

// Rejection explains why a trade was refused.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return fmt.Sprintf("%v: %s", ErrRejected, r.Reason) }
func (r *Rejection) Unwrap() error { return ErrRejected }

// Config defines risk management parameters. Zero limits are disabled.
type Config struct {
	// Per-trade cap in lamports
	MaxTradeLamports uint64

	// Rolling 24h cap in lamports
	DailyLimitLamports uint64

	// Mints never traded (e.g. stables, our own tokens)
	IgnoredMints []solana.PublicKey
}

// Manager enforces risk limits. Safe for concurrent use.
type Manager struct {
	config  Config
	ignored map[solana.PublicKey]struct{}
	daily   *DailyLimitTracker
}

func NewManager(config Config) *Manager {
	ignored := make(map[solana.PublicKey]struct{}, len(config.IgnoredMints))
	for _, m := range config.IgnoredMints {
		ignored[m] = struct{}{}
	}
	return &Manager{
		config:  config,
		ignored: ignored,
		daily:   NewDailyLimitTracker(24 * time.Hour),
	}
}

// Check validates a trade of lamports on mint against all rules.
func (m *Manager) Check(mint solana.PublicKey, lamports uint64) error {
	// 1. Ignored mints
	if _, ok := m.ignored[mint]; ok {
		if sym := MintSymbol(mint); sym != "" {
			return &Rejection{Reason: fmt.Sprintf("mint %s (%s) is ignored", mint, sym)}
		}
		return &Rejection{Reason: fmt.Sprintf("mint %s is ignored", mint)}
	}

	// 2. Per-trade limit
	if m.config.MaxTradeLamports > 0 && lamports > m.config.MaxTradeLamports {
		return &Rejection{Reason: fmt.Sprintf("trade of %d lamports exceeds max %d per trade",
			lamports, m.config.MaxTradeLamports)}
	}

	// 3. Daily limit
	if m.config.DailyLimitLamports > 0 {
		used := m.daily.Usage()
		if used+lamports > m.config.DailyLimitLamports {
			return &Rejection{Reason: fmt.Sprintf("daily limit exceeded: used %d + %d > %d lamports",
				used, lamports, m.config.DailyLimitLamports)}
		}
	}

	return nil
}

// Record counts a built trade against the daily limit.
func (m *Manager) Record(lamports uint64) {
	m.daily.Record(lamports)
}

// Status is a point-in-time view for the admin API.
type Status struct {
	MaxTradeLamports   uint64 `json:"max_trade_lamports"`
	DailyLimitLamports uint64 `json:"daily_limit_lamports"`
	DailyUsedLamports  uint64 `json:"daily_used_lamports"`
	Trades24h          int    `json:"trades_24h"`
	IgnoredMints       int    `json:"ignored_mints"`
}

func (m *Manager) Status() Status {
	used, n := m.daily.Snapshot()
	return Status{
		MaxTradeLamports:   m.config.MaxTradeLamports,
		DailyLimitLamports: m.config.DailyLimitLamports,
		DailyUsedLamports:  used,
		Trades24h:          n,
		IgnoredMints:       len(m.ignored),
	}
}

// DailyLimitTracker tracks usage over a rolling window.
type DailyLimitTracker struct {
	mu     sync.Mutex
	window time.Duration
	trades []tradeRecord
	now    func() time.Time
}

type tradeRecord struct {
	timestamp time.Time
	lamports  uint64
}

func NewDailyLimitTracker(window time.Duration) *DailyLimitTracker {
	return &DailyLimitTracker{window: window, now: time.Now}
}

func (t *DailyLimitTracker) Record(lamports uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trades = append(t.trades, tradeRecord{timestamp: t.now(), lamports: lamports})
	t.cleanup()
}

// Usage returns the total inside the window.
func (t *DailyLimitTracker) Usage() uint64 {
	used, _ := t.Snapshot()
	return used
}

func (t *DailyLimitTracker) Snapshot() (uint64, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cleanup()
	var total uint64
	for _, r := range t.trades {
		total += r.lamports
	}
	return total, len(t.trades)
}

// cleanup drops records older than the window. Caller holds mu.
func (t *DailyLimitTracker) cleanup() {
	cutoff := t.now().Add(-t.window)
	i := 0
	for i < len(t.trades) && !t.trades[i].timestamp.After(cutoff) {
		i++
	}
	if i > 0 {
		t.trades = append(t.trades[:0], t.trades[i:]...)
	}
}

// Reset clears all tracked trades.
func (t *DailyLimitTracker) Reset() {
	t.mu.Lock()
	t.trades = nil
	t.mu.Unlock()
}
