package correlation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"
)

var (
	ErrNoKeys    = errors.New("correlation: at least one key is required")
	ErrNilRecord = errors.New("correlation: record is nil")
)

const (
	defaultShards        = 64
	defaultTTL           = 10 * time.Second
	defaultPurgeInterval = 5 * time.Second
	defaultMaxEntries    = 100_000
)

type Config struct {
	Shards        int           // rounded up to a power of two
	TTL           time.Duration // default 10s
	PurgeInterval time.Duration // default 5s
	MaxEntries    int           // emergency clear above this, default 100000
	WarnAge       time.Duration // Stats.Stale threshold, default TTL/2
	OnPurge       func(PurgeResult)
	Logger        *logrus.Logger
	Clock         func() time.Time
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*Record
}

// Store maps byte keys to opportunity records. Keys are spread over
// independently locked shards; there is no store-wide lock.
type Store struct {
	shards []shard
	mask   uint64
	cfg    Config
	now    func() time.Time
	logger *logrus.Logger

	purged          atomic.Uint64
	emergencyClears atomic.Uint64
}

func NewStore(cfg Config) *Store {
	if cfg.Shards <= 0 {
		cfg.Shards = defaultShards
	}
	n := 1
	for n < cfg.Shards {
		n <<= 1
	}
	cfg.Shards = n
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = defaultPurgeInterval
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.WarnAge <= 0 {
		cfg.WarnAge = cfg.TTL / 2
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	s := &Store{
		shards: make([]shard, n),
		mask:   uint64(n - 1),
		cfg:    cfg,
		now:    cfg.Clock,
		logger: cfg.Logger,
	}
	for i := range s.shards {
		s.shards[i].m = make(map[string]*Record)
	}
	return s
}

func (s *Store) TTL() time.Duration { return s.cfg.TTL }

func (s *Store) shardIndex(key []byte) int {
	return int(xxhash.Sum64(key) & s.mask)
}

func (s *Store) expired(r *Record, now time.Time) bool {
	return now.Sub(r.CreatedAt) > s.cfg.TTL
}

// Insert stores an independent copy of rec under every key. All involved
// shards are locked in ascending order before any write, so readers see
// either none or all of the keys.
func (s *Store) Insert(keys [][]byte, rec *Record) error {
	if len(keys) == 0 {
		return ErrNoKeys
	}
	if rec == nil {
		return ErrNilRecord
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	idx := make([]int, 0, len(keys))
	seen := make(map[int]struct{}, len(keys))
	for _, k := range keys {
		if len(k) == 0 {
			return fmt.Errorf("correlation: empty key")
		}
		i := s.shardIndex(k)
		if _, ok := seen[i]; !ok {
			seen[i] = struct{}{}
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)

	for _, i := range idx {
		s.shards[i].mu.Lock()
	}
	for _, k := range keys {
		s.shards[s.shardIndex(k)].m[string(k)] = rec.Clone()
	}
	for j := len(idx) - 1; j >= 0; j-- {
		s.shards[idx[j]].mu.Unlock()
	}
	return nil
}

// InsertOpportunity keys rec by the detection signature and every vendor
// transaction signature, and returns those keys.
func (s *Store) InsertOpportunity(detectionSig solana.Signature, rec *Record) ([][]byte, error) {
	if rec == nil {
		return nil, ErrNilRecord
	}
	rec.DetectionSig = detectionSig
	keys := rec.Keys()
	if err := s.Insert(keys, rec); err != nil {
		return nil, err
	}
	return keys, nil
}

// Lookup returns a copy of the record under key. Entries older than the
// TTL are absent even if the purge has not removed them yet.
func (s *Store) Lookup(key []byte) (*Record, bool) {
	sh := &s.shards[s.shardIndex(key)]
	sh.mu.RLock()
	r, ok := sh.m[string(key)]
	if !ok || s.expired(r, s.now()) {
		sh.mu.RUnlock()
		return nil, false
	}
	out := r.Clone()
	sh.mu.RUnlock()
	return out, true
}

func (s *Store) LookupSignature(sig solana.Signature) (*Record, bool) {
	return s.Lookup(sig[:])
}

// Update runs fn on the live record under key while holding its shard
// lock. It reports whether a live record was found.
func (s *Store) Update(key []byte, fn func(*Record)) bool {
	sh := &s.shards[s.shardIndex(key)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	r, ok := sh.m[string(key)]
	if !ok || s.expired(r, s.now()) {
		return false
	}
	fn(r)
	return true
}

// UpdateAll applies fn under every key and returns how many were updated.
func (s *Store) UpdateAll(keys [][]byte, fn func(*Record)) int {
	n := 0
	for _, k := range keys {
		if s.Update(k, fn) {
			n++
		}
	}
	return n
}

func (s *Store) Remove(key []byte) bool {
	sh := &s.shards[s.shardIndex(key)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.m[string(key)]; !ok {
		return false
	}
	delete(sh.m, string(key))
	return true
}

// RemoveAll removes every key and returns how many were present.
func (s *Store) RemoveAll(keys [][]byte) int {
	n := 0
	for _, k := range keys {
		if s.Remove(k) {
			n++
		}
	}
	return n
}

// Len counts entries, expired ones included.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}

type Stats struct {
	Entries         int            `json:"entries"`
	ByTag           map[string]int `json:"by_tag"`
	AvgAge          time.Duration  `json:"avg_age_ns"`
	MaxAge          time.Duration  `json:"max_age_ns"`
	Stale           int            `json:"stale"`
	Purged          uint64         `json:"purged_total"`
	EmergencyClears uint64         `json:"emergency_clears"`
}

func (s *Store) Stats() Stats {
	st := Stats{
		ByTag:           make(map[string]int),
		Purged:          s.purged.Load(),
		EmergencyClears: s.emergencyClears.Load(),
	}
	now := s.now()
	var total time.Duration
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, r := range sh.m {
			age := now.Sub(r.CreatedAt)
			st.Entries++
			st.ByTag[r.Tag]++
			total += age
			if age > st.MaxAge {
				st.MaxAge = age
			}
			if age > s.cfg.WarnAge {
				st.Stale++
			}
		}
		sh.mu.RUnlock()
	}
	if st.Entries > 0 {
		st.AvgAge = total / time.Duration(st.Entries)
	}
	return st
}

type PurgeResult struct {
	Removed   int
	Remaining int
	Emergency bool
	OldestAge time.Duration
}

// Purge runs one cleanup cycle. Above MaxEntries everything is dropped;
// otherwise only entries older than the TTL go.
func (s *Store) Purge() PurgeResult {
	var res PurgeResult

	if size := s.Len(); size > s.cfg.MaxEntries {
		for i := range s.shards {
			sh := &s.shards[i]
			sh.mu.Lock()
			res.Removed += len(sh.m)
			sh.m = make(map[string]*Record)
			sh.mu.Unlock()
		}
		res.Emergency = true
		s.emergencyClears.Add(1)
		s.purged.Add(uint64(res.Removed))
		s.logger.WithFields(logrus.Fields{
			"entries": size,
			"limit":   s.cfg.MaxEntries,
		}).Error("correlation store over capacity, cleared all entries")
		s.notify(res)
		return res
	}

	now := s.now()
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, r := range sh.m {
			age := now.Sub(r.CreatedAt)
			if age <= s.cfg.TTL {
				continue
			}
			delete(sh.m, k)
			res.Removed++
			if age > res.OldestAge {
				res.OldestAge = age
			}
		}
		res.Remaining += len(sh.m)
		sh.mu.Unlock()
	}

	if res.Removed > 0 {
		s.purged.Add(uint64(res.Removed))
		s.logger.WithFields(logrus.Fields{
			"removed":    res.Removed,
			"remaining":  res.Remaining,
			"oldest_age": res.OldestAge.String(),
		}).Info("purged expired correlation entries")
	}
	s.notify(res)
	return res
}

func (s *Store) notify(res PurgeResult) {
	if s.cfg.OnPurge != nil {
		s.cfg.OnPurge(res)
	}
}

// Run purges on every interval until ctx is done.
func (s *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Purge()
		}
	}
}
