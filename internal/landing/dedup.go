package landing

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gagliardetto/solana-go"
)

const (
	defaultDedupTTL = 30 * time.Second
	defaultDedupMax = 5000
	dedupShardCount = 16
	dedupShardMask  = dedupShardCount - 1
)

type dedupShard struct {
	mu   sync.Mutex
	seen map[solana.Signature]time.Time
}

// Dedup remembers signatures seen on any feed so one landing reported by
// several feeds is handled once.
type Dedup struct {
	ttl    time.Duration
	max    int
	now    func() time.Time
	shards [dedupShardCount]dedupShard
}

func NewDedup(ttl time.Duration, max int, now func() time.Time) *Dedup {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	if max <= 0 {
		max = defaultDedupMax
	}
	if now == nil {
		now = time.Now
	}
	d := &Dedup{ttl: ttl, max: max, now: now}
	for i := range d.shards {
		d.shards[i].seen = make(map[solana.Signature]time.Time)
	}
	return d
}

func (d *Dedup) shard(sig solana.Signature) *dedupShard {
	return &d.shards[xxhash.Sum64(sig[:])&dedupShardMask]
}

// Seen records sig and reports whether it was already present and fresh.
func (d *Dedup) Seen(sig solana.Signature) bool {
	now := d.now()
	s := d.shard(sig)
	s.mu.Lock()
	defer s.mu.Unlock()
	if at, ok := s.seen[sig]; ok && now.Sub(at) <= d.ttl {
		return true
	}
	s.seen[sig] = now
	return false
}

func (d *Dedup) Len() int {
	n := 0
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.Lock()
		n += len(s.seen)
		s.mu.Unlock()
	}
	return n
}

// Cleanup drops expired entries. Above the size ceiling everything is
// dropped and cleared is true.
func (d *Dedup) Cleanup() (removed int, cleared bool) {
	now := d.now()
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.Lock()
		for sig, at := range s.seen {
			if now.Sub(at) > d.ttl {
				delete(s.seen, sig)
				removed++
			}
		}
		s.mu.Unlock()
	}

	if d.Len() <= d.max {
		return removed, false
	}
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.Lock()
		removed += len(s.seen)
		s.seen = make(map[solana.Signature]time.Time)
		s.mu.Unlock()
	}
	return removed, true
}
