package flags

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultGateRefresh = 2 * time.Second

// Snapshotter returns all flags at once.
type Snapshotter interface {
	Snapshot(ctx context.Context) (map[string]bool, error)
}

// VendorGate answers "is this vendor enabled" from a cached snapshot so the
// fan-out path never talks to redis. A vendor without a flag is enabled.
type VendorGate struct {
	src      Snapshotter
	interval time.Duration
	logger   *logrus.Logger
	flags    atomic.Pointer[map[string]bool]
}

func NewVendorGate(src Snapshotter, interval time.Duration, logger *logrus.Logger) *VendorGate {
	if interval <= 0 {
		interval = defaultGateRefresh
	}
	if logger == nil {
		logger = logrus.New()
	}
	g := &VendorGate{src: src, interval: interval, logger: logger}
	empty := map[string]bool{}
	g.flags.Store(&empty)
	return g
}

// Enabled matches the func(string) bool filter the fan-out builder takes.
func (g *VendorGate) Enabled(vendor string) bool {
	v, ok := (*g.flags.Load())[VendorKey(vendor)]
	return !ok || v
}

// Disabled lists the vendors switched off in the current snapshot.
func (g *VendorGate) Disabled() []string {
	var out []string
	for k, v := range *g.flags.Load() {
		if v {
			continue
		}
		if name, ok := ParseVendorKey(k); ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Refresh replaces the snapshot. On error the previous one stays.
func (g *VendorGate) Refresh(ctx context.Context) error {
	snap, err := g.src.Snapshot(ctx)
	if err != nil {
		return err
	}
	g.flags.Store(&snap)
	return nil
}

// Run refreshes on the interval until ctx is done.
func (g *VendorGate) Run(ctx context.Context) error {
	if err := g.Refresh(ctx); err != nil {
		g.logger.WithError(err).Warn("vendor flag refresh failed")
	}
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := g.Refresh(ctx); err != nil {
				g.logger.WithError(err).Warn("vendor flag refresh failed")
			}
		}
	}
}
