package race

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

const defaultSinkBuffer = 256

// AsyncSink hands results to a slow sink (redis, clickhouse) from its own
// goroutine so the race path never waits on it. Results arriving while the
// buffer is full are dropped.
type AsyncSink struct {
	name    string
	next    Sink
	queue   chan *Result
	dropped atomic.Uint64
	logger  *logrus.Logger
}

func NewAsyncSink(name string, next Sink, buffer int, logger *logrus.Logger) *AsyncSink {
	if buffer <= 0 {
		buffer = defaultSinkBuffer
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &AsyncSink{name: name, next: next, queue: make(chan *Result, buffer), logger: logger}
}

func (a *AsyncSink) ObserveRace(_ context.Context, r *Result) {
	select {
	case a.queue <- r:
	default:
		if a.dropped.Add(1)%100 == 1 {
			a.logger.WithFields(logrus.Fields{
				"sink":    a.name,
				"dropped": a.dropped.Load(),
			}).Warn("race sink backlog full, dropping results")
		}
	}
}

func (a *AsyncSink) Dropped() uint64 { return a.dropped.Load() }

// Run forwards results until ctx is done, then drains what is queued.
func (a *AsyncSink) Run(ctx context.Context) error {
	for {
		select {
		case r := <-a.queue:
			a.next.ObserveRace(ctx, r)
		case <-ctx.Done():
			drain := context.WithoutCancel(ctx)
			for {
				select {
				case r := <-a.queue:
					a.next.ObserveRace(drain, r)
				default:
					return ctx.Err()
				}
			}
		}
	}
}

// SinkGroup owns the goroutines of a set of AsyncSinks. Its context is
// independent of the producers so results raised during shutdown are still
// delivered: stop the producers first, then Close.
type SinkGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *logrus.Logger
}

func NewSinkGroup(logger *logrus.Logger) *SinkGroup {
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SinkGroup{ctx: ctx, cancel: cancel, logger: logger}
}

// Async wraps next in an AsyncSink and starts forwarding.
func (g *SinkGroup) Async(name string, next Sink) *AsyncSink {
	s := NewAsyncSink(name, next, 0, g.logger)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := s.Run(g.ctx); err != nil && !errors.Is(err, context.Canceled) {
			g.logger.WithError(err).WithField("sink", name).Error("race sink stopped")
		}
	}()
	return s
}

// Close stops every sink after draining its queue.
func (g *SinkGroup) Close() {
	g.cancel()
	g.wg.Wait()
}
