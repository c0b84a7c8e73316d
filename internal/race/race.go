package race

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/ronaldslwong/copyrust-sub000/internal/fanout"
	"github.com/ronaldslwong/copyrust-sub000/internal/vendor"
	"github.com/sirupsen/logrus"
)

// ErrAllFailed is wrapped by every AggregateError.
var ErrAllFailed = errors.New("all vendors failed")

// ErrUnknownVendor is recorded for a transaction whose vendor is not registered.
var ErrUnknownVendor = errors.New("unknown vendor")

// Outcome is the timed result of one vendor send.
type Outcome struct {
	Vendor    string
	Signature solana.Signature
	Elapsed   time.Duration
	Err       error
}

func (o Outcome) OK() bool { return o.Err == nil }

// Result describes one finished race. Successes are ordered by Elapsed,
// fastest first; Winner is Successes[0] when any vendor succeeded.
type Result struct {
	ID             string
	Tag            string
	Mint           solana.PublicKey
	DetectedAt     time.Time
	StartedAt      time.Time
	WallTime       time.Duration
	SinceDetection time.Duration
	Outcomes       []Outcome // input order
	Successes      []Outcome
	Failures       []Outcome
}

func (r *Result) HasWinner() bool { return len(r.Successes) > 0 }

// Winner returns the fastest successful outcome.
func (r *Result) Winner() (Outcome, bool) {
	if len(r.Successes) == 0 {
		return Outcome{}, false
	}
	return r.Successes[0], true
}

// AggregateError reports a race in which no vendor succeeded.
type AggregateError struct {
	RaceID   string
	Failures []Outcome
}

func (e *AggregateError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Vendor, f.Err))
	}
	return fmt.Sprintf("%v (%d): %s", ErrAllFailed, len(e.Failures), strings.Join(parts, "; "))
}

func (e *AggregateError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	errs = append(errs, ErrAllFailed)
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Sink observes finished races, including those without a winner.
type Sink interface {
	ObserveRace(ctx context.Context, r *Result)
}

type SinkFunc func(ctx context.Context, r *Result)

func (f SinkFunc) ObserveRace(ctx context.Context, r *Result) { f(ctx, r) }

// VendorLookup resolves a vendor name to its sender.
type VendorLookup interface {
	Get(name string) (*vendor.Vendor, bool)
}

type Config struct {
	Vendors VendorLookup
	Sinks   []Sink
	// LogReport logs the performance report at Info after every race.
	LogReport bool
	Logger    *logrus.Logger
}

// Coordinator sends every variant of an opportunity at once and picks the
// fastest acknowledgement. It never cancels the slower sends.
type Coordinator struct {
	vendors VendorLookup
	sinks   []Sink
	report  bool
	logger  *logrus.Logger
	now     func() time.Time
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Vendors == nil {
		return nil, fmt.Errorf("race: vendor lookup is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Coordinator{
		vendors: cfg.Vendors,
		sinks:   cfg.Sinks,
		report:  cfg.LogReport,
		logger:  cfg.Logger,
		now:     time.Now,
	}, nil
}

// AddSink registers an observer. Not safe once races are running.
func (c *Coordinator) AddSink(s Sink) {
	c.sinks = append(c.sinks, s)
}

// Request is one race with optional labels carried into the Result.
type Request struct {
	Txs        []fanout.VendorTx
	DetectedAt time.Time
	Tag        string
	Mint       solana.PublicKey
}

// Race sends txs concurrently and waits for all of them. When no vendor
// succeeds the error is an *AggregateError; the Result is returned either way.
func (c *Coordinator) Race(ctx context.Context, txs []fanout.VendorTx, detectedAt time.Time) (*Result, error) {
	return c.Run(ctx, Request{Txs: txs, DetectedAt: detectedAt})
}

// Run is Race with labels. ctx is handed to each sender unchanged.
func (c *Coordinator) Run(ctx context.Context, req Request) (*Result, error) {
	if len(req.Txs) == 0 {
		return nil, fmt.Errorf("race: no transactions")
	}

	res := &Result{
		ID:         uuid.NewString(),
		Tag:        req.Tag,
		Mint:       req.Mint,
		DetectedAt: req.DetectedAt,
		StartedAt:  c.now(),
		Outcomes:   make([]Outcome, len(req.Txs)),
	}

	var wg sync.WaitGroup
	for i, vt := range req.Txs {
		wg.Add(1)
		go func(i int, vt fanout.VendorTx) {
			defer wg.Done()
			res.Outcomes[i] = c.send(ctx, vt)
		}(i, vt)
	}
	wg.Wait()

	end := c.now()
	res.WallTime = end.Sub(res.StartedAt)
	if req.DetectedAt.IsZero() {
		res.SinceDetection = res.WallTime
	} else {
		res.SinceDetection = end.Sub(req.DetectedAt)
	}

	for _, o := range res.Outcomes {
		if o.OK() {
			res.Successes = append(res.Successes, o)
		} else {
			res.Failures = append(res.Failures, o)
		}
	}
	sort.SliceStable(res.Successes, func(i, j int) bool {
		return res.Successes[i].Elapsed < res.Successes[j].Elapsed
	})

	c.logResult(res)
	for _, s := range c.sinks {
		s.ObserveRace(ctx, res)
	}

	if !res.HasWinner() {
		return res, &AggregateError{RaceID: res.ID, Failures: res.Failures}
	}
	return res, nil
}

func (c *Coordinator) send(ctx context.Context, vt fanout.VendorTx) (out Outcome) {
	out.Vendor = vt.Vendor
	start := time.Now()
	defer func() {
		out.Elapsed = time.Since(start)
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("sender panic: %v", r)
		}
	}()

	v, ok := c.vendors.Get(vt.Vendor)
	if !ok {
		out.Err = fmt.Errorf("%w: %s", ErrUnknownVendor, vt.Vendor)
		return out
	}

	sig, err := v.Sender.Send(ctx, vt.Tx)
	if err != nil {
		out.Err = err
		return out
	}
	if sig.IsZero() {
		sig = vt.Signature()
	}
	out.Signature = sig
	return out
}

func (c *Coordinator) logResult(res *Result) {
	fields := logrus.Fields{
		"race_id":   res.ID,
		"vendors":   len(res.Outcomes),
		"succeeded": len(res.Successes),
		"wall_ms":   ms(res.WallTime),
		"since_ms":  ms(res.SinceDetection),
	}
	if w, ok := res.Winner(); ok {
		fields["winner"] = w.Vendor
		fields["signature"] = w.Signature.String()
		c.logger.WithFields(fields).Info("race won")
	} else {
		c.logger.WithFields(fields).Warn("race lost by every vendor")
	}

	if !c.report {
		return
	}
	c.logger.Info("\n" + Report(res))
	for _, o := range res.Outcomes {
		entry := c.logger.WithFields(logrus.Fields{
			"race_id":    res.ID,
			"vendor":     o.Vendor,
			"elapsed_ms": ms(o.Elapsed),
		})
		if o.OK() {
			entry.WithField("signature", o.Signature.String()).Info("vendor outcome")
		} else {
			entry.WithError(o.Err).Info("vendor outcome")
		}
	}
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
