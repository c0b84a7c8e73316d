package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/ronaldslwong/copyrust-sub000/internal/landing"
	"github.com/ronaldslwong/copyrust-sub000/internal/rpc"
	"github.com/sirupsen/logrus"
)

const (
	defaultPollInterval = time.Second
	defaultPollLimit    = 50
)

// SignatureSource is the getSignaturesForAddress subset of the rpc client.
type SignatureSource interface {
	GetSignaturesForAddress(ctx context.Context, address string, opts map[string]interface{}) (*rpc.SignaturesResponse, error)
}

type PollerConfig struct {
	Client       SignatureSource
	Address      solana.PublicKey // our wallet
	PollInterval time.Duration
	Limit        int
	Commitment   string // default "confirmed"
	OnLanded     func(landing.Event)
	Logger       *logrus.Logger
}

// SignaturePoller is the fallback landing feed: it polls the wallet's
// signature history and reports every new successful signature.
type SignaturePoller struct {
	cfg    PollerConfig
	logger *logrus.Logger

	mu            sync.Mutex
	lastSignature string
	primed        bool
	running       bool
}

func NewSignaturePoller(cfg PollerConfig) (*SignaturePoller, error) {
	if cfg.Client == nil || cfg.OnLanded == nil {
		return nil, fmt.Errorf("signature poller: client and handler are required")
	}
	if cfg.Address.IsZero() {
		return nil, fmt.Errorf("signature poller: address is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultPollLimit
	}
	if cfg.Commitment == "" {
		cfg.Commitment = "confirmed"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &SignaturePoller{cfg: cfg, logger: cfg.Logger}, nil
}

// Run polls until ctx is done.
func (p *SignaturePoller) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("poller already running")
	}
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.logger.WithFields(logrus.Fields{
		"interval": p.cfg.PollInterval,
		"address":  p.cfg.Address.String(),
	}).Info("starting signature polling")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.Poll(ctx); err != nil {
				p.logger.WithError(err).Error("poll error")
			}
		}
	}
}

// Poll fetches signatures newer than the last seen one and reports them
// oldest first. The first poll only records the head of the history.
func (p *SignaturePoller) Poll(ctx context.Context) (int, error) {
	opts := map[string]interface{}{
		"limit":      p.cfg.Limit,
		"commitment": p.cfg.Commitment,
	}

	p.mu.Lock()
	lastSig, primed := p.lastSignature, p.primed
	p.mu.Unlock()
	if lastSig != "" {
		opts["until"] = lastSig
	}

	resp, err := p.cfg.Client.GetSignaturesForAddress(ctx, p.cfg.Address.String(), opts)
	if err != nil {
		return 0, fmt.Errorf("failed to get signatures: %w", err)
	}

	p.mu.Lock()
	p.primed = true
	if len(resp.Result) > 0 {
		p.lastSignature = resp.Result[0].Signature
	}
	p.mu.Unlock()

	if !primed || len(resp.Result) == 0 {
		return 0, nil
	}

	now := time.Now()
	emitted := 0
	for i := len(resp.Result) - 1; i >= 0; i-- {
		info := resp.Result[i]
		if info.Err != nil {
			continue
		}
		sig, err := solana.SignatureFromBase58(info.Signature)
		if err != nil {
			p.logger.WithError(err).WithField("signature", info.Signature).Warn("invalid signature from rpc")
			continue
		}
		p.cfg.OnLanded(landing.Event{Signature: sig, Slot: info.Slot, Feed: "poller", ReceivedAt: now})
		emitted++
	}

	if emitted > 0 {
		p.logger.WithField("count", emitted).Debug("found new signatures")
	}
	return emitted, nil
}
