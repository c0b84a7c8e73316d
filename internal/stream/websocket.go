package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
	"github.com/ronaldslwong/copyrust-sub000/internal/dispatch"
	"github.com/ronaldslwong/copyrust-sub000/internal/landing"
	"github.com/sirupsen/logrus"
)

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	subscribeTimeout  = 10 * time.Second
)

// ErrNotTransaction marks a websocket message that carries no transaction
// (subscription acks, pings).
var ErrNotTransaction = errors.New("message carries no transaction")

// WSConfig configures a transactionSubscribe feed.
type WSConfig struct {
	URL        string
	Name       string   // feed id in logs and landing events
	Include    []string // accountInclude: tracked programs and wallets
	Commitment string   // default "processed"

	// Wallet is our fee payer. Transactions it signed are reported to
	// OnLanded instead of OnEvent.
	Wallet   solana.PublicKey
	OnEvent  func(dispatch.Event)
	OnLanded func(landing.Event)

	MinBackoff time.Duration
	MaxBackoff time.Duration
	Dialer     *websocket.Dialer
	Logger     *logrus.Logger
}

type FeedStats struct {
	Messages     uint64 `json:"messages"`
	Events       uint64 `json:"events"`
	Landed       uint64 `json:"landed"`
	DecodeErrors uint64 `json:"decode_errors"`
	Reconnects   uint64 `json:"reconnects"`
}

// WSFeed streams full transactions touching the tracked accounts.
type WSFeed struct {
	cfg    WSConfig
	logger *logrus.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	messages     atomic.Uint64
	events       atomic.Uint64
	landed       atomic.Uint64
	decodeErrors atomic.Uint64
	reconnects   atomic.Uint64
}

func NewWSFeed(cfg WSConfig) (*WSFeed, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("websocket feed: url is required")
	}
	if len(cfg.Include) == 0 {
		return nil, fmt.Errorf("websocket feed: nothing to subscribe to")
	}
	if cfg.OnEvent == nil {
		return nil, fmt.Errorf("websocket feed: event handler is required")
	}
	if cfg.Name == "" {
		cfg.Name = "ws"
	}
	if cfg.Commitment == "" {
		cfg.Commitment = "processed"
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &WSFeed{cfg: cfg, logger: cfg.Logger}, nil
}

func (f *WSFeed) Stats() FeedStats {
	return FeedStats{
		Messages:     f.messages.Load(),
		Events:       f.events.Load(),
		Landed:       f.landed.Load(),
		DecodeErrors: f.decodeErrors.Load(),
		Reconnects:   f.reconnects.Load(),
	}
}

// Run keeps the subscription alive until ctx is done, reconnecting with
// exponential backoff.
func (f *WSFeed) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		if f.conn != nil {
			_ = f.conn.Close()
		}
		f.mu.Unlock()
	}()

	backoff := f.cfg.MinBackoff
	for {
		start := time.Now()
		err := f.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// a session that lived a while resets the backoff
		if time.Since(start) > f.cfg.MaxBackoff {
			backoff = f.cfg.MinBackoff
		}
		f.reconnects.Add(1)
		f.logger.WithError(err).WithFields(logrus.Fields{
			"feed":    f.cfg.Name,
			"backoff": backoff,
		}).Warn("websocket feed disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > f.cfg.MaxBackoff {
			backoff = f.cfg.MaxBackoff
		}
	}
}

func (f *WSFeed) session(ctx context.Context) error {
	conn, _, err := f.cfg.Dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
		_ = conn.Close()
	}()

	_ = conn.SetWriteDeadline(time.Now().Add(subscribeTimeout))
	if err := conn.WriteJSON(f.subscribeRequest()); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	f.logger.WithFields(logrus.Fields{
		"feed":     f.cfg.Name,
		"accounts": len(f.cfg.Include),
	}).Info("websocket feed subscribed")

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.messages.Add(1)
		f.handle(msg, time.Now())
	}
}

func (f *WSFeed) subscribeRequest() map[string]interface{} {
	return map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "transactionSubscribe",
		"params": []interface{}{
			map[string]interface{}{
				"accountInclude": f.cfg.Include,
				"failed":         false,
			},
			map[string]interface{}{
				"commitment":                     f.cfg.Commitment,
				"encoding":                       "base64",
				"transactionDetails":             "full",
				"showRewards":                    false,
				"maxSupportedTransactionVersion": 0,
			},
		},
	}
}

func (f *WSFeed) handle(msg []byte, receivedAt time.Time) {
	ev, err := DecodeNotification(msg, receivedAt)
	if errors.Is(err, ErrNotTransaction) {
		return
	}
	if err != nil {
		f.decodeErrors.Add(1)
		f.logger.WithError(err).WithField("feed", f.cfg.Name).Debug("failed to decode notification")
		return
	}

	if f.cfg.OnLanded != nil && !f.cfg.Wallet.IsZero() && len(ev.AccountKeys) > 0 && ev.AccountKeys[0].Equals(f.cfg.Wallet) {
		f.landed.Add(1)
		f.cfg.OnLanded(landing.Event{
			Signature:  ev.Signature,
			Slot:       ev.Slot,
			Feed:       f.cfg.Name,
			ReceivedAt: receivedAt,
		})
		return
	}
	f.events.Add(1)
	f.cfg.OnEvent(ev)
}

type notification struct {
	Method string `json:"method"`
	Params *struct {
		Result *struct {
			Signature   string `json:"signature"`
			Slot        uint64 `json:"slot"`
			Transaction struct {
				Transaction []string `json:"transaction"`
				Meta        *struct {
					Err             interface{} `json:"err"`
					LoadedAddresses *struct {
						Writable []string `json:"writable"`
						Readonly []string `json:"readonly"`
					} `json:"loadedAddresses"`
				} `json:"meta"`
			} `json:"transaction"`
		} `json:"result"`
	} `json:"params"`
}

// DecodeNotification turns a transactionNotification into an Event.
func DecodeNotification(msg []byte, receivedAt time.Time) (dispatch.Event, error) {
	var n notification
	if err := json.Unmarshal(msg, &n); err != nil {
		return dispatch.Event{}, fmt.Errorf("decode notification: %w", err)
	}
	if n.Method != "transactionNotification" || n.Params == nil || n.Params.Result == nil {
		return dispatch.Event{}, ErrNotTransaction
	}
	res := n.Params.Result
	if len(res.Transaction.Transaction) == 0 {
		return dispatch.Event{}, fmt.Errorf("notification without transaction data")
	}

	raw, err := base64.StdEncoding.DecodeString(res.Transaction.Transaction[0])
	if err != nil {
		return dispatch.Event{}, fmt.Errorf("decode transaction base64: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return dispatch.Event{}, fmt.Errorf("decode transaction: %w", err)
	}

	var writable, readonly []solana.PublicKey
	if meta := res.Transaction.Meta; meta != nil && meta.LoadedAddresses != nil {
		if writable, err = parseKeys(meta.LoadedAddresses.Writable); err != nil {
			return dispatch.Event{}, err
		}
		if readonly, err = parseKeys(meta.LoadedAddresses.Readonly); err != nil {
			return dispatch.Event{}, err
		}
	}

	ev := dispatch.EventFromTransaction(tx, res.Slot, writable, readonly, receivedAt)
	if ev.Signature.IsZero() && res.Signature != "" {
		if sig, err := solana.SignatureFromBase58(res.Signature); err == nil {
			ev.Signature = sig
		}
	}
	return ev, nil
}

func parseKeys(in []string) ([]solana.PublicKey, error) {
	out := make([]solana.PublicKey, 0, len(in))
	for _, s := range in {
		pk, err := solana.PublicKeyFromBase58(s)
		if err != nil {
			return nil, fmt.Errorf("invalid loaded address %q: %w", s, err)
		}
		out = append(out, pk)
	}
	return out, nil
}
