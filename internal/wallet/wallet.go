package wallet

import (
	"fmt"
	"sync/atomic"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"
)

type WalletConfig struct {
	PrivateKey    string   // base58 key, JSON array, or path to a keypair .json file
	NonceAccounts []string // durable nonce account pubkeys, authority = wallet
	Logger        *logrus.Logger
}

// Wallet is the single trading key plus its durable nonce accounts.
type Wallet struct {
	priv   solana.PrivateKey
	pub    solana.PublicKey
	nonces []solana.PublicKey
	next   atomic.Uint64
	logger *logrus.Logger
}

func NewWallet(cfg WalletConfig) (*Wallet, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	priv, err := LoadPrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}

	nonces, err := ParsePublicKeys(cfg.NonceAccounts)
	if err != nil {
		return nil, err
	}

	w := FromPrivateKey(priv, nonces...)
	w.logger = cfg.Logger
	w.logger.WithFields(logrus.Fields{
		"address": w.Address(),
		"nonces":  len(nonces),
	}).Info("wallet loaded")
	return w, nil
}

// FromPrivateKey wraps an already parsed key.
func FromPrivateKey(priv solana.PrivateKey, nonces ...solana.PublicKey) *Wallet {
	return &Wallet{
		priv:   priv,
		pub:    priv.PublicKey(),
		nonces: nonces,
		logger: logrus.New(),
	}
}

func (w *Wallet) Address() string             { return w.pub.String() }
func (w *Wallet) PublicKey() solana.PublicKey { return w.pub }

// NextNonceAccount returns the next durable nonce account in round-robin
// order. ok is false when no nonce accounts are configured.
func (w *Wallet) NextNonceAccount() (solana.PublicKey, bool) {
	if len(w.nonces) == 0 {
		return solana.PublicKey{}, false
	}
	i := (w.next.Add(1) - 1) % uint64(len(w.nonces))
	return w.nonces[i], true
}

// NonceAccounts returns the configured nonce accounts.
func (w *Wallet) NonceAccounts() []solana.PublicKey {
	out := make([]solana.PublicKey, len(w.nonces))
	copy(out, w.nonces)
	return out
}

// SignTx signs a transaction with the wallet's private key. Messages that
// require any other signer are rejected.
func (w *Wallet) SignTx(tx *solana.Transaction) error {
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(w.pub) {
			return &w.priv
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}
	return nil
}
