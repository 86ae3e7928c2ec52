package kms

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/ledger-key-custody/cryptoutils"
	"github.com/ruteri/ledger-key-custody/interfaces"
)

// ErrProviderLocked is returned when a local provider has no master key yet.
var ErrProviderLocked = errors.New("provider is locked - need more shares to unlock")

const localKeyRef = "hkdf-sha256/aes-256-gcm"

// LocalProvider seals private keys in-process. Per-key encryption keys are
// derived from a master key and the encryption context, so the same master
// key always opens blobs it sealed, even after a restart.
//
// The master key is either given directly, derived from a passphrase, or
// reconstructed from Shamir shares (see shamir.go). Until a master key is
// present the provider is locked and reports itself unhealthy.
type LocalProvider struct {
	name string
	cost float64
	log  *slog.Logger

	mu             sync.RWMutex
	masterKey      []byte         // The master key, stored only in memory
	threshold      int            // Minimum number of shares required to unlock
	receivedShares map[byte][]byte // Shares keyed by their x-coordinate
}

// NewLocalProvider creates a provider with the given master key.
// The master key must be at least 32 bytes long.
func NewLocalProvider(name string, masterKey []byte, cost float64, log *slog.Logger) (*LocalProvider, error) {
	if len(masterKey) < cryptoutils.SymmetricKeySize {
		return nil, errors.New("master key must be at least 32 bytes")
	}

	return &LocalProvider{
		name:      name,
		cost:      cost,
		log:       log,
		masterKey: bytes.Clone(masterKey),
	}, nil
}

// NewLocalProviderFromPassphrase derives the master key from a passphrase with Argon2id.
func NewLocalProviderFromPassphrase(name, passphrase string, salt []byte, cost float64, log *slog.Logger) (*LocalProvider, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	masterKey := cryptoutils.DeriveKeyFromPassphrase([]byte(passphrase), salt)
	defer cryptoutils.WipeBytes(masterKey)
	return NewLocalProvider(name, masterKey, cost, log)
}

func (p *LocalProvider) Name() string         { return p.name }
func (p *LocalProvider) MonthlyCost() float64 { return p.cost }

// IsUnlocked returns whether the master key is available.
func (p *LocalProvider) IsUnlocked() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.masterKey != nil
}

// Encrypt seals plaintext under a key derived for the encryption context.
func (p *LocalProvider) Encrypt(ctx context.Context, plaintext []byte, ec interfaces.EncryptionContext) (interfaces.SealedKey, error) {
	key, err := p.deriveKey(ec)
	if err != nil {
		return interfaces.SealedKey{}, err
	}
	defer cryptoutils.WipeBytes(key)

	ciphertext, err := cryptoutils.Seal(key, plaintext, ec.AAD())
	if err != nil {
		return interfaces.SealedKey{}, fmt.Errorf("failed to seal key: %w", err)
	}

	p.log.Debug("Sealed key locally",
		slog.String("provider", p.name),
		slog.String("account_id", ec.AccountID),
		slog.String("algorithm", ec.Algorithm.String()))

	return interfaces.SealedKey{
		Provider:   p.name,
		KeyRef:     localKeyRef,
		Ciphertext: ciphertext,
	}, nil
}

// Decrypt opens a key sealed by Encrypt under the same context.
func (p *LocalProvider) Decrypt(ctx context.Context, sealed interfaces.SealedKey, ec interfaces.EncryptionContext) ([]byte, error) {
	if sealed.Provider != p.name {
		return nil, fmt.Errorf("%w: sealed by %q, not %q", interfaces.ErrProviderNotFound, sealed.Provider, p.name)
	}

	key, err := p.deriveKey(ec)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.WipeBytes(key)

	return cryptoutils.Open(key, sealed.Ciphertext, ec.AAD())
}

// Health runs a seal/open self-test.
func (p *LocalProvider) Health(ctx context.Context) interfaces.ProviderHealth {
	start := time.Now()
	health := interfaces.ProviderHealth{Provider: p.name}

	probe := interfaces.EncryptionContext{AccountID: "health-probe", Address: p.name}
	sealed, err := p.Encrypt(ctx, []byte("probe"), probe)
	if err == nil {
		_, err = p.Decrypt(ctx, sealed, probe)
	}

	health.ResponseTime = time.Since(start)
	health.CheckedAt = time.Now()
	if err != nil {
		health.Error = err.Error()
		return health
	}
	health.Healthy = true
	return health
}

// deriveKey derives the per-key sealing key from the master key and context.
func (p *LocalProvider) deriveKey(ec interfaces.EncryptionContext) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.masterKey == nil {
		return nil, ErrProviderLocked
	}

	return cryptoutils.DeriveSubkey(p.masterKey, "ledger-key-custody/"+string(ec.AAD()))
}
