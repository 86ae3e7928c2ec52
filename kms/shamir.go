package kms

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/ledger-key-custody/cryptoutils"
)

// SplitMasterKey splits a master key into shares using Shamir's Secret Sharing.
// The shares must be securely distributed to administrators and the original
// master key erased after this function returns.
func SplitMasterKey(masterKey []byte, totalShares, threshold int) ([][]byte, error) {
	if len(masterKey) < cryptoutils.SymmetricKeySize {
		return nil, errors.New("master key must be at least 32 bytes")
	}

	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}

	if totalShares < threshold {
		return nil, errors.New("total shares must be at least equal to threshold")
	}

	shares, err := shamir.Split(masterKey, totalShares, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split master key: %w", err)
	}
	return shares, nil
}

// NewLocalProviderFromShares reconstructs the master key from shares and
// creates an unlocked provider. The shares are wiped.
func NewLocalProviderFromShares(name string, shares [][]byte, cost float64, log *slog.Logger) (*LocalProvider, error) {
	if len(shares) < 2 {
		return nil, errors.New("at least 2 shares are required")
	}

	masterKey, err := shamir.Combine(shares)
	for _, share := range shares {
		cryptoutils.WipeBytes(share)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reconstruct master key: %w", err)
	}
	defer cryptoutils.WipeBytes(masterKey)

	return NewLocalProvider(name, masterKey, cost, log)
}

// NewLockedLocalProvider creates a provider without a master key. It stays
// locked, and unhealthy, until threshold shares have been submitted.
func NewLockedLocalProvider(name string, threshold int, cost float64, log *slog.Logger) (*LocalProvider, error) {
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}

	return &LocalProvider{
		name:           name,
		cost:           cost,
		log:            log,
		threshold:      threshold,
		receivedShares: make(map[byte][]byte),
	}, nil
}

// SubmitShare adds a share. When the threshold is reached the master key is
// reconstructed, the shares are wiped and the provider unlocks.
func (p *LocalProvider) SubmitShare(share []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.masterKey != nil {
		return errors.New("provider is already unlocked")
	}

	// The last byte of a share is its x-coordinate
	if len(share) < 2 {
		return errors.New("invalid share")
	}
	p.receivedShares[share[len(share)-1]] = append([]byte(nil), share...)

	p.log.Info("Received master key share",
		slog.String("provider", p.name),
		slog.Int("received", len(p.receivedShares)),
		slog.Int("threshold", p.threshold))

	return p.tryReconstruct()
}

// tryReconstruct combines the received shares once the threshold is met.
func (p *LocalProvider) tryReconstruct() error {
	if len(p.receivedShares) < p.threshold {
		return nil // Not enough shares yet, but this is not an error
	}

	shares := make([][]byte, 0, len(p.receivedShares))
	for _, share := range p.receivedShares {
		shares = append(shares, share)
	}

	masterKey, err := shamir.Combine(shares)
	if err != nil {
		return fmt.Errorf("failed to reconstruct master key: %w", err)
	}
	if len(masterKey) < cryptoutils.SymmetricKeySize {
		cryptoutils.WipeBytes(masterKey)
		return errors.New("reconstructed master key is too short")
	}

	p.masterKey = masterKey

	// Clear shares from memory
	for i := range p.receivedShares {
		cryptoutils.WipeBytes(p.receivedShares[i])
	}
	p.receivedShares = make(map[byte][]byte)

	p.log.Info("Provider unlocked", slog.String("provider", p.name))
	return nil
}
