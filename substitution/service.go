// Package substitution issues and verifies non-custodial delegation keys.
//
// A substitution key is a secp256k1 key pair linked to an account address.
// The private half is returned once, at issuance, and never stored. At most
// one key is active per address; keys are never deleted, only deactivated.
package substitution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/ledger-key-custody/cryptoutils"
	"github.com/ruteri/ledger-key-custody/interfaces"
	"github.com/ruteri/ledger-key-custody/metrics"
)

// DefaultValidity is the lifetime of a key issued without an explicit expiry.
const DefaultValidity = 365 * 24 * time.Hour

// VerificationOutcome is the result of VerifyRequest.
type VerificationOutcome struct {
	Success              bool   `json:"success"`
	SignatureValid       bool   `json:"signature_valid"`
	AuthorizedForAddress bool   `json:"authorized_for_address"`
	AuthenticatedAddress string `json:"authenticated_address,omitempty"`
	Err                  error  `json:"-"`
}

// Service manages the substitution key lifecycle.
type Service struct {
	store interfaces.SubstitutionKeyStore
	log   *slog.Logger
	now   func() time.Time
}

// NewService creates a substitution key service on top of the store.
func NewService(store interfaces.SubstitutionKeyStore, log *slog.Logger) *Service {
	return &Service{
		store: store,
		log:   log,
		now:   time.Now,
	}
}

// Generate issues a new active key for the address, deactivating any prior
// active key in the same store operation. A nil expiresAt means DefaultValidity.
// The returned pair is the only place the private key ever appears.
func (s *Service) Generate(ctx context.Context, address string, expiresAt *time.Time) (interfaces.SubstitutionKeyPair, error) {
	return s.issue(ctx, "generate", address, expiresAt)
}

// Rotate revokes the active key of the address, if any, and issues a new one
// with the default validity.
func (s *Service) Rotate(ctx context.Context, address string) (interfaces.SubstitutionKeyPair, error) {
	return s.issue(ctx, "rotate", address, nil)
}

func (s *Service) issue(ctx context.Context, op, address string, expiresAt *time.Time) (interfaces.SubstitutionKeyPair, error) {
	key, err := s.newKey(address, expiresAt)
	if err != nil {
		metrics.SubstitutionKeyOpsTotal.WithLabelValues(op, "failure").Inc()
		return interfaces.SubstitutionKeyPair{}, err
	}

	deactivated, err := s.store.ReplaceActiveSubstitutionKey(ctx, key, key.CreatedAt)
	if err != nil {
		cryptoutils.WipeBytes(key.PrivateKey)
		metrics.SubstitutionKeyOpsTotal.WithLabelValues(op, "failure").Inc()
		return interfaces.SubstitutionKeyPair{}, fmt.Errorf("failed to store substitution key: %w", err)
	}

	metrics.SubstitutionKeyOpsTotal.WithLabelValues(op, "success").Inc()
	s.log.Info("Issued substitution key",
		slog.String("operation", op),
		slog.String("key_id", key.KeyID),
		slog.String("address", address),
		slog.Time("expires_at", key.ExpiresAt),
		slog.Any("deactivated", deactivated))

	return key, nil
}

func (s *Service) newKey(address string, expiresAt *time.Time) (interfaces.SubstitutionKeyPair, error) {
	if strings.TrimSpace(address) == "" {
		return interfaces.SubstitutionKeyPair{}, ErrInvalidAddress
	}

	now := s.now().UTC()
	expiry := now.Add(DefaultValidity)
	if expiresAt != nil {
		if !expiresAt.After(now) {
			return interfaces.SubstitutionKeyPair{}, ErrInvalidExpiration
		}
		expiry = expiresAt.UTC()
	}

	pub, priv, err := cryptoutils.GenerateSubstitutionKey()
	if err != nil {
		return interfaces.SubstitutionKeyPair{}, err
	}

	return interfaces.SubstitutionKeyPair{
		KeyID:      uuid.NewString(),
		PrivateKey: priv,
		PublicKey:  pub,
		Address:    address,
		CreatedAt:  now,
		ExpiresAt:  expiry,
		Active:     true,
	}, nil
}

// Revoke deactivates a key. It returns false if the key was already inactive.
func (s *Service) Revoke(ctx context.Context, keyID string) (bool, error) {
	revoked, err := s.store.DeactivateSubstitutionKey(ctx, keyID, s.now().UTC())
	if errors.Is(err, interfaces.ErrNotFound) {
		metrics.SubstitutionKeyOpsTotal.WithLabelValues("revoke", "failure").Inc()
		return false, ErrSubstitutionKeyNotFound
	}
	if err != nil {
		metrics.SubstitutionKeyOpsTotal.WithLabelValues("revoke", "failure").Inc()
		return false, err
	}

	metrics.SubstitutionKeyOpsTotal.WithLabelValues("revoke", "success").Inc()
	if revoked {
		s.log.Info("Revoked substitution key", slog.String("key_id", keyID))
	}
	return revoked, nil
}

// UpdateExpiration moves the expiry of an active key.
func (s *Service) UpdateExpiration(ctx context.Context, keyID string, expiresAt time.Time) (bool, error) {
	if !expiresAt.After(s.now()) {
		return false, ErrInvalidExpiration
	}

	key, err := s.get(ctx, keyID)
	if err != nil {
		return false, err
	}
	if !key.Active {
		return false, ErrSubstitutionKeyInactive
	}

	if err := s.store.UpdateSubstitutionKeyExpiration(ctx, keyID, expiresAt.UTC()); err != nil {
		metrics.SubstitutionKeyOpsTotal.WithLabelValues("update_expiration", "failure").Inc()
		return false, err
	}

	metrics.SubstitutionKeyOpsTotal.WithLabelValues("update_expiration", "success").Inc()
	s.log.Info("Updated substitution key expiration",
		slog.String("key_id", keyID),
		slog.Time("expires_at", expiresAt))
	return true, nil
}

// VerifyAuthorization reports whether the key exists, is active, is not
// expired and is linked to address. Every false comes with the reason.
func (s *Service) VerifyAuthorization(ctx context.Context, keyID, address string) (bool, error) {
	key, err := s.get(ctx, keyID)
	if err != nil {
		return false, err
	}
	if err := s.checkUsable(ctx, key); err != nil {
		return false, err
	}
	if !strings.EqualFold(key.Address, address) {
		return false, ErrAddressMismatch
	}
	return true, nil
}

// VerifyRequest checks a 65-byte secp256k1 signature over data against the
// key and the key's authorization. An empty expectedAddress authorizes the
// key for its own linked address. Usage is recorded only on success.
func (s *Service) VerifyRequest(ctx context.Context, data, signature []byte, keyID, expectedAddress string) VerificationOutcome {
	var outcome VerificationOutcome

	key, err := s.get(ctx, keyID)
	if err != nil {
		outcome.Err = err
		return outcome
	}

	signer, sigErr := cryptoutils.VerifySubstitutionSignature(key.PublicKey, data, signature)
	if sigErr == nil {
		outcome.SignatureValid = true
		outcome.AuthenticatedAddress = signer.Hex()
	}

	authErr := s.checkUsable(ctx, key)
	if authErr == nil && expectedAddress != "" && !strings.EqualFold(key.Address, expectedAddress) {
		authErr = ErrAddressMismatch
	}
	outcome.AuthorizedForAddress = authErr == nil

	switch {
	case sigErr != nil:
		outcome.Err = sigErr
	case authErr != nil:
		outcome.Err = authErr
	default:
		outcome.Success = true
	}

	if !outcome.Success {
		s.log.Warn("Substitution key request rejected",
			slog.String("key_id", keyID),
			slog.Bool("signature_valid", outcome.SignatureValid),
			slog.Bool("authorized", outcome.AuthorizedForAddress),
			"err", outcome.Err)
		return outcome
	}

	if err := s.store.RecordSubstitutionKeyUsage(ctx, keyID, s.now().UTC()); err != nil {
		s.log.Warn("Failed to record substitution key usage", slog.String("key_id", keyID), "err", err)
	}
	return outcome
}

// GetActive returns the active key of the address, without private material.
func (s *Service) GetActive(ctx context.Context, address string) (interfaces.SubstitutionKeyPair, error) {
	key, err := s.store.GetActiveSubstitutionKey(ctx, address)
	if errors.Is(err, interfaces.ErrNotFound) {
		return interfaces.SubstitutionKeyPair{}, ErrSubstitutionKeyNotFound
	}
	if err != nil {
		return interfaces.SubstitutionKeyPair{}, err
	}
	if err := s.checkUsable(ctx, key); err != nil {
		return interfaces.SubstitutionKeyPair{}, err
	}
	return key, nil
}

// List returns every key ever issued for the address, newest first.
func (s *Service) List(ctx context.Context, address string) ([]interfaces.SubstitutionKeyPair, error) {
	return s.store.ListSubstitutionKeys(ctx, address)
}

func (s *Service) get(ctx context.Context, keyID string) (interfaces.SubstitutionKeyPair, error) {
	key, err := s.store.GetSubstitutionKey(ctx, keyID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return interfaces.SubstitutionKeyPair{}, ErrSubstitutionKeyNotFound
	}
	return key, err
}

// checkUsable rejects inactive and expired keys. An active key found past its
// expiry is deactivated.
func (s *Service) checkUsable(ctx context.Context, key interfaces.SubstitutionKeyPair) error {
	if !key.Active {
		return ErrSubstitutionKeyInactive
	}

	now := s.now().UTC()
	if key.Expired(now) {
		if _, err := s.store.DeactivateSubstitutionKey(ctx, key.KeyID, now); err != nil {
			s.log.Warn("Failed to deactivate expired substitution key", slog.String("key_id", key.KeyID), "err", err)
		} else {
			s.log.Info("Deactivated expired substitution key", slog.String("key_id", key.KeyID))
			metrics.SubstitutionKeyOpsTotal.WithLabelValues("expire", "success").Inc()
		}
		return ErrSubstitutionKeyExpired
	}
	return nil
}
