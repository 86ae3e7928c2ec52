// Package accounts creates ledger accounts and their custodial keys.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/ruteri/ledger-key-custody/cryptoutils"
	"github.com/ruteri/ledger-key-custody/interfaces"
	"github.com/ruteri/ledger-key-custody/metrics"
	"golang.org/x/sync/errgroup"
)

// DefaultKeyTimeout bounds the creation of a single key, vault and storage
// calls included.
const DefaultKeyTimeout = 30 * time.Second

var (
	// ErrInvalidRequest is returned for account requests rejected before any write.
	ErrInvalidRequest = errors.New("invalid account request")
)

// Store is the persistence the orchestrator writes to.
type Store interface {
	interfaces.AccountStore
	interfaces.KeyStore
}

// KeyVault seals and unseals private keys. kms.KeyVaultFactory implements it.
type KeyVault interface {
	Encrypt(ctx context.Context, plaintext []byte, ec interfaces.EncryptionContext) (interfaces.SealedKey, error)
	Decrypt(ctx context.Context, sealed interfaces.SealedKey, ec interfaces.EncryptionContext) ([]byte, error)
}

// BlobStore keeps sealed private keys. storage.SealedKeyBlobs implements it.
type BlobStore interface {
	Put(ctx context.Context, sealed interfaces.SealedKey) (interfaces.ContentID, error)
	Get(ctx context.Context, id interfaces.ContentID) (interfaces.SealedKey, error)
}

// CacheInvalidator drops cached registry entries. cache.PublicKeyCache implements it.
type CacheInvalidator interface {
	Retire(ctx context.Context, hash string)
	InvalidateAccount(ctx context.Context, accountID string)
}

// SubstitutionIssuer issues substitution keys. substitution.Service implements it.
type SubstitutionIssuer interface {
	Generate(ctx context.Context, address string, expiresAt *time.Time) (interfaces.SubstitutionKeyPair, error)
}

// CreateAccountRequest describes a new account. Empty Algorithms means
// interfaces.DefaultAlgorithms; an empty Address is generated.
type CreateAccountRequest struct {
	OwnerID                  string     `json:"owner_id,omitempty"`
	Address                  string     `json:"address,omitempty"`
	Algorithms               []string   `json:"algorithms,omitempty"`
	GenerateSubstitutionKey  bool       `json:"generate_substitution_key,omitempty"`
	SubstitutionKeyExpiresAt *time.Time `json:"substitution_key_expires_at,omitempty"`
}

// KeyResult is the outcome of creating one algorithm's key.
type KeyResult struct {
	Algorithm interfaces.Algorithm `json:"algorithm"`
	Success   bool                 `json:"success"`
	KeyID     string               `json:"key_id,omitempty"`
	PublicKey []byte               `json:"public_key,omitempty"`
	Provider  string               `json:"provider,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// CreationResult reports a created account. Keys are in request order.
type CreationResult struct {
	Account         interfaces.Account              `json:"account"`
	Keys            []KeyResult                     `json:"keys"`
	SubstitutionKey *interfaces.SubstitutionKeyPair `json:"substitution_key,omitempty"`
}

// Orchestrator creates accounts and rotates their keys.
type Orchestrator struct {
	store        Store
	vault        KeyVault
	blobs        BlobStore
	cache        CacheInvalidator
	substitution SubstitutionIssuer
	log          *slog.Logger

	KeyTimeout time.Duration
}

// NewOrchestrator wires the orchestrator. cache and substitution may be nil.
func NewOrchestrator(store Store, vault KeyVault, blobs BlobStore, cache CacheInvalidator, substitution SubstitutionIssuer, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:        store,
		vault:        vault,
		blobs:        blobs,
		cache:        cache,
		substitution: substitution,
		log:          log,
		KeyTimeout:   DefaultKeyTimeout,
	}
}

// CreateAccount inserts the account, then creates one key per requested
// algorithm concurrently. Only the account insert is fatal: a failed key is
// reported in its KeyResult and the other keys are still created.
func (o *Orchestrator) CreateAccount(ctx context.Context, req CreateAccountRequest) (CreationResult, error) {
	algs, err := resolveAlgorithms(req.Algorithms)
	if err != nil {
		return CreationResult{}, err
	}

	address := strings.TrimSpace(req.Address)
	if address == "" {
		address, err = generateAddress()
		if err != nil {
			return CreationResult{}, err
		}
	}

	account := interfaces.Account{
		ID:        uuid.NewString(),
		OwnerID:   req.OwnerID,
		Address:   address,
		Status:    interfaces.AccountActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.InsertAccount(ctx, account); err != nil {
		return CreationResult{}, fmt.Errorf("failed to insert account: %w", err)
	}

	o.log.Info("Created account",
		slog.String("account_id", account.ID),
		slog.String("address", account.Address),
		slog.Any("algorithms", algs))

	result := CreationResult{
		Account: account,
		Keys:    make([]KeyResult, len(algs)),
	}

	var g errgroup.Group
	for i, alg := range algs {
		g.Go(func() error {
			result.Keys[i], _ = o.createKey(ctx, account, alg, false)
			return nil
		})
	}
	_ = g.Wait()

	if req.GenerateSubstitutionKey && o.substitution != nil {
		key, err := o.substitution.Generate(ctx, account.Address, req.SubstitutionKeyExpiresAt)
		if err != nil {
			o.log.Error("Failed to generate substitution key",
				slog.String("account_id", account.ID),
				"err", err)
		} else {
			result.SubstitutionKey = &key
		}
	}

	return result, nil
}

// RotateKey replaces the active key of (account, algorithm). The previous
// key and registry entry are retired atomically, the retired hash is
// tombstoned in the cache and the account's cache entries are invalidated.
func (o *Orchestrator) RotateKey(ctx context.Context, accountID string, alg interfaces.Algorithm) (KeyResult, error) {
	if !alg.Valid() {
		return KeyResult{}, fmt.Errorf("%w: %s", interfaces.ErrUnsupportedAlgorithm, alg)
	}

	account, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return KeyResult{}, fmt.Errorf("failed to load account %s: %w", accountID, err)
	}

	res, retired := o.createKey(ctx, account, alg, true)
	if !res.Success {
		return res, fmt.Errorf("failed to rotate %s key: %s", alg, res.Error)
	}

	if o.cache != nil {
		if retired != nil {
			o.cache.Retire(ctx, retired.Hash)
		}
		o.cache.InvalidateAccount(ctx, accountID)
	}
	return res, nil
}

// createKey returns the registry entry retired by a replacement, if any.
func (o *Orchestrator) createKey(ctx context.Context, account interfaces.Account, alg interfaces.Algorithm, replace bool) (KeyResult, *interfaces.RegistryEntry) {
	ctx, cancel := context.WithTimeout(ctx, o.KeyTimeout)
	defer cancel()

	res := KeyResult{Algorithm: alg}
	var retired *interfaces.RegistryEntry
	key, entry, err := o.sealKey(ctx, account, alg)
	if err == nil {
		if replace {
			retired, err = o.store.ReplaceKey(ctx, key, entry)
			if err == nil && retired != nil {
				o.log.Info("Retired account key",
					slog.String("account_id", account.ID),
					slog.String("key_id", retired.KeyID),
					slog.String("algorithm", alg.String()))
			}
		} else {
			err = o.store.InsertKey(ctx, key, entry)
		}
		if err != nil {
			err = fmt.Errorf("failed to persist key: %w", err)
		}
	}

	if err != nil {
		metrics.KeysCreatedTotal.WithLabelValues(alg.String(), "failure").Inc()
		o.log.Error("Failed to create account key",
			slog.String("account_id", account.ID),
			slog.String("algorithm", alg.String()),
			"err", err)
		res.Error = err.Error()
		return res, nil
	}

	metrics.KeysCreatedTotal.WithLabelValues(alg.String(), "success").Inc()
	o.log.Info("Created account key",
		slog.String("account_id", account.ID),
		slog.String("key_id", key.KeyID),
		slog.String("algorithm", alg.String()),
		slog.String("provider", key.Provider))

	res.Success = true
	res.KeyID = key.KeyID
	res.PublicKey = key.PublicKey
	res.Provider = key.Provider
	return res, retired
}

// sealKey generates a key pair, seals the private half and stores the blob.
// The plaintext private key never outlives this call.
func (o *Orchestrator) sealKey(ctx context.Context, account interfaces.Account, alg interfaces.Algorithm) (interfaces.AccountKey, interfaces.RegistryEntry, error) {
	scheme, err := cryptoutils.SchemeFor(alg)
	if err != nil {
		return interfaces.AccountKey{}, interfaces.RegistryEntry{}, err
	}

	pub, priv, err := scheme.GenerateKey()
	if err != nil {
		return interfaces.AccountKey{}, interfaces.RegistryEntry{}, err
	}
	defer cryptoutils.WipeBytes(priv)

	sealed, err := o.vault.Encrypt(ctx, priv, interfaces.EncryptionContext{
		AccountID: account.ID,
		Algorithm: alg,
		Address:   account.Address,
	})
	if err != nil {
		return interfaces.AccountKey{}, interfaces.RegistryEntry{}, fmt.Errorf("failed to seal private key: %w", err)
	}

	ref, err := o.blobs.Put(ctx, sealed)
	if err != nil {
		return interfaces.AccountKey{}, interfaces.RegistryEntry{}, fmt.Errorf("failed to store sealed key: %w", err)
	}

	now := time.Now().UTC()
	key := interfaces.AccountKey{
		KeyID:           uuid.NewString(),
		AccountID:       account.ID,
		Algorithm:       alg,
		PublicKey:       pub,
		EncryptedKeyRef: ref,
		Provider:        sealed.Provider,
		Status:          interfaces.KeyActive,
		CreatedAt:       now,
	}
	entry := interfaces.RegistryEntry{
		AccountID: account.ID,
		Algorithm: alg,
		KeyID:     key.KeyID,
		PublicKey: pub,
		Hash:      cryptoutils.RegistryHash(alg, pub),
		Status:    interfaces.KeyActive,
		CreatedAt: now,
	}
	return key, entry, nil
}

// resolveAlgorithms parses names, drops duplicates and keeps first-seen order.
func resolveAlgorithms(names []string) ([]interfaces.Algorithm, error) {
	if len(names) == 0 {
		return interfaces.DefaultAlgorithms(), nil
	}

	var seen [interfaces.AlgorithmCount]bool
	algs := make([]interfaces.Algorithm, 0, len(names))
	for _, name := range names {
		alg, err := interfaces.ParseAlgorithm(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		if seen[alg] {
			continue
		}
		seen[alg] = true
		algs = append(algs, alg)
	}
	return algs, nil
}

func generateAddress() (string, error) {
	b, err := cryptoutils.RandomBytes(common.AddressLength)
	if err != nil {
		return "", err
	}
	return common.BytesToAddress(b).Hex(), nil
}
