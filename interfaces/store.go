package interfaces

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNonceExists is returned when a (nonce hash, account) pair was already consumed.
	ErrNonceExists = errors.New("nonce already used")

	// ErrDuplicateActiveKey is returned when an insert would create a second
	// active key for an (account, algorithm) pair.
	ErrDuplicateActiveKey = errors.New("active key already exists")

	// ErrAccountExists is returned when an account id or address is already taken.
	ErrAccountExists = errors.New("account already exists")

	// ErrUnsupportedAlgorithm is returned for algorithm names outside the supported set.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
)

// AccountStore persists accounts.
type AccountStore interface {
	InsertAccount(ctx context.Context, account Account) error
	GetAccount(ctx context.Context, accountID string) (Account, error)
}

// KeyStore persists custodial keys together with their registry projection.
type KeyStore interface {
	// InsertKey writes the key and its registry entry atomically. Either both
	// become visible or neither does.
	InsertKey(ctx context.Context, key AccountKey, entry RegistryEntry) error

	// ReplaceKey retires the active key and registry entry for the
	// (account, algorithm) of the new key and inserts the replacement, atomically.
	// It returns the retired registry entry, if there was one.
	ReplaceKey(ctx context.Context, key AccountKey, entry RegistryEntry) (*RegistryEntry, error)

	GetKey(ctx context.Context, keyID string) (AccountKey, error)
	ListKeys(ctx context.Context, accountID string) ([]AccountKey, error)
}

// RegistryStore serves verification lookups.
type RegistryStore interface {
	// GetActiveRegistryEntry returns the active entry for (account, algorithm) or ErrNotFound.
	GetActiveRegistryEntry(ctx context.Context, accountID string, alg Algorithm) (RegistryEntry, error)

	// RecordKeyUsage increments the usage counter of the entry with the given hash.
	RecordKeyUsage(ctx context.Context, hash string, usedAt time.Time) error
}

// NonceStore is the authoritative replay guard.
type NonceStore interface {
	// NonceExists is an advisory lookup. It does not reserve the nonce.
	NonceExists(ctx context.Context, nonceHash, accountID string) (bool, error)

	// InsertNonce atomically inserts the nonce or fails with ErrNonceExists.
	InsertNonce(ctx context.Context, nonce RequestNonce) error

	// DeleteExpiredNonces removes nonces whose expiry is before the cutoff.
	DeleteExpiredNonces(ctx context.Context, before time.Time) (int64, error)
}

// SubstitutionKeyStore persists substitution keys. Keys are never deleted.
type SubstitutionKeyStore interface {
	// ReplaceActiveSubstitutionKey deactivates any active key for the address
	// of the new key and inserts the new key as active, atomically. It returns
	// the ids of deactivated keys.
	ReplaceActiveSubstitutionKey(ctx context.Context, key SubstitutionKeyPair, revokedAt time.Time) ([]string, error)

	GetSubstitutionKey(ctx context.Context, keyID string) (SubstitutionKeyPair, error)
	GetActiveSubstitutionKey(ctx context.Context, address string) (SubstitutionKeyPair, error)
	ListSubstitutionKeys(ctx context.Context, address string) ([]SubstitutionKeyPair, error)

	// DeactivateSubstitutionKey marks the key inactive. Returns false if the
	// key exists but was already inactive.
	DeactivateSubstitutionKey(ctx context.Context, keyID string, revokedAt time.Time) (bool, error)

	UpdateSubstitutionKeyExpiration(ctx context.Context, keyID string, expiresAt time.Time) error
	RecordSubstitutionKeyUsage(ctx context.Context, keyID string, usedAt time.Time) error
}

// Store is the full persistence collaborator.
type Store interface {
	AccountStore
	KeyStore
	RegistryStore
	NonceStore
	SubstitutionKeyStore

	Ping(ctx context.Context) error
	Close()
}
