package interfaces

import (
	"fmt"
	"strings"
	"time"
)

// Algorithm identifies a signature algorithm supported for account keys.
// The set is closed; every consumer that dispatches on it is expected to
// handle all values.
type Algorithm int

const (
	// Dilithium is CRYSTALS-Dilithium (mode 3), a lattice-based post-quantum scheme.
	Dilithium Algorithm = iota
	// Falcon is Falcon-1024, a compact lattice-based post-quantum scheme.
	Falcon
	// EC256 is ECDSA over NIST P-256 with SHA-256, kept for backward compatibility.
	EC256

	// AlgorithmCount is the number of supported algorithms. It must stay last.
	AlgorithmCount
)

var algorithmNames = [AlgorithmCount]string{
	Dilithium: "Dilithium",
	Falcon:    "Falcon",
	EC256:     "EC256",
}

// AllAlgorithms returns every supported algorithm in declaration order.
func AllAlgorithms() []Algorithm {
	algs := make([]Algorithm, 0, AlgorithmCount)
	for a := Algorithm(0); a < AlgorithmCount; a++ {
		algs = append(algs, a)
	}
	return algs
}

// DefaultAlgorithms is the algorithm set used when an account creation request
// does not name any: one post-quantum scheme plus one classical scheme.
func DefaultAlgorithms() []Algorithm {
	return []Algorithm{Dilithium, EC256}
}

// ParseAlgorithm parses an algorithm name case-insensitively.
func ParseAlgorithm(name string) (Algorithm, error) {
	for a, n := range algorithmNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return Algorithm(a), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
}

// Valid reports whether a is one of the supported algorithms.
func (a Algorithm) Valid() bool {
	return a >= 0 && a < AlgorithmCount
}

// String returns the canonical algorithm name.
func (a Algorithm) String() string {
	if !a.Valid() {
		return fmt.Sprintf("Algorithm(%d)", int(a))
	}
	return algorithmNames[a]
}

// MarshalText encodes the algorithm by name.
func (a Algorithm) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedAlgorithm, int(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText decodes an algorithm name.
func (a *Algorithm) UnmarshalText(text []byte) error {
	parsed, err := ParseAlgorithm(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// AccountStatus is the lifecycle state of an account.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
	AccountClosed    AccountStatus = "closed"
)

// KeyStatus is the lifecycle state of an account key and its registry entry.
type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyRetired KeyStatus = "retired"
	KeyRevoked KeyStatus = "revoked"
)

// Account is a ledger account. Its identity never changes after creation.
type Account struct {
	ID        string        `json:"id"`
	OwnerID   string        `json:"owner_id,omitempty"`
	Address   string        `json:"address"`
	Status    AccountStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// AccountKey is a custodial signing key. Only the reference to the sealed
// private key blob is kept; plaintext private material is never persisted.
type AccountKey struct {
	KeyID           string    `json:"key_id"`
	AccountID       string    `json:"account_id"`
	Algorithm       Algorithm `json:"algorithm"`
	PublicKey       []byte    `json:"public_key"`
	EncryptedKeyRef ContentID `json:"encrypted_key_ref"`
	Provider        string    `json:"provider"`
	Status          KeyStatus `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

// RegistryEntry is the verification-optimized projection of an AccountKey.
// Hash is the cache and invalidation key.
type RegistryEntry struct {
	AccountID  string     `json:"account_id"`
	Algorithm  Algorithm  `json:"algorithm"`
	KeyID      string     `json:"key_id"`
	PublicKey  []byte     `json:"public_key"`
	Hash       string     `json:"hash"`
	UsageCount int64      `json:"usage_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	Status     KeyStatus  `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
}

// RequestNonce records a consumed nonce. (NonceHash, AccountID) is unique.
// ExpiresAt only drives housekeeping.
type RequestNonce struct {
	NonceHash  string    `json:"nonce_hash"`
	AccountID  string    `json:"account_id"`
	Nonce      string    `json:"nonce"`
	ReceivedAt time.Time `json:"received_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// SubstitutionKeyPair is a non-custodial delegation key bound to an address.
// PrivateKey is only populated in the value returned at issuance time.
type SubstitutionKeyPair struct {
	KeyID      string     `json:"key_id"`
	PrivateKey []byte     `json:"private_key,omitempty"`
	PublicKey  []byte     `json:"public_key"`
	Address    string     `json:"address"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Active     bool       `json:"active"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	UsageCount int64      `json:"usage_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Expired reports whether the key is past its expiry at the given instant.
func (k SubstitutionKeyPair) Expired(now time.Time) bool {
	return !now.Before(k.ExpiresAt)
}
