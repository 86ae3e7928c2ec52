package interfaces

import (
	"context"
	"errors"
	"time"
)

// EncryptionContext tags a protected private key for audit. Providers that
// support it bind the tags to the ciphertext so that a blob cannot be
// decrypted under a different account or algorithm.
type EncryptionContext struct {
	AccountID string
	Algorithm Algorithm
	Address   string
	Provider  string
}

// Map renders the context as string tags, the form cloud KMS APIs expect.
func (ec EncryptionContext) Map() map[string]string {
	return map[string]string{
		"account_id": ec.AccountID,
		"algorithm":  ec.Algorithm.String(),
		"address":    ec.Address,
		"provider":   ec.Provider,
	}
}

// AAD returns the context as additional authenticated data. The provider
// name is not bound; it is a selection tag, not part of the key identity.
func (ec EncryptionContext) AAD() []byte {
	return []byte(ec.AccountID + "|" + ec.Algorithm.String() + "|" + ec.Address)
}

// SealedKey is a provider-protected private key.
type SealedKey struct {
	Provider   string `json:"provider"`
	KeyRef     string `json:"key_ref,omitempty"`
	WrappedKey []byte `json:"wrapped_key,omitempty"`
	Ciphertext []byte `json:"ciphertext"`
}

// ProviderHealth is the outcome of a single health probe.
type ProviderHealth struct {
	Provider     string        `json:"provider"`
	Healthy      bool          `json:"healthy"`
	ResponseTime time.Duration `json:"response_time"`
	Error        string        `json:"error,omitempty"`
	CheckedAt    time.Time     `json:"checked_at"`
}

// ProviderCost is a single line of a cost analysis.
type ProviderCost struct {
	Provider    string  `json:"provider"`
	MonthlyCost float64 `json:"monthly_cost"`
}

// CostAnalysis compares the declared monthly costs of registered providers.
type CostAnalysis struct {
	Providers      []ProviderCost `json:"providers"`
	Optimal        string         `json:"optimal"`
	MonthlySavings float64        `json:"monthly_savings"`
}

// KeyVaultProvider protects private key material at rest.
type KeyVaultProvider interface {
	// Name is the unique provider name recorded alongside sealed keys.
	Name() string

	// MonthlyCost is the declared relative monthly cost used for selection.
	MonthlyCost() float64

	// Encrypt seals plaintext under the given context.
	Encrypt(ctx context.Context, plaintext []byte, ec EncryptionContext) (SealedKey, error)

	// Decrypt opens a key sealed by this provider under the same context.
	Decrypt(ctx context.Context, sealed SealedKey, ec EncryptionContext) ([]byte, error)

	// Health probes the provider. Implementations report failures in the
	// returned status rather than panicking.
	Health(ctx context.Context) ProviderHealth
}

var (
	// ErrNoProviders is returned when a factory has no registered providers.
	ErrNoProviders = errors.New("no key vault providers registered")

	// ErrProviderNotFound is returned when a sealed key names an unknown provider.
	ErrProviderNotFound = errors.New("key vault provider not found")

	// ErrAllProvidersFailed is returned when every provider failed to encrypt.
	ErrAllProvidersFailed = errors.New("all key vault providers failed")

	// ErrUnsupportedProvider is returned for an unknown provider URI scheme.
	ErrUnsupportedProvider = errors.New("unsupported key vault provider")
)
