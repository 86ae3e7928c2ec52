// Package interfaces defines the core types and contracts of the key custody
// system, separating definitions from implementations.
//
// # Domain Types
//
// Account, AccountKey and RegistryEntry describe custodial signing keys and
// their verification-optimized projection. RequestNonce records consumed
// nonces. SubstitutionKeyPair is a client-held delegation key bound to an
// address.
//
// # Key Vault Interfaces
//
// KeyVaultProvider: protects private key material at rest behind a narrow
// encrypt/decrypt/health contract with a declared monthly cost.
//
// # Storage Interfaces
//
// StorageBackend: content-addressed storage for sealed key blobs.
//
// # Persistence Interfaces
//
// Store composes AccountStore, KeyStore, RegistryStore, NonceStore and
// SubstitutionKeyStore. Implementations must make nonce insertion an atomic
// insert-or-fail and key creation an atomic multi-row write.
package interfaces
