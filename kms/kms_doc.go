// Package kms seals account private keys with pluggable key vault providers.
//
// Every provider implements interfaces.KeyVaultProvider. Sealed blobs are bound
// to an interfaces.EncryptionContext (account, algorithm, address), so a blob
// cannot be opened for a different account or algorithm.
//
// # Providers
//
//   - LocalProvider: in-process AES-256-GCM with per-context keys derived via
//     HKDF from a master key. The master key can be passed directly, derived
//     from a passphrase, or reconstructed from Shamir shares.
//   - TransitProvider: HashiCorp Vault transit engine.
//   - AWSKMSProvider: AWS KMS envelope encryption with a fresh data key per blob.
//
// Providers are created from URIs by ProviderFactory, optionally driven by a
// YAML file (LoadProviderConfig).
//
// # Selection
//
// KeyVaultFactory holds the registered providers. Encryption goes to the
// cheapest provider first and falls back to the remaining ones ordered by
// health and probe latency. Decryption is routed to the provider named in the
// sealed blob. Health probes run concurrently and are bounded by a timeout, so
// a wedged or panicking provider never blocks selection.
//
// # Usage Example
//
//	pf := kms.NewProviderFactory(logger)
//	providers, err := pf.ProvidersFor([]string{
//	    "local://dev?seed=" + seedHex + "&cost=1",
//	    "awskms://alias/ledger?region=eu-west-1&cost=12",
//	})
//	if err != nil {
//	    log.Fatalf("Failed to create providers: %v", err)
//	}
//
//	factory := kms.NewKeyVaultFactory(logger, 0, 0)
//	for _, p := range providers {
//	    factory.Register(p)
//	}
//
//	sealed, err := factory.Encrypt(ctx, privateKey, interfaces.EncryptionContext{
//	    AccountID: account.ID,
//	    Algorithm: interfaces.Dilithium,
//	    Address:   account.Address,
//	})
package kms
