// Package storage persists sealed private keys as content-addressed blobs.
//
// A sealed key (interfaces.SealedKey) is serialized and stored under the
// SHA-256 hash of its bytes; the account key row only keeps that content ID.
// Blobs are only ever ciphertext, so backends never see private material.
//
// # Storage URI Format
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - file:///var/lib/ledger/keys/
//   - s3://bucket-name/prefix/?region=us-west-2&endpoint=...
//
// # Content Types
//
// Content types map to separate namespaces (directories or key prefixes):
//
//	interfaces.SealedKeyType -> sealed-keys/
//	interfaces.AuditType     -> audit/
//
// # Multi-Backend Storage
//
// The MultiStorageBackend aggregates multiple backends for redundancy:
//
//   - Store: stores in all available backends, succeeds if any did
//   - Fetch: tries each backend until content with a matching hash is found
//   - Available: true if any backend is available
//
// # Usage Example
//
//	factory := storage.NewStorageBackendFactory(logger)
//	backend, err := factory.CreateMultiBackend([]interfaces.StorageBackendLocation{
//	    "file:///var/lib/ledger/keys/",
//	    "s3://ledger-keys/prod/?region=eu-west-1",
//	})
//	if err != nil {
//	    log.Fatalf("Failed to create storage: %v", err)
//	}
//
//	blobs := storage.NewSealedKeyBlobs(backend)
//	id, err := blobs.Put(ctx, sealed)
//	...
//	sealed, err = blobs.Get(ctx, id)
package storage
