// Package main (cmd/httpserver) runs the ledger key custody server.
//
// The server exposes account creation, custodial key rotation, signed
// request verification and substitution key management over HTTP. Keys are
// sealed by the configured key vault providers and stored as content-addressed
// blobs; account metadata, the public key registry and the nonce log live in
// PostgreSQL (or in memory when no database is configured). Public keys are
// cached in Redis or in process.
//
// Providers are given either as URIs with --vault-provider or in a YAML file
// with --vault-config. A provider declared as local://name?threshold=N starts
// locked: the server then mounts the /admin API and waits up to
// --unlock-timeout for administrators listed in --admin-keys-file to submit
// enough master key shares.
//
// Example usage:
//
//	custody-server --listen-addr=0.0.0.0:8080 \
//	    --database-url=postgres://custody@localhost/custody \
//	    --redis-url=redis://localhost:6379/0 \
//	    --vault-provider=local://dev?seed=<hex> \
//	    --storage=file:///var/lib/ledger-key-custody/blobs
package main
