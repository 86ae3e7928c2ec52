// Package database implements interfaces.Store.
//
// PostgresStore is the production store. Uniqueness rules are enforced by the
// schema (schema.sql): the (nonce_hash, account_id) primary key makes nonce
// insertion the authoritative replay guard, and partial unique indexes allow
// a single active registry entry per (account, algorithm) and a single active
// substitution key per address.
//
// MemoryStore provides the same semantics in process for tests and
// single-node development.
package database
