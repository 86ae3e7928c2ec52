// Package cryptoutils provides the cryptographic primitives of the key custody
// system: signature schemes for account keys, payload canonicalization,
// substitution key signatures and symmetric sealing of private key material.
//
// # Signature Schemes
//
// Every supported algorithm implements Scheme over raw byte encodings:
//
//   - Dilithium: CRYSTALS-Dilithium mode 3 (public 1952 bytes, private 4000 bytes)
//   - Falcon: Falcon-1024 with compressed signatures (public 1793 bytes, private 2305 bytes)
//   - EC256: ECDSA P-256 over SHA-256 (public 65-byte uncompressed point, private 32-byte scalar)
//
// SchemeFor dispatches on interfaces.Algorithm through a table sized by the
// algorithm enum.
//
// # Canonicalization
//
// Signed payloads are JSON. CanonicalizePayload applies RFC 8785 (JCS) so
// that whitespace and key order do not change the bytes that are signed.
//
// # Sealing Format
//
// Seal and Open use AES-256-GCM with caller-supplied associated data:
//
//	[iv (12 bytes)][ciphertext][GCM tag (16 bytes)]
//
// Symmetric keys are derived either with HKDF-SHA256 from a master key
// (DeriveSubkey) or with Argon2id from a passphrase (DeriveKeyFromPassphrase).
//
// # Substitution Keys
//
// Substitution keys are secp256k1 keys. Signatures are 65-byte recoverable
// signatures over the Keccak-256 hash of the signed data, and the recovered
// signer address is reported to callers.
//
// # Usage Example
//
//	scheme, err := cryptoutils.SchemeFor(interfaces.Dilithium)
//	if err != nil {
//	    return err
//	}
//	pub, priv, err := scheme.GenerateKey()
//	if err != nil {
//	    return err
//	}
//	defer cryptoutils.WipeBytes(priv)
//
//	msg, _ := cryptoutils.CanonicalizePayload(payload)
//	sig, _ := scheme.Sign(priv, msg)
//	err = scheme.Verify(pub, msg, sig)
package cryptoutils
