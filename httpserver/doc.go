/*
Package httpserver exposes the key custody core over HTTP.

# API Endpoints

	POST /api/v1/verify                                       verify a signed request envelope
	POST /api/v1/accounts                                     create an account and its keys
	POST /api/v1/accounts/{account_id}/keys/{algorithm}/rotate
	POST /api/v1/keys/{key_id}/custody-check                  unseal a key in memory and match its public key
	GET  /api/v1/substitution-keys?address={address}          list substitution keys
	POST /api/v1/substitution-keys                            issue a substitution key
	POST /api/v1/substitution-keys/rotate
	POST /api/v1/substitution-keys/{key_id}/revoke
	PUT  /api/v1/substitution-keys/{key_id}/expiration
	POST /api/v1/substitution-keys/{key_id}/verify
	GET  /api/v1/stats                                        verification and cache statistics
	GET  /api/v1/vault/status                                 provider health and cost analysis

Verification always answers 200 with a result carrying a stable code such as
OK, REPLAY_ATTACK or SIGNATURE_INVALID. Other endpoints answer with a JSON
object {"error": "..."} and a status derived from the domain error.

# Admin API

When local providers are started locked, the admin API lets whitelisted
administrators submit master key shares:

	GET  /admin/status
	POST /admin/share     {"provider": "<name>", "share": "<base64>"}

Share submissions must carry X-Admin-ID and X-Admin-Signature headers, the
latter an ECDSA P-256 signature over SHA-256(path || body). See SignAdminRequest.

# Health Endpoints

	GET /livez
	GET /readyz
	GET /drain
	GET /undrain
*/
package httpserver
