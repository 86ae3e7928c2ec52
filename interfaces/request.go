package interfaces

import (
	"encoding/json"
	"time"
)

// SignatureBlock carries the signer identity and anti-replay fields of a signed request.
// Algorithm is kept as the raw name so unsupported values can be reported precisely.
type SignatureBlock struct {
	AccountID      string    `json:"account_id"`
	Algorithm      string    `json:"algorithm"`
	SignatureValue string    `json:"signature_value"`
	Nonce          string    `json:"nonce"`
	Timestamp      time.Time `json:"timestamp"`
}

// SignedRequest is the envelope handed to the verification engine.
// The signature covers the canonical form of Payload.
type SignedRequest struct {
	Payload   json.RawMessage `json:"payload"`
	Signature *SignatureBlock `json:"signature"`
}
