package verification

// Code is the stable outcome code of a verification attempt.
type Code string

const (
	CodeOK                   Code = "OK"
	CodeInvalidPayload       Code = "INVALID_PAYLOAD"
	CodeInvalidSignature     Code = "INVALID_SIGNATURE"
	CodeInvalidAccountID     Code = "INVALID_ACCOUNT_ID"
	CodeUnsupportedAlgorithm Code = "UNSUPPORTED_ALGORITHM"
	CodeInvalidNonce         Code = "INVALID_NONCE"
	CodeTimestampOutOfRange  Code = "TIMESTAMP_OUT_OF_RANGE"
	CodeReplayAttack         Code = "REPLAY_ATTACK"
	CodePublicKeyNotFound    Code = "PUBLIC_KEY_NOT_FOUND"
	CodeSignatureInvalid     Code = "SIGNATURE_INVALID"
	CodeVerificationError    Code = "VERIFICATION_ERROR"
)

// failureCodes lists every code a rejected request can carry.
var failureCodes = []Code{
	CodeInvalidPayload,
	CodeInvalidSignature,
	CodeInvalidAccountID,
	CodeUnsupportedAlgorithm,
	CodeInvalidNonce,
	CodeTimestampOutOfRange,
	CodeReplayAttack,
	CodePublicKeyNotFound,
	CodeSignatureInvalid,
	CodeVerificationError,
}

// IsSecurityViolation reports codes that indicate an attack rather than a
// malformed request.
func (c Code) IsSecurityViolation() bool {
	return c == CodeReplayAttack || c == CodeSignatureInvalid
}
