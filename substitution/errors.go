package substitution

import "errors"

var (
	ErrSubstitutionKeyNotFound = errors.New("substitution key not found")
	ErrSubstitutionKeyInactive = errors.New("substitution key is not active")
	ErrSubstitutionKeyExpired  = errors.New("substitution key has expired")
	ErrAddressMismatch         = errors.New("substitution key is not linked to this address")
	ErrInvalidExpiration       = errors.New("expiration must be in the future")
	ErrInvalidAddress          = errors.New("address is required")
)
