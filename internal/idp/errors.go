package idp

import "errors"

var (
	// ErrInvalidToken covers missing, malformed and expired session tokens.
	// The caller must restart the login flow.
	ErrInvalidToken = errors.New("idp: invalid token")

	// ErrProviderUnavailable is a transient upstream failure. It is never
	// treated as authenticated and never treated as a permanent denial.
	ErrProviderUnavailable = errors.New("idp: provider unavailable")

	// ErrConflict means the provider already holds a record with the same
	// unique key (e.g. email). Callers use it for idempotent-create.
	ErrConflict = errors.New("idp: conflict")
)
