package authz

import "errors"

var (
	// ErrUnauthenticated means no valid session token was presented. The
	// caller restarts the login flow.
	ErrUnauthenticated = errors.New("authz: unauthenticated")

	// ErrAuthorizationDenied means the caller's role fails the gate for the
	// route. Row-level filtering inside the database never surfaces it; a
	// filtered row reads as "not found" at the API boundary.
	ErrAuthorizationDenied = errors.New("authz: authorization denied")
)
