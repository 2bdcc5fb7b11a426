package session

import "errors"

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNilParameter     = errors.New("nil parameter")

	// ErrNoHandlerFound indicates no login flow matched the given options.
	ErrNoHandlerFound = errors.New("no matching flow handler found")

	// ErrNotImplemented indicates the matched flow is recognized but not
	// implemented. It is never silently downgraded to a no-op.
	ErrNotImplemented = errors.New("flow not implemented")

	// ErrNotLoggedIn indicates an operation that requires an authenticated
	// session was invoked on an anonymous one.
	ErrNotLoggedIn = errors.New("session is not logged in")

	// ErrNoPendingLogin indicates a redirect arrived for a session that has
	// no login attempt in flight.
	ErrNoPendingLogin = errors.New("no pending login for session")

	// ErrIssuerMismatch indicates the iss redirect parameter (RFC 9207)
	// names a different issuer than the pending login's.
	ErrIssuerMismatch = errors.New("redirect issuer does not match pending login issuer")

	// ErrIdPLogoutUnavailable indicates IdP-initiated logout was requested
	// but the end-session endpoint or the redirect mechanism is missing.
	// Local logout has already completed when this is returned.
	ErrIdPLogoutUnavailable = errors.New("idp logout unavailable")
)
