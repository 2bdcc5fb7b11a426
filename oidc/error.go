package oidc

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrNilParameter      = errors.New("nil parameter")
	ErrNotFound          = errors.New("not found")
	ErrIDGeneratorFailed = errors.New("id generation failed")

	// ErrConfiguration indicates caller or issuer misconfiguration: a
	// missing endpoint, a missing required discovery field, malformed login
	// options. Never retried; surfaced immediately.
	ErrConfiguration = errors.New("configuration error")

	// ErrInvalidResponse indicates a malformed token-endpoint or
	// registration response (missing or malformed required field). Never
	// retried; it indicates a non-conformant or compromised endpoint.
	ErrInvalidResponse = errors.New("invalid endpoint response")

	// ErrTokenVerification indicates an id_token that failed signature,
	// issuer, audience or subject-claim checks. Always fatal; never
	// downgraded to an anonymous session.
	ErrTokenVerification = errors.New("id_token verification failed")

	// ErrTokenTypeMismatch indicates the token endpoint returned a
	// different token_type than the one requested.
	ErrTokenTypeMismatch = errors.New("token type mismatch")

	// ErrInvalidRedirectURI indicates the provider rejected (or tampered
	// with) the registration redirect URI.
	ErrInvalidRedirectURI = errors.New("invalid redirect uri")

	// ErrInvalidClientMetadata indicates the provider rejected the dynamic
	// registration metadata.
	ErrInvalidClientMetadata = errors.New("invalid client metadata")

	ErrUnsupportedChallengeMethod = errors.New("unsupported challenge method")
	ErrInvalidCACert              = errors.New("invalid CA certificate")
)

// ProviderError is a well-formed OAuth error response from the provider
// (RFC 6749 §5.2). The provider's own code and description are preserved
// verbatim for the caller to branch on.
type ProviderError struct {
	// Code is the OAuth "error" value.
	Code string `json:"error"`

	// Description is the optional "error_description" value.
	Description string `json:"error_description,omitempty"`

	// URI is the optional "error_uri" value.
	URI string `json:"error_uri,omitempty"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}
