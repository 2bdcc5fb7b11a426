package oidc

import (
	"fmt"

	"golang.org/x/oauth2"
)

// ChallengeMethod represents PKCE code challenge methods.
type ChallengeMethod string

// S256 is the only supported PKCE challenge method (SHA-256).
const S256 ChallengeMethod = "S256"

// CodeVerifier represents an RFC 7636 PKCE code verifier and its derived
// challenge, used by the authorization-code flow to mitigate code
// interception.
type CodeVerifier struct {
	verifier  string
	challenge string
	method    ChallengeMethod
}

// NewCodeVerifier creates a verifier with a fresh random value and an S256
// challenge.
func NewCodeVerifier() (*CodeVerifier, error) {
	const op = "oidc.NewCodeVerifier"
	v := oauth2.GenerateVerifier()
	challenge, err := CreateCodeChallenge(S256, v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &CodeVerifier{
		verifier:  v,
		challenge: challenge,
		method:    S256,
	}, nil
}

// CreateCodeChallenge derives a code challenge from a verifier using the
// given method.
func CreateCodeChallenge(method ChallengeMethod, verifier string) (string, error) {
	const op = "oidc.CreateCodeChallenge"
	if method != S256 {
		return "", fmt.Errorf("%s: %q: %w", op, method, ErrUnsupportedChallengeMethod)
	}
	if verifier == "" {
		return "", fmt.Errorf("%s: verifier is empty: %w", op, ErrInvalidParameter)
	}
	return oauth2.S256ChallengeFromVerifier(verifier), nil
}

// Verifier returns the verifier value sent to the token endpoint.
func (v *CodeVerifier) Verifier() string { return v.verifier }

// Challenge returns the derived challenge sent to the authorization endpoint.
func (v *CodeVerifier) Challenge() string { return v.challenge }

// Method returns the challenge method.
func (v *CodeVerifier) Method() ChallengeMethod { return v.method }
