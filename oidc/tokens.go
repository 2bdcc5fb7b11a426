package oidc

import (
	"encoding/json"
	"time"

	"github.com/solidauth/solidoidc/dpop"
)

// TokenType is the OAuth token_type negotiated for an exchange.
type TokenType string

const (
	// TokenTypeDPoP is a key-bound token (RFC 9449). The default.
	TokenTypeDPoP TokenType = "DPoP"

	// TokenTypeBearer is a plain bearer token.
	TokenTypeBearer TokenType = "Bearer"
)

// ClientSecret is a relying party secret.
type ClientSecret string

// RedactedClientSecret is the redacted string or json for an oauth client secret.
const RedactedClientSecret = "[REDACTED: client secret]"

// String will redact the client secret.
func (t ClientSecret) String() string {
	return RedactedClientSecret
}

// MarshalJSON will redact the client secret.
func (t ClientSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedClientSecret)
}

// AccessToken is an oauth access_token.
type AccessToken string

// RedactedAccessToken is the redacted string or json for an oauth access_token.
const RedactedAccessToken = "[REDACTED: access_token]"

// String will redact the token.
func (t AccessToken) String() string {
	return RedactedAccessToken
}

// MarshalJSON will redact the token.
func (t AccessToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedAccessToken)
}

// IdToken is an oidc id_token.
type IdToken string

// RedactedIdToken is the redacted string or json for an oidc id_token.
const RedactedIdToken = "[REDACTED: id_token]"

// String will redact the token.
func (t IdToken) String() string {
	return RedactedIdToken
}

// MarshalJSON will redact the token.
func (t IdToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedIdToken)
}

// RefreshToken is an oauth refresh_token.
type RefreshToken string

// RedactedRefreshToken is the redacted string or json for an oauth refresh_token.
const RedactedRefreshToken = "[REDACTED: refresh_token]"

// String will redact the token.
func (t RefreshToken) String() string {
	return RedactedRefreshToken
}

// MarshalJSON will redact the token.
func (t RefreshToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedRefreshToken)
}

// TokenSet is the verified result of a successful token-endpoint exchange.
// It is produced only by Exchange. DPoPKey is present iff the access token
// is key-bound; it is nil for bearer tokens.
type TokenSet struct {
	AccessToken  AccessToken
	IDToken      IdToken
	RefreshToken RefreshToken
	TokenType    TokenType
	WebID        string
	DPoPKey      *dpop.KeyPair

	// ExpiresIn is the token lifetime reported by the provider; zero when
	// the provider did not report one.
	ExpiresIn time.Duration
}

// ExpirationDate projects ExpiresIn onto an absolute time. The zero time is
// returned when the provider did not report a lifetime.
func (t *TokenSet) ExpirationDate(now time.Time) time.Time {
	if t.ExpiresIn == 0 {
		return time.Time{}
	}
	return now.Add(t.ExpiresIn)
}
