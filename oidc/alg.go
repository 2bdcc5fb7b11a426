package oidc

import (
	"fmt"
)

// Alg represents asymmetric signing algorithms.
type Alg string

const (
	RS256 Alg = "RS256"
	RS384 Alg = "RS384"
	RS512 Alg = "RS512"
	ES256 Alg = "ES256"
	ES384 Alg = "ES384"
	ES512 Alg = "ES512"
	PS256 Alg = "PS256"
	PS384 Alg = "PS384"
	PS512 Alg = "PS512"
)

var supportedAlgorithms = map[Alg]bool{
	RS256: true,
	RS384: true,
	RS512: true,
	ES256: true,
	ES384: true,
	ES512: true,
	PS256: true,
	PS384: true,
	PS512: true,
}

// DefaultSigningAlgPrefs is the ordered list of id_token signing algorithms
// requested during dynamic client registration when the caller expresses no
// preference.
var DefaultSigningAlgPrefs = []Alg{ES256, RS256}

// NegotiateSigningAlg picks the first of the caller's preferred algorithms
// that the issuer also supports. The issuer's advertised list is mandatory:
// an issuer that omits id_token_signing_alg_values_supported fails with
// ErrConfiguration.
func NegotiateSigningAlg(preferred []Alg, issuerSupported []string) (Alg, error) {
	const op = "oidc.NegotiateSigningAlg"
	if len(issuerSupported) == 0 {
		return "", fmt.Errorf("%s: issuer does not advertise id_token_signing_alg_values_supported: %w", op, ErrConfiguration)
	}
	if len(preferred) == 0 {
		preferred = DefaultSigningAlgPrefs
	}
	for _, p := range preferred {
		if !supportedAlgorithms[p] {
			return "", fmt.Errorf("%s: unsupported algorithm %q: %w", op, p, ErrInvalidParameter)
		}
		for _, s := range issuerSupported {
			if string(p) == s {
				return p, nil
			}
		}
	}
	return "", fmt.Errorf("%s: no common signing algorithm between preferences %v and issuer %v: %w", op, preferred, issuerSupported, ErrConfiguration)
}
