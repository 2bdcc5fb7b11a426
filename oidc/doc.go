/*
oidc is a package for the client side of the WebID-OIDC / Solid-OIDC
protocol family: issuer discovery, client registration resolution
(dynamic, static, or Solid-OIDC self-asserted), authorization-code and
refresh-token exchange with optional DPoP key binding, and id_token
verification with WebID subject extraction.

The package is transport-agnostic: every network operation takes a
context and can be pointed at an injected *http.Client via options.

Primary types:

  - IssuerConfig: a provider's discovery document
  - Registrar: resolves and persists the client's registration
  - Exchange: turns an authorization code or refresh token into a
    verified TokenSet
  - Verifier: remote-JWKS-backed id_token verification
  - TestProvider: an httptest-backed in-memory provider for tests
*/
package oidc
