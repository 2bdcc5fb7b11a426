package oidc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"
)

// TestProvider is a local in-memory OIDC provider that supports the
// capabilities this engine exercises: discovery, JWKS, authorization,
// token exchange (authorization_code and refresh_token grants, Bearer and
// DPoP token types), dynamic client registration and RP-initiated logout.
// It makes writing tests for the engine much easier.
type TestProvider struct {
	httpServer *httptest.Server

	signingKey jwk.Key

	mu                sync.Mutex
	clientID          string
	clientSecret      string
	expectedAuthCode  string
	expectedVerifier  string
	expectedRefresh   string
	replyWebID        string
	omitWebIDClaim    bool
	replySubject      string
	customAudience    string
	overrideTokenType string
	omitIDToken       bool
	brokenExpiresIn   bool
	replyExpiresIn    int64
	replyRefreshToken string
	omitSigningAlgs   bool
	disableEndSession bool
	supportedScopes   []string

	registrationError  string
	tamperRegistration bool

	tokenCalls        int
	registrationCalls int

	t *testing.T
}

// StartTestProvider creates a disposable TestProvider on a random loopback
// port. The server is automatically closed via t.Cleanup.
func StartTestProvider(t *testing.T) *TestProvider {
	t.Helper()
	require := require.New(t)

	raw, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)
	key, err := jwk.FromRaw(raw)
	require.NoError(err)
	require.NoError(key.Set(jwk.KeyIDKey, "test-signing-key"))
	require.NoError(key.Set(jwk.AlgorithmKey, jwa.ES256))

	p := &TestProvider{
		t:                 t,
		signingKey:        key,
		replySubject:      "https://me.example/profile#me",
		replyWebID:        "https://me.example/profile#me",
		replyExpiresIn:    3600,
		replyRefreshToken: "test-refresh-token",
		supportedScopes:   []string{"openid", "webid", "offline_access"},
	}
	p.httpServer = httptest.NewServer(p)
	t.Cleanup(p.httpServer.Close)
	return p
}

// Addr returns the provider's issuer URL.
func (p *TestProvider) Addr() string { return p.httpServer.URL }

// Stop stops the running TestProvider.
func (p *TestProvider) Stop() { p.httpServer.Close() }

// SetClientCreds configures the client credentials the token endpoint will
// accept. Empty values disable the check.
func (p *TestProvider) SetClientCreds(id, secret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientID, p.clientSecret = id, secret
}

// SetExpectedAuthCode configures the only authorization code /token accepts.
func (p *TestProvider) SetExpectedAuthCode(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthCode = code
}

// SetExpectedCodeVerifier configures the PKCE verifier /token requires.
func (p *TestProvider) SetExpectedCodeVerifier(verifier string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedVerifier = verifier
}

// SetExpectedRefreshToken configures the only refresh token /token accepts.
func (p *TestProvider) SetExpectedRefreshToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedRefresh = token
}

// SetReplyWebID configures the webid claim in issued id_tokens.
func (p *TestProvider) SetReplyWebID(webID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyWebID = webID
}

// SetOmitWebIDClaim drops the webid claim from issued id_tokens, forcing
// subject extraction to fall back to sub.
func (p *TestProvider) SetOmitWebIDClaim(omit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitWebIDClaim = omit
}

// SetReplySubject configures the sub claim in issued id_tokens.
func (p *TestProvider) SetReplySubject(sub string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replySubject = sub
}

// SetCustomAudience overrides the aud claim in issued id_tokens.
func (p *TestProvider) SetCustomAudience(aud string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customAudience = aud
}

// SetOverrideTokenType forces the token_type in token responses, regardless
// of whether the request carried a DPoP proof.
func (p *TestProvider) SetOverrideTokenType(tokenType string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overrideTokenType = tokenType
}

// SetOmitIDToken drops the id_token from token responses.
func (p *TestProvider) SetOmitIDToken(omit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIDToken = omit
}

// SetBrokenExpiresIn makes token responses carry a non-numeric expires_in.
func (p *TestProvider) SetBrokenExpiresIn(broken bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.brokenExpiresIn = broken
}

// SetReplyRefreshToken configures the refresh_token in token responses; an
// empty value omits it.
func (p *TestProvider) SetReplyRefreshToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replyRefreshToken = token
}

// SetOmitSigningAlgs drops id_token_signing_alg_values_supported from the
// discovery document.
func (p *TestProvider) SetOmitSigningAlgs(omit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitSigningAlgs = omit
}

// SetDisableEndSession drops end_session_endpoint from the discovery
// document.
func (p *TestProvider) SetDisableEndSession(disable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableEndSession = disable
}

// SetSupportedScopes configures scopes_supported. Dropping "webid" disables
// Solid-OIDC self-asserted client support.
func (p *TestProvider) SetSupportedScopes(scopes []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.supportedScopes = scopes
}

// SetRegistrationError makes the registration endpoint fail with the given
// OAuth error code.
func (p *TestProvider) SetRegistrationError(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registrationError = code
}

// SetTamperRegistration makes the registration endpoint echo back a
// different redirect uri than requested.
func (p *TestProvider) SetTamperRegistration(tamper bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tamperRegistration = tamper
}

// TokenCallCount returns the number of token endpoint requests observed.
func (p *TestProvider) TokenCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenCalls
}

// RegistrationCallCount returns the number of registration endpoint
// requests observed.
func (p *TestProvider) RegistrationCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registrationCalls
}

// SignIDToken signs an id_token with the provider's key, with the given
// issuer/audience/subject and any extra claims. Tests use it to craft
// tokens with mismatched claims.
func (p *TestProvider) SignIDToken(issuer, audience, subject string, extra map[string]interface{}) string {
	p.t.Helper()
	require := require.New(p.t)

	now := time.Now()
	b := jwt.NewBuilder().
		Issuer(issuer).
		Audience([]string{audience}).
		Subject(subject).
		IssuedAt(now).
		Expiration(now.Add(5 * time.Minute))
	for k, v := range extra {
		b = b.Claim(k, v)
	}
	token, err := b.Build()
	require.NoError(err)
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.ES256, p.signingKey))
	require.NoError(err)
	return string(signed)
}

// ServeHTTP implements the provider endpoints.
func (p *TestProvider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.URL.Path {
	case "/.well-known/openid-configuration":
		p.serveDiscovery(w)
	case "/jwks":
		p.serveJWKS(w)
	case "/authorize":
		p.serveAuthorize(w, req)
	case "/token":
		p.serveToken(w, req)
	case "/register":
		p.serveRegister(w, req)
	case "/endsession":
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, req)
	}
}

func (p *TestProvider) serveDiscovery(w http.ResponseWriter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	doc := map[string]interface{}{
		"issuer":                 p.httpServer.URL,
		"authorization_endpoint": p.httpServer.URL + "/authorize",
		"token_endpoint":         p.httpServer.URL + "/token",
		"jwks_uri":               p.httpServer.URL + "/jwks",
		"registration_endpoint":  p.httpServer.URL + "/register",
		"grant_types_supported":  []string{"authorization_code", "refresh_token", "client_credentials"},
		"response_types_supported": []string{"code", "id_token token"},
		"scopes_supported":         p.supportedScopes,
		"subject_types_supported":  []string{"public", "pairwise"},
	}
	if !p.omitSigningAlgs {
		doc["id_token_signing_alg_values_supported"] = []string{"ES256", "RS256"}
	}
	if !p.disableEndSession {
		doc["end_session_endpoint"] = p.httpServer.URL + "/endsession"
	}
	writeTestJSON(w, http.StatusOK, doc)
}

func (p *TestProvider) serveJWKS(w http.ResponseWriter) {
	pub, err := p.signingKey.PublicKey()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	set := jwk.NewSet()
	_ = set.AddKey(pub)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

func (p *TestProvider) serveAuthorize(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	code := p.expectedAuthCode
	p.mu.Unlock()
	if code == "" {
		code = "test-auth-code"
	}
	redirectURI := req.URL.Query().Get("redirect_uri")
	state := req.URL.Query().Get("state")
	if redirectURI == "" {
		http.Error(w, "redirect_uri is required", http.StatusBadRequest)
		return
	}
	u, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	q := u.Query()
	q.Set("code", code)
	q.Set("state", state)
	u.RawQuery = q.Encode()
	http.Redirect(w, req, u.String(), http.StatusFound)
}

func (p *TestProvider) serveToken(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenCalls++

	if err := req.ParseForm(); err != nil {
		writeTestJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	clientID, _, haveBasic := req.BasicAuth()
	if haveBasic {
		clientID, _ = url.QueryUnescape(clientID)
	} else {
		clientID = req.PostFormValue("client_id")
	}
	if p.clientID != "" && clientID != p.clientID {
		writeTestJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	switch req.PostFormValue("grant_type") {
	case "authorization_code":
		if p.expectedAuthCode != "" && req.PostFormValue("code") != p.expectedAuthCode {
			writeTestJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "unexpected authorization code"})
			return
		}
		if p.expectedVerifier != "" && req.PostFormValue("code_verifier") != p.expectedVerifier {
			writeTestJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "pkce verification failed"})
			return
		}
	case "refresh_token":
		if p.expectedRefresh != "" && req.PostFormValue("refresh_token") != p.expectedRefresh {
			writeTestJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "unknown refresh token"})
			return
		}
	default:
		writeTestJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	tokenType := "Bearer"
	if req.Header.Get("DPoP") != "" {
		tokenType = "DPoP"
	}
	if p.overrideTokenType != "" {
		tokenType = p.overrideTokenType
	}

	audience := clientID
	if p.customAudience != "" {
		audience = p.customAudience
	}
	extra := map[string]interface{}{}
	if !p.omitWebIDClaim {
		extra["webid"] = p.replyWebID
	}

	resp := map[string]interface{}{
		"access_token": fmt.Sprintf("test-access-token-%d", p.tokenCalls),
		"token_type":   tokenType,
	}
	if !p.omitIDToken {
		resp["id_token"] = p.SignIDToken(p.httpServer.URL, audience, p.replySubject, extra)
	}
	if p.replyRefreshToken != "" {
		resp["refresh_token"] = p.replyRefreshToken
	}
	if p.brokenExpiresIn {
		resp["expires_in"] = "soon"
	} else if p.replyExpiresIn > 0 {
		resp["expires_in"] = p.replyExpiresIn
	}
	writeTestJSON(w, http.StatusOK, resp)
}

func (p *TestProvider) serveRegister(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registrationCalls++

	if p.registrationError != "" {
		writeTestJSON(w, http.StatusBadRequest, map[string]string{
			"error":             p.registrationError,
			"error_description": "rejected by test provider",
		})
		return
	}

	var reg struct {
		ClientName               string   `json:"client_name"`
		RedirectURIs             []string `json:"redirect_uris"`
		IDTokenSignedResponseAlg string   `json:"id_token_signed_response_alg"`
	}
	if err := json.NewDecoder(req.Body).Decode(&reg); err != nil {
		writeTestJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_client_metadata"})
		return
	}
	redirectURIs := reg.RedirectURIs
	if p.tamperRegistration {
		redirectURIs = []string{"https://evil.example/callback"}
	}
	writeTestJSON(w, http.StatusCreated, map[string]interface{}{
		"client_id":                    "test-registered-client",
		"client_secret":                "test-registered-secret",
		"client_name":                  reg.ClientName,
		"redirect_uris":                redirectURIs,
		"id_token_signed_response_alg": reg.IDTokenSignedResponseAlg,
	})
}

func writeTestJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
