// Package session implements the externally visible authentication state
// machine: login, incoming-redirect handling, authenticated requests, token
// refresh and logout, orchestrating the storage, dpop and oidc packages and
// emitting lifecycle events.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/solidauth/solidoidc/dpop"
	"github.com/solidauth/solidoidc/oidc"
	"github.com/solidauth/solidoidc/storage"
)

// Status is the session state machine's current state.
type Status string

const (
	StatusAnonymous        Status = "anonymous"
	StatusLoginPending     Status = "login-pending"
	StatusRedirectHandling Status = "redirect-handling"
	StatusAuthenticated    Status = "authenticated"
	StatusExpired          Status = "expired"
)

// Info is the public view of a session. It never carries token material.
type Info struct {
	SessionID      string
	IsLoggedIn     bool
	WebID          string
	ClientAppID    string
	ExpirationDate time.Time
}

// session document fields. Token and key material live in the secure
// namespace; the public fields in the insecure one.
const (
	fieldIssuer         = "issuer"
	fieldRedirectURL    = "redirectUrl"
	fieldCodeVerifier   = "codeVerifier"
	fieldTokenType      = "tokenType"
	fieldAccessToken    = "accessToken"
	fieldIDToken        = "idToken"
	fieldRefreshToken   = "refreshToken"
	fieldIsLoggedIn     = "isLoggedIn"
	fieldWebID          = "webId"
	fieldClientAppID    = "clientAppId"
	fieldExpirationDate = "expirationDate"
)

// stateKeyPrefix indexes a login state value back to its session id, so the
// redirect handler can recover the session after a full page navigation.
const stateKeyPrefix = "login-state:"

func stateKey(state string) string {
	return stateKeyPrefix + state
}

// LoginOptions carries the caller-supplied inputs to a login attempt. They
// are consumed once and selectively projected into session storage, never
// persisted verbatim.
type LoginOptions struct {
	// OIDCIssuer is the identity provider to log in against.
	OIDCIssuer string

	// RedirectURL is where the provider sends the user back after login.
	RedirectURL string

	// ClientID selects the registration mode: an absolute URL yields a
	// Solid-OIDC self-asserted client, an opaque id plus ClientSecret a
	// static client, and an empty id dynamic registration.
	ClientID     string
	ClientSecret oidc.ClientSecret
	ClientName   string

	// TokenType requests DPoP-bound or Bearer tokens; defaults to DPoP.
	TokenType oidc.TokenType

	// Prompt is passed through to the authorization request ("none" for
	// silent re-authentication).
	Prompt string

	// GrantType hints a specific flow; empty selects by the other fields.
	GrantType string

	// RefreshToken selects the refresh flow directly.
	RefreshToken oidc.RefreshToken
}

// Config carries the required inputs for a Session.
type Config struct {
	// SessionID identifies the session; a fresh random id is generated when
	// empty.
	SessionID string

	// SecureStorage persists token and key material.
	SecureStorage storage.Storage

	// InsecureStorage persists public session info.
	InsecureStorage storage.Storage
}

// Session is the composition root of the engine: it owns one session's state
// and wires the storage utility, DPoP engine, verifier, exchange and
// registrar together. All methods are safe for concurrent use.
type Session struct {
	id string

	store     *storage.Utility
	dpop      *dpop.Engine
	verifier  *oidc.Verifier
	exchange  *oidc.Exchange
	registrar *oidc.Registrar
	configs   *oidc.ConfigCache

	client *http.Client
	logger hclog.Logger
	events *events

	redirectFunc    func(url string) error
	onURLChange     func(url string)
	restorePrevious bool

	group singleflight.Group

	stateMu sync.Mutex
	status  Status
	info    Info
}

// New assembles a Session from its components.
//
// Supported options: WithLogger, WithHTTPClient, WithRedirectFunc,
// WithOnURLChange, WithRestorePreviousSession.
func New(cfg Config, opt ...Option) (*Session, error) {
	const op = "session.New"
	if cfg.SecureStorage == nil {
		return nil, fmt.Errorf("%s: secure storage is nil: %w", op, ErrNilParameter)
	}
	if cfg.InsecureStorage == nil {
		return nil, fmt.Errorf("%s: insecure storage is nil: %w", op, ErrNilParameter)
	}
	opts := getSessionOpts(opt...)

	id := cfg.SessionID
	if id == "" {
		var err error
		id, err = oidc.NewID("sess")
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	store, err := storage.NewUtility(cfg.SecureStorage, cfg.InsecureStorage)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	engine, err := dpop.NewEngine(store, dpop.WithLogger(opts.withLogger))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	verifier := oidc.NewVerifier(oidc.WithHTTPClient(opts.withHTTPClient))
	exchange, err := oidc.NewExchange(verifier,
		oidc.WithHTTPClient(opts.withHTTPClient),
		oidc.WithLogger(opts.withLogger),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	registrar, err := oidc.NewRegistrar(store,
		oidc.WithHTTPClient(opts.withHTTPClient),
		oidc.WithLogger(opts.withLogger),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Session{
		id:              id,
		store:           store,
		dpop:            engine,
		verifier:        verifier,
		exchange:        exchange,
		registrar:       registrar,
		configs:         oidc.NewConfigCache(oidc.WithHTTPClient(opts.withHTTPClient)),
		client:          opts.withHTTPClient,
		logger:          opts.withLogger,
		events:          &events{logger: opts.withLogger},
		redirectFunc:    opts.withRedirectFunc,
		onURLChange:     opts.withOnURLChange,
		restorePrevious: opts.withRestorePreviousSession,
		status:          StatusAnonymous,
		info:            Info{SessionID: id},
	}, nil
}

// ID returns the session id. Redirect handling can switch a session over to
// the id its login was started under, so the id is read under the state lock.
func (s *Session) ID() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.id
}

// Status returns the state machine's current state.
func (s *Session) Status() Status {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.status
}

func (s *Session) setStatus(status Status) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.status = status
}

// Login starts a login attempt. For the authorization-code flow it resolves
// the client registration, persists the pending-login state and returns the
// provider's authorization URL (invoking the configured RedirectFunc when
// set); success ends in the external redirect, so Login only returns an
// error for malformed input or a failed registration. For the refresh flow
// it performs the token refresh directly and returns an empty URL.
func (s *Session) Login(ctx context.Context, opts LoginOptions) (string, error) {
	const op = "Session.Login"
	kind, err := selectFlow(opts)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	switch kind {
	case FlowAuthorizationCode:
		u, err := s.loginAuthorizationCode(ctx, opts)
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		return u, nil
	case FlowRefreshToken:
		token := opts.RefreshToken
		if token == "" {
			id := s.ID()
			stored, err := s.store.GetForSession(ctx, storage.Secure, id, fieldRefreshToken)
			if err != nil {
				return "", fmt.Errorf("%s: no refresh token for session %q: %w", op, id, ErrNotLoggedIn)
			}
			token = oidc.RefreshToken(stored)
		}
		if _, err := s.refreshWith(ctx, token); err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		return "", nil
	default:
		return "", fmt.Errorf("%s: the %s flow is not implemented: %w", op, kind, ErrNotImplemented)
	}
}

func (s *Session) loginAuthorizationCode(ctx context.Context, opts LoginOptions) (string, error) {
	id := s.ID()
	ic, err := s.configs.Get(ctx, opts.OIDCIssuer)
	if err != nil {
		return "", err
	}
	client, err := s.registrar.Resolve(ctx, id, oidc.ClientOptions{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		ClientName:   opts.ClientName,
		RedirectURL:  opts.RedirectURL,
	}, ic)
	if err != nil {
		return "", err
	}

	tokenType := opts.TokenType
	if tokenType == "" {
		tokenType = oidc.TokenTypeDPoP
	}
	if tokenType == oidc.TokenTypeDPoP {
		// generate the key now so it survives the redirect round trip
		if _, err := s.dpop.KeyPairFor(ctx, id); err != nil {
			return "", err
		}
	}

	verifier, err := oidc.NewCodeVerifier()
	if err != nil {
		return "", err
	}
	state, err := oidc.NewID("st")
	if err != nil {
		return "", err
	}

	if err := s.store.SetForSession(ctx, storage.Secure, id, map[string]string{
		fieldIssuer:       ic.Issuer,
		fieldRedirectURL:  opts.RedirectURL,
		fieldCodeVerifier: verifier.Verifier(),
		fieldTokenType:    string(tokenType),
	}); err != nil {
		return "", err
	}
	if err := s.store.SetForSession(ctx, storage.Insecure, id, map[string]string{
		fieldClientAppID: client.ID,
	}); err != nil {
		return "", err
	}
	if err := s.store.Set(ctx, storage.Insecure, stateKey(state), id); err != nil {
		return "", err
	}

	authURL := s.buildAuthURL(ic, client, opts.RedirectURL, state, opts.Prompt, verifier)
	s.setStatus(StatusLoginPending)
	s.logger.Debug("login pending", "session_id", id, "issuer", ic.Issuer, "client_type", client.Type)

	if s.redirectFunc != nil {
		if err := s.redirectFunc(authURL); err != nil {
			return "", fmt.Errorf("redirect to provider failed: %w", err)
		}
	}
	return authURL, nil
}

func (s *Session) buildAuthURL(ic *oidc.IssuerConfig, client *oidc.ClientInfo, redirectURL, state, prompt string, verifier *oidc.CodeVerifier) string {
	scopes := []string{"openid"}
	if ic.SupportsScope("webid") {
		scopes = append(scopes, "webid")
	}
	if ic.SupportsGrantType("refresh_token") {
		scopes = append(scopes, "offline_access")
	}
	oc := oauth2.Config{
		ClientID: client.ID,
		Endpoint: oauth2.Endpoint{
			AuthURL:  ic.AuthorizationEndpoint,
			TokenURL: ic.TokenEndpoint,
		},
		RedirectURL: redirectURL,
		Scopes:      scopes,
	}
	authOpts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier.Verifier())}
	if prompt != "" {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("prompt", prompt))
	}
	return oc.AuthCodeURL(state, authOpts...)
}

// Refresh redeems the session's stored refresh token for a fresh token set,
// re-using the session's DPoP key when the original grant was key-bound.
func (s *Session) Refresh(ctx context.Context) (*Info, error) {
	const op = "Session.Refresh"
	id := s.ID()
	stored, err := s.store.GetForSession(ctx, storage.Secure, id, fieldRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("%s: no refresh token for session %q: %w", op, id, ErrNotLoggedIn)
	}
	info, err := s.refreshWith(ctx, oidc.RefreshToken(stored))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return info, nil
}

func (s *Session) refreshWith(ctx context.Context, token oidc.RefreshToken) (*Info, error) {
	id := s.ID()
	issuer, err := s.store.GetForSession(ctx, storage.Secure, id, fieldIssuer)
	if err != nil {
		return nil, fmt.Errorf("no issuer recorded for session %q: %w", id, ErrNotLoggedIn)
	}
	ic, err := s.configs.Get(ctx, issuer)
	if err != nil {
		return nil, err
	}
	client, err := s.registrar.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	key, err := s.keyForStoredTokenType(ctx, id)
	if err != nil {
		return nil, err
	}

	ts, err := s.exchange.Refresh(ctx, ic, client, token, key)
	if err != nil {
		s.events.emitError(err)
		return nil, err
	}
	info, err := s.persistTokenSet(ctx, id, ts, client.ID)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// keyForStoredTokenType returns the session's DPoP key pair when the stored
// token type is DPoP-bound, nil for bearer sessions.
func (s *Session) keyForStoredTokenType(ctx context.Context, id string) (*dpop.KeyPair, error) {
	tokenType, err := s.store.GetForSession(ctx, storage.Secure, id, fieldTokenType)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if oidc.TokenType(tokenType) == oidc.TokenTypeBearer {
		return nil, nil
	}
	return s.dpop.KeyPairFor(ctx, id)
}

// Do performs an authenticated request: DPoP-bound sessions get a fresh
// proof and a DPoP Authorization header, bearer sessions a Bearer header.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	const op = "Session.Do"
	if req == nil {
		return nil, fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	}
	ctx := req.Context()
	id := s.ID()

	accessToken, err := s.store.GetForSession(ctx, storage.Secure, id, fieldAccessToken)
	if err != nil || accessToken == "" {
		return nil, fmt.Errorf("%s: session %q has no access token: %w", op, id, ErrNotLoggedIn)
	}
	tokenType, err := s.store.GetForSession(ctx, storage.Secure, id, fieldTokenType)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if oidc.TokenType(tokenType) == oidc.TokenTypeBearer {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	} else {
		key, err := s.dpop.KeyPairFor(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if err := dpop.SignRequest(req, key, accessToken); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", op, err)
	}
	return resp, nil
}

// Info returns the session's public info, read from storage. A session whose
// token lifetime has passed is flipped to anonymous with the distinct
// expired signal before returning.
func (s *Session) Info(ctx context.Context) (*Info, error) {
	const op = "Session.Info"
	id := s.ID()
	info := Info{SessionID: id}

	loggedIn, err := s.store.GetForSession(ctx, storage.Insecure, id, fieldIsLoggedIn)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &info, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	info.IsLoggedIn = loggedIn == "true"
	if webID, err := s.store.GetForSession(ctx, storage.Insecure, id, fieldWebID); err == nil {
		info.WebID = webID
	}
	if clientID, err := s.store.GetForSession(ctx, storage.Insecure, id, fieldClientAppID); err == nil {
		info.ClientAppID = clientID
	}
	if raw, err := s.store.GetForSession(ctx, storage.Insecure, id, fieldExpirationDate); err == nil {
		if t, perr := time.Parse(time.RFC3339, raw); perr == nil {
			info.ExpirationDate = t
		}
	}

	if info.IsLoggedIn && !info.ExpirationDate.IsZero() && time.Now().After(info.ExpirationDate) {
		info.IsLoggedIn = false
		if err := s.store.SetForSession(ctx, storage.Insecure, id, map[string]string{fieldIsLoggedIn: "false"}); err != nil {
			s.logger.Warn("unable to record session expiry", "session_id", id, "error", err)
		}
		s.stateMu.Lock()
		s.status = StatusExpired
		s.info = info
		s.stateMu.Unlock()
		s.events.emitExpired()
		s.setStatus(StatusAnonymous)
		return &info, nil
	}

	s.stateMu.Lock()
	s.info = info
	s.stateMu.Unlock()
	return &info, nil
}

// persistTokenSet writes a verified token set to storage and transitions the
// session to authenticated.
func (s *Session) persistTokenSet(ctx context.Context, id string, ts *oidc.TokenSet, clientID string) (Info, error) {
	secureFields := map[string]string{
		fieldAccessToken: string(ts.AccessToken),
		fieldIDToken:     string(ts.IDToken),
		fieldTokenType:   string(ts.TokenType),
	}
	if ts.RefreshToken != "" {
		secureFields[fieldRefreshToken] = string(ts.RefreshToken)
	}
	if err := s.store.SetForSession(ctx, storage.Secure, id, secureFields); err != nil {
		return Info{}, err
	}

	exp := ts.ExpirationDate(time.Now())
	insecureFields := map[string]string{
		fieldIsLoggedIn:  "true",
		fieldWebID:       ts.WebID,
		fieldClientAppID: clientID,
	}
	if !exp.IsZero() {
		insecureFields[fieldExpirationDate] = exp.Format(time.RFC3339)
	}
	if err := s.store.SetForSession(ctx, storage.Insecure, id, insecureFields); err != nil {
		return Info{}, err
	}

	s.stateMu.Lock()
	s.status = StatusAuthenticated
	s.info = Info{
		SessionID:      id,
		IsLoggedIn:     true,
		WebID:          ts.WebID,
		ClientAppID:    clientID,
		ExpirationDate: exp,
	}
	info := s.info
	s.stateMu.Unlock()
	s.logger.Debug("session authenticated", "session_id", id, "web_id", ts.WebID, "token_type", ts.TokenType)
	return info, nil
}

// fail clears any partial session state, leaves the session anonymous and
// emits the error event. A failed login never leaves a half-authenticated
// session behind.
func (s *Session) fail(ctx context.Context, id string, err error) {
	if cerr := s.store.ClearSession(ctx, id); cerr != nil {
		s.logger.Warn("unable to clear session state after failure", "session_id", id, "error", cerr)
	}
	s.stateMu.Lock()
	s.status = StatusAnonymous
	s.info = Info{SessionID: id}
	s.stateMu.Unlock()
	s.events.emitError(err)
}

// sessionOptions is the set of available options for New.
type sessionOptions struct {
	withLogger                 hclog.Logger
	withHTTPClient             *http.Client
	withRedirectFunc           func(url string) error
	withOnURLChange            func(url string)
	withRestorePreviousSession bool
}

func sessionDefaults() sessionOptions {
	return sessionOptions{
		withLogger:     hclog.NewNullLogger(),
		withHTTPClient: cleanhttp.DefaultPooledClient(),
	}
}

func getSessionOpts(opt ...Option) sessionOptions {
	opts := sessionDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// Option defines a common functional options type for this package.
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default
// options and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		o(opts)
	}
}

// WithLogger provides an optional logger for the session and every component
// it assembles.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if o, ok := o.(*sessionOptions); ok && l != nil {
			o.withLogger = l
		}
	}
}

// WithHTTPClient provides an optional HTTP client used for every outbound
// request (discovery, registration, token endpoint, authenticated fetch).
func WithHTTPClient(client *http.Client) Option {
	return func(o interface{}) {
		if o, ok := o.(*sessionOptions); ok && client != nil {
			o.withHTTPClient = client
		}
	}
}

// WithRedirectFunc provides the mechanism that sends the user to an external
// URL (the provider's authorization or end-session endpoint). Embeddings
// supply their own: a browser navigation, an HTTP 302, opening a browser
// from a CLI.
func WithRedirectFunc(f func(url string) error) Option {
	return func(o interface{}) {
		if o, ok := o.(*sessionOptions); ok && f != nil {
			o.withRedirectFunc = f
		}
	}
}

// WithOnURLChange provides the callback that rewrites the visible URL after
// redirect handling, with the OAuth parameters stripped.
func WithOnURLChange(f func(url string)) Option {
	return func(o interface{}) {
		if o, ok := o.(*sessionOptions); ok && f != nil {
			o.withOnURLChange = f
		}
	}
}

// WithRestorePreviousSession enables silent re-authentication: an incoming
// redirect with no OAuth parameters attempts a prompt=none login when a
// previous registration is recoverable from storage.
func WithRestorePreviousSession() Option {
	return func(o interface{}) {
		if o, ok := o.(*sessionOptions); ok {
			o.withRestorePreviousSession = true
		}
	}
}
