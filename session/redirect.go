package session

import (
	"context"
	"fmt"
	"net/url"

	"github.com/solidauth/solidoidc/oidc"
	"github.com/solidauth/solidoidc/storage"
)

// oauthParams are the query parameters CleanURL strips from a redirect URL.
// Every other parameter is preserved.
var oauthParams = []string{"code", "state", "error", "error_description", "iss"}

// CleanURL removes the OAuth redirect parameters from a URL so a page
// refresh never resubmits a dead single-use code. An unparseable URL is
// returned unchanged.
func CleanURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for _, p := range oauthParams {
		q.Del(p)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// HandleIncomingRedirect processes the provider's redirect back to the
// application: it recovers the pending login state, exchanges the
// authorization code (or verifies an implicit id_token), persists the
// resulting session and emits the login event.
//
// The call is idempotent once the session is authenticated, and concurrent
// calls with the same URL are coalesced so the single-use code is exchanged
// at most once. The visible URL is rewritten (via the OnURLChange callback)
// with the OAuth parameters stripped in every outcome, success or failure.
//
// A redirect URL carrying no OAuth parameters at all returns the current
// info unchanged, unless silent re-authentication is enabled and a previous
// registration is recoverable, in which case a prompt=none login is
// attempted first.
func (s *Session) HandleIncomingRedirect(ctx context.Context, rawURL string) (*Info, error) {
	const op = "Session.HandleIncomingRedirect"
	if rawURL == "" {
		return nil, fmt.Errorf("%s: redirect url is empty: %w", op, ErrInvalidParameter)
	}

	s.stateMu.Lock()
	if s.status == StatusAuthenticated {
		info := s.info
		s.stateMu.Unlock()
		return &info, nil
	}
	s.stateMu.Unlock()

	v, err, _ := s.group.Do(rawURL, func() (interface{}, error) {
		return s.processRedirect(ctx, rawURL)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if v == nil {
		return nil, nil
	}
	info := v.(Info)
	return &info, nil
}

func (s *Session) processRedirect(ctx context.Context, rawURL string) (interface{}, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse redirect url: %w", ErrInvalidParameter)
	}
	// the URL cleanup must happen in every outcome, including failures, so
	// a refresh never resubmits the dead code
	if s.onURLChange != nil {
		defer s.onURLChange(CleanURL(rawURL))
	}
	s.setStatus(StatusRedirectHandling)

	q := u.Query()
	// the legacy implicit flow delivers its parameters in the fragment
	if u.Fragment != "" {
		if fq, ferr := url.ParseQuery(u.Fragment); ferr == nil {
			for k, vs := range fq {
				if q.Get(k) == "" && len(vs) > 0 {
					q.Set(k, vs[0])
				}
			}
		}
	}

	id := s.ID()

	if errCode := q.Get("error"); errCode != "" {
		perr := &oidc.ProviderError{Code: errCode, Description: q.Get("error_description")}
		s.fail(ctx, id, perr)
		return nil, perr
	}

	code := q.Get("code")
	idToken := q.Get("id_token")
	if code == "" && idToken == "" {
		s.setStatus(StatusAnonymous)
		if s.restorePrevious {
			s.trySilentAuth(ctx, id)
		}
		return nil, nil
	}

	// recover the session the login was started under; the state index
	// survives the page navigation that destroyed all in-memory state
	if state := q.Get("state"); state != "" {
		if recovered, gerr := s.store.Get(ctx, storage.Insecure, stateKey(state)); gerr == nil && recovered != "" {
			if recovered != id {
				s.adopt(recovered)
				id = recovered
			}
			if derr := s.store.Delete(ctx, storage.Insecure, stateKey(state)); derr != nil {
				s.logger.Warn("unable to delete login state index", "state", state, "error", derr)
			}
		}
	}

	issuer, err := s.store.GetForSession(ctx, storage.Secure, id, fieldIssuer)
	if err != nil {
		err = fmt.Errorf("session %q: %w", id, ErrNoPendingLogin)
		s.fail(ctx, id, err)
		return nil, err
	}
	ic, err := s.configs.Get(ctx, issuer)
	if err != nil {
		s.fail(ctx, id, err)
		return nil, err
	}
	if iss := q.Get("iss"); iss != "" && iss != ic.Issuer {
		err := fmt.Errorf("redirect iss %q, pending issuer %q: %w", iss, ic.Issuer, ErrIssuerMismatch)
		s.fail(ctx, id, err)
		return nil, err
	}
	client, err := s.registrar.Load(ctx, id)
	if err != nil {
		s.fail(ctx, id, err)
		return nil, err
	}

	var info Info
	switch {
	case code != "":
		info, err = s.exchangeCode(ctx, id, ic, client, code)
	default:
		info, err = s.handleImplicit(ctx, id, ic, client, idToken, q.Get("access_token"))
	}
	if err != nil {
		s.fail(ctx, id, err)
		return nil, err
	}

	s.events.emitLogin(info)
	return info, nil
}

func (s *Session) exchangeCode(ctx context.Context, id string, ic *oidc.IssuerConfig, client *oidc.ClientInfo, code string) (Info, error) {
	key, err := s.keyForStoredTokenType(ctx, id)
	if err != nil {
		return Info{}, err
	}
	codeVerifier, _ := s.store.GetForSession(ctx, storage.Secure, id, fieldCodeVerifier)
	redirectURL, _ := s.store.GetForSession(ctx, storage.Secure, id, fieldRedirectURL)

	ts, err := s.exchange.ExchangeCode(ctx, ic, client, oidc.CodeInput{
		Code:         code,
		CodeVerifier: codeVerifier,
		RedirectURL:  redirectURL,
	}, key)
	if err != nil {
		return Info{}, err
	}
	return s.persistTokenSet(ctx, id, ts, client.ID)
}

// handleImplicit processes a legacy implicit-flow redirect: the id_token
// arrives in the URL itself and is verified directly, with no token-endpoint
// exchange. Implicit tokens are always bearer tokens.
func (s *Session) handleImplicit(ctx context.Context, id string, ic *oidc.IssuerConfig, client *oidc.ClientInfo, idToken, accessToken string) (Info, error) {
	webID, err := s.verifier.VerifyIDToken(ctx, oidc.IdToken(idToken), ic.JWKSURI, ic.Issuer, client.ID, ic.IDTokenSigningAlgValuesSupported)
	if err != nil {
		return Info{}, err
	}
	ts := &oidc.TokenSet{
		AccessToken: oidc.AccessToken(accessToken),
		IDToken:     oidc.IdToken(idToken),
		TokenType:   oidc.TokenTypeBearer,
		WebID:       webID,
	}
	return s.persistTokenSet(ctx, id, ts, client.ID)
}

// trySilentAuth attempts a non-interactive (prompt=none) login from the
// registration persisted by a previous login. Failure leaves the session
// anonymous; silent re-authentication is best-effort.
func (s *Session) trySilentAuth(ctx context.Context, id string) {
	issuer, err := s.store.GetForSession(ctx, storage.Secure, id, fieldIssuer)
	if err != nil {
		return
	}
	redirectURL, err := s.store.GetForSession(ctx, storage.Secure, id, fieldRedirectURL)
	if err != nil {
		return
	}
	client, err := s.registrar.Load(ctx, id)
	if err != nil {
		return
	}
	ic, err := s.configs.Get(ctx, issuer)
	if err != nil {
		return
	}

	verifier, err := oidc.NewCodeVerifier()
	if err != nil {
		return
	}
	state, err := oidc.NewID("st")
	if err != nil {
		return
	}
	if err := s.store.SetForSession(ctx, storage.Secure, id, map[string]string{
		fieldCodeVerifier: verifier.Verifier(),
	}); err != nil {
		return
	}
	if err := s.store.Set(ctx, storage.Insecure, stateKey(state), id); err != nil {
		return
	}

	authURL := s.buildAuthURL(ic, client, redirectURL, state, "none", verifier)
	s.setStatus(StatusLoginPending)
	if s.redirectFunc != nil {
		if err := s.redirectFunc(authURL); err != nil {
			s.logger.Debug("silent re-authentication redirect failed", "session_id", id, "error", err)
			s.setStatus(StatusAnonymous)
		}
	}
}

// adopt switches the session over to the id the login was started under.
func (s *Session) adopt(id string) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.logger.Debug("adopting session id from login state", "old", s.id, "new", id)
	s.id = id
	s.info.SessionID = id
}
