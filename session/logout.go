package session

import (
	"context"
	"fmt"
	"net/url"

	"github.com/hashicorp/go-multierror"

	"github.com/solidauth/solidoidc/storage"
)

// LogoutType selects how far a logout reaches.
type LogoutType string

const (
	// LogoutApp clears local session state only.
	LogoutApp LogoutType = "app"

	// LogoutIdP additionally redirects to the provider's end-session
	// endpoint (RP-initiated logout).
	LogoutIdP LogoutType = "idp"
)

// LogoutOptions carries the optional inputs to Logout.
type LogoutOptions struct {
	// Type defaults to LogoutApp.
	Type LogoutType

	// PostLogoutRedirectURL is where the provider sends the user after an
	// IdP logout; only meaningful with LogoutIdP.
	PostLogoutRedirectURL string

	// State is echoed back on the post-logout redirect.
	State string
}

// Logout ends the session. Local state (both storage namespaces) is cleared
// unconditionally and first, so the application-visible logout always
// succeeds even when the IdP side fails. For LogoutIdP the provider's
// end-session URL is then built with an id_token_hint and the configured
// redirect mechanism is invoked; a missing end-session endpoint or redirect
// mechanism is a loud error, never a silent downgrade to local-only logout.
func (s *Session) Logout(ctx context.Context, opts LogoutOptions) error {
	const op = "Session.Logout"
	id := s.ID()

	// captured before the clear wipes them; the end-session request needs
	// the id_token as a hint
	idToken, _ := s.store.GetForSession(ctx, storage.Secure, id, fieldIDToken)
	issuer, _ := s.store.GetForSession(ctx, storage.Secure, id, fieldIssuer)

	var errs *multierror.Error
	if err := s.store.ClearSession(ctx, id); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", op, err))
	}
	s.stateMu.Lock()
	s.status = StatusAnonymous
	s.info = Info{SessionID: id}
	s.stateMu.Unlock()
	s.events.emitLogout()
	s.logger.Debug("session logged out", "session_id", id, "logout_type", opts.Type)

	if opts.Type == LogoutIdP {
		endURL, err := s.endSessionURL(ctx, id, issuer, idToken, opts)
		switch {
		case err != nil:
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", op, err))
		case s.redirectFunc == nil:
			errs = multierror.Append(errs, fmt.Errorf("%s: idp logout requested but no redirect mechanism is configured: %w", op, ErrIdPLogoutUnavailable))
		default:
			if err := s.redirectFunc(endURL); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: redirect to end-session endpoint failed: %w", op, err))
			}
		}
	}
	return errs.ErrorOrNil()
}

func (s *Session) endSessionURL(ctx context.Context, id, issuer, idToken string, opts LogoutOptions) (string, error) {
	if issuer == "" {
		return "", fmt.Errorf("no issuer recorded for session %q: %w", id, ErrIdPLogoutUnavailable)
	}
	ic, err := s.configs.Get(ctx, issuer)
	if err != nil {
		return "", err
	}
	if !ic.HasEndSessionEndpoint() {
		return "", fmt.Errorf("issuer %q has no end_session_endpoint: %w", ic.Issuer, ErrIdPLogoutUnavailable)
	}
	u, err := url.Parse(ic.EndSessionEndpoint)
	if err != nil {
		return "", fmt.Errorf("unable to parse end_session_endpoint %q: %w", ic.EndSessionEndpoint, err)
	}
	q := u.Query()
	if idToken != "" {
		q.Set("id_token_hint", idToken)
	}
	if opts.PostLogoutRedirectURL != "" {
		q.Set("post_logout_redirect_uri", opts.PostLogoutRedirectURL)
	}
	if opts.State != "" {
		q.Set("state", opts.State)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
