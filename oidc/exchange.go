package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/solidauth/solidoidc/dpop"
)

// Exchange converts an authorization code (plus PKCE verifier) or a refresh
// token into a verified TokenSet. It is the only producer of TokenSet
// values: every token set it returns has had its id_token verified and its
// WebID subject extracted.
type Exchange struct {
	client   *http.Client
	verifier *Verifier
	logger   hclog.Logger
}

// NewExchange creates an Exchange that delegates id_token verification to
// the given Verifier.
//
// Supported options: WithHTTPClient, WithLogger.
func NewExchange(verifier *Verifier, opt ...Option) (*Exchange, error) {
	const op = "oidc.NewExchange"
	if verifier == nil {
		return nil, fmt.Errorf("%s: verifier is nil: %w", op, ErrNilParameter)
	}
	opts := getExchangeOpts(opt...)
	return &Exchange{
		client:   opts.withHTTPClient,
		verifier: verifier,
		logger:   opts.withLogger,
	}, nil
}

// CodeInput carries the redirect parameters needed for a code exchange.
type CodeInput struct {
	// Code is the single-use authorization code from the redirect.
	Code string

	// CodeVerifier is the PKCE verifier generated at login time.
	CodeVerifier string

	// RedirectURL must match the redirect_uri of the authorization request.
	RedirectURL string
}

// ExchangeCode redeems an authorization code at the issuer's token
// endpoint. When key is non-nil the request carries a fresh DPoP proof and
// a DPoP-bound token set is required in return; when key is nil a Bearer
// token set is required.
func (e *Exchange) ExchangeCode(ctx context.Context, ic *IssuerConfig, client *ClientInfo, in CodeInput, key *dpop.KeyPair) (*TokenSet, error) {
	const op = "Exchange.ExchangeCode"
	if err := e.checkGrant(ic, "authorization_code"); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if client == nil {
		return nil, fmt.Errorf("%s: client info is nil: %w", op, ErrNilParameter)
	}
	if in.Code == "" {
		return nil, fmt.Errorf("%s: authorization code is empty: %w", op, ErrInvalidParameter)
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", in.Code)
	if in.RedirectURL != "" {
		form.Set("redirect_uri", in.RedirectURL)
	}
	if in.CodeVerifier != "" {
		form.Set("code_verifier", in.CodeVerifier)
	}

	ts, err := e.doTokenRequest(ctx, ic, client, form, key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ts, nil
}

// Refresh redeems a refresh token for a fresh token set. The dpop key must
// be the session's existing key when the original grant was DPoP-bound.
func (e *Exchange) Refresh(ctx context.Context, ic *IssuerConfig, client *ClientInfo, refreshToken RefreshToken, key *dpop.KeyPair) (*TokenSet, error) {
	const op = "Exchange.Refresh"
	if err := e.checkGrant(ic, "refresh_token"); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if client == nil {
		return nil, fmt.Errorf("%s: client info is nil: %w", op, ErrNilParameter)
	}
	if refreshToken == "" {
		return nil, fmt.Errorf("%s: refresh token is empty: %w", op, ErrInvalidParameter)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", string(refreshToken))

	ts, err := e.doTokenRequest(ctx, ic, client, form, key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ts, nil
}

func (e *Exchange) checkGrant(ic *IssuerConfig, grantType string) error {
	if ic == nil {
		return fmt.Errorf("issuer config is nil: %w", ErrNilParameter)
	}
	if ic.TokenEndpoint == "" {
		return fmt.Errorf("issuer %q has no token endpoint: %w", ic.Issuer, ErrConfiguration)
	}
	if !ic.SupportsGrantType(grantType) {
		return fmt.Errorf("issuer %q does not support the %q grant: %w", ic.Issuer, grantType, ErrConfiguration)
	}
	return nil
}

func (e *Exchange) doTokenRequest(ctx context.Context, ic *IssuerConfig, client *ClientInfo, form url.Values, key *dpop.KeyPair) (*TokenSet, error) {
	requested := TokenTypeBearer
	if key != nil {
		requested = TokenTypeDPoP
	}

	// a confidential client authenticates with basic auth; a public client
	// (including Solid-OIDC self-asserted clients) sends client_id in the
	// body instead
	if client.Secret == "" {
		form.Set("client_id", client.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ic.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("unable to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if client.Secret != "" {
		req.SetBasicAuth(url.QueryEscape(client.ID), url.QueryEscape(string(client.Secret)))
	}

	if key != nil {
		proof, err := dpop.CreateProof(ic.TokenEndpoint, http.MethodPost, key)
		if err != nil {
			return nil, fmt.Errorf("unable to create dpop proof: %w", err)
		}
		req.Header.Set(dpop.HeaderName, proof)
	}

	e.logger.Debug("token endpoint request", "endpoint", ic.TokenEndpoint, "grant_type", form.Get("grant_type"), "token_type", requested)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request to %q failed: %w", ic.TokenEndpoint, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("unable to read token response: %w", err)
	}

	tr, err := validateTokenEndpointResponse(body)
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(tr.TokenType, string(requested)) {
		return nil, fmt.Errorf("requested a %s token but the provider returned %q: %w", requested, tr.TokenType, ErrTokenTypeMismatch)
	}

	webID, err := e.verifier.VerifyIDToken(ctx, IdToken(tr.IDToken), ic.JWKSURI, ic.Issuer, client.ID, ic.IDTokenSigningAlgValuesSupported)
	if err != nil {
		return nil, err
	}

	ts := &TokenSet{
		AccessToken:  AccessToken(tr.AccessToken),
		IDToken:      IdToken(tr.IDToken),
		RefreshToken: RefreshToken(tr.RefreshToken),
		TokenType:    requested,
		WebID:        webID,
		ExpiresIn:    time.Duration(tr.expiresIn) * time.Second,
	}
	if key != nil {
		ts.DPoPKey = key
	}
	return ts, nil
}

// tokenEndpointResponse is the wire shape of a token endpoint response,
// either the success fields or the OAuth error triple.
type tokenEndpointResponse struct {
	AccessToken  string          `json:"access_token"`
	IDToken      string          `json:"id_token"`
	TokenType    string          `json:"token_type"`
	RefreshToken string          `json:"refresh_token"`
	ExpiresIn    json.RawMessage `json:"expires_in"`

	Code        string `json:"error"`
	Description string `json:"error_description"`
	URI         string `json:"error_uri"`

	expiresIn int64
}

// validateTokenEndpointResponse parses and validates a token endpoint
// response body. A provider error is surfaced verbatim as *ProviderError;
// a missing or malformed required field is ErrInvalidResponse naming the
// field(s).
func validateTokenEndpointResponse(body []byte) (*tokenEndpointResponse, error) {
	const op = "oidc.validateTokenEndpointResponse"
	var tr tokenEndpointResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("%s: response is not valid json: %w", op, ErrInvalidResponse)
	}
	if tr.Code != "" {
		return nil, &ProviderError{Code: tr.Code, Description: tr.Description, URI: tr.URI}
	}

	var missing *multierror.Error
	if tr.AccessToken == "" {
		missing = multierror.Append(missing, fmt.Errorf("access_token is missing"))
	}
	if tr.IDToken == "" {
		missing = multierror.Append(missing, fmt.Errorf("id_token is missing"))
	}
	if tr.TokenType == "" {
		missing = multierror.Append(missing, fmt.Errorf("token_type is missing"))
	}
	if len(tr.ExpiresIn) > 0 {
		if err := json.Unmarshal(tr.ExpiresIn, &tr.expiresIn); err != nil {
			missing = multierror.Append(missing, fmt.Errorf("expires_in is not numeric"))
		}
	}
	if err := missing.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("%s: %v: %w", op, err, ErrInvalidResponse)
	}
	return &tr, nil
}

// exchangeOptions is the set of available options for NewExchange.
type exchangeOptions struct {
	withHTTPClient *http.Client
	withLogger     hclog.Logger
}

func exchangeDefaults() exchangeOptions {
	return exchangeOptions{
		withHTTPClient: http.DefaultClient,
		withLogger:     hclog.NewNullLogger(),
	}
}

func getExchangeOpts(opt ...Option) exchangeOptions {
	opts := exchangeDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}
