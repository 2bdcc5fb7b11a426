package oidc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-hclog"

	"github.com/solidauth/solidoidc/storage"
)

// ClientType tags how the relying party identifies itself to the issuer.
type ClientType string

const (
	// ClientTypeDynamic is the product of dynamic client registration
	// against the issuer's registration endpoint.
	ClientTypeDynamic ClientType = "dynamic"

	// ClientTypeStatic is a pre-registered client with an out-of-band
	// client id and secret.
	ClientTypeStatic ClientType = "static"

	// ClientTypeSolidOIDC is a Solid-OIDC self-asserted client whose id is
	// itself a dereferenceable URL. It never carries a secret.
	ClientTypeSolidOIDC ClientType = "solid-oidc"
)

// ClientInfo is the resolved client registration. Invariants: a static
// client always carries a secret; a solid-oidc client's ID is always an
// absolute URL and never carries a secret; a dynamic client is only ever
// produced by Registrar.Resolve, never constructed directly.
type ClientInfo struct {
	ID     string
	Secret ClientSecret
	Name   string
	Type   ClientType

	// IDTokenSignedResponseAlg is the signing algorithm negotiated during
	// dynamic registration; empty for static and solid-oidc clients.
	IDTokenSignedResponseAlg Alg
}

// ClientOptions are the caller-supplied inputs to registration resolution.
type ClientOptions struct {
	ClientID     string
	ClientSecret ClientSecret
	ClientName   string
	RedirectURL  string
}

// secure-storage fields for a persisted registration
const (
	fieldClientID     = "clientId"
	fieldClientType   = "clientType"
	fieldClientSecret = "clientSecret"
	fieldClientName   = "clientName"
	fieldClientAlg    = "idTokenSignedResponseAlg"
)

// Registrar resolves which registration mode applies to a login attempt and
// persists the result so the redirect-handling step, which runs after a
// full page navigation when all in-memory state is gone, can recover it.
type Registrar struct {
	store  *storage.Utility
	client *http.Client
	logger hclog.Logger
}

// NewRegistrar creates a Registrar over the given storage utility.
//
// Supported options: WithHTTPClient, WithLogger.
func NewRegistrar(store *storage.Utility, opt ...Option) (*Registrar, error) {
	const op = "oidc.NewRegistrar"
	if store == nil {
		return nil, fmt.Errorf("%s: storage utility is nil: %w", op, ErrNilParameter)
	}
	opts := getRegistrarOpts(opt...)
	return &Registrar{
		store:  store,
		client: opts.withHTTPClient,
		logger: opts.withLogger,
	}, nil
}

// Resolve determines the client registration for a login attempt, in order:
//
//  1. ClientID is an absolute URL and the issuer advertises the "webid"
//     scope: a solid-oidc self-asserted client. No secret, no network call.
//  2. ClientID is present, not a URL, and a secret was supplied: a static
//     client.
//  3. Otherwise: dynamic registration against the issuer's registration
//     endpoint.
//
// The resolved client is persisted in secure per-session storage before
// being returned.
//
// Supported options: WithSigningAlgPrefs.
func (r *Registrar) Resolve(ctx context.Context, sessionID string, copts ClientOptions, ic *IssuerConfig, opt ...Option) (*ClientInfo, error) {
	const op = "Registrar.Resolve"
	if sessionID == "" {
		return nil, fmt.Errorf("%s: session id is empty: %w", op, ErrInvalidParameter)
	}
	if ic == nil {
		return nil, fmt.Errorf("%s: issuer config is nil: %w", op, ErrNilParameter)
	}
	opts := getResolveOpts(opt...)

	var (
		client *ClientInfo
		err    error
	)
	switch {
	case isAbsoluteURL(copts.ClientID) && ic.SupportsScope("webid"):
		client = &ClientInfo{
			ID:   copts.ClientID,
			Name: copts.ClientName,
			Type: ClientTypeSolidOIDC,
		}
	case copts.ClientID != "" && !isAbsoluteURL(copts.ClientID) && copts.ClientSecret != "":
		client = &ClientInfo{
			ID:     copts.ClientID,
			Secret: copts.ClientSecret,
			Name:   copts.ClientName,
			Type:   ClientTypeStatic,
		}
	default:
		client, err = r.register(ctx, copts, ic, opts.withSigningAlgPrefs)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	if err := r.persist(ctx, sessionID, client); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	r.logger.Debug("resolved client registration", "session_id", sessionID, "client_type", client.Type)
	return client, nil
}

// Load recovers a previously persisted registration for the session, or
// ErrNotFound.
func (r *Registrar) Load(ctx context.Context, sessionID string) (*ClientInfo, error) {
	const op = "Registrar.Load"
	id, err := r.store.GetForSession(ctx, storage.Secure, sessionID, fieldClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: no registration for session %q: %w", op, sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	clientType, err := r.store.GetForSession(ctx, storage.Secure, sessionID, fieldClientType)
	if err != nil {
		return nil, fmt.Errorf("%s: registration for session %q has no client type: %w", op, sessionID, ErrNotFound)
	}
	client := &ClientInfo{
		ID:   id,
		Type: ClientType(clientType),
	}
	if secret, err := r.store.GetForSession(ctx, storage.Secure, sessionID, fieldClientSecret); err == nil {
		client.Secret = ClientSecret(secret)
	}
	if name, err := r.store.GetForSession(ctx, storage.Secure, sessionID, fieldClientName); err == nil {
		client.Name = name
	}
	if alg, err := r.store.GetForSession(ctx, storage.Secure, sessionID, fieldClientAlg); err == nil {
		client.IDTokenSignedResponseAlg = Alg(alg)
	}
	return client, nil
}

func (r *Registrar) persist(ctx context.Context, sessionID string, client *ClientInfo) error {
	fields := map[string]string{
		fieldClientID:   client.ID,
		fieldClientType: string(client.Type),
	}
	if client.Secret != "" {
		fields[fieldClientSecret] = string(client.Secret)
	}
	if client.Name != "" {
		fields[fieldClientName] = client.Name
	}
	if client.IDTokenSignedResponseAlg != "" {
		fields[fieldClientAlg] = string(client.IDTokenSignedResponseAlg)
	}
	return r.store.SetForSession(ctx, storage.Secure, sessionID, fields)
}

// registrationRequest is the dynamic registration body (RFC 7591 / OIDC
// registration).
type registrationRequest struct {
	ClientName               string   `json:"client_name,omitempty"`
	ApplicationType          string   `json:"application_type"`
	RedirectURIs             []string `json:"redirect_uris"`
	SubjectType              string   `json:"subject_type"`
	TokenEndpointAuthMethod  string   `json:"token_endpoint_auth_method"`
	IDTokenSignedResponseAlg string   `json:"id_token_signed_response_alg"`
}

type registrationResponse struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	ClientName   string   `json:"client_name"`
	RedirectURIs []string `json:"redirect_uris"`
}

func (r *Registrar) register(ctx context.Context, copts ClientOptions, ic *IssuerConfig, prefs []Alg) (*ClientInfo, error) {
	const op = "Registrar.register"
	if ic.RegistrationEndpoint == "" {
		return nil, fmt.Errorf("%s: issuer %q has no registration endpoint: %w", op, ic.Issuer, ErrConfiguration)
	}
	if copts.RedirectURL == "" {
		return nil, fmt.Errorf("%s: redirect url is empty: %w", op, ErrInvalidParameter)
	}
	alg, err := NegotiateSigningAlg(prefs, ic.IDTokenSigningAlgValuesSupported)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	body, err := json.Marshal(registrationRequest{
		ClientName:               copts.ClientName,
		ApplicationType:          "web",
		RedirectURIs:             []string{copts.RedirectURL},
		SubjectType:              "pairwise",
		TokenEndpointAuthMethod:  "client_secret_basic",
		IDTokenSignedResponseAlg: string(alg),
	})
	if err != nil {
		return nil, fmt.Errorf("%s: unable to encode registration request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ic.RegistrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create registration request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: registration request to %q failed: %w", op, ic.RegistrationEndpoint, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to read registration response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s: %w", op, classifyRegistrationError(resp.StatusCode, respBody))
	}

	var reg registrationResponse
	if err := json.Unmarshal(respBody, &reg); err != nil {
		return nil, fmt.Errorf("%s: unable to parse registration response: %w", op, ErrInvalidResponse)
	}
	if reg.ClientID == "" {
		return nil, fmt.Errorf("%s: registration response is missing client_id: %w", op, ErrInvalidResponse)
	}
	// a provider echoing back a different redirect uri than requested is
	// treated as tampering, not as a negotiation
	if len(reg.RedirectURIs) == 0 || reg.RedirectURIs[0] != copts.RedirectURL {
		return nil, fmt.Errorf("%s: registered redirect uri %v does not match requested %q: %w", op, reg.RedirectURIs, copts.RedirectURL, ErrInvalidRedirectURI)
	}

	return &ClientInfo{
		ID:                       reg.ClientID,
		Secret:                   ClientSecret(reg.ClientSecret),
		Name:                     reg.ClientName,
		Type:                     ClientTypeDynamic,
		IDTokenSignedResponseAlg: alg,
	}, nil
}

// classifyRegistrationError maps the provider's registration error codes
// onto distinct sentinels so callers can branch without string matching.
func classifyRegistrationError(status int, body []byte) error {
	var pe ProviderError
	if err := json.Unmarshal(body, &pe); err != nil || pe.Code == "" {
		return fmt.Errorf("registration failed with status %d: %w", status, ErrInvalidResponse)
	}
	switch pe.Code {
	case "invalid_redirect_uri":
		return fmt.Errorf("provider rejected redirect uri (%s): %w", pe.Error(), ErrInvalidRedirectURI)
	case "invalid_client_metadata":
		return fmt.Errorf("provider rejected client metadata (%s): %w", pe.Error(), ErrInvalidClientMetadata)
	default:
		return &pe
	}
}

func isAbsoluteURL(s string) bool {
	if s == "" {
		return false
	}
	u, err := url.Parse(s)
	return err == nil && u.IsAbs() && u.Host != ""
}

// registrarOptions is the set of available options for NewRegistrar.
type registrarOptions struct {
	withHTTPClient *http.Client
	withLogger     hclog.Logger
}

func registrarDefaults() registrarOptions {
	return registrarOptions{
		withHTTPClient: http.DefaultClient,
		withLogger:     hclog.NewNullLogger(),
	}
}

func getRegistrarOpts(opt ...Option) registrarOptions {
	opts := registrarDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// resolveOptions is the set of available options for Registrar.Resolve.
type resolveOptions struct {
	withSigningAlgPrefs []Alg
}

func resolveDefaults() resolveOptions {
	return resolveOptions{}
}

func getResolveOpts(opt ...Option) resolveOptions {
	opts := resolveDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}
