package oidc

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
)

// IssuerConfig is a provider's OIDC discovery document
// (.well-known/openid-configuration), reduced to the fields this engine
// consumes.
type IssuerConfig struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	RegistrationEndpoint  string `json:"registration_endpoint,omitempty"`
	EndSessionEndpoint    string `json:"end_session_endpoint,omitempty"`

	GrantTypesSupported              []string `json:"grant_types_supported"`
	ScopesSupported                  []string `json:"scopes_supported,omitempty"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
}

// Validate enforces the discovery fields this engine requires. Optional
// fields (registration_endpoint, end_session_endpoint, scopes_supported) are
// not checked here; the operations that need them check at the point of use.
func (c *IssuerConfig) Validate() error {
	const op = "IssuerConfig.Validate"
	if c == nil {
		return fmt.Errorf("%s: issuer config is nil: %w", op, ErrNilParameter)
	}
	switch {
	case c.Issuer == "":
		return fmt.Errorf("%s: issuer is empty: %w", op, ErrConfiguration)
	case c.AuthorizationEndpoint == "":
		return fmt.Errorf("%s: authorization_endpoint is missing: %w", op, ErrConfiguration)
	case c.TokenEndpoint == "":
		return fmt.Errorf("%s: token_endpoint is missing: %w", op, ErrConfiguration)
	case c.JWKSURI == "":
		return fmt.Errorf("%s: jwks_uri is missing: %w", op, ErrConfiguration)
	case len(c.GrantTypesSupported) == 0:
		return fmt.Errorf("%s: grant_types_supported is missing: %w", op, ErrConfiguration)
	case len(c.IDTokenSigningAlgValuesSupported) == 0:
		return fmt.Errorf("%s: id_token_signing_alg_values_supported is missing: %w", op, ErrConfiguration)
	}
	return nil
}

// SupportsGrantType reports whether the issuer advertises the grant type.
func (c *IssuerConfig) SupportsGrantType(grantType string) bool {
	for _, g := range c.GrantTypesSupported {
		if g == grantType {
			return true
		}
	}
	return false
}

// SupportsScope reports whether the issuer advertises the scope. Solid-OIDC
// support is signaled by the "webid" scope.
func (c *IssuerConfig) SupportsScope(scope string) bool {
	for _, s := range c.ScopesSupported {
		if s == scope {
			return true
		}
	}
	return false
}

// HasEndSessionEndpoint reports whether RP-initiated logout is available.
func (c *IssuerConfig) HasEndSessionEndpoint() bool {
	return c.EndSessionEndpoint != ""
}

// DiscoverIssuer fetches and validates the issuer's discovery document.
// The issuer value in the document must match the requested issuer exactly.
//
// Supported options: WithHTTPClient.
func DiscoverIssuer(ctx context.Context, issuer string, opt ...Option) (*IssuerConfig, error) {
	const op = "oidc.DiscoverIssuer"
	if issuer == "" {
		return nil, fmt.Errorf("%s: issuer is empty: %w", op, ErrInvalidParameter)
	}
	opts := getDiscoverOpts(opt...)

	provider, err := oidc.NewProvider(HTTPClientContext(ctx, opts.withHTTPClient), issuer)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to discover issuer %q: %w", op, issuer, err)
	}
	var c IssuerConfig
	if err := provider.Claims(&c); err != nil {
		return nil, fmt.Errorf("%s: unable to parse discovery document for %q: %w", op, issuer, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &c, nil
}

// discoverOptions is the set of available options for DiscoverIssuer.
type discoverOptions struct {
	withHTTPClient *http.Client
}

func discoverDefaults() discoverOptions {
	return discoverOptions{
		withHTTPClient: http.DefaultClient,
	}
}

func getDiscoverOpts(opt ...Option) discoverOptions {
	opts := discoverDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// ConfigCache caches discovery documents by issuer. A document is fetched
// once and reused; a fetch or validation failure is never cached, so the
// next call re-fetches.
type ConfigCache struct {
	mu      sync.Mutex
	configs map[string]*IssuerConfig
	opt     []Option
}

// NewConfigCache creates an empty cache. The given options are applied to
// every DiscoverIssuer call the cache makes.
func NewConfigCache(opt ...Option) *ConfigCache {
	return &ConfigCache{
		configs: map[string]*IssuerConfig{},
		opt:     opt,
	}
}

// Get returns the cached config for the issuer, fetching it on first use.
func (c *ConfigCache) Get(ctx context.Context, issuer string) (*IssuerConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg, ok := c.configs[issuer]; ok {
		return cfg, nil
	}
	cfg, err := DiscoverIssuer(ctx, issuer, c.opt...)
	if err != nil {
		return nil, err
	}
	c.configs[issuer] = cfg
	return cfg, nil
}
