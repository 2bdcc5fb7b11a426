package oidc

import (
	"net/http"

	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type.
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default
// options and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		o(opts)
	}
}

// WithHTTPClient provides an optional http client for: DiscoverIssuer,
// NewConfigCache, NewRegistrar, NewVerifier, NewExchange.
func WithHTTPClient(client *http.Client) Option {
	return func(o interface{}) {
		if client == nil {
			return
		}
		switch v := o.(type) {
		case *discoverOptions:
			v.withHTTPClient = client
		case *registrarOptions:
			v.withHTTPClient = client
		case *verifierOptions:
			v.withHTTPClient = client
		case *exchangeOptions:
			v.withHTTPClient = client
		}
	}
}

// WithLogger provides an optional logger for: NewRegistrar, NewExchange.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if l == nil {
			return
		}
		switch v := o.(type) {
		case *registrarOptions:
			v.withLogger = l
		case *exchangeOptions:
			v.withLogger = l
		}
	}
}

// WithSigningAlgPrefs provides an ordered list of preferred id_token signing
// algorithms for: Registrar.Resolve.
func WithSigningAlgPrefs(prefs []Alg) Option {
	return func(o interface{}) {
		if o, ok := o.(*resolveOptions); ok {
			o.withSigningAlgPrefs = prefs
		}
	}
}
