package oidc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverIssuer(t *testing.T) {
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)

		ic, err := DiscoverIssuer(ctx, tp.Addr())
		require.NoError(err)
		assert.Equal(tp.Addr(), ic.Issuer)
		assert.Equal(tp.Addr()+"/authorize", ic.AuthorizationEndpoint)
		assert.Equal(tp.Addr()+"/token", ic.TokenEndpoint)
		assert.Equal(tp.Addr()+"/jwks", ic.JWKSURI)
		assert.Equal(tp.Addr()+"/register", ic.RegistrationEndpoint)
		assert.True(ic.HasEndSessionEndpoint())
		assert.True(ic.SupportsGrantType("authorization_code"))
		assert.True(ic.SupportsGrantType("refresh_token"))
		assert.False(ic.SupportsGrantType("password"))
		assert.True(ic.SupportsScope("webid"))
		assert.Contains(ic.IDTokenSigningAlgValuesSupported, "ES256")
	})

	t.Run("empty-issuer", func(t *testing.T) {
		_, err := DiscoverIssuer(ctx, "")
		require.ErrorIs(t, err, ErrInvalidParameter)
	})

	t.Run("missing-signing-algs", func(t *testing.T) {
		tp := StartTestProvider(t)
		tp.SetOmitSigningAlgs(true)
		_, err := DiscoverIssuer(ctx, tp.Addr())
		require.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("no-end-session", func(t *testing.T) {
		tp := StartTestProvider(t)
		tp.SetDisableEndSession(true)
		ic, err := DiscoverIssuer(ctx, tp.Addr())
		require.NoError(t, err)
		assert.False(t, ic.HasEndSessionEndpoint())
	})

	t.Run("unreachable", func(t *testing.T) {
		_, err := DiscoverIssuer(ctx, "http://127.0.0.1:1/nope")
		require.Error(t, err)
	})
}

func TestIssuerConfig_Validate(t *testing.T) {
	t.Parallel()
	valid := func() *IssuerConfig {
		return &IssuerConfig{
			Issuer:                           "https://idp.example",
			AuthorizationEndpoint:            "https://idp.example/authorize",
			TokenEndpoint:                    "https://idp.example/token",
			JWKSURI:                          "https://idp.example/jwks",
			GrantTypesSupported:              []string{"authorization_code"},
			IDTokenSigningAlgValuesSupported: []string{"ES256"},
		}
	}

	require.NoError(t, valid().Validate())

	var nilConfig *IssuerConfig
	require.ErrorIs(t, nilConfig.Validate(), ErrNilParameter)

	tests := []struct {
		name   string
		mutate func(*IssuerConfig)
	}{
		{"missing-issuer", func(c *IssuerConfig) { c.Issuer = "" }},
		{"missing-authorization-endpoint", func(c *IssuerConfig) { c.AuthorizationEndpoint = "" }},
		{"missing-token-endpoint", func(c *IssuerConfig) { c.TokenEndpoint = "" }},
		{"missing-jwks-uri", func(c *IssuerConfig) { c.JWKSURI = "" }},
		{"missing-grant-types", func(c *IssuerConfig) { c.GrantTypesSupported = nil }},
		{"missing-signing-algs", func(c *IssuerConfig) { c.IDTokenSigningAlgValuesSupported = nil }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := valid()
			tt.mutate(c)
			require.ErrorIs(t, c.Validate(), ErrConfiguration)
		})
	}
}

func TestConfigCache(t *testing.T) {
	ctx := context.Background()

	t.Run("cached-after-first-fetch", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		cache := NewConfigCache()

		first, err := cache.Get(ctx, tp.Addr())
		require.NoError(err)

		// the provider is gone; only the cache can answer now
		tp.Stop()
		second, err := cache.Get(ctx, tp.Addr())
		require.NoError(err)
		assert.Same(first, second)
	})

	t.Run("failures-never-cached", func(t *testing.T) {
		require := require.New(t)
		tp := StartTestProvider(t)
		cache := NewConfigCache()

		tp.SetOmitSigningAlgs(true)
		_, err := cache.Get(ctx, tp.Addr())
		require.Error(err)

		tp.SetOmitSigningAlgs(false)
		_, err = cache.Get(ctx, tp.Addr())
		require.NoError(err)
	})
}
