package oidc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifier_VerifyIDToken(t *testing.T) {
	ctx := context.Background()
	tp := StartTestProvider(t)
	jwksURI := tp.Addr() + "/jwks"
	algs := []string{"ES256"}

	t.Run("webid-claim-preferred", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		v := NewVerifier()
		token := tp.SignIDToken(tp.Addr(), "client-1", "user123", map[string]interface{}{
			"webid": "https://me.example/profile#me",
		})
		webID, err := v.VerifyIDToken(ctx, IdToken(token), jwksURI, tp.Addr(), "client-1", algs)
		require.NoError(err)
		assert.Equal("https://me.example/profile#me", webID)
	})

	t.Run("sub-fallback-when-absolute-url", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		v := NewVerifier()
		token := tp.SignIDToken(tp.Addr(), "client-1", "https://me.example/profile#me", nil)
		webID, err := v.VerifyIDToken(ctx, IdToken(token), jwksURI, tp.Addr(), "client-1", algs)
		require.NoError(err)
		assert.Equal("https://me.example/profile#me", webID)
	})

	t.Run("opaque-sub-rejected", func(t *testing.T) {
		v := NewVerifier()
		token := tp.SignIDToken(tp.Addr(), "client-1", "user123", nil)
		_, err := v.VerifyIDToken(ctx, IdToken(token), jwksURI, tp.Addr(), "client-1", algs)
		require.ErrorIs(t, err, ErrTokenVerification)
		assert.Contains(t, err.Error(), "sub")
	})

	t.Run("non-string-webid-rejected", func(t *testing.T) {
		v := NewVerifier()
		token := tp.SignIDToken(tp.Addr(), "client-1", "user123", map[string]interface{}{
			"webid": 42,
		})
		_, err := v.VerifyIDToken(ctx, IdToken(token), jwksURI, tp.Addr(), "client-1", algs)
		require.ErrorIs(t, err, ErrTokenVerification)
		assert.Contains(t, err.Error(), "webid")
	})

	t.Run("audience-mismatch-fails-closed", func(t *testing.T) {
		v := NewVerifier()
		token := tp.SignIDToken(tp.Addr(), "someone-else", "user123", map[string]interface{}{
			"webid": "https://me.example/profile#me",
		})
		webID, err := v.VerifyIDToken(ctx, IdToken(token), jwksURI, tp.Addr(), "client-1", algs)
		require.ErrorIs(t, err, ErrTokenVerification)
		assert.Empty(t, webID)
	})

	t.Run("issuer-mismatch-fails-closed", func(t *testing.T) {
		v := NewVerifier()
		token := tp.SignIDToken("https://other.example", "client-1", "user123", map[string]interface{}{
			"webid": "https://me.example/profile#me",
		})
		_, err := v.VerifyIDToken(ctx, IdToken(token), jwksURI, tp.Addr(), "client-1", algs)
		require.ErrorIs(t, err, ErrTokenVerification)
	})

	t.Run("garbage-token", func(t *testing.T) {
		v := NewVerifier()
		_, err := v.VerifyIDToken(ctx, "not.a.jwt", jwksURI, tp.Addr(), "client-1", algs)
		require.ErrorIs(t, err, ErrTokenVerification)
	})

	t.Run("invalid-input", func(t *testing.T) {
		v := NewVerifier()
		_, err := v.VerifyIDToken(ctx, "", jwksURI, tp.Addr(), "client-1", algs)
		require.ErrorIs(t, err, ErrInvalidParameter)
		_, err = v.VerifyIDToken(ctx, "tok", "", tp.Addr(), "client-1", algs)
		require.ErrorIs(t, err, ErrInvalidParameter)
		_, err = v.VerifyIDToken(ctx, "tok", jwksURI, "", "client-1", algs)
		require.ErrorIs(t, err, ErrInvalidParameter)
		_, err = v.VerifyIDToken(ctx, "tok", jwksURI, tp.Addr(), "", algs)
		require.ErrorIs(t, err, ErrInvalidParameter)
	})
}
