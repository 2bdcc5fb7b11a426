package oidc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestNewCodeVerifier(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)

	v, err := NewCodeVerifier()
	require.NoError(err)
	assert.NotEmpty(v.Verifier())
	assert.Equal(S256, v.Method())
	assert.Equal(oauth2.S256ChallengeFromVerifier(v.Verifier()), v.Challenge())

	// verifiers are random per call
	v2, err := NewCodeVerifier()
	require.NoError(err)
	assert.NotEqual(v.Verifier(), v2.Verifier())
}

func TestCreateCodeChallenge(t *testing.T) {
	t.Parallel()
	_, err := CreateCodeChallenge("plain", "verifier-value")
	assert.ErrorIs(t, err, ErrUnsupportedChallengeMethod)

	_, err = CreateCodeChallenge(S256, "")
	assert.ErrorIs(t, err, ErrInvalidParameter)

	got, err := CreateCodeChallenge(S256, "verifier-value")
	require.NoError(t, err)
	assert.Equal(t, oauth2.S256ChallengeFromVerifier("verifier-value"), got)
}
