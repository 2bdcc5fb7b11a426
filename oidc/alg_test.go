package oidc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiateSigningAlg(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name            string
		preferred       []Alg
		issuerSupported []string
		want            Alg
		wantErr         error
	}{
		{
			name:            "first-preference-wins",
			preferred:       []Alg{ES256, RS256},
			issuerSupported: []string{"RS256", "ES256"},
			want:            ES256,
		},
		{
			name:            "falls-through-to-second",
			preferred:       []Alg{ES256, RS256},
			issuerSupported: []string{"RS256"},
			want:            RS256,
		},
		{
			name:            "defaults-applied-when-no-preference",
			issuerSupported: []string{"RS256", "ES256"},
			want:            ES256,
		},
		{
			name:      "missing-issuer-list",
			preferred: []Alg{ES256},
			wantErr:   ErrConfiguration,
		},
		{
			name:            "no-overlap",
			preferred:       []Alg{ES256},
			issuerSupported: []string{"RS256"},
			wantErr:         ErrConfiguration,
		},
		{
			name:            "unknown-preference",
			preferred:       []Alg{"HS256"},
			issuerSupported: []string{"RS256"},
			wantErr:         ErrInvalidParameter,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NegotiateSigningAlg(tt.preferred, tt.issuerSupported)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
