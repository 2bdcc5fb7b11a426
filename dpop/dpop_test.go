package dpop

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeHTU(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		audience string
		want     string
		wantErr  bool
	}{
		{name: "empty-path-gets-slash", audience: "https://example.org", want: "https://example.org/"},
		{name: "path-kept", audience: "https://example.org/resource", want: "https://example.org/resource"},
		{name: "fragment-stripped", audience: "https://example.org/resource#frag", want: "https://example.org/resource"},
		{name: "userinfo-stripped", audience: "https://user:pw@example.org/resource", want: "https://example.org/resource"},
		{name: "query-kept", audience: "https://example.org/resource?a=1", want: "https://example.org/resource?a=1"},
		{name: "relative", audience: "/resource", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeHTU(tt.audience)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCreateProof(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)

	key, err := GenerateKeyPair()
	require.NoError(err)

	proof, err := CreateProof("https://example.org/resource", "get", key)
	require.NoError(err)

	// the proof must verify against the embedded public key
	tok, err := jwt.Parse([]byte(proof), jwt.WithKey(jwa.ES256, key.PublicKey()))
	require.NoError(err)

	htu, ok := tok.Get("htu")
	require.True(ok)
	assert.Equal("https://example.org/resource", htu)
	htm, ok := tok.Get("htm")
	require.True(ok)
	assert.Equal("GET", htm)
	jti, ok := tok.Get("jti")
	require.True(ok)
	assert.NotEmpty(jti)
	_, ok = tok.Get("ath")
	assert.False(ok)

	msg, err := jws.Parse([]byte(proof))
	require.NoError(err)
	hdr := msg.Signatures()[0].ProtectedHeaders()
	assert.Equal(JWTType, hdr.Type())
	require.NotNil(hdr.JWK())

	// the embedded key must be the public half only
	_, isPrivate := hdr.JWK().(jwk.ECDSAPrivateKey)
	assert.False(isPrivate)
}

func TestCreateProof_FreshJTI(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	key, err := GenerateKeyPair()
	require.NoError(err)

	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		proof, err := CreateProof("https://example.org/resource", "GET", key)
		require.NoError(err)
		tok, err := jwt.Parse([]byte(proof), jwt.WithKey(jwa.ES256, key.PublicKey()))
		require.NoError(err)
		jti, ok := tok.Get("jti")
		require.True(ok)
		require.False(seen[jti.(string)], "jti reused")
		seen[jti.(string)] = true
	}
}

func TestCreateProof_InvalidInput(t *testing.T) {
	t.Parallel()
	key, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = CreateProof("https://example.org", "", key)
	assert.ErrorIs(t, err, ErrInvalidParameter)
	_, err = CreateProof("https://example.org", "GET", nil)
	assert.ErrorIs(t, err, ErrNilParameter)
	_, err = CreateProof("not-absolute", "GET", key)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestCreateBoundProof(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)

	key, err := GenerateKeyPair()
	require.NoError(err)

	proof, err := CreateBoundProof("https://example.org/resource", "GET", "my-access-token", key)
	require.NoError(err)
	tok, err := jwt.Parse([]byte(proof), jwt.WithKey(jwa.ES256, key.PublicKey()))
	require.NoError(err)

	ath, ok := tok.Get("ath")
	require.True(ok)
	hash := sha256.Sum256([]byte("my-access-token"))
	assert.Equal(base64.RawURLEncoding.EncodeToString(hash[:]), ath)
}

func TestSignRequest(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)

	key, err := GenerateKeyPair()
	require.NoError(err)

	req, err := http.NewRequest(http.MethodGet, "https://example.org/resource", nil)
	require.NoError(err)
	require.NoError(SignRequest(req, key, "my-access-token"))

	assert.Equal("DPoP my-access-token", req.Header.Get("Authorization"))
	proof := req.Header.Get(HeaderName)
	require.NotEmpty(proof)

	tok, err := jwt.Parse([]byte(proof), jwt.WithKey(jwa.ES256, key.PublicKey()))
	require.NoError(err)
	htu, _ := tok.Get("htu")
	assert.Equal("https://example.org/resource", htu)
	htm, _ := tok.Get("htm")
	assert.Equal("GET", htm)
	_, ok := tok.Get("ath")
	assert.True(ok)
}

func TestSignRequest_NilRequest(t *testing.T) {
	t.Parallel()
	key, err := GenerateKeyPair()
	require.NoError(t, err)
	require.ErrorIs(t, SignRequest(nil, key, "tok"), ErrNilParameter)
}

func TestKeyPair_Roundtrip(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)

	key, err := GenerateKeyPair()
	require.NoError(err)

	raw, err := key.MarshalPrivate()
	require.NoError(err)
	restored, err := ParseKeyPair(raw)
	require.NoError(err)

	tp1, err := key.Thumbprint()
	require.NoError(err)
	tp2, err := restored.Thumbprint()
	require.NoError(err)
	assert.Equal(tp1, tp2)
	assert.Equal(jwa.ES256, restored.Algorithm())
}

func TestParseKeyPair_RSA(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)

	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(err)
	priv, err := jwk.FromRaw(raw)
	require.NoError(err)
	data, err := json.Marshal(priv)
	require.NoError(err)

	pair, err := ParseKeyPair(data)
	require.NoError(err)
	assert.Equal(jwa.RS256, pair.Algorithm())
}

func TestParseKeyPair_Invalid(t *testing.T) {
	t.Parallel()
	_, err := ParseKeyPair([]byte("{not a jwk"))
	require.Error(t, err)
}
