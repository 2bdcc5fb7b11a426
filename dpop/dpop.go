// Package dpop implements Demonstrating Proof-of-Possession (RFC 9449) for
// the client side: per-session key pair management and per-request proof
// construction. The private key material never leaves this package; callers
// only observe proof tokens and the public half of the key.
package dpop

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/segmentio/ksuid"
)

const (
	// HeaderName is the HTTP header carrying the proof.
	HeaderName = "DPoP"

	// JWTType is the fixed "typ" header value of a proof token.
	JWTType = "dpop+jwt"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNilParameter     = errors.New("nil parameter")
	ErrUnsupportedKey   = errors.New("unsupported key type")
)

// KeyPair is a session's proof-of-possession key pair. Once generated for a
// session it is reused for every subsequent proof in that session; there is
// no rotation path.
type KeyPair struct {
	private jwk.Key
	public  jwk.Key
	alg     jwa.SignatureAlgorithm
}

// GenerateKeyPair generates a fresh EC P-256 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	const op = "dpop.GenerateKeyPair"
	raw, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate ec key: %w", op, err)
	}
	private, err := jwk.FromRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create jwk: %w", op, err)
	}
	return newKeyPair(private)
}

// ParseKeyPair restores a key pair from the JSON of its private JWK, as
// produced by MarshalPrivate.
func ParseKeyPair(privateJWK []byte) (*KeyPair, error) {
	const op = "dpop.ParseKeyPair"
	private, err := jwk.ParseKey(privateJWK)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to parse private jwk: %w", op, err)
	}
	return newKeyPair(private)
}

func newKeyPair(private jwk.Key) (*KeyPair, error) {
	const op = "dpop.newKeyPair"
	alg, err := algForKey(private)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	public, err := private.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to derive public key: %w", op, err)
	}
	return &KeyPair{private: private, public: public, alg: alg}, nil
}

// algForKey picks the signing algorithm matching the key's type and curve.
func algForKey(k jwk.Key) (jwa.SignatureAlgorithm, error) {
	switch k.KeyType() {
	case jwa.EC:
		ecKey, ok := k.(jwk.ECDSAPrivateKey)
		if !ok {
			return "", fmt.Errorf("ec key does not expose its curve: %w", ErrUnsupportedKey)
		}
		switch ecKey.Crv() {
		case jwa.P256:
			return jwa.ES256, nil
		case jwa.P384:
			return jwa.ES384, nil
		case jwa.P521:
			return jwa.ES512, nil
		default:
			return "", fmt.Errorf("unsupported curve %q: %w", ecKey.Crv(), ErrUnsupportedKey)
		}
	case jwa.RSA:
		return jwa.RS256, nil
	default:
		return "", fmt.Errorf("key type %q: %w", k.KeyType(), ErrUnsupportedKey)
	}
}

// PublicKey returns the public half of the pair.
func (k *KeyPair) PublicKey() jwk.Key {
	return k.public
}

// Algorithm returns the signing algorithm matching the key's curve.
func (k *KeyPair) Algorithm() jwa.SignatureAlgorithm {
	return k.alg
}

// Thumbprint returns the RFC 7638 SHA-256 thumbprint of the public key.
func (k *KeyPair) Thumbprint() (string, error) {
	tp, err := k.public.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}

// MarshalPrivate serializes the private JWK for secure persistence. The
// result must only ever be written to secure storage.
func (k *KeyPair) MarshalPrivate() ([]byte, error) {
	return json.Marshal(k.private)
}

// NormalizeHTU normalizes a proof audience URL per the htu claim rules:
// userinfo and fragment are stripped and an empty path defaults to "/".
func NormalizeHTU(audience string) (string, error) {
	const op = "dpop.NormalizeHTU"
	u, err := url.Parse(audience)
	if err != nil {
		return "", fmt.Errorf("%s: unable to parse audience %q: %w", op, audience, err)
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("%s: audience %q is not an absolute url: %w", op, audience, ErrInvalidParameter)
	}
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// CreateProof builds a signed proof token for the given audience URL and
// HTTP method. Every call uses a fresh jti; proofs are never reused.
func CreateProof(audience string, method string, key *KeyPair) (string, error) {
	return createProof(audience, method, "", key)
}

// CreateBoundProof is CreateProof with an ath claim binding the proof to the
// access token presented alongside it (used on resource requests).
func CreateBoundProof(audience string, method string, accessToken string, key *KeyPair) (string, error) {
	return createProof(audience, method, accessToken, key)
}

func createProof(audience string, method string, accessToken string, key *KeyPair) (string, error) {
	const op = "dpop.CreateProof"
	if key == nil {
		return "", fmt.Errorf("%s: key pair is nil: %w", op, ErrNilParameter)
	}
	if method == "" {
		return "", fmt.Errorf("%s: http method is empty: %w", op, ErrInvalidParameter)
	}
	htu, err := NormalizeHTU(audience)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	token := jwt.New()
	_ = token.Set("jti", ksuid.New().String())
	_ = token.Set("htm", strings.ToUpper(method))
	_ = token.Set("htu", htu)
	_ = token.Set("iat", time.Now().Unix())
	if accessToken != "" {
		hash := sha256.Sum256([]byte(accessToken))
		_ = token.Set("ath", base64.RawURLEncoding.EncodeToString(hash[:]))
	}

	headers := jws.NewHeaders()
	_ = headers.Set("typ", JWTType)
	_ = headers.Set("jwk", key.public)

	signed, err := jwt.Sign(token, jwt.WithKey(key.alg, key.private, jws.WithProtectedHeaders(headers)))
	if err != nil {
		return "", fmt.Errorf("%s: unable to sign proof: %w", op, err)
	}
	return string(signed), nil
}

// SignRequest attaches a DPoP-bound Authorization header and a matching
// proof to the outgoing request.
func SignRequest(req *http.Request, key *KeyPair, accessToken string) error {
	const op = "dpop.SignRequest"
	if req == nil {
		return fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	}
	proof, err := createProof(req.URL.String(), req.Method, accessToken, key)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "DPoP "+accessToken)
	}
	req.Header.Set(HeaderName, proof)
	return nil
}
