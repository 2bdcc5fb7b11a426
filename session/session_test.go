package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solidauth/solidoidc/oidc"
	"github.com/solidauth/solidoidc/storage"
)

// testEnv wires a session to a test provider over fresh in-memory storage
// and records every URL-change callback.
type testEnv struct {
	tp       *oidc.TestProvider
	secure   *storage.Memory
	insecure *storage.Memory
	sess     *Session

	mu      sync.Mutex
	cleaned []string
}

func newTestEnv(t *testing.T, opt ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		tp:       oidc.StartTestProvider(t),
		secure:   storage.NewMemory(),
		insecure: storage.NewMemory(),
	}
	env.tp.SetExpectedAuthCode("test-code")

	opt = append(opt, WithOnURLChange(func(u string) {
		env.mu.Lock()
		defer env.mu.Unlock()
		env.cleaned = append(env.cleaned, u)
	}))
	sess, err := New(Config{
		SecureStorage:   env.secure,
		InsecureStorage: env.insecure,
	}, opt...)
	require.NoError(t, err)
	env.sess = sess
	return env
}

func (e *testEnv) store(t *testing.T) *storage.Utility {
	t.Helper()
	u, err := storage.NewUtility(e.secure, e.insecure)
	require.NoError(t, err)
	return u
}

func (e *testEnv) cleanedURLs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.cleaned...)
}

// login starts an authorization-code login and returns the provider's auth
// URL and the state parameter embedded in it.
func (e *testEnv) login(t *testing.T, opts LoginOptions) (string, string) {
	t.Helper()
	if opts.OIDCIssuer == "" {
		opts.OIDCIssuer = e.tp.Addr()
	}
	if opts.RedirectURL == "" {
		opts.RedirectURL = "https://app.example/cb"
	}
	authURL, err := e.sess.Login(context.Background(), opts)
	require.NoError(t, err)
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)
	return authURL, state
}

// authenticate walks the whole happy path: login, then the provider's
// redirect back with the expected code.
func (e *testEnv) authenticate(t *testing.T, opts LoginOptions) *Info {
	t.Helper()
	_, state := e.login(t, opts)
	q := url.Values{}
	q.Set("code", "test-code")
	q.Set("state", state)
	info, err := e.sess.HandleIncomingRedirect(context.Background(), "https://app.example/cb?"+q.Encode())
	require.NoError(t, err)
	require.NotNil(t, info)
	return info
}

func TestNew(t *testing.T) {
	t.Parallel()
	t.Run("missing-storage", func(t *testing.T) {
		_, err := New(Config{InsecureStorage: storage.NewMemory()})
		require.ErrorIs(t, err, ErrNilParameter)
		_, err = New(Config{SecureStorage: storage.NewMemory()})
		require.ErrorIs(t, err, ErrNilParameter)
	})
	t.Run("generated-session-id", func(t *testing.T) {
		s, err := New(Config{SecureStorage: storage.NewMemory(), InsecureStorage: storage.NewMemory()})
		require.NoError(t, err)
		assert.Regexp(t, "^sess_", s.ID())
		assert.Equal(t, StatusAnonymous, s.Status())
	})
	t.Run("supplied-session-id", func(t *testing.T) {
		s, err := New(Config{
			SessionID:       "my-session",
			SecureStorage:   storage.NewMemory(),
			InsecureStorage: storage.NewMemory(),
		})
		require.NoError(t, err)
		assert.Equal(t, "my-session", s.ID())
	})
}

func TestSession_Login_AuthURL(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	env := newTestEnv(t)

	authURL, state := env.login(t, LoginOptions{ClientName: "my app"})
	assert.Equal(StatusLoginPending, env.sess.Status())

	u, err := url.Parse(authURL)
	require.NoError(err)
	assert.True(strings.HasPrefix(authURL, env.tp.Addr()+"/authorize"))
	q := u.Query()
	assert.Equal("code", q.Get("response_type"))
	assert.Equal("test-registered-client", q.Get("client_id"))
	assert.Equal("https://app.example/cb", q.Get("redirect_uri"))
	assert.Equal("S256", q.Get("code_challenge_method"))
	assert.NotEmpty(q.Get("code_challenge"))
	scope := q.Get("scope")
	assert.Contains(scope, "openid")
	assert.Contains(scope, "webid")
	assert.Contains(scope, "offline_access")

	// pending state survives the upcoming page navigation via storage
	store := env.store(t)
	ctx := context.Background()
	issuer, err := store.GetForSession(ctx, storage.Secure, env.sess.ID(), "issuer")
	require.NoError(err)
	assert.Equal(env.tp.Addr(), issuer)
	verifier, err := store.GetForSession(ctx, storage.Secure, env.sess.ID(), "codeVerifier")
	require.NoError(err)
	assert.NotEmpty(verifier)
	mapped, err := store.Get(ctx, storage.Insecure, "login-state:"+state)
	require.NoError(err)
	assert.Equal(env.sess.ID(), mapped)
}

func TestSession_Login_PromptPassthrough(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	authURL, _ := env.login(t, LoginOptions{Prompt: "consent"})
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "consent", u.Query().Get("prompt"))
}

func TestSession_Login_RedirectFuncInvoked(t *testing.T) {
	t.Parallel()
	var redirected string
	env := newTestEnv(t, WithRedirectFunc(func(u string) error {
		redirected = u
		return nil
	}))
	authURL, _ := env.login(t, LoginOptions{})
	assert.Equal(t, authURL, redirected)
}

func TestSession_FullLogin_DPoP(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	env := newTestEnv(t)

	info := env.authenticate(t, LoginOptions{})
	assert.True(info.IsLoggedIn)
	assert.Equal("https://me.example/profile#me", info.WebID)
	assert.Equal("test-registered-client", info.ClientAppID)
	assert.False(info.ExpirationDate.IsZero())
	assert.Equal(StatusAuthenticated, env.sess.Status())
	assert.Equal(1, env.tp.TokenCallCount())

	// Info reads back the same view from storage
	got, err := env.sess.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(info.WebID, got.WebID)
	assert.True(got.IsLoggedIn)
}

func TestSession_PKCEVerifierSentToTokenEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	_, state := env.login(t, LoginOptions{})

	// the provider only accepts the verifier persisted at login time
	verifier, err := env.store(t).GetForSession(context.Background(), storage.Secure, env.sess.ID(), "codeVerifier")
	require.NoError(t, err)
	env.tp.SetExpectedCodeVerifier(verifier)

	q := url.Values{}
	q.Set("code", "test-code")
	q.Set("state", state)
	info, err := env.sess.HandleIncomingRedirect(context.Background(), "https://app.example/cb?"+q.Encode())
	require.NoError(t, err)
	assert.True(t, info.IsLoggedIn)
}

func TestSession_Do_DPoP(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	env := newTestEnv(t)
	env.authenticate(t, LoginOptions{})

	var gotAuth, gotProof string
	rs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotAuth = req.Header.Get("Authorization")
		gotProof = req.Header.Get("DPoP")
		w.WriteHeader(http.StatusOK)
	}))
	defer rs.Close()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, rs.URL+"/resource", nil)
	require.NoError(err)
	resp, err := env.sess.Do(req)
	require.NoError(err)
	resp.Body.Close()

	assert.Equal("DPoP test-access-token-1", gotAuth)
	assert.NotEmpty(gotProof)
}

func TestSession_Do_Bearer(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	env := newTestEnv(t)
	env.authenticate(t, LoginOptions{TokenType: oidc.TokenTypeBearer})

	var gotAuth, gotProof string
	rs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotAuth = req.Header.Get("Authorization")
		gotProof = req.Header.Get("DPoP")
		w.WriteHeader(http.StatusOK)
	}))
	defer rs.Close()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, rs.URL+"/resource", nil)
	require.NoError(err)
	resp, err := env.sess.Do(req)
	require.NoError(err)
	resp.Body.Close()

	assert.Equal("Bearer test-access-token-1", gotAuth)
	assert.Empty(gotProof)
}

func TestSession_Do_NotLoggedIn(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	req, err := http.NewRequest(http.MethodGet, "https://example.org/resource", nil)
	require.NoError(t, err)
	_, err = env.sess.Do(req)
	require.ErrorIs(t, err, ErrNotLoggedIn)

	_, err = env.sess.Do(nil)
	require.ErrorIs(t, err, ErrNilParameter)
}

func TestSession_Refresh(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	env := newTestEnv(t)
	env.tp.SetExpectedRefreshToken("test-refresh-token")

	env.authenticate(t, LoginOptions{})
	require.Equal(1, env.tp.TokenCallCount())

	info, err := env.sess.Refresh(context.Background())
	require.NoError(err)
	assert.True(info.IsLoggedIn)
	assert.Equal(2, env.tp.TokenCallCount())

	// the fresh access token is now in use
	got, err := env.store(t).GetForSession(context.Background(), storage.Secure, env.sess.ID(), "accessToken")
	require.NoError(err)
	assert.Equal("test-access-token-2", got)
}

func TestSession_Refresh_NotLoggedIn(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	_, err := env.sess.Refresh(context.Background())
	require.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestSession_Info_Expiry(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	env := newTestEnv(t)
	ctx := context.Background()

	var expired bool
	env.sess.OnSessionExpired(func() { expired = true })

	require.NoError(env.store(t).SetForSession(ctx, storage.Insecure, env.sess.ID(), map[string]string{
		"isLoggedIn":     "true",
		"webId":          "https://me.example/profile#me",
		"expirationDate": time.Now().Add(-time.Minute).Format(time.RFC3339),
	}))

	info, err := env.sess.Info(ctx)
	require.NoError(err)
	assert.False(info.IsLoggedIn)
	assert.True(expired)
	assert.Equal(StatusAnonymous, env.sess.Status())

	// the expired signal fires once, not on every Info call
	expired = false
	_, err = env.sess.Info(ctx)
	require.NoError(err)
	assert.False(expired)
}

func TestSession_Events(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	env := newTestEnv(t)

	var order []string
	env.sess.OnLogin(func(Info) { order = append(order, "first") })
	env.sess.OnLogin(func(Info) { panic("callback gone wrong") })
	env.sess.OnLogin(func(Info) { order = append(order, "third") })

	env.authenticate(t, LoginOptions{})

	// callbacks ran in registration order and the panic did not stop the rest
	assert.Equal([]string{"first", "third"}, order)
}

func TestSession_LoginError_EmitsErrorAndStaysAnonymous(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	env := newTestEnv(t)
	ctx := context.Background()

	var gotErr error
	env.sess.OnError(func(err error) { gotErr = err })

	_, state := env.login(t, LoginOptions{})
	q := url.Values{}
	q.Set("error", "access_denied")
	q.Set("error_description", "user said no")
	q.Set("state", state)
	_, err := env.sess.HandleIncomingRedirect(ctx, "https://app.example/cb?"+q.Encode())
	require.Error(err)

	var pe *oidc.ProviderError
	require.ErrorAs(err, &pe)
	assert.Equal("access_denied", pe.Code)
	assert.NotNil(gotErr)
	assert.Equal(StatusAnonymous, env.sess.Status())

	// partial session state was cleared, not left half-authenticated
	info, err := env.sess.Info(ctx)
	require.NoError(err)
	assert.False(info.IsLoggedIn)
}

func TestDefaultSession(t *testing.T) {
	first := Default()
	second := Default()
	assert.Same(t, first, second)

	req, err := http.NewRequest(http.MethodGet, "https://example.org/resource", nil)
	require.NoError(t, err)
	_, err = Do(req)
	require.ErrorIs(t, err, ErrNotLoggedIn)

	_, err = Login(context.Background(), LoginOptions{})
	require.ErrorIs(t, err, ErrNoHandlerFound)
}

func TestSession_StatusTransitions(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	assert.Equal(t, StatusAnonymous, env.sess.Status())
	env.login(t, LoginOptions{})
	assert.Equal(t, StatusLoginPending, env.sess.Status())
}

func ExampleNew() {
	sess, err := New(Config{
		SecureStorage:   storage.NewMemory(),
		InsecureStorage: storage.NewMemory(),
	})
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(sess.Status())
	// Output: anonymous
}
