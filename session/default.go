package session

import (
	"context"
	"net/http"
	"sync"

	"github.com/solidauth/solidoidc/storage"
)

// The package-level default session backs the top-level convenience
// functions. It is constructed once, on first access, over in-memory
// storage, and lives for the remainder of the process; it is never torn
// down. Embeddings that need persistence, a custom HTTP client or multiple
// concurrent sessions construct their own Session with New.
var (
	defaultOnce    sync.Once
	defaultSession *Session
)

// Default returns the process-wide default session.
func Default() *Session {
	defaultOnce.Do(func() {
		s, err := New(Config{
			SecureStorage:   storage.NewMemory(),
			InsecureStorage: storage.NewMemory(),
		})
		if err != nil {
			// New only fails on nil storage or a broken random source;
			// neither is recoverable here
			panic(err)
		}
		defaultSession = s
	})
	return defaultSession
}

// Login starts a login attempt on the default session.
func Login(ctx context.Context, opts LoginOptions) (string, error) {
	return Default().Login(ctx, opts)
}

// HandleIncomingRedirect processes a provider redirect on the default
// session.
func HandleIncomingRedirect(ctx context.Context, rawURL string) (*Info, error) {
	return Default().HandleIncomingRedirect(ctx, rawURL)
}

// Do performs an authenticated request on the default session.
func Do(req *http.Request) (*http.Response, error) {
	return Default().Do(req)
}

// Logout ends the default session.
func Logout(ctx context.Context, opts LogoutOptions) error {
	return Default().Logout(ctx, opts)
}
