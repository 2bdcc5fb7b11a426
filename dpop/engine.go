package dpop

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/solidauth/solidoidc/storage"
)

// keyField is the secure-storage field holding a session's private JWK.
const keyField = "dpopKey"

// Engine manages one proof-of-possession key pair per session, persisting
// the private key in secure storage so it survives the redirect round trip.
type Engine struct {
	mu     sync.Mutex
	store  *storage.Utility
	logger hclog.Logger
}

// NewEngine creates an Engine over the given storage utility.
//
// Supported options: WithLogger.
func NewEngine(store *storage.Utility, opt ...Option) (*Engine, error) {
	const op = "dpop.NewEngine"
	if store == nil {
		return nil, fmt.Errorf("%s: storage utility is nil: %w", op, ErrNilParameter)
	}
	opts := getEngineOpts(opt...)
	return &Engine{store: store, logger: opts.withLogger}, nil
}

// KeyPairFor returns the session's key pair, generating and persisting a
// fresh one on first use. The call is idempotent: an existing key is always
// returned unchanged. An unparseable persisted key is discarded and
// replaced, since a key that cannot be restored can never produce a proof
// the provider would accept anyway.
func (e *Engine) KeyPairFor(ctx context.Context, sessionID string) (*KeyPair, error) {
	const op = "dpop.Engine.KeyPairFor"
	if sessionID == "" {
		return nil, fmt.Errorf("%s: session id is empty: %w", op, ErrInvalidParameter)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	raw, err := e.store.GetForSession(ctx, storage.Secure, sessionID, keyField)
	switch {
	case err == nil:
		key, parseErr := ParseKeyPair([]byte(raw))
		if parseErr == nil {
			return key, nil
		}
		e.logger.Warn("discarding unparseable dpop key", "session_id", sessionID, "error", parseErr)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("%s: unable to read key for session %q: %w", op, sessionID, err)
	}

	key, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	privateJWK, err := key.MarshalPrivate()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to serialize key for session %q: %w", op, sessionID, err)
	}
	// persist before returning so a concurrent caller can never observe a
	// key that was handed out but not stored
	if err := e.store.SetForSession(ctx, storage.Secure, sessionID, map[string]string{keyField: string(privateJWK)}); err != nil {
		return nil, fmt.Errorf("%s: unable to persist key for session %q: %w", op, sessionID, err)
	}
	e.logger.Debug("generated dpop key pair", "session_id", sessionID)
	return key, nil
}

// engineOptions is the set of available options for Engine.
type engineOptions struct {
	withLogger hclog.Logger
}

func engineDefaults() engineOptions {
	return engineOptions{
		withLogger: hclog.NewNullLogger(),
	}
}

func getEngineOpts(opt ...Option) engineOptions {
	opts := engineDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// Option defines a common functional options type for this package.
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default
// options and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		o(opts)
	}
}

// WithLogger provides an optional logger for the engine.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if o, ok := o.(*engineOptions); ok && l != nil {
			o.withLogger = l
		}
	}
}
