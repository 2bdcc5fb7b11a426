// Package storage provides the partitioned key/value persistence used by the
// session engine. Data is split across two namespaces: a secure store for
// token and key material, and an insecure store for public session info. All
// per-session reads and writes are scoped by session id, so independent
// sessions never collide.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a key (or a session field) is absent from the
// underlying store.
var ErrNotFound = errors.New("not found")

// Storage is the injected persistence capability. Embeddings supply their
// own implementations (browser localStorage equivalents, Redis, etc). Two
// instances are typically created: one secure, one insecure.
//
// Implementations must be safe for concurrent use.
type Storage interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores the value for key, overwriting any previous value.
	Set(ctx context.Context, key string, value string) error

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// Namespace selects which of the two partitions a read/write targets.
type Namespace int

const (
	// Insecure is the partition for public session info (no token material).
	Insecure Namespace = iota

	// Secure is the partition for tokens, keys and client secrets.
	Secure
)

// String returns the namespace name.
func (n Namespace) String() string {
	switch n {
	case Secure:
		return "secure"
	default:
		return "insecure"
	}
}

// sessionKeyPrefix namespaces all per-session documents in the backing
// stores.
const sessionKeyPrefix = "user-session:"

// SessionKey returns the storage key under which a session's document lives.
func SessionKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}

// Utility wraps a secure and an insecure Storage and scopes every operation
// by session id. Each session's data is a single JSON object per namespace,
// stored under "user-session:<sessionId>".
//
// Writes are best-effort, not transactional: a ClearSession racing with a
// SetForSession can leave the session either fully present or fully absent,
// but never torn mid-document. Callers that read multiple related fields must
// tolerate the fully-cleared intermediate state.
type Utility struct {
	secure   Storage
	insecure Storage
}

// NewUtility creates a Utility over the two given stores.
func NewUtility(secure Storage, insecure Storage) (*Utility, error) {
	const op = "storage.NewUtility"
	if secure == nil {
		return nil, fmt.Errorf("%s: secure storage is nil", op)
	}
	if insecure == nil {
		return nil, fmt.Errorf("%s: insecure storage is nil", op)
	}
	return &Utility{secure: secure, insecure: insecure}, nil
}

func (u *Utility) store(ns Namespace) Storage {
	if ns == Secure {
		return u.secure
	}
	return u.insecure
}

// readSession returns the session's field document in the given namespace.
// A corrupt (unparseable) document is discarded and treated as absent:
// restoring a session is best-effort.
func (u *Utility) readSession(ctx context.Context, ns Namespace, sessionID string) (map[string]string, error) {
	raw, err := u.store(ns).Get(ctx, SessionKey(sessionID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	fields := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		_ = u.store(ns).Delete(ctx, SessionKey(sessionID))
		return map[string]string{}, nil
	}
	return fields, nil
}

func (u *Utility) writeSession(ctx context.Context, ns Namespace, sessionID string, fields map[string]string) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return u.store(ns).Set(ctx, SessionKey(sessionID), string(raw))
}

// GetForSession returns a single field of the session's document, or
// ErrNotFound when either the session or the field is absent.
func (u *Utility) GetForSession(ctx context.Context, ns Namespace, sessionID string, field string) (string, error) {
	const op = "storage.Utility.GetForSession"
	fields, err := u.readSession(ctx, ns, sessionID)
	if err != nil {
		return "", fmt.Errorf("%s: unable to read session %q: %w", op, sessionID, err)
	}
	v, ok := fields[field]
	if !ok {
		return "", fmt.Errorf("%s: field %q for session %q: %w", op, field, sessionID, ErrNotFound)
	}
	return v, nil
}

// SetForSession merges the given fields into the session's document in the
// given namespace.
func (u *Utility) SetForSession(ctx context.Context, ns Namespace, sessionID string, fields map[string]string) error {
	const op = "storage.Utility.SetForSession"
	current, err := u.readSession(ctx, ns, sessionID)
	if err != nil {
		return fmt.Errorf("%s: unable to read session %q: %w", op, sessionID, err)
	}
	for k, v := range fields {
		current[k] = v
	}
	if err := u.writeSession(ctx, ns, sessionID, current); err != nil {
		return fmt.Errorf("%s: unable to write session %q: %w", op, sessionID, err)
	}
	return nil
}

// DeleteForSession removes a single field from the session's document.
// Removing an absent field is not an error.
func (u *Utility) DeleteForSession(ctx context.Context, ns Namespace, sessionID string, field string) error {
	const op = "storage.Utility.DeleteForSession"
	current, err := u.readSession(ctx, ns, sessionID)
	if err != nil {
		return fmt.Errorf("%s: unable to read session %q: %w", op, sessionID, err)
	}
	if _, ok := current[field]; !ok {
		return nil
	}
	delete(current, field)
	if err := u.writeSession(ctx, ns, sessionID, current); err != nil {
		return fmt.Errorf("%s: unable to write session %q: %w", op, sessionID, err)
	}
	return nil
}

// ClearSession removes the session's documents from both namespaces.
func (u *Utility) ClearSession(ctx context.Context, sessionID string) error {
	const op = "storage.Utility.ClearSession"
	if err := u.secure.Delete(ctx, SessionKey(sessionID)); err != nil {
		return fmt.Errorf("%s: unable to clear secure storage for session %q: %w", op, sessionID, err)
	}
	if err := u.insecure.Delete(ctx, SessionKey(sessionID)); err != nil {
		return fmt.Errorf("%s: unable to clear insecure storage for session %q: %w", op, sessionID, err)
	}
	return nil
}

// Get reads a raw (non-session-scoped) key in the given namespace. Used for
// cross-session indexes like the login state lookup.
func (u *Utility) Get(ctx context.Context, ns Namespace, key string) (string, error) {
	return u.store(ns).Get(ctx, key)
}

// Set writes a raw key in the given namespace.
func (u *Utility) Set(ctx context.Context, ns Namespace, key string, value string) error {
	return u.store(ns).Set(ctx, key, value)
}

// Delete removes a raw key in the given namespace.
func (u *Utility) Delete(ctx context.Context, ns Namespace, key string) error {
	return u.store(ns).Delete(ctx, key)
}
