package session

import (
	"sync"

	"github.com/hashicorp/go-hclog"
)

// events fans lifecycle notifications out to registered callbacks. Callbacks
// run synchronously within the triggering call, in registration order; a
// panicking callback is recovered so it cannot prevent the rest from running.
type events struct {
	mu        sync.Mutex
	onLogin   []func(Info)
	onLogout  []func()
	onExpired []func()
	onError   []func(error)
	logger    hclog.Logger
}

func (e *events) emitLogin(info Info) {
	e.mu.Lock()
	cbs := append([]func(Info){}, e.onLogin...)
	e.mu.Unlock()
	for _, cb := range cbs {
		e.run(func() { cb(info) })
	}
}

func (e *events) emitLogout() {
	e.mu.Lock()
	cbs := append([]func(){}, e.onLogout...)
	e.mu.Unlock()
	for _, cb := range cbs {
		e.run(cb)
	}
}

func (e *events) emitExpired() {
	e.mu.Lock()
	cbs := append([]func(){}, e.onExpired...)
	e.mu.Unlock()
	for _, cb := range cbs {
		e.run(cb)
	}
}

func (e *events) emitError(err error) {
	e.mu.Lock()
	cbs := append([]func(error){}, e.onError...)
	e.mu.Unlock()
	for _, cb := range cbs {
		e.run(func() { cb(err) })
	}
}

func (e *events) run(f func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("session lifecycle callback panicked", "panic", r)
		}
	}()
	f()
}

// OnLogin registers a callback invoked after a successful login or
// incoming-redirect exchange.
func (s *Session) OnLogin(cb func(Info)) {
	s.events.mu.Lock()
	defer s.events.mu.Unlock()
	s.events.onLogin = append(s.events.onLogin, cb)
}

// OnLogout registers a callback invoked after local logout completes.
func (s *Session) OnLogout(cb func()) {
	s.events.mu.Lock()
	defer s.events.mu.Unlock()
	s.events.onLogout = append(s.events.onLogout, cb)
}

// OnSessionExpired registers a callback invoked when the session's token
// lifetime passes. Expiry is distinct from voluntary logout.
func (s *Session) OnSessionExpired(cb func()) {
	s.events.mu.Lock()
	defer s.events.mu.Unlock()
	s.events.onExpired = append(s.events.onExpired, cb)
}

// OnError registers a callback invoked when a login or redirect-handling
// attempt fails. The session is left anonymous, never half-authenticated.
func (s *Session) OnError(cb func(error)) {
	s.events.mu.Lock()
	defer s.events.mu.Unlock()
	s.events.onError = append(s.events.onError, cb)
}
