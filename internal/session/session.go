// Package session implements the Consumer Session Manager's core session
// map and state machine (SPEC_FULL.md §4.7). Per-transport packages
// (internal/transport/{stdio,sse,streamable}) register and complete
// sessions here; this package owns only the map and the three shared
// protocol handlers (initialize/tools/list/tools/call), grounded in shape
// on registry/registry.go's single-owner map discipline.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/edgerun/edgerund/internal/domain"
	"github.com/edgerun/edgerund/internal/jsonrpc"
	"github.com/edgerun/edgerund/internal/telemetry"
	"github.com/edgerun/edgerund/internal/toolsetview"
)

// State is a node in the common opening->initializing->ready->closing->closed
// state machine (SPEC_FULL.md §4.7.2).
type State string

const (
	StateOpening      State = "opening"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateClosing      State = "closing"
	StateClosed       State = "closed"
)

// Transport is the minimal surface the Manager and the protocol handlers
// need from a per-session transport: push an outbound JSON-RPC frame (a
// response or a server-initiated notification), and release transport-held
// resources on close.
type Transport interface {
	Send(ctx context.Context, frame any) error
	Close(ctx context.Context) error
}

// Session is one consumer connection's mutable record. Per SPEC_FULL.md §5's
// "session map" ownership rule, a streamable-HTTP session is registered
// partially (Kind + ID only, state opening) before its transport finishes
// connecting, then Complete mutates it in place — any reference a racing
// handler captured before completion stays valid (the late-completion
// pattern, SPEC_FULL.md §9).
type Session struct {
	mu sync.Mutex

	ID   string
	Kind string // "stdio" | "sse" | "streamable"

	state     State
	Identity  domain.ToolsetIdentity
	View      *toolsetview.View
	Transport Transport
}

// State returns the current state-machine node.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Complete finishes a partially-registered session: attaches the
// authenticated identity, the Session Toolset View, and the connected
// transport, and moves the session to initializing.
func (s *Session) Complete(identity domain.ToolsetIdentity, view *toolsetview.View, transport Transport) {
	s.mu.Lock()
	s.Identity = identity
	s.View = view
	s.Transport = transport
	s.state = StateInitializing
	s.mu.Unlock()
}

// Ready marks the session usable for tools/list and tools/call, entered
// once initialize has returned a first toolset snapshot.
func (s *Session) Ready() { s.setState(StateReady) }

// Send pushes an outbound frame (response or notification) on the session's
// transport. Returns an error if the transport has not been attached yet.
func (s *Session) Send(ctx context.Context, frame any) error {
	s.mu.Lock()
	t := s.Transport
	s.mu.Unlock()
	if t == nil {
		return errors.New("session: transport not yet attached")
	}
	return t.Send(ctx, frame)
}

// Manager owns the session map; every mutation is serialized through it,
// per SPEC_FULL.md §5's "session map: owned by the session manager" rule.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	logger   telemetry.Logger
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l telemetry.Logger) Option { return func(m *Manager) { m.logger = l } }

// NewManager constructs an empty session Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{sessions: make(map[string]*Session), logger: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register creates and stores a partial session record (state opening)
// before its transport finishes connecting — see Session's doc comment for
// why this precedes Complete instead of constructing a finished Session.
func (m *Manager) Register(kind, id string) *Session {
	sess := &Session{ID: id, Kind: kind, state: StateOpening}
	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()
	return sess
}

// Get looks up a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseSession transitions a session to closing, releases its Session
// Toolset View and transport, and removes it from the map. Idempotent: a
// second close of an already-removed id is a no-op.
func (m *Manager) CloseSession(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	sess.setState(StateClosing)
	var errs []error
	if sess.View != nil {
		sess.View.Close()
	}
	if sess.Transport != nil {
		if err := sess.Transport.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	sess.setState(StateClosed)
	return errors.Join(errs...)
}

// CloseAll tears down every live session, tolerating individual failures
// (SPEC_FULL.md §5 shutdown rule: "aggregated, not fatal").
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.CloseSession(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WatchToolChanges pushes a "notifications/tools/list_changed" JSON-RPC
// notification on sess's transport for every emission of its view's tool
// observable, until ctx is cancelled or the view closes (SPEC_FULL.md
// §4.7.4 "List-changed notifications"). Callers run this in its own
// goroutine once the session's view and transport are attached. The view's
// observable delivers its current snapshot on attach, so a notification is
// pushed right away whenever a snapshot is already present.
func (m *Manager) WatchToolChanges(ctx context.Context, sess *Session) {
	if sess.View == nil {
		return
	}
	ch := sess.View.ToolsObservable()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			notif, err := jsonrpc.NewNotification("notifications/tools/list_changed", nil)
			if err != nil {
				continue
			}
			if err := sess.Send(ctx, notif); err != nil {
				m.logger.Warn(ctx, "push list_changed notification failed", "session", sess.ID, "err", err)
				return
			}
		}
	}
}
