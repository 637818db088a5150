package relay

import (
	"context"
	"log/slog"
	"sync"
)

// Supervisor owns a set of sessions over one agent, keyed by session ID.
// Each session isolates its own failures: a panicking run fails that
// session's run and nothing else. All methods are safe for concurrent
// use.
type Supervisor struct {
	agent   *Agent
	logger  *slog.Logger
	archive Archive
	deps    Deps

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// SupervisorLogger sets the structured logger handed to new sessions.
func SupervisorLogger(l *slog.Logger) SupervisorOption {
	return func(sv *Supervisor) { sv.logger = l }
}

// SupervisorArchive mirrors every session's runs into a store.
func SupervisorArchive(a Archive) SupervisorOption {
	return func(sv *Supervisor) { sv.archive = a }
}

// SupervisorDeps seeds each new session's dependency bag. Per-session
// SessionDeps passed to Open override it.
func SupervisorDeps(deps Deps) SupervisorOption {
	return func(sv *Supervisor) { sv.deps = deps }
}

// NewSupervisor builds a supervisor around an agent.
func NewSupervisor(agent *Agent, opts ...SupervisorOption) *Supervisor {
	sv := &Supervisor{
		agent:    agent,
		sessions: map[string]*Session{},
	}
	for _, opt := range opts {
		opt(sv)
	}
	if sv.logger == nil {
		sv.logger = agent.logger
	}
	return sv
}

// Open returns the session with the given ID, creating it if needed. An
// empty ID creates a session with a fresh identifier. The supervisor's
// logger, archive, and deps apply first; opts may override them.
func (sv *Supervisor) Open(id string, opts ...SessionOption) (*Session, error) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.closed {
		return nil, ErrSessionClosed
	}
	if id != "" {
		if s, ok := sv.sessions[id]; ok {
			return s, nil
		}
	} else {
		id = NewID()
	}

	base := []SessionOption{
		SessionID(id),
		SessionLogger(sv.logger),
	}
	if sv.archive != nil {
		base = append(base, SessionArchive(sv.archive))
	}
	if sv.deps != nil {
		base = append(base, SessionDeps(sv.deps))
	}
	s := NewSession(sv.agent, append(base, opts...)...)
	sv.sessions[id] = s
	sv.logger.Info("session opened", "session_id", id, "agent", sv.agent.Name())
	return s, nil
}

// Get returns an existing session.
func (sv *Supervisor) Get(id string) (*Session, bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	s, ok := sv.sessions[id]
	return s, ok
}

// Sessions snapshots the open session IDs.
func (sv *Supervisor) Sessions() []string {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	ids := make([]string, 0, len(sv.sessions))
	for id := range sv.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Close closes one session and forgets it. Closing an unknown session is
// a no-op.
func (sv *Supervisor) Close(ctx context.Context, id string) error {
	sv.mu.Lock()
	s, ok := sv.sessions[id]
	delete(sv.sessions, id)
	sv.mu.Unlock()
	if !ok {
		return nil
	}
	sv.logger.Info("session closed", "session_id", id)
	return s.Close(ctx)
}

// Shutdown closes every session and rejects further opens. The first
// close error is reported; the remaining sessions still close.
func (sv *Supervisor) Shutdown(ctx context.Context) error {
	sv.mu.Lock()
	if sv.closed {
		sv.mu.Unlock()
		return nil
	}
	sv.closed = true
	sessions := make([]*Session, 0, len(sv.sessions))
	for _, s := range sv.sessions {
		sessions = append(sessions, s)
	}
	sv.sessions = map[string]*Session{}
	sv.mu.Unlock()

	var firstErr error
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	sv.logger.Info("supervisor shut down", "sessions", len(sessions))
	return firstErr
}
