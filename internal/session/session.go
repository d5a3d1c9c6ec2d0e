// Package session owns the per-session state machine and the orchestrator
// that wires workspace, container, terminal, and watch subscription
// together — and unwinds them, in reverse, when anything fails.
package session

import (
	"sync"
	"time"

	"github.com/covehq/cove/internal/container"
	"github.com/covehq/cove/internal/terminal"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusTerminating  Status = "terminating"
	StatusClosed       Status = "closed"
	// StatusFailed is terminal and reachable only from Initializing.
	StatusFailed Status = "failed"
)

// Conn is the send half of the client's connection, provided by the
// transport layer. Implementations must be safe for concurrent use: the
// terminal pump, the watch forwarder, and request handling all emit.
type Conn interface {
	Emit(name string, payload any) error
}

// Session is the unit of isolation: one workspace, at most one container,
// at most one terminal, owned exclusively by this session.
type Session struct {
	ID            string
	WorkspaceRoot string
	CreatedAt     time.Time

	conn Conn

	// mu serializes status/handle mutation between the connection path
	// and the terminal-exit path so teardown cannot run twice.
	mu        sync.Mutex
	status    Status
	container *container.Handle
	terminal  *terminal.Terminal
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ContainerName returns the session's container name, or "" before the
// container exists.
func (s *Session) ContainerName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.container == nil {
		return ""
	}
	return s.container.Name
}

// Registry maps session id → live session. It is the only mutable
// structure shared across sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session. A live session under the same id is an error:
// the id is free for reuse only after the old entry is removed.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return &DuplicateIDError{ID: s.ID}
	}
	r.sessions[s.ID] = s
	return nil
}

// Get returns the session for id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Remove drops the session's entry, freeing the id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// DuplicateIDError reports an attempt to register an id that is still live.
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return "session id already in use: " + e.ID
}
