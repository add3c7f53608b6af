// Package session tracks every live connection's authenticated identity and
// room subscriptions. The registry is the only place the connection-to-
// identity mapping lives; sessions are ephemeral and die with their
// connection, while identities and room membership are durable.
package session

import (
	"sync"
)

// Session is the in-memory state of one open connection. Exactly one Session
// exists per live connection. IdentityID and Role populate only after
// successful authentication; the cached Role identifies the session but is
// never trusted for post authorization, which re-reads live state.
type Session struct {
	ConnID        string
	mu            sync.RWMutex
	identityID    string
	nickname      string
	role          string
	authenticated bool
	joinedRooms   map[string]bool
}

// Authenticated reports whether the session has completed authentication.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// Identity returns the identity ID, nickname, and cached role. The identity
// fields are zero until authentication succeeds.
func (s *Session) Identity() (id, nickname, role string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identityID, s.nickname, s.role
}

// Join adds a room to the session's subscription set.
func (s *Session) Join(room string) {
	s.mu.Lock()
	s.joinedRooms[room] = true
	s.mu.Unlock()
}

// HasJoined reports whether the session subscribed to the room during this
// connection's lifetime. Durable membership alone is not enough to receive
// room events.
func (s *Session) HasJoined(room string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.joinedRooms[room]
}

// Rooms returns a snapshot of the session's joined rooms.
func (s *Session) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms := make([]string, 0, len(s.joinedRooms))
	for room := range s.joinedRooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// Registry is a thread-safe index of live sessions, keyed both by connection
// ID and by identity ID. The identity index serves role-change broadcast and
// forced disconnect on ban.
type Registry struct {
	mu         sync.RWMutex
	byConn     map[string]*Session
	byIdentity map[string]map[string]*Session // identity ID -> conn ID -> session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn:     make(map[string]*Session),
		byIdentity: make(map[string]map[string]*Session),
	}
}

// Register creates a pending-auth session for a new connection and returns
// it. The caller supplies the connection ID assigned by the transport layer.
func (r *Registry) Register(connID string) *Session {
	s := &Session{
		ConnID:      connID,
		joinedRooms: make(map[string]bool),
	}

	r.mu.Lock()
	r.byConn[connID] = s
	r.mu.Unlock()
	return s
}

// Authenticate marks a session authenticated and records it in the identity
// index. Returns false if the connection is unknown (already released).
func (r *Registry) Authenticate(connID, identityID, nickname, role string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byConn[connID]
	if !ok {
		return false
	}

	s.mu.Lock()
	previous := s.identityID
	s.identityID = identityID
	s.nickname = nickname
	s.role = role
	s.authenticated = true
	s.mu.Unlock()

	// Unlink the prior identity entry so a rebound session is never
	// reachable under an identity it no longer holds.
	if previous != "" && previous != identityID {
		if conns, ok := r.byIdentity[previous]; ok {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(r.byIdentity, previous)
			}
		}
	}

	conns, ok := r.byIdentity[identityID]
	if !ok {
		conns = make(map[string]*Session)
		r.byIdentity[identityID] = conns
	}
	conns[connID] = s
	return true
}

// Lookup returns the session for a connection, or nil.
func (r *Registry) Lookup(connID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConn[connID]
}

// ForIdentity returns all live sessions authenticated as the given identity.
func (r *Registry) ForIdentity(identityID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byIdentity[identityID]
	sessions := make([]*Session, 0, len(conns))
	for _, s := range conns {
		sessions = append(sessions, s)
	}
	return sessions
}

// All returns a snapshot of every live session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.byConn))
	for _, s := range r.byConn {
		sessions = append(sessions, s)
	}
	return sessions
}

// Release removes a session from both indexes. Returns true if the session
// was present. Room membership is durable and is not touched here.
func (r *Registry) Release(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byConn[connID]
	if !ok {
		return false
	}
	delete(r.byConn, connID)

	s.mu.RLock()
	identityID := s.identityID
	s.mu.RUnlock()

	if identityID != "" {
		if conns, ok := r.byIdentity[identityID]; ok {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(r.byIdentity, identityID)
			}
		}
	}
	return true
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
