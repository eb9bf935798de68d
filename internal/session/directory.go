package session

import "sync"

// Directory maps connection ids to their current session records. A
// connection holds at most one session at a time; the record mirrors the
// matching Member in the room roster.
type Directory struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewDirectory returns an empty session directory.
func NewDirectory() *Directory {
	return &Directory{sessions: make(map[string]Session)}
}

// Bind records a connection's session, replacing any previous binding.
func (d *Directory) Bind(connID string, session Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[connID] = session
}

// Lookup returns the session bound to a connection.
func (d *Directory) Lookup(connID string) (Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	session, ok := d.sessions[connID]
	return session, ok
}

// Unbind drops a connection's session if present.
func (d *Directory) Unbind(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, connID)
}

// UpdateRole rewrites the role on an existing binding. Promotions and
// demotions go through here so the directory never drifts from the roster.
func (d *Directory) UpdateRole(connID string, role Role) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if session, ok := d.sessions[connID]; ok {
		session.Role = role
		d.sessions[connID] = session
	}
}

// Len reports the number of bound sessions.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}
