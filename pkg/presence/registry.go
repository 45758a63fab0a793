// Package presence tracks which identities hold live connections.
//
// The registry is process-local and ephemeral. It is rebuilt from
// scratch on every start.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/gotalk/pkg/model"
)

// Registry maps identities to their sessions and sessions back to their
// identity. One mutex guards both maps so every register/remove updates
// the two directions together.
type Registry struct {
	mu        sync.RWMutex
	byHandle  map[string]map[string]struct{} // handle -> set of sessionIDs
	bySession map[string]*model.Session      // sessionID -> entry
	closed    bool
	now       func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byHandle:  make(map[string]map[string]struct{}),
		bySession: make(map[string]*model.Session),
		now:       time.Now,
	}
}

// Register binds sessionID to handle. It is idempotent. A session already
// bound to a different handle is moved. first reports whether handle had
// no sessions before the call.
func (r *Registry) Register(handle, sessionID string, guest bool) (first bool) {
	if handle == "" || sessionID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}

	if existing, ok := r.bySession[sessionID]; ok {
		if existing.Handle == handle {
			return false
		}
		r.unlinkLocked(existing)
	}

	set, ok := r.byHandle[handle]
	if !ok {
		set = make(map[string]struct{})
		r.byHandle[handle] = set
	}
	first = len(set) == 0
	set[sessionID] = struct{}{}
	r.bySession[sessionID] = &model.Session{
		ID:        sessionID,
		Handle:    handle,
		Guest:     guest,
		CreatedAt: r.now(),
	}
	return first
}

// Remove drops sessionID. Unknown ids are a no-op. last reports whether the
// owning identity went offline as a result.
func (r *Registry) Remove(sessionID string) (handle string, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.bySession[sessionID]
	if !ok {
		return "", false
	}
	return sess.Handle, r.unlinkLocked(sess)
}

// unlinkLocked removes sess from both maps and drops the identity entry
// once its set is empty. Caller holds r.mu.
func (r *Registry) unlinkLocked(sess *model.Session) (last bool) {
	delete(r.bySession, sess.ID)
	set, ok := r.byHandle[sess.Handle]
	if !ok {
		return false
	}
	delete(set, sess.ID)
	if len(set) == 0 {
		delete(r.byHandle, sess.Handle)
		return true
	}
	return false
}

// IsOnline reports whether handle has at least one session.
func (r *Registry) IsOnline(handle string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHandle[handle]) > 0
}

// SessionCount returns the number of sessions held by handle.
func (r *Registry) SessionCount(handle string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHandle[handle])
}

// OnlineCount returns the number of distinct connected identities.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHandle)
}

// Count returns the total number of sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession)
}

// ConnectedIdentities returns a snapshot of connected handles, sorted.
func (r *Registry) ConnectedIdentities() []string {
	r.mu.RLock()
	handles := make([]string, 0, len(r.byHandle))
	for h := range r.byHandle {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	sort.Strings(handles)
	return handles
}

// Guests returns the connected handles whose sessions are all guest
// sessions, sorted.
func (r *Registry) Guests() []string {
	r.mu.RLock()
	var guests []string
	for h, set := range r.byHandle {
		guest := true
		for id := range set {
			if !r.bySession[id].Guest {
				guest = false
				break
			}
		}
		if guest {
			guests = append(guests, h)
		}
	}
	r.mu.RUnlock()

	sort.Strings(guests)
	return guests
}

// Lookup returns a copy of the session entry, or nil.
func (r *Registry) Lookup(sessionID string) *model.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.bySession[sessionID]
	if !ok {
		return nil
	}
	cp := *sess
	return &cp
}

// IdentityOf returns the handle bound to sessionID.
func (r *Registry) IdentityOf(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.bySession[sessionID]
	if !ok {
		return "", false
	}
	return sess.Handle, true
}

// ExpireBefore removes every session created before cutoff and returns the
// removed entries.
func (r *Registry) ExpireBefore(cutoff time.Time) []model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []model.Session
	for _, sess := range r.bySession {
		if sess.CreatedAt.Before(cutoff) {
			expired = append(expired, *sess)
		}
	}
	for i := range expired {
		r.unlinkLocked(r.bySession[expired[i].ID])
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired
}

// Close drops all sessions. Later registrations are ignored.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	clear(r.byHandle)
	clear(r.bySession)
}
