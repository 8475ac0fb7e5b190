package orchestrator

import (
	"context"
	"sync"

	"github.com/dkemper/steward/internal/backend"
)

// session is a registry entry for a turn that is currently streaming.
// It is not conversation history; it exists only while the turn is in flight.
type session struct {
	id     string
	cancel context.CancelFunc
	turn   backend.Turn
}

// registry owns the set of live sessions, at most one per session id.
// All mutation paths (new-turn starts, loop cleanup, explicit aborts,
// shutdown) go through the mutex so insert-or-replace and
// remove-if-present are atomic.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*session)}
}

// put installs sess as the live entry for its id, returning any displaced
// entry so the caller can tear it down.
func (r *registry) put(sess *session) (prev *session) {
	r.mu.Lock()
	prev = r.sessions[sess.id]
	r.sessions[sess.id] = sess
	r.mu.Unlock()
	if prev == sess {
		return nil
	}
	return prev
}

// take removes and returns the live entry for id, or nil if none exists.
func (r *registry) take(id string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessions, id)
	return sess
}

// release removes sess only if it is still the current entry for its id.
// A stale loop finishing after last-writer-wins replacement, or after an
// explicit abort, is a no-op. Reports whether sess was removed.
func (r *registry) release(sess *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[sess.id] != sess {
		return false
	}
	delete(r.sessions, sess.id)
	return true
}

func (r *registry) get(id string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

func (r *registry) has(id string) bool {
	return r.get(id) != nil
}

// drain removes and returns every live entry. Used during cleanup.
func (r *registry) drain() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	r.sessions = make(map[string]*session)
	return out
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
