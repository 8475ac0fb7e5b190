package orchestrator

import "sync"

// Decision is the caller's verdict on a pending permission request.
type Decision struct {
	Approved      bool
	ModifiedInput map[string]any
}

// broker matches asynchronous permission requests to their eventual
// decisions. Requests are keyed by generated request id, not session id, so
// several tools may be pending concurrently within and across sessions.
type broker struct {
	mu      sync.Mutex
	pending map[string]chan Decision
}

func newBroker() *broker {
	return &broker{pending: make(map[string]chan Decision)}
}

// register creates the single-assignment resolution for a request id.
// The returned channel fires at most once.
func (b *broker) register(id string) <-chan Decision {
	ch := make(chan Decision, 1)
	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()
	return ch
}

// resolve delivers the decision for id exactly once and removes the entry.
// Returns false when no request is pending under that id (already resolved,
// discarded, or never existed).
func (b *broker) resolve(id string, d Decision) bool {
	b.mu.Lock()
	ch, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch <- d
	return true
}

// remove drops a pending request without resolving it. Used when the
// requesting turn is cancelled while the decision is still outstanding.
func (b *broker) remove(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// discardAll drops every pending request without resolving. The blocked
// backend continuations are unwound by turn cancellation, not by a decision.
func (b *broker) discardAll() {
	b.mu.Lock()
	b.pending = make(map[string]chan Decision)
	b.mu.Unlock()
}

func (b *broker) pendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
