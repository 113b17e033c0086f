package sandbox

import "sync"

// Registry maps session ids to their sandbox so the one-command-at-a-time
// rule holds across reconnects of the same session.
type Registry struct {
	mu     sync.Mutex
	usePTY bool
	boxes  map[string]*Sandbox
}

func NewRegistry(usePTY bool) *Registry {
	return &Registry{
		usePTY: usePTY,
		boxes:  make(map[string]*Sandbox),
	}
}

// Get returns the sandbox for a session, creating it on first use.
func (r *Registry) Get(sessionID string) *Sandbox {
	r.mu.Lock()
	defer r.mu.Unlock()
	sb, ok := r.boxes[sessionID]
	if !ok {
		sb = New(r.usePTY)
		r.boxes[sessionID] = sb
	}
	return sb
}

// Remove drops a session's sandbox. Called when the session is destroyed;
// an in-flight execution finishes on its own and is reaped normally.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.boxes, sessionID)
}

// Count returns the number of tracked sandboxes.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.boxes)
}
