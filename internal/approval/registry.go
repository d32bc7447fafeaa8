// Package approval tracks in-flight human approval decisions for the egress
// gateway. Each pending request owns a blocking handle the proxy handler
// waits on; an operator resolves it through the control surface, or the
// deadline resolves it as denied.
package approval

import (
	"sync"
	"time"
)

// Ticket is the blocking handle for one pending request.
type Ticket struct {
	ID       string
	Host     string
	Method   string
	URL      string
	Deadline time.Time

	done chan struct{}

	mu       sync.Mutex
	resolved bool
	approved bool
}

// Wait blocks until the ticket is resolved or its deadline elapses, and
// returns the outcome. Timeout counts as denial.
func (t *Ticket) Wait() bool {
	timer := time.NewTimer(time.Until(t.Deadline))
	defer timer.Stop()

	select {
	case <-t.done:
	case <-timer.C:
		t.resolve(false)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.approved
}

// resolve marks the ticket exactly once. Returns false when it was already
// resolved.
func (t *Ticket) resolve(approved bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resolved {
		return false
	}
	t.resolved = true
	t.approved = approved
	close(t.done)
	return true
}

// Registry is a thread-safe map from request id to pending ticket.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*Ticket
}

func NewRegistry() *Registry {
	return &Registry{pending: make(map[string]*Ticket)}
}

// Register creates a ticket for the request with the given approval timeout.
func (r *Registry) Register(id, method, rawURL, host string, timeout time.Duration) *Ticket {
	t := &Ticket{
		ID:       id,
		Host:     host,
		Method:   method,
		URL:      rawURL,
		Deadline: time.Now().Add(timeout),
		done:     make(chan struct{}),
	}
	r.mu.Lock()
	r.pending[id] = t
	r.mu.Unlock()
	return t
}

// Wait blocks on the ticket and removes it once the outcome is observed, so
// a resolved id later reads as unknown.
func (r *Registry) Wait(t *Ticket) bool {
	approved := t.Wait()
	r.mu.Lock()
	delete(r.pending, t.ID)
	r.mu.Unlock()
	return approved
}

// Resolve settles a pending request. Returns false when the id is unknown or
// already resolved; callers treat that as "already handled".
func (r *Registry) Resolve(id string, approved bool) bool {
	r.mu.Lock()
	t, ok := r.pending[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return t.resolve(approved)
}

// ListPending returns a point-in-time snapshot of pending tickets.
func (r *Registry) ListPending() []*Ticket {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Ticket, 0, len(r.pending))
	for _, t := range r.pending {
		out = append(out, t)
	}
	return out
}
