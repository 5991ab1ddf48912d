package session

import (
	"context"
	"sync"
)

// Handle is the live protocol connection owned by a running session. The
// concrete implementation wraps a whatsmeow client; tests substitute fakes.
type Handle interface {
	// SendText delivers a plain text message to a phone number (digits only).
	SendText(ctx context.Context, to string, text string) error
	// Logout unlinks the device server-side and drops the connection.
	Logout(ctx context.Context) error
	// Disconnect drops the connection without unlinking the device.
	Disconnect()
	IsConnected() bool
}

// Runtime ties a session record to its live protocol handle. Instances
// exist only in the Registry; a session without a Runtime has no live
// connection.
type Runtime struct {
	ID     string
	UserID string
	Phone  string
	Handle Handle
}

// Registry is the in-memory map of live session runtimes. At most one
// runtime exists per session id. Registration and removal happen inside
// the same code paths that write the corresponding status transitions, so
// the map and the store agree after every event.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]*Runtime
}

func NewRegistry() *Registry {
	return &Registry{runtimes: make(map[string]*Runtime)}
}

// Register installs the runtime, replacing any previous entry for the id.
func (r *Registry) Register(rt *Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimes[rt.ID] = rt
}

// Remove deletes and returns the runtime for id, or nil if none is live.
func (r *Registry) Remove(id string) *Runtime {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt := r.runtimes[id]
	delete(r.runtimes, id)
	return rt
}

// Get returns the live runtime for id.
func (r *Registry) Get(id string) (*Runtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.runtimes[id]
	return rt, ok
}

// All returns a snapshot of every live runtime.
func (r *Registry) All() []*Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Runtime, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		out = append(out, rt)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runtimes)
}
