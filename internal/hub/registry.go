package hub

// Conn is one viewer session as the hub sees it.
type Conn interface {
	// ID is the opaque session identifier.
	ID() string
	// Enqueue hands msg to the connection's own send buffer. It never blocks
	// and reports false when the message was not accepted.
	Enqueue(msg []byte) bool
	// Close tells the connection it has been removed from the hub.
	Close()
}

// Registry is the set of connected viewers keyed by session id.
// It is not safe for concurrent use; the hub touches it from Run only.
type Registry struct {
	conns map[string]Conn
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Add registers c. It returns false if a session with the same id is
// already registered, in which case the registry is unchanged.
func (r *Registry) Add(c Conn) bool {
	if _, ok := r.conns[c.ID()]; ok {
		return false
	}
	r.conns[c.ID()] = c
	return true
}

// Remove drops the session with the given id and returns it. Removing an
// absent id is a no-op that returns false.
func (r *Registry) Remove(id string) (Conn, bool) {
	c, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	delete(r.conns, id)
	return c, true
}

// Snapshot copies the current members so a broadcast iterates a fixed set.
func (r *Registry) Snapshot() []Conn {
	out := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	return len(r.conns)
}
