package presence

import (
	"sync"
	"sync/atomic"
)

// Registry is the process-wide table of live connections.
//
// It keeps two indexes: every connected session (for broadcast-to-all) and
// the current connection per verified UID (for peer resolution). Both are
// sync.Map so per-key operations never contend on a global lock; Unregister
// uses CompareAndDelete so a stale connection can never evict its successor.
type Registry struct {
	conns      sync.Map // session id -> *Conn
	identities sync.Map // uid -> *Conn
	connCount  atomic.Int64
	identCount atomic.Int64
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Connect tracks a live session. Connecting the same session twice is a no-op.
func (r *Registry) Connect(c *Conn) {
	if c == nil || c.ID() == "" {
		return
	}
	if _, loaded := r.conns.LoadOrStore(c.ID(), c); !loaded {
		r.connCount.Add(1)
	}
}

// Disconnect stops tracking a session. It reports whether c was tracked.
func (r *Registry) Disconnect(c *Conn) bool {
	if c == nil || c.ID() == "" {
		return false
	}
	if r.conns.CompareAndDelete(c.ID(), c) {
		r.connCount.Add(-1)
		return true
	}
	return false
}

// Register makes c the current connection for uid and returns the one it
// replaced, if any. The replaced connection is stale and no longer resolvable.
func (r *Registry) Register(uid string, c *Conn) *Conn {
	if uid == "" || c == nil {
		return nil
	}
	prev, loaded := r.identities.Swap(uid, c)
	if !loaded {
		r.identCount.Add(1)
		return nil
	}
	old, _ := prev.(*Conn)
	if old == c {
		return nil
	}
	return old
}

// Unregister removes uid only if c is still its current connection.
func (r *Registry) Unregister(uid string, c *Conn) bool {
	if uid == "" || c == nil {
		return false
	}
	if r.identities.CompareAndDelete(uid, c) {
		r.identCount.Add(-1)
		return true
	}
	return false
}

// Lookup resolves uid to its current connection.
func (r *Registry) Lookup(uid string) (*Conn, bool) {
	v, ok := r.identities.Load(uid)
	if !ok {
		return nil, false
	}
	c, ok := v.(*Conn)
	return c, ok && c != nil
}

// Resolve maps uids to current connections, silently skipping unreachable ones.
func (r *Registry) Resolve(uids []string) []*Conn {
	out := make([]*Conn, 0, len(uids))
	for _, uid := range uids {
		if c, ok := r.Lookup(uid); ok {
			out = append(out, c)
		}
	}
	return out
}

// Range calls fn for each live session until fn returns false.
func (r *Registry) Range(fn func(c *Conn) bool) {
	r.conns.Range(func(_, v any) bool {
		c, ok := v.(*Conn)
		if !ok || c == nil {
			return true
		}
		return fn(c)
	})
}

// Connections returns a snapshot of every live session.
func (r *Registry) Connections() []*Conn {
	out := make([]*Conn, 0, r.Len())
	r.Range(func(c *Conn) bool {
		out = append(out, c)
		return true
	})
	return out
}

// Len is the number of live sessions, identified or not.
func (r *Registry) Len() int {
	return int(r.connCount.Load())
}

// IdentifiedLen is the number of UIDs with a current connection.
func (r *Registry) IdentifiedLen() int {
	return int(r.identCount.Load())
}
