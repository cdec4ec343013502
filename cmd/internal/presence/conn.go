package presence

import (
	"context"
	"sync"
	"time"

	"pairhub/cmd/identity"
)

// Session is a live transport session as seen by the core.
// Send must not block for long; implementations drop under backpressure and
// report it as an error.
type Session interface {
	ID() string
	Send(ctx context.Context, eventType string, payload any) error
}

type connState uint8

const (
	stateUnidentified connState = iota
	stateIdentified
	stateRemoved
)

func (s connState) String() string {
	switch s {
	case stateUnidentified:
		return "unidentified"
	case stateIdentified:
		return "identified"
	case stateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Conn is the core's per-session state: Unidentified -> Identified -> Removed.
// The only way out of Identified is disconnect.
type Conn struct {
	Session Session
	// UID is the verified identity, empty for anonymous sessions.
	UID         string
	ConnectedAt time.Time

	mu    sync.Mutex
	state connState
	ci    string
}

// NewConn wraps a session with its verified UID (may be empty).
func NewConn(s Session, uid string, now time.Time) *Conn {
	return &Conn{Session: s, UID: identity.NormalizeUID(uid), ConnectedAt: now}
}

// ID returns the session id ("" for a nil conn).
func (c *Conn) ID() string {
	if c == nil || c.Session == nil {
		return ""
	}
	return c.Session.ID()
}

// CharacterIdentification returns the presence token set by a successful heartbeat.
func (c *Conn) CharacterIdentification() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ci
}

// Identified reports whether a heartbeat succeeded and the conn has not been removed.
func (c *Conn) Identified() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateIdentified
}

func (c *Conn) currentState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// identify moves Unidentified -> Identified. It reports false from any other state.
func (c *Conn) identify(ci string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateUnidentified {
		return false
	}
	c.state = stateIdentified
	c.ci = ci
	return true
}

// revertIdentify undoes identify after a failed connect sequence. It reports
// false when the conn already left Identified.
func (c *Conn) revertIdentify() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateIdentified {
		return false
	}
	c.state = stateUnidentified
	c.ci = ""
	return true
}

// remove moves any state to Removed and returns the prior state and token.
func (c *Conn) remove() (connState, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ci := c.state, c.ci
	c.state = stateRemoved
	return prev, ci
}
