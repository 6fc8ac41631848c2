// Package registry implements the ConnectionRegistry component of
// SPEC_FULL.md §4.1: it owns Connection objects, indexes them by connection
// id and user id, tracks activity, and enforces per-connection rate limits.
// Grounded on the teacher's internal/shared/connection.go (Client struct,
// slow-consumer bookkeeping) generalized from a single hardcoded trading
// client into the spec's role-aware, multi-channel connection model.
package registry

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/odinstream/fanout/internal/message"
	"golang.org/x/time/rate"
)

// Role identifies the tier a connection authenticated as, which selects its
// rate-limit policy (SPEC_FULL.md §4.1).
type Role string

const (
	RoleUnauthenticated Role = "unauthenticated"
	RoleUser            Role = "user"
	RoleInstitutional   Role = "institutional"
	RoleAdmin           Role = "admin"
)

// Transport is the narrow write-only view the registry needs of a live
// connection's transport. internal/transport implements it; tests can supply
// a fake.
type Transport interface {
	// Send queues a pre-serialized frame for delivery to the peer. It never
	// blocks: transport.Conn applies the outbound back-pressure policy
	// (drop-oldest-non-critical, disconnect-on-critical) internally when its
	// queue is full, keyed off priority.
	Send(frame []byte, priority message.Priority) error
	// Close closes the underlying connection.
	Close() error
}

// Session holds the identity attached to a Connection once authenticated.
// Grounded on SPEC_FULL.md §9's "typed Session record" resolution of the
// teacher corpus's duck-typed AuthenticatedRequest pattern.
type Session struct {
	UserID      string
	Role        Role
	Permissions []string
	ExpiresAt   time.Time
}

// Connection is a live session as described in SPEC_FULL.md §3. It is owned
// exclusively by the Registry; callers outside this package only ever see it
// through Registry methods.
type Connection struct {
	ID        string
	transport Transport

	mu            sync.RWMutex
	session       *Session
	authenticated bool

	connectedAt    time.Time
	lastActivity   atomic.Int64 // unix nanos

	limiterMu sync.Mutex
	limiter   *rate.Limiter

	sendAttempts     atomic.Int32 // consecutive slow-consumer failures
	slowWarned       atomic.Bool
}

// newConnection creates a Connection with a fresh 128-bit random id, rendered
// hex, per SPEC_FULL.md §4.1 ("uniqueness is by generation, not lookup").
func newConnection(transport Transport, defaultLimiter *rate.Limiter) *Connection {
	c := &Connection{
		ID:          generateID(),
		transport:   transport,
		connectedAt: time.Now(),
		limiter:     defaultLimiter,
	}
	c.touch()
	return c
}

func generateID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is a fatal platform condition; a zero-filled
		// id would silently collide, so panic rather than risk that.
		panic("registry: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the last inbound frame or successful send.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// ConnectedAt returns when the connection was accepted.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// Session returns the attached session, or nil if not yet authenticated.
func (c *Connection) Session() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Authenticated reports whether AttachUser has succeeded for this connection.
func (c *Connection) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// setSession attaches identity and swaps in the role's rate limiter. Per
// SPEC_FULL.md §4.1, the limiter is swapped rather than mutated in place, so
// a role change takes effect at the connection's next rate-limit check
// instead of retroactively inside whatever window was already open.
func (c *Connection) setSession(s *Session, limiter *rate.Limiter) {
	c.mu.Lock()
	c.session = s
	c.authenticated = true
	c.mu.Unlock()

	c.limiterMu.Lock()
	c.limiter = limiter
	c.limiterMu.Unlock()
}

// Allow reports whether an inbound frame is within this connection's current
// rate-limit policy. It never blocks.
func (c *Connection) Allow() bool {
	c.limiterMu.Lock()
	l := c.limiter
	c.limiterMu.Unlock()
	return l.Allow()
}

// RetryAfter estimates how long until the next token would be available,
// used to populate the RATE_LIMIT_EXCEEDED error's retry hint.
func (c *Connection) RetryAfter() time.Duration {
	c.limiterMu.Lock()
	l := c.limiter
	c.limiterMu.Unlock()
	r := l.Reserve()
	defer r.Cancel()
	if r.OK() {
		return r.Delay()
	}
	return time.Second
}

// send writes frame to the connection's transport, returning false if the
// transport is gone or refuses the write. It never panics and never blocks
// past the transport's own write deadline.
func (c *Connection) send(frame []byte, priority message.Priority) bool {
	if c.transport == nil {
		return false
	}
	if err := c.transport.Send(frame, priority); err != nil {
		c.sendAttempts.Add(1)
		return false
	}
	c.sendAttempts.Store(0)
	c.touch()
	return true
}
