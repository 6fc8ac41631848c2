package registry

import (
	"sync"
	"time"

	"github.com/odinstream/fanout/internal/coreerr"
	"github.com/odinstream/fanout/internal/message"
	"github.com/odinstream/fanout/internal/metrics"
	"github.com/rs/zerolog"
)

// DisconnectReason categorizes why a connection was unregistered, for
// metrics and structured logging.
type DisconnectReason string

const (
	ReasonReadError     DisconnectReason = "read_error"
	ReasonWriteTimeout   DisconnectReason = "write_timeout"
	ReasonInactivity     DisconnectReason = "inactivity"
	ReasonServerShutdown DisconnectReason = "server_shutdown"
	ReasonSlowConsumer   DisconnectReason = "slow_consumer"
	ReasonClientClosed   DisconnectReason = "client_closed"
)

// Registry implements ConnectionRegistry (SPEC_FULL.md §4.1). It owns every
// live Connection and two indexes over them: id -> Connection and
// userID -> set of connection ids.
type Registry struct {
	logger zerolog.Logger

	policies PolicyTable

	mu          sync.RWMutex
	byID        map[string]*Connection
	byUser      map[string]map[string]struct{}
}

// New builds an empty Registry using the given per-role rate-limit policy
// table.
func New(policies PolicyTable, logger zerolog.Logger) *Registry {
	return &Registry{
		logger:   logger,
		policies: policies,
		byID:     make(map[string]*Connection),
		byUser:   make(map[string]map[string]struct{}),
	}
}

// Register admits a new connection over the given transport and returns the
// owned Connection, rate-limited at the unauthenticated tier until
// AttachUser succeeds.
func (r *Registry) Register(transport Transport) *Connection {
	conn := newConnection(transport, r.policies.forRole(RoleUnauthenticated).NewLimiter())

	r.mu.Lock()
	r.byID[conn.ID] = conn
	r.mu.Unlock()

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
	return conn
}

// AttachUser authenticates a connection in place: it records the session and
// swaps in the role's rate limiter. Returns CoreError(AuthenticationFailed)
// if the connection id is unknown (e.g., already unregistered).
func (r *Registry) AttachUser(connID, userID string, role Role, permissions []string, expiresAt time.Time) error {
	r.mu.Lock()
	conn, ok := r.byID[connID]
	if !ok {
		r.mu.Unlock()
		return coreerr.New(coreerr.AuthenticationFailed, "connection not found")
	}
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]struct{})
	}
	r.byUser[userID][connID] = struct{}{}
	r.mu.Unlock()

	conn.setSession(&Session{
		UserID:      userID,
		Role:        role,
		Permissions: permissions,
		ExpiresAt:   expiresAt,
	}, r.policies.forRole(role).NewLimiter())

	return nil
}

// Get returns the live connection for id, if any.
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[connID]
	return c, ok
}

// Unregister removes a connection from both indexes and closes its
// transport. It is idempotent: unregistering an already-gone id is a no-op.
func (r *Registry) Unregister(connID string, reason DisconnectReason) {
	r.mu.Lock()
	conn, ok := r.byID[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, connID)

	if sess := conn.Session(); sess != nil {
		if set, ok := r.byUser[sess.UserID]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.byUser, sess.UserID)
			}
		}
	}
	r.mu.Unlock()

	conn.transport.Close()

	metrics.ConnectionsActive.Dec()
	metrics.Disconnects.WithLabelValues(string(reason), "server").Inc()
	metrics.ConnectionDuration.Observe(time.Since(conn.ConnectedAt()).Seconds())

	r.logger.Debug().
		Str("connection_id", connID).
		Str("reason", string(reason)).
		Msg("connection unregistered")
}

// Send writes frame to a single connection. It returns false (and schedules
// no further action itself — the caller, typically Dispatcher, decides
// whether to fall back to the offline queue) if the connection is gone or
// its outbound path rejected the write. priority drives the transport's
// back-pressure policy when that connection's outbound queue is full.
func (r *Registry) Send(connID string, frame []byte, priority message.Priority) bool {
	conn, ok := r.Get(connID)
	if !ok {
		return false
	}
	delivered := conn.send(frame, priority)
	if delivered {
		metrics.MessagesDelivered.Inc()
	}
	return delivered
}

// SendToUser writes frame to every live connection for userID and returns
// the number of connections that accepted it.
func (r *Registry) SendToUser(userID string, frame []byte, priority message.Priority) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, id := range ids {
		if r.Send(id, frame, priority) {
			delivered++
		}
	}
	return delivered
}

// HasLiveConnection reports whether userID currently has at least one live
// connection. Used by the offline-queue processor (wired in
// internal/supervisor/periodic.go) to skip users with no connection;
// Dispatcher does not call it.
func (r *Registry) HasLiveConnection(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// IsAuthenticated reports whether connID is currently authenticated. Its
// signature matches channel.AuthChecker: ChannelIndex depends on this
// function value, never on *Registry itself, preserving the leaf -> root
// dependency arrow from SPEC_FULL.md §9.
func (r *Registry) IsAuthenticated(connID string) bool {
	conn, ok := r.Get(connID)
	if !ok {
		return false
	}
	return conn.Authenticated()
}

// IterateByPredicate calls fn for every live connection for which pred
// returns true. fn must not call back into Registry methods that take the
// write lock (Unregister) — collect ids and call those after iterating.
func (r *Registry) IterateByPredicate(pred func(*Connection) bool, fn func(*Connection)) {
	r.mu.RLock()
	matched := make([]*Connection, 0)
	for _, c := range r.byID {
		if pred == nil || pred(c) {
			matched = append(matched, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range matched {
		fn(c)
	}
}

// SweepInactive unregisters every connection whose last activity is older
// than threshold and returns how many were swept.
func (r *Registry) SweepInactive(threshold time.Duration) int {
	cutoff := time.Now().Add(-threshold)

	r.mu.RLock()
	stale := make([]string, 0)
	for id, c := range r.byID {
		if c.LastActivity().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.Unregister(id, ReasonInactivity)
	}
	return len(stale)
}

// Count returns the current number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
