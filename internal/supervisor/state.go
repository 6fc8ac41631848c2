// Package supervisor is the composition root for SPEC_FULL.md §4.5: it owns
// the accept path, the per-connection frame handler, the connection state
// machine, and every periodic task (inactivity sweep, offline-queue
// processing/cleanup, metrics snapshot). Grounded on the teacher's
// server.go (the Server type wiring together everything else) and
// internal/shared/handlers_message.go (per-frame-type dispatch).
package supervisor

import "sync"

// ConnState is a connection's position in the accepted -> ... -> closed
// lifecycle from SPEC_FULL.md §4.5.
type ConnState string

const (
	StateAccepted       ConnState = "accepted"
	StateAuthenticating ConnState = "authenticating"
	StateAuthenticated  ConnState = "authenticated"
	StateSubscribed     ConnState = "subscribed"
	StateIdle           ConnState = "idle"
	StateDisconnecting  ConnState = "disconnecting"
	StateClosed         ConnState = "closed"
)

// stateTracker holds the in-memory connection-state map. It is a Supervisor
// concern, not a ConnectionRegistry one: Registry only knows "authenticated
// or not," while the fuller state machine (subscribed/idle) depends on both
// Registry and ChannelIndex state that only the Supervisor composes.
type stateTracker struct {
	mu     sync.Mutex
	states map[string]ConnState
}

func newStateTracker() *stateTracker {
	return &stateTracker{states: make(map[string]ConnState)}
}

func (t *stateTracker) set(connID string, s ConnState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[connID] = s
}

func (t *stateTracker) get(connID string) ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[connID]
}

func (t *stateTracker) remove(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, connID)
}
