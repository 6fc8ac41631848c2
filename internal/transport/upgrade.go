package transport

import (
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/odinstream/fanout/internal/coreerr"
	"github.com/odinstream/fanout/internal/metrics"
	"github.com/rs/zerolog"
)

// Accepted wraps an accepted Conn. Handle does not use it: it passes the
// *Conn straight to its onAccept callback without starting any pumps.
type Accepted struct {
	Conn *Conn
}

// AcceptGuard is consulted before every upgrade attempt, e.g. the
// Supervisor's connection-cap and CPU-admission checks. Returning false
// rejects the upgrade with 503 before any WebSocket handshake work happens;
// the response body is the CONNECTION_LIMIT_EXCEEDED code.
type AcceptGuard func() (ok bool, reason string)

// Upgrader performs the HTTP->WebSocket handshake and wraps the result in a
// Conn. Grounded on the teacher's handleWebSocket (handlers_ws.go): guard
// check, then ws.UpgradeHTTP. Starting the reader and writer goroutines is
// left to the onAccept callback.
type Upgrader struct {
	logger       zerolog.Logger
	guard        AcceptGuard
	outboundSize int
}

// NewUpgrader builds an Upgrader. guard may be nil to accept unconditionally.
func NewUpgrader(guard AcceptGuard, outboundQueueSize int, logger zerolog.Logger) *Upgrader {
	return &Upgrader{logger: logger, guard: guard, outboundSize: outboundQueueSize}
}

// ServeHTTP-style entry point: Handle upgrades the request and, on success,
// calls onAccept with the resulting Conn. The caller is responsible for
// registering it with the ConnectionRegistry and driving ReadPump/WritePump.
func (u *Upgrader) Handle(w http.ResponseWriter, r *http.Request, onAccept func(*Conn)) {
	clientIP := clientIP(r)

	if u.guard != nil {
		if ok, reason := u.guard(); !ok {
			u.logger.Warn().Str("client_ip", clientIP).Str("reason", reason).Msg("connection rejected before upgrade")
			metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
			http.Error(w, string(coreerr.ConnectionLimitExceeded), http.StatusServiceUnavailable)
			return
		}
	}

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		u.logger.Error().Err(err).Str("client_ip", clientIP).Msg("websocket upgrade failed")
		metrics.ConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
		return
	}

	conn := NewConn(raw, u.outboundSize, u.logger)
	onAccept(conn)
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// shuttingDown is a process-wide flag an http.Handler can check; Supervisor
// sets it during graceful shutdown so new upgrade attempts are rejected
// immediately instead of racing the listener close.
var shuttingDown atomic.Bool

// SetShuttingDown marks the process as draining.
func SetShuttingDown(v bool) { shuttingDown.Store(v) }

// ShuttingDown reports the current drain state.
func ShuttingDown() bool { return shuttingDown.Load() }
