package supervisor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/odinstream/fanout/internal/authn"
	"github.com/odinstream/fanout/internal/channel"
	"github.com/odinstream/fanout/internal/config"
	"github.com/odinstream/fanout/internal/dispatch"
	"github.com/odinstream/fanout/internal/logging"
	"github.com/odinstream/fanout/internal/metrics"
	"github.com/odinstream/fanout/internal/offlinequeue"
	"github.com/odinstream/fanout/internal/platform"
	"github.com/odinstream/fanout/internal/registry"
	"github.com/odinstream/fanout/internal/transport"
	"github.com/rs/zerolog"
)

// Supervisor is the composition root from SPEC_FULL.md §4.5. It owns the
// accept path, the per-frame handler, the connection state machine, and
// every periodic task. Grounded on the teacher's Server type in server.go.
type Supervisor struct {
	cfg    *config.Config
	logger zerolog.Logger

	registry   *registry.Registry
	channels   *channel.Index
	dispatcher *dispatch.Dispatcher
	queue      *offlinequeue.Queue
	verifier   authn.TokenVerifier
	sampler    *platform.Sampler
	upgrader   *transport.Upgrader

	states *stateTracker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires every core component together. queue may be nil to disable the
// offline queue entirely (WS_QUEUE_ENABLED=false).
func New(
	cfg *config.Config,
	logger zerolog.Logger,
	reg *registry.Registry,
	channels *channel.Index,
	dispatcher *dispatch.Dispatcher,
	queue *offlinequeue.Queue,
	verifier authn.TokenVerifier,
	sampler *platform.Sampler,
) *Supervisor {
	s := &Supervisor{
		cfg:        cfg,
		logger:     logger,
		registry:   reg,
		channels:   channels,
		dispatcher: dispatcher,
		queue:      queue,
		verifier:   verifier,
		sampler:    sampler,
		states:     newStateTracker(),
	}
	s.upgrader = transport.NewUpgrader(s.acceptGuard, cfg.OutboundQueueSize, logger)
	return s
}

// acceptGuard rejects new connections when the server is shutting down,
// already at its connection cap, or CPU usage exceeds the reject threshold
// (SPEC_FULL.md §4.5's "connection-admission resource sampling").
func (s *Supervisor) acceptGuard() (bool, string) {
	if transport.ShuttingDown() {
		return false, "server_shutting_down"
	}
	if s.registry.Count() >= s.cfg.MaxConnections {
		return false, "connection_limit_exceeded"
	}
	if s.sampler != nil && s.sampler.CPUPercent() >= s.cfg.CPURejectThreshold {
		return false, "cpu_reject_threshold"
	}
	return true, ""
}

// HandleUpgrade is the http.HandlerFunc mounted at the WebSocket endpoint.
func (s *Supervisor) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	s.upgrader.Handle(w, r, s.onAccept)
}

// onAccept registers a newly-upgraded transport connection with the
// ConnectionRegistry and starts its read/write pumps, per SPEC_FULL.md
// §4.5's accept path.
func (s *Supervisor) onAccept(tc *transport.Conn) {
	conn := s.registry.Register(tc)

	initial := StateAccepted
	if s.cfg.AuthRequired {
		initial = StateAuthenticating
	}
	s.states.set(conn.ID, initial)

	if s.cfg.AuthRequired {
		go s.enforceAuthTimeout(conn.ID, tc)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer logging.RecoverPanic(s.logger, "write_pump", map[string]any{"connection_id": conn.ID})
		tc.WritePump()
	}()

	go func() {
		defer logging.RecoverPanic(s.logger, "read_pump", map[string]any{"connection_id": conn.ID})
		tc.ReadPump(
			func(payload []byte) { s.handleFrame(conn, payload) },
			func(reason string) { s.handleDisconnect(conn.ID, reason) },
		)
	}()
}

// enforceAuthTimeout force-disconnects a connection that never authenticates
// within cfg.AuthTimeout, per SPEC_FULL.md §4.5.
func (s *Supervisor) enforceAuthTimeout(connID string, tc *transport.Conn) {
	timer := time.NewTimer(s.cfg.AuthTimeout)
	defer timer.Stop()

	select {
	case <-tc.Done():
		return
	case <-timer.C:
		if s.states.get(connID) == StateAuthenticating {
			s.logger.Debug().Str("connection_id", connID).Msg("auth timeout, disconnecting")
			tc.Close()
		}
	}
}

func (s *Supervisor) handleDisconnect(connID, reason string) {
	s.states.set(connID, StateDisconnecting)
	s.channels.Cleanup(connID)
	s.registry.Unregister(connID, mapDisconnectReason(reason))
	s.states.remove(connID)
}

func mapDisconnectReason(reason string) registry.DisconnectReason {
	switch reason {
	case "client_closed":
		return registry.ReasonClientClosed
	default:
		return registry.ReasonReadError
	}
}

// IsSubscribed implements offlinequeue.Sender's subscription check: it
// reports whether userID has any live connection currently subscribed to
// channelID. Composing Registry + ChannelIndex this way is exactly why both
// depend only on narrow interfaces of each other — Supervisor is the only
// place that needs both at once.
func (s *Supervisor) IsSubscribed(userID, channelID string) bool {
	subscribed := false
	s.registry.IterateByPredicate(func(c *registry.Connection) bool {
		sess := c.Session()
		return sess != nil && sess.UserID == userID
	}, func(c *registry.Connection) {
		for _, chID := range s.channels.SubscriptionsOf(c.ID) {
			if chID == channelID {
				subscribed = true
			}
		}
	})
	return subscribed
}

// Start launches every periodic task (SPEC_FULL.md §4.5) and blocks until
// ctx is canceled.
func (s *Supervisor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.startPeriodicTasks(runCtx)

	<-runCtx.Done()
	return nil
}

// Stop signals every periodic task and in-flight connection to wind down,
// waiting up to the context deadline for writer goroutines to exit.
func (s *Supervisor) Stop(ctx context.Context) error {
	transport.SetShuttingDown(true)
	if s.cancel != nil {
		s.cancel()
	}

	s.registry.IterateByPredicate(nil, func(c *registry.Connection) {
		s.registry.Unregister(c.ID, registry.ReasonServerShutdown)
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Metrics exposes the Prometheus handler for mounting on the metrics server.
func Metrics() http.Handler { return metrics.Handler() }
