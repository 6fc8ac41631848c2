// Package transport implements registry.Transport over a gobwas/ws
// WebSocket connection: an upgrade handler, a read pump, and a write pump
// with a bounded per-connection outbound queue. Grounded on the teacher's
// internal/shared/handlers_ws.go (upgrade handshake), pump_read.go, and
// pump_write.go (buffered batch writer, ping ticker), adapted to the
// drop-oldest-non-critical / disconnect-on-critical back-pressure policy
// from SPEC_FULL.md §5 that the teacher's plain `chan []byte` did not have.
package transport

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/odinstream/fanout/internal/message"
	"github.com/odinstream/fanout/internal/metrics"
	"github.com/rs/zerolog"
)

// ErrQueueFullCritical is returned (and the connection force-closed) when a
// critical-priority frame cannot be queued because the outbound queue is
// already at capacity.
var ErrQueueFullCritical = errors.New("transport: outbound queue full, critical message dropped")

// ErrClosed is returned by Send once the connection has been closed.
var ErrClosed = errors.New("transport: connection closed")

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	writeWait  = 10 * time.Second
)

// Conn implements registry.Transport over one accepted WebSocket connection.
// Its outbound path is a bounded slice-backed queue (not a bare channel) so
// Send can implement drop-oldest eviction under lock instead of blocking.
type Conn struct {
	logger zerolog.Logger
	raw    net.Conn

	maxQueue int

	mu     sync.Mutex
	queue  [][]byte
	notify chan struct{}

	closed  atomic.Bool
	closeCh chan struct{}
	once    sync.Once
}

// NewConn wraps raw in a Conn with the given outbound queue depth.
func NewConn(raw net.Conn, maxQueue int, logger zerolog.Logger) *Conn {
	if maxQueue <= 0 {
		maxQueue = 256
	}
	return &Conn{
		logger:   logger,
		raw:      raw,
		maxQueue: maxQueue,
		notify:   make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
}

// Send implements registry.Transport. It never blocks. On a full queue a
// non-critical frame causes the oldest queued frame to be dropped, whatever
// that frame's own priority (queued frames carry none); a critical frame
// force-closes the connection instead (SPEC_FULL.md §5).
func (c *Conn) Send(frame []byte, priority message.Priority) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.mu.Lock()
	if len(c.queue) >= c.maxQueue {
		if priority == message.PriorityCritical {
			c.mu.Unlock()
			c.forceClose()
			metrics.SlowConnectionsDisconnected.Inc()
			return ErrQueueFullCritical
		}
		c.queue = c.queue[1:]
		metrics.MessagesDroppedSlowConsumer.WithLabelValues("").Inc()
	}
	c.queue = append(c.queue, frame)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close implements registry.Transport.
func (c *Conn) Close() error {
	c.forceClose()
	return nil
}

// Closed reports whether this connection has been force-closed, so the
// Supervisor's read/write pumps know to stop without relying on a second
// error from the network layer.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// Done returns a channel closed when this connection is force-closed.
func (c *Conn) Done() <-chan struct{} {
	return c.closeCh
}

func (c *Conn) forceClose() {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.closeCh)
		c.raw.Close()
	})
}

// drain removes and returns every currently-queued frame.
func (c *Conn) drain() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	out := c.queue
	c.queue = nil
	return out
}

// WritePump batches queued frames onto the wire and sends periodic pings,
// mirroring the teacher's writePump (bufio batching, single ticker for
// keepalive). Runs until the connection is closed.
func (c *Conn) WritePump() {
	writer := bufio.NewWriter(c.raw)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.forceClose()

	for {
		select {
		case <-c.closeCh:
			return

		case <-c.notify:
			frames := c.drain()
			if len(frames) == 0 {
				continue
			}
			c.raw.SetWriteDeadline(time.Now().Add(writeWait))
			for _, frame := range frames {
				if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
					c.logger.Debug().Err(err).Msg("transport: write failed")
					return
				}
			}
			if err := writer.Flush(); err != nil {
				c.logger.Debug().Err(err).Msg("transport: flush failed")
				return
			}

		case <-ticker.C:
			c.raw.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.raw, ws.OpPing, nil); err != nil {
				c.logger.Debug().Err(err).Msg("transport: ping failed")
				return
			}
		}
	}
}

// FrameHandler processes one inbound text frame's payload.
type FrameHandler func(payload []byte)

// ReadPump reads inbound frames until the peer disconnects or the connection
// is closed, invoking handle for each text frame. onDisconnect is called
// exactly once, with the reason, when the loop exits.
func (c *Conn) ReadPump(handle FrameHandler, onDisconnect func(reason string)) {
	defer c.forceClose()

	c.raw.SetReadDeadline(time.Now().Add(pongWait))

	reason := "read_error"
	for {
		data, op, err := wsutil.ReadClientData(c.raw)
		if err != nil {
			break
		}
		c.raw.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			handle(data)
		case ws.OpClose:
			reason = "client_closed"
			onDisconnect(reason)
			return
		case ws.OpPing, ws.OpPong:
			// gobwas/ws answers pings automatically via wsutil's control frame handling.
		}
	}
	onDisconnect(reason)
}
