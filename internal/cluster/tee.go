// Package cluster implements the opt-in cross-instance tee sketched in
// SPEC_FULL.md §9: a best-effort, non-coordinating publish/subscribe bridge
// between fan-out instances over NATS. It is not part of the core runtime —
// Dispatcher never imports it; cmd/fanout wires it in as a side channel.
// Grounded on the teacher's go-server/pkg/nats/client.go: nats.Connect with
// ConnectHandler/DisconnectErrHandler/ReconnectHandler/ErrorHandler, and a
// Subscribe(subject, handler) wrapper.
package cluster

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Op names the operation a remote instance should replay.
type Op string

const (
	OpBroadcast Op = "broadcast"
	OpDirect    Op = "direct"
)

// Envelope is the wire shape published to the tee subject. It carries enough
// to replay the call on a remote instance's Dispatcher; it carries no
// sequence number or origin id, so a remote Tee cannot deduplicate or order
// against anything — matching the Non-goal this sketch exists to satisfy
// without overclaiming.
type Envelope struct {
	Op      Op              `json:"op"`
	Channel string          `json:"channel,omitempty"`
	UserID  string          `json:"userId,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Replayer is the narrow view of Dispatcher a Tee needs to replay incoming
// envelopes from remote instances.
type Replayer interface {
	Publish(channelID, msgType string, payload json.RawMessage) int
	SendToUser(userID, channelID, msgType string, payload json.RawMessage) int
}

const defaultSubject = "fanout.tee"

// Tee publishes to a NATS subject a copy of every local Publish call and of
// every SendToUser call that is delivered live (Dispatcher does not tee a
// SendToUser that goes to the offline queue), and, if Subscribe is called,
// replays inbound envelopes into a local Replayer.
type Tee struct {
	conn    *nats.Conn
	logger  zerolog.Logger
	subject string
}

// NewTee connects to the given NATS URL. Connection is fire-and-forget from
// the caller's point of view: a failed connect returns an error so the
// composition root can disable the tee rather than fail startup.
func NewTee(url string, logger zerolog.Logger) (*Tee, error) {
	t := &Tee{logger: logger, subject: defaultSubject}

	conn, err := nats.Connect(url,
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.ConnectHandler(func(c *nats.Conn) {
			t.logger.Info().Str("url", c.ConnectedUrl()).Msg("cluster tee connected")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				t.logger.Warn().Err(err).Msg("cluster tee disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			t.logger.Info().Str("url", c.ConnectedUrl()).Msg("cluster tee reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			t.logger.Warn().Err(err).Msg("cluster tee error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("cluster: connect to NATS: %w", err)
	}
	t.conn = conn
	return t, nil
}

// TeeBroadcast publishes a best-effort copy of a channel broadcast. Errors
// are logged, never returned: the tee must never affect local delivery.
func (t *Tee) TeeBroadcast(channelID, msgType string, payload json.RawMessage) {
	t.publish(Envelope{Op: OpBroadcast, Channel: channelID, Type: msgType, Payload: payload})
}

// TeeDirect publishes a best-effort copy of a direct user send.
func (t *Tee) TeeDirect(userID, channelID, msgType string, payload json.RawMessage) {
	t.publish(Envelope{Op: OpDirect, Channel: channelID, UserID: userID, Type: msgType, Payload: payload})
}

func (t *Tee) publish(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		t.logger.Error().Err(err).Msg("cluster tee: failed to marshal envelope")
		return
	}
	if err := t.conn.Publish(t.subject, data); err != nil {
		t.logger.Warn().Err(err).Msg("cluster tee: publish failed")
	}
}

// Subscribe starts replaying envelopes from other instances into replay.
// Messages this instance itself published are not filtered out — NATS core
// pub/sub has no loop-prevention and none is attempted here, since the tee
// is explicitly best-effort.
func (t *Tee) Subscribe(replay Replayer) error {
	_, err := t.conn.Subscribe(t.subject, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			t.logger.Warn().Err(err).Msg("cluster tee: failed to decode envelope")
			return
		}
		switch env.Op {
		case OpBroadcast:
			replay.Publish(env.Channel, env.Type, env.Payload)
		case OpDirect:
			replay.SendToUser(env.UserID, env.Channel, env.Type, env.Payload)
		default:
			t.logger.Warn().Str("op", string(env.Op)).Msg("cluster tee: unknown envelope op")
		}
	})
	return err
}

// Close drains and closes the underlying NATS connection.
func (t *Tee) Close() error {
	t.conn.Drain()
	return nil
}
