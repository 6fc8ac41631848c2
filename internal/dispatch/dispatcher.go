// Package dispatch implements the Dispatcher component of SPEC_FULL.md §4.3:
// it resolves a publish to its target connections, applies filters, and
// serializes each message exactly once regardless of recipient count.
// Grounded on the teacher's internal/shared/broadcast.go Broadcast: serialize
// once into a shared buffer, iterate only the subscription index's matching
// subscribers (not the whole connection population), never block per
// recipient.
package dispatch

import (
	"encoding/json"

	"github.com/odinstream/fanout/internal/channel"
	"github.com/odinstream/fanout/internal/message"
	"github.com/odinstream/fanout/internal/metrics"
	"github.com/rs/zerolog"
)

// ConnectionSender is the narrow view Dispatcher needs of ConnectionRegistry.
type ConnectionSender interface {
	Send(connID string, frame []byte, priority message.Priority) bool
	SendToUser(userID string, frame []byte, priority message.Priority) int
}

// ChannelSource is the narrow view Dispatcher needs of ChannelIndex.
type ChannelSource interface {
	Subscribers(channelID string) []channel.Subscriber
	Record(channelID string, m *message.Message)
}

// OfflineEnqueuer is implemented by internal/offlinequeue.Queue. Dispatcher
// depends on this interface, not on the offlinequeue package directly, so
// offlinequeue's own dependency on Dispatcher (to drain messages back out)
// doesn't create an import cycle; the Supervisor wires both together.
type OfflineEnqueuer interface {
	Enqueue(userID, channelID string, msg *message.Message, priority message.Priority)
}

// Tee is the narrow view Dispatcher needs of internal/cluster.Tee. It is nil
// by default: the cross-instance tee is an opt-in sketch (SPEC_FULL.md §9),
// not a core dependency.
type Tee interface {
	TeeBroadcast(channelID, msgType string, payload json.RawMessage)
	TeeDirect(userID, channelID, msgType string, payload json.RawMessage)
}

// SubscriptionChecker reports whether userID currently has a live connection
// subscribed to channelID. Supervisor implements this by composing Registry
// and ChannelIndex (internal/supervisor.Supervisor.IsSubscribed); Dispatcher
// is constructed before Supervisor exists, so this is set post-construction
// via SetSubscriptionChecker, mirroring SetTee below.
type SubscriptionChecker interface {
	IsSubscribed(userID, channelID string) bool
}

// Dispatcher implements the publish/send contract from SPEC_FULL.md §4.3.
type Dispatcher struct {
	registry ConnectionSender
	channels ChannelSource
	offline  OfflineEnqueuer
	tee      Tee
	subs     SubscriptionChecker
	logger   zerolog.Logger
}

// New builds a Dispatcher. offline may be nil if the offline queue is
// disabled (WS_QUEUE_ENABLED=false); in that case SendToUser simply drops
// the message for users with no live subscription instead of queueing it as
// SPEC_FULL.md §4.3 step 7 describes.
func New(registry ConnectionSender, channels ChannelSource, offline OfflineEnqueuer, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, channels: channels, offline: offline, logger: logger}
}

// SetTee attaches the optional cross-instance tee. Called once at startup by
// the composition root when WS_CLUSTER_TEE_NATS_URL is configured.
func (d *Dispatcher) SetTee(tee Tee) {
	d.tee = tee
}

// SetSubscriptionChecker attaches the channel-subscription predicate
// SendToUser uses to decide between live delivery and the offline queue.
// Called once at startup by the composition root, after both Dispatcher and
// Supervisor exist.
func (d *Dispatcher) SetSubscriptionChecker(subs SubscriptionChecker) {
	d.subs = subs
}

// Publish fans msgType/payload out to every current subscriber of channelID
// that passes both the caller-supplied filterFn and its own stored
// subscription filter. Returns the number of connections the frame was
// actually written to.
func (d *Dispatcher) Publish(channelID, msgType string, payload json.RawMessage, meta message.Metadata, filterFn channel.Filter) int {
	msg := message.New(msgType, channelID, payload, meta)

	frame, err := message.Serialize(msg)
	if err != nil {
		d.logger.Error().Err(err).Str("channel", channelID).Msg("failed to serialize message, publish aborted")
		return 0
	}

	subscribers := d.channels.Subscribers(channelID)
	delivered := 0

	for _, sub := range subscribers {
		if !d.passesFilters(sub, payload, filterFn) {
			continue
		}
		if d.registry.Send(sub.ConnID, frame, meta.Priority) {
			delivered++
		} else {
			metrics.MessagesDroppedSlowConsumer.WithLabelValues(channelID).Inc()
		}
	}

	d.channels.Record(channelID, msg)
	metrics.MessagesPublished.WithLabelValues(channelID).Inc()
	if d.tee != nil {
		d.tee.TeeBroadcast(channelID, msgType, payload)
	}
	return delivered
}

// passesFilters evaluates the caller filter (if any) and the subscription's
// own stored filter (if any). A filter that panics is treated as false and
// logged, per SPEC_FULL.md §4.3 ("filter that panics ... logged").
func (d *Dispatcher) passesFilters(sub channel.Subscriber, payload []byte, callerFilter channel.Filter) (pass bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn().
				Interface("panic", r).
				Str("connection_id", sub.ConnID).
				Msg("subscription filter panicked, treating as non-match")
			pass = false
		}
	}()

	if callerFilter != nil && !callerFilter(payload) {
		return false
	}
	if sub.Filter != nil && !sub.Filter(payload) {
		return false
	}
	return true
}

// SendToUser delivers msgType/payload to every live connection of userID,
// provided at least one of them is subscribed to channelID. If the user has
// zero live subscriptions on the channel at publish time — whether they have
// no connection at all, or only connections subscribed to something else —
// the message is handed to the offline queue instead of being dropped
// (SPEC_FULL.md §4.3 step 7).
func (d *Dispatcher) SendToUser(userID, channelID, msgType string, payload json.RawMessage, meta message.Metadata) int {
	msg := message.New(msgType, channelID, payload, meta)

	if d.subs == nil || !d.subs.IsSubscribed(userID, channelID) {
		if d.offline != nil {
			d.offline.Enqueue(userID, channelID, msg, meta.Priority)
		}
		d.channels.Record(channelID, msg)
		return 0
	}

	frame, err := message.Serialize(msg)
	if err != nil {
		d.logger.Error().Err(err).Str("channel", channelID).Str("user_id", userID).Msg("failed to serialize message")
		return 0
	}

	delivered := d.registry.SendToUser(userID, frame, meta.Priority)
	d.channels.Record(channelID, msg)
	metrics.MessagesPublished.WithLabelValues(channelID).Inc()
	if d.tee != nil {
		d.tee.TeeDirect(userID, channelID, msgType, payload)
	}
	return delivered
}

// SendToConnection delivers a pre-built message to exactly one connection,
// bypassing channel subscription lookup entirely. Used for direct replies
// (authentication_result, subscription_result, etc.) that are not channel
// messages at all. Replies are always PriorityNormal: they are control-plane
// frames, not user content subject to the offline/back-pressure policies.
func (d *Dispatcher) SendToConnection(connID string, frame []byte) bool {
	return d.registry.Send(connID, frame, message.PriorityNormal)
}
