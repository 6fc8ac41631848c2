package supervisor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/odinstream/fanout/internal/channel"
	"github.com/odinstream/fanout/internal/coreerr"
	"github.com/odinstream/fanout/internal/message"
	"github.com/odinstream/fanout/internal/metrics"
	"github.com/odinstream/fanout/internal/registry"
)

const inboundFrameBudget = 5 * time.Second

// handleFrame parses one inbound WebSocket text frame and dispatches it by
// type, per SPEC_FULL.md §4.5. Unknown or malformed frames get an error
// reply; they never cause a disconnect.
func (s *Supervisor) handleFrame(conn *registry.Connection, raw []byte) {
	if !conn.Allow() {
		metrics.RateLimitedMessages.Inc()
		s.replyError(conn.ID, coreerr.RateLimitExceeded, "rate limit exceeded", map[string]any{
			"retryAfterMs": conn.RetryAfter().Milliseconds(),
		})
		return
	}

	var frame message.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.replyError(conn.ID, coreerr.InvalidMessageFormat, "malformed frame", nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), inboundFrameBudget)
	defer cancel()

	switch frame.Type {
	case "authenticate":
		s.handleAuthenticate(ctx, conn, frame.Data)
	case "subscribe":
		s.handleSubscribe(conn, frame.Data)
	case "unsubscribe":
		s.handleUnsubscribe(conn, frame.Data)
	case "ping":
		s.handlePing(conn)
	default:
		s.replyError(conn.ID, coreerr.InvalidMessageFormat, "unknown frame type: "+frame.Type, nil)
	}
}

func (s *Supervisor) handleAuthenticate(ctx context.Context, conn *registry.Connection, data json.RawMessage) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.Token == "" {
		s.replyFrame(conn.ID, "authentication_result", map[string]any{"success": false, "error": "invalid token"})
		return
	}

	s.states.set(conn.ID, StateAuthenticating)

	authCtx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	defer cancel()

	identity, err := s.verifier.Verify(authCtx, req.Token)
	if err != nil {
		s.logger.Debug().Err(err).Str("connection_id", conn.ID).Msg("token verification failed")
		s.replyFrame(conn.ID, "authentication_result", map[string]any{"success": false, "error": "invalid token"})
		return
	}

	if err := s.registry.AttachUser(conn.ID, identity.UserID, identity.Role, identity.Permissions, identity.ExpiresAt); err != nil {
		s.replyFrame(conn.ID, "authentication_result", map[string]any{"success": false, "error": "invalid token"})
		return
	}

	s.states.set(conn.ID, StateAuthenticated)
	s.replyFrame(conn.ID, "authentication_result", map[string]any{"success": true})
}

func (s *Supervisor) handleSubscribe(conn *registry.Connection, data json.RawMessage) {
	var req struct {
		ChannelID string      `json:"channelId"`
		Filter    *wireFilter `json:"filter,omitempty"`
		Replay    int         `json:"replay,omitempty"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.ChannelID == "" {
		s.replyError(conn.ID, coreerr.InvalidMessageFormat, "malformed subscribe request", nil)
		return
	}

	if s.channels.RequiresAuth(req.ChannelID) && requiresAuthBlocks(s.states.get(conn.ID)) {
		s.replyError(conn.ID, coreerr.ChannelAccessDenied, "channel requires authentication: "+req.ChannelID, nil)
		return
	}

	if allowed := s.channels.AllowedRoles(req.ChannelID); len(allowed) > 0 {
		role := string(registry.RoleUnauthenticated)
		if sess := conn.Session(); sess != nil {
			role = string(sess.Role)
		}
		if !requiresRole(role, allowed) {
			s.replyError(conn.ID, coreerr.ChannelAccessDenied, "role not permitted on channel: "+req.ChannelID, nil)
			return
		}
	}

	sub, err := s.channels.Subscribe(conn.ID, req.ChannelID, compileFilter(req.Filter))
	if err != nil {
		if ce, ok := coreerr.As(err); ok {
			s.replyError(conn.ID, ce.Code, ce.Message, nil)
		} else {
			s.replyError(conn.ID, coreerr.InternalError, err.Error(), nil)
		}
		return
	}

	if s.states.get(conn.ID) == StateAuthenticated || s.states.get(conn.ID) == StateIdle {
		s.states.set(conn.ID, StateSubscribed)
	}

	result := map[string]any{
		"success":   true,
		"channelId": sub.ChannelID,
	}
	if req.Replay > 0 {
		result["history"] = s.channels.History(req.ChannelID, req.Replay)
	}
	s.replyFrame(conn.ID, "subscription_result", result)
}

func (s *Supervisor) handleUnsubscribe(conn *registry.Connection, data json.RawMessage) {
	var req struct {
		ChannelID string `json:"channelId"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.ChannelID == "" {
		s.replyError(conn.ID, coreerr.InvalidMessageFormat, "malformed unsubscribe request", nil)
		return
	}

	s.channels.Unsubscribe(conn.ID, req.ChannelID)

	if len(s.channels.SubscriptionsOf(conn.ID)) == 0 && s.states.get(conn.ID) == StateSubscribed {
		s.states.set(conn.ID, StateIdle)
	}

	s.replyFrame(conn.ID, "unsubscription_result", map[string]any{"success": true})
}

func (s *Supervisor) handlePing(conn *registry.Connection) {
	s.replyFrame(conn.ID, "pong", map[string]any{})
}

func (s *Supervisor) replyFrame(connID, frameType string, payload any) {
	encoded, err := message.Encode(frameType, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("frame_type", frameType).Msg("failed to encode reply frame")
		return
	}
	s.dispatcher.SendToConnection(connID, encoded)
}

func (s *Supervisor) replyError(connID string, code coreerr.Code, msg string, data any) {
	frame, err := message.ErrorFrame(string(code), msg, data)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode error frame")
		return
	}
	s.dispatcher.SendToConnection(connID, frame)
}

// wireFilter is the declarative subscribe-time filter clients may send,
// matching spec.md §3's examples (symbol set, priority floor).
type wireFilter struct {
	Symbols     []string `json:"symbols,omitempty"`
	MinPriority string   `json:"minPriority,omitempty"`
}

// compileFilter turns a wireFilter into a channel.Filter predicate evaluated
// against each message's raw payload. Returns nil (no filter) if w is nil or
// empty, matching ChannelIndex.Subscribe's optional filter parameter.
func compileFilter(w *wireFilter) channel.Filter {
	if w == nil || (len(w.Symbols) == 0 && w.MinPriority == "") {
		return nil
	}

	symbols := make(map[string]struct{}, len(w.Symbols))
	for _, sym := range w.Symbols {
		symbols[sym] = struct{}{}
	}
	minPriority := message.Priority(w.MinPriority)

	return func(payload []byte) bool {
		var probe struct {
			Symbol   string          `json:"symbol"`
			Priority message.Priority `json:"priority"`
		}
		if err := json.Unmarshal(payload, &probe); err != nil {
			return true // payload doesn't carry these fields; filter doesn't apply
		}
		if len(symbols) > 0 {
			if _, ok := symbols[probe.Symbol]; !ok {
				return false
			}
		}
		if minPriority != "" && probe.Priority != "" && !probe.Priority.HigherOrEqual(minPriority) {
			return false
		}
		return true
	}
}
