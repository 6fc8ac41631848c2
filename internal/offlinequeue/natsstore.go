package offlinequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/odinstream/fanout/internal/message"
)

func priorityFromString(s string) message.Priority {
	switch message.Priority(s) {
	case message.PriorityLow, message.PriorityNormal, message.PriorityHigh, message.PriorityCritical:
		return message.Priority(s)
	default:
		return message.PriorityNormal
	}
}

// natsRecord is the JSON shape persisted under each KV key. Keys are
// ws.queue.{userId}.{messageId} (see kvKey). Of the message's Metadata only
// the priority is kept. Entries are written without a per-key TTL; LoadAll
// drops and deletes any entry whose ExpiresAt has passed.
type natsRecord struct {
	Message     *natsMessageSnapshot `json:"message"`
	UserID      string               `json:"userId"`
	ChannelID   string               `json:"channelId"`
	QueuedAt    time.Time            `json:"queuedAt"`
	ExpiresAt   time.Time            `json:"expiresAt"`
	Priority    string               `json:"priority"`
	Attempts    int                  `json:"attempts"`
	MaxAttempts int                  `json:"maxAttempts"`
}

type natsMessageSnapshot struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Channel   string          `json:"channel"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NATSKVStore persists queued messages to a JetStream key-value bucket so
// the offline queue survives a process restart. Connection setup takes the
// reconnect policy of the teacher's pkg/nats Client; it installs no
// connection-event handlers and logs nothing itself. It opens a single KV
// bucket handle instead of subject subscriptions.
type NATSKVStore struct {
	conn   *nats.Conn
	kv     jetstream.KeyValue
	bucket string
}

// NATSKVConfig is the subset of connection parameters the offline queue's
// store needs.
type NATSKVConfig struct {
	URL           string
	Bucket        string
	MaxReconnects int
	ReconnectWait time.Duration
}

// NewNATSKVStore connects to NATS, opening (or creating) the configured
// JetStream KV bucket.
func NewNATSKVStore(cfg NATSKVConfig) (*NATSKVStore, error) {
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open jetstream context: %w", err)
	}

	ctx := context.Background()
	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: cfg.Bucket})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("open or create KV bucket %q: %w", cfg.Bucket, err)
		}
	}

	return &NATSKVStore{conn: conn, kv: kv, bucket: cfg.Bucket}, nil
}

func kvKey(userID, messageID string) string {
	return fmt.Sprintf("ws.queue.%s.%s", sanitizeKeySegment(userID), sanitizeKeySegment(messageID))
}

// sanitizeKeySegment replaces characters JetStream KV keys disallow; user
// and message ids are expected to be opaque tokens/UUIDs so this is
// defensive rather than load-bearing.
func sanitizeKeySegment(s string) string {
	return strings.ReplaceAll(s, ".", "_")
}

func (s *NATSKVStore) Save(qm *QueuedMessage) error {
	rec := natsRecord{
		Message: &natsMessageSnapshot{
			ID:        qm.Message.ID,
			Type:      qm.Message.Type,
			Channel:   qm.Message.Channel,
			Data:      qm.Message.Data,
			Timestamp: qm.Message.Timestamp,
		},
		UserID:      qm.UserID,
		ChannelID:   qm.ChannelID,
		QueuedAt:    qm.QueuedAt,
		ExpiresAt:   qm.ExpiresAt,
		Priority:    string(qm.Priority),
		Attempts:    qm.Attempts,
		MaxAttempts: qm.MaxAttempts,
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal queued message: %w", err)
	}

	_, err = s.kv.Put(context.Background(), kvKey(qm.UserID, qm.Message.ID), payload)
	return err
}

func (s *NATSKVStore) Delete(userID, messageID string) error {
	err := s.kv.Delete(context.Background(), kvKey(userID, messageID))
	if err != nil && errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (s *NATSKVStore) LoadAll() ([]*QueuedMessage, error) {
	ctx := context.Background()
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list KV keys: %w", err)
	}

	now := time.Now()
	out := make([]*QueuedMessage, 0, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}

		var rec natsRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			continue
		}
		if now.After(rec.ExpiresAt) {
			_ = s.kv.Delete(ctx, key)
			continue
		}

		out = append(out, &QueuedMessage{
			Message: &message.Message{
				ID:        rec.Message.ID,
				Type:      rec.Message.Type,
				Channel:   rec.Message.Channel,
				Data:      rec.Message.Data,
				Timestamp: rec.Message.Timestamp,
				Metadata:  message.Metadata{Priority: priorityFromString(rec.Priority)},
			},
			UserID:      rec.UserID,
			ChannelID:   rec.ChannelID,
			QueuedAt:    rec.QueuedAt,
			ExpiresAt:   rec.ExpiresAt,
			Priority:    priorityFromString(rec.Priority),
			Attempts:    rec.Attempts,
			MaxAttempts: rec.MaxAttempts,
		})
	}
	return out, nil
}

// Close releases the underlying NATS connection.
func (s *NATSKVStore) Close() {
	s.conn.Close()
}
