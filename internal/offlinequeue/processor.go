package offlinequeue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/odinstream/fanout/internal/message"
	"github.com/odinstream/fanout/internal/metrics"
)

// Sender is the narrow view of Dispatcher/ConnectionRegistry the processor
// needs: deliver to every live connection of a user, and check whether any
// of those connections is still subscribed to a channel. Queue depends on
// this interface rather than importing internal/dispatch directly, avoiding
// the import cycle described in dispatch.OfflineEnqueuer's doc comment.
type Sender interface {
	SendToUser(userID, channelID, msgType string, payload json.RawMessage, meta message.Metadata) int
	IsSubscribed(userID, channelID string) bool
}

// Process drains up to batchSize messages for every user with a non-empty
// queue and at least one live connection (SPEC_FULL.md §4.4 processor loop).
// Returns the total number delivered across all users.
func (q *Queue) Process(ctx context.Context, sender Sender, batchSize int, hasLiveConnection func(userID string) bool) int {
	q.mu.Lock()
	userIDs := make([]string, 0, len(q.byUser))
	for userID := range q.byUser {
		userIDs = append(userIDs, userID)
	}
	q.mu.Unlock()

	total := 0
	for _, userID := range userIDs {
		select {
		case <-ctx.Done():
			return total
		default:
		}
		if !hasLiveConnection(userID) {
			continue
		}
		total += q.processUser(userID, sender, batchSize)
	}
	return total
}

// processUser drains up to batchSize messages for one user.
func (q *Queue) processUser(userID string, sender Sender, batchSize int) int {
	now := time.Now()

	q.mu.Lock()
	entries := q.byUser[userID]
	if len(entries) > batchSize {
		entries = entries[:batchSize]
	}
	batch := make([]*QueuedMessage, len(entries))
	copy(batch, entries)
	q.mu.Unlock()

	delivered := 0
	for _, qm := range batch {
		if qm.expired(now) {
			q.Remove(qm.Message.ID)
			metrics.QueueEvicted.WithLabelValues("expired").Inc()
			continue
		}

		if !sender.IsSubscribed(userID, qm.ChannelID) {
			q.Remove(qm.Message.ID)
			metrics.QueueEvicted.WithLabelValues("unsubscribed").Inc()
			continue
		}

		n := sender.SendToUser(userID, qm.ChannelID, qm.Message.Type, qm.Message.Data, qm.Message.Metadata)
		if n > 0 {
			q.Remove(qm.Message.ID)
			metrics.QueueDelivered.Inc()
			delivered++
			continue
		}

		qm.Attempts++
		if qm.Attempts >= qm.MaxAttempts {
			q.logger.Warn().
				Str("user_id", userID).
				Str("message_id", qm.Message.ID).
				Str("channel", qm.ChannelID).
				Int("attempts", qm.Attempts).
				Msg("delivery-failed")
			q.Remove(qm.Message.ID)
			metrics.QueueEvicted.WithLabelValues("max_attempts").Inc()
		}
	}
	return delivered
}

// Cleanup drops expired messages and empty user queues (SPEC_FULL.md §4.4
// cleanup loop, default interval 5m).
func (q *Queue) Cleanup() int {
	now := time.Now()

	q.mu.Lock()
	expired := make([]*QueuedMessage, 0)
	for userID, entries := range q.byUser {
		kept := entries[:0:0]
		for _, qm := range entries {
			if qm.expired(now) {
				expired = append(expired, qm)
				continue
			}
			kept = append(kept, qm)
		}
		if len(kept) == 0 {
			delete(q.byUser, userID)
		} else {
			q.byUser[userID] = kept
		}
	}
	q.refreshDepthMetricLocked()
	q.mu.Unlock()

	for _, qm := range expired {
		q.deleteFromStore(qm)
		metrics.QueueEvicted.WithLabelValues("expired").Inc()
	}
	return len(expired)
}

// Run drives Process and Cleanup on their configured intervals until ctx is
// canceled. Grounded on the teacher's periodic-task pattern (single ticker
// per concern, independently panic-recovered by the caller).
func (q *Queue) Run(ctx context.Context, sender Sender, hasLiveConnection func(string) bool, processInterval, cleanupInterval time.Duration, batchSize int) {
	processTicker := time.NewTicker(processInterval)
	cleanupTicker := time.NewTicker(cleanupInterval)
	defer processTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-processTicker.C:
			q.Process(ctx, sender, batchSize, hasLiveConnection)
		case <-cleanupTicker.C:
			q.Cleanup()
		}
	}
}
