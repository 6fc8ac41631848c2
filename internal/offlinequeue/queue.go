// Package offlinequeue implements the OfflineQueue component of
// SPEC_FULL.md §4.4: a bounded, priority-ordered, per-user queue of messages
// addressed to users with no live connection, drained back out once they
// reconnect. The teacher has no offline queue; the ordering and eviction
// policy here follows SPEC_FULL.md §4.4, using the four-level
// message.Priority.
package offlinequeue

import (
	"sort"
	"sync"
	"time"

	"github.com/odinstream/fanout/internal/message"
	"github.com/odinstream/fanout/internal/metrics"
	"github.com/rs/zerolog"
)

// QueuedMessage is one entry awaiting delivery, per SPEC_FULL.md §3.
type QueuedMessage struct {
	Message     *message.Message
	UserID      string
	ChannelID   string
	QueuedAt    time.Time
	ExpiresAt   time.Time
	Priority    message.Priority
	Attempts    int
	MaxAttempts int
}

func (m *QueuedMessage) expired(now time.Time) bool {
	return now.After(m.ExpiresAt)
}

// Stats is the snapshot returned by Queue.Stats.
type Stats struct {
	TotalMessages int
	UserCount     int
}

// Queue implements OfflineQueue. In-process state (byUser) is always
// authoritative; an optional Store mirrors it for durability across
// restarts, per SPEC_FULL.md §4.4.
type Queue struct {
	logger zerolog.Logger

	maxPerUser  int
	defaultTTL  time.Duration
	maxAttempts int

	store Store

	mu     sync.Mutex
	byUser map[string][]*QueuedMessage
}

// Options configures a Queue's bounds.
type Options struct {
	MaxPerUser  int
	DefaultTTL  time.Duration
	MaxAttempts int
}

// New builds a Queue backed by store. store may be a no-op implementation
// (NewMemoryStore) when durability across restarts is not required.
func New(opts Options, store Store, logger zerolog.Logger) *Queue {
	if opts.MaxPerUser <= 0 {
		opts.MaxPerUser = 1000
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	q := &Queue{
		logger:      logger,
		maxPerUser:  opts.MaxPerUser,
		defaultTTL:  opts.DefaultTTL,
		maxAttempts: opts.MaxAttempts,
		store:       store,
		byUser:      make(map[string][]*QueuedMessage),
	}
	q.restore()
	return q
}

// restore loads any previously persisted entries back into memory at
// startup, e.g. after a process restart against a durable Store.
func (q *Queue) restore() {
	entries, err := q.store.LoadAll()
	if err != nil {
		q.logger.Warn().Err(err).Msg("offline queue: failed to load persisted entries, starting empty")
		return
	}
	for _, qm := range entries {
		q.byUser[qm.UserID] = append(q.byUser[qm.UserID], qm)
	}
	for userID := range q.byUser {
		q.sortUser(userID)
	}
	if len(entries) > 0 {
		q.logger.Info().Int("count", len(entries)).Msg("offline queue: restored persisted entries")
	}
	q.refreshDepthMetric()
}

// Enqueue adds msg for userID/channelID, evicting the lowest-priority oldest
// entry if the user's queue is already at capacity (SPEC_FULL.md §4.4).
func (q *Queue) Enqueue(userID, channelID string, msg *message.Message, priority message.Priority) {
	now := msg.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	qm := &QueuedMessage{
		Message:     msg,
		UserID:      userID,
		ChannelID:   channelID,
		QueuedAt:    now,
		ExpiresAt:   now.Add(q.defaultTTL),
		Priority:    priority,
		MaxAttempts: q.maxAttempts,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.byUser[userID]
	if len(entries) >= q.maxPerUser {
		entries = q.evictLowestPriorityOldest(userID, entries)
	}

	entries = append(entries, qm)
	q.byUser[userID] = entries
	q.sortUserLocked(userID)

	if err := q.store.Save(qm); err != nil {
		q.logger.Warn().Err(err).Str("user_id", userID).Msg("offline queue: failed to persist entry")
	}

	metrics.QueueEnqueued.Inc()
	q.refreshDepthMetricLocked()
}

// evictLowestPriorityOldest drops the worst entry (lowest priority, then
// oldest) from entries and returns the shortened slice. Caller holds q.mu.
func (q *Queue) evictLowestPriorityOldest(userID string, entries []*QueuedMessage) []*QueuedMessage {
	worst := 0
	for i := 1; i < len(entries); i++ {
		if betterToEvict(entries[i], entries[worst]) {
			worst = i
		}
	}
	dropped := entries[worst]
	q.deleteFromStore(dropped)
	metrics.QueueEvicted.WithLabelValues("capacity").Inc()

	out := make([]*QueuedMessage, 0, len(entries)-1)
	out = append(out, entries[:worst]...)
	out = append(out, entries[worst+1:]...)
	return out
}

// betterToEvict reports whether a is a worse entry than b (lower priority,
// or same priority and older).
func betterToEvict(a, b *QueuedMessage) bool {
	ar, br := priorityRank(a.Priority), priorityRank(b.Priority)
	if ar != br {
		return ar < br
	}
	return a.QueuedAt.Before(b.QueuedAt)
}

func priorityRank(p message.Priority) int {
	switch p {
	case message.PriorityCritical:
		return 3
	case message.PriorityHigh:
		return 2
	case message.PriorityNormal:
		return 1
	default:
		return 0
	}
}

// sortUserLocked orders a user's queue priority-desc, queued-at-asc. Caller
// holds q.mu.
func (q *Queue) sortUserLocked(userID string) {
	entries := q.byUser[userID]
	sort.SliceStable(entries, func(i, j int) bool {
		ri, rj := priorityRank(entries[i].Priority), priorityRank(entries[j].Priority)
		if ri != rj {
			return ri > rj
		}
		return entries[i].QueuedAt.Before(entries[j].QueuedAt)
	})
}

func (q *Queue) sortUser(userID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sortUserLocked(userID)
}

// Remove deletes a single queued message by id, regardless of its user.
func (q *Queue) Remove(messageID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for userID, entries := range q.byUser {
		for i, qm := range entries {
			if qm.Message.ID == messageID {
				q.deleteFromStore(qm)
				entries = append(entries[:i], entries[i+1:]...)
				if len(entries) == 0 {
					delete(q.byUser, userID)
				} else {
					q.byUser[userID] = entries
				}
				q.refreshDepthMetricLocked()
				return
			}
		}
	}
}

// ClearUser drops every queued message for userID.
func (q *Queue) ClearUser(userID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, qm := range q.byUser[userID] {
		q.deleteFromStore(qm)
	}
	delete(q.byUser, userID)
	q.refreshDepthMetricLocked()
}

// Stats reports the queue's current size.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := 0
	for _, entries := range q.byUser {
		total += len(entries)
	}
	return Stats{TotalMessages: total, UserCount: len(q.byUser)}
}

func (q *Queue) deleteFromStore(qm *QueuedMessage) {
	if err := q.store.Delete(qm.UserID, qm.Message.ID); err != nil {
		q.logger.Warn().Err(err).Str("user_id", qm.UserID).Str("message_id", qm.Message.ID).
			Msg("offline queue: failed to delete persisted entry")
	}
}

func (q *Queue) refreshDepthMetricLocked() {
	total := 0
	for _, entries := range q.byUser {
		total += len(entries)
	}
	metrics.QueueDepth.Set(float64(total))
}

func (q *Queue) refreshDepthMetric() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.refreshDepthMetricLocked()
}
