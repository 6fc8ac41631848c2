// Package channel implements the ChannelIndex component of SPEC_FULL.md §4.2:
// the channel directory, the bidirectional subscription maps, per-channel
// history ring buffers, and the channel lifecycle state machine. Grounded on
// the teacher's server.go SubscriptionIndex (channel -> subscriber lookup,
// credited there with a "93% CPU savings" fan-out optimization) generalized
// from parsed NATS subjects into first-class named channels.
package channel

import (
	"time"

	"github.com/odinstream/fanout/internal/message"
)

// Kind classifies a channel's domain, per SPEC_FULL.md §3.
type Kind string

const (
	KindMarketData         Kind = "market-data"
	KindUserNotifications  Kind = "user-notifications"
	KindPortfolioUpdates   Kind = "portfolio-updates"
	KindAlerts             Kind = "alerts"
	KindSystem             Kind = "system"
	KindCustom             Kind = "custom"
)

// State is a channel's position in the defined -> open -> closed -> removed
// lifecycle (SPEC_FULL.md §4.2).
type State string

const (
	StateDefined State = "defined"
	StateOpen    State = "open"
	StateClosed  State = "closed"
	StateRemoved State = "removed"
)

// Spec describes a channel to be created via Define.
type Spec struct {
	ID             string
	Kind           Kind
	Public         bool
	RequiresAuth   bool
	MaxSubscribers int
	HistorySize    int
	// AllowedRoles restricts Subscribe to connections authenticated as one of
	// these roles. Empty means no role restriction (SPEC_FULL.md §4.5).
	AllowedRoles []string
}

// Filter is a caller-supplied predicate stored with the subscription at
// subscribe time and evaluated by Dispatcher against each published
// message's raw payload.
type Filter func(payload []byte) bool

// Subscription is the (connection, channel, filter, subscribed-at) tuple
// from SPEC_FULL.md §3.
type Subscription struct {
	ConnID       string
	ChannelID    string
	Filter       Filter
	SubscribedAt time.Time
}

// channel is the index's internal representation of one topic. It has no
// exported fields; Index methods hand out copies, and mutation only happens
// through Index, under the channel's own lock.
type channel struct {
	spec  Spec
	state State

	subs map[string]*Subscription // connID -> subscription

	history *ring
}

func newChannel(spec Spec) *channel {
	if spec.HistorySize <= 0 {
		spec.HistorySize = 50
	}
	if spec.MaxSubscribers <= 0 {
		spec.MaxSubscribers = 5000
	}
	return &channel{
		spec:    spec,
		state:   StateOpen,
		subs:    make(map[string]*Subscription),
		history: newRing(spec.HistorySize),
	}
}

// ring is a fixed-capacity, copy-on-evict history buffer of *message.Message.
// Grounded on SPEC_FULL.md §4.2 / §5: readers never observe a slot being
// overwritten mid-read because Append replaces the slice entirely rather
// than mutating a shared backing array in place.
type ring struct {
	cap   int
	items []*message.Message // always len <= cap, oldest first
}

func newRing(capacity int) *ring {
	return &ring{cap: capacity, items: make([]*message.Message, 0, capacity)}
}

func (r *ring) append(m *message.Message) {
	if len(r.items) < r.cap {
		r.items = append(r.items, m)
		return
	}
	// Evict oldest: allocate a fresh backing slice so any previously
	// returned History() slice remains valid and unaffected.
	next := make([]*message.Message, 0, r.cap)
	next = append(next, r.items[1:]...)
	next = append(next, m)
	r.items = next
}

func (r *ring) last(n int) []*message.Message {
	if n <= 0 || len(r.items) == 0 {
		return nil
	}
	if n > len(r.items) {
		n = len(r.items)
	}
	out := make([]*message.Message, n)
	copy(out, r.items[len(r.items)-n:])
	return out
}

func (r *ring) len() int {
	return len(r.items)
}
