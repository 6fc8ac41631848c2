package channel

import (
	"sync"
	"time"

	"github.com/odinstream/fanout/internal/coreerr"
	"github.com/odinstream/fanout/internal/message"
	"github.com/odinstream/fanout/internal/metrics"
)

// Subscriber is what Dispatcher needs to fan a message out to one recipient:
// which connection, and the filter (if any) stored at subscribe time.
type Subscriber struct {
	ConnID string
	Filter Filter
}

// AuthChecker reports whether a connection id is currently authenticated.
// ChannelIndex depends on this narrow interface rather than importing
// internal/registry directly, keeping the leaf -> root dependency arrow from
// SPEC_FULL.md §9 intact (channel does not know about registry).
type AuthChecker func(connID string) bool

// Index implements ChannelIndex (SPEC_FULL.md §4.2). A coarse directory lock
// protects the map of channels; each channel additionally has its own lock,
// taken only after the directory lock has been released, so that
// Subscribe/Unsubscribe on one channel never blocks Publish fan-out on
// another.
type Index struct {
	globalMaxSubscriptions int
	isAuthenticated        AuthChecker

	dirMu    sync.RWMutex
	channels map[string]*channel
	chanMu   map[string]*sync.RWMutex

	subMu           sync.RWMutex
	subsByConn      map[string]map[string]struct{} // connID -> set of channelID
}

// New builds an empty Index. globalMaxSubscriptions bounds how many channels
// a single connection may subscribe to across the whole index (SPEC_FULL.md
// §3 invariant 3). isAuthenticated is consulted for RequiresAuth channels.
func New(globalMaxSubscriptions int, isAuthenticated AuthChecker) *Index {
	return &Index{
		globalMaxSubscriptions: globalMaxSubscriptions,
		isAuthenticated:        isAuthenticated,
		channels:               make(map[string]*channel),
		chanMu:                 make(map[string]*sync.RWMutex),
		subsByConn:             make(map[string]map[string]struct{}),
	}
}

// Define creates a channel from spec. Calling Define twice with the same id
// is a no-op that returns nil (SPEC_FULL.md §8's round-trip law leaves the
// "conflict vs no-op" choice to the implementation; this spec picks no-op so
// idempotent startup configuration never fails on redeploy).
func (idx *Index) Define(spec Spec) error {
	idx.dirMu.Lock()
	defer idx.dirMu.Unlock()

	if _, exists := idx.channels[spec.ID]; exists {
		return nil
	}
	idx.channels[spec.ID] = newChannel(spec)
	idx.chanMu[spec.ID] = &sync.RWMutex{}
	return nil
}

func (idx *Index) lookup(channelID string) (*channel, *sync.RWMutex, bool) {
	idx.dirMu.RLock()
	defer idx.dirMu.RUnlock()
	ch, ok := idx.channels[channelID]
	if !ok {
		return nil, nil, false
	}
	return ch, idx.chanMu[channelID], true
}

// Subscribe implements the five-step algorithm from SPEC_FULL.md §4.2.
func (idx *Index) Subscribe(connID, channelID string, filter Filter) (*Subscription, error) {
	ch, mu, ok := idx.lookup(channelID)
	if !ok {
		return nil, coreerr.New(coreerr.ChannelNotFound, "channel not found: "+channelID)
	}

	mu.Lock()
	defer mu.Unlock()

	if ch.state == StateRemoved || ch.state == StateClosed {
		return nil, coreerr.New(coreerr.ChannelNotFound, "channel not accepting subscriptions: "+channelID)
	}

	if ch.spec.RequiresAuth && (idx.isAuthenticated == nil || !idx.isAuthenticated(connID)) {
		metrics.SubscribeRejected.WithLabelValues("access_denied").Inc()
		return nil, coreerr.New(coreerr.ChannelAccessDenied, "channel requires authentication: "+channelID)
	}

	if idx.subscriptionCount(connID) >= idx.globalMaxSubscriptions {
		metrics.SubscribeRejected.WithLabelValues("connection_limit").Inc()
		return nil, coreerr.New(coreerr.SubscriptionLimitExceeded, "connection subscription limit reached")
	}

	if len(ch.subs) >= ch.spec.MaxSubscribers {
		metrics.SubscribeRejected.WithLabelValues("channel_limit").Inc()
		return nil, coreerr.New(coreerr.SubscriptionLimitExceeded, "channel subscriber limit reached: "+channelID)
	}

	sub := &Subscription{
		ConnID:       connID,
		ChannelID:    channelID,
		Filter:       filter,
		SubscribedAt: time.Now(),
	}
	ch.subs[connID] = sub

	idx.subMu.Lock()
	if idx.subsByConn[connID] == nil {
		idx.subsByConn[connID] = make(map[string]struct{})
	}
	idx.subsByConn[connID][channelID] = struct{}{}
	idx.subMu.Unlock()

	metrics.SubscriptionsActive.WithLabelValues(channelID).Set(float64(len(ch.subs)))
	return sub, nil
}

// subscriptionCount returns how many channels connID is currently subscribed
// to. Caller must not hold subMu.
func (idx *Index) subscriptionCount(connID string) int {
	idx.subMu.RLock()
	defer idx.subMu.RUnlock()
	return len(idx.subsByConn[connID])
}

// Unsubscribe removes the (connID, channelID) relation from both indexes.
// Idempotent: unsubscribing a non-subscribed pair is a no-op.
func (idx *Index) Unsubscribe(connID, channelID string) {
	ch, mu, ok := idx.lookup(channelID)
	if !ok {
		return
	}

	mu.Lock()
	delete(ch.subs, connID)
	remaining := len(ch.subs)
	mu.Unlock()

	idx.subMu.Lock()
	if set, ok := idx.subsByConn[connID]; ok {
		delete(set, channelID)
		if len(set) == 0 {
			delete(idx.subsByConn, connID)
		}
	}
	idx.subMu.Unlock()

	metrics.SubscriptionsActive.WithLabelValues(channelID).Set(float64(remaining))
}

// Subscribers returns a snapshot of everyone currently subscribed to
// channelID. Dispatcher.Publish calls this while holding no lock of its own;
// Index takes the channel's read lock internally, for exactly as long as it
// takes to copy out the subscriber list (SPEC_FULL.md §5).
func (idx *Index) Subscribers(channelID string) []Subscriber {
	ch, mu, ok := idx.lookup(channelID)
	if !ok {
		return nil
	}

	mu.RLock()
	defer mu.RUnlock()

	out := make([]Subscriber, 0, len(ch.subs))
	for connID, sub := range ch.subs {
		out = append(out, Subscriber{ConnID: connID, Filter: sub.Filter})
	}
	return out
}

// SubscriptionsOf returns the channel ids connID currently subscribes to.
func (idx *Index) SubscriptionsOf(connID string) []string {
	idx.subMu.RLock()
	defer idx.subMu.RUnlock()

	set := idx.subsByConn[connID]
	out := make([]string, 0, len(set))
	for ch := range set {
		out = append(out, ch)
	}
	return out
}

// Cleanup force-unsubscribes connID from every channel it was in. Called by
// the Supervisor on disconnect.
func (idx *Index) Cleanup(connID string) {
	for _, chID := range idx.SubscriptionsOf(connID) {
		idx.Unsubscribe(connID, chID)
	}
}

// Record appends m to channelID's history ring buffer. A no-op if the
// channel doesn't exist — channels are defined once at startup (or via an
// explicit Define call for a dynamic channel); Record never creates one.
func (idx *Index) Record(channelID string, m *message.Message) {
	ch, mu, ok := idx.lookup(channelID)
	if !ok {
		return
	}
	mu.Lock()
	ch.history.append(m)
	mu.Unlock()
}

// History returns up to the last n messages recorded on channelID, oldest
// first. Not wired into Subscribe automatically (SPEC_FULL.md §9 Open
// Questions): callers that want replay-on-subscribe call this explicitly.
func (idx *Index) History(channelID string, n int) []*message.Message {
	ch, mu, ok := idx.lookup(channelID)
	if !ok {
		return nil
	}
	mu.RLock()
	defer mu.RUnlock()
	return ch.history.last(n)
}

// Close transitions a channel to closed: existing subscribers are preserved
// but new Subscribe calls are rejected.
func (idx *Index) Close(channelID string) {
	ch, mu, ok := idx.lookup(channelID)
	if !ok {
		return
	}
	mu.Lock()
	ch.state = StateClosed
	mu.Unlock()
}

// Remove transitions a channel to removed and force-unsubscribes every
// current subscriber.
func (idx *Index) Remove(channelID string) {
	ch, mu, ok := idx.lookup(channelID)
	if !ok {
		return
	}

	mu.Lock()
	ch.state = StateRemoved
	conns := make([]string, 0, len(ch.subs))
	for connID := range ch.subs {
		conns = append(conns, connID)
	}
	ch.subs = make(map[string]*Subscription)
	mu.Unlock()

	idx.subMu.Lock()
	for _, connID := range conns {
		if set, ok := idx.subsByConn[connID]; ok {
			delete(set, channelID)
			if len(set) == 0 {
				delete(idx.subsByConn, connID)
			}
		}
	}
	idx.subMu.Unlock()
}

// Exists reports whether channelID has been Defined.
func (idx *Index) Exists(channelID string) bool {
	idx.dirMu.RLock()
	defer idx.dirMu.RUnlock()
	_, ok := idx.channels[channelID]
	return ok
}

// RequiresAuth reports whether channelID requires authentication to
// subscribe. Returns false for an unknown channel (Subscribe will reject it
// with ChannelNotFound regardless).
func (idx *Index) RequiresAuth(channelID string) bool {
	ch, mu, ok := idx.lookup(channelID)
	if !ok {
		return false
	}
	mu.RLock()
	defer mu.RUnlock()
	return ch.spec.RequiresAuth
}

// AllowedRoles returns the roles permitted to subscribe to channelID, or nil
// if the channel has no role restriction (or doesn't exist — Subscribe will
// reject an unknown channel with ChannelNotFound regardless).
func (idx *Index) AllowedRoles(channelID string) []string {
	ch, mu, ok := idx.lookup(channelID)
	if !ok {
		return nil
	}
	mu.RLock()
	defer mu.RUnlock()
	return ch.spec.AllowedRoles
}

// SubscriberCount returns the current subscriber count for channelID.
func (idx *Index) SubscriberCount(channelID string) int {
	ch, mu, ok := idx.lookup(channelID)
	if !ok {
		return 0
	}
	mu.RLock()
	defer mu.RUnlock()
	return len(ch.subs)
}
