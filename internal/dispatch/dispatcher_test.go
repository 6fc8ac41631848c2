package dispatch

import (
	"encoding/json"
	"testing"

	"github.com/odinstream/fanout/internal/channel"
	"github.com/odinstream/fanout/internal/message"
	"github.com/rs/zerolog"
)

type fakeRegistry struct {
	sent       map[string][][]byte
	sendResult bool
	live       map[string]bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{sent: make(map[string][][]byte), sendResult: true, live: make(map[string]bool)}
}

func (f *fakeRegistry) Send(connID string, frame []byte, _ message.Priority) bool {
	if !f.sendResult {
		return false
	}
	f.sent[connID] = append(f.sent[connID], frame)
	return true
}

func (f *fakeRegistry) SendToUser(userID string, frame []byte, _ message.Priority) int {
	if !f.live[userID] {
		return 0
	}
	f.sent[userID] = append(f.sent[userID], frame)
	return 1
}

// fakeSubscriptions stands in for Supervisor.IsSubscribed: keyed by
// "userID/channelID" so tests can distinguish a live-but-unsubscribed user
// from one genuinely offline.
type fakeSubscriptions struct {
	subscribed map[string]bool
}

func newFakeSubscriptions() *fakeSubscriptions {
	return &fakeSubscriptions{subscribed: make(map[string]bool)}
}

func (f *fakeSubscriptions) allow(userID, channelID string) {
	f.subscribed[userID+"/"+channelID] = true
}

func (f *fakeSubscriptions) IsSubscribed(userID, channelID string) bool {
	return f.subscribed[userID+"/"+channelID]
}

type fakeChannels struct {
	subs     []channel.Subscriber
	recorded []*message.Message
}

func (f *fakeChannels) Subscribers(string) []channel.Subscriber { return f.subs }
func (f *fakeChannels) Record(_ string, m *message.Message)     { f.recorded = append(f.recorded, m) }

type fakeOffline struct {
	enqueued []string
}

func (f *fakeOffline) Enqueue(userID, _ string, _ *message.Message, _ message.Priority) {
	f.enqueued = append(f.enqueued, userID)
}

func TestPublishDeliversToAllSubscribersPassingFilter(t *testing.T) {
	reg := newFakeRegistry()
	chans := &fakeChannels{subs: []channel.Subscriber{
		{ConnID: "c1"},
		{ConnID: "c2", Filter: func(payload []byte) bool { return false }},
	}}
	d := New(reg, chans, nil, zerolog.Nop())

	delivered := d.Publish("prices", "tick", json.RawMessage(`{}`), message.Metadata{Priority: message.PriorityNormal}, nil)

	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
	if len(reg.sent["c1"]) != 1 {
		t.Fatal("expected c1 to receive exactly one frame")
	}
	if _, ok := reg.sent["c2"]; ok {
		t.Fatal("c2's own filter rejected the message, should not have been sent")
	}
	if len(chans.recorded) != 1 {
		t.Fatal("expected Publish to record the message in channel history")
	}
}

func TestPublishAppliesCallerFilter(t *testing.T) {
	reg := newFakeRegistry()
	chans := &fakeChannels{subs: []channel.Subscriber{{ConnID: "c1"}}}
	d := New(reg, chans, nil, zerolog.Nop())

	delivered := d.Publish("prices", "tick", json.RawMessage(`{}`), message.Metadata{}, func([]byte) bool { return false })

	if delivered != 0 {
		t.Fatalf("delivered = %d, want 0", delivered)
	}
}

func TestPublishTreatsPanickingFilterAsNonMatch(t *testing.T) {
	reg := newFakeRegistry()
	chans := &fakeChannels{subs: []channel.Subscriber{
		{ConnID: "c1", Filter: func([]byte) bool { panic("boom") }},
	}}
	d := New(reg, chans, nil, zerolog.Nop())

	delivered := d.Publish("prices", "tick", json.RawMessage(`{}`), message.Metadata{}, nil)
	if delivered != 0 {
		t.Fatalf("delivered = %d, want 0 (panicking filter should not match)", delivered)
	}
}

func TestSendToUserDeliversWhenLive(t *testing.T) {
	reg := newFakeRegistry()
	reg.live["user-1"] = true
	chans := &fakeChannels{}
	d := New(reg, chans, nil, zerolog.Nop())
	subs := newFakeSubscriptions()
	subs.allow("user-1", "notifications")
	d.SetSubscriptionChecker(subs)

	delivered := d.SendToUser("user-1", "notifications", "alert", json.RawMessage(`{}`), message.Metadata{})
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
}

func TestSendToUserEnqueuesOfflineWhenNotLive(t *testing.T) {
	reg := newFakeRegistry()
	chans := &fakeChannels{}
	offline := &fakeOffline{}
	d := New(reg, chans, offline, zerolog.Nop())
	d.SetSubscriptionChecker(newFakeSubscriptions())

	delivered := d.SendToUser("user-1", "notifications", "alert", json.RawMessage(`{}`), message.Metadata{Priority: message.PriorityHigh})
	if delivered != 0 {
		t.Fatalf("delivered = %d, want 0", delivered)
	}
	if len(offline.enqueued) != 1 || offline.enqueued[0] != "user-1" {
		t.Fatalf("expected user-1 to be enqueued offline, got %v", offline.enqueued)
	}
}

func TestSendToUserEnqueuesOfflineWhenLiveButUnsubscribed(t *testing.T) {
	reg := newFakeRegistry()
	reg.live["user-1"] = true // user has an unrelated live connection
	chans := &fakeChannels{}
	offline := &fakeOffline{}
	d := New(reg, chans, offline, zerolog.Nop())
	subs := newFakeSubscriptions()
	subs.allow("user-1", "other-channel") // but not to "notifications"
	d.SetSubscriptionChecker(subs)

	delivered := d.SendToUser("user-1", "notifications", "alert", json.RawMessage(`{}`), message.Metadata{})
	if delivered != 0 {
		t.Fatalf("delivered = %d, want 0 (live on a different channel is not a delivery target)", delivered)
	}
	if len(reg.sent["user-1"]) != 0 {
		t.Fatalf("expected no frame sent to user-1's unrelated connection, got %v", reg.sent["user-1"])
	}
	if len(offline.enqueued) != 1 || offline.enqueued[0] != "user-1" {
		t.Fatalf("expected user-1 to be enqueued offline, got %v", offline.enqueued)
	}
}

func TestSendToUserDropsSilentlyWhenNoOfflineQueueConfigured(t *testing.T) {
	reg := newFakeRegistry()
	chans := &fakeChannels{}
	d := New(reg, chans, nil, zerolog.Nop())
	d.SetSubscriptionChecker(newFakeSubscriptions())

	delivered := d.SendToUser("user-1", "notifications", "alert", json.RawMessage(`{}`), message.Metadata{})
	if delivered != 0 {
		t.Fatalf("delivered = %d, want 0", delivered)
	}
}

type fakeTee struct {
	broadcasts int
	directs    int
}

func (f *fakeTee) TeeBroadcast(string, string, json.RawMessage) { f.broadcasts++ }
func (f *fakeTee) TeeDirect(string, string, string, json.RawMessage) { f.directs++ }

func TestSetTeeIsInvokedOnPublishAndSendToUser(t *testing.T) {
	reg := newFakeRegistry()
	reg.live["user-1"] = true
	chans := &fakeChannels{subs: []channel.Subscriber{{ConnID: "c1"}}}
	d := New(reg, chans, nil, zerolog.Nop())
	tee := &fakeTee{}
	d.SetTee(tee)
	subs := newFakeSubscriptions()
	subs.allow("user-1", "notifications")
	d.SetSubscriptionChecker(subs)

	d.Publish("prices", "tick", json.RawMessage(`{}`), message.Metadata{}, nil)
	d.SendToUser("user-1", "notifications", "alert", json.RawMessage(`{}`), message.Metadata{})

	if tee.broadcasts != 1 || tee.directs != 1 {
		t.Fatalf("tee calls = %+v, want 1 broadcast and 1 direct", tee)
	}
}
