package channel

import (
	"encoding/json"
	"testing"

	"github.com/odinstream/fanout/internal/coreerr"
	"github.com/odinstream/fanout/internal/message"
)

func alwaysAuthenticated(string) bool { return true }
func neverAuthenticated(string) bool  { return false }

func TestSubscribeUnknownChannel(t *testing.T) {
	idx := New(10, alwaysAuthenticated)
	_, err := idx.Subscribe("conn-1", "does-not-exist", nil)
	ce, ok := coreerr.As(err)
	if !ok || ce.Code != coreerr.ChannelNotFound {
		t.Fatalf("expected ChannelNotFound, got %v", err)
	}
}

func TestSubscribeRequiresAuth(t *testing.T) {
	idx := New(10, neverAuthenticated)
	idx.Define(Spec{ID: "alerts", RequiresAuth: true})

	_, err := idx.Subscribe("conn-1", "alerts", nil)
	ce, ok := coreerr.As(err)
	if !ok || ce.Code != coreerr.ChannelAccessDenied {
		t.Fatalf("expected ChannelAccessDenied, got %v", err)
	}
}

func TestSubscribeSucceedsAndAppearsInBothIndexes(t *testing.T) {
	idx := New(10, alwaysAuthenticated)
	idx.Define(Spec{ID: "prices"})

	sub, err := idx.Subscribe("conn-1", "prices", nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if sub.ConnID != "conn-1" || sub.ChannelID != "prices" {
		t.Fatalf("unexpected subscription: %+v", sub)
	}

	subs := idx.Subscribers("prices")
	if len(subs) != 1 || subs[0].ConnID != "conn-1" {
		t.Fatalf("Subscribers = %+v, want one entry for conn-1", subs)
	}

	chans := idx.SubscriptionsOf("conn-1")
	if len(chans) != 1 || chans[0] != "prices" {
		t.Fatalf("SubscriptionsOf = %v, want [prices]", chans)
	}
}

func TestSubscribeEnforcesPerConnectionLimit(t *testing.T) {
	idx := New(1, alwaysAuthenticated)
	idx.Define(Spec{ID: "a"})
	idx.Define(Spec{ID: "b"})

	if _, err := idx.Subscribe("conn-1", "a", nil); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	_, err := idx.Subscribe("conn-1", "b", nil)
	ce, ok := coreerr.As(err)
	if !ok || ce.Code != coreerr.SubscriptionLimitExceeded {
		t.Fatalf("expected SubscriptionLimitExceeded, got %v", err)
	}
}

func TestSubscribeEnforcesPerChannelLimit(t *testing.T) {
	idx := New(10, alwaysAuthenticated)
	idx.Define(Spec{ID: "a", MaxSubscribers: 1})

	if _, err := idx.Subscribe("conn-1", "a", nil); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	_, err := idx.Subscribe("conn-2", "a", nil)
	ce, ok := coreerr.As(err)
	if !ok || ce.Code != coreerr.SubscriptionLimitExceeded {
		t.Fatalf("expected SubscriptionLimitExceeded, got %v", err)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	idx := New(10, alwaysAuthenticated)
	idx.Define(Spec{ID: "a"})
	idx.Subscribe("conn-1", "a", nil)

	idx.Unsubscribe("conn-1", "a")
	idx.Unsubscribe("conn-1", "a") // must not panic

	if len(idx.Subscribers("a")) != 0 {
		t.Fatal("expected no subscribers after unsubscribe")
	}
}

func TestCleanupRemovesAllSubscriptionsForConnection(t *testing.T) {
	idx := New(10, alwaysAuthenticated)
	idx.Define(Spec{ID: "a"})
	idx.Define(Spec{ID: "b"})
	idx.Subscribe("conn-1", "a", nil)
	idx.Subscribe("conn-1", "b", nil)

	idx.Cleanup("conn-1")

	if len(idx.SubscriptionsOf("conn-1")) != 0 {
		t.Fatal("expected no subscriptions left after Cleanup")
	}
	if len(idx.Subscribers("a")) != 0 || len(idx.Subscribers("b")) != 0 {
		t.Fatal("expected both channels to have no subscribers after Cleanup")
	}
}

func TestDefineIsIdempotent(t *testing.T) {
	idx := New(10, alwaysAuthenticated)
	if err := idx.Define(Spec{ID: "a", MaxSubscribers: 5}); err != nil {
		t.Fatalf("first Define: %v", err)
	}
	if err := idx.Define(Spec{ID: "a", MaxSubscribers: 999}); err != nil {
		t.Fatalf("second Define: %v", err)
	}
	// Second Define must be a no-op: the original MaxSubscribers still applies.
	idx.Subscribe("c1", "a", nil)
	idx.Subscribe("c2", "a", nil)
	idx.Subscribe("c3", "a", nil)
	idx.Subscribe("c4", "a", nil)
	idx.Subscribe("c5", "a", nil)
	_, err := idx.Subscribe("c6", "a", nil)
	if err == nil {
		t.Fatal("expected sixth subscribe to hit the original 5-subscriber limit")
	}
}

func TestHistoryRingEvictsOldest(t *testing.T) {
	idx := New(10, alwaysAuthenticated)
	idx.Define(Spec{ID: "a", HistorySize: 2})

	idx.Record("a", message.New("t", "a", json.RawMessage(`1`), message.Metadata{}))
	idx.Record("a", message.New("t", "a", json.RawMessage(`2`), message.Metadata{}))
	idx.Record("a", message.New("t", "a", json.RawMessage(`3`), message.Metadata{}))

	hist := idx.History("a", 10)
	if len(hist) != 2 {
		t.Fatalf("len(hist) = %d, want 2", len(hist))
	}
	if string(hist[0].Data) != "2" || string(hist[1].Data) != "3" {
		t.Fatalf("unexpected history order: %q, %q", hist[0].Data, hist[1].Data)
	}
}

func TestRemoveForceUnsubscribesEveryone(t *testing.T) {
	idx := New(10, alwaysAuthenticated)
	idx.Define(Spec{ID: "a"})
	idx.Subscribe("conn-1", "a", nil)

	idx.Remove("a")

	if len(idx.Subscribers("a")) != 0 {
		t.Fatal("expected no subscribers after Remove")
	}
	_, err := idx.Subscribe("conn-2", "a", nil)
	ce, ok := coreerr.As(err)
	if !ok || ce.Code != coreerr.ChannelNotFound {
		t.Fatalf("expected a removed channel to reject new subscribes, got %v", err)
	}
}
