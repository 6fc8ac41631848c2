package supervisor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/odinstream/fanout/internal/authn"
	"github.com/odinstream/fanout/internal/channel"
	"github.com/odinstream/fanout/internal/config"
	"github.com/odinstream/fanout/internal/dispatch"
	"github.com/odinstream/fanout/internal/message"
	"github.com/odinstream/fanout/internal/registry"
	"github.com/rs/zerolog"
)

type fakeTransport struct{ sent [][]byte }

func (f *fakeTransport) Send(frame []byte, _ message.Priority) error {
	f.sent = append(f.sent, frame)
	return nil
}
func (f *fakeTransport) Close() error { return nil }

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	cfg := &config.Config{OutboundQueueSize: 256, AuthTimeout: time.Second, MaxConnections: 100}
	reg := registry.New(registry.DefaultPolicyTable(time.Minute, 60), zerolog.Nop())
	channels := channel.New(10, reg.IsAuthenticated)
	disp := dispatch.New(reg, channels, nil, zerolog.Nop())
	sup := New(cfg, zerolog.Nop(), reg, channels, disp, nil, authn.NewJWTVerifier("test-secret"), nil)
	disp.SetSubscriptionChecker(sup)
	return sup
}

func lastReply(t *testing.T, tc *fakeTransport) map[string]any {
	t.Helper()
	if len(tc.sent) == 0 {
		t.Fatal("expected at least one reply frame to have been sent")
	}
	var frame map[string]any
	if err := json.Unmarshal(tc.sent[len(tc.sent)-1], &frame); err != nil {
		t.Fatalf("unmarshal reply frame: %v", err)
	}
	return frame
}

func TestHandleSubscribeRejectsUnauthenticatedOnAuthRequiredChannel(t *testing.T) {
	sup := newTestSupervisor(t)
	if err := sup.channels.Define(channel.Spec{ID: "secure", RequiresAuth: true, MaxSubscribers: 10, HistorySize: 5}); err != nil {
		t.Fatalf("Define: %v", err)
	}

	tc := &fakeTransport{}
	conn := sup.registry.Register(tc)
	sup.states.set(conn.ID, StateAccepted)

	data, _ := json.Marshal(map[string]string{"channelId": "secure"})
	sup.handleSubscribe(conn, data)

	reply := lastReply(t, tc)
	if reply["type"] != "error" {
		t.Fatalf("reply = %+v, want an error frame", reply)
	}
}

func TestHandleSubscribeAllowsAuthenticatedOnAuthRequiredChannel(t *testing.T) {
	sup := newTestSupervisor(t)
	if err := sup.channels.Define(channel.Spec{ID: "secure", RequiresAuth: true, MaxSubscribers: 10, HistorySize: 5}); err != nil {
		t.Fatalf("Define: %v", err)
	}

	tc := &fakeTransport{}
	conn := sup.registry.Register(tc)
	if err := sup.registry.AttachUser(conn.ID, "user-1", registry.RoleUser, nil, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("AttachUser: %v", err)
	}
	sup.states.set(conn.ID, StateAuthenticated)

	data, _ := json.Marshal(map[string]string{"channelId": "secure"})
	sup.handleSubscribe(conn, data)

	reply := lastReply(t, tc)
	if reply["type"] != "subscription_result" {
		t.Fatalf("reply = %+v, want subscription_result", reply)
	}
}

func TestHandleSubscribeRejectsDisallowedRole(t *testing.T) {
	sup := newTestSupervisor(t)
	if err := sup.channels.Define(channel.Spec{ID: "admin-only", AllowedRoles: []string{"admin"}, MaxSubscribers: 10, HistorySize: 5}); err != nil {
		t.Fatalf("Define: %v", err)
	}

	tc := &fakeTransport{}
	conn := sup.registry.Register(tc)
	if err := sup.registry.AttachUser(conn.ID, "user-1", registry.RoleUser, nil, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("AttachUser: %v", err)
	}
	sup.states.set(conn.ID, StateAuthenticated)

	data, _ := json.Marshal(map[string]string{"channelId": "admin-only"})
	sup.handleSubscribe(conn, data)

	reply := lastReply(t, tc)
	if reply["type"] != "error" {
		t.Fatalf("reply = %+v, want an error frame for a disallowed role", reply)
	}
}

func TestHandleSubscribeAllowsMatchingRole(t *testing.T) {
	sup := newTestSupervisor(t)
	if err := sup.channels.Define(channel.Spec{ID: "admin-only", AllowedRoles: []string{"admin"}, MaxSubscribers: 10, HistorySize: 5}); err != nil {
		t.Fatalf("Define: %v", err)
	}

	tc := &fakeTransport{}
	conn := sup.registry.Register(tc)
	if err := sup.registry.AttachUser(conn.ID, "admin-1", registry.RoleAdmin, nil, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("AttachUser: %v", err)
	}
	sup.states.set(conn.ID, StateAuthenticated)

	data, _ := json.Marshal(map[string]string{"channelId": "admin-only"})
	sup.handleSubscribe(conn, data)

	reply := lastReply(t, tc)
	if reply["type"] != "subscription_result" {
		t.Fatalf("reply = %+v, want subscription_result", reply)
	}
}
