package registry

import (
	"testing"
	"time"

	"github.com/odinstream/fanout/internal/message"
	"github.com/rs/zerolog"
)

type fakeTransport struct {
	sent   [][]byte
	closed bool
	fail   bool
}

func (f *fakeTransport) Send(frame []byte, _ message.Priority) error {
	if f.fail {
		return errSendFailed
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

var errSendFailed = &sendError{"send failed"}

type sendError struct{ s string }

func (e *sendError) Error() string { return e.s }

func newTestRegistry() *Registry {
	policies := DefaultPolicyTable(time.Minute, 60)
	return New(policies, zerolog.Nop())
}

func TestRegisterAssignsUniqueIDs(t *testing.T) {
	r := newTestRegistry()
	c1 := r.Register(&fakeTransport{})
	c2 := r.Register(&fakeTransport{})
	if c1.ID == "" || c2.ID == "" || c1.ID == c2.ID {
		t.Fatalf("expected distinct non-empty ids, got %q and %q", c1.ID, c2.ID)
	}
	if r.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", r.Count())
	}
}

func TestAttachUserIndexesByUser(t *testing.T) {
	r := newTestRegistry()
	conn := r.Register(&fakeTransport{})

	if err := r.AttachUser(conn.ID, "user-1", RoleUser, nil, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("AttachUser: %v", err)
	}
	if !r.HasLiveConnection("user-1") {
		t.Fatal("expected user-1 to have a live connection")
	}
	if !r.IsAuthenticated(conn.ID) {
		t.Fatal("expected connection to be authenticated")
	}
}

func TestAttachUserUnknownConnection(t *testing.T) {
	r := newTestRegistry()
	err := r.AttachUser("does-not-exist", "user-1", RoleUser, nil, time.Now().Add(time.Hour))
	if err == nil {
		t.Fatal("expected error for unknown connection id")
	}
}

func TestSendDeliversFrame(t *testing.T) {
	r := newTestRegistry()
	tr := &fakeTransport{}
	conn := r.Register(tr)

	ok := r.Send(conn.ID, []byte("hello"), message.PriorityNormal)
	if !ok {
		t.Fatal("expected Send to succeed")
	}
	if len(tr.sent) != 1 {
		t.Fatalf("expected 1 frame delivered, got %d", len(tr.sent))
	}
}

func TestSendUnknownConnectionReturnsFalse(t *testing.T) {
	r := newTestRegistry()
	if r.Send("missing", []byte("x"), message.PriorityNormal) {
		t.Fatal("expected Send to fail for unknown connection")
	}
}

func TestSendToUserFansOutToEveryConnection(t *testing.T) {
	r := newTestRegistry()
	tr1 := &fakeTransport{}
	tr2 := &fakeTransport{}
	c1 := r.Register(tr1)
	c2 := r.Register(tr2)

	r.AttachUser(c1.ID, "user-1", RoleUser, nil, time.Now().Add(time.Hour))
	r.AttachUser(c2.ID, "user-1", RoleUser, nil, time.Now().Add(time.Hour))

	delivered := r.SendToUser("user-1", []byte("hi"), message.PriorityNormal)
	if delivered != 2 {
		t.Fatalf("delivered = %d, want 2", delivered)
	}
}

func TestUnregisterRemovesFromBothIndexes(t *testing.T) {
	r := newTestRegistry()
	tr := &fakeTransport{}
	conn := r.Register(tr)
	r.AttachUser(conn.ID, "user-1", RoleUser, nil, time.Now().Add(time.Hour))

	r.Unregister(conn.ID, ReasonClientClosed)

	if _, ok := r.Get(conn.ID); ok {
		t.Fatal("expected connection to be gone from byID index")
	}
	if r.HasLiveConnection("user-1") {
		t.Fatal("expected user-1 to have no live connections after unregister")
	}
	if !tr.closed {
		t.Fatal("expected transport to be closed on unregister")
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	conn := r.Register(&fakeTransport{})
	r.Unregister(conn.ID, ReasonClientClosed)
	r.Unregister(conn.ID, ReasonClientClosed) // must not panic
}

func TestSweepInactiveUnregistersStaleConnections(t *testing.T) {
	r := newTestRegistry()
	conn := r.Register(&fakeTransport{})
	conn.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())

	swept := r.SweepInactive(time.Minute)
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}
	if _, ok := r.Get(conn.ID); ok {
		t.Fatal("expected stale connection to be unregistered")
	}
}

func TestRoleChangeSwapsLimiterWithoutRetroactiveEffect(t *testing.T) {
	r := newTestRegistry()
	conn := r.Register(&fakeTransport{})

	for i := 0; i < 60; i++ {
		conn.Allow()
	}
	if conn.Allow() {
		t.Fatal("expected unauthenticated burst to be exhausted")
	}

	if err := r.AttachUser(conn.ID, "user-1", RoleAdmin, nil, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("AttachUser: %v", err)
	}
	if !conn.Allow() {
		t.Fatal("expected admin's fresh limiter to allow immediately after role change")
	}
}
