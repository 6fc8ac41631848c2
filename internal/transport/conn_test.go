package transport

import (
	"net"
	"testing"

	"github.com/odinstream/fanout/internal/message"
	"github.com/rs/zerolog"
)

func newTestConn(t *testing.T, maxQueue int) (*Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	return NewConn(server, maxQueue, zerolog.Nop()), client
}

func TestSendQueuesFrameUntilDrained(t *testing.T) {
	c, _ := newTestConn(t, 4)

	if err := c.Send([]byte("a"), message.PriorityNormal); err != nil {
		t.Fatalf("Send: %v", err)
	}

	frames := c.drain()
	if len(frames) != 1 || string(frames[0]) != "a" {
		t.Fatalf("drain() = %v, want [a]", frames)
	}
}

func TestSendDropsOldestNonCriticalWhenFull(t *testing.T) {
	c, _ := newTestConn(t, 2)

	c.Send([]byte("1"), message.PriorityNormal)
	c.Send([]byte("2"), message.PriorityNormal)
	c.Send([]byte("3"), message.PriorityNormal) // queue full, should drop "1"

	frames := c.drain()
	if len(frames) != 2 {
		t.Fatalf("len(frames) = %d, want 2", len(frames))
	}
	if string(frames[0]) != "2" || string(frames[1]) != "3" {
		t.Fatalf("frames = %v, want [2 3] (oldest dropped)", frames)
	}
}

func TestSendForceClosesOnCriticalWhenFull(t *testing.T) {
	c, _ := newTestConn(t, 1)

	c.Send([]byte("1"), message.PriorityNormal)
	err := c.Send([]byte("2"), message.PriorityCritical)

	if err != ErrQueueFullCritical {
		t.Fatalf("err = %v, want ErrQueueFullCritical", err)
	}
	if !c.Closed() {
		t.Fatal("expected connection to be force-closed after critical overflow")
	}
}

func TestSendAfterCloseReturnsErrClosed(t *testing.T) {
	c, _ := newTestConn(t, 4)
	c.Close()

	if err := c.Send([]byte("x"), message.PriorityNormal); err != ErrClosed {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c, _ := newTestConn(t, 4)
	c.Close()
	c.Close() // must not panic or double-close the Done channel

	select {
	case <-c.Done():
	default:
		t.Fatal("expected Done() to be closed")
	}
}

func TestDrainEmptiesQueue(t *testing.T) {
	c, _ := newTestConn(t, 4)
	c.Send([]byte("a"), message.PriorityNormal)

	first := c.drain()
	second := c.drain()

	if len(first) != 1 {
		t.Fatalf("first drain = %v, want one frame", first)
	}
	if second != nil {
		t.Fatalf("second drain = %v, want nil", second)
	}
}
