package message

import (
	"encoding/json"
	"testing"
)

func TestPriorityHigherOrEqual(t *testing.T) {
	cases := []struct {
		a, b Priority
		want bool
	}{
		{PriorityCritical, PriorityHigh, true},
		{PriorityHigh, PriorityCritical, false},
		{PriorityNormal, PriorityNormal, true},
		{PriorityLow, PriorityNormal, false},
		{Priority("bogus"), PriorityLow, true}, // unknown ranks as normal
	}
	for _, c := range cases {
		if got := c.a.HigherOrEqual(c.b); got != c.want {
			t.Errorf("%s.HigherOrEqual(%s) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestSerializeWrapsMessageInFrame(t *testing.T) {
	msg := New("token.update", "prices", json.RawMessage(`{"x":1}`), Metadata{Priority: PriorityHigh})

	frameBytes, err := Serialize(msg)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	var frame Frame
	if err := json.Unmarshal(frameBytes, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if frame.Type != "message" {
		t.Errorf("frame.Type = %q, want \"message\"", frame.Type)
	}

	var decoded Message
	if err := json.Unmarshal(frame.Data, &decoded); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	if decoded.ID != msg.ID || decoded.Channel != "prices" || decoded.Metadata.Priority != PriorityHigh {
		t.Errorf("decoded message mismatch: %+v", decoded)
	}
}

func TestErrorFrameShape(t *testing.T) {
	raw, err := ErrorFrame("not_found", "channel unknown", nil)
	if err != nil {
		t.Fatalf("ErrorFrame: %v", err)
	}
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Type != "error" {
		t.Errorf("frame.Type = %q, want \"error\"", frame.Type)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	type pong struct {
		Seq int `json:"seq"`
	}
	raw, err := Encode("pong", pong{Seq: 7})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var decoded pong
	if err := json.Unmarshal(frame.Data, &decoded); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if decoded.Seq != 7 {
		t.Errorf("decoded.Seq = %d, want 7", decoded.Seq)
	}
}
