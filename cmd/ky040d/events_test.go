package main

import (
	"strings"
	"testing"
)

func TestEventEnvelope_RoundTrip(t *testing.T) {
	cases := []Event{
		RotationStep{Direction: 1},
		RotationStep{Direction: -1},
		ButtonChanged{Pressed: true},
		ButtonChanged{Pressed: false},
		ResetPosition{},
	}

	for _, ev := range cases {
		data, err := MarshalEvent(ev)
		if err != nil {
			t.Fatalf("MarshalEvent(%#v) failed: %v", ev, err)
		}
		got, err := UnmarshalEvent(data)
		if err != nil {
			t.Fatalf("UnmarshalEvent(%s) failed: %v", data, err)
		}
		if got != ev {
			t.Fatalf("round trip mismatch: sent %#v, got %#v", ev, got)
		}
	}
}

func TestUnmarshalEvent_RejectsInvalidDirection(t *testing.T) {
	for _, payload := range []string{
		`{"type":"rotation_step","data":{"direction":0}}`,
		`{"type":"rotation_step","data":{"direction":2}}`,
		`{"type":"rotation_step","data":{"direction":-5}}`,
	} {
		_, err := UnmarshalEvent([]byte(payload))
		if err == nil {
			t.Fatalf("expected error for %s", payload)
		}
		if !strings.Contains(err.Error(), "direction must be 1 or -1") {
			t.Fatalf("unexpected error for %s: %v", payload, err)
		}
	}
}

func TestUnmarshalEvent_RejectsUnknownType(t *testing.T) {
	_, err := UnmarshalEvent([]byte(`{"type":"self_destruct"}`))
	if err == nil || !strings.Contains(err.Error(), "unknown event type") {
		t.Fatalf("expected unknown type error, got %v", err)
	}
}

func TestUnmarshalEvent_RejectsMalformedJSON(t *testing.T) {
	_, err := UnmarshalEvent([]byte(`{"type":`))
	if err == nil {
		t.Fatalf("expected error for malformed JSON")
	}
}

func TestMarshalEvent_RejectsLoopInternalEvents(t *testing.T) {
	// Snapshot requests carry a channel and must never cross the wire.
	_, err := MarshalEvent(RequestStateSnapshot{Reply: make(chan StateSnapshot)})
	if err == nil || !strings.Contains(err.Error(), "unsupported event type") {
		t.Fatalf("expected unsupported type error, got %v", err)
	}
}
