//go:build linux

package main

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// TestTranslateInputEvent_RelDial tests that rotary axis reports expand
// into one step event per detent
func TestTranslateInputEvent_RelDial(t *testing.T) {
	out := translateInputEvent(inputEvent{Type: EV_REL, Code: REL_DIAL, Value: 3}, KEY_ENTER)
	if len(out) != 3 {
		t.Fatalf("expected 3 events for value=3, got %d", len(out))
	}
	for i, ev := range out {
		step, ok := ev.(RotationStep)
		if !ok {
			t.Fatalf("event %d: expected RotationStep, got %T", i, ev)
		}
		if step.Direction != 1 {
			t.Errorf("event %d: expected direction=1, got %d", i, step.Direction)
		}
	}

	out = translateInputEvent(inputEvent{Type: EV_REL, Code: REL_DIAL, Value: -2}, KEY_ENTER)
	if len(out) != 2 {
		t.Fatalf("expected 2 events for value=-2, got %d", len(out))
	}
	for i, ev := range out {
		step := ev.(RotationStep)
		if step.Direction != -1 {
			t.Errorf("event %d: expected direction=-1, got %d", i, step.Direction)
		}
	}
}

// TestTranslateInputEvent_RelWheel tests that wheel reports are accepted
// the same way as dial reports
func TestTranslateInputEvent_RelWheel(t *testing.T) {
	out := translateInputEvent(inputEvent{Type: EV_REL, Code: REL_WHEEL, Value: 1}, KEY_ENTER)
	if len(out) != 1 {
		t.Fatalf("expected 1 event, got %d", len(out))
	}
	if step := out[0].(RotationStep); step.Direction != 1 {
		t.Errorf("expected direction=1, got %d", step.Direction)
	}
}

// TestTranslateInputEvent_IgnoresOtherRelAxes tests that unrelated relative
// axes (e.g. mouse movement) produce nothing
func TestTranslateInputEvent_IgnoresOtherRelAxes(t *testing.T) {
	out := translateInputEvent(inputEvent{Type: EV_REL, Code: 0x00, Value: 5}, KEY_ENTER)
	if out != nil {
		t.Fatalf("expected nil for REL_X, got %v", out)
	}
}

// TestTranslateInputEvent_ButtonPressRelease tests key press and release
// translation for the configured button code
func TestTranslateInputEvent_ButtonPressRelease(t *testing.T) {
	out := translateInputEvent(inputEvent{Type: EV_KEY, Code: KEY_ENTER, Value: evValuePress}, KEY_ENTER)
	if len(out) != 1 {
		t.Fatalf("expected 1 event for press, got %d", len(out))
	}
	if b := out[0].(ButtonChanged); !b.Pressed {
		t.Error("expected pressed=true")
	}

	out = translateInputEvent(inputEvent{Type: EV_KEY, Code: KEY_ENTER, Value: evValueRelease}, KEY_ENTER)
	if len(out) != 1 {
		t.Fatalf("expected 1 event for release, got %d", len(out))
	}
	if b := out[0].(ButtonChanged); b.Pressed {
		t.Error("expected pressed=false")
	}
}

// TestTranslateInputEvent_IgnoresAutorepeat tests that key autorepeat does
// not generate extra button changes
func TestTranslateInputEvent_IgnoresAutorepeat(t *testing.T) {
	out := translateInputEvent(inputEvent{Type: EV_KEY, Code: KEY_ENTER, Value: evValueRepeat}, KEY_ENTER)
	if out != nil {
		t.Fatalf("expected nil for autorepeat, got %v", out)
	}
}

// TestTranslateInputEvent_IgnoresOtherKeys tests that key codes other than
// the configured one are passed over
func TestTranslateInputEvent_IgnoresOtherKeys(t *testing.T) {
	out := translateInputEvent(inputEvent{Type: EV_KEY, Code: 30, Value: evValuePress}, KEY_ENTER)
	if out != nil {
		t.Fatalf("expected nil for unconfigured key, got %v", out)
	}
}

// TestTranslateInputEvent_IgnoresSynEvents tests that sync markers are
// dropped
func TestTranslateInputEvent_IgnoresSynEvents(t *testing.T) {
	out := translateInputEvent(inputEvent{Type: 0x00, Code: 0, Value: 0}, KEY_ENTER)
	if out != nil {
		t.Fatalf("expected nil for EV_SYN, got %v", out)
	}
}

// TestInputEventBinaryLayout tests that the struct matches the 24-byte
// kernel layout on 64-bit platforms and round-trips through binary encoding
func TestInputEventBinaryLayout(t *testing.T) {
	size := binary.Size(inputEvent{})
	if size != 24 {
		t.Fatalf("expected 24-byte input_event, got %d", size)
	}

	in := inputEvent{Sec: 1700000000, Usec: 123456, Type: EV_REL, Code: REL_DIAL, Value: -1}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	if buf.Len() != 24 {
		t.Fatalf("expected 24 bytes on the wire, got %d", buf.Len())
	}

	var out inputEvent
	if err := binary.Read(&buf, binary.LittleEndian, &out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if out != in {
		t.Errorf("round trip mismatch: expected %+v, got %+v", in, out)
	}
}
