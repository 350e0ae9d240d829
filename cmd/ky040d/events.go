package main

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Event Types
// ============================================================================
// Events are observations from input backends and requests from IPC clients.
// The central daemon loop consumes them and applies policy in the reducer.
// ============================================================================

// Event is the marker interface for everything the daemon loop consumes.
type Event interface {
	eventMarker()
}

// TimedEvent wraps a payload event with the time the daemon accepted it.
// The loop wraps every incoming event so the reducer never reads the wall
// clock itself.
type TimedEvent struct {
	Event Event
	At    time.Time
}

func (TimedEvent) eventMarker() {}

// RotationStep is one completed encoder detent.
type RotationStep struct {
	Direction int `json:"direction"` // +1 clockwise, -1 counter-clockwise
}

func (RotationStep) eventMarker() {}

// ButtonChanged reports a push button level.
type ButtonChanged struct {
	Pressed bool `json:"pressed"`
}

func (ButtonChanged) eventMarker() {}

// ResetPosition zeroes the detent counters.
type ResetPosition struct{}

func (ResetPosition) eventMarker() {}

// RequestStateSnapshot asks the daemon loop for a copy of its state. The
// reply channel should be buffered, the snapshot is delivered with a
// non-blocking send.
type RequestStateSnapshot struct {
	Reply chan StateSnapshot `json:"-"`
}

func (RequestStateSnapshot) eventMarker() {}

// CommandFailed feeds a failed side effect back into the loop. The reducer
// owns the failure policy.
type CommandFailed struct {
	Command Command
	Err     error
}

func (CommandFailed) eventMarker() {}

// ============================================================================
// JSON Encoding/Decoding Support
// ============================================================================
// EventEnvelope wraps events with a type discriminator for the IPC wire.
// Only externally injectable events are encodable; loop-internal events like
// RequestStateSnapshot carry channels and never cross the wire.
// ============================================================================

// EventEnvelope wraps an event with a type discriminator for JSON marshaling
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalEvent deserializes a JSON event envelope into a concrete Event
func UnmarshalEvent(data []byte) (Event, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "rotation_step":
		var e RotationStep
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("unmarshal RotationStep: %w", err)
		}
		if e.Direction != 1 && e.Direction != -1 {
			return nil, fmt.Errorf("rotation_step direction must be 1 or -1, got %d", e.Direction)
		}
		return e, nil

	case "button_changed":
		var e ButtonChanged
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, fmt.Errorf("unmarshal ButtonChanged: %w", err)
		}
		return e, nil

	case "reset_position":
		return ResetPosition{}, nil

	default:
		return nil, fmt.Errorf("unknown event type: %q", env.Type)
	}
}

// MarshalEvent serializes an Event into a JSON envelope with type discriminator
func MarshalEvent(e Event) ([]byte, error) {
	var env EventEnvelope

	switch e := e.(type) {
	case RotationStep:
		env.Type = "rotation_step"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal RotationStep: %w", err)
		}
		env.Data = data

	case ButtonChanged:
		env.Type = "button_changed"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal ButtonChanged: %w", err)
		}
		env.Data = data

	case ResetPosition:
		env.Type = "reset_position"

	default:
		return nil, fmt.Errorf("unsupported event type: %T", e)
	}

	return json.Marshal(env)
}
