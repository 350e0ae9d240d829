package main

import "time"

// ============================================================================
// Daemon State
// ============================================================================
// DaemonState is owned by the daemon goroutine. Everything outside the loop
// observes it through StateSnapshot copies or StateBroadcast fanout, never
// by reading the struct directly.
// ============================================================================

// DaemonState is the single-owner state behind the reducer.
type DaemonState struct {
	// Position is the running detent counter. Clockwise steps add one,
	// counter-clockwise steps subtract one.
	Position int64

	ClockwiseSteps        uint64
	CounterClockwiseSteps uint64

	// LastStep is the direction of the most recent detent, +1 or -1, and 0
	// before the first one.
	LastStep   int
	LastStepAt time.Time

	Button ButtonState

	NotifyFailures uint64

	Backend   string
	StartedAt time.Time
}

// ButtonState tracks the last observed push button level.
type ButtonState struct {
	Pressed bool
	At      time.Time

	// Known flips to true once the first level was observed.
	Known bool
}

// NewDaemonState builds the initial state for one daemon run.
func NewDaemonState(backend string, now time.Time) *DaemonState {
	return &DaemonState{
		Backend:   backend,
		StartedAt: now,
	}
}

// ApplyStep records one completed detent.
// This is intended to be called only by the daemon goroutine (single-owner).
func (s *DaemonState) ApplyStep(direction int, at time.Time) {
	if direction > 0 {
		s.Position++
		s.ClockwiseSteps++
		s.LastStep = 1
	} else {
		s.Position--
		s.CounterClockwiseSteps++
		s.LastStep = -1
	}
	s.LastStepAt = at
}

// SetButton records a push button level.
// This is intended to be called only by the daemon goroutine (single-owner).
func (s *DaemonState) SetButton(pressed bool, at time.Time) {
	s.Button = ButtonState{Pressed: pressed, At: at, Known: true}
}

// ResetCounters zeroes the position and the per-direction counters. The last
// step info is kept, a reset does not rewrite movement history.
// This is intended to be called only by the daemon goroutine (single-owner).
func (s *DaemonState) ResetCounters() {
	s.Position = 0
	s.ClockwiseSteps = 0
	s.CounterClockwiseSteps = 0
}

// StateSnapshot is an immutable copy of the externally visible daemon state,
// shared with IPC clients and websocket subscribers.
type StateSnapshot struct {
	Position              int64  `json:"position"`
	ClockwiseSteps        uint64 `json:"clockwise_steps"`
	CounterClockwiseSteps uint64 `json:"counterclockwise_steps"`

	LastDirection string    `json:"last_direction"` // "clockwise", "counterclockwise" or ""
	LastStepAt    time.Time `json:"last_step_at"`

	ButtonKnown   bool      `json:"button_known"`
	ButtonPressed bool      `json:"button_pressed"`
	ButtonAt      time.Time `json:"button_at"`

	NotifyFailures uint64 `json:"notify_failures"`

	Backend   string    `json:"backend"`
	StartedAt time.Time `json:"started_at"`
}

// Snapshot copies the externally visible state.
// This is intended to be called only by the daemon goroutine (single-owner).
func (s *DaemonState) Snapshot() StateSnapshot {
	return StateSnapshot{
		Position:              s.Position,
		ClockwiseSteps:        s.ClockwiseSteps,
		CounterClockwiseSteps: s.CounterClockwiseSteps,
		LastDirection:         directionName(s.LastStep),
		LastStepAt:            s.LastStepAt,
		ButtonKnown:           s.Button.Known,
		ButtonPressed:         s.Button.Pressed,
		ButtonAt:              s.Button.At,
		NotifyFailures:        s.NotifyFailures,
		Backend:               s.Backend,
		StartedAt:             s.StartedAt,
	}
}

// directionName renders a signed step direction for wire payloads.
func directionName(d int) string {
	switch {
	case d > 0:
		return "clockwise"
	case d < 0:
		return "counterclockwise"
	default:
		return ""
	}
}

// ============================================================================
// State Broadcasts
// ============================================================================

// StateBroadcast is the marker interface for reducer-emitted state changes
// that fan out to websocket subscribers.
type StateBroadcast interface {
	broadcastMarker()
}

// BroadcastRotation reports a completed detent and the position after it.
type BroadcastRotation struct {
	Direction int
	Position  int64
	At        time.Time
}

func (BroadcastRotation) broadcastMarker() {}

// BroadcastButton reports a push button level change.
type BroadcastButton struct {
	Pressed bool
	At      time.Time
}

func (BroadcastButton) broadcastMarker() {}

// BroadcastPositionReset reports that the counters were zeroed.
type BroadcastPositionReset struct {
	At time.Time
}

func (BroadcastPositionReset) broadcastMarker() {}
