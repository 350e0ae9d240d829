package ky040

// Rotation is the outcome of classifying one CLK/DT sample.
//
// RotationIdle doubles as "nothing happening" and "no completed step pending":
// CheckRotation returns it both for the resting state and for the sample that
// opens a new sequence, and GetAndResetLastRotation returns it when no
// completed step is latched.
type Rotation byte

const (
	// RotationIdle means no step in progress or no completed step pending.
	RotationIdle Rotation = iota
	// RotationActive means a step sequence is in progress but not complete.
	RotationActive
	// RotationClockwise means a full clockwise step just completed.
	RotationClockwise
	// RotationCounterClockwise means a full counter-clockwise step just completed.
	RotationCounterClockwise
)

func (r Rotation) String() string {
	switch r {
	case RotationActive:
		return "active"
	case RotationClockwise:
		return "clockwise"
	case RotationCounterClockwise:
		return "counterclockwise"
	default:
		return "idle"
	}
}

// Step maps a completed rotation to a signed detent delta, +1 for clockwise
// and -1 for counter-clockwise. Idle and active map to 0.
func (r Rotation) Step() int {
	switch r {
	case RotationClockwise:
		return 1
	case RotationCounterClockwise:
		return -1
	default:
		return 0
	}
}
