package main

// ============================================================================
// Reducer - Pure State Transitions
// ============================================================================
// Reduce applies one event to the daemon state and returns the side effects
// it wants performed. It never does I/O and never reads the clock, which
// keeps every policy decision unit-testable.
// ============================================================================

// ReduceResult carries the outcome of one reduction.
type ReduceResult struct {
	State      *DaemonState
	Commands   []Command
	Broadcasts []StateBroadcast
}

// Reduce applies one event to state. The daemon loop wraps every incoming
// event in TimedEvent; bare payload events are no-ops.
func Reduce(s *DaemonState, e Event, notify NotifyConfig) ReduceResult {
	rr := ReduceResult{State: s}

	te, ok := e.(TimedEvent)
	if !ok {
		return rr
	}

	switch ev := te.Event.(type) {
	case RotationStep:
		if ev.Direction == 0 {
			return rr
		}
		dir := 1
		if ev.Direction < 0 {
			dir = -1
		}
		s.ApplyStep(dir, te.At)
		rr.Broadcasts = append(rr.Broadcasts, BroadcastRotation{
			Direction: dir,
			Position:  s.Position,
			At:        te.At,
		})
		if notify.RotationURL != "" {
			rr.Commands = append(rr.Commands, CmdNotify{
				URL:  notify.RotationURL,
				Kind: "rotation",
				Payload: rotationNotifyPayload{
					Direction: directionName(dir),
					Position:  s.Position,
				},
			})
		}

	case ButtonChanged:
		// Only level changes fan out. Repeated reports of the same level
		// (IPC injection, evdev key repeat) are dropped here.
		if s.Button.Known && s.Button.Pressed == ev.Pressed {
			return rr
		}
		s.SetButton(ev.Pressed, te.At)
		rr.Broadcasts = append(rr.Broadcasts, BroadcastButton{
			Pressed: ev.Pressed,
			At:      te.At,
		})
		if notify.ButtonURL != "" {
			rr.Commands = append(rr.Commands, CmdNotify{
				URL:     notify.ButtonURL,
				Kind:    "button",
				Payload: buttonNotifyPayload{Pressed: ev.Pressed},
			})
		}

	case ResetPosition:
		s.ResetCounters()
		rr.Broadcasts = append(rr.Broadcasts, BroadcastPositionReset{At: te.At})

	case RequestStateSnapshot:
		rr.Commands = append(rr.Commands, CmdPublishStateSnapshot{
			Reply:    ev.Reply,
			Snapshot: s.Snapshot(),
		})

	case CommandFailed:
		if _, isNotify := ev.Command.(CmdNotify); isNotify {
			s.NotifyFailures++
		}
	}

	return rr
}
