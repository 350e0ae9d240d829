package main

import "fmt"

// ============================================================================
// Command Types
// ============================================================================
// Commands are side effects the reducer wants performed. The daemon loop
// hands them to the effects layer after the state transition is applied, so
// the reducer itself never does I/O.
// ============================================================================

// Command is the marker interface for reducer-emitted side effects.
type Command interface {
	commandMarker()
	String() string
}

// CmdNotify posts a JSON notification to a webhook URL.
type CmdNotify struct {
	URL     string
	Kind    string // "rotation", "button" or "position_reset"
	Payload any
}

func (CmdNotify) commandMarker() {}

func (c CmdNotify) String() string {
	return fmt.Sprintf("CmdNotify(kind=%s url=%s)", c.Kind, c.URL)
}

// CmdPublishStateSnapshot delivers a snapshot to a requester through its
// reply channel.
type CmdPublishStateSnapshot struct {
	Reply    chan StateSnapshot
	Snapshot StateSnapshot
}

func (CmdPublishStateSnapshot) commandMarker() {}

func (c CmdPublishStateSnapshot) String() string {
	return fmt.Sprintf("CmdPublishStateSnapshot(position=%d)", c.Snapshot.Position)
}
