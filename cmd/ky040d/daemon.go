package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ============================================================================
// Daemon Loop
// ============================================================================
// The daemon goroutine owns DaemonState. It queues incoming events, reduces
// them one at a time, executes the resulting commands and hands broadcasts
// to the websocket fanout. Effects may queue further observation events
// (like CommandFailed), so the loop flushes until both queues are empty.
// ============================================================================

func runDaemon(ctx context.Context, events <-chan Event, broadcasts chan<- StateBroadcast, notifier *WebhookNotifier, notify NotifyConfig, state *DaemonState, logger *slog.Logger) {
	var eventQueue []Event
	var cmdQueue []Command

	enqueueEvent := func(e Event) {
		eventQueue = append(eventQueue, e)
	}
	enqueueCommands := func(cmds []Command) {
		cmdQueue = append(cmdQueue, cmds...)
	}

	publishBroadcasts := func(bs []StateBroadcast) {
		for _, b := range bs {
			select {
			case broadcasts <- b:
			default:
				logger.Warn("broadcast queue full, dropping", "broadcast", fmt.Sprintf("%T", b))
			}
		}
	}

	flushEvents := func() {
		for len(eventQueue) > 0 {
			e := eventQueue[0]
			eventQueue = eventQueue[1:]

			rr := Reduce(state, e, notify)
			enqueueCommands(rr.Commands)
			publishBroadcasts(rr.Broadcasts)
		}
	}

	flushCommands := func() {
		for len(cmdQueue) > 0 {
			c := cmdQueue[0]
			cmdQueue = cmdQueue[1:]

			logger.Debug("executing command", "command", c.String())
			runEffect(notifier, c, logger, func(e Event) {
				enqueueEvent(TimedEvent{Event: e, At: time.Now()})
			})
		}
	}

	logger.Info("daemon loop started", "backend", state.Backend)
	for {
		select {
		case <-ctx.Done():
			logger.Info("daemon loop stopped")
			return

		case e, ok := <-events:
			if !ok {
				logger.Info("event channel closed, daemon loop stopped")
				return
			}
			enqueueEvent(TimedEvent{Event: e, At: time.Now()})
			for len(eventQueue) > 0 || len(cmdQueue) > 0 {
				flushEvents()
				flushCommands()
			}
		}
	}
}
