package main

import "log/slog"

// ============================================================================
// Effects - Command Execution
// ============================================================================
// runEffect performs one reducer command. Failures are fed back into the
// daemon loop as CommandFailed events instead of being handled inline, so
// the reducer keeps ownership of failure policy.
// ============================================================================

func runEffect(notifier *WebhookNotifier, cmd Command, logger *slog.Logger, onEvent func(Event)) {
	switch c := cmd.(type) {
	case CmdNotify:
		if err := notifier.Post(c.URL, c.Kind, c.Payload); err != nil {
			logger.Warn("webhook notify failed", "kind", c.Kind, "url", c.URL, "error", err)
			onEvent(CommandFailed{Command: c, Err: err})
		}

	case CmdPublishStateSnapshot:
		// Never block the loop on a requester that went away.
		select {
		case c.Reply <- c.Snapshot:
		default:
			logger.Warn("state snapshot reply channel full, dropping")
		}

	default:
		logger.Warn("unknown command", "command", cmd.String())
	}
}
