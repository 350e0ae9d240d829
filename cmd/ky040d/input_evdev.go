//go:build linux

package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// inputEvent mirrors struct input_event from <linux/input.h> on 64-bit
// platforms.
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

// translateInputEvent maps a raw kernel input event to daemon events.
// Rotary axis reports carry a signed step count; key events for the
// configured code become button changes, with autorepeat ignored.
func translateInputEvent(ev inputEvent, buttonKeyCode int) []Event {
	switch ev.Type {
	case EV_REL:
		if ev.Code != REL_DIAL && ev.Code != REL_WHEEL {
			return nil
		}

		direction := 1
		count := ev.Value
		if count < 0 {
			direction = -1
			count = -count
		}

		out := make([]Event, 0, count)
		for i := int32(0); i < count; i++ {
			out = append(out, RotationStep{Direction: direction})
		}
		return out

	case EV_KEY:
		if int(ev.Code) != buttonKeyCode {
			return nil
		}
		switch ev.Value {
		case evValuePress:
			return []Event{ButtonChanged{Pressed: true}}
		case evValueRelease:
			return []Event{ButtonChanged{Pressed: false}}
		default:
			// Autorepeat, not a state change.
			return nil
		}
	}

	return nil
}

// evdevWaitSliceMS bounds each epoll wait so context cancellation is
// noticed without an extra wakeup pipe.
const evdevWaitSliceMS = 500

// runEvdevInput reads rotary and key events from a kernel input device
// until ctx is canceled.
func runEvdevInput(ctx context.Context, cfg EvdevConfig, events chan<- Event, logger *slog.Logger) error {
	f, err := os.Open(cfg.Device)
	if err != nil {
		return fmt.Errorf("open input device: %w", err)
	}
	defer f.Close()

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	defer unix.Close(epfd)

	fd := int(f.Fd())
	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return fmt.Errorf("epoll_ctl_add fd=%d: %w", fd, err)
	}

	logger.Info("evdev input started", "device", cfg.Device, "button_key_code", cfg.ButtonKeyCode)

	// Reusable buffers
	epollEvents := make([]unix.EpollEvent, 8)
	evSize := binary.Size(inputEvent{})
	buf := make([]byte, evSize)
	reader := bytes.NewReader(buf)

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := unix.EpollWait(epfd, epollEvents, evdevWaitSliceMS)
		if err != nil {
			// Interrupted system call (e.g. SIGINT)
			if err == syscall.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			if epollEvents[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				return fmt.Errorf("device error/hangup: %s", cfg.Device)
			}

			if _, err := f.Read(buf); err != nil {
				return fmt.Errorf("read from %s: %w", cfg.Device, err)
			}

			reader.Reset(buf)
			var ev inputEvent
			if err := binary.Read(reader, binary.LittleEndian, &ev); err != nil {
				// Skip malformed events
				continue
			}

			for _, out := range translateInputEvent(ev, cfg.ButtonKeyCode) {
				select {
				case events <- out:
				default:
					logger.Warn("event queue full, dropping input event", "type", fmt.Sprintf("%T", out))
				}
			}
		}
	}
}
