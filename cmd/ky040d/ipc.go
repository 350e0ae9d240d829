package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// IPC protocol: newline-delimited JSON over a unix socket. Each request
// line is an EventEnvelope; each response line is an IPCResponse. Events
// are acknowledged once enqueued for the daemon loop, not once applied.
// Two request types are answered directly instead of being enqueued:
//
//	{"type":"ping"}        liveness probe
//	{"type":"get_status"}  replies with a state snapshot and sleep gate
type IPCResponse struct {
	Status    string         `json:"status"`
	Error     string         `json:"error,omitempty"`
	State     *StateSnapshot `json:"state,omitempty"`
	SleepSafe *bool          `json:"sleep_safe,omitempty"`
}

const ipcSnapshotTimeout = 1 * time.Second

// runIPCServer owns the socket lifecycle: it removes a stale socket file,
// listens, loosens permissions for local clients and serves connections
// until ctx is canceled.
func runIPCServer(ctx context.Context, socketPath string, events chan<- Event, sleepReady func() bool, logger *slog.Logger) error {
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer func() {
		ln.Close()
		os.Remove(socketPath)
	}()

	if err := os.Chmod(socketPath, 0o666); err != nil {
		logger.Warn("chmod ipc socket failed", "path", socketPath, "error", err)
	}

	logger.Info("ipc server listening", "path", socketPath)

	// Closing the listener unblocks Accept when ctx is canceled.
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			logger.Warn("ipc accept failed", "error", err)
			continue
		}

		go handleIPCConnection(conn, events, sleepReady, logger)
	}
}

func handleIPCConnection(conn net.Conn, events chan<- Event, sleepReady func() bool, logger *slog.Logger) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)

	respond := func(resp IPCResponse) bool {
		if err := enc.Encode(resp); err != nil {
			logger.Warn("ipc response write failed", "error", err)
			return false
		}
		return true
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var env EventEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			if !respond(IPCResponse{Status: "error", Error: fmt.Sprintf("invalid request: %v", err)}) {
				return
			}
			continue
		}

		switch env.Type {
		case "ping":
			if !respond(IPCResponse{Status: "ok"}) {
				return
			}

		case "get_status":
			resp := queryStatus(events, sleepReady)
			if !respond(resp) {
				return
			}

		default:
			ev, err := UnmarshalEvent(line)
			if err != nil {
				if !respond(IPCResponse{Status: "error", Error: err.Error()}) {
					return
				}
				continue
			}

			select {
			case events <- ev:
				if !respond(IPCResponse{Status: "ok"}) {
					return
				}
			default:
				logger.Warn("ipc event dropped, queue full", "type", env.Type)
				if !respond(IPCResponse{Status: "error", Error: "event queue full"}) {
					return
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Warn("ipc connection read failed", "error", err)
	}
}

// queryStatus round-trips a snapshot request through the daemon loop so the
// reply reflects a consistent state, then attaches the sleep gate reading.
func queryStatus(events chan<- Event, sleepReady func() bool) IPCResponse {
	reply := make(chan StateSnapshot, 1)

	select {
	case events <- RequestStateSnapshot{Reply: reply}:
	default:
		return IPCResponse{Status: "error", Error: "event queue full"}
	}

	select {
	case snap := <-reply:
		resp := IPCResponse{Status: "ok", State: &snap}
		if sleepReady != nil {
			v := sleepReady()
			resp.SleepSafe = &v
		}
		return resp

	case <-time.After(ipcSnapshotTimeout):
		return IPCResponse{Status: "error", Error: "status request timed out"}
	}
}

// SendIPCEvent delivers a single event to a running daemon over its unix
// socket and waits for the acknowledgement line.
func SendIPCEvent(socketPath string, ev Event) error {
	payload, err := MarshalEvent(ev)
	if err != nil {
		return err
	}
	resp, err := roundTripIPC(socketPath, payload)
	if err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("daemon rejected event: %s", resp.Error)
	}
	return nil
}

// QueryIPCStatus asks a running daemon for its state snapshot.
func QueryIPCStatus(socketPath string) (IPCResponse, error) {
	return sendIPCRequest(socketPath, []byte(`{"type":"get_status"}`))
}

func sendIPCRequest(socketPath string, payload []byte) (IPCResponse, error) {
	resp, err := roundTripIPC(socketPath, payload)
	if err != nil {
		return IPCResponse{}, err
	}
	return resp, nil
}

func roundTripIPC(socketPath string, payload []byte) (IPCResponse, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return IPCResponse{}, fmt.Errorf("send request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return IPCResponse{}, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}
