package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// ============================================================================
// ky040-ctl - Command-line IPC Client
// ============================================================================
// This tool talks to the ky040d daemon via its unix IPC socket.
//
// Usage:
//   ky040-ctl status
//   ky040-ctl step 3
//   ky040-ctl step -1
//   ky040-ctl button press
//   ky040-ctl reset
//   ky040-ctl ping
//
// Options:
//   -socket PATH    Unix domain socket path (default: /tmp/ky040d.sock)
// ============================================================================

// Wire types (duplicated from the daemon package for a standalone binary)

type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type RotationStep struct {
	Direction int `json:"direction"`
}

type ButtonChanged struct {
	Pressed bool `json:"pressed"`
}

type StateSnapshot struct {
	Position              int64     `json:"position"`
	ClockwiseSteps        uint64    `json:"clockwise_steps"`
	CounterClockwiseSteps uint64    `json:"counterclockwise_steps"`
	LastDirection         string    `json:"last_direction"`
	LastStepAt            time.Time `json:"last_step_at"`
	ButtonKnown           bool      `json:"button_known"`
	ButtonPressed         bool      `json:"button_pressed"`
	ButtonAt              time.Time `json:"button_at"`
	NotifyFailures        uint64    `json:"notify_failures"`
	Backend               string    `json:"backend"`
	StartedAt             time.Time `json:"started_at"`
}

type IPCResponse struct {
	Status    string         `json:"status"`
	Error     string         `json:"error,omitempty"`
	State     *StateSnapshot `json:"state,omitempty"`
	SleepSafe *bool          `json:"sleep_safe,omitempty"`
}

func main() {
	socketPath := "/tmp/ky040d.sock"

	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// Check for -socket flag
	if args[0] == "-socket" || args[0] == "--socket" {
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: -socket requires an argument\n")
			os.Exit(1)
		}
		socketPath = args[1]
		args = args[2:]
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "status":
		resp, err := request(socketPath, EventEnvelope{Type: "get_status"})
		if err != nil {
			fail(err)
		}
		printStatus(resp)

	case "ping":
		if _, err := request(socketPath, EventEnvelope{Type: "ping"}); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "reset":
		if _, err := request(socketPath, EventEnvelope{Type: "reset_position"}); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "step":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: step requires a signed step count\n")
			os.Exit(1)
		}
		n, err := strconv.Atoi(args[1])
		if err != nil || n == 0 {
			fmt.Fprintf(os.Stderr, "error: invalid step count: %s\n", args[1])
			os.Exit(1)
		}
		if err := sendSteps(socketPath, n); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "button":
		if len(args) < 2 || (args[1] != "press" && args[1] != "release") {
			fmt.Fprintf(os.Stderr, "error: button requires 'press' or 'release'\n")
			os.Exit(1)
		}
		data, _ := json.Marshal(ButtonChanged{Pressed: args[1] == "press"})
		if _, err := request(socketPath, EventEnvelope{Type: "button_changed", Data: data}); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)

	default:
		fmt.Fprintf(os.Stderr, "error: unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// sendSteps injects |n| rotation steps over a single connection, in the
// direction given by the sign of n.
func sendSteps(socketPath string, n int) error {
	direction := 1
	if n < 0 {
		direction = -1
		n = -n
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	data, err := json.Marshal(RotationStep{Direction: direction})
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}
	line, err := json.Marshal(EventEnvelope{Type: "rotation_step", Data: data})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	reader := bufio.NewReader(conn)
	for i := 0; i < n; i++ {
		if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
			return fmt.Errorf("send step: %w", err)
		}

		respLine, err := reader.ReadBytes('\n')
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		var resp IPCResponse
		if err := json.Unmarshal(respLine, &resp); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		if resp.Status != "ok" {
			return fmt.Errorf("daemon error: %s", resp.Error)
		}
	}

	return nil
}

func request(socketPath string, env EventEnvelope) (IPCResponse, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	line, err := json.Marshal(env)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		return IPCResponse{}, fmt.Errorf("send request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return IPCResponse{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != "ok" {
		return IPCResponse{}, fmt.Errorf("daemon error: %s", resp.Error)
	}
	return resp, nil
}

func printStatus(resp IPCResponse) {
	if resp.State == nil {
		fmt.Println("no state in response")
		return
	}
	s := resp.State

	fmt.Printf("position:        %d\n", s.Position)
	fmt.Printf("clockwise:       %d\n", s.ClockwiseSteps)
	fmt.Printf("counterclockwise: %d\n", s.CounterClockwiseSteps)

	if s.LastDirection != "" {
		when := ""
		if !s.LastStepAt.IsZero() {
			when = " at " + s.LastStepAt.Format(time.RFC3339)
		}
		fmt.Printf("last step:       %s%s\n", s.LastDirection, when)
	} else {
		fmt.Printf("last step:       none\n")
	}

	if s.ButtonKnown {
		label := "released"
		if s.ButtonPressed {
			label = "pressed"
		}
		when := ""
		if !s.ButtonAt.IsZero() {
			when = " at " + s.ButtonAt.Format(time.RFC3339)
		}
		fmt.Printf("button:          %s%s\n", label, when)
	} else {
		fmt.Printf("button:          unknown\n")
	}

	fmt.Printf("notify failures: %d\n", s.NotifyFailures)
	fmt.Printf("backend:         %s\n", s.Backend)
	fmt.Printf("started:         %s\n", s.StartedAt.Format(time.RFC3339))

	if resp.SleepSafe != nil {
		fmt.Printf("sleep safe:      %t\n", *resp.SleepSafe)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `ky040-ctl - Control the ky040d daemon via IPC

Usage:
  ky040-ctl [options] <command> [args]

Options:
  -socket PATH    Unix domain socket path (default: /tmp/ky040d.sock)

Commands:
  status              Print the daemon state snapshot
  step <n>            Inject n rotation steps (negative = counterclockwise)
  button press        Inject a button press
  button release      Inject a button release
  reset               Reset the position counter to zero
  ping                Check that the daemon is up
  help, -h, --help    Show this help message

Examples:
  ky040-ctl status
  ky040-ctl step -3
  ky040-ctl -socket /var/run/ky040d.sock reset
`)
}
