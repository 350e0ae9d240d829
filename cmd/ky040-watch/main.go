package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// ky040-watch subscribes to the ky040d websocket state feed and prints
// every update. Useful for eyeballing encoder behavior and for scripting.

// Wire types (duplicated from the daemon package for a standalone binary)

type envelope struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type rotationData struct {
	Direction string `json:"direction"`
	Position  int64  `json:"position"`
}

type buttonData struct {
	Pressed bool `json:"pressed"`
}

type initData struct {
	Position              int64  `json:"position"`
	ClockwiseSteps        uint64 `json:"clockwise_steps"`
	CounterClockwiseSteps uint64 `json:"counterclockwise_steps"`
	ButtonKnown           bool   `json:"button_known"`
	ButtonPressed         bool   `json:"button_pressed"`
	Backend               string `json:"backend"`
}

func main() {
	wsURL := flag.String("ws", "ws://127.0.0.1:8791/ws/state", "ky040d websocket state feed URL")
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected! (press Ctrl+C to exit)")

	// Mutex to protect concurrent writes to the websocket
	var writeMu sync.Mutex

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	go func() {
		for range pingTicker.C {
			writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				log.Printf("ping failed: %v", err)
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}

			if messageType == websocket.TextMessage {
				handleMessage(message)
			}
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	case <-done:
		log.Printf("connection closed")
	}
}

func handleMessage(message []byte) {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		fmt.Printf("[TEXT] %s\n", string(message))
		return
	}

	switch env.Type {
	case "state_init":
		var init initData
		if err := json.Unmarshal(env.Data, &init); err != nil {
			fmt.Printf("[INIT] %s\n", string(env.Data))
			return
		}
		button := "unknown"
		if init.ButtonKnown {
			button = "released"
			if init.ButtonPressed {
				button = "pressed"
			}
		}
		fmt.Printf("[INIT] position=%d cw=%d ccw=%d button=%s backend=%s\n",
			init.Position, init.ClockwiseSteps, init.CounterClockwiseSteps, button, init.Backend)

	case "rotation":
		var rot rotationData
		if err := json.Unmarshal(env.Data, &rot); err != nil {
			fmt.Printf("[ROTATION] %s\n", string(env.Data))
			return
		}
		fmt.Printf("[ROTATION] %s position=%d\n", rot.Direction, rot.Position)

	case "button":
		var btn buttonData
		if err := json.Unmarshal(env.Data, &btn); err != nil {
			fmt.Printf("[BUTTON] %s\n", string(env.Data))
			return
		}
		label := "released"
		if btn.Pressed {
			label = "pressed"
		}
		fmt.Printf("[BUTTON] %s\n", label)

	case "position_reset":
		fmt.Printf("[RESET] position zeroed\n")

	default:
		pretty, err := json.MarshalIndent(json.RawMessage(message), "", "  ")
		if err != nil {
			fmt.Printf("[TEXT] %s\n", string(message))
			return
		}
		fmt.Printf("[MESSAGE]\n%s\n\n", string(pretty))
	}
}
