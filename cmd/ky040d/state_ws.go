package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// State WebSocket: hub + per-client pumps + broadcaster
// ============================================================================
//
// A Hub tracks connected clients; per-client write pumps keep one slow
// client from blocking the others, and clients whose send queue stays full
// are disconnected. Messages are JSON text frames with an envelope
// {type, ts, data}. The first message on connect is "state_init" carrying a
// StateSnapshot obtained through the daemon loop; DaemonState itself is
// never shared with websocket goroutines.
// ============================================================================

// wsRotationData is the JSON `data` payload for "rotation".
type wsRotationData struct {
	Direction string `json:"direction"`
	Position  int64  `json:"position"`
}

// wsButtonData is the JSON `data` payload for "button".
type wsButtonData struct {
	Pressed bool `json:"pressed"`
}

// wsOutboundEvent is a pre-typed, externally-consumable state event.
type wsOutboundEvent struct {
	Type string
	Data any
	At   time.Time // zero means "use now"
}

// envelope is the wire format envelope for WS messages.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

// ============================================================================
// Hub
// ============================================================================

type Hub struct {
	logger *slog.Logger

	// Buffered broadcast channel for already-serialized JSON frames.
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size.
	SendBuf int

	// BroadcastBuf is the hub inbound broadcast queue size.
	BroadcastBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = defaultWSSendBuf
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = 128
	}

	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, bcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		clients:    make(map[*Client]struct{}),
		sendBuf:    sendBuf,
	}
}

// Run processes hub events until ctx is canceled, then disconnects all
// clients.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("ws hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("ws hub stopping (context canceled)")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client registered", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			// Collect slow clients while holding the lock, remove them after
			// releasing it, the map must not change while being ranged.
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		// Closing send signals writePump to exit. Unregister can race with
		// shutdown, so tolerate an already-closed channel.
		safeCloseChan(c.send)

		h.logger.Info("ws client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
	}
}

func safeCloseChan(ch chan []byte) {
	defer func() {
		_ = recover() // ignore "close of closed channel"
	}()
	close(ch)
}

// BroadcastBytes enqueues a pre-serialized JSON frame for broadcast. It
// never blocks; a full hub queue drops the message.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	conn *websocket.Conn
	send chan []byte

	remoteAddr string
	logger     *slog.Logger
}

// NewClient creates a client with a buffered send channel.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := defaultWSSendBuf
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

const (
	writeWait = 5 * time.Second

	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// wsRotationCoalesceWindow bounds how often bursty rotation updates reach
// clients. Latest-wins is lossless for the position display because every
// rotation frame carries the absolute position.
const wsRotationCoalesceWindow = 50 * time.Millisecond

// closeStatus extracts a websocket close code and text when possible.
func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

// writePump writes messages from the send queue to the websocket.
// It exits on write error or when send is closed.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed: hub is disconnecting us.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					if code, text, ok := closeStatus(err); ok {
						c.logger.Info("ws writePump exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
					} else {
						c.logger.Info("ws writePump exiting (write error)", "remote_addr", c.remoteAddr, "error", err)
					}
				}
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.logger.Info("ws writePump exiting (ping error)", "remote_addr", c.remoteAddr, "error", err)
				}
				return
			}
		}
	}
}

// readPump reads and discards incoming messages to detect disconnects and
// service control frames. It exits on read error, then unregisters the
// client.
func (c *Client) readPump(ctx context.Context) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			// Continue to read.
		}

		_, _, err := c.conn.ReadMessage()
		if err != nil {
			// Normal close is expected on client disconnect.
			if !errors.Is(err, websocket.ErrCloseSent) {
				if code, text, ok := closeStatus(err); ok {
					c.logger.Info("ws readPump exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
				} else {
					c.logger.Info("ws readPump exiting (read error)", "remote_addr", c.remoteAddr, "error", err)
				}
			}

			if c.hub != nil {
				c.hub.unregister <- c
			}
			return
		}
	}
}

// ============================================================================
// HTTP handler
// ============================================================================

type Server struct {
	logger *slog.Logger

	hub *Hub

	// The initial snapshot on connect goes through the daemon loop.
	events chan<- Event
}

type ServerConfig struct {
	Hub HubConfig
}

// NewServer constructs the WS state server components. Call Register on a
// mux, start hub.Run(ctx), and start the broadcaster loop.
func NewServer(logger *slog.Logger, events chan<- Event, cfg ServerConfig) *Server {
	return &Server{
		logger: logger,
		hub:    NewHub(logger, cfg.Hub),
		events: events,
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// Register registers the WS handler on the provided mux.
func (s *Server) Register(mux *http.ServeMux, path string) {
	if mux == nil {
		return
	}
	mux.HandleFunc(path, s.handleStateWS)
}

var upgrader = websocket.Upgrader{
	// The feed is read-only state, origin checks are left to deployments
	// that expose it beyond localhost.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStateWS upgrades and registers a client, then sends state_init.
func (s *Server) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)

	// Register first so broadcasts reach the client from the start.
	s.hub.register <- client

	// The pumps must not use r.Context(): net/http cancels it when this
	// handler returns, which would kill the connection with code 1006. The
	// hub and the websocket errors manage the connection lifetime instead.
	go client.writePump(context.Background())
	go client.readPump(context.Background())

	if s.events == nil {
		return
	}

	// Snapshot round-trip through the daemon loop. The request context is
	// fine here, it only has to outlive the handshake.
	reply := make(chan StateSnapshot, 1)

	select {
	case <-r.Context().Done():
		return
	case s.events <- RequestStateSnapshot{Reply: reply}:
	}

	waitCtx := r.Context()
	if _, has := r.Context().Deadline(); !has {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(r.Context(), 1*time.Second)
		defer cancel()
	}

	select {
	case <-waitCtx.Done():
		if !errors.Is(waitCtx.Err(), context.Canceled) {
			s.logger.Warn("ws snapshot request failed", "error", waitCtx.Err())
		}
		return

	case snap := <-reply:
		now := time.Now().UTC()
		initMsg, mErr := json.Marshal(envelope{
			Type: "state_init",
			Ts:   &now,
			Data: snap,
		})
		if mErr == nil {
			// Enqueue the init message; a client already slow at this point
			// gets disconnected.
			select {
			case client.send <- initMsg:
			default:
				s.hub.unregister <- client
			}
		}
	}
}

// ============================================================================
// Broadcaster
// ============================================================================

// RunBroadcaster reads reducer-emitted StateBroadcast values, marshals them
// and fans them out to hub clients. Intended to run as a single goroutine.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan StateBroadcast, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}

	// Coalesce bursty rotation updates: the latest pending rotation is
	// flushed at most once per wsRotationCoalesceWindow while updates keep
	// arriving. Button and reset events flush immediately.
	var pendingRot *wsOutboundEvent
	var rotTimer *time.Timer
	var rotTimerCh <-chan time.Time

	flushPendingRot := func() {
		if pendingRot == nil {
			return
		}

		ts := pendingRot.At
		if ts.IsZero() {
			ts = time.Now().UTC()
		}

		msg, err := json.Marshal(envelope{
			Type: pendingRot.Type,
			Ts:   &ts,
			Data: pendingRot.Data,
		})
		if err != nil {
			logger.Warn("ws broadcaster marshal failed", "error", err, "type", pendingRot.Type)
			pendingRot = nil
			return
		}

		hub.BroadcastBytes(msg)
		pendingRot = nil
	}

	stopRotTimer := func() {
		if rotTimer == nil {
			rotTimerCh = nil
			return
		}
		if !rotTimer.Stop() {
			select {
			case <-rotTimer.C:
			default:
			}
		}
		rotTimerCh = nil
		rotTimer = nil
	}

	startRotTimerIfNeeded := func() {
		if rotTimer != nil {
			return
		}
		rotTimer = time.NewTimer(wsRotationCoalesceWindow)
		rotTimerCh = rotTimer.C
	}

	rearmRotTimer := func() {
		if rotTimer == nil {
			return
		}
		if !rotTimer.Stop() {
			select {
			case <-rotTimer.C:
			default:
			}
		}
		rotTimer.Reset(wsRotationCoalesceWindow)
		rotTimerCh = rotTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			flushPendingRot()
			stopRotTimer()
			return

		case <-rotTimerCh:
			flushPendingRot()
			if pendingRot == nil {
				stopRotTimer()
			} else {
				rearmRotTimer()
			}

		case b, ok := <-src:
			if !ok {
				flushPendingRot()
				stopRotTimer()
				logger.Info("ws broadcaster stopping (source ended)")
				return
			}

			ev, ok := convertBroadcast(b)
			if !ok {
				continue
			}

			// Latest-wins for rotation; the periodic timer keeps running
			// while updates arrive, it is not reset per update.
			if ev.Type == "rotation" {
				copyEv := ev
				pendingRot = &copyEv
				startRotTimerIfNeeded()
				continue
			}

			// Other events flush any pending rotation first so ordering
			// stays plausible for clients.
			flushPendingRot()
			stopRotTimer()

			ts := ev.At
			if ts.IsZero() {
				ts = time.Now().UTC()
			}

			msg, err := json.Marshal(envelope{
				Type: ev.Type,
				Ts:   &ts,
				Data: ev.Data,
			})
			if err != nil {
				logger.Warn("ws broadcaster marshal failed", "error", err, "type", ev.Type)
				continue
			}

			hub.BroadcastBytes(msg)
		}
	}
}

func convertBroadcast(b StateBroadcast) (wsOutboundEvent, bool) {
	switch ev := b.(type) {
	case BroadcastRotation:
		return wsOutboundEvent{
			Type: "rotation",
			Data: wsRotationData{Direction: directionName(ev.Direction), Position: ev.Position},
			At:   ev.At,
		}, true

	case BroadcastButton:
		return wsOutboundEvent{
			Type: "button",
			Data: wsButtonData{Pressed: ev.Pressed},
			At:   ev.At,
		}, true

	case BroadcastPositionReset:
		return wsOutboundEvent{
			Type: "position_reset",
			At:   ev.At,
		}, true

	default:
		return wsOutboundEvent{}, false
	}
}

// ============================================================================
// HTTP server hosting the WS endpoint
// ============================================================================

// runWSServer serves the websocket endpoint until ctx is canceled, then
// shuts the listener down gracefully.
func runWSServer(ctx context.Context, cfg WSConfig, ws *Server, logger *slog.Logger) error {
	mux := http.NewServeMux()
	ws.Register(mux, cfg.Path)

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("ws server listening", "addr", cfg.Listen, "path", cfg.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			return
		}
		errc <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("ws server shutdown", "error", err)
		}
		<-errc
		return nil
	case err := <-errc:
		return err
	}
}
