// Package ws streams settlement and registry events to WebSocket clients.
//
// Every client receives every event until it sends a filter:
//
//	{"kinds":["round_resolved","reward_claimed"],"rounds":[12]}
//
// Empty lists match everything; {"kinds":[],"rounds":[]} resets the filter.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/forecastpool/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxControlSize = 4096
	sendBuffer     = 256
)

var relayedChannels = []string{domain.ChannelSettlement, domain.ChannelRegistry}

// Config is sent to clients in the greeting and restricts origins.
type Config struct {
	Mode           string
	StartedAt      time.Time
	AllowedOrigins []string // empty allows every origin
}

// Hub relays events from the SignalBus to connected clients.
type Hub struct {
	bus       domain.SignalBus
	upgrader  websocket.Upgrader
	logger    *slog.Logger
	mode      string
	startedAt time.Time

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	return &Hub{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		logger:    logger.With(slog.String("component", "ws_hub")),
		mode:      mode,
		startedAt: startedAt,
		clients:   make(map[*client]struct{}),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		return slices.ContainsFunc(allowed, func(o string) bool {
			return o == "*" || strings.EqualFold(o, origin)
		})
	}
}

// Run subscribes to the event channels and relays until ctx is done, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, channel := range relayedChannels {
		events, err := h.bus.Subscribe(ctx, channel)
		if err != nil {
			return fmt.Errorf("ws: subscribe %s: %w", channel, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.relay(ctx, channel, events)
		}()
	}

	<-ctx.Done()
	wg.Wait()

	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
	h.mu.Unlock()
	return ctx.Err()
}

func (h *Hub) relay(ctx context.Context, channel string, events <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-events:
			if !ok {
				h.logger.WarnContext(ctx, "event subscription closed", slog.String("channel", channel))
				return
			}
			var ev domain.Event
			if err := json.Unmarshal(raw, &ev); err != nil {
				h.logger.WarnContext(ctx, "undecodable event",
					slog.String("channel", channel),
					slog.String("error", err.Error()),
				)
				continue
			}
			h.dispatch(ev, raw)
		}
	}
}

// dispatch queues raw for every client whose filter matches ev. Clients
// whose buffer is full are disconnected rather than silently missing events.
func (h *Hub) dispatch(ev domain.Event, raw []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(ev) {
			continue
		}
		select {
		case c.send <- raw:
		default:
			h.logger.Warn("disconnecting slow client", slog.String("remote", c.remote))
			h.dropLocked(c)
		}
	}
}

func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	h.dropLocked(c)
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("client disconnected", slog.Int("clients", n))
}

// HandleWS serves GET /ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.DebugContext(r.Context(), "upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		remote: conn.RemoteAddr().String(),
		send:   make(chan []byte, sendBuffer),
	}
	if hello, err := h.greeting(); err == nil {
		c.send <- hello
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("client connected", slog.Int("clients", n))

	go c.writeLoop()
	go c.readLoop()
}

func (h *Hub) greeting() ([]byte, error) {
	return json.Marshal(map[string]any{
		"kind": "hello",
		"data": map[string]any{
			"mode":           h.mode,
			"uptime_seconds": max(int64(time.Since(h.startedAt).Seconds()), 0),
		},
	})
}

// ----------------------------------------------------------------------------
// client
// ----------------------------------------------------------------------------

// filterMsg replaces a client's filter. Nil fields keep the current value.
type filterMsg struct {
	Kinds  []domain.EventKind `json:"kinds"`
	Rounds []uint64           `json:"rounds"`
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	remote string
	send   chan []byte

	mu     sync.RWMutex
	kinds  []domain.EventKind
	rounds []uint64
}

// wants reports whether ev passes the filter. Events without a round id
// ignore the round filter.
func (c *client) wants(ev domain.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.kinds) > 0 && !slices.Contains(c.kinds, ev.Kind) {
		return false
	}
	if len(c.rounds) > 0 && ev.RoundID != 0 && !slices.Contains(c.rounds, ev.RoundID) {
		return false
	}
	return true
}

func (c *client) applyFilter(msg filterMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.Kinds != nil {
		c.kinds = slices.Clone(msg.Kinds)
	}
	if msg.Rounds != nil {
		c.rounds = slices.Clone(msg.Rounds)
	}
}

func (c *client) readLoop() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxControlSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("client read failed",
					slog.String("remote", c.remote),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		var msg filterMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		c.applyFilter(msg)
	}
}

func (c *client) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
