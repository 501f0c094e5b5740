package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"rick-terminal/logger"
	"rick-terminal/session"
)

// WebSocket heartbeat config
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// Envelope is the shape of every message pushed to dashboard clients.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Hub is the dashboard feed: the connected websocket clients and broadcast.
type Hub struct {
	log        *slog.Logger
	brokerMode string

	clients   map[*websocket.Conn]bool
	clientsMu sync.Mutex
	closed    bool
	upgrader  websocket.Upgrader
}

func NewHub(log *slog.Logger, brokerMode string) *Hub {
	return &Hub{
		log:        log.With(slog.String("component", "hub")),
		brokerMode: brokerMode,
		clients:    make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // dashboard and mobile clients connect from anywhere
			},
		},
	}
}

// HandleWebSocket upgrades r, greets the client and blocks until it disconnects.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", logger.Err(err))
		return
	}

	initMsg := map[string]any{
		"type":      "connection_init",
		"status":    "connected",
		"broker":    h.brokerMode,
		"timestamp": time.Now().UnixMilli(),
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(initMsg); err != nil {
		conn.Close()
		return
	}

	if !h.register(conn) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	defer func() {
		h.unregister(conn)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })

	done := make(chan struct{})
	defer close(done)

	// pinger
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	// Incoming messages are ignored; the read loop only detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (h *Hub) register(conn *websocket.Conn) bool {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	if h.closed {
		return false
	}
	h.clients[conn] = true
	h.log.Debug("client connected", slog.Int("clients", len(h.clients)))
	return true
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		h.log.Debug("client disconnected", slog.Int("clients", len(h.clients)))
	}
}

// Clients is the number of connected dashboard clients.
func (h *Hub) Clients() int {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	return len(h.clients)
}

// Broadcast writes msg to every client. Clients that fail the write are dropped.
func (h *Hub) Broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("broadcast marshal failed", logger.Err(err))
		return
	}

	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	for client := range h.clients {
		_ = client.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			h.log.Debug("write failed, dropping client", logger.Err(err))
			client.Close()
			delete(h.clients, client)
		}
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	h.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for client := range h.clients {
		_ = client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		client.Close()
		delete(h.clients, client)
	}
}

// ============================================================================
// TICK THROTTLER
// ============================================================================

type TickerMessage struct {
	Type   string  `json:"type"`
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// PriceThrottler coalesces ticks so each symbol is broadcast at most once
// per interval, with its latest price.
type PriceThrottler struct {
	hub      *Hub
	interval time.Duration
	pending  map[string]float64
	mu       sync.Mutex

	// OnStatus, when set, also receives every session status event.
	OnStatus func(session.StatusEvent)
}

func NewPriceThrottler(hub *Hub, interval time.Duration) *PriceThrottler {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &PriceThrottler{
		hub:      hub,
		interval: interval,
		pending:  make(map[string]float64),
	}
}

func (pt *PriceThrottler) UpdatePrice(symbol string, price float64) {
	pt.mu.Lock()
	pt.pending[symbol] = price
	pt.mu.Unlock()
}

// Run forwards session events to the hub until ctx is done or sub closes.
// Status events go out immediately; ticks are flushed every interval.
func (pt *PriceThrottler) Run(ctx context.Context, sub *session.Subscription) {
	ticker := time.NewTicker(pt.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				pt.flush()
				return
			}
			switch e := ev.(type) {
			case session.TickEvent:
				pt.UpdatePrice(e.Tick.Symbol, e.Tick.Price)
			case session.StatusEvent:
				pt.hub.Broadcast(Envelope{Type: "session_status", Data: e})
				if pt.OnStatus != nil {
					pt.OnStatus(e)
				}
			}
		case <-ticker.C:
			pt.flush()
		}
	}
}

func (pt *PriceThrottler) flush() {
	pt.mu.Lock()
	if len(pt.pending) == 0 {
		pt.mu.Unlock()
		return
	}
	// swap to minimize lock time
	snapshot := pt.pending
	pt.pending = make(map[string]float64, len(snapshot))
	pt.mu.Unlock()

	for symbol, price := range snapshot {
		pt.hub.Broadcast(TickerMessage{
			Type:   "ticker",
			Symbol: symbol,
			Price:  price,
		})
	}
}
