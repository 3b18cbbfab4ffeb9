package events

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pitabwire/doorhub/internal/config"
	"github.com/pitabwire/doorhub/internal/lifecycle"
	"github.com/pitabwire/doorhub/internal/observability"
)

const (
	maxMessageSize = 4096
	allInstances   = "*"
)

// ControlMessage is sent by stream clients.
//
//	{"action":"subscribe","instanceId":"..."}   ("*" for every instance)
//	{"action":"unsubscribe","instanceId":"..."}
//	{"action":"refresh","instanceId":"..."}
type ControlMessage struct {
	Action     string `json:"action"`
	InstanceID string `json:"instanceId"`
}

// Source produces lifecycle events.
type Source interface {
	Subscribe(buffer int) (<-chan lifecycle.Event, func())
}

// Hub fans lifecycle events out to WebSocket clients and feeds their
// refresh requests into the Bus. It is safe for concurrent use.
type Hub struct {
	source  Source
	bus     *Bus
	cfg     config.StreamConfig
	origins []string
	logger  *zap.Logger
	metrics *observability.Metrics

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the logger.
func WithHubLogger(l *zap.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// WithHubMetrics sets the metrics recorder.
func WithHubMetrics(m *observability.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithAllowedOrigins restricts the Origin of upgrade requests. A "*" entry
// allows every origin; requests without an Origin header are always
// allowed.
func WithAllowedOrigins(origins []string) HubOption {
	return func(h *Hub) { h.origins = origins }
}

// NewHub creates a Hub. Call Run to start forwarding events.
func NewHub(source Source, bus *Bus, cfg config.StreamConfig, opts ...HubOption) *Hub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.SendBuffer < 1 {
		cfg.SendBuffer = 64
	}
	h := &Hub{
		source:  source,
		bus:     bus,
		cfg:     cfg,
		logger:  zap.NewNop(),
		clients: make(map[string]*Client),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Run forwards lifecycle events to subscribed clients until ctx is
// cancelled or the source closes, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	events, cancel := h.source.Subscribe(h.cfg.SendBuffer * 4)
	defer cancel()
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.broadcast(ev)
		}
	}
}

// ServeHTTP upgrades the request to a WebSocket connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &Client{
		ID:            uuid.NewString(),
		conn:          conn,
		hub:           h,
		send:          make(chan []byte, h.cfg.SendBuffer),
		subscriptions: make(map[string]bool),
	}
	h.register(c)
	go c.writePump()
	go c.readPump()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.origins {
		if allowed == "*" || strings.EqualFold(origin, allowed) {
			return true
		}
	}
	h.logger.Warn("rejected stream origin", zap.String("origin", origin))
	return false
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.SetStreamClients(n)
	h.logger.Debug("stream client connected", zap.String("client_id", c.ID))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; ok {
		delete(h.clients, c.ID)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.SetStreamClients(n)
	h.logger.Debug("stream client disconnected", zap.String("client_id", c.ID))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
	h.mu.Unlock()
	h.metrics.SetStreamClients(0)
}

func (h *Hub) broadcast(ev lifecycle.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encoding lifecycle event", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.IsSubscribed(ev.State.InstanceID) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Debug("dropping event for slow stream client", zap.String("client_id", c.ID))
		}
	}
}

func (h *Hub) handleControl(c *Client, cm ControlMessage) {
	switch cm.Action {
	case "subscribe":
		c.subMu.Lock()
		c.subscriptions[cm.InstanceID] = true
		c.subMu.Unlock()
	case "unsubscribe":
		c.subMu.Lock()
		delete(c.subscriptions, cm.InstanceID)
		c.subMu.Unlock()
	case "refresh":
		if cm.InstanceID == "" || cm.InstanceID == allInstances {
			return
		}
		h.bus.Publish(cm.InstanceID)
	default:
		h.logger.Debug("unknown stream action",
			zap.String("client_id", c.ID),
			zap.String("action", cm.Action),
		)
	}
}
