// Package realtime streams tenant notifications over WebSocket.
//
// Each connection belongs to the tenant that authenticated the upgrade
// request and only ever receives that tenant's events.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pricewatch/pricewatch/internal/auth"
	"github.com/pricewatch/pricewatch/internal/metrics"
	"github.com/pricewatch/pricewatch/internal/notify"
)

// Connection limits.
const (
	MaxClients   = 10000
	MaxPerTenant = 16
)

// Event is the frame written to clients.
type Event struct {
	Type      notify.Kind          `json:"type"`
	Timestamp time.Time            `json:"timestamp"`
	Data      *notify.Notification `json:"data"`
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Connected int   `json:"connected"`
	Tenants   int   `json:"tenants"`
	Accepted  int64 `json:"accepted"`
	Published int64 `json:"published"`
	Evicted   int64 `json:"evicted"`
}

type envelope struct {
	tenantID string
	event    *Event
}

// Hub fans tenant events out to connected clients. Clients are indexed by
// tenant so a publish only touches that tenant's connections.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	tenants map[string]map[*Client]struct{}
	total   int

	events chan envelope
	join   chan *Client
	leave  chan *Client
	done   chan struct{} // closed when Run exits

	maxClients   int
	maxPerTenant int

	accepted  atomic.Int64
	published atomic.Int64
	evicted   atomic.Int64
}

// NewHub creates a hub. allowedOrigin, when set, is the only browser origin
// allowed to connect besides the API host itself.
func NewHub(logger *zap.Logger, allowedOrigin string) *Hub {
	return &Hub{
		logger:       logger,
		upgrader:     websocket.Upgrader{CheckOrigin: originChecker(allowedOrigin)},
		tenants:      make(map[string]map[*Client]struct{}),
		events:       make(chan envelope, 256),
		join:         make(chan *Client),
		leave:        make(chan *Client),
		done:         make(chan struct{}),
		maxClients:   MaxClients,
		maxPerTenant: MaxPerTenant,
	}
}

func originChecker(allowed string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		switch {
		case origin == "":
			return true // non-browser clients
		case allowed != "" && origin == allowed:
			return true
		default:
			return origin == "http://"+r.Host || origin == "https://"+r.Host
		}
	}
}

// Run owns client membership until ctx is done, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.disconnectAll()
			h.logger.Info("realtime hub stopped")
			return
		case c := <-h.join:
			h.add(c)
		case c := <-h.leave:
			h.remove(c)
		case env := <-h.events:
			h.deliver(env)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	set := h.tenants[c.tenantID]
	if set == nil {
		set = make(map[*Client]struct{})
		h.tenants[c.tenantID] = set
	}
	set[c] = struct{}{}
	h.total++
	n := h.total
	h.mu.Unlock()

	h.accepted.Add(1)
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("client connected", zap.String("tenant_id", c.tenantID), zap.Int("total", n))
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	h.dropLocked(c)
	n := h.total
	h.mu.Unlock()

	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("client disconnected", zap.String("tenant_id", c.tenantID), zap.Int("total", n))
}

// dropLocked unregisters c and closes its queue, which makes the writer
// send a close frame. It reports whether c was still registered.
func (h *Hub) dropLocked(c *Client) bool {
	set, ok := h.tenants[c.tenantID]
	if !ok {
		return false
	}
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.tenants, c.tenantID)
	}
	close(c.send)
	h.total--
	return true
}

func (h *Hub) disconnectAll() {
	h.mu.Lock()
	for _, set := range h.tenants {
		for c := range set {
			close(c.send)
		}
	}
	h.tenants = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(0)
}

func (h *Hub) deliver(env envelope) {
	frame, err := json.Marshal(env.event)
	if err != nil {
		h.logger.Error("failed to encode event", zap.Error(err))
		return
	}
	h.published.Add(1)

	var stalled []*Client
	h.mu.RLock()
	for c := range h.tenants[env.tenantID] {
		if !c.subscription().wants(env.event.Type) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			stalled = append(stalled, c)
		}
	}
	h.mu.RUnlock()

	if len(stalled) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range stalled {
		if h.dropLocked(c) {
			h.evicted.Add(1)
			h.logger.Warn("evicting slow client", zap.String("tenant_id", c.tenantID))
		}
	}
	n := h.total
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

// Send implements notify.Sink. Delivery is best effort: when the hub is
// saturated the event is dropped and the webhook path still carries it.
func (h *Hub) Send(_ context.Context, n *notify.Notification) error {
	env := envelope{
		tenantID: n.TenantID,
		event:    &Event{Type: n.Kind, Timestamp: time.Now().UTC(), Data: n},
	}
	select {
	case h.events <- env:
	default:
		h.logger.Warn("event queue full, dropping event", zap.String("notification_id", n.ID))
	}
	return nil
}

// Stats reports connection counts and delivery totals.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Connected: h.total,
		Tenants:   len(h.tenants),
		Accepted:  h.accepted.Load(),
		Published: h.published.Load(),
		Evicted:   h.evicted.Load(),
	}
}

// admit reports why a new connection for tenantID cannot be accepted, or
// "" when it can.
func (h *Hub) admit(tenantID string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	switch {
	case h.total >= h.maxClients:
		return "too many connections"
	case len(h.tenants[tenantID]) >= h.maxPerTenant:
		return "too many connections for this account"
	}
	return ""
}

// Handle upgrades an authenticated request to a WebSocket bound to the
// caller's tenant.
func (h *Hub) Handle(c *gin.Context) {
	select {
	case <-h.done:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "server shutting down"})
		return
	default:
	}

	tenantID := auth.TenantID(c)
	if tenantID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "API key required"})
		return
	}
	if reason := h.admit(tenantID); reason != "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": reason})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h, conn, tenantID)
	select {
	case h.join <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writeLoop()
	go client.readLoop()
}

var _ notify.Sink = (*Hub)(nil)
