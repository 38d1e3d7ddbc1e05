package api

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-shellybridge/internal/device"
	"github.com/nerrad567/gray-logic-shellybridge/internal/infrastructure/logging"
)

// Hub fans device events out to WebSocket clients.
//
// A client whose send buffer is full is evicted rather than skipped, so a
// dashboard never silently misses a device.changed and shows stale state.
type Hub struct {
	logger   *logging.Logger
	snapshot func() []device.Device

	clients map[*WSClient]struct{}
	mu      sync.RWMutex

	evicted atomic.Int64
}

// NewHub creates a hub. snapshot supplies the device list sent to clients
// that subscribe with "snapshot": true; it may be nil.
func NewHub(logger *logging.Logger, snapshot func() []device.Device) *Hub {
	if snapshot == nil {
		snapshot = func() []device.Device { return nil }
	}
	return &Hub{
		logger:   logger,
		snapshot: snapshot,
		clients:  make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "client_id", c.id, "clients", n)
}

// Unregister removes a client and closes it. Safe to call more than once.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	c.close()
	if existed {
		h.logger.Debug("websocket client disconnected", "client_id", c.id, "clients", n)
	}
}

// Broadcast sends an event on channel to every client subscribed to it
// whose device filter admits deviceID.
func (h *Hub) Broadcast(channel, deviceID string, payload any) {
	data, err := encodeEvent(channel, payload)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		if !c.wants(channel, deviceID) {
			continue
		}
		if !c.offer(data) {
			h.evict(c)
			continue
		}
		sent++
	}
	if sent > 0 {
		h.logger.Debug("broadcast sent", "channel", channel, "device_id", deviceID, "recipients", sent)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// EvictedCount returns how many clients were dropped for falling behind.
func (h *Hub) EvictedCount() int64 {
	return h.evicted.Load()
}

func (h *Hub) evict(c *WSClient) {
	h.evicted.Add(1)
	h.logger.Warn("websocket client too slow, disconnecting", "client_id", c.id)
	h.Unregister(c)
}

// encodeEvent marshals an event envelope.
func encodeEvent(channel string, payload any) ([]byte, error) {
	return json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
}
