package fakeserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/models"
)

const writeTimeout = 5 * time.Second

// Push frames travel on a fixed endpoint per type.
const (
	EndpointDevices       = "devices"
	EndpointNotifications = "notifications"
)

func endpointFor(eventType string) string {
	if eventType == models.EventNotification {
		return EndpointNotifications
	}
	return EndpointDevices
}

type wsClient struct {
	userID   string
	deviceID string
	endpoint string
	conn     *websocket.Conn
	writeMu  sync.Mutex
}

func (c *wsClient) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// hub tracks open push connections and fans frames out to them.
type hub struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func newHub(logger *slog.Logger, now func() time.Time) *hub {
	return &hub{
		logger:  logger,
		now:     now,
		clients: make(map[*wsClient]struct{}),
	}
}

func (h *hub) serve(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	deviceID := r.URL.Query().Get("deviceId")
	if deviceID == "" {
		deviceID = claims.DeviceID
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}

	c := &wsClient{
		userID:   claims.UserID,
		deviceID: deviceID,
		endpoint: chi.URLParam(r, "endpoint"),
		conn:     conn,
	}
	if first := h.add(c); first {
		h.broadcast(c.userID, c.deviceID, models.EventDeviceConnected, models.DevicePresenceEvent{DeviceID: deviceID})
	}
	h.logger.Info("realtime client connected", "user_id", c.userID, "device_id", deviceID, "endpoint", c.endpoint)

	defer func() {
		if last := h.remove(c); last {
			h.broadcast(c.userID, c.deviceID, models.EventDeviceDisconnected, models.DevicePresenceEvent{DeviceID: deviceID})
		}
		conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Info("realtime client disconnected", "user_id", c.userID, "device_id", deviceID)
	}()

	// Clients never send frames; CloseRead discards input and reports closure.
	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()
}

// add reports whether c is the device's first open connection.
func (h *hub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	first := true
	for other := range h.clients {
		if other.userID == c.userID && other.deviceID == c.deviceID {
			first = false
			break
		}
	}
	h.clients[c] = struct{}{}
	return first
}

// remove reports whether c was the device's last open connection.
func (h *hub) remove(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return false
	}
	delete(h.clients, c)
	for other := range h.clients {
		if other.userID == c.userID && other.deviceID == c.deviceID {
			return false
		}
	}
	return true
}

func (h *hub) match(fn func(*wsClient) bool) []*wsClient {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []*wsClient
	for c := range h.clients {
		if fn(c) {
			out = append(out, c)
		}
	}
	return out
}

func (h *hub) frame(eventType string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(models.SyncEvent{Type: eventType, Data: data, Timestamp: h.now().UTC()})
}

func (h *hub) sendTo(targets []*wsClient, data []byte) int {
	sent := 0
	for _, c := range targets {
		if err := c.write(data); err != nil {
			h.logger.Warn("push failed", "device_id", c.deviceID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// broadcast pushes to every device of userID except exceptDevice.
func (h *hub) broadcast(userID, exceptDevice, eventType string, payload any) int {
	data, err := h.frame(eventType, payload)
	if err != nil {
		h.logger.Error("failed to encode push", "type", eventType, "error", err)
		return 0
	}
	endpoint := endpointFor(eventType)
	return h.sendTo(h.match(func(c *wsClient) bool {
		return c.userID == userID && c.deviceID != exceptDevice && c.endpoint == endpoint
	}), data)
}

// sendToDevice pushes to one device of userID.
func (h *hub) sendToDevice(userID, deviceID, eventType string, payload any) int {
	data, err := h.frame(eventType, payload)
	if err != nil {
		h.logger.Error("failed to encode push", "type", eventType, "error", err)
		return 0
	}
	endpoint := endpointFor(eventType)
	return h.sendTo(h.match(func(c *wsClient) bool {
		return c.userID == userID && c.deviceID == deviceID && c.endpoint == endpoint
	}), data)
}

func (h *hub) sendRaw(userID, endpoint string, data []byte) int {
	return h.sendTo(h.match(func(c *wsClient) bool {
		return c.userID == userID && c.endpoint == endpoint
	}), data)
}

func (h *hub) connectedDevices(userID string) map[string]bool {
	out := make(map[string]bool)
	for _, c := range h.match(func(c *wsClient) bool { return c.userID == userID }) {
		out[c.deviceID] = true
	}
	return out
}

func (h *hub) closeWhere(fn func(*wsClient) bool, status websocket.StatusCode, reason string) {
	for _, c := range h.match(fn) {
		c.conn.Close(status, reason)
	}
}

func (h *hub) closeUser(userID string) {
	h.closeWhere(func(c *wsClient) bool { return c.userID == userID }, websocket.StatusPolicyViolation, "credentials revoked")
}

func (h *hub) closeAll() {
	h.closeWhere(func(*wsClient) bool { return true }, websocket.StatusGoingAway, "server shutting down")
}
