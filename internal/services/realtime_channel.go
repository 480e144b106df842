package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/apperrors"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/models"
)

type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// DefaultMaxReconnectAttempts is where automatic reconnection gives up.
const DefaultMaxReconnectAttempts = 10

const frameReadLimit = 1 << 20

// Conn is one open push connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	// Close performs a normal closure.
	Close() error
}

// Dialer opens push connections. Credential rejection must be reported as an
// apperrors authentication error.
type Dialer interface {
	Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error)
}

// WebsocketDialer dials with github.com/coder/websocket.
type WebsocketDialer struct {
	HTTPClient *http.Client
}

func (d WebsocketDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	conn, resp, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, apperrors.Authentication("realtime dial", fmt.Errorf("handshake rejected with HTTP %d", resp.StatusCode))
		}
		return nil, apperrors.Transient("realtime dial", err)
	}
	conn.SetReadLimit(frameReadLimit)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// HandlerFunc handles one decoded push frame.
type HandlerFunc func(ctx context.Context, event models.SyncEvent) error

// AnyEndpoint registers a handler for a frame type on every endpoint.
const AnyEndpoint = "*"

// Router dispatches frames by endpoint and type.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]map[string]HandlerFunc
	logger   *slog.Logger
}

func NewRouter() *Router {
	return &Router{
		handlers: make(map[string]map[string]HandlerFunc),
		logger:   slog.Default(),
	}
}

func (r *Router) Handle(endpoint, eventType string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handlers[endpoint] == nil {
		r.handlers[endpoint] = make(map[string]HandlerFunc)
	}
	r.handlers[endpoint][eventType] = h
}

func (r *Router) lookup(endpoint, eventType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.handlers[endpoint][eventType]; ok {
		return h, true
	}
	h, ok := r.handlers[AnyEndpoint][eventType]
	return h, ok
}

// Dispatch decodes frame and runs its handler. Malformed frames come back as
// protocol errors; unknown types are dropped.
func (r *Router) Dispatch(ctx context.Context, endpoint string, frame []byte) error {
	var event models.SyncEvent
	if err := json.Unmarshal(frame, &event); err != nil {
		return apperrors.Protocol("decode frame", err)
	}
	if event.Type == "" {
		return apperrors.Protocol("decode frame", errors.New("frame has no type"))
	}

	h, ok := r.lookup(endpoint, event.Type)
	if !ok {
		r.logger.Debug("dropping frame of unknown type", "endpoint", endpoint, "type", event.Type)
		return nil
	}
	return h(ctx, event)
}

// ConnectionOptions configures one endpoint connection.
type ConnectionOptions struct {
	BaseURL     string // ws:// or wss:// origin
	Endpoint    string
	Dialer      Dialer
	Backoff     BackoffPolicy
	MaxAttempts int
	DialTimeout time.Duration
	Auth        *AuthService
	DeviceID    func() string
}

// Connection is the push connection to one endpoint. It starts disconnected,
// reconnects on its own after unexpected closes, and gives up after
// MaxAttempts consecutive failures until Connect is called again.
type Connection struct {
	opts   ConnectionOptions
	router *Router
	logger *slog.Logger

	root       context.Context
	rootCancel context.CancelFunc

	mu         sync.Mutex
	state      ConnectionState
	attempts   int
	generation int
	stopped    bool
	conn       Conn
	readCancel context.CancelFunc
	timer      *time.Timer
}

func newConnection(opts ConnectionOptions, router *Router) *Connection {
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.Backoff == nil {
		opts.Backoff = FixedBackoff{}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxReconnectAttempts
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 15 * time.Second
	}
	root, cancel := context.WithCancel(context.Background())
	return &Connection{
		opts:       opts,
		router:     router,
		logger:     slog.Default().With("endpoint", opts.Endpoint),
		root:       root,
		rootCancel: cancel,
		state:      StateDisconnected,
	}
}

func (c *Connection) Endpoint() string { return c.opts.Endpoint }

func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts is the number of automatic reconnects scheduled since the last
// successful open or explicit Connect.
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect opens the connection if it is not already open or opening, and
// resets the reconnect counter either way.
func (c *Connection) Connect() {
	c.mu.Lock()
	if c.root.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.stopped = false
	c.attempts = 0
	c.stopTimerLocked()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	gen := c.beginAttemptLocked()
	c.mu.Unlock()

	go c.dial(gen)
}

// Resume brings a scheduled reconnect forward, typically when the network
// comes back. It spends the already counted attempt and never revives a
// connection that gave up or was disconnected; only Connect does that.
func (c *Connection) Resume() {
	c.mu.Lock()
	if c.timer == nil || c.stopped || c.state != StateDisconnected || c.root.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked()
	gen := c.beginAttemptLocked()
	c.mu.Unlock()

	go c.dial(gen)
}

// Disconnect closes the connection with a normal closure and cancels any
// scheduled reconnect. Calling it again is a no-op.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	c.generation++
	c.stopTimerLocked()
	conn, cancel := c.conn, c.readCancel
	c.conn, c.readCancel = nil, nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Debug("close after disconnect", "error", err)
		}
		c.logger.Info("realtime channel disconnected")
	}
	if cancel != nil {
		cancel()
	}
}

// Close disconnects and prevents any further Connect.
func (c *Connection) Close() {
	c.Disconnect()
	c.rootCancel()
}

func (c *Connection) beginAttemptLocked() int {
	c.state = StateConnecting
	c.generation++
	return c.generation
}

func (c *Connection) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Connection) dial(gen int) {
	auth := c.opts.Auth
	header := http.Header{}
	if auth != nil {
		if err := auth.VerifyToken(); err != nil {
			c.rejectCredentials(gen, err)
			return
		}
		header.Set("Authorization", "Bearer "+auth.Token())
	}

	ctx, cancel := context.WithTimeout(c.root, c.opts.DialTimeout)
	conn, err := c.opts.Dialer.Dial(ctx, c.url(), header)
	cancel()

	c.mu.Lock()
	if gen != c.generation || c.stopped {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		if apperrors.IsAuthentication(err) {
			c.mu.Unlock()
			c.rejectCredentials(gen, err)
			return
		}
		c.state = StateDisconnected
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		c.logger.Warn("realtime connect failed", "error", err)
		return
	}

	readCtx, readCancel := context.WithCancel(c.root)
	c.conn = conn
	c.readCancel = readCancel
	c.state = StateConnected
	c.attempts = 0
	c.mu.Unlock()

	c.logger.Info("realtime channel connected")
	go c.readLoop(readCtx, gen, conn)
}

// rejectCredentials leaves the connection down without retrying and hands
// the failure to the logout flow.
func (c *Connection) rejectCredentials(gen int, err error) {
	c.mu.Lock()
	if gen == c.generation {
		c.state = StateDisconnected
		c.stopTimerLocked()
	}
	c.mu.Unlock()

	c.logger.Error("realtime credentials rejected", "error", err)
	if c.opts.Auth != nil {
		c.opts.Auth.HandleError(err)
	}
}

func (c *Connection) readLoop(ctx context.Context, gen int, conn Conn) {
	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		if err := c.router.Dispatch(ctx, c.opts.Endpoint, frame); err != nil {
			c.logger.Warn("dropped realtime frame", "error", err)
		}
	}
}

func (c *Connection) handleClose(gen int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation || c.stopped {
		return
	}
	if c.readCancel != nil {
		c.readCancel()
	}
	c.conn, c.readCancel = nil, nil
	c.state = StateDisconnected
	c.logger.Warn("realtime channel closed", "status", websocket.CloseStatus(err), "error", err)
	c.scheduleReconnectLocked()
}

func (c *Connection) scheduleReconnectLocked() {
	if c.attempts >= c.opts.MaxAttempts {
		c.logger.Error("giving up on realtime reconnect", "attempts", c.attempts)
		return
	}
	c.attempts++
	delay := c.opts.Backoff.Delay(c.attempts)
	gen := c.generation
	c.timer = time.AfterFunc(delay, func() { c.retry(gen) })
	c.logger.Debug("realtime reconnect scheduled", "attempt", c.attempts, "delay", delay)
}

func (c *Connection) retry(gen int) {
	c.mu.Lock()
	if gen != c.generation || c.stopped || c.state != StateDisconnected || c.root.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	next := c.beginAttemptLocked()
	c.mu.Unlock()

	c.dial(next)
}

func (c *Connection) url() string {
	u := strings.TrimRight(c.opts.BaseURL, "/") + "/ws/" + url.PathEscape(c.opts.Endpoint)
	if c.opts.DeviceID != nil {
		if id := c.opts.DeviceID(); id != "" {
			u += "?deviceId=" + url.QueryEscape(id)
		}
	}
	return u
}

// RealtimeChannel is the set of push connections for the account, the frame
// router they share, and the notification store fed by them.
type RealtimeChannel struct {
	router        *Router
	connections   map[string]*Connection
	order         []string
	notifications *NotificationStore
}

// NewRealtimeChannel creates one connection per endpoint; opts.Endpoint is
// ignored. Notification frames on any endpoint go to notifications.
func NewRealtimeChannel(opts ConnectionOptions, endpoints []string, notifications *NotificationStore) *RealtimeChannel {
	rc := &RealtimeChannel{
		router:        NewRouter(),
		connections:   make(map[string]*Connection, len(endpoints)),
		notifications: notifications,
	}
	for _, endpoint := range endpoints {
		if _, dup := rc.connections[endpoint]; dup {
			continue
		}
		o := opts
		o.Endpoint = endpoint
		rc.connections[endpoint] = newConnection(o, rc.router)
		rc.order = append(rc.order, endpoint)
	}
	if notifications != nil {
		rc.router.Handle(AnyEndpoint, models.EventNotification, notifications.HandleEvent)
	}
	return rc
}

// Route sends presence pushes to registry and data and session pushes to
// engine, on every endpoint.
func (rc *RealtimeChannel) Route(registry *DeviceRegistry, engine *SyncEngine) {
	if registry != nil {
		rc.router.Handle(AnyEndpoint, models.EventDeviceConnected, registry.HandleEvent)
		rc.router.Handle(AnyEndpoint, models.EventDeviceDisconnected, registry.HandleEvent)
	}
	if engine != nil {
		rc.router.Handle(AnyEndpoint, models.EventDataUpdated, engine.HandleDataUpdated)
		rc.router.Handle(AnyEndpoint, models.EventSessionTransferred, engine.HandleSessionTransferred)
	}
}

func (rc *RealtimeChannel) Handle(endpoint, eventType string, h HandlerFunc) {
	rc.router.Handle(endpoint, eventType, h)
}

func (rc *RealtimeChannel) Notifications() *NotificationStore {
	return rc.notifications
}

// Connection returns the connection for endpoint, or nil.
func (rc *RealtimeChannel) Connection(endpoint string) *Connection {
	return rc.connections[endpoint]
}

func (rc *RealtimeChannel) Connect() {
	for _, e := range rc.order {
		rc.connections[e].Connect()
	}
}

// Resume brings forward every endpoint's scheduled reconnect.
func (rc *RealtimeChannel) Resume() {
	for _, e := range rc.order {
		rc.connections[e].Resume()
	}
}

func (rc *RealtimeChannel) Disconnect() {
	for _, e := range rc.order {
		rc.connections[e].Disconnect()
	}
}

// States reports every endpoint's connection state.
func (rc *RealtimeChannel) States() map[string]ConnectionState {
	out := make(map[string]ConnectionState, len(rc.connections))
	for e, c := range rc.connections {
		out[e] = c.State()
	}
	return out
}

// Close tears down every connection and the notification timers.
func (rc *RealtimeChannel) Close() {
	for _, e := range rc.order {
		rc.connections[e].Close()
	}
	if rc.notifications != nil {
		rc.notifications.Close()
	}
}
