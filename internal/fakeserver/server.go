// Package fakeserver is an in-memory implementation of the banking API's
// device, form and realtime contract. It backs the dev server and the
// end-to-end tests, and can be told to fail requests or report conflicts.
package fakeserver

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/models"
)

// Submission is one accepted form submission.
type Submission struct {
	UserID     string
	DeviceID   string
	FormID     string
	Data       json.RawMessage
	Timestamp  time.Time
	ReceivedAt time.Time
}

type openConflict struct {
	userID   string
	conflict models.SyncConflict
}

type Options struct {
	JWTSecret string
	TokenTTL  time.Duration
	// BcryptCost of zero uses the default cost.
	BcryptCost int
	Logger     *slog.Logger
	// RequestLog enables chi's request logger.
	RequestLog bool
}

type Server struct {
	secret     []byte
	tokenTTL   time.Duration
	bcryptCost int
	logger     *slog.Logger
	now        func() time.Time
	hub        *hub
	router     chi.Router

	mu           sync.Mutex
	accounts     map[string]string
	revoked      map[string]bool
	revokedUsers map[string]bool
	devices      map[string]map[string]models.Device
	prefs        map[string]map[string]json.RawMessage
	submissions  []Submission
	transfers    []models.SessionTransfer
	injected     map[string]map[string]json.RawMessage
	conflicts    map[string]*openConflict
	failures     map[string][]int
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	if opts.JWTSecret == "" {
		opts.JWTSecret = "dev-secret"
	}

	s := &Server{
		secret:       []byte(opts.JWTSecret),
		tokenTTL:     opts.TokenTTL,
		bcryptCost:   opts.BcryptCost,
		logger:       opts.Logger,
		now:          time.Now,
		accounts:     make(map[string]string),
		revoked:      make(map[string]bool),
		revokedUsers: make(map[string]bool),
		devices:      make(map[string]map[string]models.Device),
		prefs:        make(map[string]map[string]json.RawMessage),
		injected:     make(map[string]map[string]json.RawMessage),
		conflicts:    make(map[string]*openConflict),
		failures:     make(map[string][]int),
	}
	s.hub = newHub(opts.Logger, func() time.Time { return s.now() })
	s.router = s.routes(opts.RequestLog)
	return s
}

func (s *Server) routes(requestLog bool) chi.Router {
	r := chi.NewRouter()
	if requestLog {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Post("/api/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)
		r.Use(s.injectFailures)

		r.Post("/api/auth/logout", s.handleLogout)
		r.Post("/api/forms/submit", s.handleSubmitForm)
		r.Get("/api/devices", s.handleListDevices)
		r.Post("/api/devices/register", s.handleRegisterDevice)
		r.Delete("/api/devices/{id}", s.handleRemoveDevice)
		r.Post("/api/devices/sync", s.handleSyncDevice)
		r.Post("/api/devices/transfer-session", s.handleTransferSession)
		r.Post("/api/devices/resolve-conflict", s.handleResolveConflict)
		r.Get("/ws/{endpoint}", s.hub.serve)
	})
	return r
}

// Handler returns the HTTP handler serving the whole contract.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close drops every realtime connection.
func (s *Server) Close() {
	s.hub.closeAll()
}

// FailNext makes the next len(statuses) requests to method+path fail with
// the given statuses, in order.
func (s *Server) FailNext(method, path string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := method + " " + path
	s.failures[key] = append(s.failures[key], statuses...)
}

func (s *Server) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path

		s.mu.Lock()
		var status int
		if queued := s.failures[key]; len(queued) > 0 {
			status = queued[0]
			s.failures[key] = queued[1:]
		}
		s.mu.Unlock()

		if status != 0 {
			writeError(w, status, ErrCodeInjected, "injected failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// InjectConflict makes device syncs for userID that carry a different value
// for field report a conflict against remote until it is resolved.
func (s *Server) InjectConflict(userID, field string, remote json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.injected[userID] == nil {
		s.injected[userID] = make(map[string]json.RawMessage)
	}
	s.injected[userID][field] = remote
}

// Notify pushes a notification to every device of userID.
func (s *Server) Notify(userID string, n models.Notification) int {
	return s.hub.broadcast(userID, "", models.EventNotification, n)
}

// SendRaw writes data verbatim to every userID connection on endpoint.
func (s *Server) SendRaw(userID, endpoint string, data []byte) int {
	return s.hub.sendRaw(userID, endpoint, data)
}

// DisconnectDevice drops the device's realtime connections without a
// normal closure, as a network failure would.
func (s *Server) DisconnectDevice(deviceID string) {
	s.hub.closeWhere(func(c *wsClient) bool { return c.deviceID == deviceID }, 4000, "dropped")
}

// ConnectedDevices lists the devices of userID with an open connection.
func (s *Server) ConnectedDevices(userID string) []string {
	var out []string
	for id := range s.hub.connectedDevices(userID) {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Server) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Submission(nil), s.submissions...)
}

func (s *Server) Transfers() []models.SessionTransfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.SessionTransfer(nil), s.transfers...)
}

func (s *Server) Devices(userID string) []models.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devicesLocked(userID)
}

// Preferences returns the authoritative preferences of userID.
func (s *Server) Preferences(userID string) map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyPrefs(s.prefs[userID])
}

func (s *Server) devicesLocked(userID string) []models.Device {
	out := make([]models.Device, 0, len(s.devices[userID]))
	for _, d := range s.devices[userID] {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func copyPrefs(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// jsonEqual compares two JSON values after re-encoding, ignoring whitespace.
func jsonEqual(a, b json.RawMessage) bool {
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return bytes.Equal(a, b)
	}
	ca, _ := json.Marshal(va)
	cb, _ := json.Marshal(vb)
	return bytes.Equal(ca, cb)
}
