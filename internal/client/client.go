// Package client talks to the banking API on behalf of the continuity layer.
// Every failure is classified with apperrors so background loops can decide
// whether to retry.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sujal-goel/bank-automation-system-sub003/internal/apperrors"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/models"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// DefaultTimeout bounds every request that does not carry its own deadline.
const DefaultTimeout = 15 * time.Second

// Client is an HTTP client for the banking API.
type Client struct {
	BaseURL string
	HTTP    *http.Client

	mu       sync.RWMutex
	token    string
	deviceID string
}

// New creates a new API client.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: timeout},
		token:   token,
	}
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) SetDeviceID(id string) {
	c.mu.Lock()
	c.deviceID = id
	c.mu.Unlock()
}

// --- Request/response types (server contract) ---

// MutationRequest is the body for POST /api/forms/submit.
type MutationRequest struct {
	FormID    string          `json:"formId"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// SyncData is the device snapshot sent on every sync.
type SyncData struct {
	FormData    map[string]json.RawMessage `json:"formData"`
	Preferences map[string]json.RawMessage `json:"preferences"`
	SessionData models.SessionData         `json:"sessionData"`
	Timestamp   time.Time                  `json:"timestamp"`
}

// SyncRequest is the body for POST /api/devices/sync.
type SyncRequest struct {
	DeviceID string   `json:"deviceId"`
	Data     SyncData `json:"data"`
}

// SyncResponse carries either merged state or conflicts, never both.
type SyncResponse struct {
	Data      *MergedState          `json:"data,omitempty"`
	Conflicts []models.SyncConflict `json:"conflicts,omitempty"`
}

// MergedState is the authoritative state returned by a conflict-free sync.
type MergedState struct {
	Preferences map[string]json.RawMessage `json:"preferences"`
}

// ResolveRequest is the body for POST /api/devices/resolve-conflict.
type ResolveRequest struct {
	ConflictID string            `json:"conflictId"`
	Resolution models.Resolution `json:"resolution"`
	Value      json.RawMessage   `json:"value,omitempty"`
}

// ResolveResponse optionally carries the value the server settled on.
type ResolveResponse struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// --- Endpoints ---

// Health checks server reachability without credentials.
func (c *Client) Health(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodGet, "/health", nil, nil, false)
}

// SubmitMutation sends one queued form submission. A nil error means the
// server durably accepted it.
func (c *Client) SubmitMutation(ctx context.Context, req MutationRequest) error {
	return c.do(ctx, http.MethodPost, "/api/forms/submit", req, nil)
}

// RegisterDevice upserts the device descriptor keyed by its id.
func (c *Client) RegisterDevice(ctx context.Context, device models.Device) (*models.Device, error) {
	var resp models.Device
	if err := c.do(ctx, http.MethodPost, "/api/devices/register", device, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListDevices lists every device tied to the account.
func (c *Client) ListDevices(ctx context.Context) ([]models.Device, error) {
	var resp []models.Device
	if err := c.do(ctx, http.MethodGet, "/api/devices", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RemoveDevice revokes a device.
func (c *Client) RemoveDevice(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodDelete, "/api/devices/"+url.PathEscape(deviceID), nil, nil)
}

// SyncDevice sends the device snapshot.
func (c *Client) SyncDevice(ctx context.Context, req SyncRequest) (*SyncResponse, error) {
	var resp SyncResponse
	if err := c.do(ctx, http.MethodPost, "/api/devices/sync", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TransferSession posts a session hand-off. The response body is ignored.
func (c *Client) TransferSession(ctx context.Context, transfer models.SessionTransfer) error {
	return c.do(ctx, http.MethodPost, "/api/devices/transfer-session", transfer, nil)
}

// ResolveConflict reports the chosen resolution for one conflict.
func (c *Client) ResolveConflict(ctx context.Context, req ResolveRequest) (*ResolveResponse, error) {
	var resp ResolveResponse
	if err := c.do(ctx, http.MethodPost, "/api/devices/resolve-conflict", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- HTTP helpers ---

// apiError is the standard error body from the server.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusError is a non-2xx response that is neither an auth failure nor a
// server error.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	return c.doRequest(ctx, method, path, body, result, true)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any, auth bool) error {
	op := method + " " + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	token, deviceID := c.token, c.deviceID
	c.mu.RUnlock()
	if auth && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if deviceID != "" {
		req.Header.Set("X-Device-ID", deviceID)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		// Timeouts, refused connections and cancelled contexts all land here.
		return apperrors.Transient(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Transient(op, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 400 {
		return classify(op, resp.StatusCode, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return apperrors.Protocol(op, fmt.Errorf("unmarshal response: %w", err))
		}
	}
	return nil
}

func classify(op string, status int, body []byte) error {
	var apiErr apiError
	if json.Unmarshal(body, &apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = string(body)
	}

	switch {
	case status == http.StatusUnauthorized:
		return apperrors.Authentication(op, fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message))
	case status == http.StatusForbidden:
		return apperrors.Authentication(op, fmt.Errorf("%w: %s", ErrForbidden, apiErr.Message))
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
	case status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		return apperrors.Transient(op, &StatusError{StatusCode: status, Code: apiErr.Code, Message: apiErr.Message})
	default:
		return &StatusError{StatusCode: status, Code: apiErr.Code, Message: apiErr.Message}
	}
}
