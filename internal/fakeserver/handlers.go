package fakeserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/client"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/models"
)

// Error code constants for structured API error responses.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeInjected     = "injected"
)

// APIError is the error body understood by internal/client.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIError{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write json response", "error", err)
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	s.mu.Lock()
	s.revoked[claims.SessionID] = true
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubmitForm(w http.ResponseWriter, r *http.Request) {
	var req client.MutationRequest
	if !decode(w, r, &req) {
		return
	}
	if req.FormID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "formId is required")
		return
	}

	sub := Submission{
		UserID:     claimsFrom(r.Context()).UserID,
		DeviceID:   r.Header.Get("X-Device-ID"),
		FormID:     req.FormID,
		Data:       req.Data,
		Timestamp:  req.Timestamp,
		ReceivedAt: s.now().UTC(),
	}
	s.mu.Lock()
	s.submissions = append(s.submissions, sub)
	s.mu.Unlock()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var device models.Device
	if !decode(w, r, &device) {
		return
	}
	if device.ID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "id is required")
		return
	}
	if device.LastActive.IsZero() {
		device.LastActive = s.now().UTC()
	}
	userID := claimsFrom(r.Context()).UserID

	s.mu.Lock()
	if s.devices[userID] == nil {
		s.devices[userID] = make(map[string]models.Device)
	}
	s.devices[userID][device.ID] = device
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, device)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Devices(claimsFrom(r.Context()).UserID))
}

func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := claimsFrom(r.Context()).UserID

	s.mu.Lock()
	_, ok := s.devices[userID][id]
	delete(s.devices[userID], id)
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "device not found")
		return
	}
	s.hub.closeWhere(func(c *wsClient) bool { return c.userID == userID && c.deviceID == id }, 4001, "device removed")
	w.WriteHeader(http.StatusNoContent)
}

// handleSyncDevice merges the snapshot last-writer-wins unless an injected
// conflict applies, in which case nothing is merged.
func (s *Server) handleSyncDevice(w http.ResponseWriter, r *http.Request) {
	var req client.SyncRequest
	if !decode(w, r, &req) {
		return
	}
	userID := claimsFrom(r.Context()).UserID

	s.mu.Lock()
	conflicts := s.detectConflictsLocked(userID, req.Data.Preferences)
	if len(conflicts) > 0 {
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, client.SyncResponse{Conflicts: conflicts})
		return
	}

	if s.prefs[userID] == nil {
		s.prefs[userID] = make(map[string]json.RawMessage)
	}
	changed := false
	for k, v := range req.Data.Preferences {
		if old, ok := s.prefs[userID][k]; !ok || !jsonEqual(old, v) {
			s.prefs[userID][k] = v
			changed = true
		}
	}
	merged := copyPrefs(s.prefs[userID])
	s.mu.Unlock()

	if changed {
		s.hub.broadcast(userID, req.DeviceID, models.EventDataUpdated, models.DataUpdatedEvent{
			SourceDeviceID: req.DeviceID,
			Preferences:    merged,
		})
	}
	writeJSON(w, http.StatusOK, client.SyncResponse{Data: &client.MergedState{Preferences: merged}})
}

func (s *Server) detectConflictsLocked(userID string, prefs map[string]json.RawMessage) []models.SyncConflict {
	fields := make([]string, 0, len(s.injected[userID]))
	for field := range s.injected[userID] {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var out []models.SyncConflict
	for _, field := range fields {
		remote := s.injected[userID][field]
		local, ok := prefs[field]
		if !ok || jsonEqual(local, remote) {
			continue
		}

		var existing *openConflict
		for _, oc := range s.conflicts {
			if oc.userID == userID && oc.conflict.Field == field {
				existing = oc
				break
			}
		}
		if existing == nil {
			existing = &openConflict{
				userID: userID,
				conflict: models.SyncConflict{
					ID:          uuid.NewString(),
					Field:       field,
					RemoteValue: remote,
					Resolution:  models.ResolutionUnresolved,
					DetectedAt:  s.now().UTC(),
				},
			}
			s.conflicts[existing.conflict.ID] = existing
		}
		existing.conflict.LocalValue = local
		out = append(out, existing.conflict)
	}
	return out
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req client.ResolveRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Resolution.Valid() {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "resolution must be local, remote or merge")
		return
	}
	userID := claimsFrom(r.Context()).UserID

	s.mu.Lock()
	oc, ok := s.conflicts[req.ConflictID]
	if !ok || oc.userID != userID {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "conflict not found")
		return
	}

	c := oc.conflict
	var value json.RawMessage
	switch req.Resolution {
	case models.ResolutionLocal:
		value = req.Value
		if len(value) == 0 {
			value = c.LocalValue
		}
	case models.ResolutionMerge:
		value = c.MergedValue
		if len(value) == 0 {
			value = c.RemoteValue
		}
	default:
		value = c.RemoteValue
	}

	if s.prefs[userID] == nil {
		s.prefs[userID] = make(map[string]json.RawMessage)
	}
	s.prefs[userID][c.Field] = value
	delete(s.conflicts, req.ConflictID)
	delete(s.injected[userID], c.Field)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, client.ResolveResponse{Data: value})
}

func (s *Server) handleTransferSession(w http.ResponseWriter, r *http.Request) {
	var transfer models.SessionTransfer
	if !decode(w, r, &transfer) {
		return
	}
	if transfer.TargetDeviceID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "targetDeviceId is required")
		return
	}
	userID := claimsFrom(r.Context()).UserID

	s.mu.Lock()
	s.transfers = append(s.transfers, transfer)
	s.mu.Unlock()

	delivered := s.hub.sendToDevice(userID, transfer.TargetDeviceID, models.EventSessionTransferred, transfer)
	s.logger.Info("session transfer", "target", transfer.TargetDeviceID, "delivered", delivered)
	writeJSON(w, http.StatusAccepted, map[string]int{"delivered": delivered})
}
