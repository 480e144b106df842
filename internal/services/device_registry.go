package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/apperrors"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/models"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/platform"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/repositories"
)

// DeviceAPI is the subset of the API client the registry needs.
type DeviceAPI interface {
	SetDeviceID(id string)
	RegisterDevice(ctx context.Context, device models.Device) (*models.Device, error)
	ListDevices(ctx context.Context) ([]models.Device, error)
	RemoveDevice(ctx context.Context, deviceID string) error
}

// DeviceRegistry owns this profile's device identity and tracks which of the
// account's other devices are online.
type DeviceRegistry struct {
	api      DeviceAPI
	repo     repositories.DeviceRepository
	presence repositories.PresenceRepository
	platform platform.Capabilities
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	deviceID    string
	provisional string
	registered  bool
}

func NewDeviceRegistry(
	api DeviceAPI,
	repo repositories.DeviceRepository,
	presence repositories.PresenceRepository,
	caps platform.Capabilities,
) *DeviceRegistry {
	if caps == nil {
		caps = platform.Headless{}
	}
	if presence == nil {
		presence = repositories.NewMemoryPresenceRepository(0)
	}
	return &DeviceRegistry{
		api:      api,
		repo:     repo,
		presence: presence,
		platform: caps,
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// GetOrCreateDeviceID returns the stable id for this profile, generating and
// persisting one only when none is stored. A failed read yields a provisional
// id that is never written; the stored id is read again on the next call.
func (r *DeviceRegistry) GetOrCreateDeviceID(ctx context.Context) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deviceID != "" {
		return r.deviceID
	}

	id, err := r.repo.GetDeviceID(ctx)
	switch {
	case err == nil && id != "":
	case err == nil || errors.Is(err, repositories.ErrNotFound):
		id = r.provisional
		if id == "" {
			id = uuid.NewString()
		}
		if err := r.repo.SetDeviceID(ctx, id); err != nil {
			r.logger.Error("device id not persisted", "error", apperrors.StorageWrite("create device id", err))
		}
		r.provisional = ""
		r.logger.Info("generated device id", "device_id", id)
	default:
		// The stored id may still exist; keep it and read again next call.
		if r.provisional == "" {
			r.provisional = uuid.NewString()
		}
		r.logger.Error("failed to read device id", "error", err, "provisional_id", r.provisional)
		r.api.SetDeviceID(r.provisional)
		return r.provisional
	}

	r.deviceID = id
	r.api.SetDeviceID(id)
	return id
}

// Descriptor builds the descriptor sent on registration.
func (r *DeviceRegistry) Descriptor(ctx context.Context) models.Device {
	d := r.platform.DeviceInfo()
	d.ID = r.GetOrCreateDeviceID(ctx)
	if d.DeviceType == "" {
		d.DeviceType = models.ClassifyScreen(d.Screen)
	}
	d.LastActive = r.now().UTC()
	return d
}

// Register upserts this device with the server. Safe to call on every start
// and every sync tick; it doubles as the lastActive heartbeat.
func (r *DeviceRegistry) Register(ctx context.Context) (*models.Device, error) {
	d := r.Descriptor(ctx)

	registered, err := r.api.RegisterDevice(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("failed to register device: %w", err)
	}

	r.mu.Lock()
	first := !r.registered
	r.registered = true
	r.mu.Unlock()

	if first {
		r.logger.Info("device registered", "device_id", d.ID, "type", d.DeviceType)
	}
	return registered, nil
}

func (r *DeviceRegistry) Registered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered
}

func (r *DeviceRegistry) List(ctx context.Context) ([]models.Device, error) {
	devices, err := r.api.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// Remove revokes a device. Removing this device forgets the local identity,
// so the next GetOrCreateDeviceID generates a new one and Register re-enrols.
func (r *DeviceRegistry) Remove(ctx context.Context, deviceID string) error {
	if err := r.api.RemoveDevice(ctx, deviceID); err != nil {
		return fmt.Errorf("failed to remove device: %w", err)
	}

	_ = r.presence.DeletePresence(ctx, deviceID)

	r.mu.Lock()
	current := deviceID == r.deviceID
	if current {
		r.deviceID = ""
		r.registered = false
	}
	r.mu.Unlock()

	if current {
		if err := r.repo.ClearDeviceID(ctx); err != nil {
			return apperrors.StorageWrite("clear device id", err)
		}
		r.api.SetDeviceID("")
		r.logger.Info("removed current device", "device_id", deviceID)
	}
	return nil
}

// Presence returns the last known presence of a device.
func (r *DeviceRegistry) Presence(ctx context.Context, deviceID string) models.Presence {
	p, err := r.presence.GetPresence(ctx, deviceID)
	if err != nil || p == nil {
		return models.Presence{DeviceID: deviceID, Status: string(models.StatusOffline)}
	}
	return *p
}

// OnlineDevices lists the account's other devices that are currently online.
func (r *DeviceRegistry) OnlineDevices(ctx context.Context) ([]models.Device, error) {
	devices, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	self := r.GetOrCreateDeviceID(ctx)
	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.ID)
	}
	presence, err := r.presence.GetBulkPresence(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}

	var online []models.Device
	for _, d := range devices {
		if d.ID == self {
			continue
		}
		if presence[d.ID].Status == string(models.StatusOnline) {
			online = append(online, d)
		}
	}
	return online, nil
}

// HandleEvent applies device-connected and device-disconnected pushes.
func (r *DeviceRegistry) HandleEvent(ctx context.Context, event models.SyncEvent) error {
	var payload models.DevicePresenceEvent
	if err := json.Unmarshal(event.Data, &payload); err != nil || payload.DeviceID == "" {
		return apperrors.Protocol("device presence", fmt.Errorf("invalid %s payload", event.Type))
	}

	status := models.StatusOffline
	if event.Type == models.EventDeviceConnected {
		status = models.StatusOnline
	}
	return r.presence.SetPresence(ctx, &models.Presence{
		DeviceID: payload.DeviceID,
		Status:   string(status),
	})
}
