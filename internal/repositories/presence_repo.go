package repositories

import (
	"context"
	"sync"
	"time"

	"github.com/sujal-goel/bank-automation-system-sub003/internal/models"
)

// PresenceTTL is how long an online mark stays valid without a fresh
// device-connected push.
const PresenceTTL = 10 * time.Minute

// MemoryPresenceRepository tracks which of the account's devices are
// connected, as reported by realtime pushes. Presence is never persisted.
type MemoryPresenceRepository struct {
	mu       sync.RWMutex
	presence map[string]models.Presence
	ttl      time.Duration
	now      func() time.Time
}

func NewMemoryPresenceRepository(ttl time.Duration) *MemoryPresenceRepository {
	if ttl <= 0 {
		ttl = PresenceTTL
	}
	return &MemoryPresenceRepository{
		presence: make(map[string]models.Presence),
		ttl:      ttl,
		now:      time.Now,
	}
}

// SetPresence records presence and stamps LastSeen.
func (r *MemoryPresenceRepository) SetPresence(ctx context.Context, presence *models.Presence) error {
	presence.LastSeen = r.now()

	r.mu.Lock()
	r.presence[presence.DeviceID] = *presence
	r.mu.Unlock()
	return nil
}

func (r *MemoryPresenceRepository) GetPresence(ctx context.Context, deviceID string) (*models.Presence, error) {
	r.mu.RLock()
	p, ok := r.presence[deviceID]
	r.mu.RUnlock()

	p = r.effective(deviceID, p, ok)
	return &p, nil
}

func (r *MemoryPresenceRepository) DeletePresence(ctx context.Context, deviceID string) error {
	r.mu.Lock()
	delete(r.presence, deviceID)
	r.mu.Unlock()
	return nil
}

func (r *MemoryPresenceRepository) GetBulkPresence(ctx context.Context, deviceIDs []string) (map[string]models.Presence, error) {
	out := make(map[string]models.Presence, len(deviceIDs))

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range deviceIDs {
		p, ok := r.presence[id]
		out[id] = r.effective(id, p, ok)
	}
	return out, nil
}

// effective downgrades missing or stale entries to offline.
func (r *MemoryPresenceRepository) effective(deviceID string, p models.Presence, ok bool) models.Presence {
	if !ok {
		// No presence = device is offline
		return models.Presence{DeviceID: deviceID, Status: string(models.StatusOffline)}
	}
	if p.Status == string(models.StatusOnline) && r.now().Sub(p.LastSeen) > r.ttl {
		p.Status = string(models.StatusOffline)
	}
	return p
}
