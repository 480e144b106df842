package repositories

import (
	"context"
	"errors"

	"github.com/sujal-goel/bank-automation-system-sub003/internal/models"
)

var ErrNotFound = errors.New("not found")

// KeyValueStore is the persistence boundary for all durable client state.
// Implementations must be safe for concurrent use.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Scan returns every key/value whose key starts with prefix.
	Scan(ctx context.Context, prefix string) (map[string][]byte, error)
}

type MutationRepository interface {
	Save(ctx context.Context, mutation *models.QueuedMutation) error
	GetByKey(ctx context.Context, key string) (*models.QueuedMutation, error)
	List(ctx context.Context) ([]*models.QueuedMutation, error)
	Delete(ctx context.Context, key string) error
}

type NotificationRepository interface {
	Save(ctx context.Context, notification *models.Notification) error
	List(ctx context.Context) ([]*models.Notification, error)
	Delete(ctx context.Context, id string) error
}

type StateRepository interface {
	Get(ctx context.Context) (*models.LocalState, error)
	Upsert(ctx context.Context, state *models.LocalState) error
}

type DeviceRepository interface {
	GetDeviceID(ctx context.Context) (string, error)
	SetDeviceID(ctx context.Context, id string) error
	ClearDeviceID(ctx context.Context) error
}

type PresenceRepository interface {
	SetPresence(ctx context.Context, presence *models.Presence) error
	GetPresence(ctx context.Context, deviceID string) (*models.Presence, error)
	DeletePresence(ctx context.Context, deviceID string) error
	GetBulkPresence(ctx context.Context, deviceIDs []string) (map[string]models.Presence, error)
}
