package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/sujal-goel/bank-automation-system-sub003/internal/models"
)

const notificationPrefix = "notification:"

// KVNotificationRepository stores the persistent slice of the inbox.
type KVNotificationRepository struct {
	store KeyValueStore
}

func NewKVNotificationRepository(store KeyValueStore) *KVNotificationRepository {
	return &KVNotificationRepository{store: store}
}

func (r *KVNotificationRepository) Save(ctx context.Context, n *models.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := r.store.Set(ctx, notificationPrefix+n.ID, data); err != nil {
		return fmt.Errorf("failed to save notification: %w", err)
	}
	return nil
}

// List returns stored notifications newest first.
func (r *KVNotificationRepository) List(ctx context.Context) ([]*models.Notification, error) {
	entries, err := r.store.Scan(ctx, notificationPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}

	var out []*models.Notification
	for _, data := range entries {
		var n models.Notification
		if err := json.Unmarshal(data, &n); err != nil {
			continue
		}
		out = append(out, &n)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

func (r *KVNotificationRepository) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, notificationPrefix+id); err != nil {
		return fmt.Errorf("failed to delete notification: %w", err)
	}
	return nil
}
