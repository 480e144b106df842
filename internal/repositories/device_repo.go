package repositories

import (
	"context"
	"fmt"
)

const deviceIDKey = "device_id"

// KVDeviceRepository persists this profile's device identity.
type KVDeviceRepository struct {
	store KeyValueStore
}

func NewKVDeviceRepository(store KeyValueStore) *KVDeviceRepository {
	return &KVDeviceRepository{store: store}
}

func (r *KVDeviceRepository) GetDeviceID(ctx context.Context) (string, error) {
	data, err := r.store.Get(ctx, deviceIDKey)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", ErrNotFound
	}
	return string(data), nil
}

func (r *KVDeviceRepository) SetDeviceID(ctx context.Context, id string) error {
	if err := r.store.Set(ctx, deviceIDKey, []byte(id)); err != nil {
		return fmt.Errorf("failed to set device id: %w", err)
	}
	return nil
}

func (r *KVDeviceRepository) ClearDeviceID(ctx context.Context) error {
	if err := r.store.Delete(ctx, deviceIDKey); err != nil {
		return fmt.Errorf("failed to clear device id: %w", err)
	}
	return nil
}
