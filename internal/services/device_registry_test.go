package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sujal-goel/bank-automation-system-sub003/internal/apperrors"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/client"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/models"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/platform"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/repositories"
)

func TestDeviceRegistry_IDIsStableAcrossRestarts(t *testing.T) {
	// ARRANGE
	kv := repositories.NewMemoryKVStore()
	api := newFakeAPI()
	ctx := context.Background()
	first := NewDeviceRegistry(api, repositories.NewKVDeviceRepository(kv), nil, nil)

	// ACT
	id := first.GetOrCreateDeviceID(ctx)
	again := first.GetOrCreateDeviceID(ctx)
	second := NewDeviceRegistry(api, repositories.NewKVDeviceRepository(kv), nil, nil)

	// ASSERT
	require.NotEmpty(t, id)
	assert.Equal(t, id, again)
	assert.Equal(t, id, second.GetOrCreateDeviceID(ctx), "a new instance over the same storage reuses the id")
	assert.Equal(t, id, api.deviceID, "the API client tags requests with the id")
}

func TestDeviceRegistry_ReadFailureKeepsStoredID(t *testing.T) {
	// ARRANGE: an id already stored, then a store whose next read fails
	kv := repositories.NewMemoryKVStore()
	ctx := context.Background()
	stored := NewDeviceRegistry(newFakeAPI(), repositories.NewKVDeviceRepository(kv), nil, nil).GetOrCreateDeviceID(ctx)
	flaky := &flakyStore{KeyValueStore: kv}
	flaky.failGets.Store(1)
	api := newFakeAPI()
	r := NewDeviceRegistry(api, repositories.NewKVDeviceRepository(flaky), nil, nil)

	// ACT
	provisional := r.GetOrCreateDeviceID(ctx)
	recovered := r.GetOrCreateDeviceID(ctx)

	// ASSERT
	assert.NotEmpty(t, provisional)
	assert.NotEqual(t, stored, provisional)
	assert.Equal(t, stored, recovered, "the stored id is read again once the store recovers")
	assert.Equal(t, stored, api.deviceID)
	restarted := NewDeviceRegistry(newFakeAPI(), repositories.NewKVDeviceRepository(kv), nil, nil)
	assert.Equal(t, stored, restarted.GetOrCreateDeviceID(ctx), "the stored id is never overwritten")
}

func TestDeviceRegistry_DescriptorClassifiesScreen(t *testing.T) {
	caps := &platform.Static{Device: models.Device{
		Name:   "Pixel",
		Screen: models.ScreenMetrics{Width: 412, Height: 915, PixelRatio: 2.6},
	}}
	r := NewDeviceRegistry(newFakeAPI(), repositories.NewKVDeviceRepository(repositories.NewMemoryKVStore()), nil, caps)

	d := r.Descriptor(context.Background())

	assert.Equal(t, models.DeviceMobile, d.DeviceType)
	assert.Equal(t, "Pixel", d.Name)
	assert.NotEmpty(t, d.ID)
	assert.False(t, d.LastActive.IsZero())
}

func TestDeviceRegistry_RegisterIsIdempotent(t *testing.T) {
	api := newFakeAPI()
	r := NewDeviceRegistry(api, repositories.NewKVDeviceRepository(repositories.NewMemoryKVStore()), nil, nil)
	ctx := context.Background()
	assert.False(t, r.Registered())

	first, err := r.Register(ctx)
	require.NoError(t, err)
	second, err := r.Register(ctx)
	require.NoError(t, err)

	assert.True(t, r.Registered())
	assert.Equal(t, first.ID, second.ID)
	devices, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 1, "repeated registration upserts one device")
}

func TestDeviceRegistry_RemoveCurrentDeviceForgetsIdentity(t *testing.T) {
	// ARRANGE
	kv := repositories.NewMemoryKVStore()
	api := newFakeAPI()
	ctx := context.Background()
	r := NewDeviceRegistry(api, repositories.NewKVDeviceRepository(kv), nil, nil)
	_, err := r.Register(ctx)
	require.NoError(t, err)
	old := r.GetOrCreateDeviceID(ctx)

	// ACT
	require.NoError(t, r.Remove(ctx, old))

	// ASSERT
	assert.False(t, r.Registered())
	assert.Empty(t, api.deviceID)
	_, err = repositories.NewKVDeviceRepository(kv).GetDeviceID(ctx)
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	fresh := r.GetOrCreateDeviceID(ctx)
	assert.NotEqual(t, old, fresh)
}

func TestDeviceRegistry_RemoveOtherDevice(t *testing.T) {
	api := newFakeAPI()
	r := NewDeviceRegistry(api, repositories.NewKVDeviceRepository(repositories.NewMemoryKVStore()), nil, nil)
	ctx := context.Background()
	self := r.GetOrCreateDeviceID(ctx)
	_, _ = api.RegisterDevice(ctx, models.Device{ID: "tablet-1"})

	require.NoError(t, r.Remove(ctx, "tablet-1"))
	assert.Equal(t, self, r.GetOrCreateDeviceID(ctx))

	err := r.Remove(ctx, "tablet-1")
	assert.ErrorIs(t, err, client.ErrNotFound)
}

func TestDeviceRegistry_PresenceEvents(t *testing.T) {
	// ARRANGE
	api := newFakeAPI()
	r := NewDeviceRegistry(api, repositories.NewKVDeviceRepository(repositories.NewMemoryKVStore()), nil, nil)
	ctx := context.Background()
	_, err := r.Register(ctx)
	require.NoError(t, err)
	self := r.GetOrCreateDeviceID(ctx)
	_, _ = api.RegisterDevice(ctx, models.Device{ID: "phone-1"})
	_, _ = api.RegisterDevice(ctx, models.Device{ID: "tablet-1"})

	// ACT
	require.NoError(t, r.HandleEvent(ctx, syncEvent(t, models.EventDeviceConnected, models.DevicePresenceEvent{DeviceID: "phone-1"})))
	require.NoError(t, r.HandleEvent(ctx, syncEvent(t, models.EventDeviceConnected, models.DevicePresenceEvent{DeviceID: "tablet-1"})))
	require.NoError(t, r.HandleEvent(ctx, syncEvent(t, models.EventDeviceConnected, models.DevicePresenceEvent{DeviceID: self})))
	require.NoError(t, r.HandleEvent(ctx, syncEvent(t, models.EventDeviceDisconnected, models.DevicePresenceEvent{DeviceID: "tablet-1"})))

	// ASSERT
	online, err := r.OnlineDevices(ctx)
	require.NoError(t, err)
	require.Len(t, online, 1, "this device is never listed")
	assert.Equal(t, "phone-1", online[0].ID)
	assert.Equal(t, string(models.StatusOffline), r.Presence(ctx, "tablet-1").Status)
	assert.Equal(t, string(models.StatusOffline), r.Presence(ctx, "never-seen").Status)
}

func TestDeviceRegistry_MalformedPresenceEvent(t *testing.T) {
	r := NewDeviceRegistry(newFakeAPI(), repositories.NewKVDeviceRepository(repositories.NewMemoryKVStore()), nil, nil)

	err := r.HandleEvent(context.Background(), models.SyncEvent{
		Type: models.EventDeviceConnected,
		Data: json.RawMessage(`{"deviceId":""}`),
	})

	assert.True(t, apperrors.IsProtocol(err))
}

// Helper functions for test setup

var errStoreTimeout = errors.New("i/o timeout")

// flakyStore fails the next failGets reads and passes everything else through.
type flakyStore struct {
	repositories.KeyValueStore
	failGets atomic.Int32
}

func (s *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.failGets.Add(-1) >= 0 {
		return nil, errStoreTimeout
	}
	return s.KeyValueStore.Get(ctx, key)
}
