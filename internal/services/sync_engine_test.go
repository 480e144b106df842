package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sujal-goel/bank-automation-system-sub003/internal/apperrors"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/client"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/models"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/repositories"
)

func TestSyncEngine_DrainsInCreationOrder(t *testing.T) {
	// ARRANGE
	f := newEngineFixture(t)
	ctx := context.Background()
	var keys []string
	for _, form := range []string{"first", "second", "third", "fourth"} {
		keys = append(keys, f.queue.Enqueue(ctx, form, map[string]string{"form": form}))
	}
	created := f.queue.Pending()

	// ACT
	err := f.engine.Sync(ctx)

	// ASSERT
	require.NoError(t, err)
	submitted := f.api.Submitted()
	require.Len(t, submitted, 4)
	for i, req := range submitted {
		assert.Equal(t, created[i].FormID, req.FormID)
		assert.True(t, created[i].CreatedAt.Equal(req.Timestamp), "each submission carries its original creation time")
	}
	assert.Equal(t, 0, f.queue.PendingCount())
	assert.Empty(t, f.queue.List(), "synced mutations are purged after a full drain")
	assert.Equal(t, SyncSuccess, f.engine.Status().State)
	assert.Len(t, keys, 4)
}

func TestSyncEngine_FailureStopsDrainAndNextCycleResumes(t *testing.T) {
	// ARRANGE: A, B, C queued; B fails once
	f := newEngineFixture(t)
	ctx := context.Background()
	f.queue.Enqueue(ctx, "A", nil)
	f.queue.Enqueue(ctx, "B", nil)
	f.queue.Enqueue(ctx, "C", nil)
	f.api.FailForm("B", 1)

	// ACT: first cycle
	err := f.engine.Sync(ctx)

	// ASSERT: stopped at B, C untouched
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
	assert.Equal(t, []string{"A"}, formIDs(f.api.Submitted()))
	assert.Equal(t, []string{"B", "C"}, pendingForms(f.queue))
	assert.Equal(t, SyncError, f.engine.Status().State)

	// ACT: second cycle
	err = f.engine.Sync(ctx)

	// ASSERT: resumed at B, A not re-sent
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, formIDs(f.api.Submitted()))
	assert.Empty(t, pendingForms(f.queue))
}

func TestSyncEngine_RejectedMutationStaysQueued(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.queue.Enqueue(ctx, "A", nil)
	f.api.SetSubmitError(&client.StatusError{StatusCode: 422, Message: "invalid amount"})

	err := f.engine.Sync(ctx)

	require.Error(t, err)
	assert.Equal(t, []string{"A"}, pendingForms(f.queue), "a rejected item is retried, never dropped")
	assert.True(t, f.network.IsOnline(), "an HTTP status says nothing about reachability")
}

func TestSyncEngine_TransportFailureMarksOffline(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.queue.Enqueue(ctx, "A", nil)
	f.api.SetSubmitError(apperrors.Transient("POST /api/forms/submit", errors.New("connection refused")))

	err := f.engine.Sync(ctx)

	require.Error(t, err)
	assert.False(t, f.network.IsOnline())
}

func TestSyncEngine_OfflineSkipsCycle(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.queue.Enqueue(ctx, "A", nil)
	f.network.SetOnline(false)

	err := f.engine.Sync(ctx)

	assert.ErrorIs(t, err, ErrOffline)
	assert.Empty(t, f.api.Submitted())
	assert.Equal(t, 1, f.queue.PendingCount())
}

func TestSyncEngine_ConflictBlocksRemoteStateUntilResolved(t *testing.T) {
	// ARRANGE
	f := newEngineFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.SetPreference(ctx, "theme", "dark"))
	f.api.QueueSyncResponse(&client.SyncResponse{Conflicts: []models.SyncConflict{{
		ID:          "c1",
		Field:       "theme",
		LocalValue:  json.RawMessage(`"dark"`),
		RemoteValue: json.RawMessage(`"light"`),
	}}})

	// ACT: sync surfaces the conflict
	err := f.engine.Sync(ctx)

	// ASSERT: nothing applied
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
	status := f.engine.Status()
	assert.Equal(t, SyncConflictDetected, status.State)
	require.Len(t, status.Conflicts, 1)
	assert.Equal(t, models.ResolutionUnresolved, status.Conflicts[0].Resolution)
	assert.Equal(t, `"dark"`, preference(t, f, "theme"))

	// ACT: a data-updated push arrives while the conflict is pending
	push := syncEvent(t, models.EventDataUpdated, models.DataUpdatedEvent{
		SourceDeviceID: "other-device",
		Preferences:    map[string]json.RawMessage{"theme": json.RawMessage(`"blue"`)},
	})
	require.NoError(t, f.engine.HandleDataUpdated(ctx, push))

	// ASSERT: still blocked
	assert.Equal(t, `"dark"`, preference(t, f, "theme"))

	// ACT: a cycle while pending drains but does not snapshot
	f.queue.Enqueue(ctx, "while-pending", nil)
	err = f.engine.Sync(ctx)

	// ASSERT
	assert.True(t, apperrors.IsConflict(err))
	assert.Equal(t, []string{"while-pending"}, formIDs(f.api.Submitted()))
	assert.Len(t, f.api.SyncRequests(), 1, "snapshot step is skipped while conflicts are pending")

	// ACT: resolve with remote
	require.NoError(t, f.engine.ResolveConflict(ctx, "c1", models.ResolutionRemote))

	// ASSERT: remote value applied and the engine is idle again
	assert.Equal(t, `"light"`, preference(t, f, "theme"))
	assert.Equal(t, SyncIdle, f.engine.Status().State)
	assert.Empty(t, f.engine.Conflicts())

	// ACT: next cycle snapshots the resolved value and does not resurface
	require.NoError(t, f.engine.Sync(ctx))
	requests := f.api.SyncRequests()
	require.Len(t, requests, 2)
	assert.JSONEq(t, `"light"`, string(requests[1].Data.Preferences["theme"]))
	assert.Empty(t, f.engine.Conflicts())
	assert.Equal(t, SyncSuccess, f.engine.Status().State)
}

func TestSyncEngine_ResolveLocalResubmitsLocalValue(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.SetPreference(ctx, "theme", "dark"))
	f.api.QueueSyncResponse(&client.SyncResponse{Conflicts: []models.SyncConflict{{
		ID: "c1", Field: "theme",
		LocalValue:  json.RawMessage(`"dark"`),
		RemoteValue: json.RawMessage(`"light"`),
	}}})
	_ = f.engine.Sync(ctx)

	require.NoError(t, f.engine.ResolveConflict(ctx, "c1", models.ResolutionLocal))

	resolves := f.api.ResolveRequests()
	require.Len(t, resolves, 1)
	assert.Equal(t, models.ResolutionLocal, resolves[0].Resolution)
	assert.JSONEq(t, `"dark"`, string(resolves[0].Value))
	assert.Equal(t, `"dark"`, preference(t, f, "theme"))
}

func TestSyncEngine_ResolveConflictValidation(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.engine.ResolveConflict(ctx, "c1", models.ResolutionUnresolved), ErrInvalidResolution)
	assert.ErrorIs(t, f.engine.ResolveConflict(ctx, "missing", models.ResolutionRemote), ErrConflictNotFound)
}

func TestSyncEngine_ResolveRemoteWithoutFieldAppliesWholeObject(t *testing.T) {
	// ARRANGE: a conflict over the whole preferences object
	f := newEngineFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.SetPreference(ctx, "theme", "dark"))
	f.api.QueueSyncResponse(&client.SyncResponse{Conflicts: []models.SyncConflict{{
		ID:          "c1",
		LocalValue:  json.RawMessage(`{"theme":"dark"}`),
		RemoteValue: json.RawMessage(`{"theme":"light","language":"de"}`),
	}}})
	require.True(t, apperrors.IsConflict(f.engine.Sync(ctx)))

	// ACT
	err := f.engine.ResolveConflict(ctx, "c1", models.ResolutionRemote)

	// ASSERT
	require.NoError(t, err)
	assert.Equal(t, `"light"`, preference(t, f, "theme"))
	assert.Equal(t, `"de"`, preference(t, f, "language"))
	assert.Empty(t, f.engine.Conflicts())
	assert.Equal(t, SyncIdle, f.engine.Status().State)
}

func TestSyncEngine_ResolveRemoteWithUnusableValueKeepsConflict(t *testing.T) {
	// ARRANGE: no field and a remote value that is not an object
	f := newEngineFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.SetPreference(ctx, "theme", "dark"))
	f.api.QueueSyncResponse(&client.SyncResponse{Conflicts: []models.SyncConflict{{
		ID:          "c1",
		LocalValue:  json.RawMessage(`{"theme":"dark"}`),
		RemoteValue: json.RawMessage(`"light"`),
	}}})
	require.True(t, apperrors.IsConflict(f.engine.Sync(ctx)))

	// ACT
	err := f.engine.ResolveConflict(ctx, "c1", models.ResolutionRemote)

	// ASSERT
	require.Error(t, err)
	assert.True(t, apperrors.IsProtocol(err))
	assert.Len(t, f.engine.Conflicts(), 1)
	assert.Equal(t, SyncConflictDetected, f.engine.Status().State)
	assert.Equal(t, `"dark"`, preference(t, f, "theme"))
}

func TestSyncEngine_MergedStateIsApplied(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	var applied map[string]json.RawMessage
	f.engine.OnRemoteData(func(prefs map[string]json.RawMessage) { applied = prefs })
	f.api.QueueSyncResponse(&client.SyncResponse{Data: &client.MergedState{
		Preferences: map[string]json.RawMessage{"language": json.RawMessage(`"fr"`)},
	}})

	require.NoError(t, f.engine.Sync(ctx))

	assert.Equal(t, `"fr"`, preference(t, f, "language"))
	assert.Contains(t, applied, "language")
}

func TestSyncEngine_ConcurrentTriggersCoalesce(t *testing.T) {
	// ARRANGE: the first cycle blocks inside its only submission
	f := newEngineFixture(t)
	ctx := context.Background()
	f.queue.Enqueue(ctx, "A", nil)
	entered, release := f.api.BlockSubmit()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = f.engine.Sync(ctx)
	}()
	<-entered

	// ACT: second trigger while the first is in flight
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[1] = f.engine.Sync(ctx)
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	// ASSERT: one cycle served both callers
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Len(t, f.api.Submitted(), 1)
	assert.Len(t, f.api.SyncRequests(), 1)
}

func TestSyncEngine_AuthenticationFailureEscalatesOnce(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.queue.Enqueue(ctx, "A", nil)
	f.api.SetSubmitError(apperrors.Authentication("POST /api/forms/submit", client.ErrUnauthorized))

	_ = f.engine.Sync(ctx)
	_ = f.engine.Sync(ctx)

	assert.Equal(t, int32(1), f.logouts.Load())
	assert.Equal(t, 1, f.queue.PendingCount())
}

func TestSyncEngine_TransferSessionPackagesState(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.SetLocation(ctx, "/accounts/checking"))
	require.NoError(t, f.engine.SetPreference(ctx, "theme", "dark"))

	err := f.engine.TransferSession(ctx, "tablet-1")

	require.NoError(t, err)
	transfers := f.api.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, f.registry.GetOrCreateDeviceID(ctx), transfers[0].SourceDeviceID)
	assert.Equal(t, "tablet-1", transfers[0].TargetDeviceID)
	assert.Equal(t, "/accounts/checking", transfers[0].SessionData.Location)
	assert.JSONEq(t, `"dark"`, string(transfers[0].SessionData.Preferences["theme"]))
	assert.False(t, transfers[0].SessionData.Timestamp.IsZero())
}

func TestSyncEngine_TransferSessionFailureIsNotRetried(t *testing.T) {
	f := newEngineFixture(t)
	f.api.SetTransferError(apperrors.Transient("POST /api/devices/transfer-session", errors.New("timeout")))

	err := f.engine.TransferSession(context.Background(), "tablet-1")

	require.Error(t, err)
	assert.Equal(t, 1, f.api.TransferAttempts())
}

func TestSyncEngine_HandleSessionTransferred(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	self := f.registry.GetOrCreateDeviceID(ctx)
	var received []models.SessionData
	f.engine.OnSessionTransferred(func(s models.SessionData) { received = append(received, s) })

	forOther := syncEvent(t, models.EventSessionTransferred, models.SessionTransfer{
		SourceDeviceID: "phone", TargetDeviceID: "someone-else",
		SessionData: models.SessionData{Location: "/elsewhere"},
	})
	forSelf := syncEvent(t, models.EventSessionTransferred, models.SessionTransfer{
		SourceDeviceID: "phone", TargetDeviceID: self,
		SessionData: models.SessionData{
			Location:    "/payments/new",
			Preferences: map[string]json.RawMessage{"theme": json.RawMessage(`"dark"`)},
		},
	})

	require.NoError(t, f.engine.HandleSessionTransferred(ctx, forOther))
	require.NoError(t, f.engine.HandleSessionTransferred(ctx, forSelf))

	require.Len(t, received, 1)
	assert.Equal(t, "/payments/new", received[0].Location)
	st, err := f.engine.LocalState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/payments/new", st.Session.Location)
	assert.Equal(t, `"dark"`, preference(t, f, "theme"))
}

func TestSyncEngine_MalformedPushIsProtocolError(t *testing.T) {
	f := newEngineFixture(t)

	err := f.engine.HandleDataUpdated(context.Background(), models.SyncEvent{
		Type: models.EventDataUpdated,
		Data: json.RawMessage(`[1,2,3]`),
	})

	assert.True(t, apperrors.IsProtocol(err))
}

// Helper functions for test setup

type engineFixture struct {
	api      *fakeAPI
	store    *repositories.MemoryKVStore
	queue    *MutationQueue
	network  *NetworkMonitor
	registry *DeviceRegistry
	auth     *AuthService
	engine   *SyncEngine
	logouts  atomic.Int32
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	ctx := context.Background()

	f := &engineFixture{
		api:   newFakeAPI(),
		store: repositories.NewMemoryKVStore(),
	}
	f.queue = NewMutationQueue(ctx, repositories.NewKVMutationRepository(f.store))
	f.queue.now = steppingClock()
	f.network = NewNetworkMonitor(nil, nil, time.Minute)
	f.registry = NewDeviceRegistry(f.api, repositories.NewKVDeviceRepository(f.store), nil, nil)
	f.auth = NewAuthService(models.Account{UserID: "user-1", Token: "opaque-token"}, func(error) {
		f.logouts.Add(1)
	})
	f.engine = NewSyncEngine(
		f.api, f.queue, repositories.NewKVStateRepository(f.store),
		f.registry, f.network, f.auth,
		SyncOptions{Interval: time.Hour, RequestTimeout: 2 * time.Second},
	)
	return f
}

// steppingClock returns strictly increasing times one second apart.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func preference(t *testing.T, f *engineFixture, key string) string {
	t.Helper()
	st, err := f.engine.LocalState(context.Background())
	require.NoError(t, err)
	return string(st.Preferences[key])
}

func syncEvent(t *testing.T, eventType string, payload any) models.SyncEvent {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return models.SyncEvent{Type: eventType, Data: data, Timestamp: time.Now()}
}

func formIDs(reqs []client.MutationRequest) []string {
	out := []string{}
	for _, r := range reqs {
		out = append(out, r.FormID)
	}
	return out
}

func pendingForms(q *MutationQueue) []string {
	out := []string{}
	for _, m := range q.Pending() {
		out = append(out, m.FormID)
	}
	return out
}

// fakeAPI is an in-process stand-in for the banking API.
type fakeAPI struct {
	mu            sync.Mutex
	deviceID      string
	submitted     []client.MutationRequest
	failForm      map[string]int
	submitErr     error
	entered       chan struct{}
	release       chan struct{}
	syncQueue     []*client.SyncResponse
	syncRequests  []client.SyncRequest
	resolves      []client.ResolveRequest
	transfers     []models.SessionTransfer
	transferErr   error
	transferCalls int
	devices       map[string]models.Device
	registerCalls int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		failForm: make(map[string]int),
		devices:  make(map[string]models.Device),
	}
}

func (a *fakeAPI) FailForm(formID string, times int) {
	a.mu.Lock()
	a.failForm[formID] = times
	a.mu.Unlock()
}

func (a *fakeAPI) SetSubmitError(err error) {
	a.mu.Lock()
	a.submitErr = err
	a.mu.Unlock()
}

func (a *fakeAPI) SetTransferError(err error) {
	a.mu.Lock()
	a.transferErr = err
	a.mu.Unlock()
}

// BlockSubmit makes the next submission signal entered and wait for release.
func (a *fakeAPI) BlockSubmit() (entered chan struct{}, release chan struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entered = make(chan struct{})
	a.release = make(chan struct{})
	return a.entered, a.release
}

func (a *fakeAPI) QueueSyncResponse(resp *client.SyncResponse) {
	a.mu.Lock()
	a.syncQueue = append(a.syncQueue, resp)
	a.mu.Unlock()
}

func (a *fakeAPI) Submitted() []client.MutationRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]client.MutationRequest(nil), a.submitted...)
}

func (a *fakeAPI) SyncRequests() []client.SyncRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]client.SyncRequest(nil), a.syncRequests...)
}

func (a *fakeAPI) ResolveRequests() []client.ResolveRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]client.ResolveRequest(nil), a.resolves...)
}

func (a *fakeAPI) Transfers() []models.SessionTransfer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.SessionTransfer(nil), a.transfers...)
}

func (a *fakeAPI) TransferAttempts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transferCalls
}

func (a *fakeAPI) SubmitMutation(ctx context.Context, req client.MutationRequest) error {
	a.mu.Lock()
	entered, release := a.entered, a.release
	a.entered, a.release = nil, nil
	a.mu.Unlock()
	if entered != nil {
		close(entered)
		<-release
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.submitErr != nil {
		return a.submitErr
	}
	if a.failForm[req.FormID] > 0 {
		a.failForm[req.FormID]--
		return apperrors.Transient("POST /api/forms/submit", &client.StatusError{StatusCode: 503, Message: "unavailable"})
	}
	a.submitted = append(a.submitted, req)
	return nil
}

func (a *fakeAPI) SyncDevice(ctx context.Context, req client.SyncRequest) (*client.SyncResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.syncRequests = append(a.syncRequests, req)
	if len(a.syncQueue) > 0 {
		resp := a.syncQueue[0]
		a.syncQueue = a.syncQueue[1:]
		return resp, nil
	}
	return &client.SyncResponse{Data: &client.MergedState{Preferences: req.Data.Preferences}}, nil
}

func (a *fakeAPI) TransferSession(ctx context.Context, transfer models.SessionTransfer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transferCalls++
	if a.transferErr != nil {
		return a.transferErr
	}
	a.transfers = append(a.transfers, transfer)
	return nil
}

func (a *fakeAPI) ResolveConflict(ctx context.Context, req client.ResolveRequest) (*client.ResolveResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resolves = append(a.resolves, req)
	return &client.ResolveResponse{}, nil
}

func (a *fakeAPI) SetDeviceID(id string) {
	a.mu.Lock()
	a.deviceID = id
	a.mu.Unlock()
}

func (a *fakeAPI) RegisterDevice(ctx context.Context, device models.Device) (*models.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.registerCalls++
	a.devices[device.ID] = device
	return &device, nil
}

func (a *fakeAPI) ListDevices(ctx context.Context) ([]models.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.Device, 0, len(a.devices))
	for _, d := range a.devices {
		out = append(out, d)
	}
	return out, nil
}

func (a *fakeAPI) RemoveDevice(ctx context.Context, deviceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.devices[deviceID]; !ok {
		return client.ErrNotFound
	}
	delete(a.devices, deviceID)
	return nil
}
