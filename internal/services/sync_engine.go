package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/sujal-goel/bank-automation-system-sub003/internal/apperrors"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/client"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/models"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/repositories"
	"golang.org/x/sync/singleflight"
)

var (
	ErrOffline           = errors.New("network offline")
	ErrConflictNotFound  = errors.New("conflict not found")
	ErrInvalidResolution = errors.New("invalid conflict resolution")
)

type SyncState string

const (
	SyncIdle             SyncState = "idle"
	SyncSyncing          SyncState = "syncing"
	SyncSuccess          SyncState = "success"
	SyncConflictDetected SyncState = "conflict-detected"
	SyncError            SyncState = "error"
)

// SyncAPI is the subset of the API client the engine needs.
type SyncAPI interface {
	SubmitMutation(ctx context.Context, req client.MutationRequest) error
	SyncDevice(ctx context.Context, req client.SyncRequest) (*client.SyncResponse, error)
	TransferSession(ctx context.Context, transfer models.SessionTransfer) error
	ResolveConflict(ctx context.Context, req client.ResolveRequest) (*client.ResolveResponse, error)
}

// SyncStatus is a point-in-time view of the engine.
type SyncStatus struct {
	State        SyncState
	LastSyncAt   time.Time
	LastError    error
	PendingCount int
	Conflicts    []models.SyncConflict
}

type SyncOptions struct {
	Interval       time.Duration
	RequestTimeout time.Duration
}

// SyncEngine drains the mutation queue, reconciles the device snapshot with
// the server and applies pushed session hand-offs and data updates.
type SyncEngine struct {
	api      SyncAPI
	queue    *MutationQueue
	state    repositories.StateRepository
	registry *DeviceRegistry
	network  *NetworkMonitor
	auth     *AuthService
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	group singleflight.Group
	// cycleMu serializes sync cycles, transfers and conflict resolutions.
	cycleMu sync.Mutex
	// localMu serializes read-modify-write of the local state.
	localMu sync.Mutex

	mu         sync.Mutex
	status     SyncState
	lastSyncAt time.Time
	lastErr    error
	conflicts  []models.SyncConflict
	onTransfer []func(models.SessionData)
	onRemote   []func(map[string]json.RawMessage)
}

func NewSyncEngine(
	api SyncAPI,
	queue *MutationQueue,
	state repositories.StateRepository,
	registry *DeviceRegistry,
	network *NetworkMonitor,
	auth *AuthService,
	opts SyncOptions,
) *SyncEngine {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = client.DefaultTimeout
	}
	return &SyncEngine{
		api:      api,
		queue:    queue,
		state:    state,
		registry: registry,
		network:  network,
		auth:     auth,
		interval: opts.Interval,
		timeout:  opts.RequestTimeout,
		logger:   slog.Default(),
		now:      time.Now,
		status:   SyncIdle,
	}
}

// OnSessionTransferred registers fn to receive sessions handed to this device.
func (e *SyncEngine) OnSessionTransferred(fn func(models.SessionData)) {
	e.mu.Lock()
	e.onTransfer = append(e.onTransfer, fn)
	e.mu.Unlock()
}

// OnRemoteData registers fn to receive preferences applied from the server.
func (e *SyncEngine) OnRemoteData(fn func(map[string]json.RawMessage)) {
	e.mu.Lock()
	e.onRemote = append(e.onRemote, fn)
	e.mu.Unlock()
}

func (e *SyncEngine) Status() SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return SyncStatus{
		State:        e.status,
		LastSyncAt:   e.lastSyncAt,
		LastError:    e.lastErr,
		PendingCount: e.queue.PendingCount(),
		Conflicts:    append([]models.SyncConflict(nil), e.conflicts...),
	}
}

// Conflicts returns the unresolved conflicts in detection order.
func (e *SyncEngine) Conflicts() []models.SyncConflict {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.SyncConflict(nil), e.conflicts...)
}

// Sync runs one cycle. A call made while a cycle is in flight waits for that
// cycle and shares its result. Cancelling ctx abandons the wait, not the cycle.
func (e *SyncEngine) Sync(ctx context.Context) error {
	ch := e.group.DoChan("sync", func() (any, error) {
		return nil, e.runCycle(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

// Run syncs every interval while online and immediately on every
// offline→online transition, until ctx is cancelled.
func (e *SyncEngine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.syncInBackground(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.network.IsOnline() {
				e.syncInBackground(ctx)
			}
		case <-e.network.FlushSignal():
			e.syncInBackground(ctx)
		}
	}
}

func (e *SyncEngine) syncInBackground(ctx context.Context) {
	err := e.Sync(ctx)
	switch {
	case err == nil, errors.Is(err, ErrOffline), errors.Is(err, context.Canceled):
	case apperrors.IsConflict(err):
		e.logger.Info("sync waiting on conflict resolution", "error", err)
	default:
		e.logger.Warn("sync cycle failed", "error", err)
	}
}

func (e *SyncEngine) runCycle(ctx context.Context) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	if !e.network.IsOnline() {
		return apperrors.Transient("sync", ErrOffline)
	}
	if err := e.auth.VerifyToken(); err != nil {
		return e.fail(err)
	}

	e.setState(SyncSyncing)

	drained, err := e.drain(ctx)
	if err != nil {
		return e.fail(err)
	}
	if purged := e.queue.PurgeSynced(ctx); purged > 0 {
		e.logger.Debug("purged synced mutations", "count", purged)
	}

	if n := len(e.Conflicts()); n > 0 {
		// Skip the snapshot so a stale one cannot reopen what is pending.
		e.setState(SyncConflictDetected)
		return apperrors.Conflict("device sync", n)
	}

	regCtx, cancel := context.WithTimeout(ctx, e.timeout)
	_, err = e.registry.Register(regCtx)
	cancel()
	if err != nil {
		if e.auth.HandleError(err) {
			return e.fail(err)
		}
		e.logger.Warn("device heartbeat failed", "error", err)
	}

	resp, err := e.syncSnapshot(ctx)
	if err != nil {
		return e.fail(err)
	}

	if len(resp.Conflicts) > 0 {
		e.recordConflicts(resp.Conflicts)
		e.setState(SyncConflictDetected)
		e.logger.Info("sync conflicts detected", "count", len(resp.Conflicts))
		return apperrors.Conflict("device sync", len(resp.Conflicts))
	}
	if resp.Data != nil && len(resp.Data.Preferences) > 0 {
		if err := e.applyPreferences(ctx, resp.Data.Preferences); err != nil {
			return e.fail(err)
		}
	}

	e.mu.Lock()
	e.status = SyncSuccess
	e.lastSyncAt = e.now().UTC()
	e.lastErr = nil
	e.mu.Unlock()

	e.logger.Debug("sync cycle complete", "drained", drained)
	return nil
}

// drain submits unsynced mutations oldest first and stops at the first
// failure, leaving that mutation at the head for the next cycle.
func (e *SyncEngine) drain(ctx context.Context) (int, error) {
	drained := 0
	for _, m := range e.queue.Pending() {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		err := e.api.SubmitMutation(callCtx, client.MutationRequest{
			FormID:    m.FormID,
			Data:      m.Payload,
			Timestamp: m.CreatedAt,
		})
		cancel()
		if err != nil {
			e.observeTransport(err)
			return drained, fmt.Errorf("failed to submit mutation %s: %w", m.Key, err)
		}
		e.queue.MarkSynced(ctx, m.Key)
		drained++
	}
	return drained, nil
}

func (e *SyncEngine) syncSnapshot(ctx context.Context) (*client.SyncResponse, error) {
	st, err := e.state.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read local state: %w", err)
	}

	req := client.SyncRequest{
		DeviceID: e.registry.GetOrCreateDeviceID(ctx),
		Data: client.SyncData{
			FormData:    st.FormData,
			Preferences: st.Preferences,
			SessionData: st.Session,
			Timestamp:   e.now().UTC(),
		},
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	resp, err := e.api.SyncDevice(callCtx, req)
	if err != nil {
		e.observeTransport(err)
		return nil, fmt.Errorf("failed to sync device: %w", err)
	}
	return resp, nil
}

// ResolveConflict reports the user's choice for one conflict. Remote and
// merge apply the server's value locally; local re-submits the local value
// as authoritative. The engine returns to idle when none remain.
func (e *SyncEngine) ResolveConflict(ctx context.Context, conflictID string, resolution models.Resolution) error {
	if !resolution.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidResolution, resolution)
	}

	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	conflict, ok := e.findConflict(conflictID)
	if !ok {
		return ErrConflictNotFound
	}

	req := client.ResolveRequest{ConflictID: conflictID, Resolution: resolution}
	if resolution == models.ResolutionLocal {
		req.Value = conflict.LocalValue
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	resp, err := e.api.ResolveConflict(callCtx, req)
	cancel()
	if err != nil {
		e.auth.HandleError(err)
		return fmt.Errorf("failed to resolve conflict: %w", err)
	}

	if resolution != models.ResolutionLocal {
		prefs, err := resolvedPreferences(conflict, resolvedValue(conflict, resolution, resp))
		if err != nil {
			return err
		}
		if err := e.applyPreferences(ctx, prefs); err != nil {
			return err
		}
	}

	e.mu.Lock()
	for i, c := range e.conflicts {
		if c.ID == conflictID {
			e.conflicts = append(e.conflicts[:i], e.conflicts[i+1:]...)
			break
		}
	}
	remaining := len(e.conflicts)
	if remaining == 0 {
		e.status = SyncIdle
	}
	e.mu.Unlock()

	e.logger.Info("conflict resolved", "conflict_id", conflictID, "resolution", resolution, "remaining", remaining)
	return nil
}

func resolvedValue(c models.SyncConflict, resolution models.Resolution, resp *client.ResolveResponse) json.RawMessage {
	if resp != nil && len(resp.Data) > 0 {
		return resp.Data
	}
	if resolution == models.ResolutionMerge && len(c.MergedValue) > 0 {
		return c.MergedValue
	}
	return c.RemoteValue
}

// resolvedPreferences turns the winning value into preference updates. A
// conflict without a field covers the whole preferences object.
func resolvedPreferences(c models.SyncConflict, value json.RawMessage) (map[string]json.RawMessage, error) {
	if c.Field != "" {
		return map[string]json.RawMessage{c.Field: value}, nil
	}
	var prefs map[string]json.RawMessage
	if err := json.Unmarshal(value, &prefs); err != nil || prefs == nil {
		if err == nil {
			err = errors.New("resolved value is not an object")
		}
		return nil, apperrors.Protocol("resolve conflict "+c.ID, err)
	}
	return prefs, nil
}

// TransferSession hands the current location and preferences to another
// device. Delivery is at most once; a failure is returned but never retried.
func (e *SyncEngine) TransferSession(ctx context.Context, targetDeviceID string) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	st, err := e.state.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to read local state: %w", err)
	}

	transfer := models.SessionTransfer{
		SourceDeviceID: e.registry.GetOrCreateDeviceID(ctx),
		TargetDeviceID: targetDeviceID,
		SessionData: models.SessionData{
			Location:    st.Session.Location,
			Preferences: st.Preferences,
			Timestamp:   e.now().UTC(),
		},
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.api.TransferSession(callCtx, transfer); err != nil {
		e.auth.HandleError(err)
		e.logger.Warn("session transfer not delivered", "target", targetDeviceID, "error", err)
		return fmt.Errorf("failed to transfer session: %w", err)
	}

	e.logger.Info("session transferred", "target", targetDeviceID, "location", transfer.SessionData.Location)
	return nil
}

// HandleSessionTransferred applies a session handed to this device. It is
// applied even while conflicts are pending.
func (e *SyncEngine) HandleSessionTransferred(ctx context.Context, event models.SyncEvent) error {
	var transfer models.SessionTransfer
	if err := json.Unmarshal(event.Data, &transfer); err != nil {
		return apperrors.Protocol("session transfer push", err)
	}
	if transfer.TargetDeviceID != "" && transfer.TargetDeviceID != e.registry.GetOrCreateDeviceID(ctx) {
		return nil
	}

	session := transfer.SessionData
	err := e.updateState(ctx, func(st *models.LocalState) {
		st.Session.Location = session.Location
		st.Session.Timestamp = session.Timestamp
		for k, v := range session.Preferences {
			st.Preferences[k] = v
		}
	})
	if err != nil {
		return err
	}

	e.logger.Info("session received", "source", transfer.SourceDeviceID, "location", session.Location)

	e.mu.Lock()
	hooks := slices.Clone(e.onTransfer)
	e.mu.Unlock()
	for _, fn := range hooks {
		fn(session)
	}
	return nil
}

// HandleDataUpdated applies preferences another device synced. Updates are
// dropped while conflicts are pending; the snapshot after resolution
// returns the merged state.
func (e *SyncEngine) HandleDataUpdated(ctx context.Context, event models.SyncEvent) error {
	var update models.DataUpdatedEvent
	if err := json.Unmarshal(event.Data, &update); err != nil {
		return apperrors.Protocol("data update push", err)
	}
	if update.SourceDeviceID != "" && update.SourceDeviceID == e.registry.GetOrCreateDeviceID(ctx) {
		return nil
	}
	if len(e.Conflicts()) > 0 {
		e.logger.Info("remote update held back by pending conflicts", "source", update.SourceDeviceID)
		return nil
	}
	if len(update.Preferences) == 0 {
		return nil
	}
	return e.applyPreferences(ctx, update.Preferences)
}

// LocalState returns the device-local state.
func (e *SyncEngine) LocalState(ctx context.Context) (*models.LocalState, error) {
	return e.state.Get(ctx)
}

func (e *SyncEngine) SetPreference(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode preference: %w", err)
	}
	return e.updateState(ctx, func(st *models.LocalState) {
		st.Preferences[key] = raw
	})
}

func (e *SyncEngine) SetLocation(ctx context.Context, location string) error {
	return e.updateState(ctx, func(st *models.LocalState) {
		st.Session.Location = location
		st.Session.Timestamp = e.now().UTC()
	})
}

// SaveFormDraft stores an unsent form so it follows the user across devices.
func (e *SyncEngine) SaveFormDraft(ctx context.Context, formID string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode form draft: %w", err)
	}
	return e.updateState(ctx, func(st *models.LocalState) {
		st.FormData[formID] = raw
	})
}

func (e *SyncEngine) applyPreferences(ctx context.Context, prefs map[string]json.RawMessage) error {
	err := e.updateState(ctx, func(st *models.LocalState) {
		for k, v := range prefs {
			st.Preferences[k] = v
		}
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	hooks := slices.Clone(e.onRemote)
	e.mu.Unlock()
	for _, fn := range hooks {
		fn(prefs)
	}
	return nil
}

const stateWriteRetries = 3

// updateState applies fn to the stored state, re-reading on a version
// conflict from another writer.
func (e *SyncEngine) updateState(ctx context.Context, fn func(*models.LocalState)) error {
	e.localMu.Lock()
	defer e.localMu.Unlock()

	var err error
	for i := 0; i < stateWriteRetries; i++ {
		var st *models.LocalState
		st, err = e.state.Get(ctx)
		if err != nil {
			return apperrors.StorageWrite("read local state", err)
		}
		fn(st)
		err = e.state.Upsert(ctx, st)
		if !errors.Is(err, repositories.ErrVersionConflict) {
			break
		}
	}
	if err != nil {
		return apperrors.StorageWrite("write local state", err)
	}
	return nil
}

func (e *SyncEngine) recordConflicts(conflicts []models.SyncConflict) {
	now := e.now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range conflicts {
		if c.ID == "" {
			continue
		}
		if c.DetectedAt.IsZero() {
			c.DetectedAt = now
		}
		c.Resolution = models.ResolutionUnresolved

		replaced := false
		for i := range e.conflicts {
			if e.conflicts[i].ID == c.ID {
				e.conflicts[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			e.conflicts = append(e.conflicts, c)
		}
	}
}

func (e *SyncEngine) findConflict(id string) (models.SyncConflict, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.conflicts {
		if c.ID == id {
			return c, true
		}
	}
	return models.SyncConflict{}, false
}

func (e *SyncEngine) setState(s SyncState) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

// fail records err as the cycle outcome and escalates credential rejection.
// Pending conflicts keep the engine in ConflictDetected.
func (e *SyncEngine) fail(err error) error {
	e.auth.HandleError(err)

	e.mu.Lock()
	e.status = SyncError
	if len(e.conflicts) > 0 {
		e.status = SyncConflictDetected
	}
	e.lastErr = err
	e.mu.Unlock()
	return err
}

// observeTransport marks the network offline when a request never reached
// the server. HTTP status failures say nothing about reachability.
func (e *SyncEngine) observeTransport(err error) {
	var status *client.StatusError
	if apperrors.IsTransient(err) && !errors.As(err, &status) {
		e.network.SetOnline(false)
	}
}
