package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sujal-goel/bank-automation-system-sub003/internal/models"
)

// ErrVersionConflict is returned when another writer updated the local state
// since it was read.
var ErrVersionConflict = errors.New("version conflict: local state was modified by another writer")

const stateKey = "state:device"

type KVStateRepository struct {
	store KeyValueStore
}

func NewKVStateRepository(store KeyValueStore) *KVStateRepository {
	return &KVStateRepository{store: store}
}

// Get returns the stored state, or a fresh version-0 state if none exists.
func (r *KVStateRepository) Get(ctx context.Context) (*models.LocalState, error) {
	data, err := r.store.Get(ctx, stateKey)
	if errors.Is(err, ErrNotFound) {
		return models.NewLocalState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state: %w", err)
	}

	state := models.NewLocalState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if state.Preferences == nil {
		state.Preferences = make(map[string]json.RawMessage)
	}
	if state.FormData == nil {
		state.FormData = make(map[string]json.RawMessage)
	}
	return state, nil
}

// Upsert writes state if its Version still matches the stored one.
// On success state.Version is incremented and UpdatedAt is set.
//
// The read and the write are separate store calls, so the check narrows the
// window for lost updates between processes but does not close it.
func (r *KVStateRepository) Upsert(ctx context.Context, state *models.LocalState) error {
	current, err := r.Get(ctx)
	if err != nil {
		return err
	}
	if current.Version != state.Version {
		return ErrVersionConflict
	}

	next := *state
	next.Version = state.Version + 1
	next.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := r.store.Set(ctx, stateKey, data); err != nil {
		return fmt.Errorf("failed to update state: %w", err)
	}

	state.Version = next.Version
	state.UpdatedAt = next.UpdatedAt
	return nil
}
