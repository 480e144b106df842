package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/sujal-goel/bank-automation-system-sub003/internal/apperrors"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/models"
)

const mutationPrefix = "mutation:"

type KVMutationRepository struct {
	store  KeyValueStore
	logger *slog.Logger
}

func NewKVMutationRepository(store KeyValueStore) *KVMutationRepository {
	return &KVMutationRepository{store: store, logger: slog.Default()}
}

func (r *KVMutationRepository) Save(ctx context.Context, mutation *models.QueuedMutation) error {
	data, err := json.Marshal(mutation)
	if err != nil {
		return fmt.Errorf("failed to marshal mutation: %w", err)
	}
	if err := r.store.Set(ctx, mutationPrefix+mutation.Key, data); err != nil {
		return fmt.Errorf("failed to save mutation: %w", err)
	}
	return nil
}

func (r *KVMutationRepository) GetByKey(ctx context.Context, key string) (*models.QueuedMutation, error) {
	data, err := r.store.Get(ctx, mutationPrefix+key)
	if err != nil {
		return nil, err
	}
	var m models.QueuedMutation
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal mutation: %w", err)
	}
	return &m, nil
}

// List returns all stored mutations oldest first. Records that fail to
// decode are logged and left in storage for inspection.
func (r *KVMutationRepository) List(ctx context.Context) ([]*models.QueuedMutation, error) {
	entries, err := r.store.Scan(ctx, mutationPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list mutations: %w", err)
	}

	mutations := make([]*models.QueuedMutation, 0, len(entries))
	for key, data := range entries {
		var m models.QueuedMutation
		if err := json.Unmarshal(data, &m); err != nil {
			r.logger.Error("unreadable queued mutation", "key", key, "error", apperrors.Protocol("decode mutation", err))
			continue
		}
		mutations = append(mutations, &m)
	}
	SortMutations(mutations)
	return mutations, nil
}

func (r *KVMutationRepository) Delete(ctx context.Context, key string) error {
	if err := r.store.Delete(ctx, mutationPrefix+key); err != nil {
		return fmt.Errorf("failed to delete mutation: %w", err)
	}
	return nil
}

// SortMutations orders by enqueue sequence, then key. The wall clock plays no
// part: it can step backwards between enqueues.
func SortMutations(mutations []*models.QueuedMutation) {
	sort.SliceStable(mutations, func(i, j int) bool {
		a, b := mutations[i], mutations[j]
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.Key < b.Key
	})
}
