package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/apperrors"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/models"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/repositories"
)

// MutationQueue records user writes durably until the server confirms them.
// It never retries anything itself; SyncEngine owns retries.
//
// The queue keeps an in-memory mirror of the repository. Writes go to both,
// and a failed storage write only costs durability across restarts, never
// the entry itself.
type MutationQueue struct {
	repo   repositories.MutationRepository
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*models.QueuedMutation
	lastSeq uint64

	// persistMu serializes storage writes so a stale copy never overwrites
	// a newer one.
	persistMu sync.Mutex
}

// NewMutationQueue loads previously persisted entries from repo.
func NewMutationQueue(ctx context.Context, repo repositories.MutationRepository) *MutationQueue {
	q := &MutationQueue{
		repo:    repo,
		logger:  slog.Default(),
		now:     time.Now,
		entries: make(map[string]*models.QueuedMutation),
	}

	stored, err := repo.List(ctx)
	if err != nil {
		q.logger.Error("failed to load queued mutations", "error", err)
		return q
	}
	for _, m := range stored {
		q.entries[m.Key] = m
		q.lastSeq = max(q.lastSeq, m.Seq)
	}
	if len(stored) > 0 {
		q.logger.Info("restored queued mutations", "count", len(stored))
	}
	return q
}

// Enqueue records a form submission and returns its key. It always succeeds.
func (q *MutationQueue) Enqueue(ctx context.Context, formID string, data any) string {
	key := newMutationKey()

	payload, err := json.Marshal(data)
	if err != nil {
		// Keep the entry so the caller's write is not lost; the server will
		// reject a null payload visibly rather than the client dropping it.
		q.logger.Error("failed to encode mutation payload", "form_id", formID, "error", err)
		payload = json.RawMessage("null")
	}

	m := &models.QueuedMutation{
		Key:       key,
		FormID:    formID,
		Payload:   payload,
		CreatedAt: q.now().UTC(),
	}

	q.mu.Lock()
	q.lastSeq++
	m.Seq = q.lastSeq
	q.entries[key] = m
	q.mu.Unlock()

	q.persist(ctx, key, "enqueue")
	return key
}

// List returns every entry, newest first.
func (q *MutationQueue) List() []models.QueuedMutation {
	all := q.sorted()
	out := make([]models.QueuedMutation, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, *all[i])
	}
	return out
}

// Pending returns unsynced entries in creation order.
func (q *MutationQueue) Pending() []models.QueuedMutation {
	var out []models.QueuedMutation
	for _, m := range q.sorted() {
		if !m.Synced {
			out = append(out, *m)
		}
	}
	return out
}

func (q *MutationQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, m := range q.entries {
		if !m.Synced {
			n++
		}
	}
	return n
}

// MarkSynced flags key as accepted by the server. Unknown and already-synced
// keys are ignored.
func (q *MutationQueue) MarkSynced(ctx context.Context, key string) {
	q.mu.Lock()
	m, ok := q.entries[key]
	if !ok || m.Synced {
		q.mu.Unlock()
		return
	}
	now := q.now().UTC()
	m.Synced = true
	m.SyncedAt = &now
	q.mu.Unlock()

	q.persist(ctx, key, "mark synced")
}

// PurgeSynced removes every synced entry and returns how many were removed.
func (q *MutationQueue) PurgeSynced(ctx context.Context) int {
	q.mu.Lock()
	var keys []string
	for k, m := range q.entries {
		if m.Synced {
			keys = append(keys, k)
			delete(q.entries, k)
		}
	}
	q.mu.Unlock()

	for _, k := range keys {
		q.remove(ctx, k)
	}
	return len(keys)
}

// Discard drops one entry whether or not it was synced. This is the user's
// explicit "throw this away" and the only way an unsynced entry leaves the
// queue.
func (q *MutationQueue) Discard(ctx context.Context, key string) bool {
	q.mu.Lock()
	_, ok := q.entries[key]
	delete(q.entries, key)
	q.mu.Unlock()

	if ok {
		q.remove(ctx, key)
	}
	return ok
}

func (q *MutationQueue) sorted() []*models.QueuedMutation {
	q.mu.Lock()
	all := make([]*models.QueuedMutation, 0, len(q.entries))
	for _, m := range q.entries {
		c := *m
		all = append(all, &c)
	}
	q.mu.Unlock()

	repositories.SortMutations(all)
	return all
}

// persist writes the current in-memory copy of key, if it still exists.
func (q *MutationQueue) persist(ctx context.Context, key, op string) {
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	q.mu.Lock()
	current, ok := q.entries[key]
	if !ok {
		q.mu.Unlock()
		return
	}
	m := *current
	q.mu.Unlock()

	if err := q.repo.Save(ctx, &m); err != nil {
		q.logger.Error("mutation not persisted",
			"key", m.Key, "form_id", m.FormID,
			"error", apperrors.StorageWrite(op, err))
	}
}

func (q *MutationQueue) remove(ctx context.Context, key string) {
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	if err := q.repo.Delete(ctx, key); err != nil {
		q.logger.Error("mutation not removed from storage",
			"key", key, "error", apperrors.StorageWrite("purge", err))
	}
}

// newMutationKey returns a time-ordered key; UUIDv7 falls back to v4 only if
// the random source fails.
func newMutationKey() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

