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
	"github.com/sujal-goel/bank-automation-system-sub003/internal/platform"
	"github.com/sujal-goel/bank-automation-system-sub003/internal/repositories"
)

const DefaultNotificationCap = 100

// NotificationSnapshot is the public state rendered by toast and bell widgets.
type NotificationSnapshot struct {
	Items       []models.Notification
	UnreadCount int
}

// NotificationStore is the bounded in-app inbox, newest first. Only
// persistent notifications are written to storage and restored on start.
type NotificationStore struct {
	repo     repositories.NotificationRepository
	platform platform.Capabilities
	capacity int
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	items     []*models.Notification
	timers    map[string]*time.Timer
	listeners map[int]func(NotificationSnapshot)
	nextSub   int
	closed    bool
}

func NewNotificationStore(ctx context.Context, repo repositories.NotificationRepository, caps platform.Capabilities, capacity int) *NotificationStore {
	if caps == nil {
		caps = platform.Headless{}
	}
	if capacity <= 0 {
		capacity = DefaultNotificationCap
	}
	s := &NotificationStore{
		repo:      repo,
		platform:  caps,
		capacity:  capacity,
		logger:    slog.Default(),
		now:       time.Now,
		timers:    make(map[string]*time.Timer),
		listeners: make(map[int]func(NotificationSnapshot)),
	}

	if repo == nil {
		return s
	}
	stored, err := repo.List(ctx)
	if err != nil {
		s.logger.Error("failed to load notifications", "error", err)
		return s
	}
	for _, n := range stored {
		if !n.Persistent {
			continue
		}
		if len(s.items) == s.capacity {
			break
		}
		s.items = append(s.items, n)
	}
	return s
}

// Add inserts n at the head of the inbox and returns it with id and
// timestamp filled in. A notification with an existing id replaces it.
func (s *NotificationStore) Add(ctx context.Context, n models.Notification) models.Notification {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = s.now().UTC()
	}
	if !validNotificationType(n.Type) {
		n.Type = models.NotificationInfo
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return n
	}
	s.removeLocked(ctx, n.ID, !n.Persistent)

	item := n
	s.items = append([]*models.Notification{&item}, s.items...)
	for len(s.items) > s.capacity {
		s.evictLocked(ctx)
	}
	if n.Persistent {
		s.saveLocked(ctx, &item)
	}
	if n.AutoHideMs > 0 {
		s.timers[n.ID] = time.AfterFunc(time.Duration(n.AutoHideMs)*time.Millisecond, func() {
			s.expire(&item)
		})
	}
	snap, listeners := s.snapshotLocked()
	s.mu.Unlock()

	if !n.Read && s.platform.NotificationPermission() == platform.PermissionGranted {
		if err := s.platform.Notify(n.Title, n.Message); err != nil {
			s.logger.Warn("native notification failed", "id", n.ID, "error", err)
		}
	}
	s.publish(snap, listeners)
	return n
}

// MarkAsRead flags one notification as read. Reports whether it exists.
func (s *NotificationStore) MarkAsRead(ctx context.Context, id string) bool {
	s.mu.Lock()
	n := s.findLocked(id)
	if n == nil {
		s.mu.Unlock()
		return false
	}
	if n.Read {
		s.mu.Unlock()
		return true
	}
	n.Read = true
	if n.Persistent {
		s.saveLocked(ctx, n)
	}
	snap, listeners := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap, listeners)
	return true
}

// MarkAllAsRead flags every notification as read and returns how many changed.
func (s *NotificationStore) MarkAllAsRead(ctx context.Context) int {
	s.mu.Lock()
	changed := 0
	for _, n := range s.items {
		if n.Read {
			continue
		}
		n.Read = true
		changed++
		if n.Persistent {
			s.saveLocked(ctx, n)
		}
	}
	if changed == 0 {
		s.mu.Unlock()
		return 0
	}
	snap, listeners := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap, listeners)
	return changed
}

// Remove dismisses a notification, persistent or not.
func (s *NotificationStore) Remove(ctx context.Context, id string) bool {
	s.mu.Lock()
	ok := s.removeLocked(ctx, id, true)
	if !ok {
		s.mu.Unlock()
		return false
	}
	snap, listeners := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap, listeners)
	return true
}

// ClearAll removes every notification, or only the non-persistent ones.
func (s *NotificationStore) ClearAll(ctx context.Context, onlyNonPersistent bool) int {
	s.mu.Lock()
	var keep []*models.Notification
	removed := 0
	for _, n := range s.items {
		if onlyNonPersistent && n.Persistent {
			keep = append(keep, n)
			continue
		}
		s.forgetLocked(ctx, n)
		removed++
	}
	s.items = keep
	snap, listeners := s.snapshotLocked()
	s.mu.Unlock()

	if removed > 0 {
		s.publish(snap, listeners)
	}
	return removed
}

func (s *NotificationStore) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadLocked()
}

func (s *NotificationStore) Snapshot() NotificationSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, _ := s.snapshotLocked()
	return snap
}

// Subscribe registers fn for every change and returns a function that
// removes it.
func (s *NotificationStore) Subscribe(fn func(NotificationSnapshot)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// HandleEvent adds a notification pushed by the server.
func (s *NotificationStore) HandleEvent(ctx context.Context, event models.SyncEvent) error {
	var n models.Notification
	if err := json.Unmarshal(event.Data, &n); err != nil {
		return apperrors.Protocol("notification push", err)
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = event.Timestamp
	}
	s.Add(ctx, n)
	return nil
}

// Close stops every auto-hide timer. Later calls to Add are ignored.
func (s *NotificationStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// expire auto-hides item. A timer that fired after item was replaced under the
// same id finds a different entry and leaves it alone.
func (s *NotificationStore) expire(item *models.Notification) {
	ctx := context.Background()

	s.mu.Lock()
	if s.closed || s.findLocked(item.ID) != item {
		s.mu.Unlock()
		return
	}
	delete(s.timers, item.ID)
	if !s.removeLocked(ctx, item.ID, true) {
		s.mu.Unlock()
		return
	}
	snap, listeners := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap, listeners)
}

// evictLocked drops the oldest non-persistent notification, or the oldest
// one outright when everything older than the newest is persistent.
func (s *NotificationStore) evictLocked(ctx context.Context) {
	victim := len(s.items) - 1
	for i := len(s.items) - 1; i >= 1; i-- {
		if !s.items[i].Persistent {
			victim = i
			break
		}
	}
	n := s.items[victim]
	s.items = append(s.items[:victim], s.items[victim+1:]...)
	s.forgetLocked(ctx, n)
}

func (s *NotificationStore) removeLocked(ctx context.Context, id string, fromStorage bool) bool {
	for i, n := range s.items {
		if n.ID != id {
			continue
		}
		s.items = append(s.items[:i], s.items[i+1:]...)
		if fromStorage {
			s.forgetLocked(ctx, n)
		} else {
			s.stopTimerLocked(n.ID)
		}
		return true
	}
	return false
}

func (s *NotificationStore) forgetLocked(ctx context.Context, n *models.Notification) {
	s.stopTimerLocked(n.ID)
	if n.Persistent && s.repo != nil {
		if err := s.repo.Delete(ctx, n.ID); err != nil {
			s.logger.Error("notification not removed from storage", "id", n.ID, "error", apperrors.StorageWrite("delete notification", err))
		}
	}
}

func (s *NotificationStore) stopTimerLocked(id string) {
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *NotificationStore) saveLocked(ctx context.Context, n *models.Notification) {
	if s.repo == nil {
		return
	}
	if err := s.repo.Save(ctx, n); err != nil {
		s.logger.Error("notification not persisted", "id", n.ID, "error", apperrors.StorageWrite("save notification", err))
	}
}

func (s *NotificationStore) findLocked(id string) *models.Notification {
	for _, n := range s.items {
		if n.ID == id {
			return n
		}
	}
	return nil
}

func (s *NotificationStore) unreadLocked() int {
	unread := 0
	for _, n := range s.items {
		if !n.Read {
			unread++
		}
	}
	return unread
}

func (s *NotificationStore) snapshotLocked() (NotificationSnapshot, []func(NotificationSnapshot)) {
	items := make([]models.Notification, len(s.items))
	for i, n := range s.items {
		items[i] = *n
	}
	listeners := make([]func(NotificationSnapshot), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	return NotificationSnapshot{Items: items, UnreadCount: s.unreadLocked()}, listeners
}

func (s *NotificationStore) publish(snap NotificationSnapshot, listeners []func(NotificationSnapshot)) {
	for _, fn := range listeners {
		fn(snap)
	}
}

func validNotificationType(t models.NotificationType) bool {
	switch t {
	case models.NotificationInfo, models.NotificationSuccess, models.NotificationWarning, models.NotificationError:
		return true
	}
	return false
}
