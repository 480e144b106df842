package models

import (
	"encoding/json"
	"time"
)

// QueuedMutation is a user write recorded locally until the server accepts it.
// Seq orders the queue; CreatedAt is only the submission timestamp.
type QueuedMutation struct {
	Seq       uint64          `json:"seq"`
	Key       string          `json:"key"`
	FormID    string          `json:"form_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	Synced    bool            `json:"synced"`
	SyncedAt  *time.Time      `json:"synced_at,omitempty"`
}
