package models

import (
	"encoding/json"
	"time"
)

// LocalState is the device-local slice reconciled with the server on every
// sync: preferences, the session pointer and unsent form drafts. Version
// increments on each local write.
type LocalState struct {
	Preferences map[string]json.RawMessage `json:"preferences"`
	Session     SessionData                `json:"session"`
	FormData    map[string]json.RawMessage `json:"form_data"`
	Version     int64                      `json:"version"`
	UpdatedAt   time.Time                  `json:"updated_at"`
}

func NewLocalState() *LocalState {
	return &LocalState{
		Preferences: make(map[string]json.RawMessage),
		FormData:    make(map[string]json.RawMessage),
	}
}
