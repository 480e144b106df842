package models

import (
	"encoding/json"
	"time"
)

// SessionData is the in-progress UI session handed from one device to another.
type SessionData struct {
	Location    string                     `json:"location"`
	Preferences map[string]json.RawMessage `json:"preferences,omitempty"`
	Timestamp   time.Time                  `json:"timestamp"`
}

type SessionTransfer struct {
	SourceDeviceID string      `json:"sourceDeviceId"`
	TargetDeviceID string      `json:"targetDeviceId"`
	SessionData    SessionData `json:"sessionData"`
}
