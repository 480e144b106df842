package models

import (
	"encoding/json"
	"time"
)

// Push frame types sent by the server over a realtime channel.
const (
	EventDeviceConnected    = "device-connected"
	EventDeviceDisconnected = "device-disconnected"
	EventDataUpdated        = "data-updated"
	EventSessionTransferred = "session-transferred"
	EventNotification       = "notification"
)

// SyncEvent is one realtime frame.
type SyncEvent struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// DevicePresenceEvent is the payload of device-connected/device-disconnected.
type DevicePresenceEvent struct {
	DeviceID string `json:"deviceId"`
}

// DataUpdatedEvent carries authoritative state pushed after another device synced.
type DataUpdatedEvent struct {
	SourceDeviceID string                     `json:"sourceDeviceId"`
	Preferences    map[string]json.RawMessage `json:"preferences"`
}
