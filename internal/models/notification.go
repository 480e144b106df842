package models

import (
	"time"
)

type NotificationType string

const (
	NotificationInfo    NotificationType = "info"
	NotificationSuccess NotificationType = "success"
	NotificationWarning NotificationType = "warning"
	NotificationError   NotificationType = "error"
)

type Notification struct {
	ID         string            `json:"id"`
	Type       NotificationType  `json:"type"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	Timestamp  time.Time         `json:"timestamp"`
	Read       bool              `json:"read"`
	ActionURL  string            `json:"actionUrl,omitempty"`
	Persistent bool              `json:"persistent"`
	AutoHideMs int64             `json:"autoHideMs,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
