package models

import (
	"encoding/json"
	"time"
)

type Resolution string

const (
	ResolutionUnresolved Resolution = "unresolved"
	ResolutionLocal      Resolution = "local"
	ResolutionRemote     Resolution = "remote"
	ResolutionMerge      Resolution = "merge"
)

// Valid reports whether r is one a caller may request.
func (r Resolution) Valid() bool {
	return r == ResolutionLocal || r == ResolutionRemote || r == ResolutionMerge
}

// SyncConflict is a divergence between local and server state reported by a
// device sync. Field names the preference key the values belong to.
type SyncConflict struct {
	ID          string          `json:"id"`
	Field       string          `json:"field"`
	LocalValue  json.RawMessage `json:"localValue"`
	RemoteValue json.RawMessage `json:"remoteValue"`
	MergedValue json.RawMessage `json:"mergedValue,omitempty"`
	Resolution  Resolution      `json:"resolution"`
	DetectedAt  time.Time       `json:"detectedAt"`
}
