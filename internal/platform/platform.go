// Package platform isolates host feature detection: the device descriptor,
// the connection-quality signal, and native notifications.
package platform

import (
	"os"
	"runtime"
	"sync"

	"github.com/sujal-goel/bank-automation-system-sub003/internal/models"
)

// ConnectionInfo is the raw link signal used to derive connection quality.
type ConnectionInfo struct {
	EffectiveType string  // "slow-2g", "2g", "3g", "4g"
	DownlinkMbps  float64 // estimated throughput
	RTTMillis     int     // estimated round-trip time
}

type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionDefault Permission = "default"
)

// Capabilities is everything the continuity layer asks of the host.
type Capabilities interface {
	DeviceInfo() models.Device
	// ConnectionInfo reports false when the host exposes no link signal.
	ConnectionInfo() (ConnectionInfo, bool)
	NotificationPermission() Permission
	Notify(title, body string) error
}

// Headless has no signals and never raises native notifications.
type Headless struct{}

func (Headless) DeviceInfo() models.Device {
	return models.Device{Name: "headless", DeviceType: models.DeviceDesktop, OS: runtime.GOOS}
}

func (Headless) ConnectionInfo() (ConnectionInfo, bool) { return ConnectionInfo{}, false }
func (Headless) NotificationPermission() Permission { return PermissionDenied }
func (Headless) Notify(title, body string) error { return nil }

// Host describes the machine the runner executes on.
type Host struct {
	Browser string
}

func (h Host) DeviceInfo() models.Device {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "unknown-host"
	}
	browser := h.Browser
	if browser == "" {
		browser = "continuity/" + runtime.Version()
	}
	return models.Device{
		Name:       name,
		DeviceType: models.DeviceDesktop,
		Browser:    browser,
		OS:         runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (Host) ConnectionInfo() (ConnectionInfo, bool) { return ConnectionInfo{}, false }
func (Host) NotificationPermission() Permission { return PermissionDenied }
func (Host) Notify(title, body string) error { return nil }

// Static returns fixed values and records native notifications. Used by
// tests and embedders that feed signals in from elsewhere.
type Static struct {
	mu         sync.Mutex
	Device     models.Device
	Connection *ConnectionInfo
	Permission Permission
	Sent       []string
}

func (s *Static) DeviceInfo() models.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Device
}

func (s *Static) ConnectionInfo() (ConnectionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Connection == nil {
		return ConnectionInfo{}, false
	}
	return *s.Connection, true
}

// SetConnection replaces the link signal; nil removes it.
func (s *Static) SetConnection(info *ConnectionInfo) {
	s.mu.Lock()
	s.Connection = info
	s.mu.Unlock()
}

func (s *Static) NotificationPermission() Permission {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Permission == "" {
		return PermissionDefault
	}
	return s.Permission
}

func (s *Static) Notify(title, body string) error {
	s.mu.Lock()
	s.Sent = append(s.Sent, title)
	s.mu.Unlock()
	return nil
}

// SentTitles returns a copy of the titles passed to Notify.
func (s *Static) SentTitles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Sent...)
}
