package models

import (
	"time"
)

type DeviceType string

const (
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
	DeviceDesktop DeviceType = "desktop"
)

type ScreenMetrics struct {
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	PixelRatio float64 `json:"pixelRatio"`
}

// Device is the descriptor registered with the account. Field names follow
// the server contract.
type Device struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	DeviceType DeviceType    `json:"type"`
	Browser    string        `json:"browser"`
	OS         string        `json:"os"`
	Screen     ScreenMetrics `json:"screen"`
	LastActive time.Time     `json:"lastActive"`
}

// ClassifyScreen guesses the device type from the shorter screen edge.
func ClassifyScreen(s ScreenMetrics) DeviceType {
	edge := s.Width
	if s.Height > 0 && s.Height < edge {
		edge = s.Height
	}
	switch {
	case edge == 0:
		return DeviceDesktop
	case edge < 600:
		return DeviceMobile
	case edge < 1024:
		return DeviceTablet
	default:
		return DeviceDesktop
	}
}
