package service

import "errors"

var (
	ErrSessionNotFound  = errors.New("no watch session for device")
	ErrSessionStopping  = errors.New("session is stopping, retry later")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrUnknownField     = errors.New("not a numeric field of the current window")
)

// WebSocketBroadcaster interface to avoid import cycle
type WebSocketBroadcaster interface {
	BroadcastToDevice(deviceID string, message interface{})
	BroadcastToAll(message interface{})
}

const (
	EventDevices    = "devices"
	EventDeviceView = "device_view"
	EventSchedules  = "schedules"
)

// Event is a JSON push message.
type Event struct {
	Type     string      `json:"type"`
	DeviceID string      `json:"device_id,omitempty"`
	Data     interface{} `json:"data"`
}
