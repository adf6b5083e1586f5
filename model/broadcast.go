package model

import "time"

// SessionStatus is the lifecycle state of the broadcast relay session.
type SessionStatus string

const (
	SessionIdle         SessionStatus = "idle"
	SessionConnecting   SessionStatus = "connecting"
	SessionLive         SessionStatus = "live"
	SessionError        SessionStatus = "error"
	SessionDisconnected SessionStatus = "disconnected"
)

// BroadcastSession describes the current relay session.
type BroadcastSession struct {
	ConnectionID string        `json:"connectionId,omitempty"`
	Status       SessionStatus `json:"status"`
	StartedAt    time.Time     `json:"startedAt,omitempty"`
	Attempts     int           `json:"attempts"`
	Terminal     bool          `json:"terminal"`
	LastError    string        `json:"lastError,omitempty"`
	FramesSent   int64         `json:"framesSent"`
	FramesDrop   int64         `json:"framesDropped"`
}

// Uptime returns how long the session has been live, 0 when not live.
func (s BroadcastSession) Uptime(now time.Time) time.Duration {
	if s.Status != SessionLive || s.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.StartedAt)
}

// Device is an audio input or output endpoint.
type Device struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"isDefault"`
}

// DeviceDirection tells inputs from outputs.
type DeviceDirection string

const (
	DeviceInput  DeviceDirection = "input"
	DeviceOutput DeviceDirection = "output"
)

// DeviceList is the enumerated device set with the current selection.
type DeviceList struct {
	Inputs         []Device `json:"inputs"`
	Outputs        []Device `json:"outputs"`
	SelectedInput  string   `json:"selectedInput,omitempty"`
	SelectedOutput string   `json:"selectedOutput,omitempty"`
}
