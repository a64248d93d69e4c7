package engine

import (
	"netual/internal/link"
)

// State is the engine lifecycle phase.
type State int

const (
	Idle State = iota
	Registering
	LinksOpening
	Active
	Stopping
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Registering:
		return "registering"
	case LinksOpening:
		return "links_opening"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	case Error:
		return "error"
	}
	return "unknown"
}

// Upward-facing status names.
const (
	StatusIdle          = "idle"
	StatusConnecting    = "connecting"
	StatusConnected     = "connected"
	StatusDisconnecting = "disconnecting"
	StatusError         = "error"
)

var transitions = map[State][]State{
	Idle:         {Registering},
	Registering:  {LinksOpening, Error, Stopping},
	LinksOpening: {Active, Error, Stopping},
	Active:       {Stopping, Error},
	Stopping:     {Idle},
	Error:        {Idle},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// upward maps an internal state to the status reported to the UI. A
// failed attempt keeps reporting error until the next one starts.
func upward(s State, lastErr error) string {
	switch s {
	case Registering, LinksOpening:
		return StatusConnecting
	case Active:
		return StatusConnected
	case Stopping:
		return StatusDisconnecting
	case Error:
		return StatusError
	}
	if lastErr != nil {
		return StatusError
	}
	return StatusIdle
}

// Session identifies one registered connection attempt.
type Session struct {
	ID          uint32 `json:"id"`
	Server      string `json:"server"`
	DataPort    int    `json:"data_port"`
	ControlPort int    `json:"control_port"`
}

type LinkStatus struct {
	Name  string `json:"name"`
	Local string `json:"local"`
	State string `json:"state"`
	link.Stats
}

// Status is a snapshot of the engine for callers and the status API.
type Status struct {
	State     string       `json:"state"`
	Phase     string       `json:"phase"`
	Reason    string       `json:"reason,omitempty"`
	Attempt   string       `json:"attempt,omitempty"`
	SessionID uint32       `json:"session_id"`
	Server    string       `json:"server,omitempty"`
	Sent      uint64       `json:"sent"`
	Dropped   uint64       `json:"dropped"`
	Links     []LinkStatus `json:"links"`
}
