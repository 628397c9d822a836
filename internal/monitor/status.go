package monitor

import "time"

// State is the monitor's position in its connection lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StatePolling      State = "polling"
	StateIdle         State = "idle"
	StateError        State = "error"
)

// Status is a point-in-time snapshot of the poll loop, served by the ops
// API and published to the optional status cache after every cycle.
type Status struct {
	State             State     `json:"state"`
	Enabled           bool      `json:"enabled"`
	LastCycleAt       time.Time `json:"last_cycle_at"`
	CycleCount        uint64    `json:"cycle_count"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastError         string    `json:"last_error,omitempty"`
	AlertsStored      int       `json:"alerts_stored"`
	Rules             int       `json:"rules"`
}

// Disabled returns the snapshot served when the poll loop is switched off.
func Disabled() Status {
	return Status{State: StateDisconnected, Enabled: false}
}
