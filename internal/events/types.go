// Package events defines event types and enumerations for the netplay event system.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Session lifecycle events
	EventSessionStarted EventType = "session_started"
	EventSessionEnded   EventType = "session_ended"

	// Synchronization events
	EventPingMeasured    EventType = "ping_measured"
	EventSnapshotSent    EventType = "snapshot_sent"
	EventSnapshotApplied EventType = "snapshot_applied"
	EventSnapshotDropped EventType = "snapshot_dropped"
	EventResync          EventType = "resync"
	EventGarbageFrame    EventType = "garbage_frame"

	// Monitoring events
	EventLatencyAlert EventType = "latency_alert"

	// System events
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// Role identifies which side of the match a peer plays.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// String returns the lowercase role name.
func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// MarshalJSON serializes Role as a JSON string (e.g. "server").
func (r Role) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// ParseRole converts a configuration value into a Role.
func ParseRole(s string) (Role, bool) {
	switch s {
	case "server":
		return RoleServer, true
	case "client":
		return RoleClient, true
	default:
		return RoleServer, false
	}
}

// SessionState is the lifecycle state of a netplay session.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionRunning
	SessionTerminating
	SessionStopped
)

// sessionStateStrings maps SessionState values to their lowercase JSON string representation.
var sessionStateStrings = map[SessionState]string{
	SessionIdle:        "idle",
	SessionRunning:     "running",
	SessionTerminating: "terminating",
	SessionStopped:     "stopped",
}

// String returns the string representation of SessionState.
func (s SessionState) String() string {
	if str, ok := sessionStateStrings[s]; ok {
		return str
	}
	return "idle"
}

// MarshalJSON serializes SessionState as a JSON string (e.g. "running").
func (s SessionState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// AlertLevel grades a latency alert.
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// SessionStartedPayload is emitted once the session tasks are running.
type SessionStartedPayload struct {
	Role Role
	Peer string
}

// SessionEndedPayload is emitted when both session tasks have exited.
type SessionEndedPayload struct {
	Role  Role
	Ticks uint32
	Error string
}

// PingPayload carries one round-trip measurement.
type PingPayload struct {
	ID  uint16
	RTT time.Duration
}

// SnapshotPayload describes a World snapshot sent or applied.
type SnapshotPayload struct {
	Tick       uint32
	Size       int
	Compressed int
}

// SnapshotDroppedPayload describes a snapshot that was not used.
type SnapshotDroppedPayload struct {
	Tick   uint32
	Reason string
}

// ResyncPayload describes one rollback: state restored at FromTick and
// replayed forward to ToTick.
type ResyncPayload struct {
	FromTick uint32
	ToTick   uint32
	Replayed uint32
}

// GarbageFramePayload reports bytes discarded while re-aligning on the magic.
type GarbageFramePayload struct {
	Skipped int
}

// LatencyAlertPayload is emitted when RTT crosses a configured threshold.
type LatencyAlertPayload struct {
	Level     AlertLevel
	RTT       time.Duration
	Threshold time.Duration
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}
