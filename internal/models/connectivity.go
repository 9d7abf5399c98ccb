package models

import "time"

// Status is the connectivity belief derived from one or more signals.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// StatusFromOffline maps an isOffline flag to a Status.
func StatusFromOffline(offline bool) Status {
	if offline {
		return StatusOffline
	}
	return StatusOnline
}

// Source names the signal that produced a candidate status.
type Source string

const (
	SourceOS         Source = "os"
	SourceProbe      Source = "probe"
	SourceForeground Source = "foreground"
	SourceManual     Source = "manual"
)

// ConnectivityState is the monitor's current belief about reachability.
type ConnectivityState struct {
	IsOffline       bool       `json:"is_offline"`
	LastOnlineTime  *time.Time `json:"last_online_time"`
	OfflineDuration int        `json:"offline_duration"`
}

// Transition is emitted whenever IsOffline changes value.
type Transition struct {
	From            Status    `json:"from"`
	To              Status    `json:"to"`
	Source          Source    `json:"source"`
	At              time.Time `json:"at"`
	OfflineDuration int       `json:"offline_duration"`
}

// ProbeSample captures the outcome of a reachability probe.
type ProbeSample struct {
	Target    string    `json:"target"`
	Source    Source    `json:"source"`
	OK        bool      `json:"ok"`
	LatencyMs int64     `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}
