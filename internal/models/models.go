package models

import "time"

// SessionSnapshot is the route and credential captured when connectivity is lost.
type SessionSnapshot struct {
	Route      string    `json:"route"`
	Credential string    `json:"-"`
	CapturedAt time.Time `json:"captured_at"`
}

// ContinuityState is the read-only view exposed to the loader UI and diagnostics.
type ContinuityState struct {
	IsOffline        bool       `json:"is_offline"`
	LastOnlineTime   *time.Time `json:"last_online_time"`
	OfflineDuration  int        `json:"offline_duration"`
	SessionPreserved bool       `json:"session_preserved"`
	LastRoute        *string    `json:"last_route"`
}

// Outage records one closed offline period.
type Outage struct {
	ID               string    `json:"id"`
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	DurationSeconds  int       `json:"duration_seconds"`
	Source           Source    `json:"source"`
	SessionPreserved bool      `json:"session_preserved"`
}
