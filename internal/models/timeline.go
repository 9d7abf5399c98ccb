package models

import "time"

// TimelinePoint represents a single compact point in a connectivity timeline.
type TimelinePoint struct {
	ClassName string           `json:"className"`
	Label     string           `json:"label"`
	Start     time.Time        `json:"start"`
	End       time.Time        `json:"end"`
	Details   []TimelineDetail `json:"details,omitempty"`
}

// TimelineDetail carries extra information for problematic buckets.
type TimelineDetail struct {
	Timestamp time.Time `json:"timestamp"`
	State     string    `json:"state,omitempty"`
	Source    Source    `json:"source,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ConnectivityTimeline aggregates timeline points for one probe target.
type ConnectivityTimeline struct {
	Target   string          `json:"target"`
	Timeline []TimelinePoint `json:"timeline"`
}
