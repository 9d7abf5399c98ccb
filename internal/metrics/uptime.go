package metrics

import (
	"math"
	"time"

	"sessionkeeper/internal/models"
)

// Availability summarises connectivity over a time window.
type Availability struct {
	WindowStart        string  `json:"window_start"`
	WindowEnd          string  `json:"window_end"`
	UptimePercent      float64 `json:"uptime_percent"`
	Outages            int     `json:"outages"`
	OfflineSeconds     int     `json:"offline_seconds"`
	LongestOutageSec   int     `json:"longest_outage_seconds"`
	PreservedSessions  int     `json:"preserved_sessions"`
	LastOutageEnded    string  `json:"last_outage_ended,omitempty"`
	CurrentlyOffline   bool    `json:"currently_offline"`
	CurrentOutageStart string  `json:"current_outage_start,omitempty"`
}

// ComputeAvailability aggregates closed outages, plus an optional ongoing
// outage starting at openSince, over [start, end].
func ComputeAvailability(outages []models.Outage, openSince *time.Time, start, end time.Time) Availability {
	if !end.After(start) {
		end = start.Add(time.Minute)
	}

	result := Availability{
		WindowStart: start.UTC().Format(time.RFC3339),
		WindowEnd:   end.UTC().Format(time.RFC3339),
	}

	var offline time.Duration
	var lastEnd time.Time
	for _, o := range outages {
		overlap := clip(o.Start, o.End, start, end)
		if overlap <= 0 {
			continue
		}
		result.Outages++
		offline += overlap
		if secs := int(overlap / time.Second); secs > result.LongestOutageSec {
			result.LongestOutageSec = secs
		}
		if o.SessionPreserved {
			result.PreservedSessions++
		}
		if o.End.After(lastEnd) {
			lastEnd = o.End
		}
	}
	if openSince != nil {
		result.CurrentlyOffline = true
		result.CurrentOutageStart = openSince.UTC().Format(time.RFC3339)
		if overlap := clip(*openSince, end, start, end); overlap > 0 {
			offline += overlap
			if secs := int(overlap / time.Second); secs > result.LongestOutageSec {
				result.LongestOutageSec = secs
			}
		}
	}

	window := end.Sub(start)
	if offline > window {
		offline = window
	}
	result.OfflineSeconds = int(offline / time.Second)
	result.UptimePercent = round2(float64(window-offline) / float64(window) * 100)
	if !lastEnd.IsZero() {
		result.LastOutageEnded = lastEnd.UTC().Format(time.RFC3339)
	}
	return result
}

func clip(aStart, aEnd, wStart, wEnd time.Time) time.Duration {
	if aStart.Before(wStart) {
		aStart = wStart
	}
	if aEnd.After(wEnd) {
		aEnd = wEnd
	}
	if !aEnd.After(aStart) {
		return 0
	}
	return aEnd.Sub(aStart)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
