package history

import (
	"sort"
	"time"

	"sessionkeeper/internal/models"
)

const (
	// DefaultTimelinePoints controls how many dots we generate per timeline.
	DefaultTimelinePoints = 80
	maxDetailsPerPoint    = 4
)

type span struct {
	start, end time.Time
}

// BuildConnectivityTimeline reduces probe samples into compact timeline
// points. Buckets overlapping an outage are marked offline even when no probe
// landed in them, since OS notifications also end and begin outages.
func BuildConnectivityTimeline(target string, entries []models.ProbeSample, outages []models.Outage, openSince *time.Time, start, end time.Time, points int) models.ConnectivityTimeline {
	if points <= 0 {
		points = DefaultTimelinePoints
	}
	if !end.After(start) {
		end = start.Add(time.Minute)
	}

	samples := make([]models.ProbeSample, 0, len(entries))
	for _, entry := range entries {
		if entry.CheckedAt.IsZero() {
			continue
		}
		samples = append(samples, entry)
	}
	sort.Slice(samples, func(i, j int) bool {
		return samples[i].CheckedAt.Before(samples[j].CheckedAt)
	})

	offline := make([]span, 0, len(outages)+1)
	for _, o := range outages {
		offline = append(offline, span{o.Start, o.End})
	}
	if openSince != nil {
		offline = append(offline, span{*openSince, end})
	}

	bucketDuration := end.Sub(start) / time.Duration(points)
	if bucketDuration <= 0 {
		bucketDuration = time.Minute
	}

	gapThreshold := deriveProbeGap(samples)

	result := make([]models.TimelinePoint, 0, points)
	idx := 0
	var last models.ProbeSample
	var haveLast bool
	for idx < len(samples) && samples[idx].CheckedAt.Before(start) {
		last = samples[idx]
		haveLast = true
		idx++
	}

	for i := 0; i < points; i++ {
		bucketStart := start.Add(time.Duration(i) * bucketDuration)
		bucketEnd := bucketStart.Add(bucketDuration)
		if i == points-1 {
			bucketEnd = end
		}

		point := models.TimelinePoint{
			ClassName: "state-missing",
			Label:     "No data",
			Start:     bucketStart,
			End:       bucketEnd,
		}

		var bucketSamples []models.ProbeSample
		for idx < len(samples) && !samples[idx].CheckedAt.After(bucketEnd) {
			last = samples[idx]
			haveLast = true
			bucketSamples = append(bucketSamples, samples[idx])
			idx++
		}

		var details []models.TimelineDetail
		switch {
		case len(bucketSamples) > 0:
			point.ClassName, point.Label = probeClass(bucketSamples[len(bucketSamples)-1])
			for _, s := range bucketSamples {
				if len(details) >= maxDetailsPerPoint {
					break
				}
				details = append(details, probeDetail(s))
			}
		case haveLast && bucketStart.Sub(last.CheckedAt) <= gapThreshold:
			point.ClassName, point.Label = probeClass(last)
			detail := probeDetail(last)
			detail.Timestamp = bucketStart
			details = append(details, detail)
		}

		if overlapsAny(offline, bucketStart, bucketEnd) && point.ClassName != "state-error" {
			point.ClassName, point.Label = "state-error", "Offline"
			details = []models.TimelineDetail{{Timestamp: bucketStart, State: "offline"}}
		}

		if point.ClassName != "state-missing" && len(details) > 0 {
			point.Details = details
		}
		result = append(result, point)
	}

	return models.ConnectivityTimeline{Target: target, Timeline: result}
}

func overlapsAny(spans []span, start, end time.Time) bool {
	for _, s := range spans {
		if s.start.Before(end) && s.end.After(start) {
			return true
		}
	}
	return false
}

func deriveProbeGap(samples []models.ProbeSample) time.Duration {
	const defaultGap = 5 * time.Minute
	if len(samples) < 2 {
		return defaultGap
	}
	diffs := make([]time.Duration, 0, len(samples)-1)
	prev := samples[0].CheckedAt
	for i := 1; i < len(samples); i++ {
		curr := samples[i].CheckedAt
		if curr.After(prev) {
			diffs = append(diffs, curr.Sub(prev))
		}
		prev = curr
	}
	if len(diffs) == 0 {
		return defaultGap
	}
	sort.Slice(diffs, func(i, j int) bool {
		return diffs[i] < diffs[j]
	})
	median := diffs[len(diffs)/2]
	if median <= 0 {
		return defaultGap
	}
	gap := median * 2
	if gap < time.Minute {
		return time.Minute
	}
	if gap > 2*time.Hour {
		return 2 * time.Hour
	}
	return gap
}

func probeDetail(s models.ProbeSample) models.TimelineDetail {
	return models.TimelineDetail{
		Timestamp: s.CheckedAt,
		State:     probeState(s),
		Source:    s.Source,
		Error:     s.Error,
	}
}

func probeState(s models.ProbeSample) string {
	if s.OK {
		return "online"
	}
	if s.Error != "" {
		return "offline"
	}
	return "unknown"
}

func probeClass(s models.ProbeSample) (className, label string) {
	switch {
	case s.OK:
		return "state-success", "Reachable"
	case s.Error != "":
		return "state-error", "Unreachable"
	default:
		return "state-warning", "Unknown"
	}
}
