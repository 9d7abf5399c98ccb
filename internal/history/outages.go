package history

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sessionkeeper/internal/models"
)

// OutageSink stores closed outages.
type OutageSink interface {
	Append(models.Outage) (models.Outage, error)
}

// OutageTracker turns connectivity transitions into outage records.
type OutageTracker struct {
	sink      OutageSink
	preserved func() bool
	log       *logrus.Entry

	mu        sync.RWMutex
	openSince *time.Time
	source    models.Source
	kept      bool
}

// NewOutageTracker records into sink. preserved is sampled when an outage
// begins; it may be nil.
func NewOutageTracker(sink OutageSink, preserved func() bool, log *logrus.Entry) *OutageTracker {
	return &OutageTracker{sink: sink, preserved: preserved, log: log}
}

// Seed opens an outage at now when the device is already offline.
func (t *OutageTracker) Seed(state models.ConnectivityState, now time.Time) {
	if !state.IsOffline {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openSince == nil {
		t.openSince = &now
		t.source = models.SourceOS
		t.kept = t.preserved != nil && t.preserved()
	}
}

// Observe is a transition subscriber.
func (t *OutageTracker) Observe(tr models.Transition) {
	if tr.To == models.StatusOffline {
		t.mu.Lock()
		at := tr.At
		t.openSince = &at
		t.source = tr.Source
		t.kept = t.preserved != nil && t.preserved()
		t.mu.Unlock()
		return
	}

	t.mu.Lock()
	if t.openSince == nil {
		t.mu.Unlock()
		return
	}
	// The span is measured from the outage start; the transition's
	// OfflineDuration counts from the last confirmed online moment instead.
	seconds := int(tr.At.Sub(*t.openSince) / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	outage := models.Outage{
		Start:            *t.openSince,
		End:              tr.At,
		DurationSeconds:  seconds,
		Source:           t.source,
		SessionPreserved: t.kept,
	}
	t.openSince = nil
	t.mu.Unlock()

	stored, err := t.sink.Append(outage)
	if err != nil {
		t.log.WithError(err).Warn("Failed to record outage")
		return
	}
	t.log.WithFields(logrus.Fields{
		"outage_id": stored.ID,
		"seconds":   stored.DurationSeconds,
	}).Debug("Outage recorded")
}

// OpenSince returns the start of the current outage, if any.
func (t *OutageTracker) OpenSince() *time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.openSince == nil {
		return nil
	}
	since := *t.openSince
	return &since
}
