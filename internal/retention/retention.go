// Package retention prunes old probe samples and outage records on a cron
// schedule.
package retention

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"sessionkeeper/internal/errs"
)

// Pruner drops records older than cutoff and reports how many went.
type Pruner interface {
	Prune(cutoff time.Time) (int, error)
}

// Target is one history store with its maximum age.
type Target struct {
	Name   string
	Store  Pruner
	MaxAge time.Duration
}

// Job runs the pruning pass on schedule.
type Job struct {
	schedule string
	targets  []Target
	log      *logrus.Entry
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// New validates schedule (standard five-field or @every/@hourly style).
func New(schedule string, targets []Target, log *logrus.Entry, now func() time.Time) (*Job, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, errs.Wrap(err, errs.ErrCodeConfigInvalid, "parse retention schedule").WithDetail("schedule", schedule)
	}
	if now == nil {
		now = time.Now
	}
	return &Job{schedule: schedule, targets: targets, log: log, now: now}, nil
}

// Start schedules the job. Calling Start on a running job is a no-op.
func (j *Job) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(j.schedule, func() { j.RunOnce() }); err != nil {
		return errs.Wrap(err, errs.ErrCodeConfigInvalid, "schedule retention job")
	}
	c.Start()
	j.cron = c
	j.running = true
	return nil
}

// Stop unschedules the job and waits for a running pass to finish.
func (j *Job) Stop() {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.running = false
	j.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// RunOnce prunes every target immediately and returns the removed counts.
func (j *Job) RunOnce() map[string]int {
	now := j.now()
	removed := make(map[string]int, len(j.targets))
	for _, target := range j.targets {
		if target.MaxAge <= 0 || target.Store == nil {
			continue
		}
		n, err := target.Store.Prune(now.Add(-target.MaxAge))
		if err != nil {
			j.log.WithError(err).WithField("target", target.Name).Warn("Retention pass failed")
			continue
		}
		removed[target.Name] = n
		if n > 0 {
			j.log.WithFields(logrus.Fields{"target": target.Name, "removed": n}).Info("Pruned history")
		}
	}
	return removed
}
