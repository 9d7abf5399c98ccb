package monitor

import (
	"context"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"sessionkeeper/internal/clock"
	"sessionkeeper/internal/errs"
	"sessionkeeper/internal/metrics"
	"sessionkeeper/internal/models"
	"sessionkeeper/internal/platform"
)

// ConnectivitySource exposes the monitor's belief to its consumers.
type ConnectivitySource interface {
	State() models.ConnectivityState
	Subscribe(fn func(models.Transition)) func()
	CheckConnectivity()
}

// Platform delivers OS reachability notifications and visibility changes.
type Platform interface {
	Online() bool
	Subscribe(fn func(platform.Event)) (func(), error)
}

// SampleRecorder persists resolved probe samples.
type SampleRecorder interface {
	Record(models.ProbeSample) error
}

// Settings controls probe cadence.
type Settings struct {
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	ForegroundSettle time.Duration
}

// Options carries optional collaborators.
type Options struct {
	Clock   clock.Clock
	Logger  *logrus.Entry
	Metrics *metrics.Collector
	Samples SampleRecorder
}

type inflight struct {
	cancel  context.CancelFunc
	timeout clock.Timer
}

// ConnectivityMonitor combines OS notifications, periodic probes and
// foreground probes into a single online/offline belief.
type ConnectivityMonitor struct {
	settings Settings
	prober   Prober
	platform Platform
	clock    clock.Clock
	log      *logrus.Entry
	metrics  *metrics.Collector
	samples  SampleRecorder

	mu    sync.RWMutex
	state models.ConnectivityState

	// applyMu serialises transition application and subscriber dispatch.
	applyMu sync.Mutex

	subMu   sync.RWMutex
	nextSub uint64
	subs    map[uint64]func(models.Transition)

	lifeMu     sync.Mutex
	running    bool
	nextID     uint64
	disposers  []func()
	settles    map[uint64]clock.Timer
	probes     map[uint64]*inflight
	active     atomic.Bool
	generation atomic.Uint64
}

var _ ConnectivitySource = (*ConnectivityMonitor)(nil)

// NewConnectivityMonitor seeds the state from the platform's online flag.
func NewConnectivityMonitor(settings Settings, prober Prober, p Platform, opts Options) *ConnectivityMonitor {
	if settings.ProbeInterval <= 0 {
		settings.ProbeInterval = 10 * time.Second
	}
	if settings.ProbeTimeout <= 0 {
		settings.ProbeTimeout = 5 * time.Second
	}
	if settings.ForegroundSettle < 0 {
		settings.ForegroundSettle = 0
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		opts.Logger = logrus.NewEntry(logger)
	}

	m := &ConnectivityMonitor{
		settings: settings,
		prober:   prober,
		platform: p,
		clock:    opts.Clock,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		samples:  opts.Samples,
		subs:     make(map[uint64]func(models.Transition)),
		settles:  make(map[uint64]clock.Timer),
		probes:   make(map[uint64]*inflight),
	}
	if p.Online() {
		now := m.clock.Now()
		m.state.LastOnlineTime = &now
	} else {
		m.state.IsOffline = true
	}
	return m
}

// Start subscribes to platform events and begins periodic probing. The
// first probe runs after one interval.
func (m *ConnectivityMonitor) Start() error {
	gen, err := m.start()
	if err != nil {
		return err
	}
	// The OS flag may have moved while the monitor was stopped.
	m.apply(gen, models.StatusFromOffline(!m.platform.Online()), models.SourceOS)
	return nil
}

func (m *ConnectivityMonitor) start() (gen uint64, err error) {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.running {
		return 0, errs.New(errs.ErrCodeAlreadyRunning, "connectivity monitor already running")
	}

	var acquired []func()
	defer func() {
		if err != nil {
			release(acquired)
		}
	}()

	gen = m.generation.Add(1)
	dispose, err := m.platform.Subscribe(func(e platform.Event) { m.handlePlatformEvent(gen, e) })
	if err != nil {
		return 0, errs.Wrap(err, errs.ErrCodeInternal, "subscribe to platform events")
	}
	acquired = append(acquired, dispose)
	acquired = append(acquired, clock.Every(m.clock, m.settings.ProbeInterval, func() {
		m.issueProbe(models.SourceProbe)
	}))

	m.disposers = acquired
	m.running = true
	m.active.Store(true)
	m.log.WithFields(logrus.Fields{
		"target":   m.prober.Target(),
		"interval": m.settings.ProbeInterval.String(),
		"offline":  m.State().IsOffline,
	}).Info("Connectivity monitor started")
	return gen, nil
}

// Stop releases the platform listener, every timer, and cancels outstanding
// probes. Results of probes resolving afterwards are discarded. Safe to call
// more than once.
func (m *ConnectivityMonitor) Stop() {
	m.lifeMu.Lock()
	if !m.running {
		m.lifeMu.Unlock()
		return
	}
	m.running = false
	m.active.Store(false)
	disposers := m.disposers
	settles := m.settles
	probes := m.probes
	m.disposers = nil
	m.settles = make(map[uint64]clock.Timer)
	m.probes = make(map[uint64]*inflight)
	m.lifeMu.Unlock()

	for _, t := range settles {
		t.Stop()
	}
	for _, p := range probes {
		p.timeout.Stop()
		p.cancel()
	}
	release(disposers)
	m.log.Info("Connectivity monitor stopped")
}

// Running reports whether Start has been called without a matching Stop.
func (m *ConnectivityMonitor) Running() bool {
	return m.active.Load()
}

// State returns a copy of the current belief.
func (m *ConnectivityMonitor) State() models.ConnectivityState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.state
	if m.state.LastOnlineTime != nil {
		t := *m.state.LastOnlineTime
		out.LastOnlineTime = &t
	}
	return out
}

// Subscribe registers fn for every future transition. The returned function
// unsubscribes and is idempotent.
func (m *ConnectivityMonitor) Subscribe(fn func(models.Transition)) func() {
	m.subMu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = fn
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
		})
	}
}

// Subscribers reports the number of registered transition listeners.
func (m *ConnectivityMonitor) Subscribers() int {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	return len(m.subs)
}

// InFlight reports the number of unresolved probes.
func (m *ConnectivityMonitor) InFlight() int {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	return len(m.probes)
}

// CheckConnectivity issues an out-of-band probe and returns immediately.
func (m *ConnectivityMonitor) CheckConnectivity() {
	m.issueProbe(models.SourceManual)
}

func (m *ConnectivityMonitor) handlePlatformEvent(gen uint64, e platform.Event) {
	switch e.Kind {
	case platform.KindOnline:
		m.apply(gen, models.StatusOnline, models.SourceOS)
	case platform.KindOffline:
		m.apply(gen, models.StatusOffline, models.SourceOS)
	case platform.KindForeground:
		m.scheduleForegroundProbe()
	}
}

func (m *ConnectivityMonitor) scheduleForegroundProbe() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if !m.running {
		return
	}
	m.nextID++
	id := m.nextID
	m.settles[id] = m.clock.AfterFunc(m.settings.ForegroundSettle, func() {
		m.lifeMu.Lock()
		_, pending := m.settles[id]
		delete(m.settles, id)
		m.lifeMu.Unlock()
		if pending {
			m.issueProbe(models.SourceForeground)
		}
	})
}

func (m *ConnectivityMonitor) issueProbe(source models.Source) {
	m.lifeMu.Lock()
	if !m.running {
		m.lifeMu.Unlock()
		return
	}
	m.nextID++
	id := m.nextID
	gen := m.generation.Load()
	ctx, cancel := context.WithCancel(context.Background())
	m.probes[id] = &inflight{
		cancel:  cancel,
		timeout: m.clock.AfterFunc(m.settings.ProbeTimeout, cancel),
	}
	m.lifeMu.Unlock()

	go m.runProbe(ctx, id, gen, source)
}

func (m *ConnectivityMonitor) runProbe(ctx context.Context, id, gen uint64, source models.Source) {
	started := m.clock.Now()
	err := m.prober.Probe(ctx)
	resolved := m.clock.Now()

	m.lifeMu.Lock()
	if p, ok := m.probes[id]; ok {
		p.timeout.Stop()
		p.cancel()
		delete(m.probes, id)
	}
	m.lifeMu.Unlock()

	if !m.current(gen) {
		return
	}

	latency := resolved.Sub(started)
	sample := models.ProbeSample{
		Target:    m.prober.Target(),
		Source:    source,
		OK:        err == nil,
		LatencyMs: int64(latency / time.Millisecond),
		CheckedAt: resolved.UTC(),
	}
	candidate := models.StatusOnline
	if err != nil {
		sample.Error = err.Error()
		candidate = models.StatusOffline
		m.log.WithError(err).WithField("source", source).Debug("Reachability probe failed")
	}
	m.metrics.RecordProbe(sample.OK, latency)
	if m.samples != nil {
		if recErr := m.samples.Record(sample); recErr != nil {
			m.log.WithError(recErr).Warn("Failed to record probe sample")
		}
	}

	m.apply(gen, candidate, source)
}

func (m *ConnectivityMonitor) current(gen uint64) bool {
	return m.active.Load() && m.generation.Load() == gen
}

// apply folds a candidate status into the state and notifies subscribers
// when IsOffline changes.
func (m *ConnectivityMonitor) apply(gen uint64, candidate models.Status, source models.Source) {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	if !m.current(gen) {
		return
	}

	now := m.clock.Now()
	offline := candidate == models.StatusOffline

	m.mu.Lock()
	if offline == m.state.IsOffline {
		if !offline {
			m.state.LastOnlineTime = &now
		}
		m.mu.Unlock()
		return
	}

	from := models.StatusFromOffline(m.state.IsOffline)
	if offline {
		m.state.IsOffline = true
		m.state.OfflineDuration = 0
	} else {
		duration := 0
		if m.state.LastOnlineTime != nil {
			duration = int(now.Sub(*m.state.LastOnlineTime) / time.Second)
			if duration < 0 {
				duration = 0
			}
		}
		m.state.IsOffline = false
		m.state.OfflineDuration = duration
		m.state.LastOnlineTime = &now
	}
	transition := models.Transition{
		From:            from,
		To:              candidate,
		Source:          source,
		At:              now,
		OfflineDuration: m.state.OfflineDuration,
	}
	m.mu.Unlock()

	entry := m.log.WithFields(logrus.Fields{"source": source, "to": candidate})
	if offline {
		entry.Warn("Connectivity lost")
	} else {
		entry.WithField("offline_seconds", transition.OfflineDuration).Info("Connectivity restored")
	}
	m.metrics.RecordTransition(offline, string(source), transition.OfflineDuration)

	m.dispatch(transition)
}

func (m *ConnectivityMonitor) dispatch(t models.Transition) {
	m.subMu.RLock()
	ids := make([]uint64, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	targets := make([]func(models.Transition), 0, len(ids))
	for _, id := range ids {
		targets = append(targets, m.subs[id])
	}
	m.subMu.RUnlock()

	for _, fn := range targets {
		m.notify(fn, t)
	}
}

func (m *ConnectivityMonitor) notify(fn func(models.Transition), t models.Transition) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("panic", r).Error("Transition subscriber panicked")
		}
	}()
	fn(t)
}

func release(fns []func()) {
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}
