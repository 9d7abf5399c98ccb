// Package continuity preserves the storefront session across connectivity
// outages. On losing connectivity it snapshots the current route and
// credential into the shared store; on reconnect it restores a credential
// that went missing, returns the user to the preserved route and removes the
// snapshot.
package continuity

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"sessionkeeper/internal/clock"
	"sessionkeeper/internal/errs"
	"sessionkeeper/internal/metrics"
	"sessionkeeper/internal/models"
	"sessionkeeper/internal/monitor"
	"sessionkeeper/internal/navigation"
)

const storeTimeout = 5 * time.Second

// Navigator reads and changes the visible route.
type Navigator interface {
	CurrentPath() string
	Navigate(path string) error
	OnRouteChange(fn func(navigation.Change)) func()
}

// Settings holds the outage observation and reconnect thresholds.
type Settings struct {
	DurationCheckInterval time.Duration
	LogEveryMinutes       int
	EscalateAfterMinutes  int
	ReconnectSettle       time.Duration
}

// Options carries optional collaborators.
type Options struct {
	Clock   clock.Clock
	Logger  *logrus.Entry
	Metrics *metrics.Collector
}

// Manager reacts to connectivity transitions with snapshot capture and
// reconciliation.
type Manager struct {
	settings    Settings
	source      monitor.ConnectivitySource
	snapshots   *SnapshotStore
	credentials CredentialStore
	nav         Navigator
	clock       clock.Clock
	log         *logrus.Entry
	metrics     *metrics.Collector

	// handleMu admits one transition handler (or startup pass) at a time.
	handleMu sync.Mutex

	mu          sync.RWMutex
	offline     bool
	preserved   bool
	lastRoute   *string
	outageStart time.Time
	escalated   bool

	lifeMu       sync.Mutex
	running      bool
	disposers    []func()
	stopWatchdog func()
	navTimer     clock.Timer
	navSeq       uint64
	active       atomic.Bool
	generation   atomic.Uint64
}

// NewManager wires a manager to its collaborators. Start must be called
// before it reacts to anything.
func NewManager(settings Settings, source monitor.ConnectivitySource, snapshots *SnapshotStore, credentials CredentialStore, nav Navigator, opts Options) *Manager {
	if settings.DurationCheckInterval <= 0 {
		settings.DurationCheckInterval = time.Minute
	}
	if settings.LogEveryMinutes <= 0 {
		settings.LogEveryMinutes = 5
	}
	if settings.EscalateAfterMinutes <= 0 {
		settings.EscalateAfterMinutes = 30
	}
	if settings.ReconnectSettle < 0 {
		settings.ReconnectSettle = 0
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		opts.Logger = logrus.NewEntry(logger)
	}
	return &Manager{
		settings:    settings,
		source:      source,
		snapshots:   snapshots,
		credentials: credentials,
		nav:         nav,
		clock:       opts.Clock,
		log:         opts.Logger,
		metrics:     opts.Metrics,
	}
}

// Start subscribes to connectivity transitions and route changes, then
// reconciles whatever the store holds from an earlier run.
func (m *Manager) Start() error {
	m.lifeMu.Lock()
	if m.running {
		m.lifeMu.Unlock()
		return errs.New(errs.ErrCodeAlreadyRunning, "session continuity manager already running")
	}
	m.running = true
	gen := m.generation.Add(1)
	m.active.Store(true)
	m.lifeMu.Unlock()

	m.handleMu.Lock()
	defer m.handleMu.Unlock()

	disposeTransitions := m.source.Subscribe(func(t models.Transition) { m.handleTransition(gen, t) })
	disposeRoutes := m.nav.OnRouteChange(m.handleRouteChange)

	m.lifeMu.Lock()
	if !m.running || m.generation.Load() != gen {
		m.lifeMu.Unlock()
		disposeRoutes()
		disposeTransitions()
		return errs.New(errs.ErrCodeNotRunning, "session continuity manager stopped during start")
	}
	m.disposers = append(m.disposers, disposeTransitions, disposeRoutes)
	m.lifeMu.Unlock()

	m.reconcileOnStart()
	return nil
}

// Stop releases the transition and route listeners, the outage watchdog and
// any pending reconnect navigation. Safe to call more than once.
func (m *Manager) Stop() {
	m.lifeMu.Lock()
	if !m.running {
		m.lifeMu.Unlock()
		return
	}
	m.running = false
	m.active.Store(false)
	disposers := m.disposers
	stopWatchdog := m.stopWatchdog
	navTimer := m.navTimer
	m.disposers = nil
	m.stopWatchdog = nil
	m.navTimer = nil
	m.lifeMu.Unlock()

	if stopWatchdog != nil {
		stopWatchdog()
	}
	if navTimer != nil {
		navTimer.Stop()
	}
	for i := len(disposers) - 1; i >= 0; i-- {
		disposers[i]()
	}
}

// State combines the monitor's belief with the manager's session view.
func (m *Manager) State() models.ContinuityState {
	cs := m.source.State()

	m.mu.RLock()
	defer m.mu.RUnlock()

	state := models.ContinuityState{
		IsOffline:        cs.IsOffline,
		LastOnlineTime:   cs.LastOnlineTime,
		OfflineDuration:  cs.OfflineDuration,
		SessionPreserved: m.preserved,
	}
	if m.lastRoute != nil {
		route := *m.lastRoute
		state.LastRoute = &route
	}
	return state
}

// CheckConnectivity asks the monitor for an immediate probe.
func (m *Manager) CheckConnectivity() {
	m.source.CheckConnectivity()
}

func (m *Manager) current(gen uint64) bool {
	return m.active.Load() && m.generation.Load() == gen
}

func (m *Manager) handleTransition(gen uint64, t models.Transition) {
	m.handleMu.Lock()
	defer m.handleMu.Unlock()

	if !m.current(gen) {
		return
	}
	if t.To == models.StatusOffline {
		m.enterOffline(t.At)
		return
	}
	m.enterOnline()
}

func (m *Manager) handleRouteChange(c navigation.Change) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline || m.preserved {
		return
	}
	path := c.Path
	m.lastRoute = &path
}

func (m *Manager) enterOffline(at time.Time) {
	m.mu.Lock()
	if m.offline {
		m.mu.Unlock()
		m.log.Debug("Ignoring redundant offline transition")
		return
	}
	m.offline = true
	m.outageStart = at
	m.escalated = false
	m.mu.Unlock()

	m.capture(at)
	m.armWatchdog()
}

func (m *Manager) enterOnline() {
	m.mu.Lock()
	if !m.offline {
		m.mu.Unlock()
		return
	}
	m.offline = false
	preserved := m.preserved
	m.mu.Unlock()

	m.disarmWatchdog()
	if !preserved {
		m.log.Debug("Reconnected without a preserved session")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	m.reconcile(ctx)
}

// capture writes the snapshot before any other side effect of going offline.
func (m *Manager) capture(at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	route := m.nav.CurrentPath()
	credential, _, err := m.credentials.Get(ctx)
	if err == nil {
		err = m.snapshots.Save(ctx, models.SessionSnapshot{Route: route, Credential: credential, CapturedAt: at})
	}
	if err != nil {
		m.log.WithError(err).Warn("Failed to preserve session, continuing without restore on reconnect")
		m.metrics.RecordStoreFailure("capture")
		m.setPreserved(false, nil)
		return
	}

	m.setPreserved(true, &route)
	m.log.WithFields(logrus.Fields{
		"route":          route,
		"has_credential": credential != "",
	}).Info("Session preserved for offline period")
}

// reconcile restores what the outage may have lost and clears the snapshot.
func (m *Manager) reconcile(ctx context.Context) {
	snap, found, err := m.snapshots.Load(ctx)
	if err != nil || !found {
		entry := m.log
		if err != nil {
			entry = entry.WithError(err)
			if errs.Is(err, errs.ErrCodeStoreRead) {
				m.metrics.RecordStoreFailure("reconcile")
			}
		}
		entry.Warn("Session snapshot unusable, skipping restore")
		m.clear(ctx)
		m.setPreserved(false, nil)
		return
	}

	_, hasLive, err := m.credentials.Get(ctx)
	switch {
	case err != nil:
		m.log.WithError(err).Warn("Failed to read live credential, leaving it untouched")
	case !hasLive && snap.Credential != "":
		if err := m.credentials.Set(ctx, snap.Credential); err != nil {
			m.log.WithError(err).Warn("Failed to restore credential")
			m.metrics.RecordStoreFailure("restore")
		} else {
			m.log.Info("Restored credential cleared during outage")
			m.metrics.RecordRestoration("credential")
		}
	}

	if snap.Route != "" && snap.Route != m.nav.CurrentPath() {
		m.scheduleNavigation(snap.Route)
	}

	m.clear(ctx)
	m.setPreserved(false, nil)
	m.log.WithField("outage_seconds", int(m.clock.Now().Sub(snap.CapturedAt)/time.Second)).Info("Session reconciled after reconnect")
}

func (m *Manager) clear(ctx context.Context) {
	if err := m.snapshots.Clear(ctx); err != nil {
		m.log.WithError(err).Warn("Failed to delete session snapshot")
		m.metrics.RecordStoreFailure("clear")
	}
}

// setPreserved updates the preserved flag; route, when non-nil, becomes the
// last known route.
func (m *Manager) setPreserved(preserved bool, route *string) {
	m.mu.Lock()
	m.preserved = preserved
	if route != nil {
		r := *route
		m.lastRoute = &r
	}
	m.mu.Unlock()
	m.metrics.RecordSessionPreserved(preserved)
}

func (m *Manager) scheduleNavigation(route string) {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if !m.running {
		return
	}
	if m.navTimer != nil {
		m.navTimer.Stop()
	}
	m.navSeq++
	seq := m.navSeq
	gen := m.generation.Load()
	m.navTimer = m.clock.AfterFunc(m.settings.ReconnectSettle, func() {
		m.lifeMu.Lock()
		if m.navSeq != seq || m.navTimer == nil {
			m.lifeMu.Unlock()
			return
		}
		m.navTimer = nil
		m.lifeMu.Unlock()

		if !m.current(gen) {
			return
		}
		if err := m.nav.Navigate(route); err != nil {
			m.log.WithError(err).WithField("route", route).Warn("Failed to return to preserved route")
			return
		}
		m.metrics.RecordRestoration("route")
		m.log.WithField("route", route).Info("Returned to preserved route")
	})
}

func (m *Manager) armWatchdog() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if !m.running || m.stopWatchdog != nil {
		return
	}
	m.stopWatchdog = clock.Every(m.clock, m.settings.DurationCheckInterval, m.checkOutageDuration)
}

func (m *Manager) disarmWatchdog() {
	m.lifeMu.Lock()
	stop := m.stopWatchdog
	m.stopWatchdog = nil
	m.lifeMu.Unlock()
	if stop != nil {
		stop()
	}
}

// checkOutageDuration logs the outage length periodically and escalates once
// it passes the extended-outage threshold.
func (m *Manager) checkOutageDuration() {
	m.mu.RLock()
	offline := m.offline
	since := m.outageStart
	m.mu.RUnlock()
	if !offline || !m.active.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if snap, found, err := m.snapshots.Load(ctx); err == nil && found {
		since = snap.CapturedAt
	}

	minutes := int(m.clock.Now().Sub(since) / time.Minute)
	if minutes > 0 && minutes%m.settings.LogEveryMinutes == 0 {
		m.log.WithField("minutes_offline", minutes).Info("Still offline")
	}
	if minutes <= m.settings.EscalateAfterMinutes {
		return
	}

	m.mu.Lock()
	already := m.escalated
	m.escalated = true
	m.mu.Unlock()
	if already {
		return
	}
	m.log.WithFields(logrus.Fields{
		"minutes_offline": minutes,
		"threshold":       m.settings.EscalateAfterMinutes,
	}).Warn("Extended outage, session kept")
	m.metrics.RecordExtendedOutage()
}

// reconcileOnStart aligns the store with the current connectivity belief:
// a leftover snapshot is reconciled when online and adopted when offline;
// offline without a snapshot captures one now.
func (m *Manager) reconcileOnStart() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	state := m.source.State()
	now := m.clock.Now()

	if !state.IsOffline {
		m.mu.Lock()
		m.offline = false
		current := m.nav.CurrentPath()
		m.lastRoute = &current
		m.mu.Unlock()

		present, err := m.snapshots.Present(ctx)
		if err != nil {
			m.log.WithError(err).Warn("Failed to inspect session snapshot")
			m.setPreserved(false, nil)
			return
		}
		if len(present) == 0 {
			m.setPreserved(false, nil)
			return
		}
		m.log.WithField("keys", present).Warn("Found session snapshot from an earlier outage while online")
		m.reconcile(ctx)
		return
	}

	m.mu.Lock()
	m.offline = true
	m.outageStart = now
	m.escalated = false
	m.mu.Unlock()

	snap, found, err := m.snapshots.Load(ctx)
	switch {
	case err == nil && found:
		m.mu.Lock()
		m.outageStart = snap.CapturedAt
		m.mu.Unlock()
		m.setPreserved(true, &snap.Route)
		m.log.WithField("route", snap.Route).Info("Adopted session snapshot from an earlier run")
	default:
		if err != nil {
			m.log.WithError(err).Warn("Discarding unusable session snapshot")
			m.clear(ctx)
		}
		m.capture(now)
	}
	m.armWatchdog()
}
