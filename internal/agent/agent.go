// Package agent builds the continuity subsystem from configuration and owns
// its lifetime. There is exactly one Agent per process; everything that needs
// the monitor, the manager or the stores receives them from it.
package agent

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sessionkeeper/internal/clock"
	"sessionkeeper/internal/config"
	"sessionkeeper/internal/continuity"
	"sessionkeeper/internal/errs"
	"sessionkeeper/internal/history"
	"sessionkeeper/internal/logging"
	"sessionkeeper/internal/metrics"
	"sessionkeeper/internal/monitor"
	"sessionkeeper/internal/navigation"
	"sessionkeeper/internal/platform"
	"sessionkeeper/internal/retention"
	"sessionkeeper/internal/storage"
)

// Options overrides collaborators, mostly for tests.
type Options struct {
	Clock  clock.Clock
	Store  storage.KV
	Prober monitor.Prober
}

// Agent is the explicitly owned context object holding every component.
type Agent struct {
	Config      config.Config
	Clock       clock.Clock
	Store       storage.KV
	Bus         *platform.Bus
	Router      *navigation.Router
	Credentials *continuity.KVCredentialStore
	Snapshots   *continuity.SnapshotStore
	Metrics     *metrics.Collector
	Prober      monitor.Prober
	Probes      *storage.ProbeStorage
	Outages     *storage.OutageStorage
	Monitor     *monitor.ConnectivityMonitor
	Manager     *continuity.Manager
	Tracker     *history.OutageTracker
	Retention   *retention.Job

	log     *logrus.Entry
	closers []func()

	mu      sync.Mutex
	running bool
	stops   []func()
}

// New builds every component. Nothing runs until Start.
func New(ctx context.Context, cfg config.Config, opts Options) (a *Agent, err error) {
	a = &Agent{
		Config: cfg,
		Clock:  opts.Clock,
		log:    logging.NewLogger("agent"),
	}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()
	if a.Clock == nil {
		a.Clock = clock.Real()
	}

	a.Store = opts.Store
	if a.Store == nil {
		kv, closeStore, err := OpenStore(ctx, cfg.Store)
		if err != nil {
			return a, err
		}
		a.Store = kv
		a.closers = append(a.closers, closeStore)
	}

	a.Probes, err = storage.NewProbeStorage(filepath.Join(cfg.DataDirectory, "probe_history.json"), cfg.Probe.HistorySize)
	if err != nil {
		return a, err
	}
	a.Outages, err = storage.NewOutageStorage(filepath.Join(cfg.DataDirectory, "outages.json"))
	if err != nil {
		return a, err
	}

	a.Metrics = metrics.NewCollector("sessionkeeper")
	a.Bus = platform.NewBus(cfg.InitialOnline)
	a.closers = append(a.closers, a.Bus.Close)
	a.Router = navigation.NewRouter(cfg.InitialRoute)
	a.Credentials = continuity.NewKVCredentialStore(a.Store, cfg.Session.CredentialKey)
	a.Snapshots = continuity.NewSnapshotStore(a.Store, continuity.Keys{
		Route:      cfg.Session.RouteKey,
		Credential: cfg.Session.TokenKey,
		CapturedAt: cfg.Session.TimestampKey,
	})

	a.Prober = opts.Prober
	if a.Prober == nil {
		a.Prober = NewProber(cfg.Probe)
	}
	a.Monitor = monitor.NewConnectivityMonitor(monitor.Settings{
		ProbeInterval:    cfg.ProbeInterval(),
		ProbeTimeout:     cfg.ProbeTimeout(),
		ForegroundSettle: cfg.ForegroundSettle(),
	}, a.Prober, a.Bus, monitor.Options{
		Clock:   a.Clock,
		Logger:  logging.NewLogger("monitor"),
		Metrics: a.Metrics,
		Samples: a.Probes,
	})

	a.Manager = continuity.NewManager(continuity.Settings{
		DurationCheckInterval: cfg.DurationCheckInterval(),
		LogEveryMinutes:       cfg.Session.LogEveryMinutes,
		EscalateAfterMinutes:  cfg.Session.EscalateAfterMinutes,
		ReconnectSettle:       cfg.ReconnectSettle(),
	}, a.Monitor, a.Snapshots, a.Credentials, a.Router, continuity.Options{
		Clock:   a.Clock,
		Logger:  logging.NewLogger("continuity"),
		Metrics: a.Metrics,
	})

	a.Tracker = history.NewOutageTracker(a.Outages, func() bool {
		return a.Manager.State().SessionPreserved
	}, logging.NewLogger("history"))

	a.Retention, err = retention.New(cfg.Retention.Schedule, []retention.Target{
		{Name: "probes", Store: a.Probes, MaxAge: days(cfg.Retention.ProbeDays)},
		{Name: "outages", Store: a.Outages, MaxAge: days(cfg.Retention.OutageDays)},
	}, logging.NewLogger("retention"), a.Clock.Now)
	if err != nil {
		return a, err
	}
	return a, nil
}

// NewProber selects the reachability check configured for the agent.
func NewProber(cfg config.Probe) monitor.Prober {
	if cfg.Kind == "tcp" {
		return monitor.NewDialProber(cfg.DialTarget)
	}
	return monitor.NewHTTPProber(cfg.TargetURL, cfg.Method)
}

// OpenStore opens the configured durable key-value store and returns a
// function that releases it.
func OpenStore(ctx context.Context, cfg config.Store) (storage.KV, func(), error) {
	switch cfg.Driver {
	case "memory":
		return storage.NewMemoryKV(), func() {}, nil
	case "redis":
		kv, err := storage.NewRedisKV(ctx, storage.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return kv, func() { _ = kv.Close() }, nil
	case "file", "":
		log := logging.NewLogger("store")
		kv, err := storage.NewFileKV(cfg.Path, log)
		if err != nil {
			return nil, nil, err
		}
		if !cfg.Watch {
			return kv, func() {}, nil
		}
		watchCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := kv.Watch(watchCtx); err != nil {
				log.WithError(err).Warn("External edits to the kv document will not be picked up")
			}
		}()
		return kv, func() {
			cancel()
			<-done
		}, nil
	default:
		return nil, nil, errs.New(errs.ErrCodeConfigInvalid, "unknown store driver "+cfg.Driver)
	}
}

// Start runs the monitor, the manager, outage tracking and retention. On
// failure everything already started is stopped again.
func (a *Agent) Start() (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return errs.New(errs.ErrCodeAlreadyRunning, "agent already running")
	}

	var stops []func()
	defer func() {
		if err != nil {
			for i := len(stops) - 1; i >= 0; i-- {
				stops[i]()
			}
		}
	}()

	if err := a.Monitor.Start(); err != nil {
		return err
	}
	stops = append(stops, a.Monitor.Stop)

	if err := a.Manager.Start(); err != nil {
		return err
	}
	stops = append(stops, a.Manager.Stop)

	a.Tracker.Seed(a.Monitor.State(), a.Clock.Now())
	stops = append(stops, a.Monitor.Subscribe(a.Tracker.Observe))

	if err := a.Retention.Start(); err != nil {
		return err
	}
	stops = append(stops, a.Retention.Stop)

	a.stops = stops
	a.running = true
	state := a.Manager.State()
	a.log.WithFields(logrus.Fields{
		"offline":   state.IsOffline,
		"preserved": state.SessionPreserved,
		"probe":     a.Config.Probe.Kind,
		"store":     a.Config.Store.Driver,
	}).Info("Session continuity agent started")
	return nil
}

// Stop halts every running component. Safe to call more than once.
func (a *Agent) Stop() {
	a.mu.Lock()
	stops := a.stops
	a.stops = nil
	wasRunning := a.running
	a.running = false
	a.mu.Unlock()

	for i := len(stops) - 1; i >= 0; i-- {
		stops[i]()
	}
	if wasRunning {
		a.log.Info("Session continuity agent stopped")
	}
}

// Close stops the agent and releases the store and the platform bus.
func (a *Agent) Close() {
	a.Stop()
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}

// Running reports whether Start succeeded and Stop has not been called.
func (a *Agent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
