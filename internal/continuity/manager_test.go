package continuity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionkeeper/internal/clock"
	"sessionkeeper/internal/errs"
	"sessionkeeper/internal/models"
	"sessionkeeper/internal/monitor"
	"sessionkeeper/internal/navigation"
	"sessionkeeper/internal/platform"
	"sessionkeeper/internal/storage"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

const credentialKey = "embolo_auth_token"

var testKeys = Keys{
	Route:      "embolo_offline_route",
	Credential: "embolo_offline_token",
	CapturedAt: "embolo_offline_timestamp",
}

// fakeSource stands in for the connectivity monitor.
type fakeSource struct {
	mu     sync.Mutex
	state  models.ConnectivityState
	next   int
	subs   map[int]func(models.Transition)
	checks int
}

func newFakeSource(online bool) *fakeSource {
	s := &fakeSource{subs: make(map[int]func(models.Transition))}
	if online {
		t := epoch
		s.state.LastOnlineTime = &t
	} else {
		s.state.IsOffline = true
	}
	return s
}

func (s *fakeSource) State() models.ConnectivityState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSource) Subscribe(fn func(models.Transition)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := s.next
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *fakeSource) CheckConnectivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks++
}

func (s *fakeSource) subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// emit delivers a transition without hysteresis so tests can send
// redundant ones.
func (s *fakeSource) emit(to models.Status, at time.Time) {
	s.mu.Lock()
	s.state.IsOffline = to == models.StatusOffline
	targets := make([]func(models.Transition), 0, len(s.subs))
	for _, fn := range s.subs {
		targets = append(targets, fn)
	}
	s.mu.Unlock()
	for _, fn := range targets {
		fn(models.Transition{To: to, At: at})
	}
}

// recordingKV is a non-batch store that counts writes per key and can be
// told to fail writes.
type recordingKV struct {
	inner *storage.MemoryKV

	mu       sync.Mutex
	writes   map[string]int
	failKeys map[string]bool
}

func newRecordingKV() *recordingKV {
	return &recordingKV{
		inner:    storage.NewMemoryKV(),
		writes:   make(map[string]int),
		failKeys: make(map[string]bool),
	}
}

func (r *recordingKV) Get(ctx context.Context, key string) (string, bool, error) {
	return r.inner.Get(ctx, key)
}

func (r *recordingKV) Set(ctx context.Context, key, value string) error {
	r.mu.Lock()
	r.writes[key]++
	fail := r.failKeys[key]
	r.mu.Unlock()
	if fail {
		return errors.New("quota exceeded")
	}
	return r.inner.Set(ctx, key, value)
}

func (r *recordingKV) Delete(ctx context.Context, key string) error {
	return r.inner.Delete(ctx, key)
}

func (r *recordingKV) failWrites(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failKeys[key] = true
}

func (r *recordingKV) writesTo(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes[key]
}

func (r *recordingKV) value(t *testing.T, key string) (string, bool) {
	t.Helper()
	v, ok, err := r.inner.Get(context.Background(), key)
	require.NoError(t, err)
	return v, ok
}

type harness struct {
	fake   *clock.Fake
	src    *fakeSource
	kv     *recordingKV
	creds  *KVCredentialStore
	router *navigation.Router
	mgr    *Manager
	hook   *test.Hook

	mu   sync.Mutex
	navs []string
}

func defaultSettings() Settings {
	return Settings{
		DurationCheckInterval: time.Minute,
		LogEveryMinutes:       5,
		EscalateAfterMinutes:  30,
		ReconnectSettle:       time.Second,
	}
}

func newHarness(t *testing.T, online bool, route string) *harness {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	h := &harness{
		fake:   clock.NewFake(epoch),
		src:    newFakeSource(online),
		kv:     newRecordingKV(),
		router: navigation.NewRouter(route),
		hook:   hook,
	}
	h.creds = NewKVCredentialStore(h.kv, credentialKey)
	h.router.OnRouteChange(func(c navigation.Change) {
		if c.Programmatic {
			h.mu.Lock()
			h.navs = append(h.navs, c.Path)
			h.mu.Unlock()
		}
	})
	h.mgr = NewManager(defaultSettings(), h.src, NewSnapshotStore(h.kv, testKeys), h.creds, h.router, Options{
		Clock:  h.fake,
		Logger: logrus.NewEntry(logger),
	})
	return h
}

func (h *harness) navigations() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.navs...)
}

func (h *harness) setCredential(t *testing.T, value string) {
	t.Helper()
	require.NoError(t, h.kv.inner.Set(context.Background(), credentialKey, value))
}

func (h *harness) snapshotKeys(t *testing.T) []string {
	t.Helper()
	present, err := h.mgr.snapshots.Present(context.Background())
	require.NoError(t, err)
	return present
}

func (h *harness) logged(level logrus.Level, fragment string) int {
	n := 0
	for _, e := range h.hook.AllEntries() {
		if e.Level == level && strings.Contains(e.Message, fragment) {
			n++
		}
	}
	return n
}

type quietProber struct{}

func (quietProber) Probe(context.Context) error { return nil }
func (quietProber) Target() string              { return "quiet" }

func TestOutageScenarioRestoresCredentialAndRoute(t *testing.T) {
	fake := clock.NewFake(epoch)
	bus := platform.NewBus(true)
	kv := storage.NewMemoryKV()
	creds := NewKVCredentialStore(kv, credentialKey)
	require.NoError(t, creds.Set(context.Background(), "tok123"))
	router := navigation.NewRouter("/orders")

	mon := monitor.NewConnectivityMonitor(monitor.Settings{
		ProbeInterval:    time.Hour,
		ProbeTimeout:     5 * time.Second,
		ForegroundSettle: time.Second,
	}, quietProber{}, bus, monitor.Options{Clock: fake})
	require.NoError(t, mon.Start())
	defer mon.Stop()

	mgr := NewManager(defaultSettings(), mon, NewSnapshotStore(kv, testKeys), creds, router, Options{Clock: fake})
	require.NoError(t, mgr.Start())
	defer mgr.Stop()

	var navs []string
	router.OnRouteChange(func(c navigation.Change) {
		if c.Programmatic {
			navs = append(navs, c.Path)
		}
	})

	bus.Publish(platform.Event{Kind: platform.KindOffline})
	assert.ElementsMatch(t, []string{credentialKey, testKeys.Route, testKeys.Credential, testKeys.CapturedAt}, kv.Keys())
	token, _, _ := kv.Get(context.Background(), testKeys.Credential)
	assert.Equal(t, "tok123", token)
	assert.True(t, mgr.State().SessionPreserved)

	fake.Advance(5 * time.Second)
	require.NoError(t, creds.Clear(context.Background()))
	require.NoError(t, router.Observe("/wallet", navigation.KindPush))

	fake.Advance(35 * time.Second)
	bus.Publish(platform.Event{Kind: platform.KindOnline})

	state := mgr.State()
	assert.False(t, state.IsOffline)
	assert.Equal(t, 40, state.OfflineDuration)
	assert.False(t, state.SessionPreserved)
	live, ok, err := creds.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "tok123", live)
	assert.ElementsMatch(t, []string{credentialKey}, kv.Keys())

	fake.Advance(999 * time.Millisecond)
	assert.Empty(t, navs)
	fake.Advance(time.Millisecond)
	assert.Equal(t, []string{"/orders"}, navs)
	fake.Advance(time.Minute)
	assert.Equal(t, []string{"/orders"}, navs)
	assert.Equal(t, "/orders", router.CurrentPath())
	require.NotNil(t, mgr.State().LastRoute)
	assert.Equal(t, "/orders", *mgr.State().LastRoute)
}

func TestSameRouteOnReconnectDoesNotNavigate(t *testing.T) {
	h := newHarness(t, true, "/checkout")
	h.setCredential(t, "tok123")
	require.NoError(t, h.mgr.Start())
	defer h.mgr.Stop()

	h.src.emit(models.StatusOffline, epoch)
	h.fake.Advance(20 * time.Second)
	h.src.emit(models.StatusOnline, h.fake.Now())
	h.fake.Advance(5 * time.Second)

	assert.Empty(t, h.navigations())
	assert.Empty(t, h.snapshotKeys(t))
}

func TestLiveCredentialIsLeftUntouched(t *testing.T) {
	h := newHarness(t, true, "/orders")
	h.setCredential(t, "tok123")
	require.NoError(t, h.mgr.Start())
	defer h.mgr.Stop()

	h.src.emit(models.StatusOffline, epoch)
	h.setCredential(t, "tok999")
	h.src.emit(models.StatusOnline, h.fake.Now())

	value, _ := h.kv.value(t, credentialKey)
	assert.Equal(t, "tok999", value)
	assert.Zero(t, h.kv.writesTo(credentialKey))
}

func TestMissingCredentialIsPreservedAsEmpty(t *testing.T) {
	h := newHarness(t, true, "/orders")
	require.NoError(t, h.mgr.Start())
	defer h.mgr.Stop()

	h.src.emit(models.StatusOffline, epoch)
	value, ok := h.kv.value(t, testKeys.Credential)
	assert.True(t, ok)
	assert.Empty(t, value)
	assert.True(t, h.mgr.State().SessionPreserved)

	h.src.emit(models.StatusOnline, h.fake.Now())
	_, ok = h.kv.value(t, credentialKey)
	assert.False(t, ok)
	assert.Zero(t, h.kv.writesTo(credentialKey))
}

func TestCaptureFailureDegrades(t *testing.T) {
	h := newHarness(t, true, "/orders")
	h.setCredential(t, "tok123")
	h.kv.failWrites(testKeys.CapturedAt)
	require.NoError(t, h.mgr.Start())
	defer h.mgr.Stop()

	h.src.emit(models.StatusOffline, epoch)
	assert.False(t, h.mgr.State().SessionPreserved)
	assert.Empty(t, h.snapshotKeys(t))
	assert.Equal(t, 1, h.logged(logrus.WarnLevel, "Failed to preserve session"))

	require.NoError(t, h.creds.Clear(context.Background()))
	require.NoError(t, h.router.Observe("/wallet", navigation.KindPush))
	h.src.emit(models.StatusOnline, h.fake.Now())
	h.fake.Advance(5 * time.Second)

	assert.Empty(t, h.navigations())
	_, ok := h.kv.value(t, credentialKey)
	assert.False(t, ok)
}

func TestPartialSnapshotIsDiscarded(t *testing.T) {
	h := newHarness(t, true, "/orders")
	h.setCredential(t, "tok123")
	require.NoError(t, h.mgr.Start())
	defer h.mgr.Stop()

	h.src.emit(models.StatusOffline, epoch)
	require.NoError(t, h.kv.inner.Delete(context.Background(), testKeys.CapturedAt))
	require.NoError(t, h.creds.Clear(context.Background()))
	require.NoError(t, h.router.Observe("/wallet", navigation.KindPush))

	h.src.emit(models.StatusOnline, h.fake.Now())
	h.fake.Advance(5 * time.Second)

	assert.Empty(t, h.snapshotKeys(t))
	assert.Empty(t, h.navigations())
	assert.False(t, h.mgr.State().SessionPreserved)
	_, ok := h.kv.value(t, credentialKey)
	assert.False(t, ok)
	assert.Equal(t, 1, h.logged(logrus.WarnLevel, "Session snapshot unusable"))
}

func TestRedundantOfflineTransitionIsIgnored(t *testing.T) {
	h := newHarness(t, true, "/orders")
	require.NoError(t, h.mgr.Start())
	defer h.mgr.Stop()

	h.src.emit(models.StatusOffline, epoch)
	require.NoError(t, h.router.Observe("/wallet", navigation.KindPush))
	h.src.emit(models.StatusOffline, epoch.Add(time.Second))

	assert.Equal(t, 1, h.kv.writesTo(testKeys.Route))
	route, _ := h.kv.value(t, testKeys.Route)
	assert.Equal(t, "/orders", route)
}

func TestReconnectWithoutSnapshotIsNoop(t *testing.T) {
	h := newHarness(t, true, "/orders")
	require.NoError(t, h.mgr.Start())
	defer h.mgr.Stop()

	h.src.emit(models.StatusOnline, epoch)
	assert.Zero(t, h.kv.writesTo(credentialKey))
	assert.Empty(t, h.navigations())
}

func TestOutageDurationObservations(t *testing.T) {
	h := newHarness(t, true, "/orders")
	require.NoError(t, h.mgr.Start())
	defer h.mgr.Stop()

	h.src.emit(models.StatusOffline, epoch)
	for i := 0; i < 35; i++ {
		h.fake.Advance(time.Minute)
	}
	assert.Equal(t, 7, h.logged(logrus.InfoLevel, "Still offline"))
	assert.Equal(t, 1, h.logged(logrus.WarnLevel, "Extended outage"))

	for i := 0; i < 10; i++ {
		h.fake.Advance(time.Minute)
	}
	assert.Equal(t, 1, h.logged(logrus.WarnLevel, "Extended outage"))

	h.src.emit(models.StatusOnline, h.fake.Now())
	before := h.logged(logrus.InfoLevel, "Still offline")
	h.fake.Advance(10 * time.Minute)
	assert.Equal(t, before, h.logged(logrus.InfoLevel, "Still offline"))
	assert.Zero(t, h.fake.Pending())
}

func TestEscalationResetsPerOutage(t *testing.T) {
	h := newHarness(t, true, "/orders")
	require.NoError(t, h.mgr.Start())
	defer h.mgr.Stop()

	for outage := 0; outage < 2; outage++ {
		h.src.emit(models.StatusOffline, h.fake.Now())
		h.fake.Advance(31 * time.Minute)
		h.src.emit(models.StatusOnline, h.fake.Now())
	}
	assert.Equal(t, 2, h.logged(logrus.WarnLevel, "Extended outage"))
}

func TestRouteChangesTrackedWhileOnline(t *testing.T) {
	h := newHarness(t, true, "/")
	require.NoError(t, h.mgr.Start())
	defer h.mgr.Stop()

	require.NoError(t, h.router.Observe("/orders", navigation.KindPush))
	assert.Equal(t, "/orders", *h.mgr.State().LastRoute)
	require.NoError(t, h.router.Navigate("/wallet"))
	assert.Equal(t, "/wallet", *h.mgr.State().LastRoute)
	require.NoError(t, h.router.Observe("/orders", navigation.KindPop))
	assert.Equal(t, "/orders", *h.mgr.State().LastRoute)

	h.src.emit(models.StatusOffline, epoch)
	require.NoError(t, h.router.Observe("/user", navigation.KindPush))
	assert.Equal(t, "/orders", *h.mgr.State().LastRoute)
}

func TestStartupReconcilesSnapshotWhileOnline(t *testing.T) {
	h := newHarness(t, true, "/")
	store := NewSnapshotStore(h.kv.inner, testKeys)
	require.NoError(t, store.Save(context.Background(), models.SessionSnapshot{
		Route:      "/checkout",
		Credential: "tok123",
		CapturedAt: epoch.Add(-time.Hour),
	}))

	require.NoError(t, h.mgr.Start())
	defer h.mgr.Stop()

	assert.Empty(t, h.snapshotKeys(t))
	assert.Equal(t, 1, h.logged(logrus.WarnLevel, "earlier outage"))
	value, _ := h.kv.value(t, credentialKey)
	assert.Equal(t, "tok123", value)
	h.fake.Advance(time.Second)
	assert.Equal(t, []string{"/checkout"}, h.navigations())
}

func TestStartupClearsPartialSnapshotWhileOnline(t *testing.T) {
	h := newHarness(t, true, "/")
	require.NoError(t, h.kv.inner.Set(context.Background(), testKeys.Route, "/checkout"))

	require.NoError(t, h.mgr.Start())
	defer h.mgr.Stop()

	assert.Empty(t, h.snapshotKeys(t))
	h.fake.Advance(time.Second)
	assert.Empty(t, h.navigations())
}

func TestStartupOfflineAdoptsSnapshot(t *testing.T) {
	h := newHarness(t, false, "/wallet")
	store := NewSnapshotStore(h.kv.inner, testKeys)
	require.NoError(t, store.Save(context.Background(), models.SessionSnapshot{
		Route:      "/checkout",
		Credential: "tok123",
		CapturedAt: epoch.Add(-29 * time.Minute),
	}))

	require.NoError(t, h.mgr.Start())
	defer h.mgr.Stop()

	state := h.mgr.State()
	assert.True(t, state.SessionPreserved)
	assert.Equal(t, "/checkout", *state.LastRoute)
	assert.Zero(t, h.kv.writesTo(testKeys.Route))

	h.fake.Advance(time.Minute)
	assert.Zero(t, h.logged(logrus.WarnLevel, "Extended outage"))
	h.fake.Advance(time.Minute)
	assert.Equal(t, 1, h.logged(logrus.WarnLevel, "Extended outage"))
}

func TestStartupOfflineCapturesWhenMissing(t *testing.T) {
	h := newHarness(t, false, "/wallet")
	h.setCredential(t, "tok123")

	require.NoError(t, h.mgr.Start())
	defer h.mgr.Stop()

	assert.True(t, h.mgr.State().SessionPreserved)
	route, _ := h.kv.value(t, testKeys.Route)
	assert.Equal(t, "/wallet", route)
	assert.Len(t, h.snapshotKeys(t), 3)
}

func TestStartStopLeavesNothingBehind(t *testing.T) {
	h := newHarness(t, true, "/orders")
	h.setCredential(t, "tok123")

	for i := 0; i < 5; i++ {
		require.NoError(t, h.mgr.Start())
		assert.True(t, errs.Is(h.mgr.Start(), errs.ErrCodeAlreadyRunning))
		h.src.emit(models.StatusOffline, h.fake.Now())
		require.NoError(t, h.router.Observe("/wallet", navigation.KindPush))
		require.NoError(t, h.creds.Clear(context.Background()))
		h.src.emit(models.StatusOnline, h.fake.Now())
		h.mgr.Stop()
		h.mgr.Stop()

		assert.Zero(t, h.fake.Pending())
		assert.Zero(t, h.src.subscribers())
		assert.Equal(t, 1, h.router.Listeners())
		require.NoError(t, h.router.Observe("/orders", navigation.KindPush))
		h.setCredential(t, "tok123")
	}
	assert.Empty(t, h.navigations())
}

func TestStoppedManagerIgnoresTransitions(t *testing.T) {
	h := newHarness(t, true, "/orders")
	require.NoError(t, h.mgr.Start())
	h.mgr.Stop()
	h.src.emit(models.StatusOffline, epoch)
	assert.Empty(t, h.snapshotKeys(t))
}

func TestCheckConnectivityDelegates(t *testing.T) {
	h := newHarness(t, true, "/")
	h.mgr.CheckConnectivity()
	h.mgr.CheckConnectivity()
	assert.Equal(t, 2, h.src.checks)
}
