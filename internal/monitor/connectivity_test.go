package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionkeeper/internal/clock"
	"sessionkeeper/internal/errs"
	"sessionkeeper/internal/models"
	"sessionkeeper/internal/platform"
	"sessionkeeper/internal/storage"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type probeCall struct {
	ctx    context.Context
	result chan error
}

// gatedProber blocks every probe until the test resolves it.
type gatedProber struct {
	calls    chan *probeCall
	returned atomic.Int32
}

func newGatedProber() *gatedProber {
	return &gatedProber{calls: make(chan *probeCall, 16)}
}

func (p *gatedProber) Target() string { return "gated" }

func (p *gatedProber) Probe(ctx context.Context) error {
	defer p.returned.Add(1)
	call := &probeCall{ctx: ctx, result: make(chan error, 1)}
	p.calls <- call
	select {
	case err := <-call.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *gatedProber) next(t *testing.T) *probeCall {
	t.Helper()
	select {
	case c := <-p.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("expected a probe to be issued")
		return nil
	}
}

func (p *gatedProber) assertIdle(t *testing.T) {
	t.Helper()
	select {
	case <-p.calls:
		t.Fatal("unexpected probe issued")
	case <-time.After(20 * time.Millisecond):
	}
}

type failingPlatform struct{}

func (failingPlatform) Online() bool { return true }

func (failingPlatform) Subscribe(func(platform.Event)) (func(), error) {
	return nil, errors.New("bridge unavailable")
}

type transitionLog struct {
	mu  sync.Mutex
	all []models.Transition
}

func (l *transitionLog) add(t models.Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, t)
}

func (l *transitionLog) list() []models.Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.Transition(nil), l.all...)
}

func newTestMonitor(t *testing.T, online bool, settings Settings) (*ConnectivityMonitor, *gatedProber, *platform.Bus, *clock.Fake, *transitionLog) {
	t.Helper()
	fake := clock.NewFake(epoch)
	bus := platform.NewBus(online)
	prober := newGatedProber()
	m := NewConnectivityMonitor(settings, prober, bus, Options{Clock: fake})
	log := &transitionLog{}
	m.Subscribe(log.add)
	return m, prober, bus, fake, log
}

func quietSettings() Settings {
	return Settings{ProbeInterval: time.Hour, ProbeTimeout: 5 * time.Second, ForegroundSettle: time.Second}
}

func TestInitialStateFollowsPlatform(t *testing.T) {
	m, _, _, _, _ := newTestMonitor(t, true, quietSettings())
	state := m.State()
	assert.False(t, state.IsOffline)
	require.NotNil(t, state.LastOnlineTime)
	assert.Equal(t, epoch, *state.LastOnlineTime)

	m, _, _, _, _ = newTestMonitor(t, false, quietSettings())
	state = m.State()
	assert.True(t, state.IsOffline)
	assert.Nil(t, state.LastOnlineTime)
	assert.Zero(t, state.OfflineDuration)
}

func TestOfflineDurationMeasuredFromLastOnline(t *testing.T) {
	m, _, bus, fake, log := newTestMonitor(t, true, quietSettings())
	require.NoError(t, m.Start())
	defer m.Stop()

	fake.Advance(5 * time.Second)
	bus.Publish(platform.Event{Kind: platform.KindOffline})
	state := m.State()
	assert.True(t, state.IsOffline)
	assert.Zero(t, state.OfflineDuration)
	assert.Equal(t, epoch, *state.LastOnlineTime)

	fake.Advance(35 * time.Second)
	bus.Publish(platform.Event{Kind: platform.KindOnline})
	state = m.State()
	assert.False(t, state.IsOffline)
	assert.Equal(t, 40, state.OfflineDuration)
	assert.Equal(t, epoch.Add(40*time.Second), *state.LastOnlineTime)

	transitions := log.list()
	require.Len(t, transitions, 2)
	assert.Equal(t, models.StatusOffline, transitions[0].To)
	assert.Equal(t, models.SourceOS, transitions[0].Source)
	assert.Equal(t, models.StatusOnline, transitions[1].To)
	assert.Equal(t, 40, transitions[1].OfflineDuration)
}

func TestRepeatedSignalsDoNotEmit(t *testing.T) {
	m, _, bus, fake, log := newTestMonitor(t, true, quietSettings())
	require.NoError(t, m.Start())
	defer m.Stop()

	bus.Publish(platform.Event{Kind: platform.KindOnline})
	bus.Publish(platform.Event{Kind: platform.KindOffline})
	bus.Publish(platform.Event{Kind: platform.KindOffline})
	fake.Advance(time.Second)
	bus.Publish(platform.Event{Kind: platform.KindOnline})
	bus.Publish(platform.Event{Kind: platform.KindOnline})

	transitions := log.list()
	require.Len(t, transitions, 2)
	assert.Equal(t, 1, transitions[1].OfflineDuration)
}

func TestOnlineObservationRefreshesLastOnlineTime(t *testing.T) {
	m, _, bus, fake, log := newTestMonitor(t, true, quietSettings())
	require.NoError(t, m.Start())
	defer m.Stop()

	fake.Advance(20 * time.Second)
	bus.Publish(platform.Event{Kind: platform.KindOnline})
	assert.Equal(t, epoch.Add(20*time.Second), *m.State().LastOnlineTime)
	assert.Empty(t, log.list())
}

func TestPeriodicProbeDetectsOutage(t *testing.T) {
	settings := Settings{ProbeInterval: 10 * time.Second, ProbeTimeout: 5 * time.Second}
	fake := clock.NewFake(epoch)
	bus := platform.NewBus(true)
	prober := newGatedProber()
	samples, err := storage.NewProbeStorage("", 10)
	require.NoError(t, err)
	m := NewConnectivityMonitor(settings, prober, bus, Options{Clock: fake, Samples: samples})
	require.NoError(t, m.Start())
	defer m.Stop()

	prober.assertIdle(t)
	fake.Advance(10 * time.Second)
	prober.next(t).result <- errors.New("connection refused")

	require.Eventually(t, func() bool { return m.State().IsOffline }, time.Second, 5*time.Millisecond)
	latest, ok := samples.Latest()
	require.True(t, ok)
	assert.False(t, latest.OK)
	assert.Equal(t, models.SourceProbe, latest.Source)
	assert.Equal(t, "connection refused", latest.Error)

	fake.Advance(10 * time.Second)
	prober.next(t).result <- nil
	require.Eventually(t, func() bool { return !m.State().IsOffline }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 20, m.State().OfflineDuration)
}

func TestProbeTimeoutMeansOffline(t *testing.T) {
	settings := Settings{ProbeInterval: 10 * time.Second, ProbeTimeout: 5 * time.Second}
	m, prober, _, fake, log := newTestMonitor(t, true, settings)
	require.NoError(t, m.Start())
	defer m.Stop()

	fake.Advance(10 * time.Second)
	call := prober.next(t)
	fake.Advance(4 * time.Second)
	assert.NoError(t, call.ctx.Err())
	fake.Advance(time.Second)
	assert.Error(t, call.ctx.Err())

	require.Eventually(t, func() bool { return len(log.list()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, m.State().IsOffline)
	assert.Equal(t, models.SourceProbe, log.list()[0].Source)
}

func TestLastProbeToResolveWins(t *testing.T) {
	settings := Settings{ProbeInterval: 10 * time.Second, ProbeTimeout: time.Minute}
	m, prober, _, fake, _ := newTestMonitor(t, true, settings)
	require.NoError(t, m.Start())
	defer m.Stop()

	fake.Advance(10 * time.Second)
	first := prober.next(t)
	fake.Advance(10 * time.Second)
	second := prober.next(t)

	second.result <- nil
	require.Eventually(t, func() bool { return prober.returned.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return m.InFlight() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, m.State().IsOffline)

	first.result <- errors.New("stalled request")
	require.Eventually(t, func() bool { return m.State().IsOffline }, time.Second, 5*time.Millisecond)
}

func TestForegroundTriggersSettledProbe(t *testing.T) {
	m, prober, bus, fake, log := newTestMonitor(t, true, quietSettings())
	require.NoError(t, m.Start())
	defer m.Stop()

	bus.Publish(platform.Event{Kind: platform.KindForeground})
	fake.Advance(999 * time.Millisecond)
	prober.assertIdle(t)
	fake.Advance(time.Millisecond)
	prober.next(t).result <- errors.New("no route to host")

	require.Eventually(t, func() bool { return len(log.list()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, m.State().IsOffline)
	assert.Equal(t, models.SourceForeground, log.list()[0].Source)
}

func TestCheckConnectivityIsImmediate(t *testing.T) {
	m, prober, _, _, log := newTestMonitor(t, false, quietSettings())
	require.NoError(t, m.Start())
	defer m.Stop()

	m.CheckConnectivity()
	prober.next(t).result <- nil
	require.Eventually(t, func() bool { return len(log.list()) == 1 }, time.Second, 5*time.Millisecond)
	transitions := log.list()
	assert.False(t, m.State().IsOffline)
	assert.Equal(t, models.SourceManual, transitions[0].Source)
	assert.Zero(t, transitions[0].OfflineDuration)
}

func TestCheckConnectivityIgnoredWhenStopped(t *testing.T) {
	m, prober, _, _, _ := newTestMonitor(t, true, quietSettings())
	m.CheckConnectivity()
	prober.assertIdle(t)
}

func TestStartTwiceFails(t *testing.T) {
	m, _, _, _, _ := newTestMonitor(t, true, quietSettings())
	require.NoError(t, m.Start())
	defer m.Stop()
	assert.True(t, errs.Is(m.Start(), errs.ErrCodeAlreadyRunning))
}

func TestStartReleasesOnSetupFailure(t *testing.T) {
	fake := clock.NewFake(epoch)
	m := NewConnectivityMonitor(quietSettings(), newGatedProber(), failingPlatform{}, Options{Clock: fake})
	err := m.Start()
	require.Error(t, err)
	assert.False(t, m.Running())
	assert.Zero(t, fake.Pending())
	m.Stop()
}

func TestStopReleasesEverything(t *testing.T) {
	settings := Settings{ProbeInterval: 10 * time.Second, ProbeTimeout: 5 * time.Second, ForegroundSettle: time.Second}
	m, prober, bus, fake, log := newTestMonitor(t, true, settings)

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Start())
		bus.Publish(platform.Event{Kind: platform.KindForeground})
		m.CheckConnectivity()
		prober.next(t)
		assert.Equal(t, 1, bus.Listeners())
		m.Stop()
		m.Stop()
		assert.Zero(t, fake.Pending())
		assert.Zero(t, bus.Listeners())
		assert.Zero(t, m.InFlight())
	}

	require.Eventually(t, func() bool { return prober.returned.Load() == 5 }, time.Second, 5*time.Millisecond)
	assert.False(t, m.State().IsOffline)
	assert.Empty(t, log.list())
}

func TestResultsAfterStopAreDiscarded(t *testing.T) {
	settings := Settings{ProbeInterval: 10 * time.Second, ProbeTimeout: time.Minute}
	m, prober, bus, fake, log := newTestMonitor(t, true, settings)
	require.NoError(t, m.Start())

	fake.Advance(10 * time.Second)
	call := prober.next(t)
	m.Stop()
	call.result <- errors.New("late failure")
	require.Eventually(t, func() bool { return prober.returned.Load() == 1 }, time.Second, 5*time.Millisecond)

	bus.Publish(platform.Event{Kind: platform.KindOffline})
	time.Sleep(20 * time.Millisecond)
	assert.False(t, m.State().IsOffline)
	assert.Empty(t, log.list())
}

func TestRestartResyncsWithPlatform(t *testing.T) {
	m, _, bus, fake, log := newTestMonitor(t, true, quietSettings())
	require.NoError(t, m.Start())
	m.Stop()

	bus.Publish(platform.Event{Kind: platform.KindOffline})
	fake.Advance(time.Minute)
	require.NoError(t, m.Start())
	defer m.Stop()

	assert.True(t, m.State().IsOffline)
	require.Len(t, log.list(), 1)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m, _, bus, _, _ := newTestMonitor(t, true, quietSettings())
	require.NoError(t, m.Start())
	defer m.Stop()

	var calls atomic.Int32
	dispose := m.Subscribe(func(models.Transition) { calls.Add(1) })
	m.Subscribe(func(models.Transition) { panic("listener bug") })
	assert.Equal(t, 3, m.Subscribers())

	bus.Publish(platform.Event{Kind: platform.KindOffline})
	dispose()
	dispose()
	bus.Publish(platform.Event{Kind: platform.KindOnline})
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 2, m.Subscribers())
}
