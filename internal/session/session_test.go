package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/shehryarbajwa/vizreview/internal/browser/browsertest"
	"github.com/shehryarbajwa/vizreview/internal/config"
	"github.com/shehryarbajwa/vizreview/internal/logging"
	"github.com/shehryarbajwa/vizreview/pkg/models"
)

func newManager(t *testing.T, l *browsertest.Launcher, clk clock.Clock) *Manager {
	t.Helper()
	return NewManager(Options{
		Launcher:        l,
		Clock:           clk,
		MinPollInterval: time.Minute,
		MaxSessions:     2,
		Logger:          logging.NewNullLogger(),
	})
}

func launchSession(t *testing.T, l *browsertest.Launcher, id string) *Session {
	t.Helper()
	ctx := context.Background()
	b, err := l.Launch(ctx)
	require.NoError(t, err)
	p, err := b.NewPage(ctx, nil)
	require.NoError(t, err)
	return New(Config{
		ID:           id,
		TargetOrigin: "https://example.test",
		ReportID:     "r-" + id,
		AuthState:    &models.AuthState{Cookies: []models.Cookie{{Name: "sid", Value: "abc", Domain: "example.test"}}},
		CreatedAt:    time.Unix(int64(len(id)), 0),
	}, b, p)
}

// hookedRegistry runs beforeInsert ahead of every insert
type hookedRegistry struct {
	Registry
	beforeInsert func(*Session)
}

func (r *hookedRegistry) Register(s *Session) error {
	if r.beforeInsert != nil {
		r.beforeInsert(s)
	}
	return r.Registry.Register(s)
}

func shutdown(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.Shutdown(ctx)
}

func TestTryAcquireIsExclusive(t *testing.T) {
	s := launchSession(t, &browsertest.Launcher{}, "s1")
	require.True(t, s.TryAcquire())
	assert.False(t, s.TryAcquire())
	assert.True(t, s.Busy())

	s.Release()
	assert.True(t, s.TryAcquire())
}

func TestCrashRelaunchesOnceThenRemoves(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := &browsertest.Launcher{}
	m := newManager(t, l, clock.NewMock())
	s := launchSession(t, l, "s1")
	require.NoError(t, m.Register(s))

	first := l.Last()
	first.Crash()

	require.Eventually(t, func() bool {
		return l.Launches() == 2 && s.State() == models.SessionLive
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.WaitLive(context.Background()))
	require.Eventually(t, first.Closed, time.Second, 5*time.Millisecond)

	second := l.Last()
	assert.Same(t, second, s.Browser())
	pages := second.Pages()
	require.Len(t, pages, 1)
	assert.Equal(t, "abc", pages[0].Auth.Cookies[0].Value)

	// no successful capture in between
	second.Crash()
	require.Eventually(t, func() bool {
		return s.State() == models.SessionRemoved
	}, 2*time.Second, 5*time.Millisecond)

	_, ok := m.Get("s1")
	assert.False(t, ok)
	assert.Equal(t, 2, l.Launches())
	assert.ErrorIs(t, s.WaitLive(context.Background()), ErrSessionRemoved)

	shutdown(t, m)
}

func TestCaptureSuccessReenablesRecovery(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := &browsertest.Launcher{}
	m := newManager(t, l, clock.NewMock())
	s := launchSession(t, l, "s1")
	require.NoError(t, m.Register(s))

	l.Last().Crash()
	require.Eventually(t, func() bool { return l.Launches() == 2 && s.State() == models.SessionLive }, 2*time.Second, 5*time.Millisecond)

	s.MarkCaptureOK()
	l.Last().Crash()
	require.Eventually(t, func() bool { return l.Launches() == 3 && s.State() == models.SessionLive }, 2*time.Second, 5*time.Millisecond)

	shutdown(t, m)
}

func TestRelaunchFailureRemovesSession(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := &browsertest.Launcher{}
	m := newManager(t, l, clock.NewMock())
	s := launchSession(t, l, "s1")
	require.NoError(t, m.Register(s))

	l.SetLaunchErr(errors.New("no chromium"))
	l.Last().Crash()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Eventually(t, func() bool { return s.State() != models.SessionLive }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, s.WaitLive(ctx), ErrSessionRemoved)
	assert.Empty(t, m.List())

	shutdown(t, m)
}

func TestStopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := &browsertest.Launcher{}
	mock := clock.NewMock()
	m := newManager(t, l, mock)
	s := launchSession(t, l, "s1")
	require.NoError(t, m.Register(s))

	var cycles atomic.Int32
	require.NoError(t, m.StartPolling("s1", time.Minute, func(context.Context, *Session) { cycles.Add(1) }))

	assert.True(t, m.Stop("s1"))
	assert.False(t, m.Stop("s1"))
	assert.False(t, m.Stop("missing"))
	assert.True(t, l.Last().Closed())
	assert.Equal(t, models.SessionRemoved, s.State())

	mock.Add(3 * time.Minute)
	assert.Zero(t, cycles.Load())

	// a deliberate close is not a crash
	assert.Equal(t, 1, l.Launches())

	shutdown(t, m)
}

func TestPollingRunsOnEveryTick(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := &browsertest.Launcher{}
	mock := clock.NewMock()
	m := newManager(t, l, mock)
	require.NoError(t, m.Register(launchSession(t, l, "s1")))

	ticks := make(chan struct{}, 4)
	require.NoError(t, m.StartPolling("s1", 2*time.Minute, func(context.Context, *Session) { ticks <- struct{}{} }))

	info := m.List()
	require.Len(t, info, 1)
	assert.True(t, info[0].Polling)
	assert.Equal(t, 2*time.Minute, info[0].PollInterval)

	mock.Add(2 * time.Minute)
	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("poll cycle did not run")
	}

	require.NoError(t, m.StopPolling("s1"))
	assert.False(t, m.List()[0].Polling)
	require.NoError(t, m.StopPolling("s1"))

	shutdown(t, m)
}

func TestPollingRejectsShortInterval(t *testing.T) {
	l := &browsertest.Launcher{}
	m := newManager(t, l, clock.NewMock())
	defer shutdown(t, m)
	require.NoError(t, m.Register(launchSession(t, l, "s1")))

	err := m.StartPolling("s1", 30*time.Second, func(context.Context, *Session) {})
	assert.ErrorIs(t, err, config.ErrPollIntervalTooShort)
	assert.ErrorIs(t, m.StartPolling("nope", time.Hour, func(context.Context, *Session) {}), ErrNotFound)
}

func TestRegisterRespectsSessionLimit(t *testing.T) {
	l := &browsertest.Launcher{}
	m := newManager(t, l, clock.NewMock())
	defer shutdown(t, m)

	require.NoError(t, m.Register(launchSession(t, l, "a")))
	require.NoError(t, m.Register(launchSession(t, l, "bb")))
	assert.ErrorIs(t, m.Register(launchSession(t, l, "ccc")), ErrTooManySessions)

	require.True(t, m.Stop("a"))
	assert.NoError(t, m.Register(launchSession(t, l, "dddd")))

	ids := []string{}
	for _, info := range m.List() {
		ids = append(ids, info.ID)
	}
	assert.Equal(t, []string{"bb", "dddd"}, ids)
}

func TestShutdownClosesEverything(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := &browsertest.Launcher{}
	m := newManager(t, l, clock.NewMock())
	require.NoError(t, m.Register(launchSession(t, l, "a")))
	require.NoError(t, m.Register(launchSession(t, l, "bb")))
	require.NoError(t, m.StartPolling("a", time.Minute, func(context.Context, *Session) {}))

	shutdown(t, m)

	for _, b := range l.Browsers() {
		assert.True(t, b.Closed())
	}
	assert.Empty(t, m.List())
	assert.Error(t, m.Register(launchSession(t, l, "ccc")))
}

func TestWatchedSessionRecoversBeforeRegistration(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := &browsertest.Launcher{}
	m := newManager(t, l, clock.NewMock())
	s := launchSession(t, l, "s1")
	m.Watch(s)
	m.Watch(s)

	crashed := s.Browser()
	l.Last().Crash()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitRecovered(ctx, crashed))
	assert.NotSame(t, crashed, s.Browser())
	assert.Equal(t, 2, l.Launches())
	assert.Empty(t, m.List())

	require.NoError(t, m.Register(s))
	assert.Len(t, m.List(), 1)

	shutdown(t, m)
}

func TestWaitRecoveredReturnsForConnectedBrowser(t *testing.T) {
	s := launchSession(t, &browsertest.Launcher{}, "s1")
	require.NoError(t, s.WaitRecovered(context.Background(), s.Browser()))
}

func TestDiscardUnregisteredSession(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := &browsertest.Launcher{}
	m := newManager(t, l, clock.NewMock())
	s := launchSession(t, l, "s1")
	m.Watch(s)

	m.Discard(s)
	m.Discard(s)
	assert.True(t, l.Last().Closed())
	assert.ErrorIs(t, m.Register(s), ErrSessionRemoved)

	// discarding never frees a slot that was not taken
	require.NoError(t, m.Register(launchSession(t, l, "a")))
	require.NoError(t, m.Register(launchSession(t, l, "bb")))
	assert.ErrorIs(t, m.Register(launchSession(t, l, "ccc")), ErrTooManySessions)

	shutdown(t, m)
}

func TestRemovalDuringRegisterLeavesNoEntry(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := &browsertest.Launcher{}
	reg := &hookedRegistry{Registry: NewMemoryRegistry()}
	m := NewManager(Options{
		Registry:    reg,
		Launcher:    l,
		Clock:       clock.NewMock(),
		MaxSessions: 2,
		Logger:      logging.NewNullLogger(),
	})

	s := launchSession(t, l, "s1")
	reg.beforeInsert = func(in *Session) {
		if in == s {
			m.Discard(in)
		}
	}
	assert.ErrorIs(t, m.Register(s), ErrSessionRemoved)
	_, ok := m.Get("s1")
	assert.False(t, ok)
	assert.Empty(t, m.List())

	// the slot taken for the removed session was given back
	require.NoError(t, m.Register(launchSession(t, l, "a")))
	require.NoError(t, m.Register(launchSession(t, l, "bb")))

	shutdown(t, m)
}
