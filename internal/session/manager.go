package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/vizreview/internal/browser"
	"github.com/shehryarbajwa/vizreview/internal/config"
	"github.com/shehryarbajwa/vizreview/internal/logging"
	"github.com/shehryarbajwa/vizreview/pkg/models"
)

const relaunchTimeout = 90 * time.Second

// ErrTooManySessions is returned when every session slot is taken
var ErrTooManySessions = errors.New("persistent session limit reached")

var errShutDown = errors.New("session manager is shut down")

// CycleFunc is run on every poll tick of a session
type CycleFunc func(ctx context.Context, s *Session)

type poller struct {
	interval time.Duration
	cancel   context.CancelFunc
}

// Manager owns every persistent session: registration, the crash
// supervisor, poll timers and the shutdown sweep
type Manager struct {
	registry Registry
	launcher browser.Launcher
	clock    clock.Clock
	minPoll  time.Duration
	slots    *semaphore.Weighted
	logger   logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	tasks   sync.WaitGroup
}

// Options configures a Manager
type Options struct {
	Registry        Registry
	Launcher        browser.Launcher
	Clock           clock.Clock
	MinPollInterval time.Duration
	MaxSessions     int
	Logger          logrus.FieldLogger
}

// NewManager creates a session manager
func NewManager(opts Options) *Manager {
	if opts.Registry == nil {
		opts.Registry = NewMemoryRegistry()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.MinPollInterval <= 0 {
		opts.MinPollInterval = config.MinPollFloor
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 10
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNullLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		registry: opts.Registry,
		launcher: opts.Launcher,
		clock:    opts.Clock,
		minPoll:  opts.MinPollInterval,
		slots:    semaphore.NewWeighted(int64(opts.MaxSessions)),
		logger:   opts.Logger.WithField("component", "sessions"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Watch arms the crash supervisor on s before it is registered. Register
// arms it too, so calling Watch is only needed for a session whose first
// run should already recover from crashes.
func (m *Manager) Watch(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watched || s.state == models.SessionRemoved {
		return
	}
	s.watched = true
	m.watch(s, s.browser)
}

// Register stores s and starts watching its browser for crashes
func (m *Manager) Register(s *Session) error {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return errShutDown
	}
	if s.State() == models.SessionRemoved {
		return ErrSessionRemoved
	}

	if !m.slots.TryAcquire(1) {
		return ErrTooManySessions
	}
	if err := m.registry.Register(s); err != nil {
		m.slots.Release(1)
		return err
	}
	// a removal between the check above and the insert could not see the
	// entry, so take it back out here
	if s.State() == models.SessionRemoved {
		if m.registry.Remove(s.ID, s) {
			m.slots.Release(1)
		}
		return ErrSessionRemoved
	}
	m.Watch(s)

	m.logger.WithFields(logrus.Fields{
		"session": s.ID,
		"origin":  s.TargetOrigin,
	}).Info("✅ Persistent session registered")
	return nil
}

// Get retrieves a session by id
func (m *Manager) Get(id string) (*Session, bool) {
	return m.registry.Get(id)
}

// Stop removes a session, cancelling its poll timer and closing its browser.
// Stopping an unknown or already stopped session is a no-op that returns false.
func (m *Manager) Stop(id string) bool {
	s, ok := m.registry.Get(id)
	if !ok {
		return false
	}
	return m.remove(s, "stopped")
}

// Discard closes a session that was never registered, or removes one that
// was. It is safe to call more than once.
func (m *Manager) Discard(s *Session) {
	m.remove(s, "discarded")
}

// List returns the public view of every registered session
func (m *Manager) List() []models.SessionInfo {
	sessions := m.registry.List()
	out := make([]models.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// StartPolling runs cycle on s every interval until stopped. An existing
// timer on the session is replaced.
func (m *Manager) StartPolling(id string, interval time.Duration, cycle CycleFunc) error {
	if interval < m.minPoll {
		return fmt.Errorf("%w: %s is below %s", config.ErrPollIntervalTooShort, interval, m.minPoll)
	}
	s, ok := m.registry.Get(id)
	if !ok {
		return ErrNotFound
	}
	if !m.track() {
		return errShutDown
	}

	ctx, cancel := context.WithCancel(m.ctx)
	p := &poller{interval: interval, cancel: cancel}

	s.mu.Lock()
	if s.state == models.SessionRemoved {
		s.mu.Unlock()
		cancel()
		m.tasks.Done()
		return ErrNotFound
	}
	prev := s.poller
	s.poller = p
	s.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}

	ticker := m.clock.Ticker(interval)
	go m.pollLoop(ctx, s, ticker, cycle)

	m.logger.WithFields(logrus.Fields{"session": id, "interval": interval}).Info("⏱️ Polling enabled")
	return nil
}

func (m *Manager) pollLoop(ctx context.Context, s *Session, ticker *clock.Ticker, cycle CycleFunc) {
	defer m.tasks.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			cycle(ctx, s)
		}
	}
}

// StopPolling cancels the session's poll timer. It is a no-op when polling
// is not enabled.
func (m *Manager) StopPolling(id string) error {
	s, ok := m.registry.Get(id)
	if !ok {
		return ErrNotFound
	}
	s.mu.Lock()
	p := s.poller
	s.poller = nil
	s.mu.Unlock()

	if p != nil {
		p.cancel()
		m.logger.WithField("session", id).Info("Polling disabled")
	}
	return nil
}

// Shutdown cancels every timer and closes every browser. Failures are
// logged and otherwise ignored. It waits for background work until ctx ends.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.cancel()

	for _, s := range m.registry.List() {
		m.remove(s, "shutdown")
	}

	done := make(chan struct{})
	go func() {
		m.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown timed out waiting for session tasks")
	}
}

// track registers a background task unless the manager is shutting down
func (m *Manager) track() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}
	m.tasks.Add(1)
	return true
}

// remove is the single path out of the registry
func (m *Manager) remove(s *Session, reason string) bool {
	b, p, ok := s.markRemoved()
	if !ok {
		return false
	}
	if m.registry.Remove(s.ID, s) {
		m.slots.Release(1)
	}

	if p != nil {
		p.cancel()
	}
	if b != nil {
		if err := b.Close(); err != nil {
			m.logger.WithError(err).WithField("session", s.ID).Debug("browser close failed")
		}
	}

	m.logger.WithFields(logrus.Fields{"session": s.ID, "reason": reason}).Info("🔌 Session removed")
	return true
}

// watch arms the crash supervisor on b. Callers hold s.mu.
func (m *Manager) watch(s *Session, b browser.Browser) {
	b.OnDisconnected(func() {
		if !m.track() {
			return
		}
		go func() {
			defer m.tasks.Done()
			m.handleDisconnect(s, b)
		}()
	})
}

// handleDisconnect runs the Live -> Relaunching -> (Live | Removed) step for
// a browser that went away. Only one relaunch is attempted per successful
// capture; a second crash removes the session.
func (m *Manager) handleDisconnect(s *Session, b browser.Browser) {
	log := m.logger.WithField("session", s.ID)

	s.mu.Lock()
	if s.state != models.SessionLive || s.closing || s.browser != b {
		s.mu.Unlock()
		return
	}
	if s.crashes > 0 {
		s.mu.Unlock()
		log.Warn("💥 Browser crashed again before a successful capture")
		m.remove(s, "repeated crash")
		return
	}
	s.crashes++
	s.transition(models.SessionRelaunching)
	auth := s.auth.Clone()
	s.mu.Unlock()

	log.Warn("💥 Browser disconnected, relaunching")

	ctx, cancel := context.WithTimeout(m.ctx, relaunchTimeout)
	defer cancel()

	nb, err := m.launcher.Launch(ctx)
	if err != nil {
		log.WithError(err).Error("relaunch failed")
		m.remove(s, "relaunch failed")
		return
	}
	np, err := nb.NewPage(ctx, auth)
	if err != nil {
		_ = nb.Close()
		log.WithError(err).Error("relaunch failed to open a page")
		m.remove(s, "relaunch failed")
		return
	}

	s.mu.Lock()
	if s.state != models.SessionRelaunching {
		// stopped while relaunching
		s.mu.Unlock()
		_ = nb.Close()
		return
	}
	old := s.browser
	s.browser, s.page = nb, np
	s.transition(models.SessionLive)
	m.watch(s, nb)
	s.mu.Unlock()

	_ = old.Close()
	log.Info("♻️ Browser relaunched")
}
