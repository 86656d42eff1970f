package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shehryarbajwa/vizreview/internal/browser"
	"github.com/shehryarbajwa/vizreview/pkg/models"
)

var (
	// ErrNotFound is returned for ids the registry does not hold
	ErrNotFound = errors.New("session not found")
	// ErrSessionBusy is returned when a run is already using the session
	ErrSessionBusy = errors.New("session is busy")
	// ErrSessionRemoved is returned to a caller waiting on a session that was
	// stopped or could not be recovered
	ErrSessionRemoved = errors.New("session was removed")
)

// Session is a live browser kept between runs together with everything
// needed to review the same site again
type Session struct {
	ID           string
	TargetOrigin string
	ReportID     string
	Pages        []models.PageSpec
	Viewports    []models.ViewportSpec
	CreatedAt    time.Time

	mu      sync.Mutex
	browser browser.Browser
	page    browser.Page
	auth    *models.AuthState
	state   models.SessionState
	// changed is closed and replaced on every state transition
	changed chan struct{}
	busy    bool
	crashes int
	closing bool
	watched bool
	poller  *poller
}

// Config is the immutable part of a new session
type Config struct {
	ID           string
	TargetOrigin string
	ReportID     string
	Pages        []models.PageSpec
	Viewports    []models.ViewportSpec
	AuthState    *models.AuthState
	CreatedAt    time.Time
}

// New wraps a launched browser and its page into a session. The session
// takes ownership of both handles.
func New(cfg Config, b browser.Browser, p browser.Page) *Session {
	return &Session{
		ID:           cfg.ID,
		TargetOrigin: cfg.TargetOrigin,
		ReportID:     cfg.ReportID,
		Pages:        append([]models.PageSpec(nil), cfg.Pages...),
		Viewports:    append([]models.ViewportSpec(nil), cfg.Viewports...),
		CreatedAt:    cfg.CreatedAt,
		browser:      b,
		page:         p,
		auth:         cfg.AuthState.Clone(),
		state:        models.SessionLive,
		changed:      make(chan struct{}),
	}
}

// Page returns the current page handle. It changes after a crash recovery,
// so callers fetch it again for every capture.
func (s *Session) Page() browser.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

// Browser returns the current browser handle
func (s *Session) Browser() browser.Browser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.browser
}

// Handles returns the browser and page as one consistent pair
func (s *Session) Handles() (browser.Browser, browser.Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.browser, s.page
}

// AuthState returns a copy of the credentials the session was seeded with
func (s *Session) AuthState() *models.AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth.Clone()
}

// State returns the lifecycle state
func (s *Session) State() models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TryAcquire marks the session busy. It returns false, without waiting,
// when another run already holds it or the session is gone.
func (s *Session) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy || s.state == models.SessionRemoved {
		return false
	}
	s.busy = true
	return true
}

// Release clears the busy flag
func (s *Session) Release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// Busy reports whether a run holds the session
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// MarkCaptureOK records a successful capture, which re-enables crash recovery
func (s *Session) MarkCaptureOK() {
	s.mu.Lock()
	s.crashes = 0
	s.mu.Unlock()
}

// WaitLive blocks while the session is relaunching. It returns
// ErrSessionRemoved when the session did not come back.
func (s *Session) WaitLive(ctx context.Context) error {
	return s.await(ctx, func(browser.Browser) bool { return true })
}

// WaitRecovered blocks until the session runs on a browser other than
// crashed. A crashed handle that is in fact still connected returns at once.
func (s *Session) WaitRecovered(ctx context.Context, crashed browser.Browser) error {
	if crashed != nil && crashed.IsConnected() {
		return nil
	}
	return s.await(ctx, func(b browser.Browser) bool { return b != crashed })
}

func (s *Session) await(ctx context.Context, done func(browser.Browser) bool) error {
	for {
		s.mu.Lock()
		state, b, changed := s.state, s.browser, s.changed
		s.mu.Unlock()

		switch {
		case state == models.SessionRemoved:
			return ErrSessionRemoved
		case state == models.SessionLive && done(b):
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// transition moves to state and wakes every waiter. Callers hold s.mu.
func (s *Session) transition(state models.SessionState) {
	s.state = state
	close(s.changed)
	s.changed = make(chan struct{})
}

// Info returns the public view of the session
func (s *Session) Info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := models.SessionInfo{
		ID:           s.ID,
		TargetOrigin: s.TargetOrigin,
		ReportID:     s.ReportID,
		State:        s.state,
		StartedAt:    s.CreatedAt,
		Busy:         s.busy,
	}
	if s.poller != nil {
		info.Polling = true
		info.PollInterval = s.poller.interval
	}
	return info
}

// markRemoved moves the session to its terminal state and hands back what
// the caller must release. It reports false when already removed.
func (s *Session) markRemoved() (browser.Browser, *poller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == models.SessionRemoved {
		return nil, nil, false
	}
	s.closing = true
	s.transition(models.SessionRemoved)
	b, p := s.browser, s.poller
	s.poller = nil
	return b, p, true
}
