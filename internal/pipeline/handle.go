package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/shehryarbajwa/vizreview/internal/browser"
	"github.com/shehryarbajwa/vizreview/internal/session"
	"github.com/shehryarbajwa/vizreview/pkg/models"
)

// recoverTimeout bounds how long a run waits for a crashed session browser
// to be replaced
const recoverTimeout = 2 * time.Minute

// handle is where a run gets its page from
type handle interface {
	acquire(ctx context.Context) (browser.Browser, browser.Page, error)
	// recover is called after a crash of crashed; an error ends the run
	recover(ctx context.Context, crashed browser.Browser) error
	captured()
	release()
}

// sessionHandle borrows the page of a session. Crash recovery belongs to the
// session supervisor; the run only waits for it.
type sessionHandle struct {
	sess *session.Session
}

func (h *sessionHandle) acquire(ctx context.Context) (browser.Browser, browser.Page, error) {
	if err := h.sess.WaitLive(ctx); err != nil {
		return nil, nil, err
	}
	b, p := h.sess.Handles()
	return b, p, nil
}

func (h *sessionHandle) recover(ctx context.Context, crashed browser.Browser) error {
	ctx, cancel := context.WithTimeout(ctx, recoverTimeout)
	defer cancel()
	return h.sess.WaitRecovered(ctx, crashed)
}

func (h *sessionHandle) captured() { h.sess.MarkCaptureOK() }

// the session keeps its browser
func (h *sessionHandle) release() {}

// throwawayHandle owns a browser for the length of one run. After a crash
// the browser is launched again for the next key, once per successful
// capture.
type throwawayHandle struct {
	launcher browser.Launcher
	auth     *models.AuthState

	browser browser.Browser
	page    browser.Page
	crashes int
}

func (h *throwawayHandle) acquire(ctx context.Context) (browser.Browser, browser.Page, error) {
	if h.page != nil {
		return h.browser, h.page, nil
	}
	b, err := h.launcher.Launch(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	p, err := b.NewPage(ctx, h.auth)
	if err != nil {
		_ = b.Close()
		return nil, nil, fmt.Errorf("failed to open page: %w", err)
	}
	h.browser, h.page = b, p
	return b, p, nil
}

func (h *throwawayHandle) recover(_ context.Context, crashed browser.Browser) error {
	if crashed != nil && crashed.IsConnected() {
		return nil
	}
	h.release()
	h.crashes++
	if h.crashes > 1 {
		return browser.ErrBrowserClosed
	}
	return nil
}

func (h *throwawayHandle) captured() { h.crashes = 0 }

func (h *throwawayHandle) release() {
	if h.browser != nil {
		_ = h.browser.Close()
	}
	h.browser, h.page = nil, nil
}
