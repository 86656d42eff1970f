// Package browser defines the contract the orchestrator needs from a
// browser-automation engine and implements it on top of playwright, either
// with a locally launched chromium or a browserless container.
package browser

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shehryarbajwa/vizreview/pkg/models"
)

// ErrBrowserClosed means the browser process exited or its connection
// dropped. It is distinct from ordinary navigation and selector failures.
var ErrBrowserClosed = errors.New("browser process has exited")

// Launcher starts new browser processes
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Browser is a live browser process
type Browser interface {
	// NewPage opens a page in a fresh context, seeded with auth when non-nil
	NewPage(ctx context.Context, auth *models.AuthState) (Page, error)
	// OnDisconnected registers fn to run once when the process goes away
	OnDisconnected(fn func())
	IsConnected() bool
	Close() error
}

// Page is a single tab bound to a Browser
type Page interface {
	SetViewport(width, height int) error
	Goto(ctx context.Context, url string, timeout time.Duration) error
	RunAction(ctx context.Context, action models.Action) error
	Screenshot(ctx context.Context) ([]byte, error)
	URL() string
	// StorageState captures the cookies and local storage of the page's context
	StorageState() (*models.AuthState, error)
	Close() error
}

var crashMarkers = []string{
	"target closed",
	"browser has been closed",
	"browser has disconnected",
	"target page, context or browser has been closed",
	"connection closed",
	"websocket: close",
	"process exited",
}

// IsCrash reports whether err means the browser process is gone
func IsCrash(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBrowserClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range crashMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
