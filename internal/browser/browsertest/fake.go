// Package browsertest provides an in-memory browser engine for tests.
package browsertest

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"sync"
	"time"

	"github.com/shehryarbajwa/vizreview/internal/browser"
	"github.com/shehryarbajwa/vizreview/pkg/models"
)

// Launcher hands out fake browsers
type Launcher struct {
	mu       sync.Mutex
	browsers []*Browser

	// LaunchErr, when set, fails every launch
	LaunchErr error
	// Shot renders the screenshot for a page. Defaults to a solid white PNG
	// of the viewport size.
	Shot func(url string, width, height int) ([]byte, error)
	// OnGoto runs before every navigation; a returned error fails it
	OnGoto func(p *Page, url string) error
	// OnAction runs for every action; a returned error fails it
	OnAction func(p *Page, a models.Action) error
	// State is returned from Page.StorageState
	State *models.AuthState
}

// Launch implements browser.Launcher
func (l *Launcher) Launch(ctx context.Context) (browser.Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.LaunchErr != nil {
		return nil, l.LaunchErr
	}
	b := &Browser{launcher: l, connected: true}
	l.browsers = append(l.browsers, b)
	return b, nil
}

// SetLaunchErr changes the launch error while other goroutines may launch
func (l *Launcher) SetLaunchErr(err error) {
	l.mu.Lock()
	l.LaunchErr = err
	l.mu.Unlock()
}

// Launches returns how many browsers were started
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.browsers)
}

// Browsers returns every browser launched so far
func (l *Launcher) Browsers() []*Browser {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Browser(nil), l.browsers...)
}

// Last returns the most recently launched browser
func (l *Launcher) Last() *Browser {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.browsers) == 0 {
		return nil
	}
	return l.browsers[len(l.browsers)-1]
}

// Browser is a fake browser process
type Browser struct {
	launcher *Launcher

	mu        sync.Mutex
	connected bool
	closed    bool
	handlers  []func()
	pages     []*Page
}

// NewPage implements browser.Browser
func (b *Browser) NewPage(ctx context.Context, auth *models.AuthState) (browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, browser.ErrBrowserClosed
	}
	p := &Page{browser: b, Auth: auth.Clone()}
	b.pages = append(b.pages, p)
	return p, nil
}

// OnDisconnected implements browser.Browser
func (b *Browser) OnDisconnected(fn func()) {
	b.mu.Lock()
	b.handlers = append(b.handlers, fn)
	b.mu.Unlock()
}

// IsConnected implements browser.Browser
func (b *Browser) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Close implements browser.Browser. A deliberate close does not fire the
// disconnect handlers.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.connected = false
	return nil
}

// Closed reports whether Close was called
func (b *Browser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Pages returns every page opened on the browser
func (b *Browser) Pages() []*Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Page(nil), b.pages...)
}

// Crash simulates the process dying and fires the disconnect handlers on
// their own goroutine, as a real engine would
func (b *Browser) Crash() {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return
	}
	b.connected = false
	handlers := append([]func(){}, b.handlers...)
	b.mu.Unlock()

	go func() {
		for _, h := range handlers {
			h()
		}
	}()
}

// Page is a fake tab
type Page struct {
	browser *Browser
	Auth    *models.AuthState

	mu      sync.Mutex
	url     string
	width   int
	height  int
	actions []models.Action
	visits  []string
	closed  bool
}

func (p *Page) alive() error {
	if !p.browser.IsConnected() {
		return browser.ErrBrowserClosed
	}
	return nil
}

// SetViewport implements browser.Page
func (p *Page) SetViewport(width, height int) error {
	if err := p.alive(); err != nil {
		return err
	}
	p.mu.Lock()
	p.width, p.height = width, height
	p.mu.Unlock()
	return nil
}

// Goto implements browser.Page
func (p *Page) Goto(ctx context.Context, url string, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.alive(); err != nil {
		return err
	}
	if hook := p.browser.launcher.OnGoto; hook != nil {
		if err := hook(p, url); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.url = url
	p.visits = append(p.visits, url)
	p.mu.Unlock()
	return nil
}

// RunAction implements browser.Page
func (p *Page) RunAction(ctx context.Context, a models.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.alive(); err != nil {
		return err
	}
	if hook := p.browser.launcher.OnAction; hook != nil {
		if err := hook(p, a); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.actions = append(p.actions, a)
	p.mu.Unlock()
	return nil
}

// Screenshot implements browser.Page
func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.alive(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	url, w, h := p.url, p.width, p.height
	p.mu.Unlock()
	if shot := p.browser.launcher.Shot; shot != nil {
		return shot(url, w, h)
	}
	return SolidPNG(w, h, color.White), nil
}

// URL implements browser.Page
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// SetURL moves the page without a navigation, like a client-side redirect
func (p *Page) SetURL(url string) {
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
}

// StorageState implements browser.Page
func (p *Page) StorageState() (*models.AuthState, error) {
	if err := p.alive(); err != nil {
		return nil, err
	}
	if s := p.browser.launcher.State; s != nil {
		return s.Clone(), nil
	}
	return &models.AuthState{}, nil
}

// Close implements browser.Page
func (p *Page) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Actions returns the actions run on the page
func (p *Page) Actions() []models.Action {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Action(nil), p.actions...)
}

// Visits returns every URL navigated to
func (p *Page) Visits() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.visits...)
}

// SolidPNG encodes a w x h image filled with c
func SolidPNG(w, h int, c color.Color) []byte {
	if w <= 0 {
		w = 1
	}
	if h <= 0 {
		h = 1
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
