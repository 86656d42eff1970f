package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/vizreview/pkg/models"
)

// Driver owns the playwright driver process shared by every launcher
type Driver struct {
	mu          sync.Mutex
	pw          *playwright.Playwright
	initialized bool
}

// NewDriver creates an uninitialized driver
func NewDriver() *Driver {
	return &Driver{}
}

// Initialize installs and starts the playwright driver. Safe to call twice.
func (d *Driver) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initialized {
		return nil
	}

	opts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if err := playwright.Install(opts); err != nil {
		return fmt.Errorf("failed to install playwright: %w", err)
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	d.pw = pw
	d.initialized = true
	return nil
}

func (d *Driver) playwright() (*playwright.Playwright, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return nil, errors.New("playwright driver not initialized")
	}
	return d.pw, nil
}

// Stop shuts the driver down
func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return nil
	}
	d.initialized = false
	if err := d.pw.Stop(); err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

// LocalLauncher launches chromium on this host
type LocalLauncher struct {
	driver   *Driver
	headless bool
	logger   logrus.FieldLogger
}

// NewLocalLauncher creates a launcher for local chromium processes
func NewLocalLauncher(driver *Driver, headless bool, logger logrus.FieldLogger) *LocalLauncher {
	return &LocalLauncher{
		driver:   driver,
		headless: headless,
		logger:   logger.WithField("component", "browser"),
	}
}

// Launch starts a new chromium process
func (l *LocalLauncher) Launch(ctx context.Context) (Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := l.driver.playwright()
	if err != nil {
		return nil, err
	}

	b, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(l.headless),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	l.logger.Debug("chromium launched")
	return newPWBrowser(b, nil), nil
}

// pwBrowser adapts a playwright browser. release, when set, runs after the
// browser is closed (the docker launcher uses it to stop the container).
type pwBrowser struct {
	browser playwright.Browser
	release func() error

	closeOnce sync.Once
	closeErr  error
}

func newPWBrowser(b playwright.Browser, release func() error) *pwBrowser {
	return &pwBrowser{browser: b, release: release}
}

func (b *pwBrowser) NewPage(ctx context.Context, auth *models.AuthState) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !b.browser.IsConnected() {
		return nil, ErrBrowserClosed
	}

	opts := playwright.BrowserNewContextOptions{}
	if !auth.Empty() {
		path, err := writeStorageState(auth)
		if err != nil {
			return nil, err
		}
		defer os.Remove(path)
		opts.StorageStatePath = playwright.String(path)
	}

	bctx, err := b.browser.NewContext(opts)
	if err != nil {
		return nil, classify(b.browser, fmt.Errorf("failed to create context: %w", err))
	}
	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		return nil, classify(b.browser, fmt.Errorf("failed to create page: %w", err))
	}
	return &pwPage{browser: b.browser, context: bctx, page: page}, nil
}

func (b *pwBrowser) OnDisconnected(fn func()) {
	b.browser.OnDisconnected(func(playwright.Browser) { fn() })
}

func (b *pwBrowser) IsConnected() bool {
	return b.browser.IsConnected()
}

func (b *pwBrowser) Close() error {
	b.closeOnce.Do(func() {
		if b.browser.IsConnected() {
			b.closeErr = b.browser.Close()
		}
		if b.release != nil {
			if err := b.release(); err != nil && b.closeErr == nil {
				b.closeErr = err
			}
		}
	})
	return b.closeErr
}

type pwPage struct {
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
}

func ms(d time.Duration) *float64 {
	return playwright.Float(float64(d.Milliseconds()))
}

func (p *pwPage) SetViewport(width, height int) error {
	if err := p.page.SetViewportSize(width, height); err != nil {
		return classify(p.browser, fmt.Errorf("set viewport failed: %w", err))
	}
	return nil
}

func (p *pwPage) Goto(ctx context.Context, url string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		Timeout:   ms(timeout),
		WaitUntil: playwright.WaitUntilStateLoad,
	})
	if err != nil {
		return classify(p.browser, fmt.Errorf("navigation failed: %w", err))
	}
	return nil
}

func (p *pwPage) RunAction(ctx context.Context, a models.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timeout := ms(a.Timeout())

	var err error
	switch a.Type {
	case models.ActionClick:
		err = p.page.Locator(a.Selector).First().Click(playwright.LocatorClickOptions{Timeout: timeout})
	case models.ActionFill:
		err = p.page.Locator(a.Selector).First().Fill(a.Value, playwright.LocatorFillOptions{Timeout: timeout})
	case models.ActionHover:
		err = p.page.Locator(a.Selector).First().Hover(playwright.LocatorHoverOptions{Timeout: timeout})
	case models.ActionWaitFor:
		err = p.page.Locator(a.Selector).First().WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: timeout,
		})
	case models.ActionSelect:
		values := []string{a.Value}
		_, err = p.page.Locator(a.Selector).First().SelectOption(
			playwright.SelectOptionValues{Values: &values},
			playwright.LocatorSelectOptionOptions{Timeout: timeout},
		)
	case models.ActionPress:
		err = p.page.Keyboard().Press(a.Key)
	case models.ActionPause:
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(a.DurationMs) * time.Millisecond):
		}
	case models.ActionWaitForIdle:
		err = p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
			State:   playwright.LoadStateNetworkidle,
			Timeout: timeout,
		})
	default:
		err = fmt.Errorf("unknown action type %q", a.Type)
	}
	if err != nil {
		return classify(p.browser, fmt.Errorf("%s action failed: %w", a.Type, err))
	}
	return nil
}

func (p *pwPage) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf, err := p.page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(true),
		Type:     playwright.ScreenshotTypePng,
	})
	if err != nil {
		return nil, classify(p.browser, fmt.Errorf("screenshot failed: %w", err))
	}
	return buf, nil
}

func (p *pwPage) URL() string {
	return p.page.URL()
}

func (p *pwPage) StorageState() (*models.AuthState, error) {
	f, err := os.CreateTemp("", "vizreview-state-*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to create state file: %w", err)
	}
	path := f.Name()
	f.Close()
	defer os.Remove(path)

	if _, err := p.context.StorageState(path); err != nil {
		return nil, classify(p.browser, fmt.Errorf("failed to read storage state: %w", err))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage state: %w", err)
	}
	var state models.AuthState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse storage state: %w", err)
	}
	return &state, nil
}

func (p *pwPage) Close() error {
	// closing the context closes its only page
	return p.context.Close()
}

// classify upgrades err to ErrBrowserClosed when the process is gone
func classify(b playwright.Browser, err error) error {
	if errors.Is(err, playwright.ErrTargetClosed) || !b.IsConnected() || IsCrash(err) {
		return fmt.Errorf("%w: %v", ErrBrowserClosed, err)
	}
	return err
}

// writeStorageState writes auth in playwright's storage state format and
// returns the file path
func writeStorageState(auth *models.AuthState) (string, error) {
	state := auth.Clone()
	for i := range state.Cookies {
		if state.Cookies[i].SameSite == "" {
			state.Cookies[i].SameSite = "Lax"
		}
		if state.Cookies[i].Path == "" {
			state.Cookies[i].Path = "/"
		}
		if state.Cookies[i].Expires == 0 {
			state.Cookies[i].Expires = -1
		}
	}
	if state.Origins == nil {
		state.Origins = []models.OriginStorage{}
	}

	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to encode storage state: %w", err)
	}
	f, err := os.CreateTemp("", "vizreview-auth-*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create storage state file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write storage state: %w", err)
	}
	return f.Name(), nil
}
