// Package capture drives a browser page through one screenshot: viewport,
// navigation, declared interaction steps, full-page PNG.
package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/vizreview/internal/browser"
	"github.com/shehryarbajwa/vizreview/pkg/models"
)

// Target is what to capture
type Target struct {
	URL      string
	Viewport models.ViewportSpec
	Actions  []models.Action
}

// Capturer takes screenshots
type Capturer struct {
	navTimeout    time.Duration
	actionTimeout time.Duration
	logger        logrus.FieldLogger
}

// New creates a capturer that bounds each navigation by navTimeout and each
// action without its own timeout by actionTimeout
func New(navTimeout, actionTimeout time.Duration, logger logrus.FieldLogger) *Capturer {
	if actionTimeout <= 0 {
		actionTimeout = models.DefaultActionTimeout
	}
	return &Capturer{
		navTimeout:    navTimeout,
		actionTimeout: actionTimeout,
		logger:        logger.WithField("component", "capture"),
	}
}

// Capture renders target on page and returns the PNG. Errors caused by the
// browser process going away satisfy browser.IsCrash.
func (c *Capturer) Capture(ctx context.Context, page browser.Page, target Target) ([]byte, error) {
	if err := page.SetViewport(target.Viewport.Width, target.Viewport.Height); err != nil {
		return nil, err
	}
	if err := page.Goto(ctx, target.URL, c.navTimeout); err != nil {
		return nil, err
	}

	for i, action := range target.Actions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if action.TimeoutMs <= 0 {
			action.TimeoutMs = int(c.actionTimeout / time.Millisecond)
		}
		stepCtx, cancel := context.WithTimeout(ctx, action.Timeout()+time.Second)
		err := page.RunAction(stepCtx, action)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("action %d (%s): %w", i+1, action.Type, err)
		}
	}

	shot, err := page.Screenshot(ctx)
	if err != nil {
		return nil, err
	}
	c.logger.WithFields(logrus.Fields{
		"viewport": target.Viewport.Name,
		"bytes":    len(shot),
	}).Debug("captured")
	return shot, nil
}
