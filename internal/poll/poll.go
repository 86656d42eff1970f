// Package poll re-captures the pages of a persistent session on a timer and
// only re-analyzes the ones whose screenshot changed.
package poll

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/vizreview/internal/browser"
	"github.com/shehryarbajwa/vizreview/internal/capture"
	"github.com/shehryarbajwa/vizreview/internal/imgdiff"
	"github.com/shehryarbajwa/vizreview/internal/pipeline"
	"github.com/shehryarbajwa/vizreview/internal/session"
	"github.com/shehryarbajwa/vizreview/internal/storage"
	"github.com/shehryarbajwa/vizreview/internal/token"
	"github.com/shehryarbajwa/vizreview/pkg/models"
)

const recoverTimeout = 2 * time.Minute

// CycleStats counts what one cycle did
type CycleStats struct {
	Checked   int `json:"checked"`
	Unchanged int `json:"unchanged"`
	Analyzed  int `json:"analyzed"`
	Failed    int `json:"failed"`
}

// Engine runs poll cycles
type Engine struct {
	store     *storage.Store
	capturer  *capture.Capturer
	tokens    *token.Injector
	runner    *pipeline.Runner
	threshold float64
	logger    logrus.FieldLogger
}

// Options wires an Engine
type Options struct {
	Store     *storage.Store
	Capturer  *capture.Capturer
	Tokens    *token.Injector
	Runner    *pipeline.Runner
	Threshold float64
	Logger    logrus.FieldLogger
}

// NewEngine creates a poll engine
func NewEngine(opts Options) *Engine {
	if opts.Threshold <= 0 {
		opts.Threshold = imgdiff.DefaultThreshold
	}
	return &Engine{
		store:     opts.Store,
		capturer:  opts.Capturer,
		tokens:    opts.Tokens,
		runner:    opts.Runner,
		threshold: opts.Threshold,
		logger:    opts.Logger.WithField("component", "poll"),
	}
}

// Tick is the session timer callback. A busy session is skipped until the
// next tick; failures never stop the timer.
func (e *Engine) Tick(ctx context.Context, s *session.Session) {
	log := e.logger.WithField("session", s.ID)
	stats, err := e.RunCycle(ctx, s)
	switch {
	case errors.Is(err, session.ErrSessionBusy):
		log.Debug("session busy, skipping poll cycle")
	case err != nil:
		log.WithError(err).Warn("poll cycle failed")
	default:
		log.WithFields(logrus.Fields{
			"checked":   stats.Checked,
			"unchanged": stats.Unchanged,
			"analyzed":  stats.Analyzed,
			"failed":    stats.Failed,
		}).Info("🔄 Poll cycle finished")
	}
}

// RunCycle re-captures every page x viewport of s on its live page. Unchanged
// screenshots are skipped without an analysis call; changed ones, and keys
// with no stored screenshot or no result yet, are stored and analyzed. It returns
// session.ErrSessionBusy when a run already holds the session.
func (e *Engine) RunCycle(ctx context.Context, s *session.Session) (*CycleStats, error) {
	if !s.TryAcquire() {
		return nil, session.ErrSessionBusy
	}
	defer s.Release()

	rep, err := e.store.LoadReport(s.ReportID)
	if err != nil {
		return nil, fmt.Errorf("failed to load report %s: %w", s.ReportID, err)
	}

	auth := s.AuthState()
	stats := &CycleStats{}

	for _, page := range s.Pages {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		log := e.logger.WithFields(logrus.Fields{"session": s.ID, "page": page.Name})

		pageURL, err := pipeline.PageURL(s.TargetOrigin, page.Path)
		if err != nil {
			e.failPage(rep, page, s.Viewports, pipeline.StageCapture, err, stats)
			continue
		}
		captureURL := pageURL
		tok, err := e.tokens.Generate(ctx, page.TokenAuth, s.TargetOrigin, auth)
		if err == nil && tok != nil {
			captureURL, err = token.AppendToURL(pageURL, tok)
		}
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			e.failPage(rep, page, s.Viewports, pipeline.StageToken, err, stats)
			continue
		}

		for _, vp := range s.Viewports {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Checked++

			changed, err := e.checkKey(ctx, s, rep, page, vp, pageURL, captureURL)
			switch {
			case err != nil && ctx.Err() != nil:
				return stats, ctx.Err()
			case errors.Is(err, session.ErrSessionRemoved):
				stats.Failed++
				return stats, err
			case err != nil:
				stats.Failed++
				log.WithError(err).WithField("viewport", vp.Name).Warn("poll check failed")
			case changed:
				stats.Analyzed++
			default:
				stats.Unchanged++
			}
		}
	}
	return stats, nil
}

// checkKey reports whether the key was re-analyzed
func (e *Engine) checkKey(ctx context.Context, s *session.Session, rep *models.Report, page models.PageSpec, vp models.ViewportSpec, pageURL, captureURL string) (bool, error) {
	if err := s.WaitLive(ctx); err != nil {
		return false, err
	}
	b, p := s.Handles()

	raster, err := e.capturer.Capture(ctx, p, capture.Target{URL: captureURL, Viewport: vp, Actions: page.Actions})
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		e.runner.RecordError(rep, page.Name, vp.Name, pipeline.StageCapture, err)
		if browser.IsCrash(err) {
			wctx, cancel := context.WithTimeout(ctx, recoverTimeout)
			defer cancel()
			if werr := s.WaitRecovered(wctx, b); werr != nil {
				return false, werr
			}
		}
		return false, err
	}
	s.MarkCaptureOK()

	name := storage.ScreenshotName(page.Name, vp.Name)
	previous, err := e.store.LoadScreenshot(rep.ID, name)
	switch {
	case errors.Is(err, os.ErrNotExist):
		previous = nil
	case err != nil:
		return false, err
	}

	// a key without a result is re-analyzed even when the page is unchanged
	_, analyzed := rep.Results[models.ResultKey(page.Name, vp.Name)]
	if previous != nil && analyzed {
		changed, derr := imgdiff.Changed(previous, raster, e.threshold)
		if derr != nil {
			e.logger.WithError(derr).WithField("page", page.Name).Debug("baseline unreadable, treating as changed")
			changed = true
		}
		if !changed {
			return false, nil
		}
	}

	shotPath, err := e.store.SaveScreenshot(rep.ID, name, raster)
	if err != nil {
		e.runner.RecordError(rep, page.Name, vp.Name, pipeline.StageStorage, err)
		return false, err
	}
	if err := e.runner.Analyze(ctx, rep, page.Name, vp, pageURL, shotPath, raster); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) failPage(rep *models.Report, page models.PageSpec, viewports []models.ViewportSpec, stage string, err error, stats *CycleStats) {
	for _, vp := range viewports {
		stats.Checked++
		stats.Failed++
		e.runner.RecordError(rep, page.Name, vp.Name, stage, err)
	}
}
