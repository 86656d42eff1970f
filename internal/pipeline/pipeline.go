// Package pipeline runs the review of a page x viewport matrix: token,
// capture, raster persistence, analysis and the report commit for each key,
// strictly in caller order.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/vizreview/internal/analysis"
	"github.com/shehryarbajwa/vizreview/internal/auth"
	"github.com/shehryarbajwa/vizreview/internal/browser"
	"github.com/shehryarbajwa/vizreview/internal/capture"
	"github.com/shehryarbajwa/vizreview/internal/session"
	"github.com/shehryarbajwa/vizreview/internal/storage"
	"github.com/shehryarbajwa/vizreview/internal/token"
	"github.com/shehryarbajwa/vizreview/pkg/models"
)

// Error stages recorded on a PageError
const (
	StageToken    = "token"
	StageCapture  = "capture"
	StageStorage  = "storage"
	StageAnalysis = "analysis"
)

// Emitter receives run events. Its errors never affect the run.
type Emitter func(models.Event) error

// Run is one pipeline invocation
type Run struct {
	Report    *models.Report
	Origin    string
	Pages     []models.PageSpec
	Viewports []models.ViewportSpec
	AuthState *models.AuthState
	// Session is the browser to borrow; nil launches a throwaway browser
	Session *session.Session
	// Ownership is resolved by the caller before the run starts
	Ownership models.SessionOrigin
	// Refresh reloads Report from the store once the session is held, so
	// that writes made by a poll cycle before the run started are kept
	Refresh bool
}

// Result is how a run ended
type Result struct {
	Status    models.ReportStatus
	Succeeded int
	Failed    int
	// Fatal is set when the run stopped on an error that invalidates it
	Fatal error
}

// Aborted reports whether the run was cut short by its caller
func (r *Result) Aborted() bool {
	return r.Status == models.ReportInterrupted
}

// Runner executes runs
type Runner struct {
	store    *storage.Store
	capturer *capture.Capturer
	reviewer *analysis.Reviewer
	tokens   *token.Injector
	launcher browser.Launcher
	secrets  auth.Scrubber
	clock    clock.Clock
	logger   logrus.FieldLogger
}

// Options wires a Runner
type Options struct {
	Store    *storage.Store
	Capturer *capture.Capturer
	Reviewer *analysis.Reviewer
	Tokens   *token.Injector
	Launcher browser.Launcher
	Secrets  auth.Scrubber
	Clock    clock.Clock
	Logger   logrus.FieldLogger
}

// NewRunner creates a pipeline runner
func NewRunner(opts Options) *Runner {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Runner{
		store:    opts.Store,
		capturer: opts.Capturer,
		reviewer: opts.Reviewer,
		tokens:   opts.Tokens,
		launcher: opts.Launcher,
		secrets:  opts.Secrets,
		clock:    opts.Clock,
		logger:   opts.Logger.WithField("component", "pipeline"),
	}
}

// Run reviews every page x viewport of run, mutating and persisting
// run.Report after each key. Cancelling ctx aborts at the next page or
// viewport boundary and cancels the outstanding analysis call.
//
// A run bound to a session holds the session's busy flag for its whole
// duration; ErrSessionBusy is returned without doing anything when another
// run holds it.
func (r *Runner) Run(ctx context.Context, run Run, emit Emitter) (*Result, error) {
	if run.Report == nil {
		return nil, errors.New("run has no report")
	}
	if err := ValidatePages(run.Pages); err != nil {
		return nil, err
	}
	if len(run.Viewports) == 0 {
		return nil, errors.New("run has no viewports")
	}

	var h handle
	if run.Session != nil {
		if !run.Session.TryAcquire() {
			return nil, session.ErrSessionBusy
		}
		defer run.Session.Release()
		h = &sessionHandle{sess: run.Session}
		if run.Refresh {
			if err := r.refresh(run.Report); err != nil {
				return nil, err
			}
		}
	} else {
		h = &throwawayHandle{launcher: r.launcher, auth: run.AuthState.Clone()}
	}
	defer h.release()

	log := r.logger.WithFields(logrus.Fields{"report": run.Report.ID, "ownership": run.Ownership})
	res := &Result{}
	rep := run.Report
	rep.Status = models.ReportRunning
	rep.FatalError = ""
	r.save(rep)

	sessionID := ""
	if run.Session != nil {
		sessionID = run.Session.ID
	}
	send := func(ev models.Event) {
		ev.ReportID = rep.ID
		if ev.SessionID == "" {
			ev.SessionID = sessionID
		}
		r.emit(emit, ev)
	}

	total := len(run.Pages) * len(run.Viewports)
	index := 0

	log.WithField("keys", total).Info("🚀 Review started")

pages:
	for _, page := range run.Pages {
		if ctx.Err() != nil {
			break
		}

		pageURL, err := PageURL(run.Origin, page.Path)
		if err != nil {
			for _, vp := range run.Viewports {
				index++
				r.fail(rep, page.Name, vp.Name, StageCapture, err, send)
				res.Failed++
			}
			continue
		}

		captureURL := pageURL
		tok, err := r.tokens.Generate(ctx, page.TokenAuth, run.Origin, run.AuthState)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			for _, vp := range run.Viewports {
				index++
				r.fail(rep, page.Name, vp.Name, StageToken, err, send)
				res.Failed++
			}
			continue
		}
		if tok != nil {
			if captureURL, err = token.AppendToURL(pageURL, tok); err != nil {
				for _, vp := range run.Viewports {
					index++
					r.fail(rep, page.Name, vp.Name, StageToken, err, send)
					res.Failed++
				}
				continue
			}
		}

		for _, vp := range run.Viewports {
			if ctx.Err() != nil {
				break pages
			}
			index++
			send(models.Event{
				Type:     models.EventProgress,
				Page:     page.Name,
				Viewport: vp.Name,
				Index:    index,
				Total:    total,
				Message:  fmt.Sprintf("capturing %s at %s", page.Name, vp.Name),
			})

			err := r.runKey(ctx, h, rep, page, vp, pageURL, captureURL, send)
			switch {
			case err == nil:
				res.Succeeded++
			case ctx.Err() != nil:
				break pages
			case errors.Is(err, errFatal):
				res.Failed++
				res.Fatal = err
				break pages
			case analysis.IsFatal(err) && run.Ownership == models.OriginFresh && res.Succeeded == 0:
				res.Failed++
				res.Fatal = err
				break pages
			default:
				res.Failed++
			}
		}
	}

	switch {
	case ctx.Err() != nil:
		res.Status = models.ReportInterrupted
	case res.Fatal != nil:
		res.Status = models.ReportError
		rep.FatalError = auth.Scrub(res.Fatal.Error(), r.secrets)
	default:
		res.Status = models.ReportComplete
	}
	rep.Status = res.Status
	rep.UpdatedAt = r.clock.Now()
	r.save(rep)

	log.WithFields(logrus.Fields{
		"status":    res.Status,
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
	}).Info("🏁 Review finished")

	send(models.Event{Type: models.EventDone, Status: res.Status, Message: rep.FatalError})
	return res, nil
}

// errFatal marks capture failures that end the run: no browser can be
// launched or the borrowed session is gone
var errFatal = errors.New("browser unavailable")

// runKey captures, stores and analyzes one page at one viewport. Failures are
// recorded on the report before returning; a returned error wrapping
// errFatal stops the run.
func (r *Runner) runKey(ctx context.Context, h handle, rep *models.Report, page models.PageSpec, vp models.ViewportSpec, pageURL, captureURL string, send func(models.Event)) error {
	b, p, err := h.acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = fmt.Errorf("%w: %v", errFatal, err)
		r.fail(rep, page.Name, vp.Name, StageCapture, err, send)
		return err
	}

	raster, err := r.capturer.Capture(ctx, p, capture.Target{URL: captureURL, Viewport: vp, Actions: page.Actions})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.fail(rep, page.Name, vp.Name, StageCapture, err, send)
		if browser.IsCrash(err) {
			r.logger.WithFields(logrus.Fields{"page": page.Name, "viewport": vp.Name}).Warn("💥 Browser crashed during capture")
			if rerr := h.recover(ctx, b); rerr != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("%w: %v", errFatal, rerr)
			}
		}
		return err
	}
	h.captured()

	shotPath, err := r.store.SaveScreenshot(rep.ID, storage.ScreenshotName(page.Name, vp.Name), raster)
	if err != nil {
		r.fail(rep, page.Name, vp.Name, StageStorage, err, send)
		return err
	}

	return r.analyze(ctx, rep, page.Name, vp, pageURL, shotPath, raster, send)
}

// Analyze runs the analysis and commit steps for a raster that is already
// stored, as the poll cycle does for pages whose screenshot changed
func (r *Runner) Analyze(ctx context.Context, rep *models.Report, page string, vp models.ViewportSpec, pageURL, shotPath string, raster []byte) error {
	return r.analyze(ctx, rep, page, vp, pageURL, shotPath, raster, func(models.Event) {})
}

func (r *Runner) analyze(ctx context.Context, rep *models.Report, page string, vp models.ViewportSpec, pageURL, shotPath string, raster []byte, send func(models.Event)) error {
	outcome, err := r.reviewer.Review(ctx, page, vp, pageURL, raster)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.fail(rep, page, vp.Name, StageAnalysis, err, send)
		return err
	}

	result := models.PageResult{
		Page:           page,
		Viewport:       vp.Name,
		URL:            auth.Scrub(pageURL, r.secrets),
		Summary:        auth.Scrub(outcome.Summary, r.secrets),
		Findings:       outcome.Findings,
		Structured:     outcome.Structured,
		Raw:            auth.Scrub(outcome.Raw, r.secrets),
		ScreenshotPath: shotPath,
		AnalyzedAt:     r.clock.Now(),
	}
	rep.SetResult(result, result.AnalyzedAt)
	r.save(rep)

	send(models.Event{Type: models.EventResult, Page: page, Viewport: vp.Name, Result: &result})
	return nil
}

// RecordError stores a failure for one key and persists the report
func (r *Runner) RecordError(rep *models.Report, page, viewport, stage string, err error) {
	r.fail(rep, page, viewport, stage, err, func(models.Event) {})
}

// fail records err for the key, persists the report and emits the error
func (r *Runner) fail(rep *models.Report, page, viewport, stage string, err error, send func(models.Event)) {
	msg := auth.Scrub(err.Error(), r.secrets)
	now := r.clock.Now()
	rep.SetError(models.PageError{Page: page, Viewport: viewport, Stage: stage, Message: msg, At: now}, now)
	r.save(rep)

	r.logger.WithFields(logrus.Fields{
		"report":   rep.ID,
		"page":     page,
		"viewport": viewport,
		"stage":    stage,
	}).Warn(msg)
	send(models.Event{Type: models.EventError, Page: page, Viewport: viewport, Message: msg})
}

// refresh replaces rep with its stored copy, keeping the run's page set
func (r *Runner) refresh(rep *models.Report) error {
	stored, err := r.store.LoadReport(rep.ID)
	if errors.Is(err, storage.ErrReportNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to reload report %s: %w", rep.ID, err)
	}
	pages, viewports, sessionID := rep.Pages, rep.Viewports, rep.SessionID
	*rep = *stored
	rep.Pages, rep.Viewports, rep.SessionID = pages, viewports, sessionID
	return nil
}

func (r *Runner) save(rep *models.Report) {
	if err := r.store.SaveReport(rep); err != nil {
		r.logger.WithError(err).WithField("report", rep.ID).Error("failed to persist report")
	}
}

// emit delivers ev and ignores any failure of the receiver
func (r *Runner) emit(emit Emitter, ev models.Event) {
	if emit == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.WithField("panic", p).Debug("event receiver panicked")
		}
	}()
	if err := emit(ev); err != nil {
		r.logger.WithError(err).Debug("event not delivered")
	}
}
