// Package review is the orchestrator behind every outer surface. It validates
// requests, decides who owns the browser of a run, and hands persistent
// browsers to the session registry once their first run completes.
package review

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/vizreview/internal/auth"
	"github.com/shehryarbajwa/vizreview/internal/browser"
	"github.com/shehryarbajwa/vizreview/internal/discovery"
	"github.com/shehryarbajwa/vizreview/internal/pipeline"
	"github.com/shehryarbajwa/vizreview/internal/poll"
	"github.com/shehryarbajwa/vizreview/internal/security"
	"github.com/shehryarbajwa/vizreview/internal/session"
	"github.com/shehryarbajwa/vizreview/internal/storage"
	"github.com/shehryarbajwa/vizreview/pkg/models"
)

// Service ties the components together
type Service struct {
	guard      *security.Guard
	launcher   browser.Launcher
	sessions   *session.Manager
	runner     *pipeline.Runner
	poller     *poll.Engine
	crawler    *discovery.Crawler
	store      *storage.Store
	secrets    auth.Redactor
	navTimeout time.Duration
	clock      clock.Clock
	logger     logrus.FieldLogger
}

// Options wires a Service
type Options struct {
	Guard      *security.Guard
	Launcher   browser.Launcher
	Sessions   *session.Manager
	Runner     *pipeline.Runner
	Poller     *poll.Engine
	Crawler    *discovery.Crawler
	Store      *storage.Store
	Secrets    auth.Redactor
	NavTimeout time.Duration
	Clock      clock.Clock
	Logger     logrus.FieldLogger
}

// New creates the orchestrator
func New(opts Options) *Service {
	if opts.Guard == nil {
		opts.Guard = &security.Guard{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.NavTimeout <= 0 {
		opts.NavTimeout = 30 * time.Second
	}
	return &Service{
		guard:      opts.Guard,
		launcher:   opts.Launcher,
		sessions:   opts.Sessions,
		runner:     opts.Runner,
		poller:     opts.Poller,
		crawler:    opts.Crawler,
		store:      opts.Store,
		secrets:    opts.Secrets,
		navTimeout: opts.NavTimeout,
		clock:      opts.Clock,
		logger:     opts.Logger.WithField("component", "review"),
	}
}

// plan is a validated request
type plan struct {
	origin    string
	pages     []models.PageSpec
	viewports []models.ViewportSpec
	auth      *models.AuthState
	sess      *session.Session
	ownership models.SessionOrigin
}

// StartReview validates req and runs it to completion. Validation failures
// wrap pipeline.ErrInvalidRun or security.ErrPrivateTarget; an unknown
// session is session.ErrNotFound and a session already in use is
// session.ErrSessionBusy. Anything that happens once the run started is
// recorded on the returned report instead of being returned.
//
// Cancelling ctx interrupts the run. A borrowed session survives that; a
// browser launched for this request is closed without being registered.
func (s *Service) StartReview(ctx context.Context, req models.ReviewRequest, emit pipeline.Emitter) (*models.Report, error) {
	pl, err := s.plan(ctx, req)
	if err != nil {
		return nil, err
	}

	rep, err := s.openReport(req.ReportID, pl)
	if err != nil {
		return nil, err
	}

	if pl.sess != nil {
		return s.resume(ctx, pl, rep, emit)
	}
	if req.Persistent {
		return s.startPersistent(ctx, req, pl, rep, emit)
	}
	return s.startThrowaway(ctx, req, pl, rep, emit)
}

func (s *Service) plan(ctx context.Context, req models.ReviewRequest) (*plan, error) {
	if req.SessionID != "" {
		sess, ok := s.sessions.Get(req.SessionID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", session.ErrNotFound, req.SessionID)
		}
		if req.Login != nil {
			return nil, fmt.Errorf("%w: login is only possible when a new browser is launched", pipeline.ErrInvalidRun)
		}
		if req.Origin != "" {
			u, err := security.ParseOrigin(req.Origin)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", pipeline.ErrInvalidRun, err)
			}
			if originOf(u.Scheme, u.Host) != sess.TargetOrigin {
				return nil, fmt.Errorf("%w: session %s targets %s", pipeline.ErrInvalidRun, sess.ID, sess.TargetOrigin)
			}
		}
		pl := &plan{
			origin:    sess.TargetOrigin,
			pages:     sess.Pages,
			viewports: sess.Viewports,
			auth:      sess.AuthState(),
			sess:      sess,
			ownership: models.OriginResumed,
		}
		if len(req.Pages) > 0 {
			pl.pages = req.Pages
		}
		if len(req.Viewports) > 0 {
			vps, err := models.ResolveViewports(req.Viewports)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", pipeline.ErrInvalidRun, err)
			}
			pl.viewports = vps
		}
		if err := pipeline.ValidatePages(pl.pages); err != nil {
			return nil, err
		}
		return pl, nil
	}

	u, err := s.guard.ValidateTarget(ctx, req.Origin)
	if err != nil {
		if errors.Is(err, security.ErrPrivateTarget) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", pipeline.ErrInvalidRun, err)
	}
	if req.PollIntervalSeconds > 0 && !req.Persistent {
		return nil, fmt.Errorf("%w: polling requires a persistent session", pipeline.ErrInvalidRun)
	}
	if err := pipeline.ValidatePages(req.Pages); err != nil {
		return nil, err
	}
	vps, err := models.ResolveViewports(req.Viewports)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrInvalidRun, err)
	}
	return &plan{
		origin:    originOf(u.Scheme, u.Host),
		pages:     req.Pages,
		viewports: vps,
		auth:      req.AuthState.Clone(),
		ownership: models.OriginFresh,
	}, nil
}

// openReport loads the report being resumed or creates a new one
func (s *Service) openReport(id string, pl *plan) (*models.Report, error) {
	if id == "" && pl.sess != nil {
		id = pl.sess.ReportID
	}
	var rep *models.Report
	if id == "" {
		rep = models.NewReport(uuid.NewString(), pl.origin, s.clock.Now())
	} else {
		loaded, err := s.store.LoadReport(id)
		if err != nil {
			return nil, err
		}
		if loaded.TargetOrigin != pl.origin {
			return nil, fmt.Errorf("%w: report %s targets %s", pipeline.ErrInvalidRun, id, loaded.TargetOrigin)
		}
		rep = loaded
	}
	rep.Pages = pl.pages
	rep.Viewports = pl.viewports
	if pl.sess != nil {
		rep.SessionID = pl.sess.ID
	}
	return rep, nil
}

func (s *Service) run(ctx context.Context, pl *plan, rep *models.Report, sess *session.Session, emit pipeline.Emitter) (*pipeline.Result, error) {
	return s.runner.Run(ctx, pipeline.Run{
		Report:    rep,
		Origin:    pl.origin,
		Pages:     pl.pages,
		Viewports: pl.viewports,
		AuthState: pl.auth,
		Session:   sess,
		Ownership: pl.ownership,
		Refresh:   pl.ownership == models.OriginResumed,
	}, emit)
}

// resume runs on a registered session. The session is never closed here.
func (s *Service) resume(ctx context.Context, pl *plan, rep *models.Report, emit pipeline.Emitter) (*models.Report, error) {
	s.logger.WithFields(logrus.Fields{"session": pl.sess.ID, "report": rep.ID}).Info("🔗 Resuming session")
	if _, err := s.run(ctx, pl, rep, pl.sess, emit); err != nil {
		return nil, err
	}
	return rep, nil
}

// startThrowaway runs on a browser that lives only as long as the run
func (s *Service) startThrowaway(ctx context.Context, req models.ReviewRequest, pl *plan, rep *models.Report, emit pipeline.Emitter) (*models.Report, error) {
	if req.Login != nil {
		b, err := s.launcher.Launch(ctx)
		if err != nil {
			return s.abort(rep, fmt.Errorf("failed to launch browser: %w", err), emit), nil
		}
		state, err := auth.Login(ctx, b, *req.Login, s.navTimeout, s.secrets)
		_ = b.Close()
		if err != nil {
			return s.abort(rep, err, emit), nil
		}
		pl.auth = state
	}
	if _, err := s.run(ctx, pl, rep, nil, emit); err != nil {
		return nil, err
	}
	return rep, nil
}

// startPersistent launches the browser that becomes a session. It is watched
// for crashes from the start but only registered after a run that was not
// cut short.
func (s *Service) startPersistent(ctx context.Context, req models.ReviewRequest, pl *plan, rep *models.Report, emit pipeline.Emitter) (*models.Report, error) {
	b, err := s.launcher.Launch(ctx)
	if err != nil {
		return s.abort(rep, fmt.Errorf("failed to launch browser: %w", err), emit), nil
	}
	if req.Login != nil {
		state, err := auth.Login(ctx, b, *req.Login, s.navTimeout, s.secrets)
		if err != nil {
			_ = b.Close()
			return s.abort(rep, err, emit), nil
		}
		pl.auth = state
	}
	p, err := b.NewPage(ctx, pl.auth)
	if err != nil {
		_ = b.Close()
		return s.abort(rep, fmt.Errorf("failed to open page: %w", err), emit), nil
	}

	sess := session.New(session.Config{
		ID:           uuid.NewString(),
		TargetOrigin: pl.origin,
		ReportID:     rep.ID,
		Pages:        pl.pages,
		Viewports:    pl.viewports,
		AuthState:    pl.auth,
		CreatedAt:    s.clock.Now(),
	}, b, p)
	s.sessions.Watch(sess)
	rep.SessionID = sess.ID

	// done is held back until the registry reflects the outcome
	var done *models.Event
	hold := func(ev models.Event) error {
		if ev.Type == models.EventDone {
			done = &ev
			return nil
		}
		if emit == nil {
			return nil
		}
		return emit(ev)
	}

	res, err := s.run(ctx, pl, rep, sess, hold)
	if err != nil {
		s.sessions.Discard(sess)
		return nil, err
	}

	log := s.logger.WithFields(logrus.Fields{"session": sess.ID, "report": rep.ID})
	registered := false
	switch {
	case res.Aborted():
		log.Info("run interrupted, closing its browser")
		s.sessions.Discard(sess)
	case sess.State() == models.SessionRemoved:
		log.Warn("browser was lost during the run, session not kept")
		s.sessions.Discard(sess)
	default:
		if err := s.sessions.Register(sess); err != nil {
			log.WithError(err).Warn("could not keep session")
			s.sessions.Discard(sess)
			s.notify(emit, models.Event{Type: models.EventError, ReportID: rep.ID, Message: err.Error()})
			break
		}
		registered = true
		if req.PollIntervalSeconds > 0 {
			if err := s.EnablePolling(sess.ID, time.Duration(req.PollIntervalSeconds)*time.Second); err != nil {
				log.WithError(err).Warn("could not start polling")
				s.notify(emit, models.Event{Type: models.EventError, ReportID: rep.ID, SessionID: sess.ID, Message: err.Error()})
			}
		}
	}

	if !registered {
		rep.SessionID = ""
		s.save(rep)
	} else {
		s.notify(emit, models.Event{Type: models.EventSession, ReportID: rep.ID, SessionID: sess.ID, Message: "session kept"})
	}
	if done != nil {
		if !registered {
			done.SessionID = ""
		}
		s.notify(emit, *done)
	}
	return rep, nil
}

// abort ends a run that never reached the pipeline
func (s *Service) abort(rep *models.Report, err error, emit pipeline.Emitter) *models.Report {
	msg := auth.Scrub(err.Error(), s.secrets)
	s.logger.WithField("report", rep.ID).WithError(errors.New(msg)).Error("❌ Review could not start")
	rep.Status = models.ReportError
	rep.FatalError = msg
	rep.SessionID = ""
	rep.UpdatedAt = s.clock.Now()
	s.save(rep)
	s.notify(emit, models.Event{Type: models.EventDone, ReportID: rep.ID, Status: rep.Status, Message: msg})
	return rep
}

func (s *Service) save(rep *models.Report) {
	if err := s.store.SaveReport(rep); err != nil {
		s.logger.WithError(err).WithField("report", rep.ID).Error("failed to save report")
	}
}

func (s *Service) notify(emit pipeline.Emitter, ev models.Event) {
	if emit == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("panic", r).Warn("event listener panicked")
		}
	}()
	if err := emit(ev); err != nil {
		s.logger.WithError(err).Debug("event not delivered")
	}
}

// StopSession closes a registered session. It reports whether the session
// existed; stopping twice is harmless.
func (s *Service) StopSession(id string) bool {
	return s.sessions.Stop(id)
}

// ListSessions returns every registered session
func (s *Service) ListSessions() []models.SessionInfo {
	return s.sessions.List()
}

// EnablePolling starts or reschedules background polling of a session
func (s *Service) EnablePolling(id string, interval time.Duration) error {
	return s.sessions.StartPolling(id, interval, s.poller.Tick)
}

// DisablePolling stops background polling of a session
func (s *Service) DisablePolling(id string) error {
	return s.sessions.StopPolling(id)
}

// RunPollCycle runs one poll cycle now, outside the timer
func (s *Service) RunPollCycle(ctx context.Context, id string) (*poll.CycleStats, error) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	return s.poller.RunCycle(ctx, sess)
}

// Discover lists the pages of a site
func (s *Service) Discover(ctx context.Context, req models.DiscoverRequest) (*models.DiscoveryResult, error) {
	return s.crawler.Discover(ctx, req.Origin, req.MaxPages, req.AuthState)
}

// Report loads a stored report
func (s *Service) Report(id string) (*models.Report, error) {
	return s.store.LoadReport(id)
}

// Reports lists stored reports, newest first
func (s *Service) Reports() ([]*models.Report, error) {
	return s.store.ListReports()
}

// Screenshot returns a stored screenshot of a report
func (s *Service) Screenshot(reportID, name string) ([]byte, error) {
	return s.store.LoadScreenshot(reportID, name)
}

// Archive writes a report and its screenshots to w as a gzipped tarball
func (s *Service) Archive(w io.Writer, reportID string) error {
	return s.store.WriteArchive(w, reportID)
}

// Shutdown stops polling and closes every session
func (s *Service) Shutdown(ctx context.Context) {
	s.sessions.Shutdown(ctx)
}

func originOf(scheme, host string) string {
	return scheme + "://" + host
}
