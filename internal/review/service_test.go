package review

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/vizreview/internal/analysis"
	"github.com/shehryarbajwa/vizreview/internal/browser/browsertest"
	"github.com/shehryarbajwa/vizreview/internal/capture"
	"github.com/shehryarbajwa/vizreview/internal/discovery"
	"github.com/shehryarbajwa/vizreview/internal/logging"
	"github.com/shehryarbajwa/vizreview/internal/pipeline"
	"github.com/shehryarbajwa/vizreview/internal/poll"
	"github.com/shehryarbajwa/vizreview/internal/security"
	"github.com/shehryarbajwa/vizreview/internal/session"
	"github.com/shehryarbajwa/vizreview/internal/storage"
	"github.com/shehryarbajwa/vizreview/internal/token"
	"github.com/shehryarbajwa/vizreview/pkg/models"
)

const origin = "https://shop.example.test"

type stubAnalyzer struct{}

func (stubAnalyzer) Analyze(ctx context.Context, _ analysis.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return `{"summary":"fine","findings":[]}`, nil
}

type fixture struct {
	svc      *Service
	store    *storage.Store
	launcher *browsertest.Launcher
	sessions *session.Manager
}

func newFixture(t *testing.T, maxSessions int) *fixture {
	t.Helper()
	logger := logging.NewNullLogger()
	store, err := storage.New(afero.NewMemMapFs(), "/data")
	require.NoError(t, err)

	mock := clock.NewMock()
	launcher := &browsertest.Launcher{}
	secrets := logging.NewRedactHook()
	sessions := session.NewManager(session.Options{
		Launcher:    launcher,
		Clock:       mock,
		MaxSessions: maxSessions,
		Logger:      logger,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sessions.Shutdown(ctx)
	})

	capturer := capture.New(time.Second, time.Second, logger)
	tokens := token.NewInjector(http.DefaultClient, secrets, logger)
	runner := pipeline.NewRunner(pipeline.Options{
		Store:    store,
		Capturer: capturer,
		Reviewer: analysis.NewReviewer(stubAnalyzer{}, logger),
		Tokens:   tokens,
		Launcher: launcher,
		Secrets:  secrets,
		Clock:    mock,
		Logger:   logger,
	})
	guard := &security.Guard{AllowPrivate: true}

	svc := New(Options{
		Guard:    guard,
		Launcher: launcher,
		Sessions: sessions,
		Runner:   runner,
		Poller:   poll.NewEngine(poll.Options{Store: store, Capturer: capturer, Tokens: tokens, Runner: runner, Logger: logger}),
		Crawler:  discovery.New(discovery.Options{Guard: guard, Logger: logger}),
		Store:    store,
		Secrets:  secrets,
		Clock:    mock,
		Logger:   logger,
	})
	return &fixture{svc: svc, store: store, launcher: launcher, sessions: sessions}
}

func request(persistent bool) models.ReviewRequest {
	return models.ReviewRequest{
		Origin:     origin,
		Pages:      []models.PageSpec{{Name: "Home", Path: "/"}, {Name: "Cart", Path: "/cart"}},
		Viewports:  []string{"mobile", "desktop"},
		Persistent: persistent,
	}
}

// recorder collects events and runs a hook on each
type recorder struct {
	mu     sync.Mutex
	events []models.Event
	hook   func(models.Event)
}

func (r *recorder) emit(ev models.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
	return nil
}

func (r *recorder) types() []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.EventType
	for _, ev := range r.events {
		if ev.Type != models.EventProgress && ev.Type != models.EventResult {
			out = append(out, ev.Type)
		}
	}
	return out
}

func TestThrowawayRunClosesItsBrowser(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	rep, err := f.svc.StartReview(context.Background(), request(false), nil)
	require.NoError(t, err)

	assert.Equal(t, models.ReportComplete, rep.Status)
	assert.Len(t, rep.Results, 4)
	assert.Empty(t, rep.SessionID)
	require.Equal(t, 1, f.launcher.Launches())
	assert.True(t, f.launcher.Last().Closed())
	assert.Empty(t, f.svc.ListSessions())

	stored, err := f.svc.Report(rep.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReportComplete, stored.Status)
}

func TestPersistentSessionIsRegisteredBeforeNotifying(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	rec := &recorder{}
	rec.hook = func(ev models.Event) {
		if ev.Type == models.EventSession || ev.Type == models.EventDone {
			assert.Len(t, f.svc.ListSessions(), 1, "registry must be updated before %s", ev.Type)
		}
	}

	rep, err := f.svc.StartReview(context.Background(), request(true), rec.emit)
	require.NoError(t, err)

	assert.Equal(t, []models.EventType{models.EventSession, models.EventDone}, rec.types())
	sessions := f.svc.ListSessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, rep.SessionID, sessions[0].ID)
	assert.Equal(t, rep.ID, sessions[0].ReportID)
	assert.False(t, f.launcher.Last().Closed())
}

func TestInterruptedFirstRunClosesItsBrowser(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{hook: func(ev models.Event) {
		if ev.Type == models.EventProgress {
			cancel()
		}
	}}

	rep, err := f.svc.StartReview(ctx, request(true), rec.emit)
	require.NoError(t, err)

	assert.Equal(t, models.ReportInterrupted, rep.Status)
	assert.Empty(t, rep.SessionID)
	assert.Empty(t, f.svc.ListSessions())
	assert.True(t, f.launcher.Last().Closed())
	assert.NotContains(t, rec.types(), models.EventSession)
}

func TestResumedSessionSurvivesDisconnect(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	first, err := f.svc.StartReview(context.Background(), request(true), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{hook: func(ev models.Event) {
		if ev.Type == models.EventProgress {
			cancel()
		}
	}}
	rep, err := f.svc.StartReview(ctx, models.ReviewRequest{SessionID: first.SessionID}, rec.emit)
	require.NoError(t, err)

	assert.Equal(t, models.ReportInterrupted, rep.Status)
	assert.Equal(t, first.ID, rep.ID)

	sess, ok := f.sessions.Get(first.SessionID)
	require.True(t, ok)
	require.NotNil(t, sess.Browser())
	assert.True(t, sess.Browser().IsConnected())
	assert.False(t, sess.Busy())
	assert.Equal(t, 1, f.launcher.Launches())
}

func TestResumeErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	_, err := f.svc.StartReview(context.Background(), models.ReviewRequest{SessionID: "nope"}, nil)
	assert.ErrorIs(t, err, session.ErrNotFound)

	first, err := f.svc.StartReview(context.Background(), request(true), nil)
	require.NoError(t, err)

	_, err = f.svc.StartReview(context.Background(), models.ReviewRequest{SessionID: first.SessionID, Origin: "https://other.example.test"}, nil)
	assert.ErrorIs(t, err, pipeline.ErrInvalidRun)

	sess, ok := f.sessions.Get(first.SessionID)
	require.True(t, ok)
	require.True(t, sess.TryAcquire())
	_, err = f.svc.StartReview(context.Background(), models.ReviewRequest{SessionID: first.SessionID}, nil)
	sess.Release()
	assert.ErrorIs(t, err, session.ErrSessionBusy)
}

func TestStopSessionIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	rep, err := f.svc.StartReview(context.Background(), request(true), nil)
	require.NoError(t, err)

	assert.True(t, f.svc.StopSession(rep.SessionID))
	assert.False(t, f.svc.StopSession(rep.SessionID))
	assert.True(t, f.launcher.Last().Closed())
	assert.Empty(t, f.svc.ListSessions())
}

func TestLaunchFailureMarksReportError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	f.launcher.SetLaunchErr(errors.New("no chromium here"))
	rec := &recorder{}

	rep, err := f.svc.StartReview(context.Background(), request(true), rec.emit)
	require.NoError(t, err)
	assert.Equal(t, models.ReportError, rep.Status)
	assert.Contains(t, rep.FatalError, "no chromium here")
	assert.Equal(t, []models.EventType{models.EventDone}, rec.types())

	stored, err := f.store.LoadReport(rep.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReportError, stored.Status)
}

func TestSessionLimitClosesExtraBrowser(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	_, err := f.svc.StartReview(context.Background(), request(true), nil)
	require.NoError(t, err)

	rec := &recorder{}
	rep, err := f.svc.StartReview(context.Background(), request(true), rec.emit)
	require.NoError(t, err)

	assert.Equal(t, models.ReportComplete, rep.Status)
	assert.Empty(t, rep.SessionID)
	assert.Len(t, f.svc.ListSessions(), 1)
	assert.True(t, f.launcher.Last().Closed())
	assert.Equal(t, []models.EventType{models.EventError, models.EventDone}, rec.types())
}

func TestPersistentRunCanStartPolling(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	req := request(true)
	req.PollIntervalSeconds = 300
	rep, err := f.svc.StartReview(context.Background(), req, nil)
	require.NoError(t, err)

	sessions := f.svc.ListSessions()
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Polling)
	assert.Equal(t, 5*time.Minute, sessions[0].PollInterval)

	require.NoError(t, f.svc.DisablePolling(rep.SessionID))
	assert.False(t, f.svc.ListSessions()[0].Polling)

	stats, err := f.svc.RunPollCycle(context.Background(), rep.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Unchanged)
}

func TestStartReviewValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	f.svc.guard = &security.Guard{}

	private := request(false)
	private.Origin = "http://127.0.0.1:8080"
	_, err := f.svc.StartReview(context.Background(), private, nil)
	assert.ErrorIs(t, err, security.ErrPrivateTarget)

	f.svc.guard = &security.Guard{AllowPrivate: true}
	for name, mutate := range map[string]func(*models.ReviewRequest){
		"bad scheme":       func(r *models.ReviewRequest) { r.Origin = "ftp://shop.example.test" },
		"no pages":         func(r *models.ReviewRequest) { r.Pages = nil },
		"unknown viewport": func(r *models.ReviewRequest) { r.Viewports = []string{"watch"} },
		"ephemeral poll":   func(r *models.ReviewRequest) { r.PollIntervalSeconds = 60 },
	} {
		req := request(false)
		mutate(&req)
		_, err := f.svc.StartReview(context.Background(), req, nil)
		assert.ErrorIs(t, err, pipeline.ErrInvalidRun, name)
	}
	assert.Zero(t, f.launcher.Launches())
}

func TestArchiveUnknownReport(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	err := f.svc.Archive(io.Discard, "missing")
	assert.ErrorIs(t, err, storage.ErrReportNotFound)
}
