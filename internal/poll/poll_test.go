package poll

import (
	"context"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/vizreview/internal/analysis"
	"github.com/shehryarbajwa/vizreview/internal/browser/browsertest"
	"github.com/shehryarbajwa/vizreview/internal/capture"
	"github.com/shehryarbajwa/vizreview/internal/logging"
	"github.com/shehryarbajwa/vizreview/internal/pipeline"
	"github.com/shehryarbajwa/vizreview/internal/session"
	"github.com/shehryarbajwa/vizreview/internal/storage"
	"github.com/shehryarbajwa/vizreview/internal/token"
	"github.com/shehryarbajwa/vizreview/pkg/models"
)

const origin = "https://app.example.test"

type countingAnalyzer struct {
	calls atomic.Int32
	// failures is the number of upcoming calls that fail
	failures atomic.Int32
}

func (a *countingAnalyzer) Analyze(context.Context, analysis.Request) (string, error) {
	a.calls.Add(1)
	if a.failures.Add(-1) >= 0 {
		return "", analysis.ErrServiceUnavailable
	}
	return `{"summary":"ok","findings":[{"severity":"critical","category":"content","title":"Broken image","description":"Hero image is missing"}]}`, nil
}

type fixture struct {
	engine   *Engine
	runner   *pipeline.Runner
	store    *storage.Store
	analyzer *countingAnalyzer
	launcher *browsertest.Launcher
	sess     *session.Session

	mu    sync.Mutex
	color color.Color
}

func (f *fixture) setColor(c color.Color) {
	f.mu.Lock()
	f.color = c
	f.mu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logging.NewNullLogger()
	store, err := storage.New(afero.NewMemMapFs(), "/data")
	require.NoError(t, err)

	f := &fixture{store: store, analyzer: &countingAnalyzer{}, color: color.White}
	f.launcher = &browsertest.Launcher{
		Shot: func(_ string, w, h int) ([]byte, error) {
			f.mu.Lock()
			c := f.color
			f.mu.Unlock()
			return browsertest.SolidPNG(w/10, h/10, c), nil
		},
	}

	capturer := capture.New(time.Second, time.Second, logger)
	tokens := token.NewInjector(nil, logging.NewRedactHook(), logger)
	f.runner = pipeline.NewRunner(pipeline.Options{
		Store:    store,
		Capturer: capturer,
		Reviewer: analysis.NewReviewer(f.analyzer, logger),
		Tokens:   tokens,
		Launcher: f.launcher,
		Clock:    clock.NewMock(),
		Logger:   logger,
	})
	f.engine = NewEngine(Options{Store: store, Capturer: capturer, Tokens: tokens, Runner: f.runner, Logger: logger})

	b, err := f.launcher.Launch(context.Background())
	require.NoError(t, err)
	p, err := b.NewPage(context.Background(), nil)
	require.NoError(t, err)
	f.sess = session.New(session.Config{
		ID:           "s1",
		TargetOrigin: origin,
		ReportID:     "r1",
		Pages:        []models.PageSpec{{Name: "Dashboard", Path: "/dashboard"}},
		Viewports:    []models.ViewportSpec{models.Viewports["mobile"], models.Viewports["desktop"]},
	}, b, p)
	return f
}

// baseline runs a full review so every key has a result and a screenshot
func (f *fixture) baseline(t *testing.T) *models.Report {
	t.Helper()
	rep := models.NewReport("r1", origin, time.Unix(0, 0))
	res, err := f.runner.Run(context.Background(), pipeline.Run{
		Report:    rep,
		Origin:    origin,
		Pages:     f.sess.Pages,
		Viewports: f.sess.Viewports,
		Session:   f.sess,
		Ownership: models.OriginFresh,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, models.ReportComplete, res.Status)
	f.analyzer.calls.Store(0)
	return rep
}

func TestUnchangedScreenshotSkipsAnalysis(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	before := f.baseline(t)

	stats, err := f.engine.RunCycle(context.Background(), f.sess)
	require.NoError(t, err)
	assert.Equal(t, &CycleStats{Checked: 2, Unchanged: 2}, stats)
	assert.Zero(t, f.analyzer.calls.Load())

	after, err := f.store.LoadReport("r1")
	require.NoError(t, err)
	assert.Equal(t, before.Results, after.Results)
	assert.False(t, f.sess.Busy())
}

func TestChangedScreenshotIsReanalyzed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.baseline(t)
	f.setColor(color.Black)

	stats, err := f.engine.RunCycle(context.Background(), f.sess)
	require.NoError(t, err)
	assert.Equal(t, &CycleStats{Checked: 2, Analyzed: 2}, stats)
	assert.EqualValues(t, 2, f.analyzer.calls.Load())

	stored, err := f.store.LoadScreenshot("r1", storage.ScreenshotName("Dashboard", "mobile"))
	require.NoError(t, err)
	assert.Equal(t, browsertest.SolidPNG(37, 81, color.Black), stored)
}

func TestFailedAnalysisIsRetriedNextCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.baseline(t)
	f.setColor(color.Black)
	f.analyzer.failures.Store(1)

	stats, err := f.engine.RunCycle(context.Background(), f.sess)
	require.NoError(t, err)
	assert.Equal(t, &CycleStats{Checked: 2, Analyzed: 1, Failed: 1}, stats)

	rep, err := f.store.LoadReport("r1")
	require.NoError(t, err)
	failed := models.ResultKey("Dashboard", "mobile")
	require.Contains(t, rep.Errors, failed)
	assert.NotContains(t, rep.Results, failed)

	// the page did not change, but the failed key has no result yet
	stats, err = f.engine.RunCycle(context.Background(), f.sess)
	require.NoError(t, err)
	assert.Equal(t, &CycleStats{Checked: 2, Analyzed: 1, Unchanged: 1}, stats)
	assert.EqualValues(t, 3, f.analyzer.calls.Load())

	rep, err = f.store.LoadReport("r1")
	require.NoError(t, err)
	assert.Len(t, rep.Results, 2)
	assert.Empty(t, rep.Errors)

	stats, err = f.engine.RunCycle(context.Background(), f.sess)
	require.NoError(t, err)
	assert.Equal(t, &CycleStats{Checked: 2, Unchanged: 2}, stats)
}

func TestMissingBaselineIsAnalyzed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.store.SaveReport(models.NewReport("r1", origin, time.Unix(0, 0))))

	stats, err := f.engine.RunCycle(context.Background(), f.sess)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Analyzed)

	rep, err := f.store.LoadReport("r1")
	require.NoError(t, err)
	assert.Len(t, rep.Results, 2)
	assert.Equal(t, 2, rep.Summary.Critical)
}

func TestBusySessionIsSkipped(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.baseline(t)
	require.True(t, f.sess.TryAcquire())
	defer f.sess.Release()

	_, err := f.engine.RunCycle(context.Background(), f.sess)
	assert.ErrorIs(t, err, session.ErrSessionBusy)
	assert.Zero(t, f.analyzer.calls.Load())

	// the timer callback treats a busy session as a quiet skip
	f.engine.Tick(context.Background(), f.sess)
	assert.True(t, f.sess.Busy())
}
