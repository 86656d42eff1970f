package storage

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/vizreview/pkg/models"
)

func newStore(t *testing.T) (*Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	s, err := New(fs, "/data")
	require.NoError(t, err)
	return s, fs
}

func TestReportRoundTripOverwrites(t *testing.T) {
	t.Parallel()
	s, fs := newStore(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := models.NewReport("rep-1", "https://app.test", now)
	require.NoError(t, s.SaveReport(r))

	r.SetResult(models.PageResult{Page: "Home", Viewport: "desktop", Findings: []models.Finding{
		{Severity: models.SeverityCritical, Category: models.CategoryLayout, Title: "overlap"},
	}}, now.Add(time.Minute))
	r.Status = models.ReportComplete
	require.NoError(t, s.SaveReport(r))

	got, err := s.LoadReport("rep-1")
	require.NoError(t, err)
	assert.Equal(t, models.ReportComplete, got.Status)
	assert.Equal(t, 1, got.Summary.Critical)
	assert.Contains(t, got.Results, models.ResultKey("Home", "desktop"))

	// no temp file left behind
	ok, err := afero.Exists(fs, "/data/reports/rep-1/report.json.tmp")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadReportMissing(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	_, err := s.LoadReport("nope")
	assert.ErrorIs(t, err, ErrReportNotFound)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	_, err = s.LoadReport("../etc")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, os.ErrNotExist))
}

func TestListReportsNewestFirst(t *testing.T) {
	t.Parallel()
	s, fs := newStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.SaveReport(models.NewReport(id, "https://x.test", base.Add(time.Duration(i)*time.Hour))))
	}
	require.NoError(t, afero.WriteFile(fs, "/data/reports/broken/report.json", []byte("{"), 0o644))

	reports, err := s.ListReports()
	require.NoError(t, err)
	require.Len(t, reports, 3)
	assert.Equal(t, "c", reports[0].ID)
	assert.Equal(t, "a", reports[2].ID)
}

func TestScreenshotName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "pricing_plans_desktop.png", ScreenshotName("Pricing & Plans!", "desktop"))
	assert.Equal(t, "page_mobile.png", ScreenshotName("???", "mobile"))

	long := ScreenshotName(strings.Repeat("Very Long Name ", 10), "wide")
	assert.True(t, strings.HasSuffix(long, "_wide.png"))
	assert.LessOrEqual(t, len(strings.TrimSuffix(long, "_wide.png")), 60)
}

func TestScreenshots(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	_, err := s.LoadScreenshot("rep-1", "home_desktop.png")
	assert.ErrorIs(t, err, os.ErrNotExist)

	rel, err := s.SaveScreenshot("rep-1", "home_desktop.png", []byte("png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "screenshots/home_desktop.png", rel)

	data, err := s.LoadScreenshot("rep-1", "home_desktop.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)

	_, err = s.SaveScreenshot("rep-1", "../../escape.png", nil)
	assert.Error(t, err)
}

func TestWriteArchive(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	require.NoError(t, s.SaveReport(models.NewReport("rep-9", "https://x.test", time.Now())))
	_, err := s.SaveScreenshot("rep-9", "home_mobile.png", []byte("img"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, s.WriteArchive(&buf, "rep-9"))

	gz, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	var names []string
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, h.Name)
	}
	assert.Contains(t, names, "rep-9/report.json")
	assert.Contains(t, names, "rep-9/screenshots/home_mobile.png")

	assert.ErrorIs(t, s.WriteArchive(io.Discard, "missing"), ErrReportNotFound)
}
