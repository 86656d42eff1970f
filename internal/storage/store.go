// Package storage persists reports and their screenshots. Reports are always
// written as whole documents; a write never leaves a partial file behind.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/shehryarbajwa/vizreview/pkg/models"
)

const (
	reportsDir     = "reports"
	reportFile     = "report.json"
	screenshotsDir = "screenshots"
	maxNameLength  = 60
)

// ErrReportNotFound is returned when no report exists for an id
var ErrReportNotFound = fmt.Errorf("report not found: %w", os.ErrNotExist)

var (
	validID   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)
	nonAlnum  = regexp.MustCompile(`[^a-z0-9]+`)
	validShot = regexp.MustCompile(`^[a-z0-9_]+\.png$`)
)

// Store keeps reports under <root>/reports/<id>/
type Store struct {
	fs   afero.Fs
	root string
	mu   sync.Mutex
}

// New creates a store rooted at root on fs
func New(fs afero.Fs, root string) (*Store, error) {
	if err := fs.MkdirAll(path.Join(root, reportsDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &Store{fs: fs, root: root}, nil
}

// NewOS creates a store on the local filesystem
func NewOS(root string) (*Store, error) {
	return New(afero.NewOsFs(), root)
}

func (s *Store) reportDir(id string) (string, error) {
	if !validID.MatchString(id) {
		return "", fmt.Errorf("invalid report id %q", id)
	}
	return path.Join(s.root, reportsDir, id), nil
}

// SaveReport overwrites the stored report with r
func (s *Store) SaveReport(r *models.Report) error {
	dir, err := s.reportDir(r.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	return s.writeAtomic(path.Join(dir, reportFile), data)
}

// writeAtomic writes data next to target and renames it into place
func (s *Store) writeAtomic(target string, data []byte) error {
	tmp := target + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path.Base(target), err)
	}
	if err := s.fs.Rename(tmp, target); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path.Base(target), err)
	}
	return nil
}

// LoadReport reads a report. Missing reports return ErrReportNotFound.
func (s *Store) LoadReport(id string) (*models.Report, error) {
	dir, err := s.reportDir(id)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, path.Join(dir, reportFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrReportNotFound
		}
		return nil, fmt.Errorf("failed to read report: %w", err)
	}

	var r models.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode report %s: %w", id, err)
	}
	if r.Results == nil {
		r.Results = map[string]models.PageResult{}
	}
	if r.Errors == nil {
		r.Errors = map[string]models.PageError{}
	}
	return &r, nil
}

// ListReports returns every stored report, newest first. Unreadable entries
// are skipped.
func (s *Store) ListReports() ([]*models.Report, error) {
	entries, err := afero.ReadDir(s.fs, path.Join(s.root, reportsDir))
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}

	reports := make([]*models.Report, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		r, err := s.LoadReport(e.Name())
		if err != nil {
			continue
		}
		reports = append(reports, r)
	}
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].CreatedAt.After(reports[j].CreatedAt)
	})
	return reports, nil
}

// ScreenshotName derives the screenshot file name for a page and viewport
func ScreenshotName(page, viewport string) string {
	return SanitizeName(page) + "_" + SanitizeName(viewport) + ".png"
}

// SanitizeName lowercases s, collapses runs of other characters to "_" and
// truncates to 60 characters. Two pages with the same sanitized name would
// share screenshot files.
func SanitizeName(s string) string {
	s = nonAlnum.ReplaceAllString(strings.ToLower(s), "_")
	s = strings.Trim(s, "_")
	if len(s) > maxNameLength {
		s = strings.TrimRight(s[:maxNameLength], "_")
	}
	if s == "" {
		return "page"
	}
	return s
}

// SaveScreenshot stores a raster and returns its path relative to the
// report directory
func (s *Store) SaveScreenshot(reportID, name string, data []byte) (string, error) {
	dir, err := s.reportDir(reportID)
	if err != nil {
		return "", err
	}
	if !validShot.MatchString(name) {
		return "", fmt.Errorf("invalid screenshot name %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	shots := path.Join(dir, screenshotsDir)
	if err := s.fs.MkdirAll(shots, 0o755); err != nil {
		return "", fmt.Errorf("failed to create screenshot directory: %w", err)
	}
	if err := s.writeAtomic(path.Join(shots, name), data); err != nil {
		return "", err
	}
	return path.Join(screenshotsDir, name), nil
}

// LoadScreenshot reads a stored raster. A missing file returns an error
// satisfying errors.Is(err, os.ErrNotExist).
func (s *Store) LoadScreenshot(reportID, name string) ([]byte, error) {
	dir, err := s.reportDir(reportID)
	if err != nil {
		return nil, err
	}
	if !validShot.MatchString(name) {
		return nil, fmt.Errorf("invalid screenshot name %q", name)
	}
	data, err := afero.ReadFile(s.fs, path.Join(dir, screenshotsDir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to read screenshot %s: %w", name, err)
	}
	return data, nil
}
