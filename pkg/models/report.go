package models

import "time"

// ReportStatus represents the state of a review report
type ReportStatus string

const (
	ReportRunning     ReportStatus = "running"
	ReportComplete    ReportStatus = "complete"
	ReportInterrupted ReportStatus = "interrupted"
	ReportError       ReportStatus = "error"
)

// Severity of a single finding
type Severity string

const (
	SeverityCritical   Severity = "critical"
	SeverityWarning    Severity = "warning"
	SeveritySuggestion Severity = "suggestion"
)

// Rank orders severities, critical first. Unknown severities rank last.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityWarning:
		return 1
	case SeveritySuggestion:
		return 2
	}
	return 3
}

// Valid reports whether s is one of the enumerated severities
func (s Severity) Valid() bool {
	return s.Rank() < 3
}

// Category of a single finding
type Category string

const (
	CategoryLayout         Category = "layout"
	CategoryTypography     Category = "typography"
	CategoryColor          Category = "color"
	CategoryAccessibility  Category = "accessibility"
	CategoryContent        Category = "content"
	CategoryNavigation     Category = "navigation"
	CategoryResponsiveness Category = "responsiveness"
	CategoryConsistency    Category = "consistency"
)

// Categories is the enumerated category set
var Categories = map[Category]bool{
	CategoryLayout:         true,
	CategoryTypography:     true,
	CategoryColor:          true,
	CategoryAccessibility:  true,
	CategoryContent:        true,
	CategoryNavigation:     true,
	CategoryResponsiveness: true,
	CategoryConsistency:    true,
}

// Finding is one issue reported by the analysis service
type Finding struct {
	Severity       Severity `json:"severity"`
	Category       Category `json:"category"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Recommendation string   `json:"recommendation,omitempty"`
}

// PageResult is the sanitized analysis of one page at one viewport
type PageResult struct {
	Page           string    `json:"page"`
	Viewport       string    `json:"viewport"`
	URL            string    `json:"url"`
	Summary        string    `json:"summary"`
	Findings       []Finding `json:"findings"`
	Structured     bool      `json:"structured"`
	Raw            string    `json:"raw,omitempty"`
	ScreenshotPath string    `json:"screenshotPath"`
	AnalyzedAt     time.Time `json:"analyzedAt"`
}

// PageError is the last failure recorded for a page/viewport key
type PageError struct {
	Page     string    `json:"page"`
	Viewport string    `json:"viewport"`
	Stage    string    `json:"stage"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// SummaryCounts is derived from Results and never updated incrementally
type SummaryCounts struct {
	Pages      int `json:"pages"`
	Findings   int `json:"findings"`
	Critical   int `json:"critical"`
	Warning    int `json:"warning"`
	Suggestion int `json:"suggestion"`
}

// Report is the durable record of one review, mutated in place by every run
// that references it
type Report struct {
	ID           string                `json:"id"`
	TargetOrigin string                `json:"targetOrigin"`
	SessionID    string                `json:"sessionId,omitempty"`
	Status       ReportStatus          `json:"status"`
	Pages        []PageSpec            `json:"pages"`
	Viewports    []ViewportSpec        `json:"viewports"`
	Results      map[string]PageResult `json:"results"`
	Errors       map[string]PageError  `json:"errors"`
	Summary      SummaryCounts         `json:"summary"`
	FatalError   string                `json:"fatalError,omitempty"`
	CreatedAt    time.Time             `json:"createdAt"`
	UpdatedAt    time.Time             `json:"updatedAt"`
}

// ResultKey builds the key shared by Results and Errors
func ResultKey(page, viewport string) string {
	return page + "::" + viewport
}

// NewReport creates an empty running report
func NewReport(id, origin string, now time.Time) *Report {
	return &Report{
		ID:           id,
		TargetOrigin: origin,
		Status:       ReportRunning,
		Results:      make(map[string]PageResult),
		Errors:       make(map[string]PageError),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// SetResult stores a result, clears any prior error for the key and
// recomputes the summary
func (r *Report) SetResult(res PageResult, now time.Time) {
	if r.Results == nil {
		r.Results = make(map[string]PageResult)
	}
	key := ResultKey(res.Page, res.Viewport)
	r.Results[key] = res
	delete(r.Errors, key)
	r.UpdatedAt = now
	r.Recount()
}

// SetError records the latest failure for a key. A stale result for the key
// is dropped so the key never appears in both maps.
func (r *Report) SetError(e PageError, now time.Time) {
	if r.Errors == nil {
		r.Errors = make(map[string]PageError)
	}
	key := ResultKey(e.Page, e.Viewport)
	delete(r.Results, key)
	r.Errors[key] = e
	r.UpdatedAt = now
	r.Recount()
}

// Recount rebuilds Summary from Results
func (r *Report) Recount() {
	var s SummaryCounts
	for _, res := range r.Results {
		s.Pages++
		for _, f := range res.Findings {
			s.Findings++
			switch f.Severity {
			case SeverityCritical:
				s.Critical++
			case SeverityWarning:
				s.Warning++
			case SeveritySuggestion:
				s.Suggestion++
			}
		}
	}
	r.Summary = s
}
