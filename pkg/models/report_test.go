package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recount(r *Report) SummaryCounts {
	clone := *r
	clone.Recount()
	return clone.Summary
}

func TestReportSummaryNeverDrifts(t *testing.T) {
	now := time.Now()
	r := NewReport("r1", "https://example.com", now)

	r.SetResult(PageResult{Page: "home", Viewport: "desktop", Findings: []Finding{
		{Severity: SeverityCritical, Category: CategoryLayout},
		{Severity: SeverityWarning, Category: CategoryColor},
	}}, now)
	assert.Equal(t, recount(r), r.Summary)

	r.SetError(PageError{Page: "about", Viewport: "desktop", Message: "boom"}, now)
	assert.Equal(t, recount(r), r.Summary)

	// overwrite with fewer findings; counts must drop, not accumulate
	r.SetResult(PageResult{Page: "home", Viewport: "desktop", Findings: []Finding{
		{Severity: SeveritySuggestion, Category: CategoryContent},
	}}, now)
	assert.Equal(t, recount(r), r.Summary)
	assert.Equal(t, SummaryCounts{Pages: 1, Findings: 1, Suggestion: 1}, r.Summary)
}

func TestReportSuccessClearsError(t *testing.T) {
	now := time.Now()
	r := NewReport("r1", "https://example.com", now)

	r.SetError(PageError{Page: "home", Viewport: "mobile", Message: "timeout"}, now)
	require.Contains(t, r.Errors, ResultKey("home", "mobile"))

	r.SetResult(PageResult{Page: "home", Viewport: "mobile"}, now)
	assert.Contains(t, r.Results, ResultKey("home", "mobile"))
	assert.NotContains(t, r.Errors, ResultKey("home", "mobile"))

}

func TestReportErrorReplacesStaleResult(t *testing.T) {
	now := time.Now()
	r := NewReport("r1", "https://example.com", now)
	key := ResultKey("home", "mobile")

	r.SetResult(PageResult{Page: "home", Viewport: "mobile", Findings: []Finding{
		{Severity: SeverityCritical, Category: CategoryLayout},
	}}, now)
	require.Equal(t, 1, r.Summary.Critical)

	r.SetError(PageError{Page: "home", Viewport: "mobile", Stage: "token", Message: "token generation failed"}, now)
	assert.NotContains(t, r.Results, key)
	require.Contains(t, r.Errors, key)
	assert.Equal(t, "token generation failed", r.Errors[key].Message)
	assert.Equal(t, SummaryCounts{}, r.Summary)
}

func TestResolveViewports(t *testing.T) {
	vps, err := ResolveViewports([]string{"mobile", "desktop", "mobile"})
	require.NoError(t, err)
	require.Len(t, vps, 2)
	assert.Equal(t, "mobile", vps[0].Name)
	assert.Equal(t, "desktop", vps[1].Name)

	_, err = ResolveViewports([]string{"watch"})
	assert.Error(t, err)

	vps, err = ResolveViewports(nil)
	require.NoError(t, err)
	assert.Equal(t, []ViewportSpec{Viewports["desktop"]}, vps)
}

func TestActionValidate(t *testing.T) {
	assert.NoError(t, Action{Type: ActionClick, Selector: "#go"}.Validate())
	assert.Error(t, Action{Type: ActionFill}.Validate())
	assert.Error(t, Action{Type: ActionPress}.Validate())
	assert.Error(t, Action{Type: ActionPause}.Validate())
	assert.NoError(t, Action{Type: ActionWaitForIdle}.Validate())
	assert.Error(t, Action{Type: "scroll"}.Validate())
	assert.Equal(t, DefaultActionTimeout, Action{}.Timeout())
	assert.Equal(t, 2*time.Second, Action{TimeoutMs: 2000}.Timeout())
}
