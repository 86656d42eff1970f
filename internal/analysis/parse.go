package analysis

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/shehryarbajwa/vizreview/pkg/models"
)

// MaxFindings caps the findings kept per page and viewport
const MaxFindings = 10

// rawReview is the reply shape before sanitizing. Fields are loose so that a
// slightly off reply still decodes.
type rawReview struct {
	Summary  string       `json:"summary"`
	Findings []rawFinding `json:"findings"`
}

type rawFinding struct {
	Severity       string `json:"severity"`
	Category       string `json:"category"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	Recommendation string `json:"recommendation"`
}

// parseReview extracts the JSON review from text. ok is false unless the
// text holds an object with a findings array.
func parseReview(text string) (review rawReview, ok bool) {
	body := extractJSON(text)
	if body == "" {
		return rawReview{}, false
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &probe); err != nil {
		return rawReview{}, false
	}
	if _, has := probe["findings"]; !has {
		// a summary-only object still tells the caller what text to retry
		_ = json.Unmarshal([]byte(body), &review)
		return review, false
	}
	if err := json.Unmarshal([]byte(body), &review); err != nil {
		return rawReview{}, false
	}
	return review, true
}

// extractJSON strips markdown fences and surrounding prose, returning the
// outermost {...} span
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "```"); i != -1 {
		rest := text[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl != -1 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end != -1 {
			text = rest[:end]
		}
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start == -1 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// sanitize keeps findings with a known severity and category, orders them
// critical first and caps the list at MaxFindings
func sanitize(in []rawFinding) []models.Finding {
	out := make([]models.Finding, 0, len(in))
	for _, f := range in {
		sev := models.Severity(strings.ToLower(strings.TrimSpace(f.Severity)))
		cat := models.Category(strings.ToLower(strings.TrimSpace(f.Category)))
		if !sev.Valid() || !models.Categories[cat] {
			continue
		}
		title := strings.TrimSpace(f.Title)
		if title == "" {
			continue
		}
		out = append(out, models.Finding{
			Severity:       sev,
			Category:       cat,
			Title:          title,
			Description:    strings.TrimSpace(f.Description),
			Recommendation: strings.TrimSpace(f.Recommendation),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Severity.Rank() < out[j].Severity.Rank()
	})
	if len(out) > MaxFindings {
		out = out[:MaxFindings]
	}
	return out
}
