package analysis

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/vizreview/pkg/models"
)

const maxRawSummary = 500

// Outcome is the sanitized review of one screenshot
type Outcome struct {
	Summary    string
	Findings   []models.Finding
	Structured bool
	// Raw is the unparsed reply, kept only when no structure could be recovered
	Raw string
}

// Reviewer runs the screenshot review and its structured-result fallbacks
type Reviewer struct {
	analyzer Analyzer
	logger   logrus.FieldLogger
}

// NewReviewer creates a reviewer on top of analyzer
func NewReviewer(analyzer Analyzer, logger logrus.FieldLogger) *Reviewer {
	return &Reviewer{
		analyzer: analyzer,
		logger:   logger.WithField("component", "reviewer"),
	}
}

// Review analyzes one screenshot. An unstructured reply is handled in tiers,
// each tried only when the previous one failed: re-parse the reply's summary
// text, then ask the service once to reformat the text. When every tier
// fails the raw reply is kept as an unstructured outcome.
func (r *Reviewer) Review(ctx context.Context, page string, vp models.ViewportSpec, url string, raster []byte) (*Outcome, error) {
	reply, err := r.analyzer.Analyze(ctx, Request{
		System: SystemPrompt(),
		User:   UserPrompt(page, vp, url),
		Images: [][]byte{raster},
	})
	if err != nil {
		return nil, err
	}

	review, ok := parseReview(reply)
	if ok {
		return structured(review), nil
	}

	text := reply
	if review.Summary != "" {
		text = review.Summary
		if again, ok := parseReview(text); ok {
			return structured(again), nil
		}
	}

	log := r.logger.WithFields(logrus.Fields{"page": page, "viewport": vp.Name})
	log.Debug("unstructured reply, asking for a reformat")

	reformatted, err := r.analyzer.Analyze(ctx, Request{User: ReformatPrompt(text)})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.WithError(err).Warn("reformat request failed, keeping raw reply")
		return unstructured(reply), nil
	}
	if again, ok := parseReview(reformatted); ok {
		return structured(again), nil
	}

	log.Warn("reply could not be structured, keeping raw reply")
	return unstructured(reply), nil
}

func structured(review rawReview) *Outcome {
	return &Outcome{
		Summary:    strings.TrimSpace(review.Summary),
		Findings:   sanitize(review.Findings),
		Structured: true,
	}
}

func unstructured(reply string) *Outcome {
	return &Outcome{
		Summary:  truncate(strings.TrimSpace(reply), maxRawSummary),
		Findings: []models.Finding{},
		Raw:      reply,
	}
}

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
