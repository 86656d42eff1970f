package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/shehryarbajwa/vizreview/internal/browser"
	"github.com/shehryarbajwa/vizreview/pkg/models"
)

// ErrLoginFailed is returned when the form submit did not leave the login page
var ErrLoginFailed = errors.New("login failed")

// Redactor collects secrets that must never reach a log line or a stored
// record. *logging.RedactHook satisfies it.
type Redactor interface {
	Scrubber
	Add(secret string)
}

// Login fills and submits a login form in a fresh page of b and returns the
// resulting auth state.
//
// Success is judged by the page's URL path changing after submit. Single-page
// apps that authenticate without navigating are reported as failures even
// when the login worked; pass a captured AuthState instead for those sites.
func Login(ctx context.Context, b browser.Browser, spec models.LoginSpec, navTimeout time.Duration, secrets Redactor) (*models.AuthState, error) {
	if spec.URL == "" || spec.UsernameSelector == "" || spec.PasswordSelector == "" || spec.SubmitSelector == "" {
		return nil, fmt.Errorf("login requires url and username, password and submit selectors")
	}
	if secrets != nil {
		secrets.Add(spec.Password)
	}

	page, err := b.NewPage(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open login page: %w", err)
	}
	defer page.Close()

	if err := page.Goto(ctx, spec.URL, navTimeout); err != nil {
		return nil, fmt.Errorf("failed to load login page: %w", err)
	}
	before := pathOf(page.URL())

	steps := []models.Action{
		{Type: models.ActionFill, Selector: spec.UsernameSelector, Value: spec.Username},
		{Type: models.ActionFill, Selector: spec.PasswordSelector, Value: spec.Password},
		{Type: models.ActionClick, Selector: spec.SubmitSelector},
		{Type: models.ActionWaitForIdle, TimeoutMs: int(navTimeout.Milliseconds())},
	}
	for _, step := range steps {
		if err := page.RunAction(ctx, step); err != nil {
			return nil, fmt.Errorf("login %s step failed: %w", step.Type, err)
		}
	}

	if after := pathOf(page.URL()); after == before {
		return nil, fmt.Errorf("%w: still on %s after submit", ErrLoginFailed, before)
	}

	state, err := page.StorageState()
	if err != nil {
		return nil, fmt.Errorf("failed to capture auth state: %w", err)
	}
	if secrets != nil {
		for _, c := range state.Cookies {
			secrets.Add(c.Value)
		}
	}
	return state, nil
}

func pathOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.Path == "" {
		return "/"
	}
	return u.Path
}
