package models

import (
	"fmt"
	"time"
)

// ActionType enumerates the declarative interaction steps a page can run
// before its screenshot is taken
type ActionType string

const (
	ActionClick       ActionType = "click"
	ActionFill        ActionType = "fill"
	ActionHover       ActionType = "hover"
	ActionWaitFor     ActionType = "waitFor"
	ActionSelect      ActionType = "select"
	ActionPress       ActionType = "press"
	ActionPause       ActionType = "pause"
	ActionWaitForIdle ActionType = "waitForIdle"
)

// DefaultActionTimeout applies to actions that do not set their own timeout
const DefaultActionTimeout = 10 * time.Second

// Action is a single interaction step
type Action struct {
	Type     ActionType `json:"type" yaml:"type"`
	Selector string     `json:"selector,omitempty" yaml:"selector,omitempty"`
	Value    string     `json:"value,omitempty" yaml:"value,omitempty"`
	Key      string     `json:"key,omitempty" yaml:"key,omitempty"`
	// DurationMs is used by pause
	DurationMs int `json:"durationMs,omitempty" yaml:"durationMs,omitempty"`
	// TimeoutMs bounds this step only
	TimeoutMs int `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
}

// Timeout returns the step's own timeout or the default
func (a Action) Timeout() time.Duration {
	if a.TimeoutMs > 0 {
		return time.Duration(a.TimeoutMs) * time.Millisecond
	}
	return DefaultActionTimeout
}

// Validate checks that the action carries the fields its type needs
func (a Action) Validate() error {
	switch a.Type {
	case ActionClick, ActionHover, ActionWaitFor, ActionFill, ActionSelect:
		if a.Selector == "" {
			return fmt.Errorf("%s action requires a selector", a.Type)
		}
	case ActionPress:
		if a.Key == "" {
			return fmt.Errorf("press action requires a key")
		}
	case ActionPause:
		if a.DurationMs <= 0 {
			return fmt.Errorf("pause action requires a positive durationMs")
		}
	case ActionWaitForIdle:
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

// TokenAuthSpec describes how to fetch a short-lived credential that is
// appended to a page URL before capture
type TokenAuthSpec struct {
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	Method       string `json:"method,omitempty" yaml:"method,omitempty"`
	Body         string `json:"body,omitempty" yaml:"body,omitempty"`
	ResponsePath string `json:"responsePath" yaml:"responsePath"`
	QueryParam   string `json:"queryParam" yaml:"queryParam"`
}

// PageSpec is one page of the target site to review
type PageSpec struct {
	Name      string         `json:"name" yaml:"name"`
	Path      string         `json:"path" yaml:"path"`
	TokenAuth *TokenAuthSpec `json:"tokenAuth,omitempty" yaml:"tokenAuth,omitempty"`
	Actions   []Action       `json:"actions,omitempty" yaml:"actions,omitempty"`
}

// ViewportSpec is a named screen size
type ViewportSpec struct {
	Name   string `json:"name" yaml:"name"`
	Width  int    `json:"width" yaml:"width"`
	Height int    `json:"height" yaml:"height"`
}

// Viewports is the fixed set of supported screen sizes
var Viewports = map[string]ViewportSpec{
	"mobile":  {Name: "mobile", Width: 375, Height: 812},
	"tablet":  {Name: "tablet", Width: 768, Height: 1024},
	"desktop": {Name: "desktop", Width: 1440, Height: 900},
	"wide":    {Name: "wide", Width: 1920, Height: 1080},
}

// ResolveViewports maps viewport names onto the enumerated set, keeping
// caller order. An empty list resolves to desktop only.
func ResolveViewports(names []string) ([]ViewportSpec, error) {
	if len(names) == 0 {
		return []ViewportSpec{Viewports["desktop"]}, nil
	}
	out := make([]ViewportSpec, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		vp, ok := Viewports[name]
		if !ok {
			return nil, fmt.Errorf("unknown viewport %q", name)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, vp)
	}
	return out, nil
}

// LoginSpec describes a form login performed before the first capture
type LoginSpec struct {
	URL              string `json:"url" yaml:"url"`
	UsernameSelector string `json:"usernameSelector" yaml:"usernameSelector"`
	PasswordSelector string `json:"passwordSelector" yaml:"passwordSelector"`
	SubmitSelector   string `json:"submitSelector" yaml:"submitSelector"`
	Username         string `json:"username" yaml:"username"`
	Password         string `json:"password" yaml:"password"`
}
