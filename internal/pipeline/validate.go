package pipeline

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/shehryarbajwa/vizreview/internal/storage"
	"github.com/shehryarbajwa/vizreview/pkg/models"
)

// ErrInvalidRun is wrapped by every validation failure
var ErrInvalidRun = errors.New("invalid review request")

// ValidatePages checks a page list before anything is launched. Names must
// stay unique after sanitizing because they name the screenshot files.
func ValidatePages(pages []models.PageSpec) error {
	if len(pages) == 0 {
		return fmt.Errorf("%w: no pages", ErrInvalidRun)
	}
	seen := make(map[string]string, len(pages))
	for _, p := range pages {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("%w: page with path %q has no name", ErrInvalidRun, p.Path)
		}
		key := storage.SanitizeName(p.Name)
		if prev, dup := seen[key]; dup {
			return fmt.Errorf("%w: page names %q and %q collide", ErrInvalidRun, prev, p.Name)
		}
		seen[key] = p.Name

		for i, a := range p.Actions {
			if err := a.Validate(); err != nil {
				return fmt.Errorf("%w: page %q action %d: %v", ErrInvalidRun, p.Name, i+1, err)
			}
		}
		if t := p.TokenAuth; t != nil && (t.Endpoint == "" || t.ResponsePath == "" || t.QueryParam == "") {
			return fmt.Errorf("%w: page %q token auth needs endpoint, responsePath and queryParam", ErrInvalidRun, p.Name)
		}
	}
	return nil
}

// PageURL resolves a page path against the review origin. Paths that point
// at another origin are rejected.
func PageURL(origin, path string) (string, error) {
	base, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("%w: bad origin: %v", ErrInvalidRun, err)
	}
	ref, err := url.Parse(strings.TrimSpace(path))
	if err != nil {
		return "", fmt.Errorf("%w: bad page path %q: %v", ErrInvalidRun, path, err)
	}
	u := base.ResolveReference(ref)
	if u.Host != base.Host || u.Scheme != base.Scheme {
		return "", fmt.Errorf("%w: page path %q leaves %s", ErrInvalidRun, path, base.Host)
	}
	return u.String(), nil
}
