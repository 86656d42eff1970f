// Package auth works with captured browser credentials: it selects the
// cookies that apply to a host, drives a form login, and scrubs secrets from
// text that is about to be stored or shown.
package auth

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/shehryarbajwa/vizreview/pkg/models"
)

// DomainMatches reports whether a cookie scoped to cookieDomain is sent to
// host: an exact match or any subdomain of it
func DomainMatches(cookieDomain, host string) bool {
	domain := strings.ToLower(strings.TrimPrefix(cookieDomain, "."))
	host = strings.ToLower(host)
	if i := strings.LastIndexByte(host, ':'); i != -1 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	if domain == "" || host == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// CookiesFor returns the cookies in state that apply to host
func CookiesFor(state *models.AuthState, host string) []models.Cookie {
	if state == nil {
		return nil
	}
	var out []models.Cookie
	for _, c := range state.Cookies {
		if DomainMatches(c.Domain, host) {
			out = append(out, c)
		}
	}
	return out
}

// CookieHeader renders the Cookie header value for host, or "" when no
// cookie applies
func CookieHeader(state *models.AuthState, host string) string {
	cookies := CookiesFor(state, host)
	if len(cookies) == 0 {
		return ""
	}
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, (&http.Cookie{Name: c.Name, Value: c.Value}).String())
	}
	return strings.Join(parts, "; ")
}

// HTTPCookies converts the cookies that apply to host for use with a cookie jar
func HTTPCookies(state *models.AuthState, host string) []*http.Cookie {
	var out []*http.Cookie
	for _, c := range CookiesFor(state, host) {
		path := c.Path
		if path == "" {
			path = "/"
		}
		out = append(out, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}
	return out
}

// Scrubber removes known secrets from text. *logging.RedactHook satisfies it.
type Scrubber interface {
	Scrub(s string) string
}

var credentialParam = regexp.MustCompile(`(?i)([?&](?:token|access_token|auth|key|api_key|sig|signature|code|session)=)[^&\s"']+`)

// Scrub removes registered secrets and credential-looking query parameters
// from s. A nil scrubber only strips query parameters.
func Scrub(s string, secrets Scrubber) string {
	if secrets != nil {
		s = secrets.Scrub(s)
	}
	return credentialParam.ReplaceAllString(s, "${1}***")
}
