package discovery

import (
	"net/url"
	"path"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

// skipExtensions are never documents worth a screenshot
var skipExtensions = map[string]bool{
	".pdf": true, ".zip": true, ".gz": true, ".tar": true, ".rar": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true, ".webp": true, ".ico": true, ".avif": true,
	".css": true, ".js": true, ".mjs": true, ".map": true, ".json": true, ".xml": true, ".txt": true, ".rss": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true, ".otf": true,
	".mp3": true, ".mp4": true, ".webm": true, ".mov": true, ".avi": true, ".wav": true,
	".doc": true, ".docx": true, ".xls": true, ".xlsx": true, ".ppt": true, ".pptx": true, ".csv": true,
	".dmg": true, ".exe": true, ".apk": true,
}

var (
	// location.href = "/x", location.assign('/x'), window.open("/x")
	handlerPattern = regexp.MustCompile(`(?:location(?:\.href)?\s*=|location\.(?:assign|replace)\(|window\.open\()\s*['"]([^'"]+)['"]`)
	// router.push('/x'), navigate("/x")
	routerPattern = regexp.MustCompile(`(?:navigate|push|replace)\(\s*['"](/[^'"\s]*)['"]`)
	rawHrefPattern = regexp.MustCompile(`(?i)\bhref\s*=\s*["']([^"'\s>]+)["']`)
)

// extractLinks returns the normalized same-origin paths referenced by a
// page, in document order and without repeats
func extractLinks(doc *goquery.Document, body string, pageURL, origin *url.URL) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(raw string) {
		if p, ok := normalize(pageURL, origin, raw); ok && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	// a[href] is a subset of [href]; anchors go first to keep their order
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		add(href)
	})
	doc.Find("[href]").Each(func(_ int, s *goquery.Selection) {
		if goquery.NodeName(s) == "link" {
			return
		}
		href, _ := s.Attr("href")
		add(href)
	})
	doc.Find("[onclick]").Each(func(_ int, s *goquery.Selection) {
		onclick, _ := s.Attr("onclick")
		for _, m := range handlerPattern.FindAllStringSubmatch(onclick, -1) {
			add(m[1])
		}
	})
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		code := s.Text()
		for _, m := range handlerPattern.FindAllStringSubmatch(code, -1) {
			add(m[1])
		}
		for _, m := range routerPattern.FindAllStringSubmatch(code, -1) {
			add(m[1])
		}
	})
	for _, m := range rawHrefPattern.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}
	return out
}

// normalize resolves raw against base and returns its path when it is a
// same-origin http(s) document link. Fragments, queries and trailing
// slashes are dropped.
func normalize(base, origin *url.URL, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return "", false
	}
	lower := strings.ToLower(raw)
	for _, prefix := range []string{"javascript:", "mailto:", "tel:", "data:", "blob:", "about:"} {
		if strings.HasPrefix(lower, prefix) {
			return "", false
		}
	}

	u, err := base.Parse(raw)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if !sameOrigin(u, origin) {
		return "", false
	}

	p := u.Path
	if p == "" {
		p = "/"
	}
	p = path.Clean(p)
	if skipExtensions[strings.ToLower(path.Ext(p))] {
		return "", false
	}
	return p, true
}

// sameOrigin compares hosts only; http and https of one host are the same site
func sameOrigin(u, origin *url.URL) bool {
	return strings.EqualFold(u.Host, origin.Host)
}

// NameFromPath derives a display name: "/" is "Home", "/about-us" is
// "About Us", nested segments are joined with " / "
func NameFromPath(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return "Home"
	}
	segments := strings.Split(p, "/")
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if unescaped, err := url.PathUnescape(seg); err == nil {
			seg = unescaped
		}
		words := strings.FieldsFunc(seg, func(r rune) bool {
			return r == '-' || r == '_' || r == '.' || unicode.IsSpace(r)
		})
		for i, w := range words {
			r := []rune(w)
			r[0] = unicode.ToUpper(r[0])
			words[i] = string(r)
		}
		if len(words) > 0 {
			parts = append(parts, strings.Join(words, " "))
		}
	}
	if len(parts) == 0 {
		return "Home"
	}
	return strings.Join(parts, " / ")
}
