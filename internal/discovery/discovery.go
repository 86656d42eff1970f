// Package discovery enumerates the pages of a site: sitemap first, then a
// breadth-first crawl of same-origin links.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/shehryarbajwa/vizreview/internal/auth"
	"github.com/shehryarbajwa/vizreview/internal/security"
	"github.com/shehryarbajwa/vizreview/pkg/models"
)

const (
	maxSitemapSize = 5 << 20
	maxPageSize    = 2 << 20
	maxRedirects   = 5
	requestTimeout = 20 * time.Second
	userAgent      = "vizreview-discovery/1.0"
)

// Options configures a Crawler
type Options struct {
	Guard       *security.Guard
	Delay       time.Duration
	Concurrency int
	// MaxPages is the default and the upper bound for a single discovery
	MaxPages int
	Logger   logrus.FieldLogger
	// Transport overrides the SSRF-safe transport built from Guard
	Transport http.RoundTripper
}

// Crawler discovers pages
type Crawler struct {
	guard       *security.Guard
	delay       time.Duration
	concurrency int
	maxPages    int
	transport   http.RoundTripper
	logger      logrus.FieldLogger
}

// New creates a crawler
func New(opts Options) *Crawler {
	if opts.Guard == nil {
		opts.Guard = &security.Guard{}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 50
	}
	if opts.Transport == nil {
		opts.Transport = opts.Guard.Transport()
	}
	return &Crawler{
		guard:       opts.Guard,
		delay:       opts.Delay,
		concurrency: opts.Concurrency,
		maxPages:    opts.MaxPages,
		transport:   opts.Transport,
		logger:      opts.Logger.WithField("component", "discovery"),
	}
}

// crawl is the state of one discovery
type crawl struct {
	origin  *url.URL
	client  *http.Client
	limiter *rate.Limiter
}

// Discover lists up to maxPages pages of origin. A non-positive maxPages uses
// the configured default. Cancelling ctx returns what was found so far
// together with ctx.Err().
func (c *Crawler) Discover(ctx context.Context, origin string, maxPages int, authState *models.AuthState) (*models.DiscoveryResult, error) {
	base, err := c.guard.ValidateTarget(ctx, origin)
	if err != nil {
		return nil, err
	}
	if maxPages <= 0 || maxPages > c.maxPages {
		maxPages = c.maxPages
	}

	cr, err := c.newCrawl(base, authState)
	if err != nil {
		return nil, err
	}
	log := c.logger.WithField("origin", base.String())

	if paths := cr.sitemap(ctx); len(paths) > 0 {
		log.WithField("entries", len(paths)).Info("🗺️ Using sitemap")
		take := paths
		if len(take) > maxPages {
			take = take[:maxPages]
		}
		pages := make([]models.DiscoveredPage, 0, len(take))
		names := newNamer()
		for _, p := range take {
			pages = append(pages, models.DiscoveredPage{Name: names.name(p), Path: p})
		}
		return &models.DiscoveryResult{
			Pages:           pages,
			Source:          models.SourceSitemap,
			TotalLinksFound: len(paths),
			PagesSkipped:    len(paths) - len(take),
		}, nil
	}

	log.Info("🕷️ No sitemap, crawling")
	return c.bfs(ctx, cr, maxPages)
}

func (c *Crawler) newCrawl(base *url.URL, authState *models.AuthState) (*crawl, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	if cookies := auth.HTTPCookies(authState, base.Hostname()); len(cookies) > 0 {
		jar.SetCookies(base, cookies)
	}

	limit := rate.Inf
	if c.delay > 0 {
		limit = rate.Every(c.delay)
	}

	client := &http.Client{
		Transport: c.transport,
		Jar:       jar,
		Timeout:   requestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.New("too many redirects")
			}
			if !sameOrigin(req.URL, base) {
				return fmt.Errorf("redirect leaves %s", base.Host)
			}
			return nil
		},
	}
	return &crawl{origin: base, client: client, limiter: rate.NewLimiter(limit, 1)}, nil
}

// bfs crawls level by level. Each level is loaded with at most c.concurrency
// requests in flight and results are merged in queue order, so the output
// does not depend on timing.
func (c *Crawler) bfs(ctx context.Context, cr *crawl, maxPages int) (*models.DiscoveryResult, error) {
	seen := map[string]bool{"/": true}
	queue := []string{"/"}
	pages := make([]models.DiscoveredPage, 0, maxPages)
	names := newNamer()
	sem := semaphore.NewWeighted(int64(c.concurrency))

	var ctxErr error
	for len(queue) > 0 && len(pages) < maxPages {
		n := min(len(queue), maxPages-len(pages))
		level := queue[:n]
		queue = queue[n:]

		results := make([]loadResult, len(level))
		g, gctx := errgroup.WithContext(ctx)
		for i, path := range level {
			if err := sem.Acquire(gctx, 1); err != nil {
				break
			}
			g.Go(func() error {
				defer sem.Release(1)
				if gctx.Err() != nil {
					return nil
				}
				results[i] = cr.load(gctx, path)
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			ctxErr = err
			break
		}

		for i, path := range level {
			res := results[i]
			page := models.DiscoveredPage{Name: names.name(path), Path: path, Title: res.title}
			if res.err != nil {
				page.Error = res.err.Error()
				c.logger.WithError(res.err).WithField("path", path).Debug("page load failed")
			}
			pages = append(pages, page)
			for _, link := range res.links {
				if !seen[link] {
					seen[link] = true
					queue = append(queue, link)
				}
			}
		}
	}

	return &models.DiscoveryResult{
		Pages:           pages,
		Source:          models.SourceCrawl,
		TotalLinksFound: len(seen),
		PagesSkipped:    len(seen) - len(pages),
	}, ctxErr
}

var locPattern = regexp.MustCompile(`(?is)<loc>\s*(.*?)\s*</loc>`)

// sitemap returns the unique same-origin paths listed in /sitemap.xml, in
// document order. Any failure yields nothing.
func (cr *crawl) sitemap(ctx context.Context) []string {
	body, _, err := cr.get(ctx, "/sitemap.xml", maxSitemapSize)
	if err != nil {
		return nil
	}

	var paths []string
	seen := make(map[string]bool)
	for _, m := range locPattern.FindAllStringSubmatch(body, -1) {
		loc := strings.NewReplacer("&amp;", "&", "<![CDATA[", "", "]]>", "").Replace(m[1])
		p, ok := normalize(cr.origin, cr.origin, loc)
		if !ok || seen[p] {
			continue
		}
		seen[p] = true
		paths = append(paths, p)
	}
	return paths
}

type loadResult struct {
	title string
	links []string
	err   error
}

func (cr *crawl) load(ctx context.Context, path string) loadResult {
	if err := cr.limiter.Wait(ctx); err != nil {
		return loadResult{err: err}
	}
	body, pageURL, err := cr.get(ctx, path, maxPageSize)
	if err != nil {
		return loadResult{err: err}
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return loadResult{err: fmt.Errorf("failed to parse %s: %w", path, err)}
	}
	return loadResult{
		title: strings.TrimSpace(doc.Find("title").First().Text()),
		links: extractLinks(doc, body, pageURL, cr.origin),
	}
}

// get fetches an origin path and returns its body and final URL
func (cr *crawl) get(ctx context.Context, path string, limit int64) (string, *url.URL, error) {
	target := cr.origin.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := cr.client.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", nil, fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return "", nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), resp.Request.URL, nil
}

// namer hands out page names, suffixing repeats so names stay unique
type namer struct {
	used map[string]int
}

func newNamer() *namer {
	return &namer{used: make(map[string]int)}
}

func (n *namer) name(path string) string {
	base := NameFromPath(path)
	key := strings.ToLower(base)
	n.used[key]++
	if c := n.used[key]; c > 1 {
		return fmt.Sprintf("%s %d", base, c)
	}
	return base
}
