// Package crawl implements multi-level site traversal and pagination:
// BFS crawling with link classification, and sequential page-by-page
// scraping driven by detected pagination mechanisms.
package crawl

import (
	"context"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/use-agent/harvest/config"
)

// FetchFunc retrieves the HTML for a URL. The crawler does not care
// how: the fetch engine's adaptive pipeline sits behind it.
type FetchFunc func(ctx context.Context, url string) (string, error)

// ExtractFunc turns a page into structured records. A nil ExtractFunc
// makes the crawler a pure link walker.
type ExtractFunc func(html, url string) ([]map[string]any, error)

// skipPatterns are URL shapes that never contain listing content.
var skipPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)/login`),
	regexp.MustCompile(`(?i)/signup`),
	regexp.MustCompile(`(?i)/cart`),
	regexp.MustCompile(`(?i)/checkout`),
	regexp.MustCompile(`(?i)/account`),
	regexp.MustCompile(`(?i)/profile`),
	regexp.MustCompile(`(?i)/settings`),
	regexp.MustCompile(`(?i)\.(pdf|jpg|jpeg|png|gif|zip|xml|json|css|js)$`),
}

// detailPatterns identify URLs likely to be item detail pages.
var detailPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)/item/`),
	regexp.MustCompile(`(?i)/product/`),
	regexp.MustCompile(`(?i)/detail/`),
	regexp.MustCompile(`(?i)/view/`),
	regexp.MustCompile(`(?i)/listing/`),
	regexp.MustCompile(`(?i)/ad/`),
	regexp.MustCompile(`(?i)/profile/`),
	regexp.MustCompile(`(?i)/company/`),
	regexp.MustCompile(`(?i)/dealer/`),
	regexp.MustCompile(`(?i)/seller/`),
	regexp.MustCompile(`(?i)\?id=`),
	regexp.MustCompile(`(?i)/\d+/?$`),
}

// listPatterns identify URLs likely to be further listing pages.
var listPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)/list/`),
	regexp.MustCompile(`(?i)/category/`),
	regexp.MustCompile(`(?i)/search/`),
	regexp.MustCompile(`(?i)/browse/`),
	regexp.MustCompile(`(?i)page=`),
	regexp.MustCompile(`(?i)/page/\d+`),
	regexp.MustCompile(`(?i)\?p=`),
	regexp.MustCompile(`(?i)offset=`),
}

var longNumberRe = regexp.MustCompile(`\d{3,}`)

// Stats summarises a traversal run.
type Stats struct {
	PagesCrawled  int
	URLsFound     int
	DataExtracted int
	Errors        int
}

// classified groups a page's links by role.
type classified struct {
	detail   []string
	list     []string
	external []string
}

// Crawler walks a site breadth-first from a start URL, classifying
// links and extracting records along the way. One Crawler serves one
// traversal; it is not reused.
type Crawler struct {
	cfg     config.CrawlConfig
	fetch   FetchFunc
	extract ExtractFunc
	logger  *slog.Logger

	// LinkSelector, when set, restricts followed links to anchors
	// matching this CSS selector instead of classifying all links.
	LinkSelector string

	visited     map[string]bool
	queued      map[string]bool
	startDomain string
	stats       Stats
}

// NewCrawler builds a single-use Crawler.
func NewCrawler(cfg config.CrawlConfig, fetch FetchFunc, extract ExtractFunc, logger *slog.Logger) *Crawler {
	return &Crawler{
		cfg:     cfg,
		fetch:   fetch,
		extract: extract,
		logger:  logger,
		visited: make(map[string]bool),
		queued:  make(map[string]bool),
	}
}

type queueItem struct {
	url   string
	depth int
}

// Run traverses the site from startURL and returns all extracted
// records. Per-page failures are counted and skipped; the traversal
// stops only on context cancellation or when the frontier or page
// budget is exhausted.
func (c *Crawler) Run(ctx context.Context, startURL string) ([]map[string]any, error) {
	start, err := url.Parse(startURL)
	if err != nil {
		return nil, err
	}
	c.startDomain = start.Host

	var results []map[string]any
	queue := []queueItem{{url: normalizeURL(startURL, startURL), depth: 0}}

	c.logger.Info("crawl starting", "url", startURL,
		"maxDepth", c.cfg.MaxDepth, "maxPages", c.cfg.MaxPages)

	for len(queue) > 0 && c.stats.PagesCrawled < c.cfg.MaxPages {
		if err := ctx.Err(); err != nil {
			c.logger.Info("crawl cancelled", "pagesCrawled", c.stats.PagesCrawled)
			return results, err
		}

		item := queue[0]
		queue = queue[1:]
		if c.visited[item.url] {
			continue
		}

		c.logger.Debug("crawling", "depth", item.depth, "url", item.url)
		html, err := c.fetch(ctx, item.url)
		if err != nil {
			c.logger.Warn("crawl fetch failed", "url", item.url, "error", err)
			c.stats.Errors++
			continue
		}
		c.visited[item.url] = true
		c.stats.PagesCrawled++

		if c.extract != nil {
			records, err := c.extract(html, item.url)
			if err != nil {
				c.logger.Warn("extraction failed", "url", item.url, "error", err)
			} else if len(records) > 0 {
				results = append(results, records...)
				c.stats.DataExtracted += len(records)
			}
		}

		if item.depth < c.cfg.MaxDepth {
			for _, link := range c.nextLinks(html, item.url, item.depth) {
				if !c.visited[link] && !c.queued[link] {
					queue = append(queue, queueItem{url: link, depth: item.depth + 1})
					c.queued[link] = true
					c.stats.URLsFound++
				}
			}
		}

		if c.cfg.Delay > 0 && len(queue) > 0 {
			timer := time.NewTimer(c.cfg.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return results, ctx.Err()
			case <-timer.C:
			}
		}
	}

	c.logger.Info("crawl complete",
		"pagesCrawled", c.stats.PagesCrawled,
		"dataExtracted", c.stats.DataExtracted,
		"errors", c.stats.Errors)
	return results, nil
}

// Stats returns the traversal counters.
func (c *Crawler) Stats() Stats {
	return c.stats
}

// nextLinks picks which of a page's links to follow. With a selector
// configured every matching link is eligible; otherwise links are
// classified and detail pages take priority, with a handful of list
// pages admitted from the start page only.
func (c *Crawler) nextLinks(html, pageURL string, depth int) []string {
	if c.LinkSelector != "" {
		links := c.selectLinks(html, pageURL, c.LinkSelector)
		if len(links) > c.cfg.MaxLinksPerPage {
			links = links[:c.cfg.MaxLinksPerPage]
		}
		return links
	}

	cl := c.classifyLinks(html, pageURL)
	links := cl.detail
	if len(links) > c.cfg.MaxLinksPerPage {
		links = links[:c.cfg.MaxLinksPerPage]
	}
	if depth == 0 {
		extra := cl.list
		if len(extra) > c.cfg.MaxListLinks {
			extra = extra[:c.cfg.MaxListLinks]
		}
		links = append(links, extra...)
	}
	return links
}

func (c *Crawler) selectLinks(html, pageURL, selector string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	seen := make(map[string]bool)
	var links []string
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		link := normalizeURL(href, pageURL)
		if link == "" || seen[link] || !c.shouldCrawl(link) {
			return
		}
		seen[link] = true
		links = append(links, link)
	})
	return links
}

// classifyLinks buckets every anchor on the page into detail, list, or
// external. Unmatched same-domain links default to detail when they
// contain a long number (IDs), list otherwise.
func (c *Crawler) classifyLinks(html, pageURL string) classified {
	var cl classified
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return cl
	}
	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		link := normalizeURL(href, pageURL)
		if link == "" || seen[link] || !c.shouldCrawl(link) {
			return
		}
		seen[link] = true

		u, err := url.Parse(link)
		if err != nil {
			return
		}
		if u.Host != c.startDomain {
			cl.external = append(cl.external, link)
			return
		}
		switch {
		case matchesAny(link, detailPatterns):
			cl.detail = append(cl.detail, link)
		case matchesAny(link, listPatterns):
			cl.list = append(cl.list, link)
		case longNumberRe.MatchString(link):
			cl.detail = append(cl.detail, link)
		default:
			cl.list = append(cl.list, link)
		}
	})
	return cl
}

func (c *Crawler) shouldCrawl(link string) bool {
	if c.visited[link] || c.queued[link] {
		return false
	}
	if c.cfg.SameDomainOnly && c.startDomain != "" {
		u, err := url.Parse(link)
		if err != nil || u.Host != c.startDomain {
			return false
		}
	}
	return !matchesAny(link, skipPatterns)
}

func matchesAny(s string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// normalizeURL resolves href against base, strips the fragment, and
// trims the trailing slash so equivalent URLs dedupe to one form.
func normalizeURL(href, base string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
		return ""
	}
	baseU, err := url.Parse(base)
	if err != nil {
		return ""
	}
	u, err := baseU.Parse(href)
	if err != nil {
		return ""
	}
	u.Fragment = ""
	out := u.String()
	return strings.TrimRight(out, "/")
}
