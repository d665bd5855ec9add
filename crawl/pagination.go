package crawl

import (
	"context"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/use-agent/harvest/config"
)

// Mechanism is how a site exposes its next page.
type Mechanism int

const (
	MechanismNone Mechanism = iota
	MechanismNextButton
	MechanismURLParam
	MechanismURLPath
	MechanismPageNumbers
	MechanismLoadMore
	MechanismInfiniteScroll
)

func (m Mechanism) String() string {
	switch m {
	case MechanismNextButton:
		return "next_button"
	case MechanismURLParam:
		return "url_param"
	case MechanismURLPath:
		return "url_path"
	case MechanismPageNumbers:
		return "page_numbers"
	case MechanismLoadMore:
		return "load_more"
	case MechanismInfiniteScroll:
		return "infinite_scroll"
	}
	return "none"
}

// Detection confidences per mechanism. Next buttons are the most
// reliable signal; scroll heuristics the least.
const (
	confNextButton     = 0.95
	confURLParam       = 0.90
	confURLPath        = 0.90
	confPageNumbers    = 0.85
	confLoadMore       = 0.80
	confInfiniteScroll = 0.75
)

// nextButtonSelectors are tried in order; structured attributes before
// class conventions before positional guesses.
var nextButtonSelectors = []string{
	`a[rel='next']`,
	`a[aria-label*='next' i]`,
	"a.next",
	"a.pagination-next",
	"button.next",
	`a[title*='next' i]`,
	".pagination a:last-child",
	`nav[aria-label*='pagination' i] a:last-child`,
}

// compiled eagerly so a bad selector fails at startup, not mid-scrape.
// cascadia.Selector satisfies goquery.Matcher directly.
var nextButtonMatchers = func() []cascadia.Selector {
	out := make([]cascadia.Selector, 0, len(nextButtonSelectors))
	for _, s := range nextButtonSelectors {
		out = append(out, cascadia.MustCompile(s))
	}
	return out
}()

// nextLinkTexts match anchors whose visible text means "next page".
var nextLinkTexts = []string{"next", "›", "»", "→"}

var (
	pagePathRe  = regexp.MustCompile(`(?i)/page/(\d+)`)
	loadMoreRe  = regexp.MustCompile(`(?i)load\s*more|show\s*more`)
	infiniteSel = `[data-infinite-scroll], [class*="infinite-scroll"], [id*="infinite-scroll"]`
)

// PaginationState is the detected mechanism, captured once on the
// first page and reused for the rest of the sequence.
type PaginationState struct {
	Mechanism  Mechanism
	Confidence float64
	Pattern    string // selector, param name, or path template
	Page       int    // current page number for counter mechanisms
}

// PaginationDetector finds a site's pagination mechanism from a page
// sample and derives next-page URLs from it.
type PaginationDetector struct {
	// PageParams is the ordered list of query parameters treated as
	// page counters.
	PageParams []string
}

// NewPaginationDetector uses the configured page parameter names.
func NewPaginationDetector(cfg config.PaginationConfig) *PaginationDetector {
	return &PaginationDetector{PageParams: cfg.PageParams}
}

// Detect inspects one page and returns the highest-priority mechanism
// present. Detection order encodes priority: candidates are checked
// best-first and the first hit wins.
func (d *PaginationDetector) Detect(html, pageURL string) PaginationState {
	doc, docErr := goquery.NewDocumentFromReader(strings.NewReader(html))

	if docErr == nil {
		if sel, href := findNextButton(doc); href != "" {
			return PaginationState{
				Mechanism:  MechanismNextButton,
				Confidence: confNextButton,
				Pattern:    sel,
			}
		}
	}

	if u, err := url.Parse(pageURL); err == nil {
		q := u.Query()
		for _, param := range d.PageParams {
			if v := q.Get(param); v != "" {
				if page, err := strconv.Atoi(v); err == nil {
					return PaginationState{
						Mechanism:  MechanismURLParam,
						Confidence: confURLParam,
						Pattern:    param,
						Page:       page,
					}
				}
			}
		}
		if m := pagePathRe.FindStringSubmatch(u.Path); m != nil {
			page, _ := strconv.Atoi(m[1])
			return PaginationState{
				Mechanism:  MechanismURLPath,
				Confidence: confURLPath,
				Pattern:    "/page/{n}",
				Page:       page,
			}
		}
	}

	if docErr == nil {
		if hasNumericPaginationLinks(doc) {
			return PaginationState{
				Mechanism:  MechanismPageNumbers,
				Confidence: confPageNumbers,
				Pattern:    "numeric links",
			}
		}
		loadMore := false
		doc.Find("button, a").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			if loadMoreRe.MatchString(strings.TrimSpace(sel.Text())) {
				loadMore = true
				return false
			}
			return true
		})
		if loadMore {
			return PaginationState{
				Mechanism:  MechanismLoadMore,
				Confidence: confLoadMore,
			}
		}
		if doc.Find(infiniteSel).Length() > 0 {
			return PaginationState{
				Mechanism:  MechanismInfiniteScroll,
				Confidence: confInfiniteScroll,
			}
		}
	}

	return PaginationState{Mechanism: MechanismNone}
}

// NextURL derives the next page's URL from the current page. An empty
// return means the sequence is over.
func (d *PaginationDetector) NextURL(currentURL, html string, state PaginationState) string {
	switch state.Mechanism {
	case MechanismNextButton:
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			return ""
		}
		if _, href := findNextButton(doc); href != "" {
			return resolveURL(currentURL, href)
		}
		return ""

	case MechanismURLParam:
		u, err := url.Parse(currentURL)
		if err != nil {
			return ""
		}
		q := u.Query()
		page, err := strconv.Atoi(q.Get(state.Pattern))
		if err != nil {
			return ""
		}
		q.Set(state.Pattern, strconv.Itoa(page+1))
		u.RawQuery = q.Encode()
		return u.String()

	case MechanismURLPath:
		m := pagePathRe.FindStringSubmatch(currentURL)
		if m == nil {
			return ""
		}
		page, _ := strconv.Atoi(m[1])
		return pagePathRe.ReplaceAllString(currentURL, "/page/"+strconv.Itoa(page+1))

	case MechanismPageNumbers:
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			return ""
		}
		var next string
		doc.Find(`.pagination a, [class*="pagination"] a`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			text := strings.ToLower(strings.TrimSpace(sel.Text()))
			for _, t := range nextLinkTexts {
				if text == t {
					if href, ok := sel.Attr("href"); ok && href != "" {
						next = resolveURL(currentURL, href)
						return false
					}
				}
			}
			return true
		})
		return next
	}
	// Load-more and infinite-scroll need browser interaction, not a
	// URL; they end the URL-driven sequence.
	return ""
}

func findNextButton(doc *goquery.Document) (string, string) {
	for i, matcher := range nextButtonMatchers {
		var href string
		doc.FindMatcher(matcher).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			if h, ok := sel.Attr("href"); ok && h != "" {
				href = h
				return false
			}
			return true
		})
		if href != "" {
			return nextButtonSelectors[i], href
		}
	}
	// Text-based fallback: anchors reading Next or an arrow.
	var href, selName string
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		text := strings.ToLower(strings.TrimSpace(sel.Text()))
		for _, t := range nextLinkTexts {
			if text == t {
				if h, ok := sel.Attr("href"); ok && h != "" {
					href, selName = h, "text:"+t
					return false
				}
			}
		}
		return true
	})
	return selName, href
}

func hasNumericPaginationLinks(doc *goquery.Document) bool {
	found := false
	doc.Find(`.pagination a, [class*="pagination"] a`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		text := strings.TrimSpace(sel.Text())
		if text != "" {
			if _, err := strconv.Atoi(text); err == nil {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

func resolveURL(base, href string) string {
	baseU, err := url.Parse(base)
	if err != nil {
		return ""
	}
	u, err := baseU.Parse(href)
	if err != nil {
		return ""
	}
	return u.String()
}

// PaginationScraper walks a paginated listing page by page, extracting
// records as it goes.
type PaginationScraper struct {
	cfg      config.PaginationConfig
	detector *PaginationDetector
	fetch    FetchFunc
	logger   *slog.Logger
}

// NewPaginationScraper builds a scraper over the given fetch function.
func NewPaginationScraper(cfg config.PaginationConfig, fetch FetchFunc, logger *slog.Logger) *PaginationScraper {
	return &PaginationScraper{
		cfg:      cfg,
		detector: NewPaginationDetector(cfg),
		fetch:    fetch,
		logger:   logger,
	}
}

// ScrapeAll fetches pages from startURL until the sequence ends: the
// mechanism yields no next URL, a page repeats, extraction comes back
// empty (when StopIfEmpty is set), or the page budget runs out. The
// mechanism is detected once on the first page and then reused.
func (p *PaginationScraper) ScrapeAll(ctx context.Context, startURL string, extract ExtractFunc) ([]map[string]any, PaginationState, error) {
	var all []map[string]any
	var state PaginationState
	current := startURL

	p.logger.Info("pagination scrape starting", "url", startURL, "maxPages", p.cfg.MaxPages)

	for page := 1; page <= p.cfg.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return all, state, err
		}

		html, err := p.fetch(ctx, current)
		if err != nil {
			p.logger.Warn("pagination fetch failed", "page", page, "url", current, "error", err)
			return all, state, err
		}

		records, err := extract(html, current)
		if err != nil {
			p.logger.Warn("pagination extraction failed", "page", page, "error", err)
		}
		if len(records) == 0 && p.cfg.StopIfEmpty {
			p.logger.Info("empty page, stopping", "page", page)
			break
		}
		all = append(all, records...)

		if page == 1 {
			state = p.detector.Detect(html, current)
			p.logger.Info("pagination detected",
				"mechanism", state.Mechanism.String(),
				"confidence", state.Confidence)
			if state.Mechanism == MechanismNone {
				break
			}
		}

		next := p.detector.NextURL(current, html, state)
		if next == "" || next == current {
			p.logger.Info("pagination sequence ended", "page", page)
			break
		}
		current = next

		if p.cfg.Delay > 0 {
			timer := time.NewTimer(p.cfg.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return all, state, ctx.Err()
			case <-timer.C:
			}
		}
	}
	p.logger.Info("pagination scrape complete", "records", len(all))
	return all, state, nil
}

// SelectorExtractor builds an ExtractFunc from an item selector and a
// map of field names to selectors inside each item. Anchors yield
// their href; other elements their trimmed text.
func SelectorExtractor(itemSelector string, fields map[string]string) ExtractFunc {
	return func(html, pageURL string) ([]map[string]any, error) {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			return nil, err
		}
		var records []map[string]any
		doc.Find(itemSelector).Each(func(_ int, item *goquery.Selection) {
			record := map[string]any{"source_page": pageURL}
			for name, sel := range fields {
				el := item.Find(sel).First()
				if el.Length() == 0 {
					record[name] = nil
					continue
				}
				if href, ok := el.Attr("href"); ok && goquery.NodeName(el) == "a" {
					record[name] = resolveURL(pageURL, href)
				} else {
					record[name] = strings.TrimSpace(el.Text())
				}
			}
			records = append(records, record)
		})
		return records, nil
	}
}
