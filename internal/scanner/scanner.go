// Package scanner implements the channel scanner (C4): a paginated
// listing walk that extracts candidate post descriptors from a
// channel's pages using a prioritized list of DOM shape heuristics, the
// first shape that yields a match winning. The selector-priority idea
// (id > class > data-attribute > path > nth-child) is adapted from the
// donor's internal/parser/autoselector.go, generalized here from
// generating CSS selectors for a single target node to matching
// candidate post nodes directly with goquery.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/lakshaybot/pullcron/internal/model"
)

// pageFetcher is the subset of *fetch.Fetcher the scanner depends on.
type pageFetcher interface {
	FetchHTML(ctx context.Context, url string) (string, error)
}

const listingPageSize = 30

// postShape is one candidate DOM shape tried, in priority order, to
// locate post nodes on a listing page.
type postShape struct {
	name     string
	selector string
}

var postShapes = []postShape{
	{"id", "[id^=post-] a[href]"},
	{"class", "a.post-link, a.video-item, a.thumb[href]"},
	{"data-attribute", "[data-post-id] a[href], a[data-href]"},
	{"path", "div.listing a[href*=\"/post/\"], div.grid a[href*=\"/video/\"]"},
	{"nth-child", "ul li:nth-child(n) a[href]"},
}

// Scanner walks a channel's paginated listings and extracts candidate
// posts without touching media URL resolution.
type Scanner struct {
	fetcher        pageFetcher
	logger         *slog.Logger
	postPathMarker *regexp.Regexp
	baseHost       string
}

// New builds a Scanner. postPathMarker matches the path segment that
// precedes a post's opaque id (e.g. "/post/" or "/video/"); it must
// contain exactly one capture group for the id segment.
func New(fetcher pageFetcher, logger *slog.Logger, postPathMarker *regexp.Regexp) *Scanner {
	return &Scanner{
		fetcher:        fetcher,
		logger:         logger.With("component", "channel_scanner"),
		postPathMarker: postPathMarker,
	}
}

// Scan walks pages of channelURL from page 1 upward, bounded by
// min(total_pages, pageCap), and returns up to cap candidates. fullScan
// widens the page cap to the listing's true total page count and adds
// a 1s delay between per-post work.
func (s *Scanner) Scan(ctx context.Context, channelURL string, cap int, fullScan bool) ([]model.Candidate, error) {
	firstPageHTML, err := s.fetcher.FetchHTML(ctx, channelURL)
	if err != nil {
		return nil, fmt.Errorf("scan %s: fetch first page: %w", channelURL, err)
	}

	totalPages := s.totalPages(firstPageHTML)

	pageCap := 10
	if fullScan {
		pageCap = totalPages
	}
	if totalPages < pageCap {
		pageCap = totalPages
	}
	if pageCap < 1 {
		pageCap = 1
	}

	var out []model.Candidate
	seen := make(map[string]bool)

	html := firstPageHTML
	for page := 1; page <= pageCap; page++ {
		if page > 1 {
			if !s.sleep(ctx, randBetween(1500, 2000)) {
				return out, ctx.Err()
			}
			pageURL := paginate(channelURL, page)
			html, err = s.fetcher.FetchHTML(ctx, pageURL)
			if err != nil {
				s.logger.Warn("page fetch failed, stopping scan", "channel", channelURL, "page", page, "error", err)
				break
			}
		}

		candidates, err := s.extractPage(html, channelURL)
		if err != nil {
			s.logger.Warn("page extraction failed", "channel", channelURL, "page", page, "error", err)
			continue
		}

		for _, c := range candidates {
			if seen[c.URL] {
				continue
			}
			seen[c.URL] = true
			out = append(out, c)

			if fullScan {
				if !s.sleep(ctx, 1000) {
					return out, ctx.Err()
				}
			}
			if len(out) >= cap {
				return out, nil
			}
		}
	}

	return out, nil
}

// extractPage tries each DOM shape in priority order; the first shape
// that matches at least one node wins and its matches are returned.
func (s *Scanner) extractPage(html, channelURL string) ([]model.Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse listing page: %w", err)
	}

	for _, shape := range postShapes {
		sel := doc.Find(shape.selector)
		if sel.Length() == 0 {
			continue
		}

		var out []model.Candidate
		sel.Each(func(_ int, node *goquery.Selection) {
			href, ok := node.Attr("href")
			if !ok {
				return
			}
			if !s.postPathMarker.MatchString(href) {
				return
			}

			title := strings.TrimSpace(node.AttrOr("title", ""))
			if title == "" {
				title = strings.TrimSpace(node.AttrOr("aria-label", ""))
			}
			if title == "" {
				title = strings.TrimSpace(node.Text())
			}
			if title == "" {
				title = "untitled"
			}

			absURL, err := s.absolute(channelURL, href)
			if err != nil {
				return
			}

			postID := s.extractPostID(href)
			if postID == "" {
				return
			}

			out = append(out, model.Candidate{Title: title, URL: absURL, PostID: postID})
		})

		s.logger.Debug("post shape matched", "shape", shape.name, "count", len(out))
		return out, nil
	}

	return s.extractPageXPath(html, channelURL)
}

// extractPageXPath is the last-resort shape: a plain XPath walk over
// every anchor, used when none of the goquery selector shapes above
// match a site's markup at all.
func (s *Scanner) extractPageXPath(rawHTML, channelURL string) ([]model.Candidate, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("xpath parse listing page: %w", err)
	}

	nodes, err := htmlquery.QueryAll(doc, "//a[@href]")
	if err != nil {
		return nil, fmt.Errorf("xpath query listing page: %w", err)
	}

	var out []model.Candidate
	for _, node := range nodes {
		href := htmlquery.SelectAttr(node, "href")
		if href == "" || !s.postPathMarker.MatchString(href) {
			continue
		}

		title := strings.TrimSpace(htmlquery.SelectAttr(node, "title"))
		if title == "" {
			title = strings.TrimSpace(htmlquery.InnerText(node))
		}
		if title == "" {
			title = "untitled"
		}

		absURL, err := s.absolute(channelURL, href)
		if err != nil {
			continue
		}

		postID := s.extractPostID(href)
		if postID == "" {
			continue
		}

		out = append(out, model.Candidate{Title: title, URL: absURL, PostID: postID})
	}

	if len(out) > 0 {
		s.logger.Debug("post shape matched", "shape", "xpath-fallback", "count", len(out))
	}

	return out, nil
}

func (s *Scanner) extractPostID(href string) string {
	m := s.postPathMarker.FindStringSubmatch(href)
	if len(m) < 2 {
		return ""
	}
	return strings.Trim(m[1], "/")
}

func (s *Scanner) absolute(baseURL, href string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// totalPages derives the listing's page count from the first page,
// falling back to a single page if no pagination markers are present.
func (s *Scanner) totalPages(html string) int {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return 1
	}

	maxOffset := 0
	doc.Find("[data-max-offset], .pagination [data-offset]").Each(func(_ int, sel *goquery.Selection) {
		raw := sel.AttrOr("data-max-offset", sel.AttrOr("data-offset", ""))
		if n, err := strconv.Atoi(raw); err == nil && n > maxOffset {
			maxOffset = n
		}
	})

	if maxOffset == 0 {
		last := 0
		doc.Find(".pagination a[href]").Each(func(_ int, sel *goquery.Selection) {
			if n, err := strconv.Atoi(strings.TrimSpace(sel.Text())); err == nil && n > last {
				last = n
			}
		})
		if last > 0 {
			return last
		}
		return 1
	}

	return maxOffset/listingPageSize + 1
}

func paginate(channelURL string, page int) string {
	u, err := url.Parse(channelURL)
	if err != nil {
		return channelURL
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Scanner) sleep(ctx context.Context, ms int) bool {
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func randBetween(minMs, maxMs int) int {
	return minMs + int(time.Now().UnixNano()%int64(maxMs-minMs+1))
}
