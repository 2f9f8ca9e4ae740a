// Package zwda scrapes the E小说 site (www.zwda.com). Pages are served in GBK.
package zwda

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	collyfetcher "github.com/JakeFAU/serial-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/serial-crawler/internal/fiction"
	"github.com/JakeFAU/serial-crawler/internal/metrics"
	"github.com/JakeFAU/serial-crawler/internal/retry"
)

const (
	// Name is the adapter's registration name.
	Name = "ZwdaAdapter"
	// Site is the default site label.
	Site = "E小说"
	// Domain is the default origin host.
	Domain = "www.zwda.com"

	acceptHeader = "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,image/apng,*/*;q=0.8"
)

var brTag = regexp.MustCompile(`(?i)<\s*br\s*/?\s*>`)

// PageFetcher retrieves raw pages.
type PageFetcher interface {
	Fetch(ctx context.Context, request collyfetcher.Request) (collyfetcher.Response, error)
}

// Adapter implements fiction.Adapter for www.zwda.com.
type Adapter struct {
	site    string
	domain  string
	baseURL string
	fetcher PageFetcher
	retry   retry.Policy
	logger  *zap.Logger
}

var _ fiction.Adapter = (*Adapter)(nil)

// Option customizes an Adapter.
type Option func(*Adapter)

// WithBaseURL points the adapter at a different scheme and host, e.g. a test server.
func WithBaseURL(base string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimRight(base, "/") }
}

// WithRetry overrides the chapter download retry policy.
func WithRetry(p retry.Policy) Option {
	return func(a *Adapter) { a.retry = p }
}

// New builds an adapter. Empty site or domain fall back to the defaults.
func New(site, domain string, fetcher PageFetcher, logger *zap.Logger, opts ...Option) *Adapter {
	if site == "" {
		site = Site
	}
	if domain == "" {
		domain = Domain
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{
		site:    site,
		domain:  domain,
		baseURL: "https://" + domain,
		fetcher: fetcher,
		retry:   retry.DefaultPolicy(),
		logger:  logger.Named("zwda").With(zap.String("site", site)),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Site returns the site label.
func (a *Adapter) Site() string { return a.site }

// Domain returns the origin host.
func (a *Adapter) Domain() string { return a.domain }

// SearchByName queries the site's search page.
func (a *Adapter) SearchByName(ctx context.Context, name string) ([]fiction.SearchResult, error) {
	searchURL := a.baseURL + "/search.php?q=" + url.QueryEscape(name)
	doc, err := a.document(ctx, searchURL, a.baseURL)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", name, err)
	}

	var results []fiction.SearchResult
	doc.Find("div.result-list div.result-item").Each(func(_ int, item *goquery.Selection) {
		href, _ := item.Find("h3 a").First().Attr("href")
		originURL := resolve(a.baseURL+"/", href)
		cover, _ := item.Find("div.result-game-item-pic img").First().Attr("src")
		tags := item.Find("div.result-game-item-info p.result-game-item-info-tag")

		results = append(results, fiction.SearchResult{
			Name:          text(item.Find("h3.result-item-title").First()),
			Author:        text(tags.Eq(0).Find("span").Eq(1)),
			Kind:          text(tags.Eq(1).Find("span").Eq(1)),
			UpdateDate:    text(tags.Eq(2).Find("span").Eq(1)),
			LatestChapter: text(tags.Eq(3).Find("a").First()),
			CoverURL:      cover,
			Introduction:  text(item.Find("p.result-game-item-desc").First()),
			Site:          a.site,
			OriginURL:     originURL,
			OriginID:      lastSegment(originURL),
		})
	})
	a.logger.Debug("Search complete", zap.String("query", name), zap.Int("results", len(results)))
	return results, nil
}

// ListChapters parses the chapter index on the fiction's page.
func (a *Adapter) ListChapters(ctx context.Context, fictionURL, fictionName string) ([]fiction.ChapterSummary, error) {
	doc, err := a.document(ctx, fictionURL, a.baseURL+"/search.php?keyword=")
	if err != nil {
		return nil, fmt.Errorf("list chapters of %q: %w", fictionName, err)
	}
	list := doc.Find("div#list")
	if list.Length() == 0 {
		return nil, fmt.Errorf("list chapters of %q: no chapter list on %s", fictionName, fictionURL)
	}

	links := list.Find("a")
	chapters := make([]fiction.ChapterSummary, 0, links.Length())
	links.Each(func(i int, link *goquery.Selection) {
		href, _ := link.Attr("href")
		chapterURL := resolve(fictionURL, href)
		chapters = append(chapters, fiction.ChapterSummary{
			OriginID:  lastSegment(chapterURL),
			Title:     text(link),
			SourceURL: chapterURL,
			Order:     i,
		})
	})
	return chapters, nil
}

// FetchChapter downloads the chapter body, retrying transient failures.
func (a *Adapter) FetchChapter(ctx context.Context, job fiction.FetchJob) (fiction.FetchJob, error) {
	var content string
	err := a.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		body, err := a.fetch(ctx, job.SourceURL, job.FictionSourceURL)
		if err != nil {
			metrics.ObserveFetchAttempt(job.Site, "error")
			a.logger.Warn("Chapter download failed",
				zap.String("url", job.SourceURL), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(brTag.ReplaceAllString(body, "\n<br>")))
		if err != nil {
			return fmt.Errorf("parse chapter: %w", err)
		}
		node := doc.Find("div#content")
		if node.Length() == 0 {
			return fmt.Errorf("no chapter content on %s", job.SourceURL)
		}
		content = strings.TrimSpace(node.Text())
		metrics.ObserveFetchAttempt(job.Site, "ok")
		return nil
	})
	if err != nil {
		return job, err
	}
	job.Content = content
	return job, nil
}

func (a *Adapter) document(ctx context.Context, pageURL, referer string) (*goquery.Document, error) {
	body, err := a.fetch(ctx, pageURL, referer)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", pageURL, err)
	}
	return doc, nil
}

func (a *Adapter) fetch(ctx context.Context, pageURL, referer string) (string, error) {
	headers := http.Header{"Accept": {acceptHeader}}
	if referer != "" {
		headers.Set("Referer", referer)
	}
	resp, err := a.fetcher.Fetch(ctx, collyfetcher.Request{URL: pageURL, Headers: headers})
	if err != nil {
		return "", err
	}
	return decodeGBK(resp.Body)
}

// decodeGBK converts a page body to UTF-8. Bodies already converted by the
// fetcher (because the server declared a charset) pass through.
func decodeGBK(body []byte) (string, error) {
	if utf8.Valid(body) {
		return string(body), nil
	}
	out, _, err := transform.Bytes(simplifiedchinese.GBK.NewDecoder(), body)
	if err != nil {
		return "", fmt.Errorf("decode gbk: %w", err)
	}
	return string(out), nil
}

func text(s *goquery.Selection) string {
	return strings.TrimSpace(s.Text())
}

func resolve(base, href string) string {
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return b.ResolveReference(ref).String()
}

// lastSegment returns the final path element without its extension, so both
// /book/123/ and /book/123/456.html yield an id.
func lastSegment(raw string) string {
	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	}
	seg := path.Base(strings.TrimRight(p, "/"))
	if seg == "." || seg == "/" {
		return ""
	}
	return strings.TrimSuffix(seg, path.Ext(seg))
}
