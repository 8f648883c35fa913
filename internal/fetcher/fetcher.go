// Package fetcher implements the Page Fetcher/Parser: it retrieves a
// single normalized URL over HTTP, follows redirects up to a fixed
// cap while recording the chain, and extracts the SEO fields and
// outbound links the rest of the engine needs.
package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/brotli"

	"hydrafrog/pkg/types"
)

const maxRedirects = 10

// ErrRedirectChainExceeded is reported via PageResult.Error when a fetch
// is aborted after exceeding maxRedirects.
var ErrRedirectChainExceeded = errors.New("redirect chain exceeded maximum length")

// Link is one outbound reference discovered while parsing a page.
// Only anchor hrefs feed the BFS frontier; the others are recorded for
// completeness per spec §4.3.
type Link struct {
	Tag  string // "a", "img", "script", "link", "form"
	Href string
}

// PageResult is the output of a single fetch+parse, as described in
// spec §4.3.
type PageResult struct {
	URL               string
	StatusCode        int // 0 when no response was received; kept when Error comes from a later step
	ContentType       string
	Title             string
	MetaDescription   string
	H1Count           int
	Canonical         string
	RobotsMeta        string
	WordCount         int
	HasWordCount      bool
	RedirectChain     []types.RedirectHop
	Links             []Link
	ImagesMissingAlt  int
	HTML              []byte
	Error             string
}

// Fetcher retrieves and parses a single page. userAgent, when non-empty,
// overrides the fetcher's default for this call, so a run's
// Settings.UserAgent is sent instead of the process-wide default.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, userAgent string) PageResult
}

// Options controls HTTP fetching behaviour.
type Options struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
}

// HTTPFetcher implements Fetcher using the standard library http.Client,
// with gzip/brotli/deflate decoding adapted from the teacher's transport.
type HTTPFetcher struct {
	client       *http.Client
	userAgent    string
	maxBodyBytes int64
}

// NewHTTPFetcher constructs an HTTP fetcher using the provided options.
func NewHTTPFetcher(opts Options) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 5 * 1024 * 1024
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "HydraFrogBot/1.0"
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	f := &HTTPFetcher{userAgent: opts.UserAgent, maxBodyBytes: opts.MaxBodyBytes}

	// Timeout and Transport only; Fetch builds its own per-call client so
	// it can inspect each redirect hop's real status code.
	f.client = &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
	}
	return f
}

// Fetch downloads rawURL, manually following redirects so each
// intermediate hop's real status code can be recorded, then extracts
// SEO fields when the final response is HTML. userAgent overrides the
// fetcher's configured default when non-empty.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, userAgent string) PageResult {
	if strings.TrimSpace(userAgent) == "" {
		userAgent = f.userAgent
	}

	client := &http.Client{
		Timeout:   f.client.Timeout,
		Transport: f.client.Transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	var chain []types.RedirectHop
	currentURL := rawURL

	for {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, currentURL, nil)
		if err != nil {
			return PageResult{URL: currentURL, RedirectChain: chain, Error: fmt.Sprintf("build request: %v", err)}
		}
		httpReq.Header.Set("User-Agent", userAgent)
		httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		httpReq.Header.Set("Accept-Language", "en-US,en;q=0.8")
		httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")

		resp, err := client.Do(httpReq)
		if err != nil {
			return PageResult{URL: currentURL, RedirectChain: chain, Error: err.Error()}
		}

		if !isRedirectStatus(resp.StatusCode) {
			defer resp.Body.Close()

			body, readErr := f.readBody(resp)
			if readErr != nil {
				return PageResult{
					URL:           currentURL,
					StatusCode:    resp.StatusCode,
					RedirectChain: chain,
					Error:         readErr.Error(),
				}
			}

			contentType := resp.Header.Get("Content-Type")
			result := PageResult{
				URL:           currentURL,
				StatusCode:    resp.StatusCode,
				ContentType:   contentType,
				RedirectChain: chain,
			}

			if !strings.Contains(strings.ToLower(contentType), "text/html") {
				return result
			}

			result.HTML = body
			extractFields(body, &result)
			return result
		}

		location := resp.Header.Get("Location")
		resp.Body.Close()
		if location == "" {
			return PageResult{
				URL:           currentURL,
				StatusCode:    resp.StatusCode,
				RedirectChain: chain,
				Error:         "redirect response missing Location header",
			}
		}
		if len(chain) >= maxRedirects {
			return PageResult{
				URL:           currentURL,
				StatusCode:    resp.StatusCode,
				RedirectChain: chain,
				Error:         ErrRedirectChainExceeded.Error(),
			}
		}

		next, err := url.Parse(location)
		if err != nil {
			return PageResult{
				URL:           currentURL,
				StatusCode:    resp.StatusCode,
				RedirectChain: chain,
				Error:         fmt.Sprintf("parse redirect location: %v", err),
			}
		}
		if base, err := url.Parse(currentURL); err == nil {
			next = base.ResolveReference(next)
		}

		chain = append(chain, types.RedirectHop{URL: currentURL, StatusCode: resp.StatusCode})
		currentURL = next.String()
	}
}

func isRedirectStatus(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

func (f *HTTPFetcher) readBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	var closers []io.Closer

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	limited := io.LimitReader(reader, f.maxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, fmt.Errorf("response body exceeds limit of %d bytes", f.maxBodyBytes)
	}
	return body, nil
}

// extractFields fills in the SEO/content fields of an HTML PageResult.
func extractFields(body []byte, result *PageResult) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		result.Error = fmt.Sprintf("parse html: %v", err)
		return
	}

	result.Title = strings.TrimSpace(doc.Find("title").First().Text())

	if desc, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		result.MetaDescription = strings.TrimSpace(desc)
	}

	result.H1Count = doc.Find("h1").Length()

	if canonical, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		result.Canonical = strings.TrimSpace(canonical)
	}

	if robotsMeta, ok := doc.Find(`meta[name="robots"]`).First().Attr("content"); ok {
		result.RobotsMeta = strings.TrimSpace(robotsMeta)
	}

	wc := countVisibleWords(doc)
	result.WordCount = wc
	result.HasWordCount = true

	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		alt, ok := s.Attr("alt")
		if !ok || strings.TrimSpace(alt) == "" {
			result.ImagesMissingAlt++
		}
	})

	result.Links = extractLinks(doc)
}

func countVisibleWords(doc *goquery.Document) int {
	clone := doc.Clone()
	clone.Find("script,style,noscript,template").Remove()
	text := clone.Find("body").Text()
	return len(strings.Fields(text))
}

func extractLinks(doc *goquery.Document) []Link {
	var links []Link
	collect := func(tag, attr string) {
		doc.Find(tag + "[" + attr + "]").Each(func(_ int, s *goquery.Selection) {
			href, ok := s.Attr(attr)
			if !ok || strings.TrimSpace(href) == "" {
				return
			}
			// The canonical <link> is reported through PageResult.Canonical,
			// not as an outbound link.
			if rel, _ := s.Attr("rel"); tag == "link" && strings.EqualFold(strings.TrimSpace(rel), "canonical") {
				return
			}
			links = append(links, Link{Tag: tag, Href: href})
		})
	}
	collect("a", "href")
	collect("img", "src")
	collect("script", "src")
	collect("link", "href")
	collect("form", "action")
	return links
}
