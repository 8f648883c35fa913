// Package crawler implements the BFS Driver: bounded, cancel-aware,
// politeness-throttled traversal of a project's internal URLs.
package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"hydrafrog/internal/fetcher"
	"hydrafrog/internal/robots"
	"hydrafrog/internal/rules"
	"hydrafrog/internal/signature"
	"hydrafrog/internal/urlcanon"
	"hydrafrog/pkg/types"
)

// cancelCheckInterval is the BFS driver's K from spec §4.5 step 2.
const cancelCheckInterval = 20

// Store is the narrow persistence boundary the driver writes through.
// It intentionally knows nothing about SQL, batching, or transactions
// — those are the Persistence Adapter's concerns.
type Store interface {
	PersistPage(ctx context.Context, page types.Page) error
	PersistIssues(ctx context.Context, issues []types.Issue) error
	PersistLinks(ctx context.Context, links []types.Link) error
	ReadRunStatus(ctx context.Context, crawlRunID string) (types.CrawlRunStatus, error)
}

// Driver runs the bounded BFS traversal for a single crawl run.
type Driver struct {
	fetcher fetcher.Fetcher
	robots  *robots.Agent
	limiter *DomainLimiter
	store   Store
	logger  *slog.Logger
}

// NewDriver wires the driver's collaborators. robots and limiter may
// be nil to disable robots-checking and politeness throttling beyond
// the flat throttleMs sleep, respectively.
func NewDriver(f fetcher.Fetcher, agent *robots.Agent, limiter *DomainLimiter, store Store, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{fetcher: f, robots: agent, limiter: limiter, store: store, logger: logger}
}

type frontierItem struct {
	url   string
	depth int
}

// Run seeds the frontier from project.StartURL and traverses until the
// frontier empties, maxPages is reached, or the run is canceled.
func (d *Driver) Run(ctx context.Context, run types.CrawlRun, project types.Project) error {
	settings := run.SettingsSnapshot

	start, ok := urlcanon.Normalize(project.StartURL, settings.IgnoreParams)
	if !ok {
		return fmt.Errorf("invalid start url: %q", project.StartURL)
	}

	frontier := []frontierItem{{url: start, depth: 0}}
	visited := map[string]struct{}{start: {}}

	iteration := 0
	pagesProcessed := 0
	for len(frontier) > 0 {
		if pagesProcessed >= settings.MaxPages {
			d.logger.Debug("max pages reached, stopping BFS", "crawlRunId", run.ID, "maxPages", settings.MaxPages)
			break
		}

		iteration++
		if iteration%cancelCheckInterval == 0 {
			status, err := d.store.ReadRunStatus(ctx, run.ID)
			if err == nil && status == types.StatusCanceled {
				d.logger.Info("run canceled, stopping BFS", "crawlRunId", run.ID)
				return nil
			}
		}

		item := frontier[0]
		frontier = frontier[1:]

		if item.depth > settings.MaxDepth {
			continue
		}

		d.visitPage(ctx, run, project, item, &frontier, visited)
		pagesProcessed++

		sleep := time.Duration(settings.ThrottleMs) * time.Millisecond
		if sleep > 0 {
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return nil
}

func (d *Driver) visitPage(ctx context.Context, run types.CrawlRun, project types.Project, item frontierItem, frontier *[]frontierItem, visited map[string]struct{}) {
	logger := d.logger.With("url", item.url, "depth", item.depth, "crawlRunId", run.ID)

	parsed, err := url.Parse(item.url)
	if err != nil {
		logger.Warn("unparseable frontier url", "error", err)
		return
	}

	settings := run.SettingsSnapshot

	if settings.RespectRobots && d.robots != nil {
		if !d.robots.Allowed(ctx, parsed) {
			logger.Debug("blocked by robots.txt")
			return
		}
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, parsed.Host); err != nil {
			logger.Debug("politeness wait interrupted", "error", err)
			return
		}
	}

	result := d.fetcher.Fetch(ctx, item.url, settings.UserAgent)
	if d.limiter != nil {
		if result.Error != "" {
			d.limiter.Backoff(parsed.Host)
		} else {
			d.limiter.Reset(parsed.Host)
		}
	}

	pageID := uuid.NewString()
	finalPageURL := result.URL
	if finalPageURL == "" {
		finalPageURL = item.url
	}
	page := buildPage(run.ID, pageID, finalPageURL, result)

	if len(result.HTML) > 0 {
		sig, hash, err := signature.Compute(result.HTML)
		if err != nil {
			logger.Warn("signature computation failed", "error", err)
		} else {
			page.TemplateSignature = sig
			page.TemplateSignatureHash = hash
		}
	}

	if err := d.store.PersistPage(ctx, page); err != nil {
		logger.Error("persist page failed", "error", err)
		return
	}

	issues := buildIssues(run.ID, pageID, page, result)
	if len(issues) > 0 {
		if err := d.store.PersistIssues(ctx, issues); err != nil {
			logger.Error("persist issues failed", "error", err)
		}
	}

	finalURL := parsed
	if u, err := url.Parse(finalPageURL); err == nil {
		finalURL = u
	}

	links := d.buildLinks(run.ID, pageID, finalURL, project, settings, result, item, frontier, visited)
	if len(links) > 0 {
		if err := d.store.PersistLinks(ctx, links); err != nil {
			logger.Error("persist links failed", "error", err)
		}
	}
}

func buildPage(crawlRunID, pageID, requestedURL string, result fetcher.PageResult) types.Page {
	page := types.Page{
		ID:              pageID,
		CrawlRunID:      crawlRunID,
		URL:             requestedURL,
		NormalizedURL:   requestedURL,
		ContentType:     result.ContentType,
		Title:           result.Title,
		MetaDescription: result.MetaDescription,
		H1Count:         result.H1Count,
		Canonical:       result.Canonical,
		RobotsMeta:      result.RobotsMeta,
		RedirectChain:   result.RedirectChain,
		DiscoveredAt:    time.Now(),
		FetchError:      result.Error,
	}
	if result.StatusCode != 0 {
		status := result.StatusCode
		page.StatusCode = &status
	}
	if result.HasWordCount {
		wc := result.WordCount
		page.WordCount = &wc
	}
	return page
}

func buildIssues(crawlRunID, pageID string, page types.Page, result fetcher.PageResult) []types.Issue {
	fields := rules.PageFields{
		StatusCode:       page.StatusCode,
		RedirectChainLen: len(page.RedirectChain),
		Title:            page.Title,
		MetaDescription:  page.MetaDescription,
		H1Count:          page.H1Count,
		Canonical:        page.Canonical,
		RobotsMeta:       page.RobotsMeta,
		WordCount:        page.WordCount,
		ImagesMissingAlt: result.ImagesMissingAlt,
	}

	drafts := rules.Evaluate(fields)
	issues := make([]types.Issue, 0, len(drafts))
	for _, d := range drafts {
		issues = append(issues, types.Issue{
			ID:             uuid.NewString(),
			CrawlRunID:     crawlRunID,
			PageID:         pageID,
			Type:           d.Type,
			Severity:       d.Severity,
			Title:          d.Title,
			Description:    d.Description,
			Recommendation: d.Recommendation,
			Evidence:       d.Evidence,
		})
	}
	return issues
}

func (d *Driver) buildLinks(
	crawlRunID, pageID string,
	base *url.URL,
	project types.Project,
	settings types.Settings,
	result fetcher.PageResult,
	item frontierItem,
	frontier *[]frontierItem,
	visited map[string]struct{},
) []types.Link {
	links := make([]types.Link, 0, len(result.Links))
	for _, l := range result.Links {
		normalized, ok := urlcanon.ResolveAndNormalize(l.Href, base, settings.IgnoreParams)

		linkType := types.LinkExternal
		toNormalized := ""
		if ok {
			toNormalized = normalized
			if urlcanon.IsInternal(normalized, project.Domain, settings.IncludeSubdomains) {
				linkType = types.LinkInternal
			}
		}

		links = append(links, types.Link{
			ID:              uuid.NewString(),
			CrawlRunID:      crawlRunID,
			FromPageID:      pageID,
			ToURL:           l.Href,
			ToNormalizedURL: toNormalized,
			LinkType:        linkType,
		})

		if l.Tag != "a" || !ok || linkType != types.LinkInternal {
			continue
		}
		if _, seen := visited[toNormalized]; seen {
			continue
		}
		visited[toNormalized] = struct{}{}
		*frontier = append(*frontier, frontierItem{url: toNormalized, depth: item.depth + 1})
	}
	return links
}
