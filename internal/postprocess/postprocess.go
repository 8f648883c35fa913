// Package postprocess implements the Post-Processor: broken-link
// resolution, totals computation, global (cross-page) issue detection,
// and template clustering, run once after the BFS loop ends.
package postprocess

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"hydrafrog/pkg/types"
)

const (
	topErrorPagesLimit  = 10
	topIssueTypesLimit  = 10
	duplicateExampleCap = 5
)

// Store is the narrow persistence boundary the Post-Processor writes
// and reads through.
type Store interface {
	PagesForRun(ctx context.Context, crawlRunID string) ([]types.Page, error)
	LinksForRun(ctx context.Context, crawlRunID string) ([]types.Link, error)
	IssuesForRun(ctx context.Context, crawlRunID string) ([]types.Issue, error)
	MarkLinkBroken(ctx context.Context, linkID string, statusCode int) error
	UpsertTemplate(ctx context.Context, tmpl types.Template) (string, error)
	SetPageTemplate(ctx context.Context, pageID, templateID string) error
	PersistGlobalIssues(ctx context.Context, issues []types.Issue) error
	UpdateRunTotals(ctx context.Context, crawlRunID string, totals types.Totals) error
}

// Processor runs the post-BFS pipeline for a single crawl run.
type Processor struct {
	store Store
}

// New constructs a Processor bound to store.
func New(store Store) *Processor {
	return &Processor{store: store}
}

// Run executes broken-link resolution, template clustering, global
// issue detection, and totals computation for crawlRunID, persisting
// the result back through the store.
func (p *Processor) Run(ctx context.Context, crawlRunID string) (types.Totals, error) {
	pages, err := p.store.PagesForRun(ctx, crawlRunID)
	if err != nil {
		return types.Totals{}, fmt.Errorf("load pages: %w", err)
	}
	links, err := p.store.LinksForRun(ctx, crawlRunID)
	if err != nil {
		return types.Totals{}, fmt.Errorf("load links: %w", err)
	}

	statusByURL := make(map[string]int, len(pages))
	for _, page := range pages {
		if page.StatusCode != nil {
			statusByURL[page.NormalizedURL] = *page.StatusCode
		}
	}

	inLinkCount := make(map[string]int)
	brokenInternal := 0
	internalCount := 0
	externalCount := 0
	for i := range links {
		link := &links[i]
		if link.LinkType == types.LinkInternal {
			internalCount++
		} else {
			externalCount++
		}
		if link.LinkType != types.LinkInternal || link.ToNormalizedURL == "" {
			continue
		}
		status, seen := statusByURL[link.ToNormalizedURL]
		if !seen || status < 400 {
			continue
		}
		if err := p.store.MarkLinkBroken(ctx, link.ID, status); err != nil {
			return types.Totals{}, fmt.Errorf("mark link broken: %w", err)
		}
		link.IsBroken = true
		link.StatusCode = &status
		brokenInternal++
		inLinkCount[link.ToNormalizedURL]++
	}

	totals := types.Totals{
		PagesCount:               len(pages),
		LinksCount:               len(links),
		InternalLinksCount:       internalCount,
		ExternalLinksCount:       externalCount,
		BrokenInternalLinksCount: brokenInternal,
		StatusCodeDistribution:   statusCodeDistribution(pages),
		TopErrorPages:            topErrorPages(statusByURL, inLinkCount),
	}

	if err := p.clusterTemplates(ctx, crawlRunID, pages); err != nil {
		return types.Totals{}, fmt.Errorf("cluster templates: %w", err)
	}

	globalIssues, err := p.emitGlobalIssues(ctx, crawlRunID, pages)
	if err != nil {
		return types.Totals{}, fmt.Errorf("emit global issues: %w", err)
	}

	perPageIssues, err := p.store.IssuesForRun(ctx, crawlRunID)
	if err != nil {
		return types.Totals{}, fmt.Errorf("load issues: %w", err)
	}

	issueTotals := summarizeIssues(append(perPageIssues, globalIssues...))
	totals.IssueCountTotal = issueTotals.IssueCountTotal
	totals.IssueCountByType = issueTotals.IssueCountByType
	totals.IssueCountBySeverity = issueTotals.IssueCountBySeverity
	totals.TopIssueTypes = issueTotals.TopIssueTypes

	if err := p.store.UpdateRunTotals(ctx, crawlRunID, totals); err != nil {
		return types.Totals{}, fmt.Errorf("update run totals: %w", err)
	}
	return totals, nil
}

func statusCodeDistribution(pages []types.Page) map[string]int {
	dist := make(map[string]int)
	for _, page := range pages {
		if page.StatusCode == nil {
			continue
		}
		dist[strconv.Itoa(*page.StatusCode)]++
	}
	return dist
}

func topErrorPages(statusByURL map[string]int, inLinkCount map[string]int) []types.URLCount {
	var errored []types.URLCount
	for u, status := range statusByURL {
		if status < 400 {
			continue
		}
		errored = append(errored, types.URLCount{URL: u, StatusCode: status, Count: inLinkCount[u]})
	}
	sort.Slice(errored, func(i, j int) bool {
		if errored[i].Count != errored[j].Count {
			return errored[i].Count > errored[j].Count
		}
		return errored[i].URL < errored[j].URL
	})
	if len(errored) > topErrorPagesLimit {
		errored = errored[:topErrorPagesLimit]
	}
	return errored
}

func (p *Processor) clusterTemplates(ctx context.Context, crawlRunID string, pages []types.Page) error {
	groups := make(map[string][]types.Page)
	for _, page := range pages {
		if page.TemplateSignatureHash == "" {
			continue
		}
		groups[page.TemplateSignatureHash] = append(groups[page.TemplateSignatureHash], page)
	}

	for hash, members := range groups {
		tmpl := types.Template{
			ID:            uuid.NewString(),
			CrawlRunID:    crawlRunID,
			SignatureHash: hash,
			Signature:     members[0].TemplateSignature,
			SamplePageID:  members[0].ID,
			PageCount:     len(members),
		}
		templateID, err := p.store.UpsertTemplate(ctx, tmpl)
		if err != nil {
			return err
		}
		for _, member := range members {
			if err := p.store.SetPageTemplate(ctx, member.ID, templateID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Processor) emitGlobalIssues(ctx context.Context, crawlRunID string, pages []types.Page) ([]types.Issue, error) {
	issues := duplicateTitleIssues(crawlRunID, pages)
	if len(issues) > 0 {
		if err := p.store.PersistGlobalIssues(ctx, issues); err != nil {
			return nil, err
		}
	}
	return issues, nil
}

func duplicateTitleIssues(crawlRunID string, pages []types.Page) []types.Issue {
	type group struct {
		original string
		urls     []string
	}
	groups := make(map[string]*group)
	var order []string
	for _, page := range pages {
		title := strings.TrimSpace(page.Title)
		if title == "" {
			continue
		}
		key := strings.ToLower(title)
		g, ok := groups[key]
		if !ok {
			g = &group{original: title}
			groups[key] = g
			order = append(order, key)
		}
		g.urls = append(g.urls, page.URL)
	}

	var issues []types.Issue
	for _, key := range order {
		g := groups[key]
		if len(g.urls) < 2 {
			continue
		}
		examples := g.urls
		if len(examples) > duplicateExampleCap {
			examples = examples[:duplicateExampleCap]
		}
		for range g.urls {
			issues = append(issues, types.Issue{
				ID:         uuid.NewString(),
				CrawlRunID: crawlRunID,
				Type:       "DUPLICATE_TITLE",
				Severity:   types.SeverityMedium,
				Title:      "Duplicate page title",
				Description: fmt.Sprintf("%d pages share the title %q.", len(g.urls), g.original),
				Recommendation: "Give each page a unique, descriptive title.",
				Evidence: map[string]any{
					"title":        g.original,
					"memberCount":  len(g.urls),
					"exampleUrls":  examples,
				},
			})
		}
	}
	return issues
}

func summarizeIssues(issues []types.Issue) types.Totals {
	byType := make(map[string]int)
	bySeverity := make(map[string]int)
	for _, issue := range issues {
		byType[issue.Type]++
		bySeverity[string(issue.Severity)]++
	}

	types_ := make([]string, 0, len(byType))
	for t := range byType {
		types_ = append(types_, t)
	}
	sort.Slice(types_, func(i, j int) bool {
		if byType[types_[i]] != byType[types_[j]] {
			return byType[types_[i]] > byType[types_[j]]
		}
		return types_[i] < types_[j]
	})

	top := make([]types.TypeCount, 0, topIssueTypesLimit)
	for i, t := range types_ {
		if i >= topIssueTypesLimit {
			break
		}
		top = append(top, types.TypeCount{Type: t, Count: byType[t]})
	}

	return types.Totals{
		IssueCountTotal:      len(issues),
		IssueCountByType:     byType,
		IssueCountBySeverity: bySeverity,
		TopIssueTypes:        top,
	}
}
