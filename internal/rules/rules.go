// Package rules implements the Rule Evaluator: a pure function that
// turns a page's extracted fields into a set of issue drafts, one per
// triggered rule.
package rules

import (
	"strings"

	"hydrafrog/pkg/types"
)

// Draft is an issue before it is assigned an ID and persisted.
type Draft struct {
	Type           string
	Severity       types.IssueSeverity
	Title          string
	Description    string
	Recommendation string
	Evidence       map[string]any
}

// PageFields is the subset of a Page's extracted data the evaluator
// needs. StatusCode/WordCount are pointers because both are optional.
type PageFields struct {
	StatusCode        *int
	RedirectChainLen  int
	Title             string
	MetaDescription   string
	H1Count           int
	Canonical         string
	RobotsMeta        string
	WordCount         *int
	ImagesMissingAlt  int
}

// Evaluate runs every rule against fields and returns a draft for each
// one that fires. Rules are independent; evaluation is total.
func Evaluate(fields PageFields) []Draft {
	var drafts []Draft

	if fields.StatusCode != nil {
		status := *fields.StatusCode
		if status >= 400 {
			drafts = append(drafts, Draft{
				Type:           "STATUS_4XX_5XX",
				Severity:       types.SeverityCritical,
				Title:          "Page returned an error status",
				Description:    "The page responded with a client or server error status code.",
				Recommendation: "Fix the underlying error or remove links pointing to this URL.",
				Evidence:       map[string]any{"statusCode": status},
			})
		} else if status >= 300 && status < 400 {
			drafts = append(drafts, Draft{
				Type:           "STATUS_3XX_REDIRECT",
				Severity:       types.SeverityMedium,
				Title:          "Page is a redirect",
				Description:    "The page responded with a redirect status code instead of serving content directly.",
				Recommendation: "Update internal links to point directly at the final destination.",
				Evidence:       map[string]any{"statusCode": status},
			})
		}
	}

	if fields.RedirectChainLen >= 3 {
		drafts = append(drafts, Draft{
			Type:           "REDIRECT_CHAIN_LONG",
			Severity:       types.SeverityHigh,
			Title:          "Redirect chain is too long",
			Description:    "The page was reached through three or more chained redirects.",
			Recommendation: "Collapse the chain to a single redirect to the final URL.",
			Evidence:       map[string]any{"redirectChainLength": fields.RedirectChainLen},
		})
	}

	title := strings.TrimSpace(fields.Title)
	if title == "" {
		drafts = append(drafts, Draft{
			Type:           "MISSING_TITLE",
			Severity:       types.SeverityHigh,
			Title:          "Missing page title",
			Description:    "The page has no <title> element, or it is empty.",
			Recommendation: "Add a unique, descriptive title element.",
			Evidence:       map[string]any{},
		})
	} else {
		if len(title) > 60 {
			drafts = append(drafts, Draft{
				Type:           "TITLE_TOO_LONG",
				Severity:       types.SeverityLow,
				Title:          "Title is too long",
				Description:    "The page title exceeds 60 characters and may be truncated in search results.",
				Recommendation: "Shorten the title to 60 characters or fewer.",
				Evidence:       map[string]any{"length": len(title)},
			})
		}
		if len(title) < 10 {
			drafts = append(drafts, Draft{
				Type:           "TITLE_TOO_SHORT",
				Severity:       types.SeverityLow,
				Title:          "Title is too short",
				Description:    "The page title is under 10 characters and may not be descriptive enough.",
				Recommendation: "Expand the title to better describe the page's content.",
				Evidence:       map[string]any{"length": len(title)},
			})
		}
	}

	if strings.TrimSpace(fields.MetaDescription) == "" {
		drafts = append(drafts, Draft{
			Type:           "MISSING_META_DESCRIPTION",
			Severity:       types.SeverityMedium,
			Title:          "Missing meta description",
			Description:    "The page has no meta description, or it is empty.",
			Recommendation: "Add a unique meta description summarizing the page.",
			Evidence:       map[string]any{},
		})
	}

	if fields.H1Count == 0 {
		drafts = append(drafts, Draft{
			Type:           "H1_MISSING",
			Severity:       types.SeverityHigh,
			Title:          "Missing H1 heading",
			Description:    "The page has no <h1> element.",
			Recommendation: "Add a single, descriptive <h1> heading.",
			Evidence:       map[string]any{},
		})
	} else if fields.H1Count > 1 {
		drafts = append(drafts, Draft{
			Type:           "H1_MULTIPLE",
			Severity:       types.SeverityLow,
			Title:          "Multiple H1 headings",
			Description:    "The page has more than one <h1> element.",
			Recommendation: "Use a single <h1> per page for clear document structure.",
			Evidence:       map[string]any{"h1Count": fields.H1Count},
		})
	}

	if strings.TrimSpace(fields.Canonical) == "" {
		drafts = append(drafts, Draft{
			Type:           "CANONICAL_MISSING",
			Severity:       types.SeverityLow,
			Title:          "Missing canonical link",
			Description:    "The page has no <link rel=\"canonical\"> element.",
			Recommendation: "Add a canonical link pointing to the preferred URL for this content.",
			Evidence:       map[string]any{},
		})
	}

	if strings.Contains(strings.ToLower(fields.RobotsMeta), "noindex") {
		drafts = append(drafts, Draft{
			Type:           "ROBOTS_NOINDEX",
			Severity:       types.SeverityMedium,
			Title:          "Page is marked noindex",
			Description:    "The page's robots meta tag contains \"noindex\".",
			Recommendation: "Remove the noindex directive if this page should appear in search results.",
			Evidence:       map[string]any{"robotsMeta": fields.RobotsMeta},
		})
	}

	if fields.WordCount != nil && *fields.WordCount < 150 {
		drafts = append(drafts, Draft{
			Type:           "THIN_CONTENT",
			Severity:       types.SeverityLow,
			Title:          "Thin content",
			Description:    "The page has fewer than 150 words of visible text.",
			Recommendation: "Expand the page's content or consolidate it with a related page.",
			Evidence:       map[string]any{"wordCount": *fields.WordCount},
		})
	}

	if fields.ImagesMissingAlt > 0 {
		drafts = append(drafts, Draft{
			Type:           "IMAGES_MISSING_ALT",
			Severity:       types.SeverityLow,
			Title:          "Images missing alt text",
			Description:    "One or more <img> elements have no non-empty alt attribute.",
			Recommendation: "Add descriptive alt text to every meaningful image.",
			Evidence:       map[string]any{"imagesMissingAlt": fields.ImagesMissingAlt},
		})
	}

	return drafts
}
