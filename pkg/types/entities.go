// Package types holds the persistent entities and value objects shared
// across the crawl execution engine: runs, pages, links, issues, and
// templates, plus the settings and totals shapes that travel with them.
package types

import (
	"encoding/json"
	"time"
)

// CrawlRunStatus is the lifecycle state of a CrawlRun.
type CrawlRunStatus string

const (
	StatusQueued   CrawlRunStatus = "QUEUED"
	StatusRunning  CrawlRunStatus = "RUNNING"
	StatusDone     CrawlRunStatus = "DONE"
	StatusFailed   CrawlRunStatus = "FAILED"
	StatusCanceled CrawlRunStatus = "CANCELED"
)

// Terminal reports whether the status is a sink state.
func (s CrawlRunStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// LinkType classifies a discovered edge as internal or external to the
// crawled domain.
type LinkType string

const (
	LinkInternal LinkType = "INTERNAL"
	LinkExternal LinkType = "EXTERNAL"
)

// IssueSeverity ranks the impact of a detected issue.
type IssueSeverity string

const (
	SeverityLow      IssueSeverity = "LOW"
	SeverityMedium   IssueSeverity = "MEDIUM"
	SeverityHigh     IssueSeverity = "HIGH"
	SeverityCritical IssueSeverity = "CRITICAL"
)

// Project is the parent of a CrawlRun; only the fields the engine consumes
// are modeled here. The control plane owns the rest.
type Project struct {
	ID       string
	StartURL string
	Domain   string
	Settings Settings
}

// Settings is the immutable snapshot of project crawl configuration taken
// at enqueue time. See spec §6 for defaults and effects.
type Settings struct {
	MaxPages          int      `json:"maxPages"`
	MaxDepth          int      `json:"maxDepth"`
	IgnoreParams      []string `json:"ignoreParams"`
	ThrottleMs        int      `json:"throttleMs"`
	IncludeSubdomains bool     `json:"includeSubdomains"`
	RespectRobots     bool     `json:"respectRobots"`
	UserAgent         string   `json:"userAgent"`

	// Unknown carries any keys present on read that this struct does not
	// model explicitly. Populated by UnmarshalJSON; never re-emitted on
	// write (the field is tagged "-"), so json.Marshal drops these keys.
	Unknown map[string]json.RawMessage `json:"-"`
}

// settingsFields mirrors Settings without the custom UnmarshalJSON, so
// decoding the modeled fields doesn't recurse back into itself.
type settingsFields Settings

var settingsKnownKeys = map[string]struct{}{
	"maxPages": {}, "maxDepth": {}, "ignoreParams": {}, "throttleMs": {},
	"includeSubdomains": {}, "respectRobots": {}, "userAgent": {},
}

// UnmarshalJSON decodes the modeled fields and stashes any key this
// struct does not model into Unknown, where it stays readable after
// decoding; marshalling the struct again does not write those keys.
func (s *Settings) UnmarshalJSON(data []byte) error {
	var fields settingsFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*s = Settings(fields)
	s.Unknown = nil

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, value := range raw {
		if _, ok := settingsKnownKeys[key]; ok {
			continue
		}
		if s.Unknown == nil {
			s.Unknown = make(map[string]json.RawMessage)
		}
		s.Unknown[key] = value
	}
	return nil
}

// DefaultSettings returns the spec §6 default settings.
func DefaultSettings() Settings {
	return Settings{
		MaxPages: 1000,
		MaxDepth: 5,
		IgnoreParams: []string{
			"utm_source", "utm_medium", "utm_campaign", "utm_content", "utm_term",
			"fbclid", "gclid",
		},
		ThrottleMs:        100,
		IncludeSubdomains: false,
		RespectRobots:     true,
		UserAgent:         "HydraFrogBot/1.0",
	}
}

// RedirectHop is one entry in a Page's redirect chain.
type RedirectHop struct {
	URL        string `json:"url"`
	StatusCode int    `json:"statusCode"`
}

// TemplateSignature is the structural fingerprint described in spec §4.2.
// Field order matters: it is part of the canonical JSON this signature
// hashes from, so struct field order must not change independently of
// the spec.
type TemplateSignature struct {
	BodyTopLevelTags  []string       `json:"bodyTopLevelTags"`
	LandmarkCounts    []CountedTag   `json:"landmarkCounts"`
	FormElements      []CountedTag   `json:"formElements"`
	LinkStats         LinkStats      `json:"linkStats"`
	DOMSkeletonSample []string       `json:"domSkeletonSample"`
	ClassTokensSample []string       `json:"classTokensSample"`
}

// CountedTag pairs a tag name with its occurrence count. A slice (rather
// than a map) is used so JSON/canonical encoding preserves the spec's
// required field order instead of map's alphabetical ordering.
type CountedTag struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// LinkStats holds the single aggregate spec §4.2 requires today.
type LinkStats struct {
	TotalLinks int `json:"totalLinks"`
}

// CrawlRun is the unit of work described in spec §3.
type CrawlRun struct {
	ID               string
	ProjectID        string
	Status           CrawlRunStatus
	StartedAt        *time.Time
	FinishedAt       *time.Time
	SettingsSnapshot Settings
	Totals           Totals
}

// Page is one crawled URL, unique per (CrawlRunID, NormalizedURL).
type Page struct {
	ID                   string
	CrawlRunID           string
	URL                  string
	NormalizedURL        string
	StatusCode           *int
	ContentType          string
	Title                string
	MetaDescription      string
	H1Count              int
	Canonical            string
	RobotsMeta           string
	WordCount            *int
	RedirectChain        []RedirectHop
	TemplateSignatureHash string
	TemplateSignature    *TemplateSignature
	TemplateID           string
	DiscoveredAt         time.Time
	FetchError           string
}

// Link is one discovered outbound edge, spec §3.
type Link struct {
	ID               string
	CrawlRunID       string
	FromPageID       string // empty if source was filtered
	ToURL            string
	ToNormalizedURL  string
	LinkType         LinkType
	IsBroken         bool
	StatusCode       *int
}

// Issue is a detected problem, spec §3.
type Issue struct {
	ID             string
	CrawlRunID     string
	PageID         string // empty for global issues
	Type           string
	Severity       IssueSeverity
	Title          string
	Description    string
	Recommendation string
	Evidence       map[string]any
}

// Template is a cluster of structurally-similar pages within a run.
type Template struct {
	ID            string
	CrawlRunID    string
	SignatureHash string
	Signature     *TemplateSignature
	SamplePageID  string
	PageCount     int
}

// URLCount pairs a URL with an occurrence count, used for topErrorPages.
type URLCount struct {
	URL        string `json:"url"`
	StatusCode int    `json:"statusCode"`
	Count      int    `json:"count"`
}

// TypeCount pairs an issue type with its occurrence count.
type TypeCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// Totals is the final aggregate JSON shape described in spec §6.
type Totals struct {
	PagesCount               int            `json:"pagesCount"`
	LinksCount               int            `json:"linksCount"`
	InternalLinksCount       int            `json:"internalLinksCount"`
	ExternalLinksCount       int            `json:"externalLinksCount"`
	BrokenInternalLinksCount int            `json:"brokenInternalLinksCount"`
	StatusCodeDistribution   map[string]int `json:"statusCodeDistribution"`
	TopErrorPages            []URLCount     `json:"topErrorPages"`
	IssueCountTotal          int            `json:"issueCountTotal"`
	IssueCountByType         map[string]int `json:"issueCountByType"`
	IssueCountBySeverity     map[string]int `json:"issueCountBySeverity"`
	TopIssueTypes            []TypeCount    `json:"topIssueTypes"`
	LastErrorMessage         string         `json:"lastErrorMessage,omitempty"`
}
