// Package persistence implements the Persistence Adapter: the
// database/sql + lib/pq backed store the Job Runner, BFS Driver, and
// Post-Processor write crawl entities through.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	pq "github.com/lib/pq"

	"hydrafrog/internal/config"
	"hydrafrog/pkg/types"
)

const issueBatchSize = 100

// Store is the persistence adapter backing a single Postgres database.
// It satisfies crawler.Store and the broader run-lifecycle operations
// the Job Runner and Post-Processor need.
type Store struct {
	db          *sql.DB
	autoMigrate bool
}

// New connects to the configured database, optionally creating it and
// applying the schema, mirroring the teacher's SQLWriter bring-up flow.
func New(cfg config.SQLConfig) (*Store, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, errors.New("sql config missing driver or dsn")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		if cfg.CreateIfMissing && shouldAttemptCreateDatabase(cfg.Driver, err) {
			_ = db.Close()
			if err := createDatabase(ctx, cfg); err != nil {
				return nil, err
			}
			db, err = sql.Open(cfg.Driver, cfg.DSN)
			if err != nil {
				return nil, fmt.Errorf("open sql connection: %w", err)
			}
			if err := db.PingContext(ctx); err != nil {
				return nil, fmt.Errorf("ping sql connection: %w", err)
			}
		} else {
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}

	store := &Store{db: db, autoMigrate: cfg.AutoMigrate}
	if cfg.AutoMigrate {
		if err := store.ensureSchema(context.Background()); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// PersistPage upserts a page row. Collisions on (crawl_run_id,
// normalized_url) are a no-op: first writer wins.
func (s *Store) PersistPage(ctx context.Context, page types.Page) error {
	if err := s.upsertPage(ctx, page); err != nil {
		if s.autoMigrate && isUndefinedTableErr(err) {
			if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
				return fmt.Errorf("ensure schema: %w", schemaErr)
			}
			return s.upsertPage(ctx, page)
		}
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

func (s *Store) upsertPage(ctx context.Context, page types.Page) error {
	redirectChain, err := json.Marshal(page.RedirectChain)
	if err != nil {
		return fmt.Errorf("marshal redirect chain: %w", err)
	}
	var signatureJSON []byte
	if page.TemplateSignature != nil {
		signatureJSON, err = json.Marshal(page.TemplateSignature)
		if err != nil {
			return fmt.Errorf("marshal template signature: %w", err)
		}
	}

	query := `
        INSERT INTO pages (
            id, crawl_run_id, url, normalized_url, status_code, content_type,
            title, meta_description, h1_count, canonical, robots_meta, word_count,
            redirect_chain, template_signature_hash, template_signature, template_id,
            discovered_at, fetch_error
        ) VALUES (
            $1,$2,$3,$4,$5,$6,
            $7,$8,$9,$10,$11,$12,
            $13,$14,$15,$16,
            $17,$18
        )
        ON CONFLICT (crawl_run_id, normalized_url) DO NOTHING`
	_, err = s.db.ExecContext(ctx, query,
		page.ID, page.CrawlRunID, page.URL, page.NormalizedURL, nullableIntPtr(page.StatusCode), page.ContentType,
		page.Title, page.MetaDescription, page.H1Count, page.Canonical, page.RobotsMeta, nullableIntPtr(page.WordCount),
		redirectChain, nullableString(page.TemplateSignatureHash), nullableBytes(signatureJSON), nullableString(page.TemplateID),
		page.DiscoveredAt, nullableString(page.FetchError),
	)
	return err
}

// PersistIssues inserts issue rows in batches of issueBatchSize.
func (s *Store) PersistIssues(ctx context.Context, issues []types.Issue) error {
	for start := 0; start < len(issues); start += issueBatchSize {
		end := start + issueBatchSize
		if end > len(issues) {
			end = len(issues)
		}
		if err := s.insertIssueBatch(ctx, issues[start:end]); err != nil {
			if s.autoMigrate && isUndefinedTableErr(err) {
				if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
					return fmt.Errorf("ensure schema: %w", schemaErr)
				}
				if err := s.insertIssueBatch(ctx, issues[start:end]); err != nil {
					return fmt.Errorf("insert issues: %w", err)
				}
				continue
			}
			return fmt.Errorf("insert issues: %w", err)
		}
	}
	return nil
}

func (s *Store) insertIssueBatch(ctx context.Context, batch []types.Issue) error {
	if len(batch) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString(`INSERT INTO issues (id, crawl_run_id, page_id, type, severity, title, description, recommendation, evidence) VALUES `)
	args := make([]any, 0, len(batch)*9)
	for i, issue := range batch {
		if i > 0 {
			b.WriteString(",")
		}
		base := i * 9
		fmt.Fprintf(&b, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9)

		evidence, err := json.Marshal(issue.Evidence)
		if err != nil {
			return fmt.Errorf("marshal evidence: %w", err)
		}
		args = append(args,
			issue.ID, issue.CrawlRunID, nullableString(issue.PageID), issue.Type, string(issue.Severity),
			issue.Title, issue.Description, issue.Recommendation, evidence,
		)
	}
	_, err := s.db.ExecContext(ctx, b.String(), args...)
	return err
}

// PersistLinks inserts link rows unconditionally; the graph is write-once
// per run, so no conflict handling is needed.
func (s *Store) PersistLinks(ctx context.Context, links []types.Link) error {
	for _, link := range links {
		query := `
            INSERT INTO links (id, crawl_run_id, from_page_id, to_url, to_normalized_url, link_type, is_broken, status_code)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
		_, err := s.db.ExecContext(ctx, query,
			link.ID, link.CrawlRunID, nullableString(link.FromPageID), link.ToURL, nullableString(link.ToNormalizedURL),
			string(link.LinkType), link.IsBroken, nullableIntPtr(link.StatusCode),
		)
		if err != nil {
			if s.autoMigrate && isUndefinedTableErr(err) {
				if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
					return fmt.Errorf("ensure schema: %w", schemaErr)
				}
				if _, err := s.db.ExecContext(ctx, query,
					link.ID, link.CrawlRunID, nullableString(link.FromPageID), link.ToURL, nullableString(link.ToNormalizedURL),
					string(link.LinkType), link.IsBroken, nullableIntPtr(link.StatusCode),
				); err != nil {
					return fmt.Errorf("insert link: %w", err)
				}
				continue
			}
			return fmt.Errorf("insert link: %w", err)
		}
	}
	return nil
}

// ReadRunStatus reads a run's current status, consulted by the BFS
// Driver's cooperative cancellation check.
func (s *Store) ReadRunStatus(ctx context.Context, crawlRunID string) (types.CrawlRunStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM crawl_runs WHERE id = $1`, crawlRunID).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("read run status: %w", err)
	}
	return types.CrawlRunStatus(status), nil
}

// WipeRunChildren deletes every Page, Link, Issue, and Template scoped to
// a crawl run, giving a retried run a clean slate before its first
// fetch, per the spec's wipe-on-retry idempotency rule.
func (s *Store) WipeRunChildren(ctx context.Context, crawlRunID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin wipe transaction: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM issues WHERE crawl_run_id = $1`,
		`DELETE FROM links WHERE crawl_run_id = $1`,
		`DELETE FROM pages WHERE crawl_run_id = $1`,
		`DELETE FROM templates WHERE crawl_run_id = $1`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, crawlRunID); err != nil {
			if s.autoMigrate && isUndefinedTableErr(err) {
				continue
			}
			return fmt.Errorf("wipe run children: %w", err)
		}
	}
	return tx.Commit()
}

// UpdateRunStatus transitions a run's status, stamping startedAt or
// finishedAt and the last error message where applicable.
func (s *Store) UpdateRunStatus(ctx context.Context, crawlRunID string, status types.CrawlRunStatus, lastErrorMessage string) error {
	switch status {
	case types.StatusRunning:
		_, err := s.db.ExecContext(ctx,
			`UPDATE crawl_runs SET status = $1, started_at = NOW() WHERE id = $2`,
			string(status), crawlRunID)
		return err
	case types.StatusDone, types.StatusFailed, types.StatusCanceled:
		_, err := s.db.ExecContext(ctx,
			`UPDATE crawl_runs SET status = $1, finished_at = NOW(), last_error_message = $2 WHERE id = $3`,
			string(status), nullableString(lastErrorMessage), crawlRunID)
		return err
	default:
		_, err := s.db.ExecContext(ctx,
			`UPDATE crawl_runs SET status = $1 WHERE id = $2`,
			string(status), crawlRunID)
		return err
	}
}

// UpdateRunTotals persists the Post-Processor's computed totals JSON
// onto the run row.
func (s *Store) UpdateRunTotals(ctx context.Context, crawlRunID string, totals types.Totals) error {
	payload, err := json.Marshal(totals)
	if err != nil {
		return fmt.Errorf("marshal totals: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE crawl_runs SET totals = $1 WHERE id = $2`, payload, crawlRunID)
	return err
}

// LoadRun reads a run and its settings snapshot, used by the Job Runner
// to hydrate the BFS Driver's arguments.
func (s *Store) LoadRun(ctx context.Context, crawlRunID string) (types.CrawlRun, error) {
	var (
		run              types.CrawlRun
		status           string
		settingsJSON     []byte
		totalsJSON       []byte
		startedAt        sql.NullTime
		finishedAt       sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, status, started_at, finished_at, settings_snapshot, totals FROM crawl_runs WHERE id = $1`,
		crawlRunID,
	).Scan(&run.ID, &run.ProjectID, &status, &startedAt, &finishedAt, &settingsJSON, &totalsJSON)
	if err != nil {
		return types.CrawlRun{}, fmt.Errorf("load run: %w", err)
	}
	run.Status = types.CrawlRunStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &run.SettingsSnapshot); err != nil {
			return types.CrawlRun{}, fmt.Errorf("unmarshal settings snapshot: %w", err)
		}
	}
	if len(totalsJSON) > 0 {
		if err := json.Unmarshal(totalsJSON, &run.Totals); err != nil {
			return types.CrawlRun{}, fmt.Errorf("unmarshal totals: %w", err)
		}
	}
	return run, nil
}

// LoadProject reads a project's engine-relevant fields: startUrl,
// domain, and its current settings.
func (s *Store) LoadProject(ctx context.Context, projectID string) (types.Project, error) {
	var (
		project      types.Project
		settingsJSON []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, start_url, domain, settings FROM projects WHERE id = $1`, projectID,
	).Scan(&project.ID, &project.StartURL, &project.Domain, &settingsJSON)
	if err != nil {
		return types.Project{}, fmt.Errorf("load project: %w", err)
	}
	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &project.Settings); err != nil {
			return types.Project{}, fmt.Errorf("unmarshal project settings: %w", err)
		}
	}
	return project, nil
}

// PagesForRun returns every page persisted for a run, used by the
// Post-Processor to compute totals and resolve broken links.
func (s *Store) PagesForRun(ctx context.Context, crawlRunID string) ([]types.Page, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, url, normalized_url, status_code, title, template_signature_hash, template_signature
           FROM pages WHERE crawl_run_id = $1`, crawlRunID)
	if err != nil {
		return nil, fmt.Errorf("query pages: %w", err)
	}
	defer rows.Close()

	var pages []types.Page
	for rows.Next() {
		var (
			p             types.Page
			statusCode    sql.NullInt64
			signatureJSON []byte
		)
		if err := rows.Scan(&p.ID, &p.URL, &p.NormalizedURL, &statusCode, &p.Title, &p.TemplateSignatureHash, &signatureJSON); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		p.CrawlRunID = crawlRunID
		if statusCode.Valid {
			code := int(statusCode.Int64)
			p.StatusCode = &code
		}
		if len(signatureJSON) > 0 {
			var sig types.TemplateSignature
			if err := json.Unmarshal(signatureJSON, &sig); err == nil {
				p.TemplateSignature = &sig
			}
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// LinksForRun returns every link persisted for a run.
func (s *Store) LinksForRun(ctx context.Context, crawlRunID string) ([]types.Link, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, from_page_id, to_url, to_normalized_url, link_type, is_broken, status_code
           FROM links WHERE crawl_run_id = $1`, crawlRunID)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer rows.Close()

	var links []types.Link
	for rows.Next() {
		var (
			l          types.Link
			linkType   string
			statusCode sql.NullInt64
		)
		if err := rows.Scan(&l.ID, &l.FromPageID, &l.ToURL, &l.ToNormalizedURL, &linkType, &l.IsBroken, &statusCode); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		l.CrawlRunID = crawlRunID
		l.LinkType = types.LinkType(linkType)
		if statusCode.Valid {
			code := int(statusCode.Int64)
			l.StatusCode = &code
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// IssuesForRun returns every issue persisted for a run, used by the
// Post-Processor to compute the issue summary across both per-page and
// global issues.
func (s *Store) IssuesForRun(ctx context.Context, crawlRunID string) ([]types.Issue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, page_id, type, severity FROM issues WHERE crawl_run_id = $1`, crawlRunID)
	if err != nil {
		return nil, fmt.Errorf("query issues: %w", err)
	}
	defer rows.Close()

	var issues []types.Issue
	for rows.Next() {
		var (
			issue    types.Issue
			pageID   sql.NullString
			severity string
		)
		if err := rows.Scan(&issue.ID, &pageID, &issue.Type, &severity); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		issue.CrawlRunID = crawlRunID
		issue.PageID = pageID.String
		issue.Severity = types.IssueSeverity(severity)
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// MarkLinkBroken flips a link's isBroken flag and records the resolved
// status code, called by the Post-Processor's broken-link resolution.
func (s *Store) MarkLinkBroken(ctx context.Context, linkID string, statusCode int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE links SET is_broken = TRUE, status_code = $1 WHERE id = $2`, statusCode, linkID)
	return err
}

// UpsertTemplate inserts or grows a template cluster row keyed by
// (crawl_run_id, signature_hash), and reports the assigned template id.
func (s *Store) UpsertTemplate(ctx context.Context, tmpl types.Template) (string, error) {
	signatureJSON, err := json.Marshal(tmpl.Signature)
	if err != nil {
		return "", fmt.Errorf("marshal template signature: %w", err)
	}
	var id string
	err = s.db.QueryRowContext(ctx, `
        INSERT INTO templates (id, crawl_run_id, signature_hash, signature, sample_page_id, page_count)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (crawl_run_id, signature_hash) DO UPDATE SET
            page_count = templates.page_count + EXCLUDED.page_count
        RETURNING id`,
		tmpl.ID, tmpl.CrawlRunID, tmpl.SignatureHash, signatureJSON, tmpl.SamplePageID, tmpl.PageCount,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert template: %w", err)
	}
	return id, nil
}

// SetPageTemplate back-fills a page's templateId after clustering.
func (s *Store) SetPageTemplate(ctx context.Context, pageID, templateID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE pages SET template_id = $1 WHERE id = $2`, templateID, pageID)
	return err
}

// PersistGlobalIssues inserts issues with no owning page, such as
// cross-page DUPLICATE_TITLE findings.
func (s *Store) PersistGlobalIssues(ctx context.Context, issues []types.Issue) error {
	return s.PersistIssues(ctx, issues)
}

func shouldAttemptCreateDatabase(driver string, err error) bool {
	if !strings.EqualFold(driver, "postgres") {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "3D000"
	}
	return strings.Contains(strings.ToLower(err.Error()), "does not exist")
}

func createDatabase(ctx context.Context, cfg config.SQLConfig) error {
	parsed, err := url.Parse(cfg.DSN)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	dbName := strings.TrimPrefix(parsed.Path, "/")
	if dbName == "" {
		return errors.New("dsn missing database name")
	}
	if strings.EqualFold(dbName, "postgres") {
		return fmt.Errorf("target database %q cannot be auto-created", dbName)
	}
	parsed.Path = "/postgres"
	adminDSN := parsed.String()
	adminDB, err := sql.Open(cfg.Driver, adminDSN)
	if err != nil {
		return fmt.Errorf("connect admin database: %w", err)
	}
	defer adminDB.Close()
	if err := adminDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping admin database: %w", err)
	}
	stmt := fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))
	if _, err := adminDB.ExecContext(ctx, stmt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42P04" {
			return nil
		}
		return fmt.Errorf("create database %q: %w", dbName, err)
	}
	return nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil || !s.autoMigrate {
		return nil
	}
	schemaCtx := ctx
	if schemaCtx == nil || schemaCtx.Err() != nil {
		schemaCtx = context.Background()
	}
	schemaCtx, cancel := context.WithTimeout(schemaCtx, 10*time.Second)
	defer cancel()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
            id TEXT PRIMARY KEY,
            start_url TEXT NOT NULL,
            domain TEXT NOT NULL,
            settings JSONB
        )`,
		`CREATE TABLE IF NOT EXISTS crawl_runs (
            id TEXT PRIMARY KEY,
            project_id TEXT NOT NULL,
            status TEXT NOT NULL,
            started_at TIMESTAMPTZ,
            finished_at TIMESTAMPTZ,
            settings_snapshot JSONB,
            totals JSONB,
            last_error_message TEXT
        )`,
		`CREATE TABLE IF NOT EXISTS pages (
            id TEXT PRIMARY KEY,
            crawl_run_id TEXT NOT NULL,
            url TEXT NOT NULL,
            normalized_url TEXT NOT NULL,
            status_code INT,
            content_type TEXT,
            title TEXT,
            meta_description TEXT,
            h1_count INT,
            canonical TEXT,
            robots_meta TEXT,
            word_count INT,
            redirect_chain JSONB,
            template_signature_hash TEXT,
            template_signature JSONB,
            template_id TEXT,
            discovered_at TIMESTAMPTZ,
            fetch_error TEXT,
            UNIQUE (crawl_run_id, normalized_url)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_pages_crawl_run_id ON pages (crawl_run_id)`,
		`CREATE TABLE IF NOT EXISTS links (
            id TEXT PRIMARY KEY,
            crawl_run_id TEXT NOT NULL,
            from_page_id TEXT,
            to_url TEXT NOT NULL,
            to_normalized_url TEXT,
            link_type TEXT NOT NULL,
            is_broken BOOLEAN NOT NULL DEFAULT FALSE,
            status_code INT
        )`,
		`CREATE INDEX IF NOT EXISTS idx_links_crawl_run_id ON links (crawl_run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_links_to_normalized_url ON links (crawl_run_id, to_normalized_url)`,
		`CREATE TABLE IF NOT EXISTS issues (
            id TEXT PRIMARY KEY,
            crawl_run_id TEXT NOT NULL,
            page_id TEXT,
            type TEXT NOT NULL,
            severity TEXT NOT NULL,
            title TEXT,
            description TEXT,
            recommendation TEXT,
            evidence JSONB
        )`,
		`CREATE INDEX IF NOT EXISTS idx_issues_crawl_run_id ON issues (crawl_run_id)`,
		`CREATE TABLE IF NOT EXISTS templates (
            id TEXT PRIMARY KEY,
            crawl_run_id TEXT NOT NULL,
            signature_hash TEXT NOT NULL,
            signature JSONB,
            sample_page_id TEXT,
            page_count INT NOT NULL DEFAULT 0,
            UNIQUE (crawl_run_id, signature_hash)
        )`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(schemaCtx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func isUndefinedTableErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist")
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func nullableBytes(value []byte) any {
	if len(value) == 0 {
		return nil
	}
	return value
}

func nullableIntPtr(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}
