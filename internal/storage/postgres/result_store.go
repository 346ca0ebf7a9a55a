package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/qa-scanner/internal/id/uuid"
	"github.com/JakeFAU/qa-scanner/internal/qa"
)

const defaultResultsTable = "qa_results"

// Result kinds stored in the kind column.
const (
	kindScan      = "scan"
	kindMultiPage = "multi_page"
	kindFormTest  = "form_test"
)

// ResultStore writes each result as a JSONB row.
type ResultStore struct {
	db    DB
	table string
	clock qa.Clock
	ids   qa.IDGenerator
}

var _ qa.ResultStore = (*ResultStore)(nil)

// NewResultStore builds a ResultStore on db. table defaults to qa_results.
func NewResultStore(db DB, table string, clock qa.Clock) (*ResultStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table, defaultResultsTable)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = qa.SystemClock{}
	}
	return &ResultStore{db: db, table: table, clock: clock, ids: uuid.New("form")}, nil
}

// Close releases the pool.
func (s *ResultStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// SaveScan upserts a single-page result.
func (s *ResultStore) SaveScan(ctx context.Context, r qa.ScanResult) error {
	return s.upsert(ctx, r.ID, kindScan, r.SiteID, r.URL, r.Success, r.Counts.Total, r)
}

// SaveMultiPage upserts a crawl or batch result.
func (s *ResultStore) SaveMultiPage(ctx context.Context, r qa.MultiPageScanResult) error {
	return s.upsert(ctx, r.ID, kindMultiPage, r.SiteID, r.EntryURL, r.Summary.PagesFailed == 0, r.Summary.Counts.Total, r)
}

// SaveFormTest inserts a form test under a fresh ID.
func (s *ResultStore) SaveFormTest(ctx context.Context, r qa.FormTestResult) error {
	id, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("form result id: %w", err)
	}
	return s.upsert(ctx, id, kindFormTest, "", r.URL, !r.HasIssues(), len(r.Issues), r)
}

func (s *ResultStore) upsert(
	ctx context.Context,
	id, kind, siteID, url string,
	success bool,
	issues int,
	payload any,
) error {
	if id == "" {
		return fmt.Errorf("%w: %s result without id", qa.ErrInvalidRequest, kind)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s result: %w", kind, err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, kind, site_id, url, success, issue_total, payload, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO UPDATE SET
	success = EXCLUDED.success,
	issue_total = EXCLUDED.issue_total,
	payload = EXCLUDED.payload`, s.table)
	if _, err := s.db.Exec(ctx, query, id, kind, siteID, url, success, issues, body, s.clock.Now()); err != nil {
		return fmt.Errorf("insert %s result: %w", kind, err)
	}
	return nil
}
