package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/qa-scanner/internal/qa"
	"github.com/JakeFAU/qa-scanner/internal/queue"
)

const defaultProgressTable = "qa_job_progress"

// ProgressStore implements queue.ProgressStore. The upsert keeps status monotonic and
// leaves finished rows untouched, so concurrent writers cannot regress a job.
type ProgressStore struct {
	db    DB
	table string
	clock qa.Clock
}

var _ queue.ProgressStore = (*ProgressStore)(nil)

// NewProgressStore builds a ProgressStore on db. table defaults to qa_job_progress.
func NewProgressStore(db DB, table string, clock qa.Clock) (*ProgressStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table, defaultProgressTable)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = qa.SystemClock{}
	}
	return &ProgressStore{db: db, table: table, clock: clock}, nil
}

// Put creates or advances a record.
func (s *ProgressStore) Put(ctx context.Context, p queue.Progress) error {
	if p.JobID == "" {
		return fmt.Errorf("%w: progress without job id", qa.ErrInvalidRequest)
	}
	now := s.clock.Now()
	created := p.CreatedAt
	if created.IsZero() {
		created = now
	}
	var finished *time.Time
	if p.Status.Terminal() {
		f := now
		if p.FinishedAt != nil {
			f = *p.FinishedAt
		}
		finished = &f
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (
	job_id, kind, site_id, status, status_rank, attempts, sites_processed, pages_total,
	pages_processed, forms_processed, issues_found, result_id, error, created_at, updated_at, finished_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
ON CONFLICT (job_id) DO UPDATE SET
	status = CASE WHEN EXCLUDED.status_rank >= %[1]s.status_rank THEN EXCLUDED.status ELSE %[1]s.status END,
	status_rank = GREATEST(EXCLUDED.status_rank, %[1]s.status_rank),
	attempts = EXCLUDED.attempts,
	sites_processed = EXCLUDED.sites_processed,
	pages_total = EXCLUDED.pages_total,
	pages_processed = EXCLUDED.pages_processed,
	forms_processed = EXCLUDED.forms_processed,
	issues_found = EXCLUDED.issues_found,
	result_id = EXCLUDED.result_id,
	error = EXCLUDED.error,
	updated_at = EXCLUDED.updated_at,
	finished_at = EXCLUDED.finished_at
WHERE %[1]s.finished_at IS NULL`, s.table)

	_, err := s.db.Exec(ctx, query,
		p.JobID,
		string(p.Kind),
		p.SiteID,
		string(p.Status),
		p.Status.Rank(),
		p.Attempts,
		p.SitesProcessed,
		p.PagesTotal,
		p.PagesProcessed,
		p.FormsProcessed,
		p.IssuesFound,
		p.ResultID,
		p.Error,
		created,
		now,
		finished,
	)
	if err != nil {
		return fmt.Errorf("upsert progress %s: %w", p.JobID, err)
	}
	return nil
}

// Get loads one record or returns qa.ErrNotFound.
func (s *ProgressStore) Get(ctx context.Context, jobID string) (queue.Progress, error) {
	query := fmt.Sprintf(`
SELECT job_id, kind, site_id, status, attempts, sites_processed, pages_total, pages_processed,
	forms_processed, issues_found, result_id, error, created_at, updated_at, finished_at
FROM %s WHERE job_id = $1`, s.table)

	var (
		p            queue.Progress
		kind, status string
	)
	err := s.db.QueryRow(ctx, query, jobID).Scan(
		&p.JobID,
		&kind,
		&p.SiteID,
		&status,
		&p.Attempts,
		&p.SitesProcessed,
		&p.PagesTotal,
		&p.PagesProcessed,
		&p.FormsProcessed,
		&p.IssuesFound,
		&p.ResultID,
		&p.Error,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return queue.Progress{}, fmt.Errorf("job %s: %w", jobID, qa.ErrNotFound)
		}
		return queue.Progress{}, fmt.Errorf("get progress %s: %w", jobID, err)
	}
	p.Kind = queue.Kind(kind)
	p.Status = queue.Status(status)
	return p, nil
}

// Sweep deletes finished rows older than cutoff.
func (s *ProgressStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE finished_at IS NOT NULL AND finished_at < $1`, s.table)
	tag, err := s.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep progress: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
