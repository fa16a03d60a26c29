package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

// ─── MODEL ───────────────────────────────────────────────────────────────────

// ReportStatus is the report lifecycle state.
type ReportStatus string

const (
	StatusPending    ReportStatus = "pending"
	StatusProcessing ReportStatus = "processing"
	StatusReady      ReportStatus = "ready"
	StatusError      ReportStatus = "error"
)

// Report is one council report request and, once the worker finishes, its
// normalized output. Request and output payloads are stored as JSONB and
// never interpreted by this package.
type Report struct {
	ID           uuid.UUID
	AccessToken  string
	CompanyName  string
	Ticker       string
	Status       ReportStatus
	RequestJSON  json.RawMessage
	OutputJSON   pqtype.NullRawMessage
	ErrorMessage sql.NullString
	Attempts     int16
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ─── ERRORS ──────────────────────────────────────────────────────────────────

// ErrReportNotFound is returned by the read operations when no row matches.
var ErrReportNotFound = errors.New("store: report not found")

// ErrReportNotClaimable is returned by ClaimReport when the report is not in
// pending status — another worker got there first, or the report is already
// finished. Callers should treat this as a no-op, not a failure.
var ErrReportNotClaimable = errors.New("store: report not claimable")

// ─── QUERIES ─────────────────────────────────────────────────────────────────

const reportColumns = `id, access_token, company_name, ticker, status, request_json, output_json, error_message, attempts, created_at, updated_at`

const createReportSQL = `
INSERT INTO reports (id, access_token, company_name, ticker, status, request_json)
VALUES ($1, $2, $3, $4, 'pending', $5)
RETURNING ` + reportColumns

const getReportByIDSQL = `
SELECT ` + reportColumns + `
FROM reports
WHERE id = $1`

const getReportByAccessTokenSQL = `
SELECT ` + reportColumns + `
FROM reports
WHERE access_token = $1`

const listUnfinishedReportsSQL = `
SELECT ` + reportColumns + `
FROM reports
WHERE status IN ('pending', 'processing')
  AND updated_at < $1
ORDER BY created_at
LIMIT $2`

const claimReportSQL = `
UPDATE reports
SET status = 'processing', attempts = attempts + 1, updated_at = now()
WHERE id = $1 AND status = 'pending'
RETURNING ` + reportColumns

const requeueReportSQL = `
UPDATE reports
SET status = 'pending', updated_at = now()
WHERE id = $1 AND status = 'processing'
RETURNING ` + reportColumns

const finalizeReportSQL = `
UPDATE reports
SET status = 'ready', output_json = $2, error_message = NULL, updated_at = now()
WHERE id = $1
RETURNING ` + reportColumns

const setReportErrorSQL = `
UPDATE reports
SET status = 'error', error_message = $2, updated_at = now()
WHERE id = $1
RETURNING ` + reportColumns

// ─── OPERATIONS ──────────────────────────────────────────────────────────────

// CreateReportParams is the handler's input when a report is requested.
// Request is the full council input payload, stored verbatim so the worker
// (or a worker in a future process) can reconstruct the job.
type CreateReportParams struct {
	CompanyName string
	Ticker      string
	Request     json.RawMessage
}

// CreateReport inserts a new pending report with a fresh ID and access
// token. The access token is the only credential for fetching the report, so
// it is a full UUID distinct from the row ID.
func (s *Store) CreateReport(ctx context.Context, p CreateReportParams) (Report, error) {
	row := s.pool.QueryRowContext(ctx, createReportSQL,
		uuid.New(), uuid.NewString(), p.CompanyName, p.Ticker, []byte(p.Request))
	report, err := scanReport(row)
	if err != nil {
		return Report{}, fmt.Errorf("CreateReport: %w", err)
	}
	return report, nil
}

// GetReportByID fetches one report by its row ID.
func (s *Store) GetReportByID(ctx context.Context, id uuid.UUID) (Report, error) {
	report, err := scanReport(s.pool.QueryRowContext(ctx, getReportByIDSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, ErrReportNotFound
	}
	if err != nil {
		return Report{}, fmt.Errorf("GetReportByID: %w", err)
	}
	return report, nil
}

// GetReportByAccessToken fetches one report by its access token. This is the
// public lookup path; handlers must not expose lookups by row ID.
func (s *Store) GetReportByAccessToken(ctx context.Context, token string) (Report, error) {
	report, err := scanReport(s.pool.QueryRowContext(ctx, getReportByAccessTokenSQL, token))
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, ErrReportNotFound
	}
	if err != nil {
		return Report{}, fmt.Errorf("GetReportByAccessToken: %w", err)
	}
	return report, nil
}

// ListUnfinishedReports returns reports stuck in pending or processing whose
// last update is older than staleAfter. The recovery poller uses this to
// re-enqueue work lost to a crash or missed enqueue.
func (s *Store) ListUnfinishedReports(ctx context.Context, staleAfter time.Time, limit int) ([]Report, error) {
	rows, err := s.pool.QueryContext(ctx, listUnfinishedReportsSQL, staleAfter, limit)
	if err != nil {
		return nil, fmt.Errorf("ListUnfinishedReports: %w", err)
	}
	defer rows.Close()

	var reports []Report
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("ListUnfinishedReports: scan: %w", err)
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListUnfinishedReports: rows: %w", err)
	}
	return reports, nil
}

// ClaimReport atomically moves a pending report to processing and increments
// its attempt counter. Exactly one concurrent claimer wins; the rest get
// ErrReportNotClaimable. Stale processing rows (from a crashed worker) are
// first reset to pending by RequeueReport, not re-claimed directly.
func (s *Store) ClaimReport(ctx context.Context, id uuid.UUID) (Report, error) {
	var report Report
	err := s.withTx(ctx, func(ctx context.Context, q querier) error {
		claimed, err := scanReport(q.QueryRowContext(ctx, claimReportSQL, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrReportNotClaimable
		}
		if err != nil {
			return fmt.Errorf("ClaimReport: %w", err)
		}
		report = claimed
		return nil
	})
	if err != nil {
		return Report{}, err
	}
	return report, nil
}

// RequeueReport moves a stuck processing report back to pending so the
// poller can hand it out again.
func (s *Store) RequeueReport(ctx context.Context, id uuid.UUID) (Report, error) {
	report, err := scanReport(s.pool.QueryRowContext(ctx, requeueReportSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, ErrReportNotClaimable
	}
	if err != nil {
		return Report{}, fmt.Errorf("RequeueReport: %w", err)
	}
	return report, nil
}

// FinalizeReport stores the finished council output and flips the report to
// ready. The output is stored exactly as serialized; readers reparse it, the
// store never does.
func (s *Store) FinalizeReport(ctx context.Context, id uuid.UUID, output json.RawMessage) (Report, error) {
	report, err := scanReport(s.pool.QueryRowContext(ctx, finalizeReportSQL, id,
		pqtype.NullRawMessage{RawMessage: output, Valid: len(output) > 0}))
	if err != nil {
		return Report{}, fmt.Errorf("FinalizeReport: %w", err)
	}
	return report, nil
}

// MarkReportFailed sets the report status to error with a descriptive
// message. Called by the worker after exhausting retries.
func (s *Store) MarkReportFailed(ctx context.Context, id uuid.UUID, reason string) (Report, error) {
	report, err := scanReport(s.pool.QueryRowContext(ctx, setReportErrorSQL, id,
		sql.NullString{String: reason, Valid: reason != ""}))
	if err != nil {
		return Report{}, fmt.Errorf("MarkReportFailed: %w", err)
	}
	return report, nil
}

// ─── SCANNING ────────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (Report, error) {
	var r Report
	err := row.Scan(
		&r.ID,
		&r.AccessToken,
		&r.CompanyName,
		&r.Ticker,
		&r.Status,
		&r.RequestJSON,
		&r.OutputJSON,
		&r.ErrorMessage,
		&r.Attempts,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return Report{}, err
	}
	return r, nil
}
