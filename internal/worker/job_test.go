package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/tgwilson/forensic-council-backend/internal/council"
	"github.com/tgwilson/forensic-council-backend/internal/localmodel"
	"github.com/tgwilson/forensic-council-backend/internal/search"
	"github.com/tgwilson/forensic-council-backend/internal/store"
)

var reportCols = []string{
	"id", "access_token", "company_name", "ticker", "status",
	"request_json", "output_json", "error_message", "attempts",
	"created_at", "updated_at",
}

func testRequestJSON(t *testing.T) []byte {
	t.Helper()
	raw, err := json.Marshal(ReportRequest{
		CompanyProfile:   council.CompanyProfile{Name: "Acme Industrial", Ticker: "ACME", Industry: "Machinery"},
		Metrics:          map[string]float64{"debt_to_equity": 3.1},
		Simulation:       council.Simulation{AdjustedScore: 40, ImprovementPct: 30},
		Recommendations:  []string{"Refinance short-term debt"},
		FailingRiskScore: 75,
		FailureYear:      2019,
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return raw
}

func newTestJob(t *testing.T) (*Job, sqlmock.Sqlmock) {
	t.Helper()
	pool, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		pool.Close()
	})

	st := store.New(pool)
	logger := slog.New(slog.DiscardHandler)
	// No providers configured: the council runs entirely on the local model
	// and deterministic fallbacks, which is exactly what a job test needs.
	c, err := council.New(nil, nil, localmodel.New(7), council.Config{
		Logger:       logger,
		StageTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("council.New: %v", err)
	}
	return NewJob(st, c, search.NewTavilyClient(""), logger), mock
}

func TestJobRunHappyPath(t *testing.T) {
	job, mock := newTestJob(t)
	id := uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE reports\s+SET status = 'processing'`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(reportCols).AddRow(
			id, "tok-1", "Acme Industrial", "ACME", "processing",
			testRequestJSON(t), nil, nil, int16(1), now, now,
		))
	mock.ExpectCommit()

	mock.ExpectQuery(`UPDATE reports\s+SET status = 'ready'`).
		WithArgs(id, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(reportCols).AddRow(
			id, "tok-1", "Acme Industrial", "ACME", "ready",
			testRequestJSON(t), []byte(`{}`), nil, int16(1), now, now,
		))

	if err := job.Run(context.Background(), id); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestJobRunAlreadyFinished(t *testing.T) {
	job, mock := newTestJob(t)
	id := uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE reports\s+SET status = 'processing'`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(reportCols))
	mock.ExpectRollback()

	mock.ExpectQuery(`SELECT .+ FROM reports\s+WHERE id`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(reportCols).AddRow(
			id, "tok-1", "Acme Industrial", "ACME", "ready",
			testRequestJSON(t), []byte(`{}`), nil, int16(1), now, now,
		))

	if err := job.Run(context.Background(), id); err != nil {
		t.Fatalf("Run on finished report: %v", err)
	}
}

func TestJobRunUndecodablePayloadFailsReport(t *testing.T) {
	job, mock := newTestJob(t)
	id := uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE reports\s+SET status = 'processing'`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(reportCols).AddRow(
			id, "tok-1", "Acme Industrial", "ACME", "processing",
			[]byte(`{not json`), nil, nil, int16(1), now, now,
		))
	mock.ExpectCommit()

	mock.ExpectQuery(`UPDATE reports\s+SET status = 'error'`).
		WithArgs(id, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(reportCols).AddRow(
			id, "tok-1", "Acme Industrial", "ACME", "error",
			[]byte(`{not json`), nil, "invalid request payload", int16(1), now, now,
		))

	if err := job.Run(context.Background(), id); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
