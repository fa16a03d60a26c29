package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/tgwilson/forensic-council-backend/internal/store"
)

// ─── TEST INFRASTRUCTURE ─────────────────────────────────────────────────────

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
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
	return store.New(pool), mock
}

var reportCols = []string{
	"id", "access_token", "company_name", "ticker", "status",
	"request_json", "output_json", "error_message", "attempts",
	"created_at", "updated_at",
}

func reportRow(id uuid.UUID, token, status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(reportCols).AddRow(
		id, token, "Acme Industrial", "ACME", status,
		[]byte(`{"company":"Acme Industrial"}`), nil, nil, int16(0), now, now,
	)
}

// ─── TESTS ───────────────────────────────────────────────────────────────────

func TestCreateReport(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(`INSERT INTO reports`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "Acme Industrial", "ACME", []byte(`{"company":"Acme Industrial"}`)).
		WillReturnRows(reportRow(id, "tok-1", "pending"))

	report, err := st.CreateReport(context.Background(), store.CreateReportParams{
		CompanyName: "Acme Industrial",
		Ticker:      "ACME",
		Request:     json.RawMessage(`{"company":"Acme Industrial"}`),
	})
	if err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	if report.Status != store.StatusPending {
		t.Errorf("status = %q, want pending", report.Status)
	}
	if report.AccessToken != "tok-1" {
		t.Errorf("access token = %q", report.AccessToken)
	}
}

func TestGetReportByAccessTokenNotFound(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM reports\s+WHERE access_token`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(reportCols))

	_, err := st.GetReportByAccessToken(context.Background(), "missing")
	if !errors.Is(err, store.ErrReportNotFound) {
		t.Fatalf("err = %v, want ErrReportNotFound", err)
	}
}

func TestClaimReportWinsRace(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE reports\s+SET status = 'processing'`).
		WithArgs(id).
		WillReturnRows(reportRow(id, "tok-1", "processing"))
	mock.ExpectCommit()

	report, err := st.ClaimReport(context.Background(), id)
	if err != nil {
		t.Fatalf("ClaimReport: %v", err)
	}
	if report.Status != store.StatusProcessing {
		t.Errorf("status = %q, want processing", report.Status)
	}
}

func TestClaimReportAlreadyClaimed(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE reports\s+SET status = 'processing'`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(reportCols))
	mock.ExpectRollback()

	_, err := st.ClaimReport(context.Background(), id)
	if !errors.Is(err, store.ErrReportNotClaimable) {
		t.Fatalf("err = %v, want ErrReportNotClaimable", err)
	}
}

func TestFinalizeReport(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	rows := sqlmock.NewRows(reportCols).AddRow(
		id, "tok-1", "Acme Industrial", "ACME", "ready",
		[]byte(`{}`), []byte(`{"overall_confidence":0.8}`), nil, int16(1),
		time.Now(), time.Now(),
	)
	mock.ExpectQuery(`UPDATE reports\s+SET status = 'ready'`).
		WithArgs(id, sqlmock.AnyArg()).
		WillReturnRows(rows)

	report, err := st.FinalizeReport(context.Background(), id, json.RawMessage(`{"overall_confidence":0.8}`))
	if err != nil {
		t.Fatalf("FinalizeReport: %v", err)
	}
	if report.Status != store.StatusReady {
		t.Errorf("status = %q, want ready", report.Status)
	}
	if !report.OutputJSON.Valid {
		t.Error("output JSON not populated")
	}
}

func TestMarkReportFailed(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	rows := sqlmock.NewRows(reportCols).AddRow(
		id, "tok-1", "Acme Industrial", "ACME", "error",
		[]byte(`{}`), nil, "every provider failed", int16(3),
		time.Now(), time.Now(),
	)
	mock.ExpectQuery(`UPDATE reports\s+SET status = 'error'`).
		WithArgs(id, sqlmock.AnyArg()).
		WillReturnRows(rows)

	report, err := st.MarkReportFailed(context.Background(), id, "every provider failed")
	if err != nil {
		t.Fatalf("MarkReportFailed: %v", err)
	}
	if report.Status != store.StatusError {
		t.Errorf("status = %q, want error", report.Status)
	}
	if report.ErrorMessage.String != "every provider failed" {
		t.Errorf("error message = %q", report.ErrorMessage.String)
	}
}

func TestListUnfinishedReports(t *testing.T) {
	st, mock := newMockStore(t)
	staleAfter := time.Now().Add(-2 * time.Minute)

	rows := reportRow(uuid.New(), "tok-1", "pending").
		AddRow(uuid.New(), "tok-2", "Other Co", "OTH", "processing",
			[]byte(`{}`), nil, nil, int16(1), time.Now(), time.Now())
	mock.ExpectQuery(`SELECT .+ FROM reports\s+WHERE status IN`).
		WithArgs(staleAfter, 10).
		WillReturnRows(rows)

	reports, err := st.ListUnfinishedReports(context.Background(), staleAfter, 10)
	if err != nil {
		t.Fatalf("ListUnfinishedReports: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("reports = %d, want 2", len(reports))
	}
	if reports[1].Status != store.StatusProcessing {
		t.Errorf("second status = %q", reports[1].Status)
	}
}
