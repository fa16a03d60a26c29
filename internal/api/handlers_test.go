package api_test

import (
	"bytes"
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/tgwilson/forensic-council-backend/internal/api"
	"github.com/tgwilson/forensic-council-backend/internal/provider"
	"github.com/tgwilson/forensic-council-backend/internal/search"
	"github.com/tgwilson/forensic-council-backend/internal/store"
)

// ─── STUBS ───────────────────────────────────────────────────────────────────

// stubEnqueuer records enqueued report IDs. Set failAll to exercise the
// queue-full path.
type stubEnqueuer struct {
	ids     []uuid.UUID
	failAll bool
}

func (e *stubEnqueuer) Enqueue(_ context.Context, id uuid.UUID) error {
	if e.failAll {
		return errors.New("queue is full")
	}
	e.ids = append(e.ids, id)
	return nil
}

// stubAnswerer implements provider.Reasoner for the Q&A path only. The
// council operations panic because the API layer must never call them.
type stubAnswerer struct {
	name   string
	answer provider.Answer
	err    error
}

func (a *stubAnswerer) Name() string { return a.name }

func (a *stubAnswerer) GenerateDraft(context.Context, provider.ReasoningInput) (provider.Payload, error) {
	panic("draft called from HTTP layer")
}

func (a *stubAnswerer) GenerateCritique(context.Context, provider.ReasoningInput, provider.Payload) (provider.Payload, error) {
	panic("critique called from HTTP layer")
}

func (a *stubAnswerer) Synthesize(context.Context, provider.ReasoningInput, provider.Payload, provider.Payload, provider.Payload) (provider.Payload, error) {
	panic("synthesize called from HTTP layer")
}

func (a *stubAnswerer) AnswerQuestion(context.Context, string, provider.Payload, []provider.WebEvidence) (provider.Answer, error) {
	return a.answer, a.err
}

// ─── TEST INFRASTRUCTURE ─────────────────────────────────────────────────────

type testServer struct {
	handler  http.Handler
	mock     sqlmock.Sqlmock
	enqueuer *stubEnqueuer
}

func newTestServer(t *testing.T, primary, secondary provider.Reasoner) *testServer {
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

	enqueuer := &stubEnqueuer{}
	handler := api.NewServer(
		store.New(pool),
		enqueuer,
		primary, secondary,
		search.NewTavilyClient(""),
		api.Config{Env: "test", SynthesisProvider: "secondary"},
		slog.New(slog.DiscardHandler),
	)
	return &testServer{handler: handler, mock: mock, enqueuer: enqueuer}
}

func (ts *testServer) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reqBody = bytes.NewBuffer(raw)
	} else {
		reqBody = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

var reportCols = []string{
	"id", "access_token", "company_name", "ticker", "status",
	"request_json", "output_json", "error_message", "attempts",
	"created_at", "updated_at",
}

func reportRow(id uuid.UUID, token, status string, output []byte) *sqlmock.Rows {
	now := time.Now()
	var errMsg any
	if status == "error" {
		errMsg = "pipeline failed permanently"
	}
	return sqlmock.NewRows(reportCols).AddRow(
		id, token, "Acme Industrial", "ACME", status,
		[]byte(`{}`), output, errMsg, int16(1), now, now,
	)
}

func validCreateBody() map[string]any {
	return map[string]any{
		"company_profile": map[string]any{
			"name":     "Acme Industrial",
			"ticker":   "ACME",
			"industry": "Machinery",
			"sector":   "Industrials",
		},
		"metrics":            map[string]float64{"debt_to_equity": 3.1},
		"failing_risk_score": 78.0,
		"failure_year":       2019,
	}
}

// ─── CREATE REPORT ───────────────────────────────────────────────────────────

func TestCreateReportAccepted(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	id := uuid.New()

	ts.mock.ExpectQuery(`INSERT INTO reports`).
		WillReturnRows(reportRow(id, "tok-1", "pending", nil))

	rec := ts.request(t, http.MethodPost, "/api/reports", validCreateBody())

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body)
	}
	var resp struct {
		ReportID    string `json:"report_id"`
		AccessToken string `json:"access_token"`
		Status      string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.AccessToken != "tok-1" || resp.Status != "pending" {
		t.Errorf("response = %+v", resp)
	}
	if len(ts.enqueuer.ids) != 1 || ts.enqueuer.ids[0] != id {
		t.Errorf("enqueued ids = %v, want [%s]", ts.enqueuer.ids, id)
	}
}

func TestCreateReportValidation(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	body := validCreateBody()
	delete(body, "company_profile")
	rec := ts.request(t, http.MethodPost, "/api/reports", body)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing profile: status = %d, want 400", rec.Code)
	}

	body = validCreateBody()
	body["failing_risk_score"] = 140.0
	rec = ts.request(t, http.MethodPost, "/api/reports", body)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("out-of-range score: status = %d, want 400", rec.Code)
	}

	rec = ts.request(t, http.MethodPost, "/api/reports", map[string]any{"unexpected": true})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown field: status = %d, want 400", rec.Code)
	}
}

func TestCreateReportEnqueueFailureStillAccepted(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ts.enqueuer.failAll = true

	ts.mock.ExpectQuery(`INSERT INTO reports`).
		WillReturnRows(reportRow(uuid.New(), "tok-1", "pending", nil))

	rec := ts.request(t, http.MethodPost, "/api/reports", validCreateBody())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 even when the queue is full", rec.Code)
	}
}

// argContains matches a []byte query argument by substring.
type argContains string

func (a argContains) Match(v driver.Value) bool {
	b, ok := v.([]byte)
	return ok && strings.Contains(string(b), string(a))
}

func TestCreateReportAppliesSynthesisProviderDefault(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	// Request omits synthesis_provider: the stored payload gets the
	// deployment default.
	ts.mock.ExpectQuery(`INSERT INTO reports`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "Acme Industrial", "ACME",
			argContains(`"synthesis_provider":"secondary"`)).
		WillReturnRows(reportRow(uuid.New(), "tok-1", "pending", nil))

	rec := ts.request(t, http.MethodPost, "/api/reports", validCreateBody())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body)
	}

	// An explicit preference wins over the default.
	ts.mock.ExpectQuery(`INSERT INTO reports`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "Acme Industrial", "ACME",
			argContains(`"synthesis_provider":"primary"`)).
		WillReturnRows(reportRow(uuid.New(), "tok-2", "pending", nil))

	body := validCreateBody()
	body["synthesis_provider"] = "primary"
	rec = ts.request(t, http.MethodPost, "/api/reports", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("explicit preference: status = %d, want 202: %s", rec.Code, rec.Body)
	}
}

// ─── GET REPORT ──────────────────────────────────────────────────────────────

func TestGetReportNotFound(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	ts.mock.ExpectQuery(`SELECT .+ FROM reports\s+WHERE access_token`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(reportCols))

	rec := ts.request(t, http.MethodGet, "/api/reports/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestGetReportStillProcessing(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	ts.mock.ExpectQuery(`SELECT .+ FROM reports\s+WHERE access_token`).
		WithArgs("tok-1").
		WillReturnRows(reportRow(uuid.New(), "tok-1", "processing", nil))

	rec := ts.request(t, http.MethodGet, "/api/reports/tok-1", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
}

func TestGetReportReady(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	output := []byte(`{"overall_confidence":0.8,"executive_summary":"Leverage outran liquidity."}`)

	ts.mock.ExpectQuery(`SELECT .+ FROM reports\s+WHERE access_token`).
		WithArgs("tok-1").
		WillReturnRows(reportRow(uuid.New(), "tok-1", "ready", output))

	rec := ts.request(t, http.MethodGet, "/api/reports/tok-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Status string `json:"status"`
		Output struct {
			OverallConfidence float64 `json:"overall_confidence"`
		} `json:"output"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ready" || resp.Output.OverallConfidence != 0.8 {
		t.Errorf("response = %+v", resp)
	}
}

func TestGetReportFailed(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	ts.mock.ExpectQuery(`SELECT .+ FROM reports\s+WHERE access_token`).
		WithArgs("tok-1").
		WillReturnRows(reportRow(uuid.New(), "tok-1", "error", nil))

	rec := ts.request(t, http.MethodGet, "/api/reports/tok-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Status       string `json:"status"`
		ErrorMessage string `json:"error_message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "error" || resp.ErrorMessage == "" {
		t.Errorf("response = %+v", resp)
	}
}

// ─── ASK QUESTION ────────────────────────────────────────────────────────────

func TestAskQuestionPrimaryAnswers(t *testing.T) {
	primary := &stubAnswerer{name: "groq", answer: provider.Answer{
		Answer:    "Refinance the revolver first.",
		Rationale: "Rollover risk dominates the distress profile.",
	}}
	ts := newTestServer(t, primary, nil)

	ts.mock.ExpectQuery(`SELECT .+ FROM reports\s+WHERE access_token`).
		WithArgs("tok-1").
		WillReturnRows(reportRow(uuid.New(), "tok-1", "ready", []byte(`{"overall_confidence":0.8}`)))

	rec := ts.request(t, http.MethodPost, "/api/reports/tok-1/question",
		map[string]string{"question": "What should management do first?"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Answer   string `json:"answer"`
		Provider string `json:"provider"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Provider != "groq" || resp.Answer != "Refinance the revolver first." {
		t.Errorf("response = %+v", resp)
	}
}

func TestAskQuestionFailsOverToSecondary(t *testing.T) {
	primary := &stubAnswerer{name: "groq", err: errors.New("rate limited")}
	secondary := &stubAnswerer{name: "watsonx", answer: provider.Answer{Answer: "Cut discretionary spend."}}
	ts := newTestServer(t, primary, secondary)

	ts.mock.ExpectQuery(`SELECT .+ FROM reports\s+WHERE access_token`).
		WithArgs("tok-1").
		WillReturnRows(reportRow(uuid.New(), "tok-1", "ready", []byte(`{}`)))

	rec := ts.request(t, http.MethodPost, "/api/reports/tok-1/question",
		map[string]string{"question": "Where do we start?"})

	var resp struct {
		Provider string `json:"provider"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Provider != "watsonx" {
		t.Errorf("provider = %q, want watsonx", resp.Provider)
	}
}

func TestAskQuestionHeuristicFallback(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	ts.mock.ExpectQuery(`SELECT .+ FROM reports\s+WHERE access_token`).
		WithArgs("tok-1").
		WillReturnRows(reportRow(uuid.New(), "tok-1", "ready", []byte(`{}`)))

	rec := ts.request(t, http.MethodPost, "/api/reports/tok-1/question",
		map[string]string{"question": "Where do we start?"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Answer   string `json:"answer"`
		Provider string `json:"provider"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Provider != "heuristic" || resp.Answer == "" {
		t.Errorf("response = %+v", resp)
	}
}

func TestAskQuestionReportNotReady(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	ts.mock.ExpectQuery(`SELECT .+ FROM reports\s+WHERE access_token`).
		WithArgs("tok-1").
		WillReturnRows(reportRow(uuid.New(), "tok-1", "pending", nil))

	rec := ts.request(t, http.MethodPost, "/api/reports/tok-1/question",
		map[string]string{"question": "Where do we start?"})

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	rec := ts.request(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
