package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tgwilson/forensic-council-backend/internal/council"
	"github.com/tgwilson/forensic-council-backend/internal/store"
	"github.com/tgwilson/forensic-council-backend/internal/worker"
)

// ─── POST /api/reports ───────────────────────────────────────────────────────

// createReportRequest mirrors worker.ReportRequest field for field so the
// stored payload is exactly what the client sent, after validation.
type createReportRequest struct {
	CompanyProfile       council.CompanyProfile `json:"company_profile"`
	Metrics              map[string]float64     `json:"metrics"`
	PeerSummary          council.PeerSummary    `json:"peer_summary"`
	Simulation           council.Simulation     `json:"simulation"`
	Recommendations      []string               `json:"recommendations"`
	FailingRiskScore     float64                `json:"failing_risk_score"`
	MacroStressScore     float64                `json:"macro_stress_score"`
	QualitativeIntensity float64                `json:"qualitative_intensity"`
	FailureYear          int                    `json:"failure_year"`
	SynthesisProvider    string                 `json:"synthesis_provider,omitempty"`
}

func (req *createReportRequest) validate() error {
	var errs []error
	if strings.TrimSpace(req.CompanyProfile.Name) == "" {
		errs = append(errs, errors.New("company_profile.name is required"))
	}
	if strings.TrimSpace(req.CompanyProfile.Ticker) == "" {
		errs = append(errs, errors.New("company_profile.ticker is required"))
	}
	if req.FailingRiskScore < 0 || req.FailingRiskScore > 100 {
		errs = append(errs, errors.New("failing_risk_score must be within 0-100"))
	}
	if req.MacroStressScore < 0 || req.MacroStressScore > 100 {
		errs = append(errs, errors.New("macro_stress_score must be within 0-100"))
	}
	return errors.Join(errs...)
}

type createReportResponse struct {
	ReportID    string `json:"report_id"`
	AccessToken string `json:"access_token"`
	Status      string `json:"status"`
}

// handleCreateReport stores a pending report request and enqueues the
// council job. The response carries the access token the client polls with;
// a full enqueue channel is not an error because the recovery poller will
// pick the row up.
func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	var req createReportRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.validate(); err != nil {
		respondErr(w, http.StatusBadRequest, err.Error())
		return
	}

	stored := worker.ReportRequest(req)
	if strings.TrimSpace(stored.SynthesisProvider) == "" {
		stored.SynthesisProvider = s.cfg.SynthesisProvider
	}
	payload, err := json.Marshal(stored)
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("marshal report request: %w", err))
		return
	}

	report, err := s.store.CreateReport(r.Context(), store.CreateReportParams{
		CompanyName: req.CompanyProfile.Name,
		Ticker:      req.CompanyProfile.Ticker,
		Request:     payload,
	})
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("create report: %w", err))
		return
	}

	if err := s.worker.Enqueue(r.Context(), report.ID); err != nil {
		s.logger.Warn("api: enqueue failed, poller will recover",
			"report_id", report.ID, "error", err)
	}

	respond(w, http.StatusAccepted, createReportResponse{
		ReportID:    report.ID.String(),
		AccessToken: report.AccessToken,
		Status:      string(report.Status),
	})
}

// ─── GET /api/reports/:accessToken ───────────────────────────────────────────

type reportResponse struct {
	ReportID     string          `json:"report_id"`
	Status       string          `json:"status"`
	CompanyName  string          `json:"company_name"`
	Ticker       string          `json:"ticker"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	GeneratedAt  string          `json:"generated_at,omitempty"`
}

// handleGetReport serves a council report. The access token is the only
// credential — no session authentication.
//
// Returns 404 for an unknown token and 202 Accepted while the report is
// still pending or processing so the frontend can poll. A failed report is
// served with 200 and its error message: the failure is a final state of the
// resource, not of this request.
func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	accessToken := chi.URLParam(r, "accessToken")
	if accessToken == "" {
		respondErr(w, http.StatusBadRequest, "missing access token")
		return
	}

	row, err := s.store.GetReportByAccessToken(r.Context(), accessToken)
	if errors.Is(err, store.ErrReportNotFound) {
		respondErr(w, http.StatusNotFound, "report not found")
		return
	}
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("get report: %w", err))
		return
	}

	if row.Status == store.StatusPending || row.Status == store.StatusProcessing {
		respond(w, http.StatusAccepted, map[string]string{
			"status":  string(row.Status),
			"message": "report is being generated, please check back shortly",
		})
		return
	}

	resp := reportResponse{
		ReportID:    row.ID.String(),
		Status:      string(row.Status),
		CompanyName: row.CompanyName,
		Ticker:      row.Ticker,
		GeneratedAt: row.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
	if row.OutputJSON.Valid {
		resp.Output = row.OutputJSON.RawMessage
	}
	if row.ErrorMessage.Valid {
		resp.ErrorMessage = row.ErrorMessage.String
	}
	respond(w, http.StatusOK, resp)
}
