package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tgwilson/forensic-council-backend/internal/council"
	"github.com/tgwilson/forensic-council-backend/internal/evidence"
	"github.com/tgwilson/forensic-council-backend/internal/search"
	"github.com/tgwilson/forensic-council-backend/internal/store"
)

// ReportRequest is the JSON payload stored with a report row and replayed by
// the job. It is the durable form of a council input: everything the
// pipeline needs except the web evidence, which is fetched fresh per run.
type ReportRequest struct {
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

// Job holds the dependencies for the intelligence-and-council pipeline. Each
// step is a separate method so they can be tested independently and so the
// Run method reads like a checklist.
type Job struct {
	store    *store.Store
	council  *council.Council
	searcher search.Searcher
	logger   *slog.Logger
}

// NewJob constructs a Job with all required dependencies. searcher may be a
// disabled client; the pipeline then runs on deterministic signals only.
func NewJob(st *store.Store, c *council.Council, searcher search.Searcher, logger *slog.Logger) *Job {
	return &Job{
		store:    st,
		council:  c,
		searcher: searcher,
		logger:   logger,
	}
}

// Run executes the full pipeline for a single report:
//
//  1. Claim the report (pending → processing).
//  2. Decode the stored request payload.
//  3. Fetch web intelligence and build the evidence bundle.
//  4. Run the council.
//  5. Finalize the report with the normalized output.
//
// Any error is returned to the Runner, which retries up to MaxRetries times
// before calling store.MarkReportFailed. Council failures never reach here:
// Run only fails on storage or payload problems.
func (j *Job) Run(ctx context.Context, reportID uuid.UUID) error {
	log := j.logger.With("report_id", reportID)
	log.Info("job: starting")

	// ── 1. Claim ──────────────────────────────────────────────────────────────
	report, err := j.store.ClaimReport(ctx, reportID)
	if errors.Is(err, store.ErrReportNotClaimable) {
		existing, getErr := j.store.GetReportByID(ctx, reportID)
		if getErr != nil {
			return fmt.Errorf("job: load unclaimable report: %w", getErr)
		}
		switch existing.Status {
		case store.StatusReady, store.StatusError:
			log.Debug("job: report already finished", "status", existing.Status)
			return nil
		default:
			// Processing row from our own earlier attempt. The pipeline is
			// at-least-once: FinalizeReport is idempotent, so continuing is
			// safe.
			report = existing
		}
	} else if err != nil {
		return fmt.Errorf("job: claim report: %w", err)
	}

	// ── 2. Decode the request ─────────────────────────────────────────────────
	var req ReportRequest
	if err := json.Unmarshal(report.RequestJSON, &req); err != nil {
		// A payload that cannot be decoded will never succeed. Fail the
		// report directly rather than burning retries.
		if _, markErr := j.store.MarkReportFailed(ctx, reportID, "invalid request payload: "+err.Error()); markErr != nil {
			return fmt.Errorf("job: mark undecodable report failed: %w", markErr)
		}
		log.Error("job: request payload undecodable", "error", err)
		return nil
	}

	// ── 3. Gather evidence ────────────────────────────────────────────────────
	intel := search.FetchIntelligence(ctx, j.searcher,
		req.CompanyProfile.Name, req.CompanyProfile.Ticker, req.CompanyProfile.Industry, log)
	bundle := evidence.Build(intel.Channels)
	log.Debug("job: evidence gathered",
		"snippets", len(bundle.Snippets),
		"channels", len(bundle.Channels()),
		"macro_stress", intel.MacroStressScore,
	)

	macroStress := req.MacroStressScore
	if macroStress == 0 {
		macroStress = intel.MacroStressScore
	}
	qualIntensity := req.QualitativeIntensity
	if qualIntensity == 0 {
		qualIntensity = qualitativeIntensity(bundle)
	}

	// ── 4. Run the council ────────────────────────────────────────────────────
	out := j.council.Run(ctx, council.Input{
		CompanyProfile:       req.CompanyProfile,
		Metrics:              req.Metrics,
		PeerSummary:          req.PeerSummary,
		Evidence:             bundle,
		Simulation:           req.Simulation,
		Recommendations:      req.Recommendations,
		FailingRiskScore:     req.FailingRiskScore,
		MacroStressScore:     macroStress,
		QualitativeIntensity: qualIntensity,
		FailureYear:          req.FailureYear,
		SynthesisProvider:    req.SynthesisProvider,
	})

	// ── 5. Persist ────────────────────────────────────────────────────────────
	outputJSON, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("job: marshal council output: %w", err)
	}
	final, err := j.store.FinalizeReport(ctx, reportID, outputJSON)
	if err != nil {
		return fmt.Errorf("job: finalize report: %w", err)
	}

	log.Info("job: report ready",
		"overall_confidence", out.OverallConfidence,
		"access_token", final.AccessToken,
	)
	return nil
}

// qualitativeIntensity derives a [0, 1] intensity from how much qualitative
// distress text the bundle carries when the request did not supply one.
func qualitativeIntensity(bundle evidence.Bundle) float64 {
	count := 0
	for _, item := range bundle.Snippets {
		if item.Label == evidence.ChannelQualitative {
			count++
		}
	}
	intensity := float64(count) / 8.0
	if intensity > 1 {
		return 1
	}
	return intensity
}
