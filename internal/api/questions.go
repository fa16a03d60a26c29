package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tgwilson/forensic-council-backend/internal/provider"
	"github.com/tgwilson/forensic-council-backend/internal/store"
)

// ─── POST /api/reports/:accessToken/question ─────────────────────────────────

type askQuestionRequest struct {
	Question string `json:"question"`
}

type askQuestionResponse struct {
	Answer     string `json:"answer"`
	Rationale  string `json:"rationale,omitempty"`
	Caveat     string `json:"caveat,omitempty"`
	Confidence string `json:"confidence,omitempty"`
	Provider   string `json:"provider"`
}

// fallbackAnswer is served when every reasoning provider is down. Prescribing
// liquidity first is the one answer that is safe for any distressed company.
const fallbackAnswer = "I recommend starting with immediate liquidity stabilization."

// handleAskQuestion answers a free-form follow-up question against a ready
// report. Fresh web evidence is fetched per question; provider failures fall
// through primary → secondary → heuristic, so the endpoint never 502s just
// because the LLMs are down.
func (s *Server) handleAskQuestion(w http.ResponseWriter, r *http.Request) {
	accessToken := chi.URLParam(r, "accessToken")
	if accessToken == "" {
		respondErr(w, http.StatusBadRequest, "missing access token")
		return
	}

	var req askQuestionRequest
	if !decode(w, r, &req) {
		return
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		respondErr(w, http.StatusBadRequest, "question is required")
		return
	}
	if len(question) > 2000 {
		respondErr(w, http.StatusBadRequest, "question is too long")
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
	if row.Status != store.StatusReady {
		respondErr(w, http.StatusConflict, "report is not ready yet")
		return
	}

	reportContext := provider.Payload{}
	if row.OutputJSON.Valid {
		// Best effort: a context-free answer beats a 500 on a corrupt row.
		_ = json.Unmarshal(row.OutputJSON.RawMessage, &reportContext)
	}
	reportContext["company_name"] = row.CompanyName
	reportContext["ticker"] = row.Ticker

	webEvidence := s.questionEvidence(r.Context(), row, question)

	for _, reasoner := range []provider.Reasoner{s.primary, s.secondary} {
		if reasoner == nil {
			continue
		}
		answer, err := reasoner.AnswerQuestion(r.Context(), question, reportContext, webEvidence)
		if err != nil {
			s.logger.Warn("api: question answer failed",
				"provider", reasoner.Name(), "error", err)
			continue
		}
		if strings.TrimSpace(answer.Answer) == "" {
			answer.Answer = fallbackAnswer
		}
		respond(w, http.StatusOK, askQuestionResponse{
			Answer:     answer.Answer,
			Rationale:  answer.Rationale,
			Caveat:     answer.Caveat,
			Confidence: answer.Confidence,
			Provider:   reasoner.Name(),
		})
		return
	}

	respond(w, http.StatusOK, askQuestionResponse{
		Answer:   fallbackAnswer,
		Caveat:   "No reasoning provider was available; this is a heuristic answer.",
		Provider: "heuristic",
	})
}

// questionEvidence fetches fresh snippets for a follow-up question: one
// company-specific search and one industry-pattern search. Search failures
// yield an empty slice, never an error.
func (s *Server) questionEvidence(ctx context.Context, row store.Report, question string) []provider.WebEvidence {
	if s.searcher == nil || !s.searcher.Enabled() {
		return nil
	}

	queries := []string{
		fmt.Sprintf("%s %s %s", row.CompanyName, row.Ticker, question),
		fmt.Sprintf("distressed company survivor strategies %s", question),
	}

	var evidence []provider.WebEvidence
	for _, query := range queries {
		res, err := s.searcher.Search(ctx, query, 4)
		if err != nil {
			s.logger.Warn("api: question evidence fetch failed", "error", err)
			continue
		}
		for i := 0; i < len(res.Snippets) && i < 4; i++ {
			source := ""
			if i < len(res.Sources) {
				source = res.Sources[i]
			}
			evidence = append(evidence, provider.WebEvidence{
				Snippet: res.Snippets[i],
				Source:  source,
			})
		}
	}
	return evidence
}
