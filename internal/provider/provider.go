// Package provider defines the uniform adapter contract for the reasoning
// backends (Groq as the primary LLM, IBM watsonx as the secondary) and the
// failover chain built on top of them. Adapters either return a structured
// payload or an error — there is no silent-nil return path.
package provider

import (
	"context"
	"strings"

	"github.com/tgwilson/forensic-council-backend/internal/evidence"
)

// Payload is the loosely-typed structured object a reasoning backend returns.
// The council's output normalizer is the single place payloads are coerced
// into the strict report schema; nothing else inspects them defensively.
type Payload = map[string]any

// ReasoningInput is the shared context handed to every council call. Fields
// are serialized verbatim into the prompt context JSON.
type ReasoningInput struct {
	CompanyProfile map[string]any     `json:"company_profile"`
	Metrics        map[string]float64 `json:"metrics"`
	PeerSummary    map[string]any     `json:"peer_summary"`
	Evidence       evidence.Bundle    `json:"evidence_bundle"`
}

// WebEvidence is one snippet+source pair attached to a follow-up question.
type WebEvidence struct {
	Snippet string `json:"snippet"`
	Source  string `json:"source"`
}

// Answer is the structured response to a follow-up question about a report.
type Answer struct {
	Answer     string `json:"answer"`
	Rationale  string `json:"rationale"`
	Caveat     string `json:"caveat"`
	Confidence string `json:"confidence"`
}

// Reasoner is the capability surface of an LLM reasoning backend. Both
// concrete clients implement all four operations; the council checks for a
// nil Reasoner, not for missing methods, so a caller may simply omit the
// secondary provider and the council degrades gracefully.
//
// Implementations must be safe to call concurrently.
type Reasoner interface {
	// Name identifies the backend in logs and error strings ("groq",
	// "watsonx").
	Name() string

	// GenerateDraft produces the stage-1 council draft.
	GenerateDraft(ctx context.Context, in ReasoningInput) (Payload, error)

	// GenerateCritique reviews a draft for evidence grounding.
	GenerateCritique(ctx context.Context, in ReasoningInput, draft Payload) (Payload, error)

	// Synthesize merges draft, critique, and the local sanity check into one
	// consensus payload.
	Synthesize(ctx context.Context, in ReasoningInput, draft, critique, sanity Payload) (Payload, error)

	// AnswerQuestion answers a free-form follow-up question against report
	// context and optional fresh web evidence.
	AnswerQuestion(ctx context.Context, question string, reportContext Payload, webEvidence []WebEvidence) (Answer, error)
}

// CompactError collapses an error message into a single short line suitable
// for storage in a report's per-provider error field.
func CompactError(err error) string {
	if err == nil {
		return ""
	}
	compact := strings.Join(strings.Fields(err.Error()), " ")
	if len(compact) > 260 {
		return compact[:257] + "..."
	}
	return compact
}
