// Package council implements the collaborative reasoning council: the
// orchestration that runs the primary draft, the secondary critique, and the
// local statistical sanity check, synthesizes a consensus with automatic
// failover, and normalizes the result into a strict schema.
//
// The package guarantees totality: Run always returns a fully populated
// Output no matter how many providers fail. Degraded confidence and the
// per-provider error strings in ModelBreakdown are the only failure signal.
package council

import (
	"github.com/tgwilson/forensic-council-backend/internal/evidence"
	"github.com/tgwilson/forensic-council-backend/internal/provider"
)

// SchemaVersion participates in the cache key so that a schema change never
// serves a stale shape from a long-lived process.
const SchemaVersion = "v2"

// Provider keys used in ModelBreakdown.
const (
	ProviderPrimary   = "primary"
	ProviderSecondary = "secondary"
	ProviderLocal     = "local"
)

// placeholderText fills any string field the providers left blank. Renderers
// can rely on it being present instead of branching on absence.
const placeholderText = "Evidence unavailable"

// EvidenceClaim is one failure driver with its citations. Every entry in
// EvidenceIDs refers to a snippet in the evidence bundle the claim was
// produced against; claims that lose all citations during repair carry
// confidence of at most 0.45.
type EvidenceClaim struct {
	Driver      string  `json:"driver"`
	EvidenceIDs []int   `json:"evidence_ids"`
	Confidence  float64 `json:"confidence"`
}

// StrategyClaim is one survivor strategy, with the same citation contract as
// EvidenceClaim.
type StrategyClaim struct {
	Strategy    string  `json:"strategy"`
	EvidenceIDs []int   `json:"evidence_ids"`
	Confidence  float64 `json:"confidence"`
}

// Recommendation is prescriptive rather than evidentiary, so it carries no
// evidence IDs.
type Recommendation struct {
	Action         string  `json:"action"`
	ExpectedEffect string  `json:"expected_effect"`
	Confidence     float64 `json:"confidence"`
}

// Disagreement records where two or more providers disagreed. Only the
// synthesis stage produces these; nothing downstream invents them.
type Disagreement struct {
	Topic       string `json:"topic"`
	GroqView    string `json:"groq_view"`
	WatsonxView string `json:"watsonx_view"`
	LocalView   string `json:"local_view"`
}

// CounterfactualImpact carries the external risk subsystem's before/after
// scores through unchanged.
type CounterfactualImpact struct {
	BeforeScore    float64 `json:"before_score"`
	AfterScore     float64 `json:"after_score"`
	ImprovementPct float64 `json:"improvement_pct"`
}

// SignalSummary describes how much evidence the council had to work with.
// Attached to every breakdown entry so a reviewer can judge whether a thin
// answer came from a thin bundle.
type SignalSummary struct {
	SnippetCount int                `json:"snippet_count"`
	SourceCount  int                `json:"source_count"`
	Channels     []evidence.Channel `json:"channels"`
}

// ModelBreakdownEntry reports what one provider contributed. Present for all
// three provider keys even when a provider was skipped or failed — an entry
// with empty Raw and a populated Errors string.
type ModelBreakdownEntry struct {
	Raw           provider.Payload `json:"raw"`
	LatencyMS     int64            `json:"latency_ms"`
	Errors        string           `json:"errors,omitempty"`
	SignalSummary SignalSummary    `json:"signal_summary"`
}

// Output is the root council artifact. Always fully populated: list fields
// fall back to a single placeholder entry rather than being empty (except
// Disagreements, which only synthesis may produce), so renderers never
// branch on absence.
type Output struct {
	SchemaVersion        string                         `json:"schema_version"`
	ExecutiveSummary     string                         `json:"executive_summary"`
	FailureDrivers       []EvidenceClaim                `json:"failure_drivers"`
	SurvivorStrategies   []StrategyClaim                `json:"survivor_strategies"`
	CounterfactualImpact CounterfactualImpact           `json:"counterfactual_impact"`
	Disagreements        []Disagreement                 `json:"disagreements"`
	FinalRecommendations []Recommendation               `json:"final_recommendations"`
	OverallConfidence    float64                        `json:"overall_confidence"`
	ModelBreakdown       map[string]ModelBreakdownEntry `json:"model_breakdown"`
	SignalSummary        SignalSummary                  `json:"signal_summary"`
}

// summarizeSignals builds the SignalSummary for a bundle.
func summarizeSignals(bundle evidence.Bundle) SignalSummary {
	channels := bundle.Channels()
	if channels == nil {
		channels = []evidence.Channel{}
	}
	return SignalSummary{
		SnippetCount: len(bundle.Snippets),
		SourceCount:  bundle.SourceCount(),
		Channels:     channels,
	}
}
