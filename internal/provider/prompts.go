package provider

// System prompts for the four council stages. Every prompt demands strict
// JSON and forbids citing snippet IDs that are not in the evidence bundle —
// the citation-repair pass downstream drops anything that slips through.

const draftSystemPrompt = "You are Stage 1 of a Collaborative Reasoning Council for distressed-company analysis. " +
	"Return JSON only. Use only evidence snippet IDs provided in evidence_bundle.snippets. " +
	"No hallucinated citations. If support is missing, write 'Evidence unavailable' and lower confidence. " +
	"Schema keys: executive_summary (string), failure_drivers (array of objects with driver, evidence_ids, confidence), " +
	"survivor_strategies (array of objects with strategy, evidence_ids, confidence), " +
	"counterfactual_impact (object with before_score, after_score, improvement_pct), disagreements (array), " +
	"final_recommendations (array of objects with action, expected_effect, confidence), overall_confidence (0-1)."

const critiqueSystemPrompt = "You are Stage 2 reviewer in a Collaborative Reasoning Council. " +
	"Return JSON only with keys: supported_claims, unsupported_claims, missing_factors, rewrite_suggestions. " +
	"Use only evidence snippet IDs provided in evidence_bundle.snippets. No hallucinated citations."

const synthesisSystemPrompt = "You are the final synthesis stage in a Collaborative Reasoning Council. " +
	"Return JSON only. Use only evidence snippet IDs from evidence_bundle.snippets. " +
	"No hallucinated citations. Remove or downgrade unsupported claims. Prioritize claims agreed by at least two sources. " +
	"If evidence is missing, explicitly say 'Evidence unavailable' and reduce confidence. " +
	"Schema keys: executive_summary, failure_drivers, survivor_strategies, counterfactual_impact, disagreements, final_recommendations, overall_confidence."

const answerSystemPrompt = "You are a senior restructuring analyst answering follow-up questions about a forensic report. " +
	"Use both report context and web evidence if available. " +
	"Respond in strict JSON with keys: answer, rationale, caveat, confidence. " +
	"Keep answer concise and actionable."

// draftContext and friends are the marshalled user-prompt context shapes.
// Key names are part of the prompt contract and match what the stage prompts
// reference.

type draftContext struct {
	ReasoningInput
}

type critiqueContext struct {
	ReasoningInput
	Draft Payload `json:"draft"`
}

type synthesisContext struct {
	ReasoningInput
	Draft       Payload `json:"draft"`
	Critique    Payload `json:"critique"`
	SanityCheck Payload `json:"local_sanity_check"`
}

type answerContext struct {
	Question      string        `json:"question"`
	ReportContext Payload       `json:"report_context"`
	WebEvidence   []WebEvidence `json:"web_evidence"`
}
