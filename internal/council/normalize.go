package council

import (
	"math"
	"strconv"
	"strings"

	"github.com/tgwilson/forensic-council-backend/internal/evidence"
	"github.com/tgwilson/forensic-council-backend/internal/provider"
)

// List size bounds from the output schema.
const (
	maxFailureDrivers     = 5
	maxSurvivorStrategies = 5
	maxDisagreements      = 6
	maxRecommendations    = 5
)

// Normalize coerces a loosely-typed payload — real synthesis output or the
// deterministic consensus fallback — into an Output that satisfies every
// field-level invariant: strings defaulted, confidences clamped to [0, 1],
// lists truncated to their maximums and padded with a placeholder entry when
// empty, evidence IDs filtered to positive deduplicated integers, nested
// objects present even when the payload omitted them.
//
// Pure function: no side effects, no network, no provider access. This is
// the single choke point that lets the rest of the system trust the schema.
func Normalize(payload provider.Payload) Output {
	raw := payload
	if raw == nil {
		raw = provider.Payload{}
	}

	out := Output{
		SchemaVersion:        SchemaVersion,
		ExecutiveSummary:     stringOr(raw["executive_summary"], placeholderText),
		FailureDrivers:       normalizeDrivers(asList(raw["failure_drivers"])),
		SurvivorStrategies:   normalizeStrategies(asList(raw["survivor_strategies"])),
		CounterfactualImpact: normalizeCounterfactual(asMap(raw["counterfactual_impact"])),
		Disagreements:        normalizeDisagreements(asList(raw["disagreements"])),
		FinalRecommendations: normalizeRecommendations(asList(raw["final_recommendations"])),
		OverallConfidence:    round3(clamp01(coerceFloat(raw["overall_confidence"], 0))),
		ModelBreakdown:       normalizeBreakdown(asMap(raw["model_breakdown"])),
		SignalSummary:        normalizeSignalSummary(asMap(raw["signal_summary"])),
	}

	if len(out.FailureDrivers) == 0 {
		out.FailureDrivers = []EvidenceClaim{{Driver: placeholderText, EvidenceIDs: []int{}, Confidence: 0.2}}
	}
	if len(out.SurvivorStrategies) == 0 {
		out.SurvivorStrategies = []StrategyClaim{{Strategy: placeholderText, EvidenceIDs: []int{}, Confidence: 0.2}}
	}
	if len(out.FinalRecommendations) == 0 {
		out.FinalRecommendations = []Recommendation{{Action: placeholderText, ExpectedEffect: placeholderText, Confidence: 0.2}}
	}
	if out.Disagreements == nil {
		// Disagreements are never invented downstream, so no placeholder —
		// but the list is present.
		out.Disagreements = []Disagreement{}
	}

	return out
}

func normalizeDrivers(rows []any) []EvidenceClaim {
	var out []EvidenceClaim
	for _, row := range rows {
		m := asMap(row)
		if m == nil {
			continue
		}
		out = append(out, EvidenceClaim{
			Driver:      stringOr(m["driver"], placeholderText),
			EvidenceIDs: cleanEvidenceIDs(m["evidence_ids"]),
			Confidence:  clamp01(coerceFloat(m["confidence"], 0)),
		})
		if len(out) == maxFailureDrivers {
			break
		}
	}
	return out
}

func normalizeStrategies(rows []any) []StrategyClaim {
	var out []StrategyClaim
	for _, row := range rows {
		m := asMap(row)
		if m == nil {
			continue
		}
		out = append(out, StrategyClaim{
			Strategy:    stringOr(m["strategy"], placeholderText),
			EvidenceIDs: cleanEvidenceIDs(m["evidence_ids"]),
			Confidence:  clamp01(coerceFloat(m["confidence"], 0)),
		})
		if len(out) == maxSurvivorStrategies {
			break
		}
	}
	return out
}

func normalizeDisagreements(rows []any) []Disagreement {
	var out []Disagreement
	for _, row := range rows {
		m := asMap(row)
		if m == nil {
			continue
		}
		out = append(out, Disagreement{
			Topic:       stringOr(m["topic"], "Open issue"),
			GroqView:    stringOr(m["groq_view"], ""),
			WatsonxView: stringOr(m["watsonx_view"], ""),
			LocalView:   stringOr(m["local_view"], ""),
		})
		if len(out) == maxDisagreements {
			break
		}
	}
	return out
}

func normalizeRecommendations(rows []any) []Recommendation {
	var out []Recommendation
	for _, row := range rows {
		m := asMap(row)
		if m == nil {
			continue
		}
		out = append(out, Recommendation{
			Action:         stringOr(m["action"], placeholderText),
			ExpectedEffect: stringOr(m["expected_effect"], placeholderText),
			Confidence:     clamp01(coerceFloat(m["confidence"], 0)),
		})
		if len(out) == maxRecommendations {
			break
		}
	}
	return out
}

func normalizeCounterfactual(m map[string]any) CounterfactualImpact {
	return CounterfactualImpact{
		BeforeScore:    coerceFloat(m["before_score"], 0),
		AfterScore:     coerceFloat(m["after_score"], 0),
		ImprovementPct: coerceFloat(m["improvement_pct"], 0),
	}
}

func normalizeSignalSummary(m map[string]any) SignalSummary {
	channels := []evidence.Channel{}
	for _, v := range asList(m["channels"]) {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			channels = append(channels, evidence.Channel(strings.TrimSpace(s)))
		}
	}
	return SignalSummary{
		SnippetCount: coerceInt(m["snippet_count"], 0),
		SourceCount:  coerceInt(m["source_count"], 0),
		Channels:     channels,
	}
}

// normalizeBreakdown guarantees one entry per provider key regardless of
// what the payload carried.
func normalizeBreakdown(m map[string]any) map[string]ModelBreakdownEntry {
	out := make(map[string]ModelBreakdownEntry, 3)
	for _, key := range []string{ProviderPrimary, ProviderSecondary, ProviderLocal} {
		entry := asMap(m[key])
		latency := int64(coerceInt(entry["latency_ms"], 0))
		if latency < 0 {
			latency = 0
		}
		raw := asMap(entry["raw"])
		if raw == nil {
			raw = provider.Payload{}
		}
		out[key] = ModelBreakdownEntry{
			Raw:           raw,
			LatencyMS:     latency,
			Errors:        stringOr(entry["errors"], ""),
			SignalSummary: normalizeSignalSummary(asMap(entry["signal_summary"])),
		}
	}
	return out
}

// ─── COERCION HELPERS ────────────────────────────────────────────────────────

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asList(v any) []any {
	switch l := v.(type) {
	case []any:
		return l
	case []string:
		// Internally built payloads use concrete slices; widen them here so
		// the coercion path is uniform.
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out
	case []map[string]any:
		out := make([]any, len(l))
		for i, m := range l {
			out[i] = m
		}
		return out
	}
	return nil
}

// stringOr trims the value and returns fallback for anything missing, blank,
// or not a string.
func stringOr(v any, fallback string) string {
	s, ok := v.(string)
	if !ok {
		return fallback
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	return s
}

// coerceFloat accepts the numeric shapes JSON decoding and provider payloads
// produce: float64, int variants, and numeric strings.
func coerceFloat(v any, fallback float64) float64 {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return fallback
		}
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f
		}
	}
	return fallback
}

func coerceInt(v any, fallback int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return fallback
		}
		return int(n)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i
		}
	}
	return fallback
}

// cleanEvidenceIDs filters a loose list down to positive deduplicated
// integers in first-seen order.
func cleanEvidenceIDs(v any) []int {
	out := []int{}
	for _, item := range asList(v) {
		id := coerceInt(item, 0)
		if id <= 0 {
			continue
		}
		seen := false
		for _, existing := range out {
			if existing == id {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, id)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
