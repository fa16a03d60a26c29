package localmodel

import "math"

// Flag thresholds for the narrative-vs-numbers cross-check. The external risk
// score is on a 0–100 scale; model probabilities are on [0, 1].
const (
	overstateProbabilityCeiling = 0.45
	overstateRiskScoreFloor     = 65.0
)

// SanityInput carries everything the cross-check needs. Simulation fields
// come from the external risk/simulation subsystem and are read, never
// recomputed.
type SanityInput struct {
	Metrics              map[string]float64
	MacroStressScore     float64
	QualitativeIntensity float64
	FailingRiskScore     float64 // externally computed, 0–100

	// AdjustedMetrics is the counterfactual metric map from the simulation.
	// Nil means "no counterfactual" and the baseline metrics are reused.
	AdjustedMetrics map[string]float64

	// ImprovementPct is the simulation's reported improvement percentage.
	ImprovementPct float64
}

// SanityCheck is the structured output of Check. It always carries all
// fields; the flags list is never empty.
type SanityCheck struct {
	FailureProbability        float64            `json:"failure_probability"`
	CounterfactualProbability float64            `json:"counterfactual_probability"`
	TopNumericDrivers         []string           `json:"top_numeric_drivers"`
	NarrativeAlignmentFlags   []string           `json:"narrative_alignment_flags"`
	FeatureValues             map[string]float64 `json:"feature_values"`
}

// Check runs the model on the as-is metrics and on the counterfactual, then
// flags the places where the narrative and the numbers pull apart:
//
//   - The model sees modest distress but the external risk score is high —
//     the narrative may be overstating.
//   - The model's own before/after ordering disagrees with the simulation's
//     reported improvement sign.
//
// Check never fails: it runs locally against an already-trained model, so
// there is no error return, only a best-effort structure.
func (m *AnalystModel) Check(in SanityInput) SanityCheck {
	before := m.Predict(in.Metrics, in.MacroStressScore, in.QualitativeIntensity)

	counterfactual := in.AdjustedMetrics
	if counterfactual == nil {
		counterfactual = in.Metrics
	}
	after := m.Predict(counterfactual, in.MacroStressScore, in.QualitativeIntensity)

	var flags []string
	if before.RiskProbability < overstateProbabilityCeiling && in.FailingRiskScore > overstateRiskScoreFloor {
		flags = append(flags, "Narrative may overstate distress relative to local probability.")
	}
	if before.RiskProbability > after.RiskProbability && in.ImprovementPct <= 0 {
		flags = append(flags, "Counterfactual narrative conflicts with local risk delta.")
	}
	if len(flags) == 0 {
		flags = append(flags, "Narrative broadly aligns with metric-derived distress profile.")
	}

	return SanityCheck{
		FailureProbability:        round4(before.RiskProbability),
		CounterfactualProbability: round4(after.RiskProbability),
		TopNumericDrivers:         before.TopDrivers,
		NarrativeAlignmentFlags:   flags,
		FeatureValues:             before.FeatureValues,
	}
}

// Payload renders the check as the loosely-typed map shape providers receive
// in their synthesis context.
func (c SanityCheck) Payload() map[string]any {
	return map[string]any{
		"failure_probability":        c.FailureProbability,
		"counterfactual_probability": c.CounterfactualProbability,
		"top_numeric_drivers":        c.TopNumericDrivers,
		"narrative_alignment_flags":  c.NarrativeAlignmentFlags,
		"feature_values":             c.FeatureValues,
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
