// Package localmodel trains a lightweight distress classifier at startup and
// uses it to cross-check council narratives against the numbers. Everything
// here runs in-process with no network dependency, which is what lets the
// sanity check promise a best-effort result even when every LLM provider is
// down.
package localmodel

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Feature order is fixed; weights, scaler parameters, and driver labels all
// index into this list.
var features = []string{
	"debt_to_equity",
	"current_ratio",
	"burn_ratio",
	"revenue_growth",
	"macro_stress",
	"qualitative_intensity",
}

// driverLabels maps a feature to the analyst-facing phrasing used in
// top-driver explanations.
var driverLabels = map[string]string{
	"debt_to_equity":        "Leverage pressure",
	"current_ratio":         "Liquidity cushion",
	"burn_ratio":            "Cash burn intensity",
	"revenue_growth":        "Revenue momentum",
	"macro_stress":          "Macro pressure",
	"qualitative_intensity": "Distress language intensity",
}

// Neutral defaults for metrics the caller could not compute. Documented here
// because the council contract treats a missing metric as "use the neutral
// default", never as an error.
const (
	defaultDebtToEquity = 1.6
	defaultCurrentRatio = 1.1
	defaultRevenue      = 1_000_000_000.0
)

// Result is one prediction from the analyst model.
type Result struct {
	RiskProbability float64
	Label           string
	TopDrivers      []string
	FeatureValues   map[string]float64
}

// AnalystModel is a standardized logistic-regression classifier fit on a
// synthetic distressed-vs-survivor corpus. The synthetic corpus emulates the
// supervisory signal: high leverage, thin liquidity, heavy burn, shrinking
// revenue, macro stress, and distress-heavy language all push toward failure.
//
// Training is deterministic for a given seed, so two processes started with
// the same configuration score identically.
type AnalystModel struct {
	seed    int64
	means   []float64
	stddevs []float64
	weights []float64
	bias    float64
	trained bool
}

// New returns an untrained model. Predict trains it lazily with the default
// corpus size if Train was never called.
func New(seed int64) *AnalystModel {
	return &AnalystModel{seed: seed}
}

// Train fits the scaler and classifier on nSamples synthetic observations.
// Cheap enough to run at process start (a few thousand samples, a few hundred
// gradient steps).
func (m *AnalystModel) Train(nSamples int) {
	if nSamples <= 0 {
		nSamples = 6000
	}
	rng := rand.New(rand.NewSource(m.seed))

	x := make([][]float64, nSamples)
	labels := make([]float64, nSamples)

	for i := range nSamples {
		debtToEquity := rng.Float64() * 6.0
		currentRatio := 0.3 + rng.Float64()*2.7
		burnRatio := rng.Float64() * 0.9
		revenueGrowth := -0.6 + rng.Float64()
		macroStress := 15 + rng.Float64()*85
		qualIntensity := float64(rng.Intn(7))

		latent := 1.25*debtToEquity -
			1.10*currentRatio +
			1.45*burnRatio -
			2.00*revenueGrowth +
			0.022*macroStress +
			0.35*qualIntensity -
			2.4
		noise := rng.NormFloat64() * 0.65
		if sigmoid(latent+noise) > 0.5 {
			labels[i] = 1
		}

		x[i] = []float64{debtToEquity, currentRatio, burnRatio, revenueGrowth, macroStress, qualIntensity}
	}

	m.fitScaler(x)
	for i := range x {
		m.standardizeInPlace(x[i])
	}
	m.fit(x, labels)
	m.trained = true
}

// fitScaler computes per-feature mean and standard deviation.
func (m *AnalystModel) fitScaler(x [][]float64) {
	n := len(features)
	m.means = make([]float64, n)
	m.stddevs = make([]float64, n)

	col := make([]float64, len(x))
	for j := range n {
		for i := range x {
			col[i] = x[i][j]
		}
		m.means[j] = stat.Mean(col, nil)
		m.stddevs[j] = stat.StdDev(col, nil)
		if m.stddevs[j] == 0 {
			m.stddevs[j] = 1
		}
	}
}

func (m *AnalystModel) standardizeInPlace(row []float64) {
	for j := range row {
		row[j] = (row[j] - m.means[j]) / m.stddevs[j]
	}
}

// fit runs full-batch gradient descent on the logistic loss. On standardized
// features a fixed step size converges comfortably within the iteration cap.
func (m *AnalystModel) fit(x [][]float64, labels []float64) {
	const (
		iterations = 500
		step       = 0.5
	)
	n := float64(len(x))
	m.weights = make([]float64, len(features))
	m.bias = 0

	grad := make([]float64, len(features))
	for range iterations {
		for j := range grad {
			grad[j] = 0
		}
		gradBias := 0.0

		for i, row := range x {
			p := sigmoid(floats.Dot(m.weights, row) + m.bias)
			diff := p - labels[i]
			for j := range row {
				grad[j] += diff * row[j]
			}
			gradBias += diff
		}

		for j := range m.weights {
			m.weights[j] -= step * grad[j] / n
		}
		m.bias -= step * gradBias / n
	}
}

// Predict scores one company. Missing metrics fall back to the documented
// neutral defaults; cash burn is expressed as a ratio of revenue and clamped
// to [0, 1].
func (m *AnalystModel) Predict(metrics map[string]float64, macroStressScore, qualitativeIntensity float64) Result {
	if !m.trained {
		m.Train(0)
	}

	raw := m.vectorize(metrics, macroStressScore, qualitativeIntensity)

	featureValues := make(map[string]float64, len(features))
	for j, name := range features {
		featureValues[name] = raw[j]
	}

	z := make([]float64, len(raw))
	copy(z, raw)
	m.standardizeInPlace(z)

	prob := sigmoid(floats.Dot(m.weights, z) + m.bias)

	label := "Lower Distress"
	switch {
	case prob >= 0.6:
		label = "High Distress"
	case prob >= 0.4:
		label = "Moderate Distress"
	}

	return Result{
		RiskProbability: prob,
		Label:           label,
		TopDrivers:      m.topDrivers(z),
		FeatureValues:   featureValues,
	}
}

// vectorize maps the flat metric map onto the fixed feature order.
func (m *AnalystModel) vectorize(metrics map[string]float64, macroStressScore, qualitativeIntensity float64) []float64 {
	debtToEquity := metricOr(metrics, "debt_to_equity", defaultDebtToEquity)
	currentRatio := metricOr(metrics, "current_ratio", defaultCurrentRatio)
	cashBurn := metricOr(metrics, "cash_burn", 0)
	revenue := math.Abs(metricOr(metrics, "revenue", defaultRevenue))
	revenueGrowth := metricOr(metrics, "revenue_growth", 0)

	burnRatio := 0.5
	if revenue > 0 {
		burnRatio = math.Min(1, math.Max(0, cashBurn/revenue))
	}

	return []float64{debtToEquity, currentRatio, burnRatio, revenueGrowth, macroStressScore, qualitativeIntensity}
}

// topDrivers ranks features by the magnitude of their standardized
// contribution and phrases the top three for analysts.
func (m *AnalystModel) topDrivers(z []float64) []string {
	type contribution struct {
		idx   int
		value float64
	}
	contributions := make([]contribution, len(z))
	for j := range z {
		contributions[j] = contribution{idx: j, value: z[j] * m.weights[j]}
	}
	// Selection sort by |contribution| descending; six elements, no need for
	// sort.Slice allocation games.
	for i := 0; i < len(contributions); i++ {
		best := i
		for j := i + 1; j < len(contributions); j++ {
			if math.Abs(contributions[j].value) > math.Abs(contributions[best].value) {
				best = j
			}
		}
		contributions[i], contributions[best] = contributions[best], contributions[i]
	}

	drivers := make([]string, 0, 3)
	for _, c := range contributions[:3] {
		direction := "reducing"
		if c.value > 0 {
			direction = "increasing"
		}
		drivers = append(drivers, fmt.Sprintf("%s is %s risk.", driverLabels[features[c.idx]], direction))
	}
	return drivers
}

// metricOr treats both an absent key and a zero value as "not computed".
// Statement parsers upstream emit zero for metrics they could not derive, so
// zero and missing are deliberately indistinguishable here.
func metricOr(metrics map[string]float64, key string, fallback float64) float64 {
	if v, ok := metrics[key]; ok && v != 0 {
		return v
	}
	return fallback
}

func sigmoid(v float64) float64 {
	return 1.0 / (1.0 + math.Exp(-v))
}
