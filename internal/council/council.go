package council

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tgwilson/forensic-council-backend/internal/evidence"
	"github.com/tgwilson/forensic-council-backend/internal/localmodel"
	"github.com/tgwilson/forensic-council-backend/internal/provider"
)

// Agreement-confidence weights. The shape of the formula is load-bearing
// (reward redundant agreement and cited claims, penalize recorded conflict,
// never report absolute certainty either way); the exact constants are
// tunable.
const (
	confidenceBase      = 0.25
	primaryWeight       = 0.20
	secondaryWeight     = 0.20
	localWeight         = 0.15
	coverageWeight      = 0.20
	disagreementPenalty = 0.05
	penaltyCap          = 0.25
	confidenceFloor     = 0.05
	confidenceCeiling   = 0.95
)

// FallbackConfidence is the fixed overall confidence of a consensus built
// without any successful synthesis. It is deliberately not recomputed by the
// agreement formula: a deterministic reshuffle of partial outputs should
// never score like a genuine consensus.
const FallbackConfidence = 0.3

// uncitedConfidenceCap bounds the confidence of any claim that ends up with
// zero valid citations after repair.
const uncitedConfidenceCap = 0.45

// defaultStageTimeout bounds each of the two concurrent stage-3 tasks.
const defaultStageTimeout = 60 * time.Second

// CompanyProfile identifies the company under analysis. Name and Ticker also
// form the cache identity.
type CompanyProfile struct {
	Name     string `json:"name"`
	Ticker   string `json:"ticker"`
	Industry string `json:"industry"`
	Sector   string `json:"sector"`
}

// PeerSummary is the survivor-peer comparison computed upstream.
type PeerSummary struct {
	MetricGaps      map[string]float64 `json:"metric_gaps"`
	SurvivorTickers []string           `json:"survivor_tickers"`
}

// Simulation is the counterfactual result from the external risk subsystem.
// The council reads these values; it never recomputes risk.
type Simulation struct {
	AdjustedScore   float64            `json:"adjusted_score"`
	ImprovementPct  float64            `json:"improvement_percentage"`
	AdjustedMetrics map[string]float64 `json:"adjusted_metrics"`
}

// Input is the single structured argument to Run — the sole API surface of
// the council core.
type Input struct {
	CompanyProfile  CompanyProfile
	Metrics         map[string]float64
	PeerSummary     PeerSummary
	Evidence        evidence.Bundle
	Simulation      Simulation
	Recommendations []string

	FailingRiskScore     float64 // externally computed, 0–100
	MacroStressScore     float64 // externally computed, 0–100
	QualitativeIntensity float64
	FailureYear          int // 0 when unknown

	// SynthesisProvider names which provider should run the synthesis stage:
	// "secondary" (default) or "primary". Anything else falls back to
	// whichever provider is configured, with a warning.
	SynthesisProvider string
}

// Config carries the council's injected collaborators.
type Config struct {
	Cache        Cache         // nil gets a fresh MemoryCache
	Logger       *slog.Logger  // nil gets slog.Default()
	StageTimeout time.Duration // zero gets defaultStageTimeout
}

// Council orchestrates one primary reasoner, an optional secondary reasoner,
// and the local analyst model into a consensus report.
type Council struct {
	primary      provider.Reasoner // may be nil
	secondary    provider.Reasoner // may be nil
	local        *localmodel.AnalystModel
	cache        Cache
	logger       *slog.Logger
	stageTimeout time.Duration
}

// New constructs a Council. The local model is required — it is the only
// collaborator with no network dependency and the total-failure path depends
// on it. Either reasoner may be nil.
func New(primary, secondary provider.Reasoner, local *localmodel.AnalystModel, cfg Config) (*Council, error) {
	if local == nil {
		return nil, fmt.Errorf("council: local analyst model is required")
	}
	if cfg.Cache == nil {
		cfg.Cache = NewMemoryCache()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = defaultStageTimeout
	}
	return &Council{
		primary:      primary,
		secondary:    secondary,
		local:        local,
		cache:        cfg.Cache,
		logger:       cfg.Logger,
		stageTimeout: cfg.StageTimeout,
	}, nil
}

// Run executes the council state machine:
//
//	cache check → draft → critique+sanity (concurrent) → synthesis
//	(→ synthesis failover) → citation repair → confidence → normalize → cache
//
// Run is total: no provider failure escapes it. Every failure lands in the
// output's ModelBreakdown errors and lowers OverallConfidence instead.
func (c *Council) Run(ctx context.Context, in Input) Output {
	key := CacheKey(in.CompanyProfile.Name, in.CompanyProfile.Ticker, in.FailureYear)
	if cached, ok := c.cache.Get(key); ok {
		c.logger.Debug("council: cache hit", "company", in.CompanyProfile.Name)
		return cached
	}

	signals := summarizeSignals(in.Evidence)
	reasoningInput := c.reasoningInput(in)

	// ── Stage 2: draft ────────────────────────────────────────────────────────
	var draft stageOutcome
	if c.primary != nil {
		draft = await(c.launch(ctx, func(ctx context.Context) (provider.Payload, error) {
			return c.primary.GenerateDraft(ctx, reasoningInput)
		}), c.stageTimeout, "primary draft")
	}
	primaryErr := draft.errText
	primaryLatency := draft.latencyMS
	draftPayload := draft.payload
	if draftPayload == nil {
		// The council never halts because one provider is down.
		draftPayload = fallbackDraft(in)
		c.logger.Warn("council: using deterministic fallback draft",
			"company", in.CompanyProfile.Name, "error", primaryErr)
	}

	// ── Stage 3: critique and sanity check, concurrently ──────────────────────
	var critiqueCh <-chan stageOutcome
	if c.secondary != nil {
		critiqueCh = c.launch(ctx, func(ctx context.Context) (provider.Payload, error) {
			return c.secondary.GenerateCritique(ctx, reasoningInput, draftPayload)
		})
	}
	sanityCh := c.launch(ctx, func(ctx context.Context) (provider.Payload, error) {
		return c.local.Check(localmodel.SanityInput{
			Metrics:              in.Metrics,
			MacroStressScore:     in.MacroStressScore,
			QualitativeIntensity: in.QualitativeIntensity,
			FailingRiskScore:     in.FailingRiskScore,
			AdjustedMetrics:      in.Simulation.AdjustedMetrics,
			ImprovementPct:       in.Simulation.ImprovementPct,
		}).Payload(), nil
	})

	var critique stageOutcome
	if critiqueCh != nil {
		critique = await(critiqueCh, c.stageTimeout, "secondary critique")
	}
	sanity := await(sanityCh, c.stageTimeout, "local sanity check")

	secondaryErr := critique.errText
	secondaryLatency := critique.latencyMS
	localErr := sanity.errText
	sanityPayload := sanity.payload
	if sanityPayload == nil {
		sanityPayload = provider.Payload{}
	}

	// ── Stage 4: synthesis with failover ──────────────────────────────────────
	critiquePayload := critique.payload
	if critiquePayload == nil {
		critiquePayload = provider.Payload{}
	}

	steps := c.synthesisSteps(in.SynthesisProvider, reasoningInput, draftPayload, critiquePayload, sanityPayload)
	synth := provider.Failover(ctx, steps, provider.NonEmpty, c.logger)

	for _, attempt := range synth.Attempts {
		switch attempt.Provider {
		case ProviderSecondary:
			secondaryLatency = max(secondaryLatency, attempt.LatencyMS)
			if attempt.Err != "" {
				// Synthesis failure supersedes a partial critique error for
				// attribution: synthesis is the call that matters most.
				secondaryErr = attempt.Err
			}
		case ProviderPrimary:
			primaryLatency = max(primaryLatency, attempt.LatencyMS)
			if attempt.Err != "" {
				if primaryErr == "" {
					primaryErr = attempt.Err
				} else {
					primaryErr = primaryErr + " | " + attempt.Err
				}
			}
		}
	}

	// Synthesis failed over from secondary to primary — annotate why.
	if synth.Provider == ProviderPrimary && len(synth.Attempts) > 1 && synth.Attempts[0].Provider == ProviderSecondary {
		note := "secondary synthesis failed; synthesis automatically failed over to the primary provider."
		if provider.IsQuotaError(secondaryErr) {
			note = "secondary quota/permission blocked; synthesis automatically failed over to the primary provider."
		}
		if secondaryErr != "" {
			secondaryErr = secondaryErr + " | " + note
		} else {
			secondaryErr = note
		}
	}

	// ── Stage 5: consensus fallback when synthesis produced nothing usable ───
	finalPayload := synth.Payload
	usedFallback := finalPayload == nil
	if usedFallback {
		c.logger.Warn("council: all synthesis attempts failed, building deterministic consensus",
			"company", in.CompanyProfile.Name)
		finalPayload = consensusFallback(in, draftPayload)
	}

	// ── Stages 6–8: repair, score, normalize ──────────────────────────────────
	out := Normalize(finalPayload)
	repairCitations(&out, in.Evidence)

	// The counterfactual comes from the deterministic risk subsystem; carry
	// it through unchanged rather than trusting the synthesis echo.
	out.CounterfactualImpact = CounterfactualImpact{
		BeforeScore:    in.FailingRiskScore,
		AfterScore:     in.Simulation.AdjustedScore,
		ImprovementPct: in.Simulation.ImprovementPct,
	}

	if usedFallback {
		out.OverallConfidence = FallbackConfidence
	} else {
		primaryOK := c.primary != nil && primaryErr == ""
		secondaryOK := c.secondary != nil && secondaryErr == ""
		localOK := localErr == ""
		out.OverallConfidence = round3(agreementConfidence(
			citationCoverage(out),
			primaryOK, secondaryOK, localOK,
			len(out.Disagreements),
		))
	}

	out.SignalSummary = signals
	out.ModelBreakdown = map[string]ModelBreakdownEntry{
		ProviderPrimary: {
			Raw:           orEmpty(draft.payload),
			LatencyMS:     primaryLatency,
			Errors:        primaryErr,
			SignalSummary: signals,
		},
		ProviderSecondary: {
			Raw:           orEmpty(critique.payload),
			LatencyMS:     secondaryLatency,
			Errors:        secondaryErr,
			SignalSummary: signals,
		},
		ProviderLocal: {
			Raw:           orEmpty(sanity.payload),
			LatencyMS:     sanity.latencyMS,
			Errors:        localErr,
			SignalSummary: signals,
		},
	}

	c.cache.Set(key, out)
	return out
}

// reasoningInput flattens the typed input into the provider context shape.
func (c *Council) reasoningInput(in Input) provider.ReasoningInput {
	return provider.ReasoningInput{
		CompanyProfile: map[string]any{
			"name":     in.CompanyProfile.Name,
			"ticker":   in.CompanyProfile.Ticker,
			"industry": in.CompanyProfile.Industry,
			"sector":   in.CompanyProfile.Sector,
		},
		Metrics: in.Metrics,
		PeerSummary: map[string]any{
			"metric_gaps":      in.PeerSummary.MetricGaps,
			"survivor_tickers": in.PeerSummary.SurvivorTickers,
		},
		Evidence: in.Evidence,
	}
}

// synthesisSteps resolves the synthesis-provider preference into an ordered
// failover list. Secondary is the default synthesizer; when it is configured
// and fails, the primary is retried once — synthesis is the single most
// valuable call to protect. An unrecognized preference falls back to
// whichever provider exists, logged at Warn so operators can see it.
func (c *Council) synthesisSteps(preference string, in provider.ReasoningInput, draft, critique, sanity provider.Payload) []provider.Step {
	pref := strings.ToLower(strings.TrimSpace(preference))
	switch pref {
	case "", "secondary", "watsonx", "primary", "groq":
	default:
		c.logger.Warn("council: unrecognized synthesis provider preference, using whichever provider is configured",
			"preference", preference)
	}

	timeout := c.stageTimeout
	bounded := func(r provider.Reasoner) provider.Call {
		return func(ctx context.Context) (payload provider.Payload, err error) {
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			defer func() {
				if rec := recover(); rec != nil {
					payload, err = nil, fmt.Errorf("provider panic: %v", rec)
				}
			}()
			return r.Synthesize(callCtx, in, draft, critique, sanity)
		}
	}

	primaryStep := provider.Step{}
	if c.primary != nil {
		primaryStep = provider.Step{Provider: ProviderPrimary, Call: bounded(c.primary)}
	}
	secondaryStep := provider.Step{}
	if c.secondary != nil {
		secondaryStep = provider.Step{Provider: ProviderSecondary, Call: bounded(c.secondary)}
	}

	preferPrimary := (pref == "primary" || pref == "groq") && c.primary != nil
	if preferPrimary {
		// Primary-preferred synthesis has no secondary retry: the secondary
		// already contributed its critique and is not retried for synthesis.
		return []provider.Step{primaryStep}
	}
	if c.secondary != nil {
		return []provider.Step{secondaryStep, primaryStep}
	}
	return []provider.Step{primaryStep}
}

// ─── STAGE EXECUTION ─────────────────────────────────────────────────────────

// stageOutcome is one timed provider call with its failure captured as a
// string rather than an error value — stage failures are recorded, never
// propagated.
type stageOutcome struct {
	payload   provider.Payload
	latencyMS int64
	errText   string
}

// launch runs fn on its own goroutine under the stage timeout and delivers
// exactly one outcome. Panics inside a provider are converted to an error
// string so a misbehaving adapter cannot take the orchestrator down.
func (c *Council) launch(ctx context.Context, fn func(ctx context.Context) (provider.Payload, error)) <-chan stageOutcome {
	ch := make(chan stageOutcome, 1)
	go func() {
		stageCtx, cancel := context.WithTimeout(ctx, c.stageTimeout)
		defer cancel()

		started := time.Now()
		var outcome stageOutcome
		func() {
			defer func() {
				if r := recover(); r != nil {
					outcome.errText = provider.CompactError(fmt.Errorf("provider panic: %v", r))
				}
			}()
			payload, err := fn(stageCtx)
			outcome.payload = payload
			if err != nil {
				outcome.errText = provider.CompactError(err)
				outcome.payload = nil
			}
		}()
		outcome.latencyMS = time.Since(started).Milliseconds()
		ch <- outcome
	}()
	return ch
}

// await joins one launched stage with a bounded wait. The deadline here only
// abandons the wait — it never cancels the sibling task (the task's own
// context handles cancellation).
func await(ch <-chan stageOutcome, timeout time.Duration, name string) stageOutcome {
	select {
	case outcome := <-ch:
		return outcome
	case <-time.After(timeout + time.Second):
		return stageOutcome{
			latencyMS: timeout.Milliseconds(),
			errText:   name + " did not return within the stage timeout",
		}
	}
}

// ─── DETERMINISTIC FALLBACKS ─────────────────────────────────────────────────

// fallbackDraft builds the stage-2 substitute used when the primary provider
// is down: the top-3 metric gaps plus whatever prior recommendations were
// supplied. Gap keys are sorted so the draft is deterministic.
func fallbackDraft(in Input) provider.Payload {
	keys := make([]string, 0, len(in.PeerSummary.MetricGaps))
	for k := range in.PeerSummary.MetricGaps {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	drivers := []string{}
	for _, k := range keys {
		if len(drivers) == 3 {
			break
		}
		drivers = append(drivers, fmt.Sprintf("%s: %s",
			strings.ReplaceAll(k, "_", " "),
			strconv.FormatFloat(in.PeerSummary.MetricGaps[k], 'g', -1, 64)))
	}
	if len(drivers) == 0 {
		drivers = []string{placeholderText}
	}

	measures := in.Recommendations
	if len(measures) > 3 {
		measures = measures[:3]
	}
	if len(measures) == 0 {
		measures = []string{placeholderText}
	}

	return provider.Payload{
		"plain_english_explainer": "Evidence unavailable. Deterministic fallback used because the primary draft failed.",
		"executive_summary":       "Collaborative council fallback draft was generated without the primary provider.",
		"failure_drivers":         drivers,
		"survivor_differences":    []string{"Survivor benchmark suggests stronger liquidity and leverage discipline."},
		"prevention_measures":     measures,
		"technical_notes": []string{
			fmt.Sprintf("Counterfactual improvement: %s%%", strconv.FormatFloat(in.Simulation.ImprovementPct, 'g', -1, 64)),
		},
	}
}

// consensusFallback builds a complete low-confidence consensus payload from
// whatever partial provider output exists, guaranteeing Run stays total when
// every synthesis attempt failed.
func consensusFallback(in Input, draftPayload provider.Payload) provider.Payload {
	ids := in.Evidence.IDs()
	defaultIDs := ids
	if len(defaultIDs) > 2 {
		defaultIDs = defaultIDs[:2]
	}

	drivers := []any{}
	for _, row := range asList(draftPayload["failure_drivers"]) {
		if len(drivers) == 3 {
			break
		}
		text, conf, hasConf, eids := extractClaim(row, "driver", "strategy", "action")
		if text == "" {
			continue
		}
		if !hasConf {
			conf = 0.5
			if len(eids) > 0 {
				conf = 0.62
			}
		}
		conf = math.Max(0.3, math.Min(0.85, conf))
		if len(eids) == 0 {
			eids = defaultIDs
		}
		drivers = append(drivers, map[string]any{
			"driver":       text,
			"evidence_ids": intsToAny(eids),
			"confidence":   conf,
		})
	}
	if len(drivers) == 0 {
		gapKeys := make([]string, 0, len(in.PeerSummary.MetricGaps))
		for k := range in.PeerSummary.MetricGaps {
			gapKeys = append(gapKeys, k)
		}
		sort.Strings(gapKeys)
		for _, k := range gapKeys {
			if len(drivers) == 3 {
				break
			}
			drivers = append(drivers, map[string]any{
				"driver": fmt.Sprintf("%s: %s",
					strings.ReplaceAll(k, "_", " "),
					strconv.FormatFloat(in.PeerSummary.MetricGaps[k], 'g', -1, 64)),
				"evidence_ids": []any{},
				"confidence":   0.25,
			})
		}
	}

	strategies := []any{}
	recommendations := []any{}
	for i, rec := range in.Recommendations {
		if i == 3 {
			break
		}
		text := strings.TrimSpace(rec)
		if text == "" {
			continue
		}
		conf := 0.48
		eids := defaultIDs
		if len(eids) > 0 {
			conf = 0.58
		}
		strategies = append(strategies, map[string]any{
			"strategy":     text,
			"evidence_ids": intsToAny(eids),
			"confidence":   conf,
		})
		recommendations = append(recommendations, map[string]any{
			"action":          text,
			"expected_effect": "Reduce distress risk versus current baseline.",
			"confidence":      0.45,
		})
	}

	return provider.Payload{
		"executive_summary": "Evidence unavailable. Consensus fallback was assembled from the available deterministic signals.",
		"failure_drivers":   drivers,
		"survivor_strategies": strategies,
		"counterfactual_impact": map[string]any{
			"before_score":    in.FailingRiskScore,
			"after_score":     in.Simulation.AdjustedScore,
			"improvement_pct": in.Simulation.ImprovementPct,
		},
		"disagreements":         []any{},
		"final_recommendations": recommendations,
		"overall_confidence":    FallbackConfidence,
	}
}

// extractClaim pulls a claim's text, confidence, and evidence IDs out of a
// loose row that may be a map, a plain string, or a stringified JSON object.
func extractClaim(row any, textKeys ...string) (text string, conf float64, hasConf bool, eids []int) {
	m := asMap(row)
	if m == nil {
		s, ok := row.(string)
		if !ok {
			return "", 0, false, nil
		}
		s = strings.TrimSpace(s)
		if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
			if parsed, err := parseLooseObject(s); err == nil {
				m = parsed
			}
		}
		if m == nil {
			return s, 0, false, nil
		}
	}

	for _, key := range textKeys {
		if candidate := stringOr(m[key], ""); candidate != "" {
			text = candidate
			break
		}
	}
	if text == "" {
		text = strings.TrimSpace(fmt.Sprint(m))
	}

	if _, present := m["confidence"]; present {
		conf = coerceFloat(m["confidence"], 0)
		hasConf = true
	}
	eids = cleanEvidenceIDs(m["evidence_ids"])
	return text, conf, hasConf, eids
}

// ─── REPAIR AND SCORING ──────────────────────────────────────────────────────

// repairCitations enforces citation closure: every evidence ID on a claim
// must exist in the bundle. Claims that lose all citations are kept but
// capped at uncitedConfidenceCap.
func repairCitations(out *Output, bundle evidence.Bundle) {
	for i := range out.FailureDrivers {
		kept := filterIDs(out.FailureDrivers[i].EvidenceIDs, bundle)
		out.FailureDrivers[i].EvidenceIDs = kept
		if len(kept) == 0 {
			out.FailureDrivers[i].Confidence = math.Min(out.FailureDrivers[i].Confidence, uncitedConfidenceCap)
		}
	}
	for i := range out.SurvivorStrategies {
		kept := filterIDs(out.SurvivorStrategies[i].EvidenceIDs, bundle)
		out.SurvivorStrategies[i].EvidenceIDs = kept
		if len(kept) == 0 {
			out.SurvivorStrategies[i].Confidence = math.Min(out.SurvivorStrategies[i].Confidence, uncitedConfidenceCap)
		}
	}
}

func filterIDs(ids []int, bundle evidence.Bundle) []int {
	kept := []int{}
	for _, id := range ids {
		if bundle.Has(id) {
			kept = append(kept, id)
		}
	}
	return kept
}

// citationCoverage is the fraction of claims carrying at least one valid
// citation after repair.
func citationCoverage(out Output) float64 {
	total := len(out.FailureDrivers) + len(out.SurvivorStrategies)
	if total == 0 {
		return 0
	}
	cited := 0
	for _, claim := range out.FailureDrivers {
		if len(claim.EvidenceIDs) > 0 {
			cited++
		}
	}
	for _, claim := range out.SurvivorStrategies {
		if len(claim.EvidenceIDs) > 0 {
			cited++
		}
	}
	return float64(cited) / float64(total)
}

// agreementConfidence combines provider success, evidence coverage, and
// recorded disagreement into the overall score, clamped away from both
// extremes — no report is ever absolutely certain or absolutely worthless.
func agreementConfidence(coverage float64, primaryOK, secondaryOK, localOK bool, disagreements int) float64 {
	agreement := confidenceBase
	if primaryOK {
		agreement += primaryWeight
	}
	if secondaryOK {
		agreement += secondaryWeight
	}
	if localOK {
		agreement += localWeight
	}
	agreement += coverageWeight * math.Max(0, math.Min(1, coverage))
	agreement -= math.Min(penaltyCap, float64(disagreements)*disagreementPenalty)
	return math.Max(confidenceFloor, math.Min(confidenceCeiling, agreement))
}

// parseLooseObject decodes a stringified JSON object, tolerating Python-style
// single quotes, which some models emit when asked for JSON.
func parseLooseObject(s string) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err == nil {
		return m, nil
	}
	repaired := strings.ReplaceAll(s, "'", `"`)
	if err := json.Unmarshal([]byte(repaired), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func orEmpty(p provider.Payload) provider.Payload {
	if p == nil {
		return provider.Payload{}
	}
	return p
}

func intsToAny(ids []int) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
