package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tgwilson/forensic-council-backend/internal/evidence"
)

// Searcher is the search capability the gathering layer depends on. The
// concrete TavilyClient implements it; tests substitute a scripted one.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) (Result, error)
	Enabled() bool
}

// Intelligence is everything one gathering pass learned about a company.
// Channels feed the evidence bundle builder; the macro stress score feeds
// the local model and the risk layer. Per-snippet source URLs travel inside
// Channels, aligned with their notes.
type Intelligence struct {
	MacroStressScore float64
	Channels         []evidence.ChannelNotes
}

// neutralMacroStress is reported when no macro evidence could be fetched.
const neutralMacroStress = 50.0

// macroStressBase and the keyword impacts turn macro search text into a
// 0–100 stress score. Keyword scoring, not sentiment models: the score only
// needs to be stable and directionally right.
const macroStressBase = 32.0

var macroKeywordImpacts = map[string]float64{
	"recession":         16,
	"credit tightening": 11,
	"high interest":     9,
	"rate hike":         9,
	"default":           12,
	"demand slowdown":   8,
	"inflation":         5,
	"uncertainty":       6,
}

// channelQuery builds the per-channel search query for a company.
func channelQuery(channel evidence.Channel, company, ticker, industry string) string {
	switch channel {
	case evidence.ChannelMacro:
		return fmt.Sprintf("Macro stress for %s with rates, credit, demand and default pressure", industry)
	case evidence.ChannelMicro:
		return fmt.Sprintf("%s %s balance sheet leverage liquidity margins deterioration", company, ticker)
	case evidence.ChannelIndustry:
		return fmt.Sprintf("%s industry headwinds competition margin pressure consolidation", industry)
	case evidence.ChannelNews:
		return fmt.Sprintf("%s %s news layoffs vendor payments going concern warnings", company, ticker)
	case evidence.ChannelStrategy:
		return fmt.Sprintf("Survivor strategies for stressed %s companies that avoided collapse", industry)
	case evidence.ChannelQualitative:
		return fmt.Sprintf("%s %s liquidity risk covenant breach restructuring distress signals", company, ticker)
	case evidence.ChannelFailureCheck:
		return fmt.Sprintf("Did %s %s fail: chapter 11 bankruptcy liquidation insolvency collapse", company, ticker)
	}
	return fmt.Sprintf("%s %s financial distress", company, ticker)
}

func channelMaxResults(channel evidence.Channel) int {
	switch channel {
	case evidence.ChannelQualitative, evidence.ChannelFailureCheck:
		return 5
	default:
		return 4
	}
}

// FetchIntelligence runs one search per evidence channel concurrently and
// assembles the results. A failed or empty channel yields no notes rather
// than an error: thin evidence is a property of the report, not a failure of
// the pipeline. With a disabled searcher it returns a neutral result
// immediately.
func FetchIntelligence(ctx context.Context, client Searcher, company, ticker, industry string, logger *slog.Logger) Intelligence {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil || !client.Enabled() {
		return Intelligence{
			MacroStressScore: neutralMacroStress,
			Channels: []evidence.ChannelNotes{{
				Label: evidence.ChannelMacro,
				Notes: []string{"Macro intelligence unavailable (no search API key)."},
			}},
		}
	}

	channels := []evidence.Channel{
		evidence.ChannelMacro,
		evidence.ChannelMicro,
		evidence.ChannelIndustry,
		evidence.ChannelNews,
		evidence.ChannelStrategy,
		evidence.ChannelQualitative,
		evidence.ChannelFailureCheck,
	}

	var mu sync.Mutex
	results := make(map[evidence.Channel]Result, len(channels))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, channel := range channels {
		g.Go(func() error {
			res, err := client.Search(gctx, channelQuery(channel, company, ticker, industry), channelMaxResults(channel))
			if err != nil {
				logger.Warn("search: channel fetch failed", "channel", channel, "error", err)
				return nil
			}
			mu.Lock()
			results[channel] = res
			mu.Unlock()
			return nil
		})
	}
	// Errors are swallowed per channel, so Wait only orders the joins.
	_ = g.Wait()

	out := Intelligence{MacroStressScore: macroStress(results[evidence.ChannelMacro])}
	for _, channel := range channels {
		res, ok := results[channel]
		if !ok {
			continue
		}
		notes, sources := channelNotes(channel, res)
		if len(notes) > 0 {
			out.Channels = append(out.Channels, evidence.ChannelNotes{
				Label:   channel,
				Notes:   notes,
				Sources: sources,
			})
		}
	}
	return out
}

// channelNotes selects and cleans the note lines for one channel, emitting
// sources in lockstep so notes[i] is always attributed to sources[i]. The
// macro channel keeps the synthesized answer (no single source URL) plus the
// top snippets; qualitative snippets are filtered for substance, each dropped
// snippet dropping its source with it; other channels keep the answer when
// present, else their snippets.
func channelNotes(channel evidence.Channel, res Result) (notes, sources []string) {
	switch channel {
	case evidence.ChannelMacro:
		if res.Answer != "" {
			notes = append(notes, cleanSnippet(res.Answer))
			sources = append(sources, "")
		}
		for i, s := range res.Snippets {
			if i == 3 {
				break
			}
			if cleaned := cleanSnippet(s); cleaned != "" {
				notes = append(notes, cleaned)
				sources = append(sources, sourceAt(res, i))
			}
		}
	case evidence.ChannelQualitative:
		for i, s := range res.Snippets {
			cleaned := cleanSnippet(s)
			if len(cleaned) >= 40 {
				notes = append(notes, cleaned)
				sources = append(sources, sourceAt(res, i))
			}
			if len(notes) == 8 {
				break
			}
		}
	default:
		if res.Answer != "" {
			return []string{cleanSnippet(res.Answer)}, []string{""}
		}
		for i, s := range res.Snippets {
			if cleaned := cleanSnippet(s); cleaned != "" {
				notes = append(notes, cleaned)
				sources = append(sources, sourceAt(res, i))
			}
			if len(notes) == 3 {
				break
			}
		}
	}
	return notes, sources
}

func sourceAt(res Result, i int) string {
	if i < len(res.Sources) {
		return res.Sources[i]
	}
	return ""
}

// macroStress scores the macro channel text by keyword, clamped to [0, 100].
func macroStress(res Result) float64 {
	text := strings.ToLower(strings.Join(append([]string{res.Answer}, res.Snippets...), " "))
	if strings.TrimSpace(text) == "" {
		return neutralMacroStress
	}
	score := macroStressBase
	for phrase, impact := range macroKeywordImpacts {
		if strings.Contains(text, phrase) {
			score += impact
		}
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// cleanSnippet collapses whitespace and clips to a prompt-friendly length.
func cleanSnippet(text string) string {
	clipped := strings.Join(strings.Fields(text), " ")
	if len(clipped) > 320 {
		clipped = strings.TrimSpace(clipped[:320])
	}
	return clipped
}
