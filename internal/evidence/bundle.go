// Package evidence flattens per-channel web-intelligence snippets into the
// ID-indexed bundle that every council citation is checked against. It is
// intentionally dependency-free: it imports nothing from internal/ and can be
// tested without any provider or database.
package evidence

import "strings"

// Channel tags a snippet with the intelligence stream it came from. String
// values match the labels the reasoning providers are prompted with, so they
// round-trip through provider payloads without conversion.
type Channel string

const (
	ChannelMacro        Channel = "macro"
	ChannelMicro        Channel = "micro"
	ChannelIndustry     Channel = "industry"
	ChannelNews         Channel = "news"
	ChannelStrategy     Channel = "strategy"
	ChannelQualitative  Channel = "qualitative"
	ChannelFailureCheck Channel = "failure_check"
)

// Item is one citable snippet. IDs are 1-based and assigned in encounter
// order by Build; an Item is never mutated after the bundle is built.
type Item struct {
	ID     int     `json:"id"`
	Label  Channel `json:"label"`
	Text   string  `json:"text"`
	Source string  `json:"source"` // URL, or empty when the search result had none
}

// Bundle is the closed universe of evidence for one report. Claims may only
// cite IDs that exist here.
type Bundle struct {
	Snippets []Item `json:"snippets"`
}

// ChannelNotes is the raw input for one channel: free-text notes and a
// parallel list of source URLs. Sources may be shorter than Notes (or empty);
// notes beyond the end of Sources get an empty source.
type ChannelNotes struct {
	Label   Channel
	Notes   []string
	Sources []string
}

// Build flattens the channels into one ordered bundle. Whitespace-only notes
// are skipped after trimming, so IDs are dense and stable for a single call.
func Build(channels []ChannelNotes) Bundle {
	var snippets []Item
	nextID := 1

	for _, ch := range channels {
		for i, note := range ch.Notes {
			text := strings.TrimSpace(note)
			if text == "" {
				continue
			}
			source := ""
			if i < len(ch.Sources) {
				source = strings.TrimSpace(ch.Sources[i])
			}
			snippets = append(snippets, Item{
				ID:     nextID,
				Label:  ch.Label,
				Text:   text,
				Source: source,
			})
			nextID++
		}
	}

	return Bundle{Snippets: snippets}
}

// IDs returns the set of valid snippet IDs in insertion order.
func (b Bundle) IDs() []int {
	ids := make([]int, 0, len(b.Snippets))
	for _, s := range b.Snippets {
		ids = append(ids, s.ID)
	}
	return ids
}

// Has reports whether id refers to a snippet in this bundle.
func (b Bundle) Has(id int) bool {
	for _, s := range b.Snippets {
		if s.ID == id {
			return true
		}
	}
	return false
}

// SourceCount returns the number of snippets that carry a non-empty source
// URL. Used in the signal summary attached to provider breakdowns.
func (b Bundle) SourceCount() int {
	n := 0
	for _, s := range b.Snippets {
		if s.Source != "" {
			n++
		}
	}
	return n
}

// Channels returns the sorted distinct channel labels present in the bundle.
func (b Bundle) Channels() []Channel {
	seen := make(map[Channel]struct{}, len(b.Snippets))
	var out []Channel
	for _, s := range b.Snippets {
		if _, ok := seen[s.Label]; ok {
			continue
		}
		seen[s.Label] = struct{}{}
		out = append(out, s.Label)
	}
	// Insertion order is already deterministic per Build; sort for a stable
	// summary regardless of channel ordering in the input.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
