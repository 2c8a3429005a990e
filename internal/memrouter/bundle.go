package memrouter

import (
	"fmt"
	"strings"

	"github.com/nidhogg/grace/internal/record"
)

// MatchKind says why an item is in the bundle.
type MatchKind string

const (
	MatchExact      MatchKind = "exact"
	MatchContextual MatchKind = "contextual"
	MatchText       MatchKind = "text"
)

// SourceReference marks items served by the reference store.
const SourceReference = "reference"

// Item is one retrieved record.
type Item struct {
	Source    string         `json:"source"`
	Tier      record.Tier    `json:"tier"`
	Record    *record.Record `json:"record"`
	Score     float64        `json:"score"`
	MatchKind MatchKind      `json:"match_kind"`
}

// Bundle is the ordered context handed to the model.
type Bundle struct {
	Items   []Item   `json:"items"`
	Partial bool     `json:"partial"`
	Errors  []string `json:"errors,omitempty"`
	Tokens  int      `json:"tokens"`
}

// fill appends items from sets in order, skipping duplicates and anything
// over the item or token budget.
func (b *Bundle) fill(maxItems, maxTokens int, sets ...[]Item) {
	seen := make(map[string]bool)
	for _, it := range b.Items {
		seen[it.Record.ID] = true
	}
	for _, set := range sets {
		for _, it := range set {
			if len(b.Items) >= maxItems {
				return
			}
			if it.Record == nil || seen[it.Record.ID] {
				continue
			}
			est := estimateTokens(it.Record.Body)
			if b.Tokens+est > maxTokens {
				continue
			}
			seen[it.Record.ID] = true
			b.Items = append(b.Items, it)
			b.Tokens += est
		}
	}
}

// Format renders the bundle as a prompt section.
func (b *Bundle) Format() string {
	if b == nil || len(b.Items) == 0 {
		if b != nil && b.Partial {
			return "[Memory Context]\n(some memory sources were unavailable)\n"
		}
		return ""
	}
	var sb strings.Builder
	sb.WriteString("[Memory Context]\n")
	for _, it := range b.Items {
		r := it.Record
		fmt.Fprintf(&sb, "- (%s/%s", it.Tier, r.Category)
		if len(r.Tags) > 0 {
			fmt.Fprintf(&sb, " [%s]", strings.Join(r.Tags, ", "))
		}
		fmt.Fprintf(&sb, " %s): %s\n", r.CreatedAt.Format("2006-01-02 15:04"), r.Body)
	}
	if b.Partial {
		sb.WriteString("(some memory sources were unavailable)\n")
	}
	return sb.String()
}

// estimateTokens gives a rough token count (~4 chars per token).
func estimateTokens(s string) int {
	n := len(s) / 4
	if n < 1 {
		return 1
	}
	return n
}
