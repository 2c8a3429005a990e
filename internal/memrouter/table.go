package memrouter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nidhogg/grace/internal/config"
	"github.com/nidhogg/grace/internal/record"
)

// contextualTags route an uncategorized draft to the contextual tier.
var contextualTags = map[string]record.Category{
	"relational":   record.CategoryConversation,
	"conversation": record.CategoryConversation,
	"preference":   record.CategoryPreference,
}

// ClassificationTable maps each category to its storage tier.
type ClassificationTable struct {
	mu    sync.RWMutex
	tiers map[record.Category]record.Tier
}

// DefaultTable returns the built-in classification.
func DefaultTable() *ClassificationTable {
	return &ClassificationTable{tiers: map[record.Category]record.Tier{
		record.CategoryConversation:   record.TierContextual,
		record.CategoryPreference:     record.TierContextual,
		record.CategoryLog:            record.TierPermanent,
		record.CategoryReference:      record.TierPermanent,
		record.CategoryFact:           record.TierPermanent,
		record.CategorySourceArtifact: record.TierPermanent,
		record.CategoryConfig:         record.TierPermanent,
	}}
}

// TableFromConfig extends the default table with configured categories.
func TableFromConfig(cfg config.MemoryConfig) (*ClassificationTable, error) {
	t := DefaultTable()
	names := make([]string, 0, len(cfg.Categories))
	for name := range cfg.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		tier := record.Tier(cfg.Categories[name])
		if err := t.Register(record.Category(name), tier); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Register adds a category. A permanent category can never be moved to
// the contextual tier.
func (t *ClassificationTable) Register(c record.Category, tier record.Tier) error {
	if c == "" {
		return fmt.Errorf("register category: empty name")
	}
	if tier != record.TierContextual && tier != record.TierPermanent {
		return fmt.Errorf("register category %s: unknown tier %q", c, tier)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.tiers[c]; ok && cur == record.TierPermanent && tier != record.TierPermanent {
		return fmt.Errorf("register category %s: permanent categories cannot be reclassified", c)
	}
	t.tiers[c] = tier
	return nil
}

// Tier returns the tier for c.
func (t *ClassificationTable) Tier(c record.Category) (record.Tier, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tier, ok := t.tiers[c]
	return tier, ok
}

// Known reports whether c is classified.
func (t *ClassificationTable) Known(c record.Category) bool {
	_, ok := t.Tier(c)
	return ok
}

// Categories returns a snapshot of the table.
func (t *ClassificationTable) Categories() map[record.Category]record.Tier {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[record.Category]record.Tier, len(t.tiers))
	for c, tier := range t.tiers {
		out[c] = tier
	}
	return out
}
