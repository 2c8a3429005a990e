// Package record defines the memory record shared by both storage tiers.
package record

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Category classifies a record. The set is open: subsystems may register
// new categories with the memory router at startup.
type Category string

const (
	CategoryConversation   Category = "conversation"
	CategoryPreference     Category = "preference"
	CategoryLog            Category = "log"
	CategoryReference      Category = "reference"
	CategoryFact           Category = "date_fact"
	CategorySourceArtifact Category = "source_artifact"
	CategoryConfig         Category = "config"
)

// Tier is the durability class a record is stored under.
type Tier string

const (
	TierContextual Tier = "contextual"
	TierPermanent  Tier = "permanent"
)

// Draft is a record before it has been classified and stored.
type Draft struct {
	Category Category `json:"category"`
	Tags     []string `json:"tags,omitempty"`
	Body     string   `json:"body"`
}

// Record is a stored memory entry. Permanent records are never modified
// after they are committed.
type Record struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq,omitempty"`
	Category  Category  `json:"category"`
	Tags      []string  `json:"tags,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	Tier      Tier      `json:"tier"`
	SessionID string    `json:"session_id,omitempty"`
	Checksum  string    `json:"checksum,omitempty"`
}

// HasTag reports whether the record carries tag (case-insensitive).
func (r *Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Filter selects records. Zero fields match everything.
type Filter struct {
	Category  Category  `json:"category,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	TextQuery string    `json:"text_query,omitempty"`
	From      time.Time `json:"from,omitempty"`
	To        time.Time `json:"to,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
}

// Structured reports whether the filter names a category or tags.
func (f Filter) Structured() bool {
	return f.Category != "" || len(f.Tags) > 0
}

// NormalizeTags lowercases, trims, dedupes and sorts tags.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Checksum returns the hex sha256 of a record body.
func Checksum(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// Terms splits a text query into lowercased search terms.
func Terms(q string) []string {
	fields := strings.FieldsFunc(strings.ToLower(q), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' || r == '=' || r == ':' || r == '.' ||
			r > 127)
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		f = strings.Trim(f, ".:")
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// TextScore returns the fraction of terms found in the record body or tags.
func TextScore(r *Record, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	body := strings.ToLower(r.Body)
	hits := 0
	for _, t := range terms {
		if strings.Contains(body, t) || r.HasTag(t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

// Matches reports whether r satisfies the structured, date and session
// parts of f. Text relevance is scored separately with TextScore.
func (f Filter) Matches(r *Record) bool {
	if f.Category != "" && r.Category != f.Category {
		return false
	}
	for _, t := range f.Tags {
		if !r.HasTag(t) {
			return false
		}
	}
	if !f.From.IsZero() && r.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.CreatedAt.After(f.To) {
		return false
	}
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	return true
}
