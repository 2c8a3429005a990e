package memory

import (
	"math"
	"strings"
	"time"

	"github.com/nidhogg/grace/internal/record"
)

// keywordSimilarity computes overlap between query keywords and a
// record's text. It blends Jaccard overlap with keyword coverage; a
// substring hit counts less than a whole-word hit.
func keywordSimilarity(keywords []string, text string) float64 {
	if len(keywords) == 0 {
		return 0
	}

	target := strings.ToLower(text)
	targetSet := make(map[string]bool)
	for _, w := range tokenize(target) {
		targetSet[w] = true
	}

	var matched int
	var weighted float64
	for _, kw := range keywords {
		kw = strings.ToLower(kw)
		if targetSet[kw] {
			matched++
			weighted += 1.0
		} else if strings.Contains(target, kw) {
			matched++
			weighted += 0.7
		}
	}
	if matched == 0 {
		return 0
	}

	union := float64(len(keywords) + len(targetSet) - matched)
	jaccard := float64(matched) / math.Max(union, 1)
	coverage := weighted / float64(len(keywords))
	return 0.4*jaccard + 0.6*coverage
}

// relevance scores a record for a query. With no keywords every record is
// equally relevant and only recency orders them.
func relevance(keywords []string, r *record.Record, now time.Time) float64 {
	rec := recency(r.CreatedAt, now)
	if len(keywords) == 0 {
		return rec
	}
	kw := keywordSimilarity(keywords, strings.Join(r.Tags, " ")+" "+r.Body)
	if kw == 0 {
		return 0
	}
	return 0.85*kw + 0.15*rec
}

// recency decays from 1 toward 0 with a one-day half-life.
func recency(created, now time.Time) float64 {
	age := now.Sub(created)
	if age < 0 {
		age = 0
	}
	return math.Exp2(-age.Hours() / 24)
}

// tokenize splits text into lowercase word tokens.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' ||
			r > 127)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.ToLower(f)
		if len(w) > 1 {
			out = append(out, w)
		}
	}
	return out
}
