package intent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/grace/internal/memrouter"
	"github.com/nidhogg/grace/internal/record"
	"github.com/nidhogg/grace/internal/schema"
)

// Memory is the slice of the memory router the builtin intents use.
type Memory interface {
	Classify(d record.Draft) (record.Tier, error)
	Persist(ctx context.Context, d record.Draft, sessionID string) (*record.Record, error)
	Retrieve(ctx context.Context, q memrouter.Query, sessionID string) (*memrouter.Bundle, error)
}

// RegisterBuiltins adds the default built-in skills to the registry.
func RegisterBuiltins(r *Registry, mem Memory) error {
	memorySkill := &Skill{
		ID:          "memory",
		Name:        "memory",
		Description: "Store and recall facts across conversations",
		PromptFragment: "When the user asks you to remember something, use the remember intent. " +
			"Pick category preference for likes and habits, date_fact for dates and events, " +
			"reference for documents and instructions. Use recall to look up what you stored.",
		Source: "builtin",
		Intents: []Intent{
			{
				Name:        "remember",
				Description: "Store a fact in memory",
				Params: schema.PayloadSchema{
					Required: []string{"body"},
					Properties: map[string]schema.FieldType{
						"body":     schema.TypeString,
						"category": schema.TypeString,
						"tags":     schema.TypeArray,
					},
				},
				Handle: remember(mem),
			},
			{
				Name:        "recall",
				Description: "Search memory by text, category, tags or date range",
				Params: schema.PayloadSchema{
					Properties: map[string]schema.FieldType{
						"text":     schema.TypeString,
						"category": schema.TypeString,
						"tags":     schema.TypeArray,
						"from":     schema.TypeString,
						"to":       schema.TypeString,
					},
				},
				Handle: recall(mem),
			},
		},
	}
	return r.Add(memorySkill)
}

func remember(mem Memory) HandlerFunc {
	return func(ctx context.Context, sessionID string, args map[string]interface{}) (interface{}, error) {
		body, _ := args["body"].(string)
		category, _ := args["category"].(string)
		d := record.Draft{
			Category: record.Category(category),
			Tags:     stringList(args["tags"]),
			Body:     body,
		}
		if d.Category == "" {
			if _, err := mem.Classify(d); errors.Is(err, memrouter.ErrUnclassified) {
				d.Category = record.CategoryFact
			}
		}
		rec, err := mem.Persist(ctx, d, sessionID)
		if err != nil {
			return nil, err
		}
		return map[string]string{
			"id":       rec.ID,
			"category": string(rec.Category),
			"tier":     string(rec.Tier),
		}, nil
	}
}

type recalled struct {
	Body      string    `json:"body"`
	Category  string    `json:"category"`
	Tier      string    `json:"tier"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func recall(mem Memory) HandlerFunc {
	return func(ctx context.Context, sessionID string, args map[string]interface{}) (interface{}, error) {
		q := memrouter.Query{Tags: stringList(args["tags"])}
		q.Text, _ = args["text"].(string)
		if c, ok := args["category"].(string); ok {
			q.Category = record.Category(c)
		}
		var err error
		if q.From, err = parseWhen(args["from"], false); err != nil {
			return nil, err
		}
		if q.To, err = parseWhen(args["to"], true); err != nil {
			return nil, err
		}

		b, err := mem.Retrieve(ctx, q, sessionID)
		if err != nil {
			return nil, err
		}
		items := make([]recalled, 0, len(b.Items))
		for _, it := range b.Items {
			items = append(items, recalled{
				Body:      it.Record.Body,
				Category:  string(it.Record.Category),
				Tier:      string(it.Tier),
				Tags:      it.Record.Tags,
				CreatedAt: it.Record.CreatedAt,
			})
		}
		return map[string]interface{}{"items": items, "partial": b.Partial}, nil
	}
}

// parseWhen accepts RFC 3339 timestamps or plain dates. A plain date used
// as an upper bound covers the whole day.
func parseWhen(v interface{}, end bool) (time.Time, error) {
	s, _ := v.(string)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	if end {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func stringList(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
