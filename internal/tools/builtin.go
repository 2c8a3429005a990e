package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/grace/internal/schema"
)

// RegisterBuiltins adds the default tools. now is the clock they read.
func RegisterBuiltins(r *Registry, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}
	builtins := []Tool{
		{
			Name:        "get_time",
			Description: "Current local time, optionally in an IANA timezone",
			Params:      schema.PayloadSchema{Properties: map[string]schema.FieldType{"timezone": schema.TypeString}},
			Run: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				t, err := inZone(now(), args)
				if err != nil {
					return nil, err
				}
				return map[string]string{
					"time":     t.Format("15:04"),
					"timezone": t.Location().String(),
					"rfc3339":  t.Format(time.RFC3339),
				}, nil
			},
		},
		{
			Name:        "get_date",
			Description: "Today's date and weekday, optionally in an IANA timezone",
			Params:      schema.PayloadSchema{Properties: map[string]schema.FieldType{"timezone": schema.TypeString}},
			Run: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				t, err := inZone(now(), args)
				if err != nil {
					return nil, err
				}
				return map[string]string{
					"date":    t.Format("2006-01-02"),
					"weekday": t.Weekday().String(),
				}, nil
			},
		},
		{
			Name:        "echo",
			Description: "Return the given text unchanged",
			Params: schema.PayloadSchema{
				Required:   []string{"text"},
				Properties: map[string]schema.FieldType{"text": schema.TypeString},
			},
			Run: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				return args["text"], nil
			},
		},
	}
	for _, t := range builtins {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func inZone(t time.Time, args map[string]interface{}) (time.Time, error) {
	tz, _ := args["timezone"].(string)
	if tz == "" {
		return t, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("unknown timezone %q", tz)
	}
	return t.In(loc), nil
}
