package schema

import (
	"fmt"
	"sort"
	"strings"
)

// FieldType is the JSON kind a payload property must have.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeBool   FieldType = "bool"
	TypeObject FieldType = "object"
	TypeArray  FieldType = "array"
	TypeAny    FieldType = "any"
)

// PayloadSchema is the payload shape a subsystem expects for its target.
// When Discriminator is set, the payload value under that key selects one
// of Variants, which is checked in addition to the outer schema.
type PayloadSchema struct {
	Required      []string                 `json:"required,omitempty"`
	Properties    map[string]FieldType     `json:"properties,omitempty"`
	Discriminator string                   `json:"discriminator,omitempty"`
	Variants      map[string]PayloadSchema `json:"variants,omitempty"`
}

// Check validates a payload against the schema.
func (s PayloadSchema) Check(payload map[string]interface{}) error {
	if len(payload) == 0 {
		return fmt.Errorf("payload is empty")
	}
	for _, key := range s.Required {
		v, ok := payload[key]
		if !ok || v == nil {
			return fmt.Errorf("missing required field %q", key)
		}
	}
	for key, want := range s.Properties {
		v, ok := payload[key]
		if !ok || v == nil {
			continue
		}
		if !typeMatches(want, v) {
			return fmt.Errorf("field %q must be %s, got %T", key, want, v)
		}
	}
	if s.Discriminator == "" {
		return nil
	}
	raw, ok := payload[s.Discriminator]
	if !ok {
		return fmt.Errorf("missing required field %q", s.Discriminator)
	}
	name, ok := raw.(string)
	if !ok || name == "" {
		return fmt.Errorf("field %q must be a non-empty string", s.Discriminator)
	}
	if len(s.Variants) == 0 {
		return nil
	}
	variant, ok := s.Variants[name]
	if !ok {
		return fmt.Errorf("unknown %s %q (known: %s)", s.Discriminator, name, strings.Join(s.VariantNames(), ", "))
	}
	if err := variant.Check(payload); err != nil {
		return fmt.Errorf("%s %q: %w", s.Discriminator, name, err)
	}
	return nil
}

// VariantNames returns the sorted variant keys.
func (s PayloadSchema) VariantNames() []string {
	names := make([]string, 0, len(s.Variants))
	for k := range s.Variants {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func typeMatches(want FieldType, v interface{}) bool {
	switch want {
	case TypeAny, "":
		return true
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		switch v.(type) {
		case float64, float32, int, int64, int32:
			return true
		}
		return false
	case TypeBool:
		_, ok := v.(bool)
		return ok
	case TypeObject:
		_, ok := v.(map[string]interface{})
		return ok
	case TypeArray:
		_, ok := v.([]interface{})
		return ok
	}
	return false
}
