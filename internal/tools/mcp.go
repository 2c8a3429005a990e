package tools

import (
	"context"

	"github.com/nidhogg/grace/internal/mcp"
	"github.com/nidhogg/grace/internal/schema"
)

// MCPSource is a connected MCP server.
type MCPSource interface {
	Name() string
	Tools() []mcp.ToolInfo
	CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error)
}

// RegisterMCP bridges MCP server tools into the registry as
// "<server>.<tool>" operations.
func RegisterMCP(r *Registry, sources ...MCPSource) error {
	for _, src := range sources {
		for _, info := range src.Tools() {
			src, info := src, info
			if err := r.Register(Tool{
				Name:        src.Name() + "." + info.Name,
				Description: info.Description,
				Params:      fromJSONSchema(info.InputSchema),
				Run: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
					return src.CallTool(ctx, info.Name, args)
				},
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// fromJSONSchema maps the subset of JSON Schema MCP servers publish.
func fromJSONSchema(js map[string]interface{}) schema.PayloadSchema {
	var s schema.PayloadSchema
	switch req := js["required"].(type) {
	case []string:
		s.Required = append(s.Required, req...)
	case []interface{}:
		for _, v := range req {
			if name, ok := v.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	}
	props, _ := js["properties"].(map[string]interface{})
	if len(props) > 0 {
		s.Properties = make(map[string]schema.FieldType, len(props))
	}
	for name, raw := range props {
		p, _ := raw.(map[string]interface{})
		typ, _ := p["type"].(string)
		switch typ {
		case "string":
			s.Properties[name] = schema.TypeString
		case "number", "integer":
			s.Properties[name] = schema.TypeNumber
		case "boolean":
			s.Properties[name] = schema.TypeBool
		case "object":
			s.Properties[name] = schema.TypeObject
		case "array":
			s.Properties[name] = schema.TypeArray
		default:
			s.Properties[name] = schema.TypeAny
		}
	}
	return s
}
