package intent

import (
	"context"

	"github.com/nidhogg/grace/internal/schema"
)

// HandlerFunc runs one intent. args is the command payload without the
// intent key.
type HandlerFunc func(ctx context.Context, sessionID string, args map[string]interface{}) (interface{}, error)

// Intent is a named action a skill can perform.
type Intent struct {
	Name        string
	Description string
	Params      schema.PayloadSchema
	Handle      HandlerFunc
}

// Alias declares a plugin intent that forwards to an existing intent with
// some arguments fixed.
type Alias struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Target      string                 `json:"alias"`
	Defaults    map[string]interface{} `json:"defaults,omitempty"`
}

// Skill groups intents with the prompt fragment that teaches the model
// when to use them.
type Skill struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	PromptFragment string   `json:"prompt_fragment"`
	Intents        []Intent `json:"-"`
	Aliases        []Alias  `json:"intents,omitempty"`
	Source         string   `json:"source"` // "builtin", "plugin"
}
