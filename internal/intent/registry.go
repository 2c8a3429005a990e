// Package intent is the intent handler subsystem: skills owning named
// intents the model invokes with
// {"target": "intent_handler", "payload": {"intent": "<name>", ...}}.
package intent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/grace/internal/command"
	"github.com/nidhogg/grace/internal/dispatch"
	"github.com/nidhogg/grace/internal/schema"
)

// Key is the payload key naming the intent.
const Key = "intent"

type binding struct {
	skill  string
	intent Intent
}

// Registry holds skills and routes intent commands to their handlers.
// All operations are thread-safe.
type Registry struct {
	mu      sync.RWMutex
	skills  map[string]*Skill
	intents map[string]binding
	logger  *zap.Logger
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		skills:  make(map[string]*Skill),
		intents: make(map[string]binding),
		logger:  logger,
	}
}

// Add registers a skill and its intents. Intent names are global; a
// skill whose intent collides with a registered one is refused whole.
func (r *Registry) Add(s *Skill) error {
	if s.ID == "" {
		return fmt.Errorf("add skill: id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.skills[s.ID]; ok {
		return fmt.Errorf("add skill %s: already registered", s.ID)
	}

	intents := append([]Intent(nil), s.Intents...)
	for _, a := range s.Aliases {
		in, err := r.resolveAlias(a)
		if err != nil {
			return fmt.Errorf("add skill %s: %w", s.ID, err)
		}
		intents = append(intents, in)
	}
	seen := make(map[string]bool, len(intents))
	for _, in := range intents {
		if in.Name == "" || in.Handle == nil {
			return fmt.Errorf("add skill %s: intent needs a name and handler", s.ID)
		}
		if _, ok := r.intents[in.Name]; ok || seen[in.Name] {
			return fmt.Errorf("add skill %s: intent %q already registered", s.ID, in.Name)
		}
		seen[in.Name] = true
	}

	r.skills[s.ID] = s
	for _, in := range intents {
		r.intents[in.Name] = binding{skill: s.ID, intent: in}
	}
	r.logger.Debug("skill registered",
		zap.String("skill", s.ID),
		zap.String("source", s.Source),
		zap.Int("intents", len(intents)))
	return nil
}

func (r *Registry) resolveAlias(a Alias) (Intent, error) {
	target, ok := r.intents[a.Target]
	if !ok {
		return Intent{}, fmt.Errorf("intent %q aliases unknown intent %q", a.Name, a.Target)
	}
	params := target.intent.Params
	var required []string
	for _, k := range params.Required {
		if _, fixed := a.Defaults[k]; !fixed {
			required = append(required, k)
		}
	}
	params.Required = required

	defaults := a.Defaults
	next := target.intent.Handle
	return Intent{
		Name:        a.Name,
		Description: a.Description,
		Params:      params,
		Handle: func(ctx context.Context, sessionID string, args map[string]interface{}) (interface{}, error) {
			merged := make(map[string]interface{}, len(args)+len(defaults))
			for k, v := range defaults {
				merged[k] = v
			}
			for k, v := range args {
				merged[k] = v
			}
			return next(ctx, sessionID, merged)
		},
	}, nil
}

// Get returns a skill by ID, or nil if not found.
func (r *Registry) Get(id string) *Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.skills[id]
}

// All returns every skill sorted by ID.
func (r *Registry) All() []*Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Skill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Schema is the payload schema for the intent target.
func (r *Registry) Schema() schema.PayloadSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	variants := make(map[string]schema.PayloadSchema, len(r.intents))
	for name, b := range r.intents {
		variants[name] = b.intent.Params
	}
	return schema.PayloadSchema{
		Required:      []string{Key},
		Properties:    map[string]schema.FieldType{Key: schema.TypeString},
		Discriminator: Key,
		Variants:      variants,
	}
}

// FormatSkillPrompt renders skills and their intents as a system prompt
// section.
func (r *Registry) FormatSkillPrompt() string {
	skills := r.All()
	if len(skills) == 0 {
		return ""
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var b strings.Builder
	b.WriteString("## Available Skills\n")
	for _, s := range skills {
		fmt.Fprintf(&b, "\n### %s\n%s\n", s.Name, s.Description)
		if s.PromptFragment != "" {
			fmt.Fprintf(&b, "\n%s\n", s.PromptFragment)
		}
		var names []string
		for name, bnd := range r.intents {
			if bnd.skill == s.ID {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			in := r.intents[name].intent
			fmt.Fprintf(&b, "- %s: %s", name, in.Description)
			if len(in.Params.Required) > 0 {
				fmt.Fprintf(&b, " (requires: %s)", strings.Join(in.Params.Required, ", "))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// Handle implements dispatch.Handler.
func (r *Registry) Handle(ctx context.Context, sessionID string, cmd command.Command) (*command.Result, error) {
	name, _ := cmd.Payload[Key].(string)
	r.mu.RLock()
	b, ok := r.intents[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown intent: %s", name)
	}

	args := make(map[string]interface{}, len(cmd.Payload))
	for k, v := range cmd.Payload {
		if k != Key {
			args[k] = v
		}
	}
	start := time.Now()
	out, err := b.intent.Handle(ctx, sessionID, args)
	r.logger.Debug("intent handled",
		zap.String("session", sessionID),
		zap.String("skill", b.skill),
		zap.String("intent", name),
		zap.Duration("took", time.Since(start)),
		zap.Error(err))
	if err != nil {
		return nil, err
	}
	return &command.Result{Status: command.StatusSuccess, Data: out}, nil
}

// Registration describes the intent subsystem to the dispatcher. Intents
// may touch shared state such as memory, so consecutive intent commands
// run in order.
func (r *Registry) Registration(timeout time.Duration) dispatch.Registration {
	return dispatch.Registration{
		Target:      command.TargetIntentHandler,
		Handler:     r,
		Schema:      r.Schema(),
		Concurrent:  false,
		Timeout:     timeout,
		Description: "skill intents",
	}
}
