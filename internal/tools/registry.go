// Package tools is the Tool subsystem: named operations the model invokes
// with {"target": "tool", "payload": {"op": "<name>", ...}}.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/grace/internal/command"
	"github.com/nidhogg/grace/internal/dispatch"
	"github.com/nidhogg/grace/internal/schema"
	"go.uber.org/zap"
)

// OpKey is the payload key naming the tool to run.
const OpKey = "op"

// Func executes a tool. args is the command payload without the op key.
type Func func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Tool is one registered operation.
type Tool struct {
	Name        string
	Description string
	Params      schema.PayloadSchema
	Run         Func
}

// Registry holds available tools and dispatches tool commands to them.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger,
	}
}

// Register adds a tool. Names are unique.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" || t.Run == nil {
		return fmt.Errorf("register tool: name and run func are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("register tool: %q already registered", t.Name)
	}
	r.tools[t.Name] = t
	r.logger.Debug("tool registered", zap.String("op", t.Name))
	return nil
}

// Definitions returns all tools sorted by name.
func (r *Registry) Definitions() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Schema is the payload schema for the tool target: one variant per op.
func (r *Registry) Schema() schema.PayloadSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	variants := make(map[string]schema.PayloadSchema, len(r.tools))
	for name, t := range r.tools {
		variants[name] = t.Params
	}
	return schema.PayloadSchema{
		Required:      []string{OpKey},
		Properties:    map[string]schema.FieldType{OpKey: schema.TypeString},
		Discriminator: OpKey,
		Variants:      variants,
	}
}

// Describe renders the tool list for the model's system prompt.
func (r *Registry) Describe() string {
	var sb strings.Builder
	for _, t := range r.Definitions() {
		sb.WriteString("- ")
		sb.WriteString(t.Name)
		if t.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(t.Description)
		}
		if args := argNames(t.Params); len(args) > 0 {
			sb.WriteString(" (args: ")
			sb.WriteString(strings.Join(args, ", "))
			sb.WriteString(")")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// Execute runs a tool by name.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	return t.Run(ctx, args)
}

// Handle implements dispatch.Handler.
func (r *Registry) Handle(ctx context.Context, sessionID string, cmd command.Command) (*command.Result, error) {
	op, _ := cmd.Payload[OpKey].(string)
	args := make(map[string]interface{}, len(cmd.Payload))
	for k, v := range cmd.Payload {
		if k != OpKey {
			args[k] = v
		}
	}

	start := time.Now()
	out, err := r.Execute(ctx, op, args)
	r.logger.Debug("tool executed",
		zap.String("session", sessionID),
		zap.String("op", op),
		zap.Duration("took", time.Since(start)),
		zap.Error(err))
	if err != nil {
		return nil, err
	}
	return &command.Result{Status: command.StatusSuccess, Data: out}, nil
}

// Registration describes the tool subsystem to the dispatcher. Bridged
// MCP tools may depend on each other's side effects, so tool commands run
// in order unless dispatch config marks the target concurrent.
func (r *Registry) Registration(timeout time.Duration) dispatch.Registration {
	return dispatch.Registration{
		Target:      command.TargetTool,
		Handler:     r,
		Schema:      r.Schema(),
		Concurrent:  false,
		Timeout:     timeout,
		Description: "tool operations",
	}
}

func argNames(s schema.PayloadSchema) []string {
	seen := make(map[string]bool)
	var out []string
	for _, k := range s.Required {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	var optional []string
	for k := range s.Properties {
		if !seen[k] {
			seen[k] = true
			optional = append(optional, k+"?")
		}
	}
	sort.Strings(optional)
	return append(out, optional...)
}
