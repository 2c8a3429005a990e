// Package schema parses and validates the model's structured output.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nidhogg/grace/internal/command"
	"github.com/nidhogg/grace/internal/record"
)

// ValidationError reports a rejected model turn. ResponseText carries a
// best-effort extraction of the user-facing text, empty when none was
// unambiguously present.
type ValidationError struct {
	Reason       string
	RawFragment  string
	ResponseText string
}

func (e *ValidationError) Error() string {
	if e.RawFragment == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s (near %q)", e.Reason, e.RawFragment)
}

// Validator checks raw model output against the registered command contract.
type Validator struct {
	mu      sync.RWMutex
	schemas map[command.Target]PayloadSchema

	// KnownCategory, when set, rejects memory drafts with unregistered categories.
	KnownCategory func(record.Category) bool
}

// NewValidator creates a validator with no registered targets.
func NewValidator() *Validator {
	return &Validator{schemas: make(map[command.Target]PayloadSchema)}
}

// Register sets the payload schema for a target. Subsystems call this at startup.
func (v *Validator) Register(target command.Target, s PayloadSchema) error {
	if !target.Valid() {
		return fmt.Errorf("register schema: unknown target %q", target)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[target] = s
	return nil
}

func (v *Validator) schemaFor(target command.Target) (PayloadSchema, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.schemas[target]
	return s, ok
}

type wireCommand struct {
	ID            string                 `json:"id"`
	Target        command.Target         `json:"target"`
	Payload       map[string]interface{} `json:"payload"`
	ExpectsResult bool                   `json:"expects_result"`
}

type wireOutput struct {
	TurnID       string         `json:"turn_id"`
	Commands     []wireCommand  `json:"commands"`
	ResponseText string         `json:"response_text"`
	Memories     []record.Draft `json:"memories"`
	Continue     bool           `json:"continue"`
}

// Validate parses one model turn. It never partially accepts a turn: any
// structural or schema problem rejects the whole output.
func (v *Validator) Validate(raw string) (*command.StructuredOutput, error) {
	body := stripFence(strings.TrimSpace(raw))
	if body == "" {
		return nil, &ValidationError{Reason: "empty output"}
	}
	if !strings.HasPrefix(body, "{") {
		return nil, v.reject("output is not a JSON object", raw, fragment(body, 0))
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	var w wireOutput
	if err := dec.Decode(&w); err != nil {
		return nil, v.reject("malformed structure: "+err.Error(), raw, syntaxFragment(body, err))
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, v.reject("trailing data after JSON object", raw, fragment(body, int(dec.InputOffset())))
	}

	// Models reuse turn ids across utterances, so the id that keys
	// delivery is always assigned here.
	out := &command.StructuredOutput{
		TurnID:       uuid.New().String(),
		ModelTurnID:  w.TurnID,
		ResponseText: strings.TrimSpace(w.ResponseText),
		Continue:     w.Continue,
	}
	if len(w.Commands) == 0 && out.ResponseText == "" {
		return nil, &ValidationError{Reason: "output has neither commands nor response text", RawFragment: fragment(body, 0)}
	}

	seen := make(map[string]bool, len(w.Commands))
	for i, wc := range w.Commands {
		id := strings.TrimSpace(wc.ID)
		if id == "" {
			id = "cmd-" + strconv.Itoa(i+1)
		}
		if seen[id] {
			return nil, v.commandError(fmt.Sprintf("duplicate command id %q", id), out, wc)
		}
		seen[id] = true

		if !wc.Target.Valid() {
			return nil, v.commandError(fmt.Sprintf("unknown target %q", wc.Target), out, wc)
		}
		// A target without a subsystem is still well formed; the
		// dispatcher reports it per command.
		s, _ := v.schemaFor(wc.Target)
		if err := s.Check(wc.Payload); err != nil {
			return nil, v.commandError(fmt.Sprintf("command %s: %v", id, err), out, wc)
		}
		out.Commands = append(out.Commands, command.Command{
			ID:            id,
			Target:        wc.Target,
			Payload:       wc.Payload,
			ExpectsResult: wc.ExpectsResult,
		})
	}

	for i, m := range w.Memories {
		if strings.TrimSpace(m.Body) == "" {
			return nil, &ValidationError{Reason: fmt.Sprintf("memory %d has an empty body", i), ResponseText: out.ResponseText}
		}
		if m.Category == "" {
			return nil, &ValidationError{Reason: fmt.Sprintf("memory %d has no category", i), ResponseText: out.ResponseText}
		}
		if v.KnownCategory != nil && !v.KnownCategory(m.Category) {
			return nil, &ValidationError{Reason: fmt.Sprintf("memory %d has unknown category %q", i, m.Category), ResponseText: out.ResponseText}
		}
		m.Tags = record.NormalizeTags(m.Tags)
		out.Memories = append(out.Memories, m)
	}
	return out, nil
}

func (v *Validator) commandError(reason string, out *command.StructuredOutput, wc wireCommand) *ValidationError {
	b, _ := json.Marshal(wc)
	return &ValidationError{
		Reason:       reason,
		RawFragment:  truncate(string(b), 200),
		ResponseText: out.ResponseText,
	}
}

// reject builds a structural ValidationError, salvaging response text when
// it is unambiguously present.
func (v *Validator) reject(reason, raw, frag string) *ValidationError {
	return &ValidationError{
		Reason:       reason,
		RawFragment:  frag,
		ResponseText: ExtractResponseText(raw),
	}
}

var responseTextRe = regexp.MustCompile(`"response_text"\s*:\s*("(?:[^"\\]|\\.)*")`)

// ExtractResponseText pulls the response_text value out of possibly
// malformed output. It returns "" when the field is absent or appears
// more than once.
func ExtractResponseText(raw string) string {
	body := stripFence(strings.TrimSpace(raw))
	var loose map[string]interface{}
	if err := json.Unmarshal([]byte(body), &loose); err == nil {
		if s, ok := loose["response_text"].(string); ok {
			return strings.TrimSpace(s)
		}
		return ""
	}
	matches := responseTextRe.FindAllStringSubmatch(body, -1)
	if len(matches) != 1 {
		return ""
	}
	s, err := strconv.Unquote(matches[0][1])
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// stripFence removes a surrounding ``` or ```json markdown fence.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	nl := strings.IndexByte(s, '\n')
	if nl < 0 {
		return s
	}
	inner := strings.TrimSpace(s[nl+1:])
	if !strings.HasSuffix(inner, "```") {
		return s
	}
	return strings.TrimSpace(strings.TrimSuffix(inner, "```"))
}

func syntaxFragment(body string, err error) string {
	var se *json.SyntaxError
	if errors.As(err, &se) {
		return fragment(body, int(se.Offset))
	}
	var te *json.UnmarshalTypeError
	if errors.As(err, &te) {
		return fragment(body, int(te.Offset))
	}
	return fragment(body, 0)
}

func fragment(body string, offset int) string {
	const span = 40
	start := offset - span
	if start < 0 {
		start = 0
	}
	end := offset + span
	if end > len(body) {
		end = len(body)
	}
	if start > end {
		start = end
	}
	return string(bytes.TrimSpace([]byte(body[start:end])))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
