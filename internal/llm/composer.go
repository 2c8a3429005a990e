package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/grace/internal/command"
	"github.com/nidhogg/grace/internal/memrouter"
)

// Describer renders a subsystem's capabilities for the system prompt.
type Describer func() string

// Composer builds the prompts for each model invocation.
type Composer struct {
	persona string
	tools   Describer
	skills  Describer
	targets func() []command.Target
	now     func() time.Time
}

// NewComposer creates a composer. tools and skills may be nil.
func NewComposer(persona string, tools, skills Describer) *Composer {
	if persona == "" {
		persona = "You are Grace, a helpful personal assistant running on the user's own machine."
	}
	return &Composer{persona: persona, tools: tools, skills: skills, now: time.Now}
}

// WithTargets limits the command targets advertised to the model to the
// ones fn reports, normally the dispatcher's registered subsystems.
func (c *Composer) WithTargets(fn func() []command.Target) *Composer {
	c.targets = fn
	return c
}

var payloadHints = map[command.Target]string{
	command.TargetTool:          `tool payloads name the tool in "op"`,
	command.TargetIntentHandler: `intent_handler payloads name the intent in "intent"`,
	command.TargetMessageBus:    `message_bus payloads carry "topic" and "message"`,
}

func (c *Composer) outputContract() string {
	targets := command.Targets
	if c.targets != nil {
		targets = c.targets()
	}
	names := make([]string, 0, len(targets))
	var hints []string
	for _, t := range targets {
		names = append(names, string(t))
		if h, ok := payloadHints[t]; ok {
			hints = append(hints, h)
		}
	}

	var b strings.Builder
	b.WriteString("Always answer with a single JSON object and nothing else:\n{\n")
	b.WriteString(`  "response_text": "what to say to the user (may be empty while commands run)",` + "\n")
	if len(names) > 0 {
		fmt.Fprintf(&b, `  "commands": [{"id": "c1", "target": "%s", "payload": {...}, "expects_result": true}],`+"\n",
			strings.Join(names, " | "))
	}
	b.WriteString(`  "memories": [{"category": "preference | conversation | log | reference | date_fact | source_artifact | config", "tags": ["..."], "body": "..."}],` + "\n")
	b.WriteString(`  "continue": false` + "\n}\n")
	if len(hints) > 0 {
		b.WriteString("In commands, " + strings.Join(hints, "; ") + ". ")
		b.WriteString("Set expects_result when you need the result before answering. ")
	}
	b.WriteString("Set continue when the task needs another step.")
	return b.String()
}

// System returns the system prompt.
func (c *Composer) System() string {
	var b strings.Builder
	b.WriteString(c.persona)
	b.WriteString("\n\n")
	b.WriteString(c.outputContract())
	b.WriteString("\n")
	if c.tools != nil {
		if tools := c.tools(); tools != "" {
			b.WriteString("\n## Available Tools\n")
			b.WriteString(tools)
		}
	}
	if c.skills != nil {
		if skills := c.skills(); skills != "" {
			b.WriteString("\n")
			b.WriteString(skills)
		}
	}
	fmt.Fprintf(&b, "\nCurrent time: %s\n", c.now().Format("Monday, 2006-01-02 15:04 MST"))
	return b.String()
}

// First builds the opening prompt of an utterance: system prompt, memory
// context, prior exchanges and the user's text.
func (c *Composer) First(history []Message, utterance string, bundle *memrouter.Bundle) []Message {
	msgs := make([]Message, 0, len(history)+3)
	msgs = append(msgs, Message{Role: RoleSystem, Content: c.System()})
	if ctx := bundle.Format(); ctx != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: ctx})
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, Message{Role: RoleUser, Content: utterance})
	return msgs
}

// FollowUp extends a conversation with the model's last raw output and
// the results of the commands it issued.
func (c *Composer) FollowUp(prior []Message, raw string, results []command.Result, bundle *memrouter.Bundle) []Message {
	msgs := make([]Message, 0, len(prior)+3)
	msgs = append(msgs, prior...)
	msgs = append(msgs, Message{Role: RoleAssistant, Content: raw})

	var b strings.Builder
	b.WriteString(FormatResults(results))
	if ctx := bundle.Format(); ctx != "" {
		b.WriteString("\n")
		b.WriteString(ctx)
	}
	b.WriteString("\nContinue the task. Answer with the JSON object only.")
	msgs = append(msgs, Message{Role: RoleUser, Content: b.String()})
	return msgs
}

// Correction asks the model to restate output that failed validation.
func (c *Composer) Correction(prior []Message, raw, reason string) []Message {
	msgs := make([]Message, 0, len(prior)+2)
	msgs = append(msgs, prior...)
	msgs = append(msgs,
		Message{Role: RoleAssistant, Content: raw},
		Message{Role: RoleUser, Content: "Your last answer was rejected: " + reason + ". Answer again with the JSON object only."},
	)
	return msgs
}

// FormatResults renders command results as a prompt section.
func FormatResults(results []command.Result) string {
	var b strings.Builder
	b.WriteString("[Command Results]\n")
	if len(results) == 0 {
		b.WriteString("(none)\n")
		return b.String()
	}
	for _, r := range results {
		fmt.Fprintf(&b, "- %s (%s): %s", r.CommandID, r.Target, r.Status)
		switch {
		case r.Accepted:
			b.WriteString(", accepted")
		case r.ErrorDetail != "":
			fmt.Fprintf(&b, ", error: %s", r.ErrorDetail)
		case r.Data != nil:
			data, err := json.Marshal(r.Data)
			if err != nil {
				data = []byte(fmt.Sprint(r.Data))
			}
			fmt.Fprintf(&b, ", data: %s", data)
		}
		if r.Continue {
			b.WriteString(", more steps needed")
		}
		b.WriteString("\n")
	}
	return b.String()
}
