package command

import (
	"fmt"
	"time"

	"github.com/nidhogg/grace/internal/record"
)

// Target is the subsystem category a command is routed to.
type Target string

const (
	TargetIntentHandler Target = "intent_handler"
	TargetMessageBus    Target = "message_bus"
	TargetTool          Target = "tool"
)

// Targets lists every known target in a stable order.
var Targets = []Target{TargetIntentHandler, TargetMessageBus, TargetTool}

// Valid reports whether t is one of the known targets.
func (t Target) Valid() bool {
	for _, known := range Targets {
		if t == known {
			return true
		}
	}
	return false
}

// Command is a single validated instruction emitted by the model.
type Command struct {
	ID            string                 `json:"id"`
	Target        Target                 `json:"target"`
	Payload       map[string]interface{} `json:"payload"`
	ExpectsResult bool                   `json:"expects_result"`
}

// String renders the command for logs and prompts.
func (c Command) String() string {
	return fmt.Sprintf("%s(%s)", c.Target, c.ID)
}

// Status is the terminal state of a command.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusTimeout Status = "timeout"
)

// Result is produced by a subsystem handler (or synthesized by the
// dispatcher) for exactly one command.
type Result struct {
	CommandID   string        `json:"command_id"`
	Target      Target        `json:"target,omitempty"`
	Status      Status        `json:"status"`
	Data        interface{}   `json:"data,omitempty"`
	ErrorDetail string        `json:"error_detail,omitempty"`
	Continue    bool          `json:"continue,omitempty"` // task incomplete, re-invoke the model
	Accepted    bool          `json:"accepted,omitempty"` // fire-and-forget acknowledgement
	Duration    time.Duration `json:"duration"`

	// Err is the handler's error, kept for callers that inspect its type.
	Err error `json:"-"`
}

// OK reports whether the command completed successfully.
func (r Result) OK() bool { return r.Status == StatusSuccess }

// StructuredOutput is one model turn after validation.
type StructuredOutput struct {
	TurnID       string         `json:"turn_id"`
	ModelTurnID  string         `json:"model_turn_id,omitempty"`
	Commands     []Command      `json:"commands"`
	ResponseText string         `json:"response_text,omitempty"`
	Memories     []record.Draft `json:"memories,omitempty"`
	Continue     bool           `json:"continue,omitempty"`
}

// HasCommands reports whether the turn carries anything to dispatch.
func (o *StructuredOutput) HasCommands() bool { return len(o.Commands) > 0 }

// ExpectsResults reports whether any command wants its result fed back.
func (o *StructuredOutput) ExpectsResults() bool {
	for _, c := range o.Commands {
		if c.ExpectsResult {
			return true
		}
	}
	return false
}
